package scandb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// SQLiteStore implements scan.StatusStore on the status database.
//
// Every value is written immediately, so a second process (a viewer, the
// command line tool of another operator) sees flags and progress without
// going through this one.
type SQLiteStore struct {
	db *sql.DB
}

var _ scan.StatusStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func now() string {
	return formatTime(time.Now())
}

// GetFlag returns an interrupt flag. Unknown flags are false.
func (s *SQLiteStore) GetFlag(ctx context.Context, name string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scan_flags WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading flag %s: %w", name, err)
	}
	return v != 0, nil
}

// SetFlag writes an interrupt flag.
func (s *SQLiteStore) SetFlag(ctx context.Context, name string, value bool) error {
	v := 0
	if value {
		v = 1
	}
	const query = `INSERT INTO scan_flags (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, name, v, now()); err != nil {
		return fmt.Errorf("writing flag %s: %w", name, err)
	}
	return nil
}

// Flags returns every stored flag.
func (s *SQLiteStore) Flags(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM scan_flags`)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var v int
		if err := rows.Scan(&name, &v); err != nil {
			return nil, fmt.Errorf("scanning flag: %w", err)
		}
		out[name] = v != 0
	}
	return out, rows.Err()
}

// SetInfo stores a JSON-encoded info value.
func (s *SQLiteStore) SetInfo(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding info %s: %w", key, err)
	}
	const query = `INSERT INTO scan_info (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, string(b), now()); err != nil {
		return fmt.Errorf("writing info %s: %w", key, err)
	}
	return nil
}

// Info decodes one info value into dst.
func (s *SQLiteStore) Info(ctx context.Context, key string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scan_info WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("info %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading info %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding info %s: %w", key, err)
	}
	return nil
}

// AllInfo returns every info value as raw JSON.
func (s *SQLiteStore) AllInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM scan_info ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying info: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scanning info: %w", err)
		}
		out[key] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// InitScanData replaces every scan data column in one transaction.
func (s *SQLiteStore) InitScanData(ctx context.Context, columns []scan.Column) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_data`); err != nil {
		return fmt.Errorf("clearing scan data: %w", err)
	}

	const query = `INSERT INTO scan_data (name, position, label, units, notes, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	ts := now()
	for i, c := range columns {
		data, err := encodeValues(c.Values)
		if err != nil {
			return fmt.Errorf("encoding column %s: %w", c.Name, err)
		}
		if _, err := tx.ExecContext(ctx, query, c.Name, i, c.Label, c.Units, c.Notes, data, ts); err != nil {
			return fmt.Errorf("inserting column %s: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scan data: %w", err)
	}
	return nil
}

// SetScanData replaces the values of an existing column.
func (s *SQLiteStore) SetScanData(ctx context.Context, name string, values []float64) error {
	data, err := encodeValues(values)
	if err != nil {
		return fmt.Errorf("encoding column %s: %w", name, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_data SET data = ?, updated_at = ? WHERE name = ?`, data, now(), name)
	if err != nil {
		return fmt.Errorf("updating column %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("column %s: %w", name, ErrNotFound)
	}
	return nil
}

// ScanData returns every column in registration order.
func (s *SQLiteStore) ScanData(ctx context.Context) ([]scan.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, label, units, notes, data FROM scan_data ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying scan data: %w", err)
	}
	defer rows.Close()

	var out []scan.Column
	for rows.Next() {
		var c scan.Column
		var data string
		if err := rows.Scan(&c.Name, &c.Label, &c.Units, &c.Notes, &data); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		if c.Values, err = decodeValues(data); err != nil {
			return nil, fmt.Errorf("decoding column %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeValues writes NaN and infinities as null, which JSON cannot carry.
func encodeValues(values []float64) (string, error) {
	out := make([]*float64, len(values))
	for i := range values {
		if isFinite(values[i]) {
			out[i] = &values[i]
		}
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeValues(data string) ([]float64, error) {
	var raw []*float64
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = nan
		} else {
			out[i] = *v
		}
	}
	return out, nil
}

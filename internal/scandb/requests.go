package scandb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request sources.
const (
	SourceAPI       = "api"
	SourceWebSocket = "websocket"
	SourceMQTT      = "mqtt"
	SourceSignal    = "signal"
	SourceLocal     = "local"
)

// maxRequestsLimit caps one page of the request log.
const maxRequestsLimit = 200

// Request is one operator request in the audit trail.
type Request struct {
	ID        string    `json:"id"`
	StationID string    `json:"station_id"`
	Request   string    `json:"request"` // abort, pause or resume
	Value     bool      `json:"value"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"` // run in progress when the request arrived
	CreatedAt time.Time `json:"created_at"`
}

// RequestFilter controls which requests to return.
type RequestFilter struct {
	Request string // optional: abort, pause or resume
	Source  string // optional
	Limit   int    // default 50, max 200
}

// RecordRequest appends r to the audit trail. ID and CreatedAt are
// generated if empty.
func (s *SQLiteStore) RecordRequest(ctx context.Context, r *Request) error {
	if r.ID == "" {
		r.ID = "req-" + uuid.NewString()[:8]
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	v := 0
	if r.Value {
		v = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_requests (id, station_id, request, value, source, run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StationID, r.Request, v, r.Source, r.RunID,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", r.Request, err)
	}
	return nil
}

// Requests returns recorded requests matching filter, newest first.
func (s *SQLiteStore) Requests(ctx context.Context, filter RequestFilter) ([]Request, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	filter.Limit = min(filter.Limit, maxRequestsLimit)

	var (
		conditions []string
		args       []any
	)
	if filter.Request != "" {
		conditions = append(conditions, "request = ?")
		args = append(args, filter.Request)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, station_id, request, value, source, run_id, created_at FROM scan_requests %s ORDER BY created_at DESC LIMIT ?",
		where,
	)
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		var (
			r       Request
			v       int
			created string
		)
		if err := rows.Scan(&r.ID, &r.StationID, &r.Request, &v, &r.Source, &r.RunID, &created); err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		r.Value = v != 0
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing request timestamp %q: %w", created, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}
	return out, nil
}

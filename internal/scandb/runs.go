package scandb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

var nan = math.NaN()

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Run is one row of the run history.
type Run struct {
	RunID       string         `json:"run_id"`
	StationID   string         `json:"station_id"`
	StartedAt   time.Time      `json:"started_at"`
	TotalPoints int            `json:"total_points"`
	Points      int            `json:"points"`
	Exit        scan.ExitCause `json:"exit"`
	Filename    string         `json:"filename"`
	LastError   string         `json:"last_error,omitempty"`
	Timing      scan.RunTiming `json:"timing"`
}

// RecordRun stores the final status of a run. Recording the same run twice
// replaces the earlier row.
func (s *SQLiteStore) RecordRun(ctx context.Context, stationID string, st scan.Status) error {
	const query = `INSERT OR REPLACE INTO scan_runs
		(run_id, station_id, started_at, total_points, points, exit_cause, filename, last_error,
		 init_ms, loop_ms, exit_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		st.RunID, stationID, formatTime(st.StartedAt),
		st.TotalPoints, st.Points, string(st.Exit), st.Filename, st.LastError,
		st.Timing.Init.Milliseconds(), st.Timing.Loop.Milliseconds(), st.Timing.Exit.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording run %s: %w", st.RunID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT run_id, station_id, started_at, total_points, points, exit_cause,
		filename, last_error, init_ms, loop_ms, exit_ms
		FROM scan_runs ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                      Run
			started, exit          string
			initMS, loopMS, exitMS int64
		)
		if err := rows.Scan(&r.RunID, &r.StationID, &started, &r.TotalPoints, &r.Points, &exit,
			&r.Filename, &r.LastError, &initMS, &loopMS, &exitMS); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started) //nolint:errcheck // Format is written by RecordRun
		r.Exit = scan.ExitCause(exit)
		r.Timing = scan.RunTiming{
			Init: time.Duration(initMS) * time.Millisecond,
			Loop: time.Duration(loopMS) * time.Millisecond,
			Exit: time.Duration(exitMS) * time.Millisecond,
		}
		r.Timing.Total = r.Timing.Init + r.Timing.Loop + r.Timing.Exit
		out = append(out, r)
	}
	return out, rows.Err()
}

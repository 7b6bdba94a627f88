package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// Interrupt request flag names, shared by every FlagStore implementation and
// by the operator control surfaces that set them.
const (
	FlagAbort  = "request_abort"
	FlagPause  = "request_pause"
	FlagResume = "request_resume"
)

// Status info keys written during a run.
const (
	InfoScanMessage  = "scan_message"
	InfoTotalPoints  = "scan_total_points"
	InfoTimeEstimate = "scan_time_estimate"
	InfoFilename     = "filename"
	InfoLastError    = "last_error"
	InfoCurrentPoint = "scan_current_point"
	InfoRunID        = "scan_run_id"
	InfoScanComplete = "scan_complete"
)

// FlagStore is the external shared store the interrupt flags live in.
// Flags are independent; no cross-flag transactions are required.
type FlagStore interface {
	GetFlag(ctx context.Context, name string) (bool, error)
	SetFlag(ctx context.Context, name string, value bool) error
}

// Column is one named data series published to the status store.
type Column struct {
	Name   string    `json:"name"`
	Label  string    `json:"label"`
	Units  string    `json:"units,omitempty"`
	Notes  string    `json:"notes,omitempty"` // "positioner" or "counter"
	Values []float64 `json:"values"`
}

// MarshalJSON writes non-finite values as null.
func (c Column) MarshalJSON() ([]byte, error) {
	type plain Column
	return json.Marshal(struct {
		plain
		Values []*float64 `json:"values"`
	}{plain(c), nullable(c.Values)})
}

// StatusStore is the optional status database: interrupt flags plus
// free-form run info and per-column scan data for remote viewers.
type StatusStore interface {
	FlagStore
	SetInfo(ctx context.Context, key string, value any) error
	InitScanData(ctx context.Context, columns []Column) error
	SetScanData(ctx context.Context, name string, values []float64) error
}

// Interrupts polls the three operator request flags.
//
// Abort takes precedence over pause. A resume request clears pause and is
// itself consumed. A cancelled context counts as an abort.
type Interrupts struct {
	store  FlagStore
	logger Logger

	abort  bool
	pause  bool
	resume bool
}

// NewInterrupts creates an interrupt poller over store.
func NewInterrupts(store FlagStore, logger Logger) *Interrupts {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Interrupts{store: store, logger: logger}
}

// Poll re-reads all three flags and reports whether an abort was requested.
// An abort or pause flag that cannot be read keeps its previous value.
func (in *Interrupts) Poll(ctx context.Context) bool {
	if ctx.Err() != nil {
		in.abort = true
		return true
	}

	in.abort = in.read(ctx, FlagAbort, in.abort)
	in.pause = in.read(ctx, FlagPause, in.pause)
	in.resume = in.read(ctx, FlagResume, false)

	if in.resume {
		in.pause = false
		in.write(ctx, FlagPause, false)
		in.write(ctx, FlagResume, false)
	}
	return in.abort
}

// Aborted reports the abort flag from the last poll.
func (in *Interrupts) Aborted() bool { return in.abort }

// Paused reports the pause flag from the last poll.
func (in *Interrupts) Paused() bool { return in.pause }

// Resumed reports whether the last poll consumed a resume request.
func (in *Interrupts) Resumed() bool { return in.resume }

// Clear resets all three requests, locally and in the store, discarding any
// stale signal left over from a previous run.
func (in *Interrupts) Clear(ctx context.Context) {
	in.abort, in.pause, in.resume = false, false, false
	in.write(ctx, FlagAbort, false)
	in.write(ctx, FlagPause, false)
	in.write(ctx, FlagResume, false)
}

func (in *Interrupts) read(ctx context.Context, name string, previous bool) bool {
	v, err := in.store.GetFlag(ctx, name)
	if err != nil {
		in.logger.Warn("reading interrupt flag failed", "flag", name, "error", err)
		return previous
	}
	return v
}

func (in *Interrupts) write(ctx context.Context, name string, value bool) {
	if err := in.store.SetFlag(ctx, name, value); err != nil {
		in.logger.Warn("writing interrupt flag failed", "flag", name, "error", err)
	}
}

// LocalStore is the process-local StatusStore used when no status database
// is configured. It is safe for concurrent use: the engine, the progress
// messenger and the operator control surfaces all touch it.
type LocalStore struct {
	flags *xsync.MapOf[string, bool]
	info  *xsync.MapOf[string, any]
	data  *xsync.MapOf[string, Column]
	order *xsync.MapOf[string, int]
}

var _ StatusStore = (*LocalStore)(nil)

// NewLocalStore creates an empty in-process status store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		flags: xsync.NewMapOf[string, bool](),
		info:  xsync.NewMapOf[string, any](),
		data:  xsync.NewMapOf[string, Column](),
		order: xsync.NewMapOf[string, int](),
	}
}

// GetFlag returns a flag value; unknown flags are false.
func (s *LocalStore) GetFlag(_ context.Context, name string) (bool, error) {
	v, _ := s.flags.Load(name)
	return v, nil
}

// SetFlag stores a flag value.
func (s *LocalStore) SetFlag(_ context.Context, name string, value bool) error {
	s.flags.Store(name, value)
	return nil
}

// SetInfo stores one info value.
func (s *LocalStore) SetInfo(_ context.Context, key string, value any) error {
	s.info.Store(key, value)
	return nil
}

// Info returns one info value.
func (s *LocalStore) Info(key string) (any, bool) {
	return s.info.Load(key)
}

// AllInfo returns a copy of every info value.
func (s *LocalStore) AllInfo() map[string]any {
	out := make(map[string]any, s.info.Size())
	s.info.Range(func(key string, v any) bool {
		out[key] = v
		return true
	})
	return out
}

// InitScanData replaces all scan data columns.
func (s *LocalStore) InitScanData(_ context.Context, columns []Column) error {
	s.data.Clear()
	s.order.Clear()
	for i, c := range columns {
		c.Values = slices.Clone(c.Values)
		s.data.Store(c.Name, c)
		s.order.Store(c.Name, i)
	}
	return nil
}

// SetScanData replaces the values of an existing column.
func (s *LocalStore) SetScanData(_ context.Context, name string, values []float64) error {
	col, ok := s.data.Load(name)
	if !ok {
		return fmt.Errorf("scan data column %q not initialised", name)
	}
	col.Values = slices.Clone(values)
	s.data.Store(name, col)
	return nil
}

// ScanData returns all columns in registration order.
func (s *LocalStore) ScanData() []Column {
	out := make([]Column, s.data.Size())
	s.data.Range(func(name string, col Column) bool {
		if i, ok := s.order.Load(name); ok && i < len(out) {
			out[i] = col
		}
		return true
	})
	return out
}

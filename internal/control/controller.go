package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/scandb"
)

// Request names.
const (
	RequestAbort  = "abort"
	RequestPause  = "pause"
	RequestResume = "resume"
)

var flagFor = map[string]string{
	RequestAbort:  scan.FlagAbort,
	RequestPause:  scan.FlagPause,
	RequestResume: scan.FlagResume,
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder persists accepted requests. *scandb.SQLiteStore satisfies it.
type Recorder interface {
	RecordRequest(ctx context.Context, r *scandb.Request) error
}

// Controller writes operator requests into a flag store.
type Controller struct {
	store  scan.FlagStore
	logger Logger

	mu        sync.RWMutex
	recorder  Recorder
	stationID string
	runID     func() string
}

// NewController creates a Controller over store. logger may be nil.
func NewController(store scan.FlagStore, logger Logger) *Controller {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{store: store, logger: logger}
}

// Abort requests that the running scan stop at its next safe point.
func (c *Controller) Abort(ctx context.Context) error {
	return c.Request(ctx, RequestAbort, true)
}

// Pause requests that the running scan hold before its next point.
func (c *Controller) Pause(ctx context.Context) error {
	return c.Request(ctx, RequestPause, true)
}

// Resume requests that a paused scan continue.
func (c *Controller) Resume(ctx context.Context) error {
	return c.Request(ctx, RequestResume, true)
}

// SetRecorder enables the request audit trail. runID reports the run in
// progress, or "" when idle; it may be nil.
func (c *Controller) SetRecorder(r Recorder, stationID string, runID func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
	c.stationID = stationID
	c.runID = runID
}

// Request sets or clears the flag for a named request.
func (c *Controller) Request(ctx context.Context, name string, value bool) error {
	return c.RequestFrom(ctx, scandb.SourceLocal, name, value)
}

// RequestFrom is Request with the origin of the request recorded in the
// audit trail. A failed audit write is logged, not returned: the flag is
// already set at that point.
func (c *Controller) RequestFrom(ctx context.Context, source, name string, value bool) error {
	flag, ok := flagFor[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRequest, name)
	}
	if err := c.store.SetFlag(ctx, flag, value); err != nil {
		return fmt.Errorf("setting %s: %w", flag, err)
	}
	c.logger.Info("operator request", "request", name, "value", value, "source", source)

	c.mu.RLock()
	rec, stationID, runID := c.recorder, c.stationID, c.runID
	c.mu.RUnlock()
	if rec == nil {
		return nil
	}

	entry := &scandb.Request{
		StationID: stationID,
		Request:   name,
		Value:     value,
		Source:    source,
	}
	if runID != nil {
		entry.RunID = runID()
	}
	if err := rec.RecordRequest(ctx, entry); err != nil {
		c.logger.Warn("recording operator request", "request", name, "error", err)
	}
	return nil
}

// Flags returns the current value of the three request flags.
func (c *Controller) Flags(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(flagFor))
	for name, flag := range flagFor {
		v, err := c.store.GetFlag(ctx, flag)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", flag, err)
		}
		out[name] = v
	}
	return out, nil
}

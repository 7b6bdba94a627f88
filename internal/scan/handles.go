package scan

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Hooks are the lifecycle callbacks a positioner, detector or plan contributes
// to a scan. Any nil hook is skipped.
type Hooks struct {
	// PreScan runs once before any motion is commanded.
	PreScan func(ctx context.Context) error

	// PostScan runs once after the stepping loop has exited, for any exit cause.
	PostScan func(ctx context.Context) error

	// AtBreak runs at each breakpoint, before buffered data is flushed.
	AtBreak func(ctx context.Context, breakpoint int) error
}

// Metadata is a named value recorded at scan start and at every breakpoint.
type Metadata struct {
	Description string
	Read        func() (string, error)
}

// MetadataValue is one Metadata reading.
type MetadataValue struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// Limits are the soft travel limits of a positioner.
type Limits struct {
	Low  float64
	High float64
}

// Contains reports whether v lies within the limits (inclusive).
func (l Limits) Contains(v float64) bool {
	return v >= l.Low && v <= l.High
}

// Positioner is one motion axis with a precomputed target array.
//
// The hardware is reached only through the function fields: Move starts an
// asynchronous move, Done reports completion of the last move and Current
// returns the readback.
type Positioner struct {
	Label string
	Units string

	// Array holds one target per scan point. It must not change during a run.
	Array []float64

	// Limits are optional soft limits checked by VerifyArray.
	Limits *Limits

	Move    func(value float64) error
	Done    func() bool
	Current func() (float64, error)

	Metadata []Metadata
	Hooks    Hooks
}

// MoveToStart commands an asynchronous move to the first array value.
func (p *Positioner) MoveToStart() error {
	return p.MoveToPosition(0)
}

// MoveToPosition commands an asynchronous move to Array[index].
func (p *Positioner) MoveToPosition(index int) error {
	if index < 0 || index >= len(p.Array) {
		return fmt.Errorf("positioner %q: index %d out of range [0,%d)", p.Label, index, len(p.Array))
	}
	return p.MoveTo(p.Array[index])
}

// MoveTo commands an asynchronous move to an arbitrary value.
func (p *Positioner) MoveTo(value float64) error {
	if p.Move == nil {
		return fmt.Errorf("positioner %q: no move capability", p.Label)
	}
	if err := p.Move(value); err != nil {
		return fmt.Errorf("positioner %q: move to %g: %w", p.Label, value, err)
	}
	return nil
}

// IsDone reports whether the last commanded move has finished.
// A positioner without a Done capability is always done.
func (p *Positioner) IsDone() bool {
	if p.Done == nil {
		return true
	}
	return p.Done()
}

// Readback returns the current position, or NaN when it cannot be read.
func (p *Positioner) Readback() float64 {
	if p.Current == nil {
		return math.NaN()
	}
	v, err := p.Current()
	if err != nil {
		return math.NaN()
	}
	return v
}

// VerifyArray reports whether every target lies within the soft limits.
func (p *Positioner) VerifyArray() bool {
	if p.Limits == nil {
		return true
	}
	for _, v := range p.Array {
		if math.IsNaN(v) || !p.Limits.Contains(v) {
			return false
		}
	}
	return true
}

// Trigger arms or starts one detector acquisition.
type Trigger struct {
	Label string

	Start func() error
	Done  func() bool

	// Runtime returns the active acquisition time of the last start.
	Runtime func() time.Duration

	// Stop is optional.
	Stop func() error
}

// IsDone reports whether the last acquisition has finished.
func (t *Trigger) IsDone() bool {
	if t.Done == nil {
		return true
	}
	return t.Done()
}

// ActiveTime returns the measured runtime of the last acquisition.
// Triggers that cannot measure it report an unbounded runtime so they never
// invalidate a point.
func (t *Trigger) ActiveTime() time.Duration {
	if t.Runtime == nil {
		return time.Duration(math.MaxInt64)
	}
	return t.Runtime()
}

// Counter is one value recorded once per scan point.
//
// A reading is a slice so array detectors (MCA spectra, waveforms) share the
// same handle as scalar counters; a scalar reading has length one.
type Counter struct {
	Label string
	Units string

	ReadValue func() ([]float64, error)

	mu     sync.Mutex
	buffer [][]float64
}

// Read takes one reading and appends it to the buffer.
// A failed read appends a NaN so the buffer stays aligned with the points.
func (c *Counter) Read() error {
	var (
		v   []float64
		err error
	)
	if c.ReadValue == nil {
		err = fmt.Errorf("counter %q: no read capability", c.Label)
	} else {
		v, err = c.ReadValue()
	}
	if err != nil {
		v = []float64{math.NaN()}
	}

	reading := make([]float64, len(v))
	copy(reading, v)

	c.mu.Lock()
	c.buffer = append(c.buffer, reading)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("counter %q: read: %w", c.Label, err)
	}
	return nil
}

// Buffer returns a copy of every reading since the last Clear.
func (c *Counter) Buffer() [][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]float64, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// Last returns the most recent reading, or nil if the buffer is empty.
func (c *Counter) Last() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return nil
	}
	return c.buffer[len(c.buffer)-1]
}

// Len returns the number of buffered readings.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Clear empties the buffer.
func (c *Counter) Clear() {
	c.mu.Lock()
	c.buffer = nil
	c.mu.Unlock()
}

// Detector composes one Trigger with the Counters it makes valid.
type Detector struct {
	Label    string
	Trigger  *Trigger
	Counters []*Counter
	Metadata []Metadata
	Hooks    Hooks

	// SetDwellTime configures the acquisition time. Optional.
	SetDwellTime func(d time.Duration) error
}

// ApplyDwellTime pushes a dwell time to the detector if it supports one.
func (d *Detector) ApplyDwellTime(dwell time.Duration) error {
	if d.SetDwellTime == nil {
		return nil
	}
	if err := d.SetDwellTime(dwell); err != nil {
		return fmt.Errorf("detector %q: set dwell time %v: %w", d.Label, dwell, err)
	}
	return nil
}

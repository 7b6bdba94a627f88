package scan

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"
)

// Reading is one named value in a progress message.
type Reading struct {
	Name  string    `json:"name"` // column name
	Label string    `json:"label"`
	Value []float64 `json:"value"`
}

// Scalar reduces a reading to one number: the value itself for scalar
// counters, the sum for array counters, NaN when nothing was read.
func (r Reading) Scalar() float64 {
	switch len(r.Value) {
	case 0:
		return math.NaN()
	case 1:
		return r.Value[0]
	}
	var sum float64
	for _, v := range r.Value {
		sum += v
	}
	return sum
}

// MarshalJSON writes non-finite values as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name  string     `json:"name"`
		Label string     `json:"label"`
		Value []*float64 `json:"value"`
	}{r.Name, r.Label, nullable(r.Value)})
}

// nullable maps NaN and infinities to nil, which JSON encodes as null.
func nullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			out[i] = &values[i]
		}
	}
	return out
}

// Progress is the message handed to the reporting function after each
// accepted point. It carries copies, never references into engine state.
type Progress struct {
	RunID     string        `json:"run_id"`
	Point     int           `json:"point"`
	Total     int           `json:"total"`
	Positions []Reading     `json:"positions"`
	Counters  []Reading     `json:"counters"`
	Remaining time.Duration `json:"remaining"`
	Filename  string        `json:"filename"`
	Time      time.Time     `json:"time"`
}

// ReportFunc receives progress messages on the reporter goroutine.
type ReportFunc func(ctx context.Context, p Progress)

// reporter delivers progress messages off the stepping loop.
//
// notify never blocks: messages are queued and a one-slot signal channel
// wakes the goroutine. Each distinct point is reported once, in order.
// After stop, or once the goroutine has exited on its own, notify drops
// messages.
type reporter struct {
	report ReportFunc
	stale  time.Duration
	logger Logger

	mu      sync.Mutex
	queue   []Progress
	closed  bool
	exited  bool
	dropped int

	signal chan struct{}
	done   chan struct{}
}

func newReporter(report ReportFunc, stale time.Duration, logger Logger) *reporter {
	return &reporter{
		report: report,
		stale:  stale,
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// start launches the reporter goroutine.
func (r *reporter) start(ctx context.Context) {
	go r.run(ctx)
}

// notify hands a message to the reporter without waiting.
func (r *reporter) notify(p Progress) {
	r.mu.Lock()
	if r.exited {
		r.dropped++
		first := r.dropped == 1
		r.mu.Unlock()
		if first {
			r.logger.Warn("progress reporter has exited, dropping progress", "point", p.Point)
		}
		return
	}
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, p)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// stop sends the terminal signal and waits for the goroutine to exit.
// Messages queued before stop are still delivered.
func (r *reporter) stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *reporter) drain() ([]Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.queue
	r.queue = nil
	return batch, r.closed
}

func (r *reporter) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.exited = true
		r.queue = nil
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.stale)
	defer timer.Stop()

	last := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.logger.Warn("progress reporter stale, exiting", "last_point", last, "timeout", r.stale)
			return
		case <-r.signal:
		}

		batch, closed := r.drain()
		for _, p := range batch {
			if p.Point == last {
				continue
			}
			last = p.Point
			r.report(ctx, p)
		}
		if closed {
			return
		}
		timer.Reset(r.stale)
	}
}

package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeAxis is an instantly-moving motor.
type fakeAxis struct {
	mu    sync.Mutex
	pos   float64
	moves []float64
	done  bool
}

func newFakePositioner(label string, start float64, array []float64) (*Positioner, *fakeAxis) {
	ax := &fakeAxis{pos: start, done: true}
	p := &Positioner{
		Label: label,
		Units: "mm",
		Array: array,
		Move: func(v float64) error {
			ax.mu.Lock()
			defer ax.mu.Unlock()
			ax.pos = v
			ax.moves = append(ax.moves, v)
			return nil
		},
		Done: func() bool {
			ax.mu.Lock()
			defer ax.mu.Unlock()
			return ax.done
		},
		Current: func() (float64, error) {
			ax.mu.Lock()
			defer ax.mu.Unlock()
			return ax.pos, nil
		},
	}
	return p, ax
}

func (a *fakeAxis) position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

func (a *fakeAxis) moveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.moves)
}

// fakeDetector is a trigger with a programmable runtime and one counter
// returning the number of acquisitions so far.
type fakeDetector struct {
	starts  atomic.Int64
	onStart func(n int64)
	runtime func(n int64) time.Duration

	mu     sync.Mutex
	dwells []time.Duration
}

func newFakeDetector(label string) (*Detector, *fakeDetector) {
	fd := &fakeDetector{
		runtime: func(int64) time.Duration { return time.Hour },
	}
	trig := &Trigger{
		Label: label + "_trigger",
		Start: func() error {
			n := fd.starts.Add(1)
			if fd.onStart != nil {
				fd.onStart(n)
			}
			return nil
		},
		Done:    func() bool { return true },
		Runtime: func() time.Duration { return fd.runtime(fd.starts.Load()) },
	}
	ctr := &Counter{
		Label: label,
		ReadValue: func() ([]float64, error) {
			return []float64{float64(fd.starts.Load())}, nil
		},
	}
	det := &Detector{
		Label:    label,
		Trigger:  trig,
		Counters: []*Counter{ctr},
		SetDwellTime: func(d time.Duration) error {
			fd.mu.Lock()
			defer fd.mu.Unlock()
			fd.dwells = append(fd.dwells, d)
			return nil
		},
	}
	return det, fd
}

func (f *fakeDetector) dwellHistory() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.dwells...)
}

// progressLog collects reporter calls.
type progressLog struct {
	mu     sync.Mutex
	points []int
}

func (l *progressLog) report(_ context.Context, p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = append(l.points, p.Point)
}

func (l *progressLog) get() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.points...)
}

// failingStore is a FlagStore whose reads and writes always fail.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) GetFlag(context.Context, string) (bool, error) { return false, errStoreDown }
func (failingStore) SetFlag(context.Context, string, bool) error  { return errStoreDown }

func testTiming() Timing {
	t := DefaultTiming()
	t.PositionerSettle = time.Millisecond
	t.DetectorSettle = time.Millisecond
	t.PollInterval = time.Millisecond
	t.MovePollInterval = time.Millisecond
	t.PausePollInterval = time.Millisecond
	t.ValidityGrace = time.Millisecond
	t.MaxMove = time.Second
	t.MaxCount = time.Second
	return t
}

func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

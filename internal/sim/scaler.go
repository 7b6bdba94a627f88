package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// Channel is one scaler input. Rate returns the expected count rate in Hz
// at the moment of reading.
type Channel struct {
	Label string
	Rate  func() float64
}

// Scaler is a simulated multi-channel counter gated by a count time.
//
// Start opens the gate, Done reports when the count time has elapsed and
// each channel reads rate * count time with Poisson-like noise.
type Scaler struct {
	name     string
	channels []Channel

	mu      sync.Mutex
	dwell   time.Duration
	started time.Time
	stopped time.Time
	gated   bool
	rng     *rand.Rand
	now     func() time.Time
}

// NewScaler creates a scaler with a default count time of 100ms.
func NewScaler(name string, channels ...Channel) *Scaler {
	return &Scaler{
		name:     name,
		channels: channels,
		dwell:    100 * time.Millisecond,
		rng:      rand.New(rand.NewPCG(1, 2)),
		now:      time.Now,
	}
}

// SetCountTime sets the gate length.
func (s *Scaler) SetCountTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwell = d
	return nil
}

// Start opens the gate.
func (s *Scaler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = s.now()
	s.stopped = time.Time{}
	s.gated = true
	return nil
}

// Stop closes the gate early if it is still open.
func (s *Scaler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gated && s.stopped.IsZero() {
		s.stopped = s.now()
	}
	return nil
}

// Done reports whether the gate has closed.
func (s *Scaler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gated || !s.stopped.IsZero() || s.now().Sub(s.started) >= s.dwell
}

// Runtime returns how long the gate was open on the last count.
func (s *Scaler) Runtime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeLocked()
}

func (s *Scaler) runtimeLocked() time.Duration {
	if !s.gated {
		return 0
	}
	end := s.stopped
	if end.IsZero() {
		end = s.now()
	}
	return min(end.Sub(s.started), s.dwell)
}

func (s *Scaler) read(ch Channel) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expected := ch.Rate() * s.runtimeLocked().Seconds()
	counts := expected + math.Sqrt(max(expected, 0))*s.rng.NormFloat64()
	return []float64{math.Round(max(counts, 0))}, nil
}

// Detector wraps the scaler as a scan detector with one counter per channel.
func (s *Scaler) Detector() *scan.Detector {
	counters := make([]*scan.Counter, len(s.channels))
	for i, ch := range s.channels {
		counters[i] = &scan.Counter{
			Label:     ch.Label,
			Units:     "counts",
			ReadValue: func() ([]float64, error) { return s.read(ch) },
		}
	}
	return &scan.Detector{
		Label: s.name,
		Trigger: &scan.Trigger{
			Label:   s.name,
			Start:   s.Start,
			Done:    s.Done,
			Runtime: s.Runtime,
			Stop:    s.Stop,
		},
		Counters:     counters,
		SetDwellTime: s.SetCountTime,
	}
}

// Gaussian returns a count rate peaked at center as seen from position.
func Gaussian(position func() float64, center, sigma, peak, background float64) func() float64 {
	return func() float64 {
		d := (position() - center) / sigma
		return background + peak*math.Exp(-0.5*d*d)
	}
}

// Constant returns a fixed count rate.
func Constant(rate float64) func() float64 {
	return func() float64 { return rate }
}

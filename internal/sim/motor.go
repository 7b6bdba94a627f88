package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// Motor is a simulated axis that travels at a fixed speed.
//
// Thread Safety: all methods are safe for concurrent use.
type Motor struct {
	name  string
	units string
	speed float64 // units per second, 0 moves instantly
	low   float64
	high  float64

	mu      sync.Mutex
	from    float64
	target  float64
	started time.Time
	now     func() time.Time
}

// NewMotor creates a motor at position pos with soft limits [low, high].
func NewMotor(name, units string, pos, speed, low, high float64) *Motor {
	return &Motor{
		name:   name,
		units:  units,
		speed:  speed,
		low:    low,
		high:   high,
		from:   pos,
		target: pos,
		now:    time.Now,
	}
}

// Name returns the motor name.
func (m *Motor) Name() string { return m.name }

// Move starts a move to v. A new move replaces one in progress.
func (m *Motor) Move(v float64) error {
	if math.IsNaN(v) || v < m.low || v > m.high {
		return fmt.Errorf("%s: target %g outside limits [%g, %g]", m.name, v, m.low, m.high)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.from = m.positionLocked()
	m.target = v
	m.started = m.now()
	return nil
}

// Done reports whether the motor has reached its target.
func (m *Motor) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked() == m.target
}

// Position returns the current readback.
func (m *Motor) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked()
}

func (m *Motor) positionLocked() float64 {
	if m.speed <= 0 || m.from == m.target {
		return m.target
	}
	travel := m.speed * m.now().Sub(m.started).Seconds()
	dist := m.target - m.from
	if travel >= math.Abs(dist) {
		return m.target
	}
	return m.from + math.Copysign(travel, dist)
}

// Positioner wraps the motor as a scan positioner over array.
func (m *Motor) Positioner(array []float64) *scan.Positioner {
	return &scan.Positioner{
		Label:  m.name,
		Units:  m.units,
		Array:  array,
		Limits: &scan.Limits{Low: m.low, High: m.high},
		Move:   m.Move,
		Done:   m.Done,
		Current: func() (float64, error) {
			return m.Position(), nil
		},
		Metadata: []scan.Metadata{{
			Description: m.name + " speed",
			Read: func() (string, error) {
				return fmt.Sprintf("%g %s/s", m.speed, m.units), nil
			},
		}},
	}
}

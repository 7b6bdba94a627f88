package scan

import "time"

// Timing holds every wait, poll interval and timeout used by the engine.
type Timing struct {
	// PositionerSettle is the fixed wait after all moves complete.
	PositionerSettle time.Duration
	// DetectorSettle is the fixed wait after triggers complete, before reading.
	DetectorSettle time.Duration

	// MaxMove bounds the wait for positioners; exceeding it is not fatal.
	MaxMove time.Duration
	// MaxCount bounds the wait for triggers; exceeding it is not fatal.
	MaxCount time.Duration

	// PollInterval is the base tick for trigger and settle polling. It is also
	// the floor for both settle times.
	PollInterval time.Duration
	// MovePollInterval is the tick while waiting for positioners.
	MovePollInterval time.Duration
	// PausePollInterval is the tick while paused.
	PausePollInterval time.Duration
	// ValidityGrace is the wait before re-checking an invalid point.
	ValidityGrace time.Duration

	// ReporterStaleTimeout ends the progress reporter if no new point arrives.
	ReporterStaleTimeout time.Duration

	// MaxPointRetries bounds how often one index is retried when its triggers
	// ran shorter than half the minimum dwell. Zero accepts invalid points
	// with a warning.
	MaxPointRetries int
}

// DefaultTiming returns the timing used when nothing is configured.
func DefaultTiming() Timing {
	return Timing{
		PositionerSettle:     time.Millisecond,
		DetectorSettle:       time.Millisecond,
		MaxMove:              time.Hour,
		MaxCount:             24 * time.Hour,
		PollInterval:         time.Millisecond,
		MovePollInterval:     5 * time.Millisecond,
		PausePollInterval:    250 * time.Millisecond,
		ValidityGrace:        5 * time.Millisecond,
		ReporterStaleTimeout: time.Hour,
		MaxPointRetries:      3,
	}
}

// normalized fills zero values from the defaults and clamps settle times to
// at least one poll interval.
func (t Timing) normalized() Timing {
	def := DefaultTiming()
	if t.PollInterval <= 0 {
		t.PollInterval = def.PollInterval
	}
	if t.MovePollInterval <= 0 {
		t.MovePollInterval = def.MovePollInterval
	}
	if t.PausePollInterval <= 0 {
		t.PausePollInterval = def.PausePollInterval
	}
	if t.ValidityGrace <= 0 {
		t.ValidityGrace = def.ValidityGrace
	}
	if t.MaxMove <= 0 {
		t.MaxMove = def.MaxMove
	}
	if t.MaxCount <= 0 {
		t.MaxCount = def.MaxCount
	}
	if t.ReporterStaleTimeout <= 0 {
		t.ReporterStaleTimeout = def.ReporterStaleTimeout
	}
	if t.MaxPointRetries < 0 {
		t.MaxPointRetries = 0
	}
	t.PositionerSettle = max(t.PositionerSettle, t.PollInterval)
	t.DetectorSettle = max(t.DetectorSettle, t.PollInterval)
	return t
}

package scan

import (
	"time"
)

// Phase names the stage a run is in.
type Phase string

// Run phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseVerifying Phase = "verifying"
	PhasePreScan   Phase = "pre_scan"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseExiting   Phase = "exiting"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// ExitCause records why the stepping loop ended.
type ExitCause string

// Loop exit causes.
const (
	ExitNone             ExitCause = ""
	ExitNormal           ExitCause = "normal"
	ExitAborted          ExitCause = "aborted"
	ExitRetriesExhausted ExitCause = "retries_exhausted"
	ExitHookFailure      ExitCause = "hook_failure"
)

// RunTiming is the wall-clock breakdown of one run.
type RunTiming struct {
	Init  time.Duration `json:"init"`  // verify, pre-scan, move to start, open output
	Loop  time.Duration `json:"loop"`  // stepping loop, even if aborted
	Exit  time.Duration `json:"exit"`  // restore, final flush, post-scan
	Total time.Duration `json:"total"` // Init + Loop + Exit
}

// PointRecord is one completed scan point as written to the output sink.
type PointRecord struct {
	Index     int         `json:"index"`
	Positions []float64   `json:"positions"` // actual readbacks, plan positioner order
	Values    [][]float64 `json:"values"`    // counter readings, plan counter order
	Time      time.Time   `json:"time"`
}

// RunState is the mutable state of exactly one run. It is created fresh by
// Run, owned by the engine goroutine, and discarded when Run returns.
type RunState struct {
	RunID string

	// CurrentPoint is 0 before the first point and 1..N once points start.
	CurrentPoint int
	TotalPoints  int

	Abort  bool
	Pause  bool
	Resume bool

	Complete bool
	Phase    Phase
	Exit     ExitCause
	Timing   RunTiming

	// Points is the actual-position and counter log, one entry per accepted point.
	Points []PointRecord
	// flushed is the number of Points already handed to the sink.
	flushed int

	// retries counts consecutive invalid attempts at the current index.
	retries int

	Filename  string
	LastError error
	StartedAt time.Time
}

// Status is a read-only snapshot of the engine, safe to share across goroutines.
type Status struct {
	RunID        string    `json:"run_id,omitempty"`
	Phase        Phase     `json:"phase"`
	CurrentPoint int       `json:"current_point"`
	TotalPoints  int       `json:"total_points"`
	Points       int       `json:"points"` // accepted points
	Complete     bool      `json:"complete"`
	Paused       bool      `json:"paused"`
	Exit         ExitCause `json:"exit,omitempty"`
	Timing       RunTiming `json:"timing"`
	Filename     string    `json:"filename,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// snapshot copies the fields exposed through Status.
func (s *RunState) snapshot() Status {
	st := Status{
		RunID:        s.RunID,
		Phase:        s.Phase,
		CurrentPoint: s.CurrentPoint,
		TotalPoints:  s.TotalPoints,
		Points:       len(s.Points),
		Complete:     s.Complete,
		Paused:       s.Pause,
		Exit:         s.Exit,
		Timing:       s.Timing,
		Filename:     s.Filename,
		StartedAt:    s.StartedAt,
	}
	if s.LastError != nil {
		st.LastError = s.LastError.Error()
	}
	return st
}

package scan

import "errors"

// Domain errors for the scan package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, scan.ErrConfiguration) {
//	    // plan rejected, no hardware was touched
//	}
var (
	// ErrConfiguration is returned when plan verification fails or the
	// output cannot be opened. No motion has been commanded when this error
	// is returned.
	ErrConfiguration = errors.New("scan: invalid configuration")

	// ErrNoPositioners is returned when a plan has no positioners.
	ErrNoPositioners = errors.New("scan: no positioners")

	// ErrHookBatch is returned when any pre-scan, post-scan or at-break hook fails.
	ErrHookBatch = errors.New("scan: hook batch failed")

	// ErrNoSink is returned when the engine has no output sink factory.
	ErrNoSink = errors.New("scan: no output sink")

	// ErrRunning is returned when Run is called while a run is in progress.
	ErrRunning = errors.New("scan: already running")

	// ErrAborted is recorded when an operator abort ends the run early.
	ErrAborted = errors.New("scan: aborted by operator")

	// ErrRetriesExhausted is recorded when one point stayed invalid after the
	// configured number of retries.
	ErrRetriesExhausted = errors.New("scan: point retries exhausted")

	// ErrNotDurable is wrapped by Sink.WriteData when the rows reached the
	// destination but could not be made durable. The rows count as written.
	ErrNotDurable = errors.New("scan: output written but not synced")

	// ErrMoveTimeout is recorded when positioners did not report done in time.
	ErrMoveTimeout = errors.New("scan: move timeout")

	// ErrCountTimeout is recorded when triggers did not report done in time.
	ErrCountTimeout = errors.New("scan: count timeout")
)

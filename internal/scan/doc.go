// Package scan executes step scans: it drives positioners through a
// precomputed sequence of points and, at each point, triggers detectors,
// waits for them, reads counters and records the actual positions.
//
// # Handles
//
// Hardware is reached only through capability sets of function fields:
//
//   - Positioner: Move, Done, Current and a target Array
//   - Trigger: Start, Done, Runtime and an optional Stop
//   - Counter: ReadValue, with a buffer the engine appends to
//   - Detector: one Trigger plus Counters, hooks and a dwell setter
//
// Any driver (EPICS, simulated, a fake in a test) fits by filling in the
// functions it supports.
//
// # Running
//
//	plan := scan.NewPlan()
//	plan.AddPositioner(motor)
//	plan.AddDetector(scaler)
//	plan.SetBreakpoints(9, 19)
//	plan.SetDwellTime(500 * time.Millisecond)
//
//	engine := scan.NewEngine(plan, scan.Deps{
//	    Timing:   cfg.Scan.Timing(),
//	    Store:    store,
//	    OpenSink: datafile.Factory(dir, true),
//	    Report:   messenger.Report,
//	    Logger:   log,
//	})
//	path, err := engine.Run(ctx, scan.RunOptions{})
//
// # Interrupts
//
// Abort, pause and resume are three independent flags in a FlagStore. The
// engine polls them at every wait. Abort wins over pause; resume clears
// pause. All three are cleared at the start and end of each run.
//
// # Failure model
//
// Only ErrConfiguration and ErrHookBatch reach the caller as errors. Move
// and count timeouts are logged and the scan proceeds. A point whose
// triggers ran shorter than half the minimum dwell is re-checked once and
// then retried up to Timing.MaxPointRetries times. Every exit path restores
// the positioners, flushes and closes the output and runs post-scan hooks.
package scan

package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Logger defines the logging interface used by the Engine.
// This allows the package to be used without importing the logging package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps holds the collaborators of an Engine.
type Deps struct {
	// Timing is normalised on construction; zero fields take defaults.
	Timing Timing

	// Store holds interrupt flags and status info. Defaults to a LocalStore.
	Store StatusStore

	// OpenSink opens the output for each run. Required.
	OpenSink SinkFactory

	// Report receives progress messages. Optional.
	Report ReportFunc

	Logger Logger
}

// RunOptions override per-run output settings.
type RunOptions struct {
	Filename string
	Comments []string
}

// Engine executes a Plan.
//
// It verifies the plan, runs pre-scan hooks, drives positioners and
// triggers point by point, flushes data at breakpoints and always unwinds
// through the same exit sequence: restore positions, final flush, post-scan
// hooks, stop the reporter.
//
// Thread Safety: Run must not be called concurrently (a second call returns
// ErrRunning). Status is safe to call from any goroutine.
type Engine struct {
	plan     *Plan
	timing   Timing
	store    StatusStore
	openSink SinkFactory
	report   ReportFunc
	logger   Logger

	interrupts *Interrupts
	running    atomic.Bool

	mu     sync.RWMutex
	status Status
}

// NewEngine creates an engine for plan.
func NewEngine(plan *Plan, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Store == nil {
		deps.Store = NewLocalStore()
	}
	return &Engine{
		plan:       plan,
		timing:     deps.Timing.normalized(),
		store:      deps.Store,
		openSink:   deps.OpenSink,
		report:     deps.Report,
		logger:     deps.Logger,
		interrupts: NewInterrupts(deps.Store, deps.Logger),
		status:     Status{Phase: PhaseIdle},
	}
}

// Plan returns the plan the engine runs.
func (e *Engine) Plan() *Plan { return e.plan }

// Timing returns the normalised timing parameters.
func (e *Engine) Timing() Timing { return e.timing }

// Store returns the status store interrupt flags are read from.
func (e *Engine) Store() StatusStore { return e.store }

// Status returns a snapshot of the current or most recent run.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// EstimateDuration returns the expected run time from point index from to
// the end: settle times plus dwell for every remaining point.
func (e *Engine) EstimateDuration(from int) time.Duration {
	npts := e.plan.NumPoints()
	if from >= npts {
		return 0
	}
	from = max(from, 0)
	perPoint := e.timing.PositionerSettle + e.timing.DetectorSettle
	return time.Duration(npts-from)*perPoint + e.plan.Dwell().Sum(from, npts)
}

// Run executes the plan once and returns the output path.
//
// Configuration and hook batch failures are returned as errors. Aborts,
// timeouts and invalid points are handled inside the run and recorded in
// Status.LastError; the run still unwinds and returns its output path.
// Cancelling ctx is treated as an operator abort.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (string, error) {
	if !e.running.CompareAndSwap(false, true) {
		return "", ErrRunning
	}
	defer e.running.Store(false)

	// Store writes and the exit sequence must survive cancellation of ctx.
	bg := context.WithoutCancel(ctx)

	st := &RunState{
		RunID:     "scan-" + uuid.NewString(),
		Phase:     PhaseVerifying,
		StartedAt: time.Now(),
	}
	e.publish(st)

	if err := e.verify(); err != nil {
		st.Phase = PhaseFailed
		st.LastError = err
		e.publish(st)
		e.setInfo(bg, InfoLastError, err.Error())
		e.setInfo(bg, InfoScanMessage, "cannot execute scan")
		e.logger.Error("cannot execute scan", "run_id", st.RunID, "error", err)
		return "", err
	}
	st.TotalPoints = e.plan.NumPoints()
	e.publish(st)

	// The output is opened before any motion so an unusable destination is
	// rejected like any other configuration problem.
	sink, err := e.openSink(opts.Filename)
	if err != nil {
		err = fmt.Errorf("%w: opening scan output: %w", ErrConfiguration, err)
		st.Phase = PhaseFailed
		st.LastError = err
		e.publish(st)
		e.setInfo(bg, InfoLastError, err.Error())
		e.setInfo(bg, InfoScanMessage, "cannot execute scan")
		e.logger.Error("cannot open scan output", "run_id", st.RunID, "error", err)
		return "", err
	}
	st.Filename = sink.Path()

	e.interrupts.Clear(bg)

	positioners := e.plan.Positioners()
	original := make([]float64, len(positioners))
	for i, p := range positioners {
		original[i] = p.Readback()
	}

	st.Phase = PhasePreScan
	e.publish(st)
	e.setInfo(bg, InfoScanMessage, "pre-scan")
	if err := runHooks(e.plan.Hooks(), "pre-scan", func(h Hooks) error {
		if h.PreScan == nil {
			return nil
		}
		return h.PreScan(bg)
	}); err != nil {
		st.Phase = PhaseFailed
		st.LastError = err
		e.publish(st)
		e.setInfo(bg, InfoLastError, err.Error())
		e.logger.Error("pre-scan hooks failed", "run_id", st.RunID, "error", err)
		if closeErr := sink.Close(); closeErr != nil {
			e.logger.Warn("closing scan output failed", "file", st.Filename, "error", closeErr)
		}
		return "", err
	}

	r := &run{
		engine:      e,
		state:       st,
		bg:          bg,
		positioners: positioners,
		original:    original,
		columns:     columns(e.plan),
		sink:        sink,
	}

	for _, p := range positioners {
		if err := p.MoveToStart(); err != nil {
			e.logger.Warn("move to start failed", "positioner", p.Label, "error", err)
		}
	}
	aborted := r.waitMoves(ctx)

	header := Header{
		RunID:     st.RunID,
		Comments:  opts.Comments,
		Columns:   make([]Column, len(r.columns)),
		Metadata:  e.plan.ReadMetadata(),
		StartedAt: st.StartedAt,
	}
	for i, c := range r.columns {
		c.Values = nil
		header.Columns[i] = c
	}
	if err := sink.WriteHeader(header); err != nil {
		e.logger.Warn("writing scan header failed", "file", st.Filename, "error", err)
	}

	r.prepare()
	st.Timing.Init = time.Since(st.StartedAt)

	loopStart := time.Now()
	var loopErr error
	if aborted {
		st.Exit = ExitAborted
	} else {
		st.Phase = PhaseRunning
		e.publish(st)
		e.setInfo(bg, InfoScanMessage, "starting scan")
		st.Exit, loopErr = r.loop(ctx)
	}
	st.Timing.Loop = time.Since(loopStart)
	if loopErr != nil {
		st.LastError = loopErr
	}

	postErr := r.exit()
	return st.Filename, errors.Join(loopErr, postErr)
}

func (e *Engine) verify() error {
	if e.openSink == nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, ErrNoSink)
	}
	// Handles outlive runs and their arrays and limits are plain fields, so
	// a plan verified earlier is checked again.
	return e.plan.Verify()
}

func (e *Engine) publish(st *RunState) {
	snap := st.snapshot()
	e.mu.Lock()
	e.status = snap
	e.mu.Unlock()
}

func (e *Engine) setInfo(ctx context.Context, key string, value any) {
	if err := e.store.SetInfo(ctx, key, value); err != nil {
		e.logger.Warn("setting scan info failed", "key", key, "error", err)
	}
}

// runHooks calls every hook set, collecting all failures into one batch error.
func runHooks(hooks []Hooks, phase string, call func(Hooks) error) error {
	var errs []error
	for _, h := range hooks {
		if err := call(h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrHookBatch, phase, errors.Join(errs...))
}

// run is the per-invocation working set of Engine.Run.
type run struct {
	engine *Engine
	state  *RunState
	bg     context.Context

	positioners []*Positioner
	original    []float64
	columns     []Column

	sink     Sink
	reporter *reporter
}

// prepare publishes the scan data columns, pushes a fixed dwell time,
// clears counter buffers and starts the progress reporter.
func (r *run) prepare() {
	e, st := r.engine, r.state

	if err := e.store.InitScanData(r.bg, r.columns); err != nil {
		e.logger.Warn("initialising scan data failed", "error", err)
	}
	e.setInfo(r.bg, InfoRunID, st.RunID)
	e.setInfo(r.bg, InfoTotalPoints, st.TotalPoints)
	e.setInfo(r.bg, InfoTimeEstimate, e.EstimateDuration(0).Seconds())
	e.setInfo(r.bg, InfoFilename, st.Filename)
	e.setInfo(r.bg, InfoScanComplete, false)

	if dwell := e.plan.Dwell(); !dwell.Varies() && dwell.Min() > 0 {
		for _, d := range e.plan.Detectors() {
			if err := d.ApplyDwellTime(dwell.Min()); err != nil {
				e.logger.Warn("setting dwell time failed", "detector", d.Label, "error", err)
			}
		}
	}

	for _, c := range e.plan.Counters() {
		c.Clear()
	}
	st.Points = nil

	if e.report != nil {
		r.reporter = newReporter(e.report, e.timing.ReporterStaleTimeout, e.logger)
		r.reporter.start(r.bg)
	}
}

// loop runs the stepping loop and reports why it ended.
func (r *run) loop(ctx context.Context) (ExitCause, error) {
	e, st := r.engine, r.state
	plan, t := e.plan, e.timing
	dwell := plan.Dwell()
	half := dwell.Min() / 2

	for i := 0; i < st.TotalPoints; i++ {
		st.CurrentPoint = i + 1
		e.publish(st)

		if r.checkInterrupts(ctx) {
			return ExitAborted, nil
		}

		for _, p := range r.positioners {
			if err := p.MoveToPosition(i); err != nil {
				e.logger.Warn("move failed", "positioner", p.Label, "point", i, "error", err)
			}
		}
		if dwell.Varies() {
			for _, d := range plan.Detectors() {
				if err := d.ApplyDwellTime(dwell.At(i)); err != nil {
					e.logger.Warn("setting dwell time failed", "detector", d.Label, "point", i, "error", err)
				}
			}
		}
		if r.waitMoves(ctx) {
			return ExitAborted, nil
		}
		if r.settle(ctx, t.PositionerSettle) {
			return ExitAborted, nil
		}
		// A pause requested during the move or settle holds the point here,
		// before its triggers fire.
		if r.checkInterrupts(ctx) {
			return ExitAborted, nil
		}

		started := time.Now()
		if err := r.startTriggers(); err != nil {
			e.logger.Warn("trigger start failed", "point", i, "error", err)
		}
		if r.waitTriggers(ctx, started, half) {
			return ExitAborted, nil
		}

		r.stopTriggers()
		if slow := r.invalidTrigger(half); slow != nil {
			sleep(ctx, t.ValidityGrace)
			if slow = r.invalidTrigger(half); slow != nil {
				if t.MaxPointRetries == 0 {
					e.logger.Warn("trigger ran shorter than dwell, accepting point",
						"point", i, "trigger", slow.Label, "runtime", slow.ActiveTime(), "min_runtime", half)
				} else {
					st.retries++
					if st.retries > t.MaxPointRetries {
						st.LastError = fmt.Errorf("%w: point %d, trigger %q", ErrRetriesExhausted, i, slow.Label)
						e.setInfo(r.bg, InfoScanMessage, fmt.Sprintf("scan stopped: point %d/%d kept failing", i+1, st.TotalPoints))
						e.logger.Error("point retries exhausted, ending scan",
							"point", i, "trigger", slow.Label, "retries", t.MaxPointRetries)
						return ExitRetriesExhausted, nil
					}
					e.logger.Warn("trigger ran shorter than dwell, retrying point",
						"point", i, "trigger", slow.Label, "runtime", slow.ActiveTime(), "attempt", st.retries)
					i--
					continue
				}
			}
		}
		st.retries = 0

		if r.settle(ctx, t.DetectorSettle) {
			return ExitAborted, nil
		}
		r.record(i)

		if plan.IsBreakpoint(i) {
			if err := r.atBreak(i); err != nil {
				return ExitHookFailure, err
			}
			if e.interrupts.Poll(ctx) {
				return ExitAborted, nil
			}
		}
	}
	return ExitNormal, nil
}

// checkInterrupts polls the flags and holds while paused. It reports
// whether the run should abort.
func (r *run) checkInterrupts(ctx context.Context) bool {
	e, st := r.engine, r.state
	in := e.interrupts
	if in.Poll(ctx) {
		return true
	}
	if !in.Paused() {
		return false
	}

	st.Pause = true
	st.Phase = PhasePaused
	e.publish(st)
	e.setInfo(r.bg, InfoScanMessage, fmt.Sprintf("paused at point %d/%d", st.CurrentPoint, st.TotalPoints))
	e.logger.Info("scan paused", "point", st.CurrentPoint)

	for in.Paused() {
		sleep(ctx, e.timing.PausePollInterval)
		if in.Poll(ctx) {
			return true
		}
	}

	st.Pause = false
	st.Resume = in.Resumed()
	st.Phase = PhaseRunning
	e.publish(st)
	e.logger.Info("scan resumed", "point", st.CurrentPoint)
	return false
}

// waitMoves waits for every positioner to report done, bounded by MaxMove.
// It reports whether an abort was requested.
func (r *run) waitMoves(ctx context.Context) bool {
	e := r.engine
	deadline := time.Now().Add(e.timing.MaxMove)
	for !r.movesDone() {
		if time.Now().After(deadline) {
			e.logger.Warn("positioners not done, continuing", "error", ErrMoveTimeout, "timeout", e.timing.MaxMove)
			break
		}
		if e.interrupts.Poll(ctx) {
			return true
		}
		sleep(ctx, e.timing.MovePollInterval)
	}
	return e.interrupts.Poll(ctx)
}

func (r *run) movesDone() bool {
	for _, p := range r.positioners {
		if !p.IsDone() {
			return false
		}
	}
	return true
}

// settle waits d and re-polls interrupts.
func (r *run) settle(ctx context.Context, d time.Duration) bool {
	sleep(ctx, d)
	return r.engine.interrupts.Poll(ctx)
}

// startTriggers fires every trigger concurrently.
func (r *run) startTriggers() error {
	var g errgroup.Group
	for _, t := range r.engine.plan.Triggers() {
		if t.Start == nil {
			continue
		}
		g.Go(func() error {
			if err := t.Start(); err != nil {
				return fmt.Errorf("trigger %q: start: %w", t.Label, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// waitTriggers waits until every trigger is done and at least minRuntime
// has elapsed since started, bounded by MaxCount.
func (r *run) waitTriggers(ctx context.Context, started time.Time, minRuntime time.Duration) bool {
	e := r.engine
	deadline := started.Add(e.timing.MaxCount)
	for !(r.triggersDone() && time.Since(started) >= minRuntime) {
		if time.Now().After(deadline) {
			e.logger.Warn("triggers not done, continuing", "error", ErrCountTimeout, "timeout", e.timing.MaxCount)
			break
		}
		if e.interrupts.Poll(ctx) {
			return true
		}
		sleep(ctx, e.timing.PollInterval)
	}
	return e.interrupts.Poll(ctx)
}

func (r *run) triggersDone() bool {
	for _, t := range r.engine.plan.Triggers() {
		if !t.IsDone() {
			return false
		}
	}
	return true
}

func (r *run) stopTriggers() {
	for _, t := range r.engine.plan.Triggers() {
		if t.Stop == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			r.engine.logger.Warn("trigger stop failed", "trigger", t.Label, "error", err)
		}
	}
}

// invalidTrigger returns the first trigger whose runtime is below minRuntime.
func (r *run) invalidTrigger(minRuntime time.Duration) *Trigger {
	for _, t := range r.engine.plan.Triggers() {
		if t.ActiveTime() < minRuntime {
			return t
		}
	}
	return nil
}

// record reads every counter, snapshots the positioners and notifies the
// reporter of the accepted point.
func (r *run) record(index int) {
	e, st := r.engine, r.state
	counters := e.plan.Counters()

	for _, c := range counters {
		if err := c.Read(); err != nil {
			e.logger.Warn("counter read failed", "point", index, "error", err)
		}
	}

	rec := PointRecord{
		Index:     index,
		Positions: make([]float64, len(r.positioners)),
		Values:    make([][]float64, len(counters)),
		Time:      time.Now(),
	}
	for j, p := range r.positioners {
		rec.Positions[j] = p.Readback()
	}
	for j, c := range counters {
		rec.Values[j] = c.Last()
	}
	st.Points = append(st.Points, rec)
	e.publish(st)

	if r.reporter == nil {
		return
	}
	msg := Progress{
		RunID:     st.RunID,
		Point:     st.CurrentPoint,
		Total:     st.TotalPoints,
		Positions: make([]Reading, len(r.positioners)),
		Counters:  make([]Reading, len(counters)),
		Remaining: e.EstimateDuration(index + 1),
		Filename:  st.Filename,
		Time:      rec.Time,
	}
	for j, p := range r.positioners {
		msg.Positions[j] = Reading{Name: r.columns[j].Name, Label: p.Label, Value: []float64{rec.Positions[j]}}
	}
	offset := len(r.positioners)
	for j, c := range counters {
		msg.Counters[j] = Reading{Name: r.columns[offset+j].Name, Label: c.Label, Value: rec.Values[j]}
	}
	r.reporter.notify(msg)
}

// atBreak runs the at-break hooks and flushes buffered points. The flush
// happens even when a hook fails.
func (r *run) atBreak(index int) error {
	err := runHooks(r.engine.plan.Hooks(), "at-break", func(h Hooks) error {
		if h.AtBreak == nil {
			return nil
		}
		return h.AtBreak(r.bg, index)
	})
	r.flush(index)
	return err
}

// flush hands unwritten points to the sink. Points stay pending when the
// write fails so the next flush retries them; a sync failure alone does not
// make them pending again.
func (r *run) flush(breakpoint int) {
	e, st := r.engine, r.state
	block := Block{
		Breakpoint: breakpoint,
		Points:     st.Points[st.flushed:],
		Metadata:   e.plan.ReadMetadata(),
	}
	err := r.sink.WriteData(block)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotDurable):
		e.logger.Warn("scan data written but not synced", "breakpoint", breakpoint, "file", st.Filename, "error", err)
	default:
		e.logger.Warn("writing scan data failed", "breakpoint", breakpoint, "file", st.Filename, "error", err)
		return
	}
	st.flushed = len(st.Points)
}

// restore commands every positioner back to its pre-run position without
// waiting.
func (r *run) restore() {
	for i, p := range r.positioners {
		if math.IsNaN(r.original[i]) {
			r.engine.logger.Warn("no original position to restore", "positioner", p.Label)
			continue
		}
		if err := p.MoveTo(r.original[i]); err != nil {
			r.engine.logger.Warn("restoring position failed", "positioner", p.Label, "error", err)
		}
	}
}

// exit is the unwind sequence shared by every loop exit cause. It returns
// the post-scan hook batch error, if any.
func (r *run) exit() error {
	e, st := r.engine, r.state
	exitStart := time.Now()

	st.Phase = PhaseExiting
	st.Abort = st.Exit == ExitAborted
	if st.Abort {
		st.LastError = ErrAborted
	}
	e.publish(st)

	if st.Abort {
		msg := fmt.Sprintf("scan aborted at point %d of %d", st.CurrentPoint, st.TotalPoints)
		e.setInfo(r.bg, InfoScanMessage, msg)
		e.logger.Warn(msg, "run_id", st.RunID)
	}

	r.restore()

	r.flush(FinalBreakpoint)
	if err := r.sink.Close(); err != nil {
		e.logger.Warn("closing scan output failed", "file", st.Filename, "error", err)
	}

	e.interrupts.Clear(r.bg)

	err := runHooks(e.plan.Hooks(), "post-scan", func(h Hooks) error {
		if h.PostScan == nil {
			return nil
		}
		return h.PostScan(r.bg)
	})

	st.Complete = true
	if r.reporter != nil {
		r.reporter.stop()
	}

	st.Timing.Exit = time.Since(exitStart)
	st.Timing.Total = st.Timing.Init + st.Timing.Loop + st.Timing.Exit

	if err != nil && st.LastError == nil {
		st.LastError = err
	}
	if st.LastError != nil {
		e.setInfo(r.bg, InfoLastError, st.LastError.Error())
	}
	switch {
	case err != nil || st.Exit == ExitHookFailure:
		st.Phase = PhaseFailed
	case st.Exit == ExitNormal:
		st.Phase = PhaseComplete
		e.setInfo(r.bg, InfoScanMessage, "scan complete")
	default:
		st.Phase = PhaseComplete
	}
	e.setInfo(r.bg, InfoScanComplete, true)
	e.publish(st)

	e.logger.Info("scan finished",
		"run_id", st.RunID,
		"exit", st.Exit,
		"points", len(st.Points),
		"file", st.Filename,
		"init", st.Timing.Init,
		"loop", st.Timing.Loop,
		"exit_time", st.Timing.Exit,
	)
	return err
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

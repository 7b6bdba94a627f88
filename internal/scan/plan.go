package scan

import (
	"fmt"
	"slices"
	"time"
)

// Plan is the ordered description of one step scan: what moves, what counts,
// where to flush, and how long to dwell.
//
// A Plan is built once and can be run many times. Every run verifies the
// plan again; Add* calls also clear the Verified flag.
//
// Thread Safety: a Plan must not be modified while a run is in progress.
type Plan struct {
	positioners []*Positioner
	detectors   []*Detector
	triggers    []*Trigger
	counters    []*Counter
	metadata    []Metadata
	breakpoints map[int]struct{}
	hooks       []Hooks

	dwell Dwell

	verified bool
}

// NewPlan creates an empty plan.
func NewPlan() *Plan {
	return &Plan{breakpoints: make(map[int]struct{})}
}

// AddPositioner appends a positioner and its hooks and metadata.
// Adding the same positioner twice is a no-op for the axis list.
func (p *Plan) AddPositioner(pos *Positioner) {
	if pos == nil || slices.Contains(p.positioners, pos) {
		return
	}
	p.positioners = append(p.positioners, pos)
	p.hooks = append(p.hooks, pos.Hooks)
	p.AddExtraMetadata(pos.Metadata...)
	p.verified = false
}

// AddDetector appends a detector, its trigger, counters, hooks and metadata.
func (p *Plan) AddDetector(det *Detector) {
	if det == nil || slices.Contains(p.detectors, det) {
		return
	}
	p.detectors = append(p.detectors, det)
	p.hooks = append(p.hooks, det.Hooks)
	p.AddExtraMetadata(det.Metadata...)
	p.AddTrigger(det.Trigger)
	for _, c := range det.Counters {
		p.AddCounter(c)
	}
	p.verified = false
}

// AddTrigger appends a standalone trigger.
func (p *Plan) AddTrigger(t *Trigger) {
	if t == nil || slices.Contains(p.triggers, t) {
		return
	}
	p.triggers = append(p.triggers, t)
	p.verified = false
}

// AddCounter appends a standalone counter.
func (p *Plan) AddCounter(c *Counter) {
	if c == nil || slices.Contains(p.counters, c) {
		return
	}
	p.counters = append(p.counters, c)
	p.verified = false
}

// AddExtraMetadata appends metadata entries, skipping descriptions already present.
func (p *Plan) AddExtraMetadata(md ...Metadata) {
	for _, m := range md {
		if m.Read == nil {
			continue
		}
		dup := slices.ContainsFunc(p.metadata, func(existing Metadata) bool {
			return existing.Description == m.Description
		})
		if !dup {
			p.metadata = append(p.metadata, m)
		}
	}
	p.verified = false
}

// AddHooks registers plan-level lifecycle hooks.
func (p *Plan) AddHooks(h Hooks) {
	p.hooks = append(p.hooks, h)
}

// SetBreakpoints replaces the breakpoint set.
func (p *Plan) SetBreakpoints(indices ...int) {
	p.breakpoints = make(map[int]struct{}, len(indices))
	for _, i := range indices {
		p.breakpoints[i] = struct{}{}
	}
	p.verified = false
}

// IsBreakpoint reports whether index is a breakpoint.
func (p *Plan) IsBreakpoint(index int) bool {
	_, ok := p.breakpoints[index]
	return ok
}

// Breakpoints returns the breakpoint indices in ascending order.
func (p *Plan) Breakpoints() []int {
	out := make([]int, 0, len(p.breakpoints))
	for i := range p.breakpoints {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

// SetDwellTime sets one dwell time for every point.
func (p *Plan) SetDwellTime(d time.Duration) {
	p.dwell = FixedDwell(d)
	p.verified = false
}

// SetDwellTimes sets a per-point dwell time sequence.
func (p *Plan) SetDwellTimes(d []time.Duration) {
	p.dwell = PerPointDwell(d)
	p.verified = false
}

// Dwell returns the configured dwell policy.
func (p *Plan) Dwell() Dwell { return p.dwell }

// Positioners returns the positioners in scan order.
func (p *Plan) Positioners() []*Positioner { return p.positioners }

// Detectors returns the detectors in scan order.
func (p *Plan) Detectors() []*Detector { return p.detectors }

// Triggers returns every trigger, standalone and detector-owned.
func (p *Plan) Triggers() []*Trigger { return p.triggers }

// Counters returns every counter, standalone and detector-owned.
func (p *Plan) Counters() []*Counter { return p.counters }

// Hooks returns every registered hook set in registration order.
func (p *Plan) Hooks() []Hooks { return p.hooks }

// Verified reports whether the plan has passed Verify since its last change.
// It is advisory: handle fields can change without the plan noticing, so
// Engine.Run verifies again on every run.
func (p *Plan) Verified() bool { return p.verified }

// NumPoints returns the length of the position arrays, or 0 without positioners.
func (p *Plan) NumPoints() int {
	if len(p.positioners) == 0 {
		return 0
	}
	return len(p.positioners[0].Array)
}

// Verify checks that the plan can be executed without commanding any motion.
//
// Every positioner array must respect its soft limits and all arrays must
// share one non-zero length. Breakpoints must lie in [0, N) and a per-point
// dwell sequence must have N entries.
func (p *Plan) Verify() error {
	p.verified = false
	if len(p.positioners) == 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, ErrNoPositioners)
	}

	npts := len(p.positioners[0].Array)
	for _, pos := range p.positioners {
		if !pos.VerifyArray() {
			return fmt.Errorf("%w: positioner %q array out of bounds", ErrConfiguration, pos.Label)
		}
		if len(pos.Array) != npts {
			return fmt.Errorf("%w: inconsistent positioner array length: %q has %d points, want %d",
				ErrConfiguration, pos.Label, len(pos.Array), npts)
		}
	}
	if npts == 0 {
		return fmt.Errorf("%w: positioner arrays are empty", ErrConfiguration)
	}

	for b := range p.breakpoints {
		if b < 0 || b >= npts {
			return fmt.Errorf("%w: breakpoint %d outside [0,%d)", ErrConfiguration, b, npts)
		}
	}

	if p.dwell.Varies() && len(p.dwell.perPoint) != npts {
		return fmt.Errorf("%w: %d dwell times for %d points", ErrConfiguration, len(p.dwell.perPoint), npts)
	}

	p.verified = true
	return nil
}

// ReadMetadata reads every metadata entry. Read failures are recorded in the
// value rather than aborting the read.
func (p *Plan) ReadMetadata() []MetadataValue {
	out := make([]MetadataValue, 0, len(p.metadata))
	for _, m := range p.metadata {
		v, err := m.Read()
		if err != nil {
			v = "<error: " + err.Error() + ">"
		}
		out = append(out, MetadataValue{Description: m.Description, Value: v})
	}
	return out
}

// Dwell is the per-point minimum acquisition time: either one value for all
// points or a sequence with one value per point.
type Dwell struct {
	fixed    time.Duration
	perPoint []time.Duration
}

// FixedDwell returns a dwell policy with one value for every point.
func FixedDwell(d time.Duration) Dwell {
	return Dwell{fixed: d}
}

// PerPointDwell returns a dwell policy with one value per point.
func PerPointDwell(d []time.Duration) Dwell {
	cp := make([]time.Duration, len(d))
	copy(cp, d)
	return Dwell{perPoint: cp}
}

// Varies reports whether dwell changes from point to point.
func (d Dwell) Varies() bool { return d.perPoint != nil }

// At returns the dwell time for point index.
func (d Dwell) At(index int) time.Duration {
	if d.Varies() {
		if index < 0 || index >= len(d.perPoint) {
			return 0
		}
		return d.perPoint[index]
	}
	return d.fixed
}

// Min returns the smallest configured dwell time.
func (d Dwell) Min() time.Duration {
	if !d.Varies() {
		return d.fixed
	}
	if len(d.perPoint) == 0 {
		return 0
	}
	return slices.Min(d.perPoint)
}

// Max returns the largest configured dwell time.
func (d Dwell) Max() time.Duration {
	if !d.Varies() {
		return d.fixed
	}
	if len(d.perPoint) == 0 {
		return 0
	}
	return slices.Max(d.perPoint)
}

// Sum returns the total dwell for points [from, npts).
func (d Dwell) Sum(from, npts int) time.Duration {
	if from < 0 {
		from = 0
	}
	if from >= npts {
		return 0
	}
	if !d.Varies() {
		return time.Duration(npts-from) * d.fixed
	}
	var total time.Duration
	for i := from; i < npts && i < len(d.perPoint); i++ {
		total += d.perPoint[i]
	}
	return total
}

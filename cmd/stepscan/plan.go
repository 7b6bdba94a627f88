package main

import (
	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
	"github.com/nerrad567/gray-logic-stepscan/internal/sim"
)

// Simulated station geometry.
const (
	xStart, xStop = -5.0, 5.0
	yStart, yStop = -2.0, 2.0
	meshRows      = 5
	motorSpeed    = 50.0 // mm/s
	peakCenter    = 0.5
	peakWidth     = 1.2
	peakCounts    = 5e4
	background    = 100.0
	monitorRate   = 1e4
)

// buildPlan assembles a scan over simulated hardware: an x axis (and a y
// axis for mesh scans) and a two-channel scaler whose second channel sees a
// Gaussian peak along x.
func buildPlan(opts options, station config.StationConfig) (*scan.Plan, error) {
	plan := scan.NewPlan()

	x := sim.NewMotor("x", "mm", 0, motorSpeed, -100, 100)
	xs := sim.Linear(xStart, xStop, opts.points)

	if opts.mesh {
		y := sim.NewMotor("y", "mm", 0, motorSpeed, -100, 100)
		inner, outer, breakpoints := sim.Mesh(xs, sim.Linear(yStart, yStop, meshRows))
		plan.AddPositioner(x.Positioner(inner))
		plan.AddPositioner(y.Positioner(outer))
		plan.SetBreakpoints(breakpoints...)
	} else {
		plan.AddPositioner(x.Positioner(xs))
	}

	scaler := sim.NewScaler("scaler",
		sim.Channel{Label: "I0", Rate: sim.Constant(monitorRate)},
		sim.Channel{Label: "I1", Rate: sim.Gaussian(x.Position, peakCenter, peakWidth, peakCounts, background)},
	)
	plan.AddDetector(scaler.Detector())
	plan.SetDwellTime(opts.dwell)

	plan.AddExtraMetadata(scan.Metadata{
		Description: "station",
		Read:        func() (string, error) { return station.ID + " (" + station.Name + ")", nil },
	})

	if err := plan.Verify(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Package sim provides simulated scan hardware: a constant-speed Motor, a
// gated multi-channel Scaler and helpers to build linear and flattened
// mesh position arrays.
//
// The simulators fill in the same capability functions a real driver would,
// so a plan built from them runs through scan.Engine unchanged:
//
//	theta := sim.NewMotor("theta", "deg", 0, 20, -90, 90)
//	sc := sim.NewScaler("scaler",
//	    sim.Channel{Label: "I0", Rate: sim.Constant(1e5)},
//	    sim.Channel{Label: "I1", Rate: sim.Gaussian(theta.Position, 10, 2, 5e4, 100)},
//	)
//	plan.AddPositioner(theta.Positioner(sim.Linear(0, 20, 41)))
//	plan.AddDetector(sc.Detector())
package sim

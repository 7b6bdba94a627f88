package sim

// Linear returns n evenly spaced values from start to stop inclusive.
func Linear(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// Mesh flattens a two-dimensional grid into two equal-length position
// arrays: the inner axis sweeps fully for each outer value. The returned
// breakpoints are the last index of every row, so data is flushed once per
// completed line.
func Mesh(inner, outer []float64) (innerFlat, outerFlat []float64, breakpoints []int) {
	n := len(inner) * len(outer)
	innerFlat = make([]float64, 0, n)
	outerFlat = make([]float64, 0, n)
	for _, o := range outer {
		for _, in := range inner {
			innerFlat = append(innerFlat, in)
			outerFlat = append(outerFlat, o)
		}
		if len(inner) > 0 {
			breakpoints = append(breakpoints, len(innerFlat)-1)
		}
	}
	return innerFlat, outerFlat, breakpoints
}

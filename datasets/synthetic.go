// Package datasets generates the small synthetic datasets used by the demos
// and tests: a linearly separable two-class problem and a noisy 1D
// regression curve.
package datasets

import (
	"math"
	"math/rand"
)

// TwoClass samples n points in dims dimensions from a standard normal and
// labels them by the side of a random hyperplane, pushing each point away
// from the plane so the classes are separable with a margin. Labels are
// one-hot over two classes.
func TwoClass(seed int64, n, dims int) (inputs [][]float32, labels [][]float32) {
	const margin = 0.5
	rng := rand.New(rand.NewSource(seed))

	normal := make([]float64, dims)
	norm := 0.0
	for ii := range normal {
		normal[ii] = rng.NormFloat64()
		norm += normal[ii] * normal[ii]
	}
	norm = math.Sqrt(norm)
	for ii := range normal {
		normal[ii] /= norm
	}

	inputs = make([][]float32, n)
	labels = make([][]float32, n)
	for ii := 0; ii < n; ii++ {
		point := make([]float64, dims)
		dot := 0.0
		for jj := range point {
			point[jj] = rng.NormFloat64()
			dot += point[jj] * normal[jj]
		}
		side := 1.0
		if dot < 0 {
			side = -1.0
		}
		row := make([]float32, dims)
		for jj := range point {
			row[jj] = float32(point[jj] + side*margin*normal[jj])
		}
		inputs[ii] = row
		if side > 0 {
			labels[ii] = []float32{0, 1}
		} else {
			labels[ii] = []float32{1, 0}
		}
	}
	return
}

// Regression1D samples n points of a noisy sine curve: x uniform in
// [-3, 3], y = sin(2x) + noise. Inputs are returned as a (n, 1) matrix so
// they feed directly into the models.
func Regression1D(seed int64, n int, noiseStdDev float64) (inputs [][]float64, targets [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	inputs = make([][]float64, n)
	targets = make([][]float64, n)
	for ii := 0; ii < n; ii++ {
		x := rng.Float64()*6.0 - 3.0
		inputs[ii] = []float64{x}
		targets[ii] = []float64{math.Sin(2.0*x) + noiseStdDev*rng.NormFloat64()}
	}
	return
}

// Grid1D returns numPoints evenly spaced inputs covering [lo, hi], as a
// (numPoints, 1) matrix, for plotting predictive distributions.
func Grid1D(lo, hi float64, numPoints int) [][]float64 {
	grid := make([][]float64, numPoints)
	step := (hi - lo) / float64(numPoints-1)
	for ii := range grid {
		grid[ii] = []float64{lo + float64(ii)*step}
	}
	return grid
}

package hmc

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultCoverage is the usual set of central coverage levels for the
// predictive bands.
var DefaultCoverage = []float64{0.025, 0.5, 0.975}

// Summarize returns the empirical lower and upper quantile bands of a set
// of draws for each central coverage level p: the lower band is the
// 0.5*(1-p) quantile, the upper the 0.5*(1+p) quantile. The input is not
// modified.
func Summarize(draws []float64, p []float64) (lb, ub []float64) {
	sorted := append([]float64(nil), draws...)
	sort.Float64s(sorted)
	lb = make([]float64, len(p))
	ub = make([]float64, len(p))
	for ii, pp := range p {
		lb[ii] = stat.Quantile(0.5*(1-pp), stat.Empirical, sorted, nil)
		ub[ii] = stat.Quantile(0.5*(1+pp), stat.Empirical, sorted, nil)
	}
	return lb, ub
}

// Prediction summarizes the posterior predictive of an ensemble of chains
// on a grid of test inputs, per iteration so convergence over the sampling
// run stays visible. Matrices are (iterations x grid points).
type Prediction struct {
	// Mu is the mean over chains of the predicted means, Std its
	// population standard deviation.
	Mu, Std *mat.Dense
	// LB[k] and UB[k] are the predictive bands at coverage p[k],
	// estimated from noisy samples of y.
	LB, UB []*mat.Dense
	// LogLik is the per-iteration predictive log likelihood of the test
	// targets, averaged over the grid, mixing chains via
	// logsumexp - log(nChains). Empty when yTest is nil.
	LogLik []float64
}

// Predict evaluates every posterior draw of every chain on xTest and
// summarizes the resulting predictive ensemble. yTest may be nil to skip
// the predictive log likelihood; p lists the coverage levels of the bands
// (DefaultCoverage when empty). The predictive y samples share one noise
// draw per chain, seeded independently of the sampler.
func Predict(model *MLPModel, chains [][][]float64, xTest [][]float64, yTest []float64, p []float64, seed int64) (*Prediction, error) {
	nChains := len(chains)
	if nChains == 0 {
		return nil, errors.New("no chains to predict from")
	}
	nIter := len(chains[0])
	nGrid := len(xTest)
	if len(p) == 0 {
		p = DefaultCoverage
	}
	if yTest != nil && len(yTest) != nGrid {
		return nil, errors.Errorf("yTest has %d entries, xTest has %d rows", len(yTest), nGrid)
	}

	rng := rand.New(rand.NewSource(seed))
	muChains := make([]*mat.Dense, nChains)
	ySamples := make([]*mat.Dense, nChains)
	var logLikRaw [][][]float64
	if yTest != nil {
		logLikRaw = make([][][]float64, nIter)
		for ii := range logLikRaw {
			logLikRaw[ii] = make([][]float64, nGrid)
			for gg := range logLikRaw[ii] {
				logLikRaw[ii][gg] = make([]float64, nChains)
			}
		}
	}

	for ss, chain := range chains {
		if len(chain) != nIter {
			return nil, errors.Errorf("chain %d has %d draws, chain 0 has %d", ss, len(chain), nIter)
		}
		muChains[ss] = mat.NewDense(nIter, nGrid, nil)
		ySamples[ss] = mat.NewDense(nIter, nGrid, nil)
		noise := rng.NormFloat64()
		for ii, theta := range chain {
			mu, prec, err := model.PredictHost(xTest, theta)
			if err != nil {
				return nil, errors.WithMessagef(err, "chain %d draw %d", ss, ii)
			}
			stdDev := math.Sqrt(1.0 / prec)
			dist := distuv.Normal{Sigma: stdDev}
			for gg := 0; gg < nGrid; gg++ {
				muChains[ss].Set(ii, gg, mu.At(gg, 0))
				ySamples[ss].Set(ii, gg, mu.At(gg, 0)+stdDev*noise)
				if yTest != nil {
					dist.Mu = mu.At(gg, 0)
					logLikRaw[ii][gg][ss] = dist.LogProb(yTest[gg])
				}
			}
		}
	}

	pred := &Prediction{
		Mu:  mat.NewDense(nIter, nGrid, nil),
		Std: mat.NewDense(nIter, nGrid, nil),
		LB:  make([]*mat.Dense, len(p)),
		UB:  make([]*mat.Dense, len(p)),
	}
	for kk := range p {
		pred.LB[kk] = mat.NewDense(nIter, nGrid, nil)
		pred.UB[kk] = mat.NewDense(nIter, nGrid, nil)
	}
	overChains := make([]float64, nChains)
	ySamplesAt := make([]float64, nChains)
	for ii := 0; ii < nIter; ii++ {
		for gg := 0; gg < nGrid; gg++ {
			for ss := 0; ss < nChains; ss++ {
				overChains[ss] = muChains[ss].At(ii, gg)
				ySamplesAt[ss] = ySamples[ss].At(ii, gg)
			}
			pred.Mu.Set(ii, gg, stat.Mean(overChains, nil))
			pred.Std.Set(ii, gg, stat.PopStdDev(overChains, nil))
			lb, ub := Summarize(ySamplesAt, p)
			for kk := range p {
				pred.LB[kk].Set(ii, gg, lb[kk])
				pred.UB[kk].Set(ii, gg, ub[kk])
			}
		}
	}

	if yTest != nil {
		pred.LogLik = make([]float64, nIter)
		logN := math.Log(float64(nChains))
		for ii := 0; ii < nIter; ii++ {
			total := 0.0
			for gg := 0; gg < nGrid; gg++ {
				total += floats.LogSumExp(logLikRaw[ii][gg]) - logN
			}
			pred.LogLik[ii] = total / float64(nGrid)
		}
	}
	return pred, nil
}

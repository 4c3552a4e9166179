package hmc

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// InitFn maps standard Gaussian noise to an initial flat parameter vector,
// e.g. a trained hypernetwork's sampler. Identity (returning the noise) is
// a valid choice.
type InitFn func(noise []float64) []float64

// RunConfig controls the restart loop around a Sampler.
type RunConfig struct {
	// Restarts is the number of independent chains, run sequentially.
	Restarts int
	// NumIter is the number of kept draws per chain after tuning.
	NumIter int
	// NumTune is the number of tuning iterations per chain. Tuned states
	// are kept in the traces and monitor arrays.
	NumTune int
	// InitScaleIter is the number of initializer draws used to estimate
	// the per-dimension variance the sampler scales with.
	InitScaleIter int
	// Seed drives the noise fed to the initializer and, for the default
	// sampler, the chains themselves.
	Seed int64
	// Sampler overrides the default Leapfrog engine when non-nil.
	Sampler Sampler
}

// DefaultRunConfig mirrors the common toy-problem settings.
func DefaultRunConfig(seed int64) RunConfig {
	return RunConfig{
		Restarts:      10,
		NumIter:       500,
		NumTune:       500,
		InitScaleIter: 1000,
		Seed:          seed,
	}
}

// RunResult bundles the chains with their per-iteration monitor arrays.
// All matrices are (NumTune+NumIter) x Restarts.
type RunResult struct {
	// Chains[rr][ii] is the flat parameter vector of chain rr at
	// iteration ii, tuning phase included.
	Chains [][][]float64
	// LogP is the sampler's log posterior at each state.
	LogP *mat.Dense
	// LogPrior and LogLikTrain are host-side recomputations whose sum
	// cross-checks LogP; LogLikTest monitors held-out data.
	LogPrior    *mat.Dense
	LogLikTrain *mat.Dense
	LogLikTest  *mat.Dense
}

// Run samples Restarts chains from the model's posterior, each started at
// a fresh draw from initFn. The per-dimension scaling is estimated from
// InitScaleIter initializer draws. The returned monitor arrays include the
// tuning phase, and the maximum energy mismatch
// max|logp - (logprior + loglikTrain)| is logged as a consistency check of
// the graph against the host-side recomputation.
func Run(model *MLPModel, xTrain, yTrain, xTest, yTest [][]float64, initFn InitFn, cfg RunConfig) (*RunResult, error) {
	if cfg.Restarts <= 0 || cfg.NumIter <= 0 || cfg.NumTune < 0 || cfg.InitScaleIter <= 1 {
		return nil, errors.Errorf("invalid run configuration: %+v", cfg)
	}
	numParams := model.NumParams()
	rng := rand.New(rand.NewSource(cfg.Seed))

	draws := make([][]float64, cfg.InitScaleIter)
	for ii := range draws {
		draws[ii] = initFn(normalNoise(rng, numParams))
		if len(draws[ii]) != numParams {
			return nil, errors.Errorf("initializer returned %d values, model has %d parameters", len(draws[ii]), numParams)
		}
	}
	scaling := make([]float64, numParams)
	column := make([]float64, cfg.InitScaleIter)
	for jj := 0; jj < numParams; jj++ {
		for ii := range draws {
			column[ii] = draws[ii][jj]
		}
		scaling[jj] = stat.PopVariance(column, nil)
		if scaling[jj] <= 0 {
			return nil, errors.Errorf("initializer draws are degenerate at dimension %d (zero variance)", jj)
		}
	}

	total := cfg.NumTune + cfg.NumIter
	result := &RunResult{
		Chains:      make([][][]float64, cfg.Restarts),
		LogP:        nanDense(total, cfg.Restarts),
		LogPrior:    nanDense(total, cfg.Restarts),
		LogLikTrain: nanDense(total, cfg.Restarts),
		LogLikTest:  nanDense(total, cfg.Restarts),
	}
	logProb := func(theta []float64) (float64, []float64, error) {
		return model.LogPosterior(theta)
	}

	for rr := 0; rr < cfg.Restarts; rr++ {
		sampler := cfg.Sampler
		if sampler == nil {
			sampler = NewLeapfrog(cfg.Seed + int64(rr))
		}
		start := initFn(normalNoise(rng, numParams))

		klog.Infof("HMC chain %d/%d starting", rr+1, cfg.Restarts)
		begin := time.Now()
		samples, logps, err := sampler.Sample(logProb, start, cfg.NumTune, cfg.NumIter, scaling)
		if err != nil {
			return nil, errors.WithMessagef(err, "HMC chain %d", rr)
		}
		if len(samples) != total {
			return nil, errors.Errorf("sampler returned %d states, expected %d", len(samples), total)
		}
		klog.Infof("HMC chain %d/%d done in %s", rr+1, cfg.Restarts, time.Since(begin))

		result.Chains[rr] = samples
		for ii, theta := range samples {
			result.LogP.Set(ii, rr, logps[ii])
			result.LogPrior.Set(ii, rr, LogPrior(theta))
			trainLik, err := model.LogLikelihood(xTrain, yTrain, theta)
			if err != nil {
				return nil, err
			}
			result.LogLikTrain.Set(ii, rr, trainLik)
			testLik, err := model.LogLikelihood(xTest, yTest, theta)
			if err != nil {
				return nil, err
			}
			result.LogLikTest.Set(ii, rr, testLik)
		}
	}

	maxErr := 0.0
	for rr := 0; rr < cfg.Restarts; rr++ {
		for ii := 0; ii < total; ii++ {
			diff := math.Abs(result.LogP.At(ii, rr) - (result.LogPrior.At(ii, rr) + result.LogLikTrain.At(ii, rr)))
			maxErr = math.Max(maxErr, diff)
		}
	}
	klog.Infof("HMC energy cross-check: max |logp - (logprior + loglik)| = %g", maxErr)
	return result, nil
}

func normalNoise(rng *rand.Rand, n int) []float64 {
	noise := make([]float64, n)
	for ii := range noise {
		noise[ii] = rng.NormFloat64()
	}
	return noise
}

func nanDense(rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for ii := range data {
		data[ii] = math.NaN()
	}
	return mat.NewDense(rows, cols, data)
}

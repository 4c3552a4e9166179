package hmc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/gomlx/hypernets/datasets"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestMLPShapesCoverage(t *testing.T) {
	blocks := MLPShapes(2, 4, 1, 1)
	require.Len(t, blocks, 5)
	assert.Equal(t, "W_0", blocks[0].Name)
	assert.Equal(t, []int{2, 4}, blocks[0].Dims)
	assert.Equal(t, "log_prec", blocks[4].Name)
	assert.Equal(t, 0, len(blocks[4].Dims))
	assert.Equal(t, 2*4+4+4*1+1+1, NumParams(blocks))

	theta := make([]float64, NumParams(blocks))
	for ii := range theta {
		theta[ii] = float64(ii)
	}
	params, err := Unpack(theta, blocks)
	require.NoError(t, err)
	assert.Equal(t, theta[:8], params["W_0"])
	assert.Equal(t, theta[8:12], params["b_0"])
	assert.Equal(t, theta[17:], params["log_prec"])

	_, err = Unpack(theta[:10], blocks)
	assert.Error(t, err, "short vector")
	_, err = Unpack(append(theta, 0), blocks)
	assert.Error(t, err, "leftover entries")
}

func testRegressionModel(t *testing.T) (*MLPModel, [][]float64, [][]float64) {
	backend := graphtest.BuildTestBackend()
	xTrain, yTrain := datasets.Regression1D(1, 12, 0.1)
	model, err := NewMLPModel(backend, xTrain, yTrain, 3, 1)
	require.NoError(t, err)
	return model, xTrain, yTrain
}

func TestLogPosteriorMatchesHostRecomputation(t *testing.T) {
	model, xTrain, yTrain := testRegressionModel(t)

	rng := rand.New(rand.NewSource(2))
	theta := make([]float64, model.NumParams())
	for ii := range theta {
		theta[ii] = 0.3 * rng.NormFloat64()
	}
	logp, _, err := model.LogPosterior(theta)
	require.NoError(t, err)

	loglik, err := model.LogLikelihood(xTrain, yTrain, theta)
	require.NoError(t, err)
	assert.InDelta(t, LogPrior(theta)+loglik, logp, 1e-8,
		"graph and host energies must agree")
}

func TestLogPosteriorGradient(t *testing.T) {
	model, _, _ := testRegressionModel(t)

	rng := rand.New(rand.NewSource(3))
	theta := make([]float64, model.NumParams())
	for ii := range theta {
		theta[ii] = 0.5 * rng.NormFloat64()
	}
	_, grad, err := model.LogPosterior(theta)
	require.NoError(t, err)
	require.Len(t, grad, len(theta))

	const h = 1e-5
	for ii := range theta {
		plus := append([]float64(nil), theta...)
		minus := append([]float64(nil), theta...)
		plus[ii] += h
		minus[ii] -= h
		logpPlus, _, err := model.LogPosterior(plus)
		require.NoError(t, err)
		logpMinus, _, err := model.LogPosterior(minus)
		require.NoError(t, err)
		fd := (logpPlus - logpMinus) / (2 * h)
		assert.InDeltaf(t, fd, grad[ii], 1e-3+1e-3*math.Abs(fd),
			"gradient coordinate %d", ii)
	}
}

func TestLeapfrogStandardGaussian(t *testing.T) {
	logProb := func(theta []float64) (float64, []float64, error) {
		logp := 0.0
		grad := make([]float64, len(theta))
		for ii, v := range theta {
			logp -= 0.5 * v * v
			grad[ii] = -v
		}
		return logp, grad, nil
	}

	sampler := NewLeapfrog(4)
	const nTune, nDraws = 500, 2000
	samples, logps, err := sampler.Sample(logProb, []float64{2, -2}, nTune, nDraws, []float64{1, 1})
	require.NoError(t, err)
	require.Len(t, samples, nTune+nDraws)
	require.Len(t, logps, nTune+nDraws)

	for dim := 0; dim < 2; dim++ {
		draws := make([]float64, nDraws)
		for ii := 0; ii < nDraws; ii++ {
			draws[ii] = samples[nTune+ii][dim]
		}
		mean := stat.Mean(draws, nil)
		variance := stat.PopVariance(draws, nil)
		assert.InDelta(t, 0.0, mean, 0.2, "dimension %d mean", dim)
		assert.InDelta(t, 1.0, variance, 0.5, "dimension %d variance", dim)
	}
}

func TestSummarize(t *testing.T) {
	draws := []float64{3, 1, 4, 1, 5, 9, 2, 6, 5, 3}
	original := append([]float64(nil), draws...)
	p := []float64{0.5, 0.9, 1.0}

	lb, ub := Summarize(draws, p)
	require.Len(t, lb, len(p))
	require.Len(t, ub, len(p))
	assert.Equal(t, original, draws, "input must not be modified")
	for kk := range p {
		assert.LessOrEqual(t, lb[kk], ub[kk])
	}
	// Wider coverage means wider bands.
	assert.GreaterOrEqual(t, lb[0], lb[1])
	assert.LessOrEqual(t, ub[0], ub[1])
	assert.Equal(t, 1.0, lb[2], "full coverage reaches the minimum")
	assert.Equal(t, 9.0, ub[2], "full coverage reaches the maximum")

	lb2, ub2 := Summarize(draws, p)
	assert.Equal(t, lb, lb2)
	assert.Equal(t, ub, ub2)
}

func TestRunAndPredict(t *testing.T) {
	if testing.Short() {
		t.Skip("sampling loop is slow")
	}
	model, xTrain, yTrain := testRegressionModel(t)
	xTest, yTest := datasets.Regression1D(2, 8, 0.1)

	cfg := RunConfig{
		Restarts:      2,
		NumIter:       30,
		NumTune:       30,
		InitScaleIter: 50,
		Seed:          5,
	}
	initFn := func(noise []float64) []float64 {
		scaled := make([]float64, len(noise))
		for ii, v := range noise {
			scaled[ii] = 0.1 * v
		}
		return scaled
	}
	result, err := Run(model, xTrain, yTrain, xTest, yTest, initFn, cfg)
	require.NoError(t, err)
	require.Len(t, result.Chains, cfg.Restarts)

	total := cfg.NumTune + cfg.NumIter
	rows, cols := result.LogP.Dims()
	assert.Equal(t, total, rows)
	assert.Equal(t, cfg.Restarts, cols)
	for rr := 0; rr < cfg.Restarts; rr++ {
		require.Len(t, result.Chains[rr], total)
		for ii := 0; ii < total; ii++ {
			energyGap := result.LogP.At(ii, rr) -
				(result.LogPrior.At(ii, rr) + result.LogLikTrain.At(ii, rr))
			assert.InDelta(t, 0.0, energyGap, 1e-6)
		}
	}

	yFlat := make([]float64, len(yTest))
	for ii := range yTest {
		yFlat[ii] = yTest[ii][0]
	}
	pred, err := Predict(model, result.Chains, xTest, yFlat, nil, 6)
	require.NoError(t, err)
	require.Len(t, pred.LogLik, total)
	nIter, nGrid := pred.Mu.Dims()
	assert.Equal(t, total, nIter)
	assert.Equal(t, len(xTest), nGrid)
	require.Len(t, pred.LB, len(DefaultCoverage))
	for kk := range pred.LB {
		for ii := 0; ii < nIter; ii++ {
			for gg := 0; gg < nGrid; gg++ {
				assert.LessOrEqual(t, pred.LB[kk].At(ii, gg), pred.UB[kk].At(ii, gg))
			}
		}
	}
	for ii, v := range pred.LogLik {
		assert.Falsef(t, math.IsNaN(v), "predictive log-likelihood NaN at iteration %d", ii)
	}
}

package hypernet

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	_ "github.com/gomlx/gomlx/backends/default"
)

// elboCase evaluates elboGraph on fixed inputs with an identity-initialized
// flow stand-in: the caller provides the sampled weights and the pipeline's
// log-determinant directly.
func elboCase(t *testing.T, cfg Config, weights [][]float64, logDet []float64,
	preds, targets [][]float64, klWeight, datasetSize float64) (loss, logPyx, kl float64) {
	backend := graphtest.BuildTestBackend()
	m := &Model{cfg: cfg}
	exec := NewExec(backend, func(w, ld, p, y *Node) []*Node {
		g := w.Graph()
		terms := m.elboGraph(w, ld, p, y,
			Const(g, klWeight), Const(g, datasetSize))
		return []*Node{terms.loss, terms.logPyx, terms.kl}
	})
	results := exec.Call(weights, logDet, preds, targets)
	return scalarOf(t, results[0]), scalarOf(t, results[1]), scalarOf(t, results[2])
}

func TestElboClosedFormGaussianKL(t *testing.T) {
	// With a unit-variance prior and zero log-determinant the KL estimate
	// reduces to the mean over rows of -sum(logNormal(w; 0, 1)).
	weights := [][]float64{{0.5, -1.0, 2.0}, {0.0, 0.3, -0.7}}
	logDet := []float64{0, 0}
	preds := [][]float64{{0.7, 0.3}, {0.2, 0.8}}
	targets := [][]float64{{1, 0}, {0, 1}}

	cfg := Config{PriorScale: 1.0, OutputType: OutputCategorical}
	loss, logPyx, kl := elboCase(t, cfg, weights, logDet, preds, targets, 1.0, 10.0)

	prior := distuv.Normal{Mu: 0, Sigma: 1}
	wantKL := 0.0
	for _, row := range weights {
		rowLogP := 0.0
		for _, w := range row {
			rowLogP += prior.LogProb(w)
		}
		wantKL += -rowLogP // logqw is zero when the log-determinant is zero.
	}
	wantKL /= float64(len(weights))
	assert.InDelta(t, wantKL, kl, 1e-6)

	wantLogPyx := (math.Log(0.7) + math.Log(0.8)) / 2
	assert.InDelta(t, wantLogPyx, logPyx, 1e-6)
	assert.InDelta(t, -(wantLogPyx - wantKL/10.0), loss, 1e-6)
}

func TestElboPriorScale(t *testing.T) {
	// PriorScale is the prior precision: scale 4 means variance 1/4.
	weights := [][]float64{{1.0, -0.5}}
	logDet := []float64{0.3}
	preds := [][]float64{{0.6, 0.4}}
	targets := [][]float64{{0, 1}}

	cfg := Config{PriorScale: 4.0, OutputType: OutputCategorical}
	_, _, kl := elboCase(t, cfg, weights, logDet, preds, targets, 1.0, 1.0)

	prior := distuv.Normal{Mu: 0, Sigma: math.Sqrt(1.0 / 4.0)}
	wantKL := -0.3 - (prior.LogProb(1.0) + prior.LogProb(-0.5))
	assert.InDelta(t, wantKL, kl, 1e-6)
}

func TestElboKLWeightZeroIsPureNLL(t *testing.T) {
	weights := [][]float64{{3.0, -2.0, 1.0}}
	logDet := []float64{1.7}
	preds := [][]float64{{0.9, 0.1}}
	targets := [][]float64{{1, 0}}

	cfg := Config{PriorScale: 1.0, OutputType: OutputCategorical}
	loss, logPyx, _ := elboCase(t, cfg, weights, logDet, preds, targets, 0.0, 100.0)
	assert.InDelta(t, -logPyx, loss, 1e-9)
	assert.InDelta(t, math.Log(0.9), logPyx, 1e-6)
}

func TestElboRealOutputIsNegativeMSE(t *testing.T) {
	weights := [][]float64{{0.0}}
	logDet := []float64{0}
	preds := [][]float64{{1.0}, {2.0}}
	targets := [][]float64{{0.5}, {2.5}}

	cfg := Config{PriorScale: 1.0, OutputType: OutputReal}
	loss, logPyx, _ := elboCase(t, cfg, weights, logDet, preds, targets, 0.0, 1.0)
	wantMSE := (0.25 + 0.25) / 2
	assert.InDelta(t, -wantMSE, logPyx, 1e-6)
	assert.InDelta(t, wantMSE, loss, 1e-6)
}

// TestMNFObjectiveClosedForm pins the multiplicative-flow bound on a case
// where every stochastic part collapses: no reverse couplings, and a zero
// gate vector c so the inverse model reduces to a standard Gaussian over the
// sampled masks.
func TestMNFObjectiveClosedForm(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	mu := [][]float64{{0.4, -0.2}, {0.1, 0.6}}     // (in=2, out=2)
	logSig := [][]float64{{-1, -0.5}, {-2, -1.5}}  // (in, out)
	mask := [][]float64{{1.1, 0.9}, {0.8, 1.2}}    // (batch=2, in)
	bMu := []float64{0.3, -0.4}                    // (in,)
	bLogSig := []float64{0.2, 0.1}                 // (in,)
	logDet := []float64{0.25, -0.5}                // per sampled row
	preds := [][]float64{{0.6, 0.4}, {0.3, 0.7}}   // clipped softmax outputs
	targets := [][]float64{{1, 0}, {0, 1}}

	m := &Model{cfg: Config{
		OutputType:    OutputCategorical,
		CouplingDepth: 0,
		Seed:          1,
	}}
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, maskN, ldN, pN, yN *Node) []*Node {
		g := maskN.Graph()
		layer := mnfLayer{
			mu:      Const(g, mu),
			logSig:  Const(g, logSig),
			mask:    maskN,
			c:       Zeros(g, shapes.Make(maskN.DType(), 2)),
			bMu:     Const(g, bMu),
			bLogSig: Const(g, bLogSig),
		}
		terms := m.elboMNFGraph(ctx, []mnfLayer{layer}, ldN, pN, yN,
			Const(g, 1.0), Const(g, 5.0))
		return []*Node{terms.loss, terms.logPyx, terms.kl}
	})
	results := exec.Call(mask, logDet, preds, targets)
	loss := scalarOf(t, results[0])
	logPyx := scalarOf(t, results[1])
	kl := scalarOf(t, results[2])

	// KL(q(W|z)||p(W)) per eqn 14, constants dropped.
	kl14 := 0.0
	for ii := range mu {
		for jj := range mu[ii] {
			sig2 := math.Exp(2 * logSig[ii][jj])
			kl14 += sig2 - math.Log(sig2)
		}
	}
	for _, row := range mask {
		for ii, z := range row {
			mu2 := mu[ii][0]*mu[ii][0] + mu[ii][1]*mu[ii][1]
			kl14 += mu2 * z * z
		}
	}
	kl14 *= 0.5

	// With c = 0 the gate is zero, so the inverse model is N(0, 1) on the
	// masks (which pass through the empty reverse pipeline untouched).
	logR := 0.0
	for _, row := range mask {
		for _, z := range row {
			logR += -0.5*z*z - 0.5*math.Log(2*math.Pi)
		}
	}

	wantKL := 0.0
	for _, ld := range logDet {
		wantKL += -ld + (kl14 - logR)
	}
	require.InDelta(t, wantKL, kl, 1e-5)

	wantLogPyx := (math.Log(0.6) + math.Log(0.7)) / 2
	assert.InDelta(t, wantLogPyx, logPyx, 1e-6)
	assert.InDelta(t, -(wantLogPyx - wantKL/5.0), loss, 1e-5)
}

func scalarOf(t *testing.T, tensor interface{ Value() any }) float64 {
	value := tensor.Value()
	f, ok := value.(float64)
	require.True(t, ok, "expected a float64 scalar, got %T", value)
	return f
}

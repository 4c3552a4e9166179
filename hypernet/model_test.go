package hypernet

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/hypernets/datasets"

	_ "github.com/gomlx/gomlx/backends/default"
)

func smallConfig(variant Variant) Config {
	cfg := NewConfig(variant, 4, 2)
	cfg.NumUnits = 16
	cfg.CouplingDepth = 2
	cfg.FlowHiddenWidth = 32
	cfg.Seed = 7
	return cfg
}

func TestTrainTwoClass(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const n = 100
	inputs, labels := datasets.TwoClass(3, n, 4)

	model, err := New(backend, context.New(), smallConfig(VariantWeightNorm))
	require.NoError(t, err)
	require.NoError(t, model.InitializeFromBatch(inputs))

	const steps = 500
	losses := make([]float64, 0, steps)
	for step := 0; step < steps; step++ {
		loss, err := model.TrainStep(inputs, labels, n, 1e-3, 1.0)
		require.NoError(t, err)
		losses = append(losses, loss)
	}

	// The smoothed loss must trend down over training.
	const window = 20
	first := meanOf(losses[:window])
	last := meanOf(losses[len(losses)-window:])
	assert.Less(t, last, first, "smoothed loss did not decrease: first=%v last=%v", first, last)

	classes, err := model.Predict(inputs)
	require.NoError(t, err)
	correct := 0
	for ii, class := range classes {
		if labels[ii][class] == 1 {
			correct++
		}
	}
	accuracy := float64(correct) / float64(n)
	assert.GreaterOrEqual(t, accuracy, 0.95, "accuracy on a linearly separable problem")

	// Monitoring reports finite ELBO terms on the trained model.
	mon, err := model.Monitor(inputs, labels, n)
	require.NoError(t, err)
	assert.LessOrEqual(t, mon.LogPyx, 0.0, "mean categorical log-likelihood is non-positive")
	assert.Greater(t, mon.LogPyxGradNorm, 0.0)
}

func TestCheckpointRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	cfg := smallConfig(VariantWeightNorm)
	inputs, labels := datasets.TwoClass(5, 20, 4)

	model, err := New(backend, context.New(), cfg)
	require.NoError(t, err)
	require.NoError(t, model.AttachCheckpoint(dir, 2))
	for step := 0; step < 10; step++ {
		_, err := model.TrainStep(inputs, labels, 20, 1e-3, 1.0)
		require.NoError(t, err)
	}

	weights := make([][]float32, 1)
	weights[0] = make([]float32, model.NumParams())
	for ii := range weights[0] {
		weights[0][ii] = 0.5
	}
	before, err := model.PredictWithWeights(inputs, weights)
	require.NoError(t, err)
	require.NoError(t, model.Save())

	restored, err := New(backend, context.New(), cfg)
	require.NoError(t, err)
	require.NoError(t, restored.AttachCheckpoint(dir, 2))
	after, err := restored.PredictWithWeights(inputs, weights)
	require.NoError(t, err)

	assert.Equal(t,
		tensors.CopyFlatData[float32](before),
		tensors.CopyFlatData[float32](after),
		"restored model must reproduce predictions bit for bit")
}

func TestCheckpointShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	inputs, labels := datasets.TwoClass(5, 20, 4)

	model, err := New(backend, context.New(), smallConfig(VariantWeightNorm))
	require.NoError(t, err)
	require.NoError(t, model.AttachCheckpoint(dir, 2))
	_, err = model.TrainStep(inputs, labels, 20, 1e-3, 1.0)
	require.NoError(t, err)
	require.NoError(t, model.Save())

	// A wider primary network cannot load the saved variables.
	wider := smallConfig(VariantWeightNorm)
	wider.NumUnits = 32
	other, err := New(backend, context.New(), wider)
	require.NoError(t, err)
	require.NoError(t, other.AttachCheckpoint(dir, 2))
	_, err = other.TrainStep(inputs, labels, 20, 1e-3, 1.0)
	assert.Error(t, err, "loading variables with mismatched shapes must fail")
}

func TestReset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inputs, labels := datasets.TwoClass(11, 20, 4)

	model, err := New(backend, context.New(), smallConfig(VariantWeightNorm))
	require.NoError(t, err)
	require.Error(t, model.Reset(), "reset before any training step")

	_, err = model.TrainStep(inputs, labels, 20, 1e-2, 1.0)
	require.NoError(t, err)

	weights := [][]float32{make([]float32, model.NumParams())}
	for ii := range weights[0] {
		weights[0][ii] = 0.5
	}
	reference, err := model.PredictWithWeights(inputs, weights)
	require.NoError(t, err)
	refData := tensors.CopyFlatData[float32](reference)

	for step := 0; step < 20; step++ {
		_, err := model.TrainStep(inputs, labels, 20, 1e-2, 1.0)
		require.NoError(t, err)
	}
	drifted, err := model.PredictWithWeights(inputs, weights)
	require.NoError(t, err)
	assert.NotEqual(t, refData, tensors.CopyFlatData[float32](drifted))

	require.NoError(t, model.Reset())
	restored, err := model.PredictWithWeights(inputs, weights)
	require.NoError(t, err)
	assert.Equal(t, refData, tensors.CopyFlatData[float32](restored))
}

func TestMNFVariant(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inputs, labels := datasets.TwoClass(13, 20, 4)

	cfg := smallConfig(VariantMNF)
	model, err := New(backend, context.New(), cfg)
	require.NoError(t, err)

	for step := 0; step < 5; step++ {
		loss, err := model.TrainStep(inputs, labels, 20, 1e-3, 1.0)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss must be finite at step %d, got %v", step, loss)
	}

	_, err = model.Monitor(inputs, labels, 20)
	assert.Error(t, err, "monitoring is unavailable for the multiplicative-flow variant")

	err = model.InitializeFromBatch(inputs)
	assert.Error(t, err, "batch initialization only applies to weight-norm layers")
}

func TestConvVariant(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := NewConfig(VariantConvWeightNorm, 0, 2)
	cfg.ImageSize = 6
	cfg.InputChannels = 1
	cfg.NumConvLayers = 1
	cfg.NumChannels = 4
	cfg.NumHiddenLayers = 1
	cfg.NumUnits = 8
	cfg.Seed = 19

	model, err := New(backend, context.New(), cfg)
	require.NoError(t, err)
	// 6x6 shrinks to 4x4 after the 3x3 conv, 2x2 after pooling: the flow
	// feeds 4 filter rescales plus the dense head.
	assert.Equal(t, 4+8+2, model.NumParams())

	const batch = 8
	rng := rand.New(rand.NewSource(23))
	images := make([][][][]float32, batch)
	labels := make([][]float32, batch)
	for bb := range images {
		images[bb] = make([][][]float32, 6)
		total := float32(0)
		for hh := range images[bb] {
			images[bb][hh] = make([][]float32, 6)
			for ww := range images[bb][hh] {
				v := float32(rng.NormFloat64())
				images[bb][hh][ww] = []float32{v}
				total += v
			}
		}
		labels[bb] = []float32{0, 1}
		if total < 0 {
			labels[bb] = []float32{1, 0}
		}
	}

	for step := 0; step < 5; step++ {
		loss, err := model.TrainStep(images, labels, batch, 1e-3, 1.0)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss must be finite at step %d, got %v", step, loss)
	}
	classes, err := model.Predict(images)
	require.NoError(t, err)
	assert.Len(t, classes, batch)
}

func TestInitializeFromBatchUpdatesBiases(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inputs, _ := datasets.TwoClass(17, 50, 4)

	model, err := New(backend, context.New(), smallConfig(VariantWeightNorm))
	require.NoError(t, err)

	// Materialize the primary variables, then snapshot the first layer bias.
	weights := [][]float32{make([]float32, model.NumParams())}
	_, err = model.PredictWithWeights(inputs, weights)
	require.NoError(t, err)
	before := firstLayerBias(t, model)

	require.NoError(t, model.InitializeFromBatch(inputs))
	after := firstLayerBias(t, model)
	assert.NotEqual(t, before, after, "standardization must rewrite the bias")
}

func firstLayerBias(t *testing.T, m *Model) []float32 {
	var bias []float32
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "biases" && strings.Contains(v.Scope(), "layer_0") {
			bias = tensors.CopyFlatData[float32](v.Value().LocalClone())
		}
	})
	require.NotNil(t, bias, "first layer bias variable not found")
	return bias
}

func meanOf(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

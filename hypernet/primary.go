package hypernet

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Predicted probabilities are clipped away from 0 and 1 before taking logs.
const (
	probClipMin = 0.001
	probClipMax = 0.999
)

// mnfLayer collects the per-layer pieces the multiplicative-flow ELBO
// needs: the posterior mean and log-sigma of the layer's weight matrix, the
// mask slice the flow generated for it, and the auxiliary-posterior
// parameters.
type mnfLayer struct {
	mu, logSig      *Node // (in, out)
	mask            *Node // (wd1, in)
	c, bMu, bLogSig *Node // (in,)
}

// primaryGraph runs the primary network on x, with z the flat vector of
// flow-generated parameters, shaped (wd1, numParams). It returns the
// predictions: probabilities clipped to [0.001, 0.999] for categorical
// outputs, raw values for real ones. For the multiplicative-flow variant it
// also returns the per-layer pieces needed by the ELBO.
func (m *Model) primaryGraph(ctx *context.Context, x, z *Node) (preds *Node, mnfLayers []mnfLayer) {
	slices := m.spec.Distribute(z)
	numLayers := len(m.spec.Layers)

	h := x
	for ii, layer := range m.spec.Layers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", ii))
		last := ii == numLayers-1
		switch m.cfg.Variant {
		case VariantWeightNorm:
			h = weightNormDense(layerCtx, h, slices[ii], layer.NumOutputs(), !last)
		case VariantMNF:
			var lw mnfLayer
			h, lw = mnfDense(layerCtx, h, slices[ii], layer.NumOutputs(), !last)
			mnfLayers = append(mnfLayers, lw)
		case VariantConvWeightNorm:
			if layer.IsConv() {
				pool := m.cfg.PoolEvery > 0 && (ii+1)%m.cfg.PoolEvery == 0
				h = weightNormConv(layerCtx, h, slices[ii], layer, pool)
				if lastConv := ii+1 == len(m.spec.Layers) || !m.spec.Layers[ii+1].IsConv(); lastConv {
					h = Reshape(h, h.Shape().Dimensions[0], -1)
				}
			} else {
				h = weightNormDense(layerCtx, h, slices[ii], layer.NumOutputs(), !last)
			}
		}
	}

	if m.cfg.OutputType == OutputCategorical {
		preds = ClipScalar(Softmax(h), probClipMin, probClipMax)
	} else {
		preds = h
	}
	return
}

// weightNormDense is a fully connected layer in the weight-norm
// parameterization: a learnable direction matrix kept at unit column norm
// in-graph, a learnable bias, and the per-output rescale supplied by the
// flow (one row per parameter sample, broadcast if shared).
func weightNormDense(ctx *context.Context, x, scales *Node, numOutputs int, activate bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	numInputs := x.Shape().Dimensions[1]
	if wd1 := scales.Shape().Dimensions[0]; wd1 != 1 && wd1 != x.Shape().Dimensions[0] {
		exceptions.Panicf("weight-norm dense: %d parameter samples for a batch of %d inputs",
			wd1, x.Shape().Dimensions[0])
	}

	directionVar := directionVariable(ctx, dtype, numInputs, numOutputs)
	biasVar := biasVariable(ctx, dtype, numOutputs)

	direction := L2Normalize(directionVar.ValueGraph(g), 0)
	h := Dot(x, direction)
	h = Mul(h, scales)
	h = Add(h, InsertAxes(biasVar.ValueGraph(g), 0))
	if activate {
		h = activations.Relu(h)
	}
	return h
}

// weightNormConv is a 2D convolution (channels-last, no padding) in the
// weight-norm parameterization: the kernel is normalized per filter and the
// flow supplies one rescale scalar per filter. Parameter samples are shared
// across the batch, so scales must be a single row.
func weightNormConv(ctx *context.Context, x, scales *Node, layer LayerShape, pool bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	if scales.Shape().Dimensions[0] != 1 {
		exceptions.Panicf("weight-norm conv: parameter samples must be shared across the batch, got %s", scales.Shape())
	}

	spatial := layer.Dims[0] * layer.Dims[1]
	kernelVar := ctx.WithInitializer(glorotUniform(ctx, spatial*layer.NumInputs(), spatial*layer.NumOutputs())).
		VariableWithShape("kernel", shapes.Make(dtype, layer.Dims...))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, layer.NumOutputs()))

	// Unit norm per filter: normalize over the spatial and input-channel axes.
	kernel := L2Normalize(kernelVar.ValueGraph(g), 0, 1, 2)
	h := Convolve(x, kernel).NoPadding().Done()
	h = Mul(h, Reshape(scales, 1, 1, 1, layer.NumOutputs()))
	h = Add(h, Reshape(biasVar.ValueGraph(g), 1, 1, 1, layer.NumOutputs()))
	h = activations.Relu(h)
	if pool {
		h = MaxPool(h).Window(2).Done()
	}
	return h
}

// mnfDense is a fully connected layer whose input is gated by the
// flow-generated multiplicative mask. The layer owns the posterior mean and
// log-sigma of its weight matrix; only the mean takes part in the forward
// pass, the log-sigma and the auxiliary parameters feed the ELBO.
func mnfDense(ctx *context.Context, x, mask *Node, numOutputs int, activate bool) (*Node, mnfLayer) {
	g := x.Graph()
	dtype := x.DType()
	numInputs := x.Shape().Dimensions[1]

	muVar := ctx.WithInitializer(glorotUniform(ctx, numInputs, numOutputs)).
		VariableWithShape("w_mu", shapes.Make(dtype, numInputs, numOutputs))
	logSigVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.05)).
		VariableWithShape("w_logsig", shapes.Make(dtype, numInputs, numOutputs))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, numOutputs))
	auxCtx := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.05))
	cVar := auxCtx.VariableWithShape("aux_c", shapes.Make(dtype, numInputs))
	bMuVar := auxCtx.VariableWithShape("aux_b_mu", shapes.Make(dtype, numInputs))
	bLogSigVar := auxCtx.VariableWithShape("aux_b_logsig", shapes.Make(dtype, numInputs))

	h := Dot(Mul(x, mask), muVar.ValueGraph(g))
	h = Add(h, InsertAxes(biasVar.ValueGraph(g), 0))
	if activate {
		h = activations.Relu(h)
	}
	lw := mnfLayer{
		mu:      muVar.ValueGraph(g),
		logSig:  logSigVar.ValueGraph(g),
		mask:    mask,
		c:       cVar.ValueGraph(g),
		bMu:     bMuVar.ValueGraph(g),
		bLogSig: bLogSigVar.ValueGraph(g),
	}
	return h, lw
}

// directionVariable creates or fetches a layer's direction matrix. It is
// shared with the data-dependent initialization graph, which must see the
// exact same variable.
func directionVariable(ctx *context.Context, dtype dtypes.DType, numInputs, numOutputs int) *context.Variable {
	return ctx.WithInitializer(glorotUniform(ctx, numInputs, numOutputs)).
		VariableWithShape("direction", shapes.Make(dtype, numInputs, numOutputs))
}

func biasVariable(ctx *context.Context, dtype dtypes.DType, numOutputs int) *context.Variable {
	return ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, numOutputs))
}

// glorotUniform is the usual fan-in/fan-out uniform initializer for weight
// matrices.
func glorotUniform(ctx *context.Context, fanIn, fanOut int) context.VariableInitializer {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return initializers.RandomUniformFn(ctx, -limit, limit)
}

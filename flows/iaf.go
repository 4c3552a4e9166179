package flows

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// IAF is an inverse-autoregressive flow stage: a stack of numLayers affine
// autoregressive transforms, each a full generalization of a coupling stage
// where every dimension is rescaled and shifted conditioned on the strictly
// preceding dimensions (in index order):
//
//	y_i = x_i*exp(s_i(x_<i)) + m_i(x_<i)
//
// The autoregressive structure makes the Jacobian triangular with
// exp(s_i) on the diagonal, so each sub-layer contributes exactly
// sum(s, axis=-1) to the log-determinant.
//
// The conditioners are masked dense networks (MADE-style): hidden units get
// degrees 1..numParams-1 and connections only flow from lower or equal to
// strictly higher degrees, which guarantees the autoregressive property by
// construction. Log-scales are bounded as in Coupling.
func IAF(ctx *context.Context, x *Node, hiddenWidth, numLayers int, scaleCap float64) (y, logDet *Node) {
	assertFlowInput("flows.IAF", x)
	y = x
	logDet = rowsLike(ScalarZero(x.Graph(), x.DType()), x)
	for ii := 0; ii < numLayers; ii++ {
		var ld *Node
		y, ld = iafLayer(ctx.In(fmt.Sprintf("ar_%d", ii)), y, hiddenWidth, scaleCap)
		logDet = Add(logDet, ld)
	}
	return
}

func iafLayer(ctx *context.Context, x *Node, hiddenWidth int, scaleCap float64) (y, logDet *Node) {
	numParams := x.Shape().Dimensions[1]

	hidden := activations.Relu(
		maskedDense(ctx.In("conditioner_hidden"), x, inputMask(numParams, hiddenWidth)))
	rawScale := maskedDense(ctx.In("conditioner_scale"), hidden, outputMask(numParams, hiddenWidth))
	shift := maskedDense(ctx.In("conditioner_shift"), hidden, outputMask(numParams, hiddenWidth))
	scale := MulScalar(Tanh(DivScalar(rawScale, scaleCap)), scaleCap)

	y = Add(Mul(x, Exp(scale)), shift)
	logDet = ReduceSum(scale, -1)
	return
}

// maskedDense is denseOnLast with a fixed binary connectivity mask applied
// to the weights.
func maskedDense(ctx *context.Context, x *Node, mask [][]float32) *Node {
	g := x.Graph()
	dtype := x.DType()
	inDim := len(mask)
	outDim := len(mask[0])
	if got := x.Shape().Dimensions[x.Rank()-1]; got != inDim {
		exceptions.Panicf("flows: masked dense built for width %d, input has width %d", inDim, got)
	}
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, inDim, outDim))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outDim))
	maskNode := ConvertDType(Const(g, mask), dtype)
	weights := Mul(weightsVar.ValueGraph(g), maskNode)
	return Add(Dot(x, weights), InsertAxes(biasVar.ValueGraph(g), 0))
}

// hiddenDegree assigns degrees 1..numParams-1 to hidden units, round-robin.
func hiddenDegree(unit, numParams int) int {
	if numParams <= 1 {
		return 1
	}
	return unit%(numParams-1) + 1
}

// inputMask connects input i (degree i+1) to hidden units of degree >= i+1.
func inputMask(numParams, hiddenWidth int) [][]float32 {
	mask := make([][]float32, numParams)
	for ii := range mask {
		mask[ii] = make([]float32, hiddenWidth)
		for jj := range mask[ii] {
			if hiddenDegree(jj, numParams) >= ii+1 {
				mask[ii][jj] = 1
			}
		}
	}
	return mask
}

// outputMask connects hidden units to output k (degree k+1) only when their
// degree is strictly smaller, so y_k depends on x_<k alone. Dimension 0 ends
// up with no incoming connections and stays an identity, as required.
func outputMask(numParams, hiddenWidth int) [][]float32 {
	mask := make([][]float32, hiddenWidth)
	for jj := range mask {
		mask[jj] = make([]float32, numParams)
		for kk := range mask[jj] {
			if kk+1 > hiddenDegree(jj, numParams) {
				mask[jj][kk] = 1
			}
		}
	}
	return mask
}

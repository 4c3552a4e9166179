package flows

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

// Coupling is a RealNVP dense coupling stage. The dimensions are split at
// the midpoint: the first half passes through unchanged and conditions a
// small dense network that produces a log-scale and a shift for the second
// half:
//
//	y1 = x1
//	y2 = x2*exp(scale) + shift,  (scale, shift) = conditioner(x1)
//
// The Jacobian is triangular, so its log-determinant is exactly
// sum(scale, axis=-1), one value per row.
//
// The raw log-scale is bounded with scaleCap*tanh(raw/scaleCap): an
// unbounded scale overflows exp() early in training, so the bound is a
// required part of the stage, not a tuning knob.
func Coupling(ctx *context.Context, x *Node, hiddenWidth int, scaleCap float64) (y, logDet *Node) {
	assertFlowInput("flows.Coupling", x)
	numParams := x.Shape().Dimensions[1]

	first := numParams / 2
	x1 := Slice(x, AxisRange(), AxisRange(0, first))
	x2 := Slice(x, AxisRange(), AxisRange(first, numParams))

	hidden := activations.Relu(denseOnLast(ctx.In("conditioner_hidden"), x1, hiddenWidth))
	rawScale := denseOnLast(ctx.In("conditioner_scale"), hidden, numParams-first)
	shift := denseOnLast(ctx.In("conditioner_shift"), hidden, numParams-first)
	scale := MulScalar(Tanh(DivScalar(rawScale, scaleCap)), scaleCap)

	y2 := Add(Mul(x2, Exp(scale)), shift)
	y = Concatenate([]*Node{x1, y2}, -1)
	logDet = ReduceSum(scale, -1)
	return
}

// denseOnLast is a single linear transformation of the last axis, with bias.
// The weights use the context's default initializer, the bias starts at zero.
func denseOnLast(ctx *context.Context, x *Node, outDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	inDim := x.Shape().Dimensions[x.Rank()-1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, inDim, outDim))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outDim))
	return Add(Dot(x, weightsVar.ValueGraph(g)), InsertAxes(biasVar.ValueGraph(g), 0))
}

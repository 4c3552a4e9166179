package flows

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Linear is the per-dimension affine rescale stage:
//
//	y = x*exp(logScale) + shift
//
// with learnable logScale and shift vectors, one entry per dimension.
// logScale initializes at zero and shift at one: transformed samples start
// centered at 1, the natural resting point for the multiplicative rescales
// and masks the pipeline generates, and the data-dependent initialization
// can fold per-unit gains into the shift by multiplication. The Jacobian is
// diagonal and the log-determinant is simply sum(logScale), identical for
// every row.
//
// It is used as the first stage of every pipeline so the base distribution's
// mean and scale are learnable even when there are no coupling stages.
func Linear(ctx *context.Context, x *Node) (y, logDet *Node) {
	assertFlowInput("flows.Linear", x)
	g := x.Graph()
	dtype := x.DType()
	numParams := x.Shape().Dimensions[1]

	logScaleVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("log_scale", shapes.Make(dtype, numParams))
	shiftVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("shift", shapes.Make(dtype, numParams))
	logScale := logScaleVar.ValueGraph(g)
	shift := shiftVar.ValueGraph(g)

	y = Add(Mul(x, Exp(InsertAxes(logScale, 0))), InsertAxes(shift, 0))
	logDet = rowsLike(ReduceAllSum(logScale), x)
	return
}

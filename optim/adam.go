package optim

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// AdamScope is the scope under which adam keeps its moment variables and
// step counter.
const AdamScope = "AdamOptimizer"

// Adam optimizer with bias-corrected first and second moment estimates, per
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980). Updates are applied
// to the clipped gradients.
type Adam struct {
	Beta1, Beta2, Epsilon float64
}

// NewAdam returns an Adam optimizer with the usual defaults
// (0.9, 0.999, 1e-8).
func NewAdam() *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

func (o *Adam) UpdateGraph(ctx *context.Context, g *Graph, loss, learningRate *Node) {
	dtype := loss.DType()
	grads := clippedGradients(ctx, g, loss)

	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(AdamScope), g, dtype)
	beta1 := ConstAsDType(g, dtype, o.Beta1)
	beta2 := ConstAsDType(g, dtype, o.Beta2)
	debiasTermBeta1 := Inverse(OneMinus(Pow(beta1, adamStep)))
	debiasTermBeta2 := Inverse(OneMinus(Pow(beta2, adamStep)))
	epsilon := ConstAsDType(g, dtype, o.Epsilon)

	enumerateTrainables(ctx, g, grads, func(v *context.Variable, grad *Node) {
		m1Var, m2Var := o.momentVariables(ctx, v)
		moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		m1Var.SetValueGraph(moment1)
		moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)

		debiasedMoment1 := Mul(moment1, debiasTermBeta1)
		debiasedMoment2 := Mul(moment2, debiasTermBeta2)
		step := Div(debiasedMoment1, Add(Sqrt(debiasedMoment2), epsilon))
		v.SetValueGraph(Sub(v.ValueGraph(g), Mul(learningRate, step)))
	})
}

// momentVariables returns (creating if needed) the two moment variables of
// a trainable variable, stored under AdamScope mirroring its scope path.
func (o *Adam) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, AdamScope, trainable.Scope())
	momentsCtx := ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero)
	shape := trainable.Shape()
	m1 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_1st_moment", trainable.Name()), shape).SetTrainable(false)
	m2 = momentsCtx.VariableWithShape(fmt.Sprintf("%s_2nd_moment", trainable.Name()), shape).SetTrainable(false)
	return
}

func (o *Adam) Clear(ctx *context.Context) {
	deleteVariablesUnder(ctx, context.ScopeSeparator+AdamScope)
}

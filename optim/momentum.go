package optim

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
)

const (
	// DefaultMomentum is the velocity decay used by the "momentum"
	// optimizer name.
	DefaultMomentum = 0.9

	// MomentumScope is the scope under which the velocity variables are
	// kept.
	MomentumScope = "MomentumOptimizer"
)

// Momentum is stochastic gradient descent with Nesterov momentum over the
// clipped gradients:
//
//	v = mu*v - lr*grad
//	theta = theta - lr*grad + mu*v
type Momentum struct {
	Mu float64
}

// NewMomentum returns a Nesterov momentum optimizer with the given velocity
// decay.
func NewMomentum(mu float64) *Momentum {
	return &Momentum{Mu: mu}
}

func (o *Momentum) UpdateGraph(ctx *context.Context, g *Graph, loss, learningRate *Node) {
	dtype := loss.DType()
	mu := ConstAsDType(g, dtype, o.Mu)
	grads := clippedGradients(ctx, g, loss)
	enumerateTrainables(ctx, g, grads, func(v *context.Variable, grad *Node) {
		velocityVar := o.velocityVariable(ctx, v)
		step := Mul(learningRate, grad)
		velocity := Sub(Mul(mu, velocityVar.ValueGraph(g)), step)
		velocityVar.SetValueGraph(velocity)
		v.SetValueGraph(Add(Sub(v.ValueGraph(g), step), Mul(mu, velocity)))
	})
}

func (o *Momentum) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, MomentumScope, trainable.Scope())
	return ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero).
		VariableWithShape(fmt.Sprintf("%s_velocity", trainable.Name()), trainable.Shape()).
		SetTrainable(false)
}

func (o *Momentum) Clear(ctx *context.Context) {
	deleteVariablesUnder(ctx, context.ScopeSeparator+MomentumScope)
}

// Package optim implements the optimizers used to train Bayesian
// hypernetworks: sgd, nesterov momentum and adam, selectable by name.
//
// They differ from the stock gomlx optimizers in two ways required by the
// training scheme: the learning rate is a graph input, set per training
// step, and gradients are clipped before the update rule, first rescaled to
// a maximum global L2 norm and then clipped elementwise.
package optim

import (
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

const (
	// MaxGradientNorm rescales the full gradient if its global L2 norm
	// exceeds it.
	MaxGradientNorm = 10.0

	// GradientClipValue bounds each gradient entry after the global
	// rescaling.
	GradientClipValue = 5.0
)

// Interface is implemented by each optimizer. UpdateGraph is called during
// graph building and must apply one update step to every trainable variable
// in use by the graph, via Variable.SetValueGraph. learningRate is a scalar
// node, an input of the training-step graph.
type Interface interface {
	UpdateGraph(ctx *context.Context, g *Graph, loss, learningRate *Node)

	// Clear deletes the optimizer's own variables (moments, velocities).
	Clear(ctx *context.Context)
}

// KnownOptimizers maps the accepted names to their constructors.
var KnownOptimizers = map[string]func() Interface{
	"sgd":      func() Interface { return &sgd{} },
	"momentum": func() Interface { return NewMomentum(DefaultMomentum) },
	"adam":     func() Interface { return NewAdam() },
}

// ByName returns the optimizer registered under name, or a descriptive
// error listing the known names.
func ByName(name string) (Interface, error) {
	builder, found := KnownOptimizers[name]
	if !found {
		known := maps.Keys(KnownOptimizers)
		sort.Strings(known)
		return nil, errors.Errorf("unknown optimizer %q, known optimizers are %v", name, known)
	}
	return builder(), nil
}

// clippedGradients builds the gradients of loss with respect to every
// trainable variable and applies the two-stage clipping: rescale everything
// by min(1, MaxGradientNorm/globalNorm), then clip each entry to
// [-GradientClipValue, GradientClipValue].
func clippedGradients(ctx *context.Context, g *Graph, loss *Node) []*Node {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no trainable variables found to optimize")
	}

	normSquare := L2NormSquare(grads[0])
	for _, grad := range grads[1:] {
		normSquare = Add(normSquare, L2NormSquare(grad))
	}
	norm := Sqrt(normSquare)
	maxNorm := ConstAsDType(g, loss.DType(), MaxGradientNorm)
	scale := Div(maxNorm, Max(norm, maxNorm)) // min(1, maxNorm/norm)

	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = ClipScalar(Mul(grad, scale), -GradientClipValue, GradientClipValue)
	}
	return clipped
}

// enumerateTrainables pairs each clipped gradient with its variable, in the
// same order BuildTrainableVariablesGradientsGraph produced them, and calls
// apply for each pair.
func enumerateTrainables(ctx *context.Context, g *Graph, grads []*Node,
	apply func(v *context.Variable, grad *Node)) {
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx < len(grads) {
			apply(v, grads[varIdx])
		}
		varIdx++
	})
	if varIdx != len(grads) {
		exceptions.Panicf("got gradients for %d variables but saw %d trainable variables -- "+
			"were new trainable variables created in between?", len(grads), varIdx)
	}
}

// sgd is plain stochastic gradient descent over the clipped gradients.
type sgd struct{}

func (o *sgd) UpdateGraph(ctx *context.Context, g *Graph, loss, learningRate *Node) {
	grads := clippedGradients(ctx, g, loss)
	enumerateTrainables(ctx, g, grads, func(v *context.Variable, grad *Node) {
		v.SetValueGraph(Sub(v.ValueGraph(g), Mul(learningRate, grad)))
	})
}

func (o *sgd) Clear(_ *context.Context) {}

// deleteVariablesUnder removes every variable whose scope starts with the
// given absolute scope path.
func deleteVariablesUnder(ctx *context.Context, scopePath string) {
	var doomed []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), scopePath) {
			doomed = append(doomed, v)
		}
	})
	for _, v := range doomed {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
}

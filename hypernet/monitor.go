package hypernet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// MonitorResult holds the diagnostics of one batch: the value of each ELBO
// term and the L2 norm of its gradient over all trainable variables. A term
// that some variables do not influence simply contributes zeros for them.
type MonitorResult struct {
	LogPyx, LogPw, LogQw                         float64
	LogPyxGradNorm, LogPwGradNorm, LogQwGradNorm float64
}

// monitorGraph computes the six monitored quantities. The gradient of the
// prior and posterior terms is taken on their contribution to the loss, that
// is divided by the dataset size, matching how they enter a training step
// with klWeight=1.
func (m *Model) monitorGraph(ctx *context.Context, terms elboTerms, datasetSize *Node) []*Node {
	g := datasetSize.Graph()
	logPw := ReduceAllMean(terms.logPw)
	logQw := ReduceAllMean(terms.logQw)
	return []*Node{
		terms.logPyx,
		logPw,
		logQw,
		trainableGradNorm(ctx, g, Neg(terms.logPyx)),
		trainableGradNorm(ctx, g, Div(Neg(logPw), datasetSize)),
		trainableGradNorm(ctx, g, Div(logQw, datasetSize)),
	}
}

// trainableGradNorm is the L2 norm of the gradient of term with respect to
// every trainable variable in use by the graph, flattened together.
func trainableGradNorm(ctx *context.Context, g *Graph, term *Node) *Node {
	var params []*Node
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			params = append(params, v.ValueGraph(g))
		}
	})
	grads := Gradient(term, params...)
	flat := make([]*Node, len(grads))
	for ii, grad := range grads {
		flat[ii] = Reshape(grad, -1)
	}
	return L2Norm(Concatenate(flat, 0))
}

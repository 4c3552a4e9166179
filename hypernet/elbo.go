package hypernet

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
)

// elboTerms are the graph nodes of the training objective. The loss is the
// negative evidence lower bound, an upper bound on the NLL of the data:
//
//	loss = -( logpyx - klWeight*kl/datasetSize )
//
// logPw and logQw are per-parameter-sample rows, shaped (wd1,); the rest are
// scalars.
type elboTerms struct {
	loss   *Node
	logPyx *Node
	logPw  *Node
	logQw  *Node
	kl     *Node
}

// elboGraph builds the objective for the weight-norm variants. logDet is
// the flow pipeline's log-determinant per sampled row; the base
// distribution's entropy term is a constant and cancels against the matching
// constant of the Gaussian prior, so logq reduces to -logdet.
func (m *Model) elboGraph(weights, logDet, preds, targets, klWeight, datasetSize *Node) elboTerms {
	logQw := Neg(logDet)
	logPw := ReduceSum(logNormal(weights, -math.Log(m.cfg.PriorScale)), -1)
	kl := ReduceAllMean(Sub(logQw, logPw))
	logPyx := dataLogLikelihood(m.cfg.OutputType, preds, targets)
	loss := Neg(Sub(logPyx, Mul(klWeight, Div(kl, datasetSize))))
	return elboTerms{loss: loss, logPyx: logPyx, logPw: logPw, logQw: logQw, kl: kl}
}

// dataLogLikelihood is the mean data term over the batch: mean categorical
// log-likelihood against one-hot targets, or negative mean squared error for
// real outputs (Gaussian likelihood, unit variance, constants dropped).
func dataLogLikelihood(outputType OutputType, preds, targets *Node) *Node {
	if outputType == OutputCategorical {
		return ReduceAllMean(ReduceSum(Mul(targets, Log(preds)), -1))
	}
	return Neg(ReduceAllMean(Square(Sub(preds, targets))))
}

// logNormal is the elementwise log-density of N(0, exp(logVar)).
func logNormal(x *Node, logVar float64) *Node {
	c := -0.5*math.Log(2.0*math.Pi) - 0.5*logVar
	return AddScalar(MulScalar(Square(x), -0.5/math.Exp(logVar)), c)
}

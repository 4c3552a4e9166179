package hypernet

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/hypernets/flows"
)

// reverseFlowGraph maps the sampled masks back through an independently
// parameterized coupling pipeline. It is the auxiliary inverse model r(z|W)
// of the multiplicative-flow bound; unlike the posterior pipeline it has no
// leading rescale stage. Returns the transformed masks and the pipeline's
// log-determinant per row.
func (m *Model) reverseFlowGraph(ctx *context.Context, z *Node) (zBack, logDet *Node) {
	zBack = z
	logDet = nil
	for ii := 0; ii < m.cfg.CouplingDepth; ii++ {
		if ii > 0 {
			zBack = flows.Permute(zBack, m.cfg.Seed+int64(1000+ii))
		}
		var stageDet *Node
		zBack, stageDet = flows.Coupling(ctx.In(fmt.Sprintf("coupling_%d", ii)),
			zBack, m.cfg.FlowHiddenWidth, m.cfg.ScaleCap)
		if logDet == nil {
			logDet = stageDet
		} else {
			logDet = Add(logDet, stageDet)
		}
	}
	if logDet == nil {
		g := z.Graph()
		logDet = Zeros(g, shapes.Make(z.DType(), z.Shape().Dimensions[0]))
	}
	return
}

// elboMNFGraph builds the multiplicative-flow objective. On top of the flow
// log-determinant it adds the per-layer KL between the masked Gaussian
// posterior over the weight matrix and the prior, and subtracts the
// log-density of the sampled masks under the auxiliary inverse model, whose
// mean and log-sigma vectors are rescaled by a layer-wide gate
// tanh(cᵀμ + cᵀσ·ε) sampled with the reparameterization trick.
func (m *Model) elboMNFGraph(ctx *context.Context, layers []mnfLayer, logDet *Node,
	preds, targets, klWeight, datasetSize *Node) elboTerms {
	g := logDet.Graph()
	dtype := logDet.DType()

	flat := make([]*Node, len(layers))
	for ii, lw := range layers {
		flat[ii] = lw.mask
	}
	zForward := Concatenate(flat, -1)
	zBack, logDetBack := m.reverseFlowGraph(ctx.In("reverse"), zForward)

	offset := 0
	klQWZP := ScalarZero(g, dtype)
	logR := ScalarZero(g, dtype)
	for _, lw := range layers {
		numInputs := lw.mu.Shape().Dimensions[0]
		sig2 := Exp(MulScalar(lw.logSig, 2))

		// KL(q(W|z) || p(W)), up to a constant, with the mask folded into
		// the mean term.
		klQWZP = Add(klQWZP, Sub(ReduceAllSum(sig2), ReduceAllSum(Log(sig2))))
		mu2 := ReduceSum(Square(lw.mu), -1) // (in,)
		klQWZP = Add(klQWZP, ReduceAllSum(Mul(InsertAxes(mu2, 0), Square(lw.mask))))

		// Gate over the layer's output units.
		cTWMu := Dot(InsertAxes(lw.c, 0), lw.mu)       // (1, out)
		cTWSig := Sqrt(Dot(InsertAxes(lw.c, 0), sig2)) // (1, out)
		eps := ctx.RandomNormal(g, cTWSig.Shape())
		gate := ReduceAllSum(Tanh(Add(cTWMu, Mul(cTWSig, eps))))

		muTilde := Mul(lw.bMu, gate)
		logSigTilde := Mul(lw.bLogSig, gate)
		zLayer := Slice(zBack, AxisRange(), AxisRange(offset, offset+numInputs))
		delta := Sub(zLayer, InsertAxes(muTilde, 0))
		layerLogR := Add(
			MulScalar(Mul(Exp(logSigTilde), Square(delta)), -0.5),
			AddScalar(MulScalar(logSigTilde, 0.5), -0.5*math.Log(2.0*math.Pi)))
		logR = Add(logR, ReduceAllSum(layerLogR))
		offset += numInputs
	}
	klQWZP = MulScalar(klQWZP, 0.5)

	// Per row: -logdet of the posterior pipeline, minus the inverse model
	// terms, with the layer scalars broadcast; summed over rows.
	perRow := Sub(Add(Neg(logDet), Sub(klQWZP, logR)), logDetBack)
	kl := ReduceAllSum(perRow)

	logPyx := dataLogLikelihood(m.cfg.OutputType, preds, targets)
	loss := Neg(Sub(logPyx, Mul(klWeight, Div(kl, datasetSize))))
	return elboTerms{loss: loss, logPyx: logPyx, logPw: nil, logQw: Neg(logDet), kl: kl}
}

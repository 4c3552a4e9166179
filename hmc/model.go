// Package hmc provides a Hamiltonian Monte Carlo baseline for the same
// regression networks the hypernetwork approximates. The model is a small
// MLP with a standard Gaussian prior over a flat parameter vector and a
// Gaussian likelihood whose precision is itself a sampled parameter
// (log_prec). The joint log posterior and its gradient are computed as a
// gomlx graph over the flat vector; the sampler itself runs on the host.
package hmc

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const log2Pi = 1.8378770664093453

// WeightShape names one block of the flattened parameter vector. Empty
// Dims means a scalar.
type WeightShape struct {
	Name string
	Dims []int
}

// Size returns the number of elements of the block.
func (ws WeightShape) Size() int {
	n := 1
	for _, d := range ws.Dims {
		n *= d
	}
	return n
}

// MLPShapes returns the ordered parameter blocks of a regression MLP with
// numHidden ReLU hidden layers of numUnits each, a linear output layer and
// a scalar log precision of the observation noise. The order defines the
// layout of the flat vector every other function in this package takes.
func MLPShapes(numInputs, numUnits, numHidden, numOutputs int) []WeightShape {
	var blocks []WeightShape
	fanIn := numInputs
	for ii := 0; ii < numHidden; ii++ {
		blocks = append(blocks,
			WeightShape{Name: weightName(ii), Dims: []int{fanIn, numUnits}},
			WeightShape{Name: biasName(ii), Dims: []int{numUnits}})
		fanIn = numUnits
	}
	blocks = append(blocks,
		WeightShape{Name: weightName(numHidden), Dims: []int{fanIn, numOutputs}},
		WeightShape{Name: biasName(numHidden), Dims: []int{numOutputs}},
		WeightShape{Name: "log_prec"})
	return blocks
}

func weightName(layer int) string { return fmt.Sprintf("W_%d", layer) }
func biasName(layer int) string   { return fmt.Sprintf("b_%d", layer) }

// NumParams returns the total size of the flat vector covering all blocks.
func NumParams(blocks []WeightShape) int {
	total := 0
	for _, ws := range blocks {
		total += ws.Size()
	}
	return total
}

// Unpack splits a flat vector into its named blocks (still flat per block,
// row-major). It errors if the vector length does not exactly cover the
// blocks.
func Unpack(theta []float64, blocks []WeightShape) (map[string][]float64, error) {
	out := make(map[string][]float64, len(blocks))
	offset := 0
	for _, ws := range blocks {
		size := ws.Size()
		if offset+size > len(theta) {
			return nil, errors.Errorf("flat vector of length %d too short for block %q at offset %d", len(theta), ws.Name, offset)
		}
		out[ws.Name] = theta[offset : offset+size]
		offset += size
	}
	if offset != len(theta) {
		return nil, errors.Errorf("flat vector of length %d not fully covered by blocks (%d used)", len(theta), offset)
	}
	return out, nil
}

// unpackGraph is the graph-side counterpart of Unpack: it slices theta
// (shape [numParams]) into named nodes reshaped to their block dimensions.
func unpackGraph(theta *Node, blocks []WeightShape) map[string]*Node {
	if theta.Rank() != 1 {
		exceptions.Panicf("hmc: flat parameter vector must be rank 1, got %s", theta.Shape())
	}
	if theta.Shape().Dimensions[0] != NumParams(blocks) {
		exceptions.Panicf("hmc: flat parameter vector has %d elements, blocks need %d",
			theta.Shape().Dimensions[0], NumParams(blocks))
	}
	out := make(map[string]*Node, len(blocks))
	offset := 0
	for _, ws := range blocks {
		size := ws.Size()
		block := Slice(theta, AxisRange(offset, offset+size))
		if len(ws.Dims) > 0 {
			block = Reshape(block, ws.Dims...)
		} else {
			block = Reshape(block)
		}
		out[ws.Name] = block
		offset += size
	}
	return out
}

// MLPModel holds a compiled log-posterior (and gradient) evaluator for the
// regression MLP on a fixed training set. Methods are not safe for
// concurrent use.
type MLPModel struct {
	blocks    []WeightShape
	numHidden int

	xTrain, yTrain *tensors.Tensor
	numTrain       int

	logpGradExec *Exec
}

// NewMLPModel compiles the joint log posterior of an MLP with the given
// architecture over the training set. Inputs are row-per-example, targets
// may have more than one column.
func NewMLPModel(backend backends.Backend, xTrain, yTrain [][]float64, numUnits, numHidden int) (m *MLPModel, err error) {
	if len(xTrain) == 0 || len(xTrain) != len(yTrain) {
		return nil, errors.Errorf("training set must be non-empty with matching inputs (%d) and targets (%d)", len(xTrain), len(yTrain))
	}
	if numUnits <= 0 || numHidden < 0 {
		return nil, errors.Errorf("invalid architecture: numUnits=%d, numHidden=%d", numUnits, numHidden)
	}
	m = &MLPModel{
		blocks:    MLPShapes(len(xTrain[0]), numUnits, numHidden, len(yTrain[0])),
		numHidden: numHidden,
		numTrain:  len(xTrain),
	}
	err = exceptions.TryCatch[error](func() {
		m.xTrain = tensors.FromValue(xTrain)
		m.yTrain = tensors.FromValue(yTrain)
		m.logpGradExec = NewExec(backend, func(theta, x, y *Node) []*Node {
			logp := m.logPosteriorGraph(theta, x, y)
			grad := Gradient(logp, theta)[0]
			return []*Node{logp, grad}
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building HMC log-posterior graph")
	}
	return m, nil
}

// Blocks returns the ordered parameter blocks of the model.
func (m *MLPModel) Blocks() []WeightShape { return m.blocks }

// NumParams returns the length of the flat parameter vector.
func (m *MLPModel) NumParams() int { return NumParams(m.blocks) }

// predictionGraph runs the MLP forward: ReLU hidden layers, linear output.
// It returns the predicted means and the scalar observation precision.
func (m *MLPModel) predictionGraph(params map[string]*Node, x *Node) (preds, prec *Node) {
	h := x
	for ii := 0; ii <= m.numHidden; ii++ {
		h = Add(Dot(h, params[weightName(ii)]), InsertAxes(params[biasName(ii)], 0))
		if ii < m.numHidden {
			h = activations.Relu(h)
		}
	}
	return h, Exp(params["log_prec"])
}

// logLikelihoodGraph is the Gaussian log likelihood of targets y given
// inputs x under the flat parameter vector theta. Per row it is
// -0.5*log(2*pi) + 0.5*log(prec) - 0.5*prec*sum(err^2 over outputs).
func (m *MLPModel) logLikelihoodGraph(theta, x, y *Node) *Node {
	params := unpackGraph(theta, m.blocks)
	preds, prec := m.predictionGraph(params, x)
	sqErr := ReduceSum(Square(Sub(y, preds)), -1)
	rows := Sub(
		AddScalar(MulScalar(Log(prec), 0.5), -0.5*log2Pi),
		MulScalar(Mul(prec, sqErr), 0.5))
	return ReduceAllSum(rows)
}

// logPosteriorGraph adds the standard Gaussian log prior over the flat
// vector, dropping its normalizing constant like the likelihood keeps its
// own.
func (m *MLPModel) logPosteriorGraph(theta, x, y *Node) *Node {
	prior := MulScalar(ReduceAllSum(Square(theta)), -0.5)
	return Add(prior, m.logLikelihoodGraph(theta, x, y))
}

// LogPosterior evaluates the joint log posterior and its gradient on the
// training set at the flat vector theta.
func (m *MLPModel) LogPosterior(theta []float64) (logp float64, grad []float64, err error) {
	if len(theta) != m.NumParams() {
		return 0, nil, errors.Errorf("theta has %d elements, model has %d parameters", len(theta), m.NumParams())
	}
	err = exceptions.TryCatch[error](func() {
		results := m.logpGradExec.Call(theta, m.xTrain, m.yTrain)
		logp = tensors.ToScalar[float64](results[0])
		grad = results[1].Value().([]float64)
	})
	if err != nil {
		return 0, nil, errors.WithMessage(err, "evaluating HMC log posterior")
	}
	return logp, grad, nil
}

// LogLikelihood evaluates the Gaussian log likelihood of a dataset at
// theta on the host, independently of the graph: Run uses it both to
// monitor held-out data and to cross-check the sampler's energies against
// LogPosterior.
func (m *MLPModel) LogLikelihood(x, y [][]float64, theta []float64) (float64, error) {
	mu, prec, err := m.PredictHost(x, theta)
	if err != nil {
		return 0, err
	}
	noise := distuv.Normal{Sigma: math.Sqrt(1.0 / prec)}
	loglik := 0.0
	for ii, row := range y {
		for jj, target := range row {
			noise.Mu = mu.At(ii, jj)
			loglik += noise.LogProb(target)
		}
	}
	return loglik, nil
}

// LogPrior is the host-side standard Gaussian log prior (constant dropped).
// It is computed independently of the graph so Run can cross-check the
// sampler's energies.
func LogPrior(theta []float64) float64 {
	total := 0.0
	for _, v := range theta {
		total += v * v
	}
	return -0.5 * total
}

// PredictHost runs the MLP forward on the host for a single flat vector,
// returning the predicted means (one row per input) and the observation
// precision. The predictive ensemble in Predict calls this once per
// posterior draw, which would be wasteful as one graph execution each.
func (m *MLPModel) PredictHost(x [][]float64, theta []float64) (mu *mat.Dense, prec float64, err error) {
	params, err := Unpack(theta, m.blocks)
	if err != nil {
		return nil, 0, err
	}
	h := mat.NewDense(len(x), len(x[0]), nil)
	for ii, row := range x {
		h.SetRow(ii, row)
	}
	for layer := 0; layer <= m.numHidden; layer++ {
		wBlock := blockByName(m.blocks, weightName(layer))
		w := mat.NewDense(wBlock.Dims[0], wBlock.Dims[1], params[wBlock.Name])
		bias := params[biasName(layer)]
		var next mat.Dense
		next.Mul(h, w)
		next.Apply(func(_, jj int, v float64) float64 {
			v += bias[jj]
			if layer < m.numHidden && v < 0 {
				return 0
			}
			return v
		}, &next)
		h = &next
	}
	return h, math.Exp(params["log_prec"][0]), nil
}

func blockByName(blocks []WeightShape, name string) WeightShape {
	for _, ws := range blocks {
		if ws.Name == name {
			return ws
		}
	}
	exceptions.Panicf("hmc: unknown parameter block %q", name)
	return WeightShape{}
}

// Package hypernet implements Bayesian hypernetworks: a normalizing flow
// (package flows) transforms Gaussian noise into a posterior sample of the
// generated parameters of a primary network, and the whole thing is trained
// end to end by stochastic gradient descent on the negative evidence lower
// bound. Training hyperparameters that change over training, the learning
// rate and the KL annealing coefficient, are inputs of the training step,
// not baked into the graph.
package hypernet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hypernets/flows"
	"github.com/gomlx/hypernets/optim"
	"github.com/pkg/errors"
)

// Model is a Bayesian hypernetwork plus its primary network, with compiled
// executors for training, monitoring and prediction. Create it with New.
// Methods are not safe for concurrent use.
type Model struct {
	backend   backends.Backend
	ctx       *context.Context
	cfg       Config
	spec      ShapeSpec
	optimizer optim.Interface

	trainStepExec    *context.Exec
	monitorExec      *context.Exec
	predictExec      *context.Exec
	sampleExec       *context.Exec
	predictFixedExec *context.Exec
	initBatchExec    *context.Exec

	checkpoint *checkpoints.Handler

	initialValues map[*context.Variable]*tensors.Tensor
}

// New validates the configuration and builds the model's executors on the
// given backend. Variables are created lazily on the first call that uses
// them and live in ctx, so attaching a checkpoint to ctx beforehand (or via
// AttachCheckpoint) makes them load from disk instead.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid hypernet configuration")
	}
	spec, err := cfg.ShapeSpec()
	if err != nil {
		return nil, errors.WithMessage(err, "invalid hypernet configuration")
	}
	optimizer, err := optim.ByName(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	// Several executors build graphs over the same variables; disable the
	// create-vs-reuse check instead of fixing a build order.
	seedCtx := ctx.In("init-seed")
	seedCtx.SetParam(initializers.ParamInitialSeed, cfg.Seed)
	ctx = ctx.Checked(false).
		WithInitializer(initializers.RandomNormalFn(seedCtx, 0.05))
	ctx.RngStateFromSeed(cfg.Seed)

	m := &Model{
		backend:   backend,
		ctx:       ctx,
		cfg:       cfg,
		spec:      spec,
		optimizer: optimizer,
	}
	err = exceptions.TryCatch[error](func() {
		m.trainStepExec = context.NewExec(backend, ctx,
			func(ctx *context.Context, x, y, datasetSize, learningRate, klWeight *Node) *Node {
				terms := m.objectiveGraph(ctx, x, y, klWeight, datasetSize)
				m.optimizer.UpdateGraph(ctx, x.Graph(), terms.loss, learningRate)
				return terms.loss
			})
		m.monitorExec = context.NewExec(backend, ctx,
			func(ctx *context.Context, x, y, datasetSize *Node) []*Node {
				klWeight := ScalarOne(x.Graph(), m.cfg.DType)
				terms := m.objectiveGraph(ctx, x, y, klWeight, datasetSize)
				return m.monitorGraph(ctx, terms, datasetSize)
			})
		m.predictExec = context.NewExec(backend, ctx,
			func(ctx *context.Context, x *Node) *Node {
				preds, _, _, _ := m.forwardGraph(ctx, x)
				return preds
			})
		m.sampleExec = context.NewExec(backend, ctx,
			func(ctx *context.Context, g *Graph) *Node {
				noise := ctx.RandomNormal(g, shapes.Make(m.cfg.DType, 1, m.spec.NumParams()))
				weights, _ := m.flowGraph(ctx, noise)
				return weights
			})
		m.predictFixedExec = context.NewExec(backend, ctx,
			func(ctx *context.Context, x, weights *Node) *Node {
				preds, _ := m.primaryGraph(ctx.In("primary"), x, weights)
				return preds
			})
		m.initBatchExec = context.NewExec(backend, ctx, m.initBatchGraph)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build hypernet executors")
	}
	return m, nil
}

// Config returns a copy of the model's configuration, with defaults filled
// in.
func (m *Model) Config() Config { return m.cfg }

// NumParams is the number of primary-network parameters the flow generates.
func (m *Model) NumParams() int { return m.spec.NumParams() }

// Context exposes the variable container, mostly for inspection and tests.
func (m *Model) Context() *context.Context { return m.ctx }

// flowGraph transforms base noise into a parameter sample and the flow's
// log-determinant per row.
func (m *Model) flowGraph(ctx *context.Context, noise *Node) (weights, logDet *Node) {
	return flows.New(ctx.In("hyper"), noise).
		Kind(m.cfg.FlowKind).
		CouplingDepth(m.cfg.CouplingDepth).
		HiddenWidth(m.cfg.FlowHiddenWidth).
		ScaleCap(m.cfg.ScaleCap).
		PermutationSeed(m.cfg.Seed).
		Done()
}

// forwardGraph samples parameters, one row per datapoint or a single shared
// row, and runs the primary network.
func (m *Model) forwardGraph(ctx *context.Context, x *Node) (preds, weights, logDet *Node, layers []mnfLayer) {
	g := x.Graph()
	wd1 := 1
	if m.cfg.PerDatapoint {
		wd1 = x.Shape().Dimensions[0]
	}
	noise := ctx.RandomNormal(g, shapes.Make(m.cfg.DType, wd1, m.spec.NumParams()))
	weights, logDet = m.flowGraph(ctx, noise)
	preds, layers = m.primaryGraph(ctx.In("primary"), x, weights)
	return
}

func (m *Model) objectiveGraph(ctx *context.Context, x, y, klWeight, datasetSize *Node) elboTerms {
	preds, weights, logDet, layers := m.forwardGraph(ctx, x)
	if m.cfg.Variant == VariantMNF {
		return m.elboMNFGraph(ctx.In("hyper"), layers, logDet, preds, y, klWeight, datasetSize)
	}
	return m.elboGraph(weights, logDet, preds, y, klWeight, datasetSize)
}

// TrainStep runs one optimization step on a batch and returns the loss
// (the negative ELBO). datasetSize scales the KL term down to its
// per-minibatch share; klWeight anneals the KL term, 1 means the full ELBO.
func (m *Model) TrainStep(x, y any, datasetSize int, learningRate, klWeight float64) (loss float64, err error) {
	err = exceptions.TryCatch[error](func() {
		results := m.trainStepExec.Call(x, y,
			shapes.CastAsDType(float64(datasetSize), m.cfg.DType),
			shapes.CastAsDType(learningRate, m.cfg.DType),
			shapes.CastAsDType(klWeight, m.cfg.DType))
		loss = shapes.ConvertTo[float64](results[0].Value())
	})
	if err == nil {
		m.captureInitialValues()
	}
	return
}

// Monitor evaluates the ELBO terms and their gradient norms on a batch,
// without updating any variable. It is not available for the
// multiplicative-flow variant.
func (m *Model) Monitor(x, y any, datasetSize int) (result MonitorResult, err error) {
	if m.cfg.Variant == VariantMNF {
		err = errors.New("monitoring is not available for the multiplicative-flow variant")
		return
	}
	err = exceptions.TryCatch[error](func() {
		results := m.monitorExec.Call(x, y, shapes.CastAsDType(float64(datasetSize), m.cfg.DType))
		values := make([]float64, len(results))
		for ii, t := range results {
			values[ii] = shapes.ConvertTo[float64](t.Value())
		}
		result = MonitorResult{
			LogPyx: values[0], LogPw: values[1], LogQw: values[2],
			LogPyxGradNorm: values[3], LogPwGradNorm: values[4], LogQwGradNorm: values[5],
		}
	})
	return
}

// PredictProba samples fresh parameters and returns the predictions for x:
// clipped class probabilities, shaped (batch, numOutputs), or raw values for
// real outputs.
func (m *Model) PredictProba(x any) (preds *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		preds = m.predictExec.Call(x)[0]
	})
	return
}

// Predict returns the argmax class per example, under freshly sampled
// parameters.
func (m *Model) Predict(x any) (classes []int, err error) {
	preds, err := m.PredictProba(x)
	if err != nil {
		return nil, err
	}
	if m.cfg.OutputType != OutputCategorical {
		return nil, errors.New("Predict requires categorical outputs, use PredictProba")
	}
	dims := preds.Shape().Dimensions
	probs := make([]float64, preds.Shape().Size())
	copyTensorData(preds, probs)
	classes = make([]int, dims[0])
	for row := 0; row < dims[0]; row++ {
		best := 0
		for col := 1; col < dims[1]; col++ {
			if probs[row*dims[1]+col] > probs[row*dims[1]+best] {
				best = col
			}
		}
		classes[row] = best
	}
	return classes, nil
}

// SampleWeights draws one parameter sample from the flow posterior, shaped
// (1, NumParams()). Feed it to PredictWithWeights to make predictions with
// a fixed sample.
func (m *Model) SampleWeights() (weights *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		weights = m.sampleExec.Call()[0]
	})
	return
}

// PredictWithWeights predicts with the given fixed parameter sample instead
// of drawing a fresh one.
func (m *Model) PredictWithWeights(x, weights any) (preds *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		preds = m.predictFixedExec.Call(x, weights)[0]
	})
	return
}

// AttachCheckpoint configures saving and loading of the model variables
// under dir, keeping the given number of past checkpoints. If dir holds a
// previous checkpoint, variables load from it; loading fails on any shape
// mismatch with the current configuration.
func (m *Model) AttachCheckpoint(dir string, keep int) error {
	if m.checkpoint != nil {
		return errors.Errorf("a checkpoint is already attached at %q", m.checkpoint.Dir())
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(keep).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to attach checkpoint at %q", dir)
	}
	m.checkpoint = handler
	return nil
}

// Save writes the current variables to the attached checkpoint directory.
func (m *Model) Save() error {
	if m.checkpoint == nil {
		return errors.New("no checkpoint attached, call AttachCheckpoint first")
	}
	return m.checkpoint.Save()
}

// Reset restores every variable to the value it had when the model was
// first built, undoing all training steps since.
func (m *Model) Reset() error {
	if m.initialValues == nil {
		return errors.New("nothing to reset: no training step has completed yet")
	}
	for v, value := range m.initialValues {
		v.SetValue(value.LocalClone())
	}
	return nil
}

// captureInitialValues snapshots each variable's value the first time the
// model is fully materialized, so Reset can roll training back.
func (m *Model) captureInitialValues() {
	if m.initialValues != nil {
		return
	}
	m.initialValues = make(map[*context.Variable]*tensors.Tensor)
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		m.initialValues[v] = v.Value().LocalClone()
	})
}

// InitializeFromBatch runs the data-dependent initialization of the
// weight-norm layers: each layer's pre-activations are standardized over the
// batch, the bias absorbs the negative mean and the inverse stddev gains are
// folded into the flow's rescale stage shift. Call it before training.
func (m *Model) InitializeFromBatch(x any) error {
	if m.cfg.Variant != VariantWeightNorm {
		return errors.Errorf("batch initialization only applies to the weight-norm dense variant, not %s", m.cfg.Variant)
	}
	return exceptions.TryCatch[error](func() {
		m.initBatchExec.Call(x)
	})
}

// initBatchGraph standardizes the primary network layer by layer and
// updates the bias and flow-shift variables in place. Returns the gains (one
// per generated parameter) it folded in, mostly for debugging.
func (m *Model) initBatchGraph(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := m.cfg.DType
	primaryCtx := ctx.In("primary")

	var gains []*Node
	h := x
	for ii, layer := range m.spec.Layers {
		layerCtx := primaryCtx.In(fmt.Sprintf("layer_%d", ii))
		directionVar := directionVariable(layerCtx, dtype, h.Shape().Dimensions[1], layer.NumOutputs())
		biasVar := biasVariable(layerCtx, dtype, layer.NumOutputs())

		pre := Dot(h, L2Normalize(directionVar.ValueGraph(g), 0))
		mean := ReduceMean(pre, 0)
		centered := Sub(pre, InsertAxes(mean, 0))
		std := Sqrt(ReduceMean(Square(centered), 0))
		biasVar.SetValueGraph(Neg(Div(mean, std)))
		gains = append(gains, Inverse(std))

		h = Div(centered, InsertAxes(std, 0))
		if ii < len(m.spec.Layers)-1 {
			h = activations.Relu(h)
		}
	}

	// Same scope and initializer as the flow's rescale stage, so it does not
	// matter which executor materializes the variable first.
	allGains := Concatenate(gains, 0)
	shiftVar := ctx.In("hyper").In("linear").WithInitializer(initializers.One).
		VariableWithShape("shift", shapes.Make(dtype, m.spec.NumParams()))
	shiftVar.SetValueGraph(Mul(shiftVar.ValueGraph(g), allGains))
	return allGains
}

// copyTensorData copies a float tensor's flat contents into dst as float64.
func copyTensorData(t *tensors.Tensor, dst []float64) {
	switch t.DType() {
	case dtypes.Float32:
		for ii, v := range tensors.CopyFlatData[float32](t) {
			dst[ii] = float64(v)
		}
	default:
		copy(dst, tensors.CopyFlatData[float64](t))
	}
}

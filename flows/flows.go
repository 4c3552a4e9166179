// Package flows implements normalizing-flow stages and their composition
// into a flow pipeline, used as the variational posterior of a Bayesian
// hypernetwork.
//
// Every stage is a graph-building function with the contract
// `(ctx, x) -> (y, logDet)`: x and y are shaped `[numSamples, numParams]`
// (the flow is a bijection on R^numParams) and logDet is shaped
// `[numSamples]`, holding the exact log-determinant of the stage's
// Jacobian for each row. Stages own their learnable parameters as
// variables in the given context scope.
//
// Start with New(ctx, noise). Configure further as desired. When finished,
// call Done, and it will return the transformed sample and the pipeline's
// total log-determinant:
//
//	z, logDet := flows.New(ctx.In("hyper"), noise).
//		RealNVP().
//		CouplingDepth(2).
//		Done()
package flows

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

const (
	// ParamCouplingDepth is the hyperparameter with the default number of coupling
	// stages (RealNVP) or autoregressive sub-layers (IAF). Default is 2.
	ParamCouplingDepth = "flows_coupling_depth"

	// ParamHiddenWidth is the hyperparameter with the default hidden width of the
	// coupling conditioner networks. Default is 200.
	ParamHiddenWidth = "flows_hidden_width"

	// ParamScaleCap is the hyperparameter with the default bound on the coupling
	// and IAF log-scales: raw scales go through `cap*tanh(raw/cap)` so that
	// exp(scale) can never overflow. Default is 2.0.
	ParamScaleCap = "flows_scale_cap"
)

// Kind of flow pipeline to build.
type Kind int

const (
	// KindRealNVP alternates dense coupling stages with fixed permutations.
	KindRealNVP Kind = iota

	// KindIAF uses a single inverse-autoregressive stage with CouplingDepth
	// internal sub-layers.
	KindIAF
)

func (k Kind) String() string {
	switch k {
	case KindRealNVP:
		return "RealNVP"
	case KindIAF:
		return "IAF"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Config is created with New and can be further configured with its methods,
// or by setting the corresponding hyperparameters in the context.
type Config struct {
	ctx           *context.Context
	x             *Node
	kind          Kind
	couplingDepth int
	hiddenWidth   int
	scaleCap      float64
	permSeed      int64
}

// New returns the configuration of a flow pipeline applied to the noise
// sample x, shaped `[numSamples, numParams]`. See methods for optional
// configuration. When finished, call Done.
//
// The pipeline always starts with a linear rescale stage, so even with
// CouplingDepth(0) the posterior has a learnable mean and scale per
// dimension (a diagonal Gaussian).
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:           ctx,
		x:             x,
		kind:          KindRealNVP,
		couplingDepth: context.GetParamOr(ctx, ParamCouplingDepth, 2),
		hiddenWidth:   context.GetParamOr(ctx, ParamHiddenWidth, 200),
		scaleCap:      context.GetParamOr(ctx, ParamScaleCap, 2.0),
	}
}

// Kind sets the flow kind programmatically. See also RealNVP and IAF.
func (c *Config) Kind(kind Kind) *Config {
	c.kind = kind
	return c
}

// RealNVP selects dense coupling stages interleaved with fixed permutations.
// This is the default.
func (c *Config) RealNVP() *Config {
	c.kind = KindRealNVP
	return c
}

// IAF selects a single inverse-autoregressive stage with CouplingDepth
// internal sub-layers.
func (c *Config) IAF() *Config {
	c.kind = KindIAF
	return c
}

// CouplingDepth sets the number of coupling stages (RealNVP) or
// autoregressive sub-layers (IAF). A depth of 0 leaves only the linear
// rescale stage.
func (c *Config) CouplingDepth(depth int) *Config {
	c.couplingDepth = depth
	return c
}

// HiddenWidth sets the hidden layer width of the coupling (and IAF)
// conditioner networks.
func (c *Config) HiddenWidth(width int) *Config {
	c.hiddenWidth = width
	return c
}

// ScaleCap sets the bound applied to raw log-scales, see ParamScaleCap.
func (c *Config) ScaleCap(cap float64) *Config {
	c.scaleCap = cap
	return c
}

// PermutationSeed sets the seed from which the fixed permutations between
// coupling stages are derived. Using the same seed reproduces the same
// pipeline structure, which is required for checkpoint round-trips.
func (c *Config) PermutationSeed(seed int64) *Config {
	c.permSeed = seed
	return c
}

// Done builds the pipeline and returns the transformed sample z (same shape
// as the input) and the accumulated log-determinant, shaped `[numSamples]`.
//
// It panics on invalid configurations or input shapes: composed pipelines
// are deep and much harder to debug after the fact.
func (c *Config) Done() (z, logDet *Node) {
	x := c.x
	assertFlowInput("flows.New", x)
	if c.couplingDepth < 0 {
		exceptions.Panicf("flows: coupling depth must be >= 0, got %d", c.couplingDepth)
	}
	if c.hiddenWidth <= 0 {
		exceptions.Panicf("flows: hidden width must be > 0, got %d", c.hiddenWidth)
	}

	// Learnable mean/scale of the base noise comes first.
	z, logDet = Linear(c.ctx.In("linear"), x)

	switch c.kind {
	case KindRealNVP:
		for ii := 0; ii < c.couplingDepth; ii++ {
			if ii > 0 {
				// Reorder dimensions so the half left unchanged by the previous
				// coupling stage gets transformed by the next one.
				z = Permute(z, c.permSeed+int64(ii))
			}
			var ld *Node
			z, ld = Coupling(c.ctx.In(fmt.Sprintf("coupling_%d", ii)), z, c.hiddenWidth, c.scaleCap)
			logDet = Add(logDet, ld)
		}
	case KindIAF:
		if c.couplingDepth > 0 {
			var ld *Node
			z, ld = IAF(c.ctx.In("iaf"), z, c.hiddenWidth, c.couplingDepth, c.scaleCap)
			logDet = Add(logDet, ld)
		}
	default:
		exceptions.Panicf("flows: unknown flow kind %d", int(c.kind))
	}
	return
}

// assertFlowInput panics if x is not a rank-2 float tensor.
func assertFlowInput(name string, x *Node) {
	shape := x.Shape()
	if shape.Rank() != 2 {
		exceptions.Panicf("%s: flow input must be shaped [numSamples, numParams], got %s", name, shape)
	}
	if !shape.DType.IsFloat() {
		exceptions.Panicf("%s: flow input must be of a float dtype, got %s", name, shape)
	}
}

// assertWidth panics if x's feature axis doesn't match the stage's declared width.
func assertWidth(name string, x *Node, width int) {
	if got := x.Shape().Dimensions[1]; got != width {
		exceptions.Panicf("%s: stage was built for width %d, input has width %d", name, width, got)
	}
}

// rowsLike broadcasts the scalar value to one entry per row of x.
func rowsLike(value, x *Node) *Node {
	g := x.Graph()
	numRows := x.Shape().Dimensions[0]
	return Add(Zeros(g, shapes.Make(x.DType(), numRows)), value)
}

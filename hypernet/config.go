package hypernet

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hypernets/flows"
	"github.com/pkg/errors"
)

// Variant selects the family of the variational posterior.
type Variant int

const (
	// VariantWeightNorm puts the flow posterior over the weight-norm
	// rescaling scalars of a fully connected primary network.
	VariantWeightNorm Variant = iota

	// VariantMNF puts the flow posterior over a multiplicative input mask of
	// each layer, with auxiliary variables tightening the bound.
	VariantMNF

	// VariantConvWeightNorm is VariantWeightNorm with a convolutional
	// primary network, one rescaling scalar per filter.
	VariantConvWeightNorm
)

func (v Variant) String() string {
	switch v {
	case VariantWeightNorm:
		return "weight-norm"
	case VariantMNF:
		return "mnf"
	case VariantConvWeightNorm:
		return "conv-weight-norm"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// OutputType selects the primary network's likelihood.
type OutputType int

const (
	// OutputCategorical uses a softmax head and categorical log-likelihood
	// against one-hot targets.
	OutputCategorical OutputType = iota

	// OutputReal uses a linear head and squared-error (Gaussian, unit
	// variance) log-likelihood.
	OutputReal
)

func (o OutputType) String() string {
	switch o {
	case OutputCategorical:
		return "categorical"
	case OutputReal:
		return "real"
	}
	return fmt.Sprintf("OutputType(%d)", int(o))
}

// Config describes a Bayesian hypernetwork model: the primary network
// architecture, the flow over its generated parameters and the training
// hyperparameters. The zero value is not usable, start from the defaults
// with NewConfig and override fields before passing it to New.
type Config struct {
	Variant    Variant
	OutputType OutputType

	// Dense primary network architecture.
	NumInputs       int
	NumOutputs      int // Number of classes, or regression output width.
	NumHiddenLayers int
	NumUnits        int

	// Convolutional head, used by VariantConvWeightNorm only. Inputs are
	// square images, channels-last: (batch, ImageSize, ImageSize, InputChannels).
	ImageSize     int
	InputChannels int
	NumConvLayers int
	NumChannels   int
	KernelSize    int
	PoolEvery     int // A 2x2 max-pool after every PoolEvery conv layers.

	// Flow over the generated parameters.
	FlowKind        flows.Kind
	CouplingDepth   int
	FlowHiddenWidth int
	ScaleCap        float64

	// PriorScale is the precision of the isotropic Gaussian prior over the
	// generated parameters (variance 1/PriorScale).
	PriorScale float64

	// PerDatapoint draws an independent parameter sample per example of the
	// batch instead of one shared sample.
	PerDatapoint bool

	Seed      int64
	DType     dtypes.DType
	Optimizer string
}

// NewConfig returns a Config with the default hyperparameters for the given
// variant and dense architecture. Override fields as needed before New.
func NewConfig(variant Variant, numInputs, numOutputs int) Config {
	cfg := Config{
		Variant:         variant,
		OutputType:      OutputCategorical,
		NumInputs:       numInputs,
		NumOutputs:      numOutputs,
		NumHiddenLayers: 1,
		NumUnits:        200,
		FlowKind:        flows.KindRealNVP,
		CouplingDepth:   2,
		FlowHiddenWidth: 200,
		ScaleCap:        2.0,
		PriorScale:      1.0,
		PerDatapoint:    true,
		Seed:            42,
		DType:           dtypes.Float32,
		Optimizer:       "adam",
	}
	if variant == VariantConvWeightNorm {
		cfg.PerDatapoint = false
		cfg.NumConvLayers = 2
		cfg.NumChannels = 16
		cfg.KernelSize = 3
		cfg.PoolEvery = 1
	}
	return cfg
}

// Validate fails fast on configurations the model cannot build.
func (c *Config) Validate() error {
	if c.NumInputs <= 0 && c.Variant != VariantConvWeightNorm {
		return errors.Errorf("NumInputs must be positive, got %d", c.NumInputs)
	}
	if c.NumOutputs <= 0 {
		return errors.Errorf("NumOutputs must be positive, got %d", c.NumOutputs)
	}
	if c.NumHiddenLayers < 1 {
		return errors.Errorf("NumHiddenLayers must be at least 1, got %d", c.NumHiddenLayers)
	}
	if c.NumUnits <= 0 {
		return errors.Errorf("NumUnits must be positive, got %d", c.NumUnits)
	}
	if c.CouplingDepth < 0 {
		return errors.Errorf("CouplingDepth must be non-negative, got %d", c.CouplingDepth)
	}
	if c.FlowHiddenWidth <= 0 {
		return errors.Errorf("FlowHiddenWidth must be positive, got %d", c.FlowHiddenWidth)
	}
	if c.ScaleCap <= 0 {
		return errors.Errorf("ScaleCap must be positive, got %g", c.ScaleCap)
	}
	if c.PriorScale <= 0 {
		return errors.Errorf("PriorScale must be positive, got %g", c.PriorScale)
	}
	switch c.Variant {
	case VariantWeightNorm:
		// No extra constraints.
	case VariantMNF:
		if !c.PerDatapoint {
			return errors.New("the multiplicative flow variant requires PerDatapoint sampling")
		}
		if c.PriorScale != 1.0 {
			return errors.Errorf("the multiplicative flow variant requires PriorScale == 1, got %g", c.PriorScale)
		}
		if c.OutputType != OutputCategorical {
			return errors.New("the multiplicative flow variant only supports categorical outputs")
		}
	case VariantConvWeightNorm:
		if c.PerDatapoint {
			return errors.New("the convolutional variant shares one parameter sample per batch")
		}
		if c.ImageSize <= 0 || c.InputChannels <= 0 {
			return errors.Errorf("convolutional variant needs ImageSize and InputChannels, got %dx%d", c.ImageSize, c.InputChannels)
		}
		if c.NumConvLayers <= 0 || c.NumChannels <= 0 || c.KernelSize <= 0 {
			return errors.Errorf("convolutional variant needs NumConvLayers, NumChannels and KernelSize, got %d/%d/%d",
				c.NumConvLayers, c.NumChannels, c.KernelSize)
		}
		if c.PoolEvery < 0 {
			return errors.Errorf("PoolEvery must be non-negative, got %d", c.PoolEvery)
		}
	default:
		return errors.Errorf("unknown variant %v", c.Variant)
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("DType must be a float type, got %s", c.DType)
	}
	return nil
}

// ShapeSpec builds the primary network's layer shapes for this
// configuration.
func (c *Config) ShapeSpec() (ShapeSpec, error) {
	mode := ModeWeightNorm
	if c.Variant == VariantMNF {
		mode = ModeMNF
	}
	var layers []LayerShape
	switch c.Variant {
	case VariantWeightNorm, VariantMNF:
		fanIn := c.NumInputs
		for ii := 0; ii < c.NumHiddenLayers; ii++ {
			layers = append(layers, DenseShape(fanIn, c.NumUnits))
			fanIn = c.NumUnits
		}
		layers = append(layers, DenseShape(fanIn, c.NumOutputs))
	case VariantConvWeightNorm:
		channels := c.InputChannels
		size := c.ImageSize
		for ii := 0; ii < c.NumConvLayers; ii++ {
			layers = append(layers, ConvShape(c.KernelSize, c.KernelSize, channels, c.NumChannels))
			channels = c.NumChannels
			size -= c.KernelSize - 1 // No padding.
			if c.PoolEvery > 0 && (ii+1)%c.PoolEvery == 0 {
				size /= 2
			}
			if size <= 0 {
				return ShapeSpec{}, errors.Errorf("image collapsed to %d pixels after conv layer #%d", size, ii)
			}
		}
		fanIn := size * size * channels
		for ii := 0; ii < c.NumHiddenLayers; ii++ {
			layers = append(layers, DenseShape(fanIn, c.NumUnits))
			fanIn = c.NumUnits
		}
		layers = append(layers, DenseShape(fanIn, c.NumOutputs))
	}
	return NewShapeSpec(mode, layers...)
}

package hypernet

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

// Mode selects which slice of each primary layer's parameters the
// hypernetwork generates.
type Mode int

const (
	// ModeWeightNorm generates one rescaling scalar per output unit of each
	// layer. For convolutional layers this is one scalar per filter.
	ModeWeightNorm Mode = iota

	// ModeMNF generates one multiplicative input mask value per input unit
	// of each layer.
	ModeMNF
)

func (m Mode) String() string {
	switch m {
	case ModeWeightNorm:
		return "weight-norm"
	case ModeMNF:
		return "mnf"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// LayerShape describes the full parameter tensor of one primary layer.
// Dense layers have 2 dimensions (inputs, outputs), convolutional layers
// have 4 (kernelHeight, kernelWidth, inputChannels, outputChannels).
type LayerShape struct {
	Dims []int
}

// DenseShape is the shape of a fully connected layer with the given fan-in
// and fan-out.
func DenseShape(numInputs, numOutputs int) LayerShape {
	return LayerShape{Dims: []int{numInputs, numOutputs}}
}

// ConvShape is the shape of a 2D convolution kernel, channels-last.
func ConvShape(kernelHeight, kernelWidth, inputChannels, outputChannels int) LayerShape {
	return LayerShape{Dims: []int{kernelHeight, kernelWidth, inputChannels, outputChannels}}
}

// IsConv reports whether the layer is convolutional.
func (l LayerShape) IsConv() bool { return len(l.Dims) == 4 }

// NumInputs is the fan-in of a dense layer, or the input channels of a
// convolutional one.
func (l LayerShape) NumInputs() int {
	if l.IsConv() {
		return l.Dims[2]
	}
	return l.Dims[0]
}

// NumOutputs is the fan-out of a dense layer, or the number of filters of a
// convolutional one.
func (l LayerShape) NumOutputs() int {
	if l.IsConv() {
		return l.Dims[3]
	}
	return l.Dims[1]
}

// hyperDim is how many parameters the hypernetwork generates for this layer.
func (l LayerShape) hyperDim(mode Mode) int {
	if mode == ModeMNF {
		return l.NumInputs()
	}
	return l.NumOutputs()
}

func (l LayerShape) validate() error {
	if len(l.Dims) != 2 && len(l.Dims) != 4 {
		return errors.Errorf("layer shape must have 2 (dense) or 4 (conv) dimensions, got %v", l.Dims)
	}
	for _, dim := range l.Dims {
		if dim <= 0 {
			return errors.Errorf("layer shape %v has a non-positive dimension", l.Dims)
		}
	}
	return nil
}

func (l LayerShape) String() string {
	parts := xslices.Map(l.Dims, func(d int) string { return fmt.Sprintf("%d", d) })
	return "(" + strings.Join(parts, ", ") + ")"
}

// ShapeSpec maps the flat vector produced by the hypernetwork onto the
// per-layer parameter slices of the primary network.
type ShapeSpec struct {
	Mode   Mode
	Layers []LayerShape
}

// NewShapeSpec validates the layer shapes and returns the spec.
func NewShapeSpec(mode Mode, layers ...LayerShape) (ShapeSpec, error) {
	if len(layers) == 0 {
		return ShapeSpec{}, errors.New("a shape spec needs at least one layer")
	}
	for ii, layer := range layers {
		if err := layer.validate(); err != nil {
			return ShapeSpec{}, errors.WithMessagef(err, "layer #%d", ii)
		}
	}
	if mode == ModeMNF {
		for ii, layer := range layers {
			if layer.IsConv() {
				return ShapeSpec{}, errors.Errorf("layer #%d: multiplicative flows only support dense layers", ii)
			}
		}
	}
	return ShapeSpec{Mode: mode, Layers: layers}, nil
}

// NumParams is the total width of the flat hypernetwork output.
func (s ShapeSpec) NumParams() int {
	total := 0
	for _, layer := range s.Layers {
		total += layer.hyperDim(s.Mode)
	}
	return total
}

// Distribute slices the flat hypernetwork output z, shaped
// (numSamples, NumParams()), into one node per layer, shaped
// (numSamples, layer hyper dimension). It panics if the width of z does not
// exactly match NumParams(): leftover or missing columns is a wiring bug.
func (s ShapeSpec) Distribute(z *Node) []*Node {
	if z.Rank() != 2 || z.Shape().Dimensions[1] != s.NumParams() {
		exceptions.Panicf("Distribute: z must be shaped (numSamples, %d), got %s", s.NumParams(), z.Shape())
	}
	slices := make([]*Node, len(s.Layers))
	offset := 0
	for ii, layer := range s.Layers {
		width := layer.hyperDim(s.Mode)
		slices[ii] = Slice(z, AxisRange(), AxisRange(offset, offset+width))
		offset += width
	}
	if offset != s.NumParams() {
		exceptions.Panicf("Distribute: consumed %d of %d hypernetwork outputs", offset, s.NumParams())
	}
	return slices
}

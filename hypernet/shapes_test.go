package hypernet

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestShapeSpecNumParams(t *testing.T) {
	wn, err := NewShapeSpec(ModeWeightNorm, DenseShape(4, 16), DenseShape(16, 2))
	require.NoError(t, err)
	assert.Equal(t, 16+2, wn.NumParams())

	mnf, err := NewShapeSpec(ModeMNF, DenseShape(4, 16), DenseShape(16, 2))
	require.NoError(t, err)
	assert.Equal(t, 4+16, mnf.NumParams())

	conv, err := NewShapeSpec(ModeWeightNorm,
		ConvShape(3, 3, 1, 8), ConvShape(3, 3, 8, 8), DenseShape(32, 10))
	require.NoError(t, err)
	assert.Equal(t, 8+8+10, conv.NumParams())
}

func TestShapeSpecValidation(t *testing.T) {
	_, err := NewShapeSpec(ModeWeightNorm)
	assert.Error(t, err, "no layers")

	_, err = NewShapeSpec(ModeWeightNorm, LayerShape{Dims: []int{4}})
	assert.Error(t, err, "rank 1 layer shape")

	_, err = NewShapeSpec(ModeWeightNorm, DenseShape(0, 3))
	assert.Error(t, err, "non-positive dimension")

	_, err = NewShapeSpec(ModeMNF, ConvShape(3, 3, 1, 8))
	assert.Error(t, err, "MNF over conv layers")
}

func TestDistributeCoversExactly(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, mode := range []Mode{ModeWeightNorm, ModeMNF} {
		t.Run(mode.String(), func(t *testing.T) {
			spec, err := NewShapeSpec(mode, DenseShape(3, 5), DenseShape(5, 2))
			require.NoError(t, err)

			exec := NewExec(backend, func(z *Node) []*Node {
				return spec.Distribute(z)
			})
			z := make([][]float64, 2)
			for bb := range z {
				z[bb] = make([]float64, spec.NumParams())
				for jj := range z[bb] {
					z[bb][jj] = float64(bb*spec.NumParams() + jj)
				}
			}
			parts := exec.Call(z)
			require.Len(t, parts, 2)

			// Concatenating the slices back must reproduce z column by column.
			offset := 0
			for ii, part := range parts {
				dims := part.Shape().Dimensions
				assert.Equal(t, 2, dims[0])
				assert.Equal(t, spec.Layers[ii].hyperDim(mode), dims[1],
					fmt.Sprintf("layer #%d width", ii))
				flat := tensors.CopyFlatData[float64](part)
				for bb := 0; bb < 2; bb++ {
					for jj := 0; jj < dims[1]; jj++ {
						assert.Equal(t, z[bb][offset+jj], flat[bb*dims[1]+jj])
					}
				}
				offset += dims[1]
			}
			assert.Equal(t, spec.NumParams(), offset)
		})
	}
}

func TestDistributeRejectsWrongWidth(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	spec, err := NewShapeSpec(ModeWeightNorm, DenseShape(3, 5))
	require.NoError(t, err)

	require.Panics(t, func() {
		exec := NewExec(backend, func(z *Node) []*Node {
			return spec.Distribute(z)
		})
		exec.Call([][]float64{{1, 2, 3}}) // Spec wants width 5.
	})
}

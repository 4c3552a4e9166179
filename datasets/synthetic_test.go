package datasets

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoClass(t *testing.T) {
	inputs, labels := TwoClass(1, 50, 4)
	require.Len(t, inputs, 50)
	require.Len(t, labels, 50)
	seen := map[int]bool{}
	for ii := range labels {
		require.Len(t, inputs[ii], 4)
		require.Len(t, labels[ii], 2)
		assert.Equal(t, float32(1), labels[ii][0]+labels[ii][1], "labels are one-hot")
		if labels[ii][0] == 1 {
			seen[0] = true
		} else {
			seen[1] = true
		}
	}
	assert.True(t, seen[0] && seen[1], "both classes present")

	again, _ := TwoClass(1, 50, 4)
	assert.Equal(t, inputs, again, "same seed gives the same data")
	other, _ := TwoClass(2, 50, 4)
	assert.NotEqual(t, inputs, other)
}

func TestRegression1D(t *testing.T) {
	inputs, targets := Regression1D(3, 40, 0.05)
	require.Len(t, inputs, 40)
	for ii := range inputs {
		require.Len(t, inputs[ii], 1)
		x := inputs[ii][0]
		assert.True(t, x >= -3 && x <= 3)
		assert.InDelta(t, math.Sin(2*x), targets[ii][0], 0.3)
	}
}

func TestGrid1D(t *testing.T) {
	grid := Grid1D(-3, 3, 7)
	require.Len(t, grid, 7)
	assert.Equal(t, -3.0, grid[0][0])
	assert.Equal(t, 3.0, grid[6][0])
	assert.InDelta(t, 1.0, grid[4][0]-grid[3][0], 1e-12)
}

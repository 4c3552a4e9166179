package flows

import (
	"math/rand"

	. "github.com/gomlx/gomlx/graph"
)

// Permute applies a fixed permutation of the dimensions, derived
// deterministically from the given seed. It has no learnable parameters and
// is volume preserving, so its log-determinant contribution is zero.
//
// Pipelines place one of these between consecutive coupling stages, so the
// half left unchanged by one stage is transformed by the next.
func Permute(x *Node, seed int64) *Node {
	assertFlowInput("flows.Permute", x)
	g := x.Graph()
	numParams := x.Shape().Dimensions[1]

	perm := PermutationIndices(numParams, seed)
	indices := make([][]int32, numParams)
	for ii, p := range perm {
		indices[ii] = []int32{int32(p)}
	}
	// Gather works on the leading axis, so permute columns via a transpose.
	xT := Transpose(x, 0, 1)
	permuted := Gather(xT, Const(g, indices))
	return Transpose(permuted, 0, 1)
}

// PermutationIndices returns the permutation used by Permute for the given
// size and seed: output dimension ii reads from input dimension perm[ii].
// Exported so tests (and inverses) can reconstruct the exact ordering.
func PermutationIndices(size int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	return rng.Perm(size)
}

/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package supervised

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runClip clips the given gradients and returns the flat float32 results.
func runClip(t *testing.T, maxNorm, normType float64, grads ...any) [][]float32 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	exec := MustNewExecAny(backend, func(nodes []*Node) []*Node {
		return ClipByGlobalNorm(nodes, maxNorm, normType)
	})
	defer exec.Finalize()
	results, err := exec.Exec(grads...)
	require.NoError(t, err)
	clipped := make([][]float32, len(results))
	for i, r := range results {
		clipped[i] = r.Value().([]float32)
	}
	return clipped
}

func TestClipByGlobalNorm(t *testing.T) {
	t.Run("within-bounds-is-identity", func(t *testing.T) {
		got := runClip(t, 10, 2, []float32{3}, []float32{4})
		assert.InDelta(t, 3, got[0][0], 1e-5)
		assert.InDelta(t, 4, got[1][0], 1e-5)
	})

	t.Run("2-norm", func(t *testing.T) {
		// Global 2-norm of {3, 4} is 5: clipping to 1 scales by 1/5.
		got := runClip(t, 1, 2, []float32{3}, []float32{4})
		assert.InDelta(t, 0.6, got[0][0], 1e-4)
		assert.InDelta(t, 0.8, got[1][0], 1e-4)
	})

	t.Run("inf-norm", func(t *testing.T) {
		// Max-norm of {3, -4} is 4: clipping to 2 scales by 1/2.
		got := runClip(t, 2, math.Inf(1), []float32{3}, []float32{-4})
		assert.InDelta(t, 1.5, got[0][0], 1e-4)
		assert.InDelta(t, -2, got[1][0], 1e-4)
	})

	t.Run("zero-max-norm-zeroes", func(t *testing.T) {
		got := runClip(t, 0, 2, []float32{3, -4}, []float32{5})
		assert.Equal(t, []float32{0, 0}, got[0])
		assert.Equal(t, []float32{0}, got[1])
	})

	t.Run("invalid-arguments-panic", func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		exec := MustNewExecAny(backend, func(nodes []*Node) []*Node {
			return ClipByGlobalNorm(nodes, -1, 2)
		})
		defer exec.Finalize()
		_, err := exec.Exec([]float32{1})
		require.ErrorContains(t, err, "maxNorm")

		exec2 := MustNewExecAny(backend, func(nodes []*Node) []*Node {
			return ClipByGlobalNorm(nodes, 1, 0.5)
		})
		defer exec2.Finalize()
		_, err = exec2.Exec([]float32{1})
		require.ErrorContains(t, err, "normType")
	})
}

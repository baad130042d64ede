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

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ClipByGlobalNorm scales the gradients so that their global norm does not
// exceed maxNorm, following the usual definition: the norm is taken over the
// concatenation of all gradients, and if it exceeds maxNorm every gradient is
// multiplied by maxNorm/globalNorm.
//
// normType selects the p-norm; math.Inf(1) selects the max-norm. A maxNorm of
// 0 zeroes all gradients.
//
// It must be called during graph building, and like other graph operations it
// panics on invalid arguments.
func ClipByGlobalNorm(grads []*Node, maxNorm, normType float64) []*Node {
	if len(grads) == 0 {
		return grads
	}
	if maxNorm < 0 || math.IsNaN(maxNorm) {
		exceptions.Panicf("ClipByGlobalNorm: maxNorm must be non-negative, got %g", maxNorm)
	}
	if normType < 1 && !math.IsInf(normType, 1) {
		exceptions.Panicf("ClipByGlobalNorm: normType must be >= 1 or +Inf, got %g", normType)
	}
	g := grads[0].Graph()
	dtype := grads[0].DType()

	var total *Node
	if math.IsInf(normType, 1) {
		for _, grad := range grads {
			m := ReduceAllMax(Abs(grad))
			if total == nil {
				total = m
			} else {
				total = Max(total, m)
			}
		}
	} else {
		for _, grad := range grads {
			s := ReduceAllSum(Pow(Abs(grad), ConstAsDType(g, dtype, normType)))
			if total == nil {
				total = s
			} else {
				total = Add(total, s)
			}
		}
		total = Pow(total, ConstAsDType(g, dtype, 1.0/normType))
	}

	// clipCoef is 1 when the norm is already within bounds. The small epsilon
	// matches the reference behavior and makes maxNorm=0 zero the gradients
	// instead of dividing 0 by 0.
	clipCoef := Div(ConstAsDType(g, dtype, maxNorm), AddScalar(total, 1e-6))
	clipCoef = MinScalar(clipCoef, 1.0)

	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(clipCoef, grad.DType()))
	}
	return clipped
}

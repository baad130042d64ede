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

// Package supervised builds engines for supervised training and evaluation.
//
// The two entry points are Trainer and Evaluator: config-builders that take a
// model graph function, and for training also a loss and an optimizer, and
// produce an engine.Engine whose steps run the corresponding computation
// through GoMLX -- forward pass, loss, backward pass and optimizer update for
// the trainer; inference and metric aggregation for the evaluator.
//
// Mixed precision (WithAMP plus an optional GradScaler), gradient clipping by
// global norm and device placement are handled here; the numerics themselves
// (autograd, kernels, device transfers) are entirely GoMLX's.
package supervised

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// ModelFn builds the forward-pass graph of a model: it receives the dataset
// spec and the batch inputs and returns the predictions. It is the same
// contract GoMLX's train.Trainer uses, so models are interchangeable between
// the two.
type ModelFn func(ctx *context.Context, spec any, inputs []*Node) []*Node

// OutputTransformFn converts the raw results of a training step into the
// value stored in engine.State.Output. It receives the batch inputs and
// labels, the model predictions and the scalar batch loss, all as
// materialized tensors.
type OutputTransformFn func(inputs, labels, predictions []*tensors.Tensor, loss *tensors.Tensor) any

// EvalOutputTransformFn is the evaluator counterpart of OutputTransformFn:
// there is no loss, only inputs, labels and predictions.
type EvalOutputTransformFn func(inputs, labels, predictions []*tensors.Tensor) any

// PredictionsAndLabels is the default evaluator step output.
type PredictionsAndLabels struct {
	Predictions, Labels []*tensors.Tensor
}

// OptimizerWithGradients is implemented by optimizers that can apply
// externally computed gradients -- GoMLX's SGD and Adam families do. It is
// required when gradients need post-processing before the update (loss
// scaling, clipping).
type OptimizerWithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// execKey identifies one compiled step computation: dataset spec plus the
// number of inputs and labels. Shape changes within a key are handled by the
// GoMLX executor's own graph cache.
func execKey(spec any, numInputs, numLabels int) string {
	return fmt.Sprintf("%v|%d|%d", spec, numInputs, numLabels)
}

// castFloats converts every float node of the slice to the given dtype,
// leaving integer (and boolean) nodes alone. Used to down-cast inputs and
// up-cast predictions under mixed precision.
func castFloats(nodes []*Node, dtype dtypes.DType) []*Node {
	cast := make([]*Node, len(nodes))
	for i, n := range nodes {
		if n.DType().IsFloat() && n.DType() != dtype {
			cast[i] = ConvertDType(n, dtype)
		} else {
			cast[i] = n
		}
	}
	return cast
}

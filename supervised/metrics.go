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
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// MeanSquaredErrorMetric returns a metric that aggregates the mean squared
// error over all examples of an evaluation run, each batch weighted by its
// size.
func MeanSquaredErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric(
		"Mean Squared Error", "mse", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return losses.MeanSquaredError(labels, predictions)
		}, nil)
}

// MeanAbsoluteErrorMetric returns a metric that aggregates the mean absolute
// error over all examples of an evaluation run.
func MeanAbsoluteErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric(
		"Mean Absolute Error", "mae", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return losses.MeanAbsoluteError(labels, predictions)
		}, nil)
}

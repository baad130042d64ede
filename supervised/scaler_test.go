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

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/ignite/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradScalerDefaults(t *testing.T) {
	s := NewGradScaler()
	assert.True(t, s.IsEnabled())
	assert.Equal(t, float64(16384), s.initScale)
	assert.Equal(t, 2.0, s.growthFactor)
	assert.Equal(t, 0.5, s.backoffFactor)
	assert.Equal(t, 2000, s.growthInterval)
	require.NoError(t, s.validate())
}

func TestGradScalerValidation(t *testing.T) {
	require.ErrorContains(t, NewGradScaler().WithInitScale(0).validate(), "initial scale")
	require.ErrorContains(t, NewGradScaler().WithGrowthFactor(1).validate(), "growth factor")
	require.ErrorContains(t, NewGradScaler().WithBackoffFactor(1).validate(), "backoff factor")
	require.ErrorContains(t, NewGradScaler().WithGrowthInterval(0).validate(), "growth interval")
	// Disabled scalers don't validate their factors: they are never used.
	require.NoError(t, NewGradScaler().WithInitScale(0).Enabled(false).validate())
}

func TestGradScalerGrowth(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newFixtureCtx()
	scaler := NewGradScaler().
		WithInitScale(1024).
		WithGrowthInterval(2).
		WithGrowthFactor(2)
	trainer, err := Trainer(backend, ctx, linearModel, losses.MeanSquaredError, plainSGD()).
		WithAMP(true).
		WithScaler(scaler).
		Done()
	require.NoError(t, err)

	// Two finite steps reach the growth interval: the scale doubles once and
	// the good-steps counter resets.
	_, err = trainer.RunEpochs(fixtureDataset(), 2)
	require.NoError(t, err)
	assert.InDelta(t, 2048, scaler.CurrentScale(ctx), 1e-6)
}

func TestGradScalerBackoff(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newFixtureCtx()
	// A scale this close to the float32 limit overflows the scaled gradients
	// to infinity, which must skip the update and halve the scale.
	scaler := NewGradScaler().WithInitScale(3e38)
	trainer, err := Trainer(backend, ctx, linearModel, losses.MeanSquaredError, plainSGD()).
		WithAMP(true).
		WithScaler(scaler).
		Done()
	require.NoError(t, err)

	state, err := trainer.Run(fixtureDataset())
	require.NoError(t, err)
	// The unscaled loss is still the real one.
	assert.InDelta(t, 17.0, state.Output.(float64), 1e-3)
	// Update skipped: the weights must not have moved.
	weight, bias := denseWeights(t, ctx)
	assert.Zero(t, weight)
	assert.Zero(t, bias)
	assert.InEpsilon(t, 1.5e38, scaler.CurrentScale(ctx), 1e-5)
}

func TestGradScalerSkipsStatefulOptimizerUpdate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newFixtureCtx()
	scaler := NewGradScaler().WithInitScale(1)
	trainer, err := Trainer(backend, ctx, linearModel, losses.MeanSquaredError,
		optimizers.Adam().LearningRate(0.1).Done()).
		WithAMP(true).
		WithScaler(scaler).
		Done()
	require.NoError(t, err)

	// A finite step moves the weights and populates the Adam moments.
	_, err = trainer.Run(fixtureDataset())
	require.NoError(t, err)
	weight, bias := denseWeights(t, ctx)
	require.NotZero(t, weight)
	require.EqualValues(t, 1, optimizers.GetGlobalStep(ctx))

	// Infinite labels make the gradients non-finite. Zeroing the gradients is
	// not enough for Adam: its moments would keep decaying and applying, and
	// its counters advancing. The whole update must be rolled back, leaving
	// weights, moments and counters at their previous values, while the scale
	// still backs off.
	badBatch := engine.FromBatches("overflow",
		engine.NewBatch(
			[]any{[][]float32{{1}, {2}}},
			[]any{[][]float32{{float32(math.Inf(1))}, {5}}}))
	_, err = trainer.Run(badBatch)
	require.ErrorContains(t, err, "aborting")
	weightAfter, biasAfter := denseWeights(t, ctx)
	assert.Equal(t, weight, weightAfter)
	assert.Equal(t, bias, biasAfter)
	assert.EqualValues(t, 1, optimizers.GetGlobalStep(ctx))
	assert.InDelta(t, 0.5, scaler.CurrentScale(ctx), 1e-6)
}

func TestGradScalerDisabledIsPassThrough(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newFixtureCtx()
	trainer, err := Trainer(backend, ctx, linearModel, losses.MeanSquaredError, plainSGD()).
		WithAMP(true).
		WithScaler(NewGradScaler().Enabled(false)).
		Done()
	require.NoError(t, err)

	state, err := trainer.Run(fixtureDataset())
	require.NoError(t, err)
	assert.InDelta(t, 17.0, state.Output.(float64), 1e-3)
	// No scaler state is created.
	assert.Nil(t, ctx.InspectVariable("/"+GradScalerScope, ScaleVariableName))
}

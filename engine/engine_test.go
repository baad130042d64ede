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

package engine

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStepper records its calls and stores the iteration as the output.
type countingStepper struct {
	startCalls, steps, endCalls int
	failAtStep                  int // 0 means never fail.
}

func (s *countingStepper) StartRun(state *State) error {
	s.startCalls++
	return nil
}

func (s *countingStepper) Step(state *State, spec any, inputs, labels []*tensors.Tensor) error {
	s.steps++
	if s.failAtStep > 0 && s.steps == s.failAtStep {
		return errors.New("stepper failure")
	}
	state.Output = s.steps
	return nil
}

func (s *countingStepper) EndRun(state *State) error {
	s.endCalls++
	return nil
}

// fakeDataset yields numBatches fresh single-tensor batches per epoch. If
// looping, it never returns io.EOF.
type fakeDataset struct {
	numBatches int
	looping    bool

	yielded int
	resets  int
}

func (ds *fakeDataset) Name() string { return "fake" }

func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if !ds.looping && ds.yielded >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.yielded++
	return nil,
		[]*tensors.Tensor{tensors.FromValue([][]float32{{1}, {2}})},
		[]*tensors.Tensor{tensors.FromValue([][]float32{{3}, {5}})},
		nil
}

func (ds *fakeDataset) Reset() {
	ds.yielded = 0
	ds.resets++
}

func TestRunEpochs(t *testing.T) {
	stepper := &countingStepper{}
	e := New(stepper)
	ds := &fakeDataset{numBatches: 3}

	state, err := e.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stepper.startCalls)
	assert.Equal(t, 6, stepper.steps)
	assert.Equal(t, 1, stepper.endCalls)
	assert.Equal(t, 6, state.Iteration)
	assert.Equal(t, 2, state.Epoch)
	assert.Equal(t, 2, state.MaxEpochs)
	assert.Equal(t, 6, state.Output)
	assert.Equal(t, 2, ds.resets, "dataset must be reset after every epoch")

	// State resets between runs.
	state, err = e.Run(ds)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Iteration)
	assert.Equal(t, 1, state.MaxEpochs)
	assert.Equal(t, 2, stepper.startCalls)
}

func TestRunSteps(t *testing.T) {
	stepper := &countingStepper{}
	e := New(stepper)

	state, err := e.RunSteps(&fakeDataset{looping: true}, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, state.Iteration)
	assert.Equal(t, -1, state.MaxEpochs)
	assert.Equal(t, 1, stepper.endCalls)

	// A finite dataset that ends before the requested steps is an error.
	_, err = e.RunSteps(&fakeDataset{numBatches: 2}, 5)
	require.ErrorContains(t, err, "looping dataset")

	// Zero steps still resets the state and fires the start/end hooks.
	state, err = e.RunSteps(&fakeDataset{looping: true}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Iteration)
	assert.Nil(t, state.Output)
	assert.Equal(t, 3, stepper.startCalls)
	assert.Equal(t, 2, stepper.endCalls)
}

func TestHookOrdering(t *testing.T) {
	stepper := &countingStepper{}
	e := New(stepper)

	var order []string
	e.OnStep("late", 10, func(e *Engine, state *State) error {
		order = append(order, "late")
		return nil
	})
	e.OnStep("early", -1, func(e *Engine, state *State) error {
		order = append(order, "early")
		return nil
	})
	e.OnStep("middle", 0, func(e *Engine, state *State) error {
		order = append(order, "middle")
		return nil
	})
	e.OnStart("start", 0, func(e *Engine, ds train.Dataset) error {
		order = append(order, "start")
		return nil
	})
	e.OnCompleted("completed", 0, func(e *Engine, state *State) error {
		order = append(order, "completed")
		return nil
	})

	_, err := e.Run(&fakeDataset{numBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "early", "middle", "late", "completed"}, order)
}

func TestHookErrorAbortsRun(t *testing.T) {
	stepper := &countingStepper{}
	e := New(stepper)
	e.OnStep("boom", 0, func(e *Engine, state *State) error {
		return errors.New("hook broke")
	})
	_, err := e.Run(&fakeDataset{numBatches: 3})
	require.ErrorContains(t, err, `OnStep(hook "boom")`)
	assert.Equal(t, 1, stepper.steps, "run must abort at the first hook error")
	assert.Equal(t, 0, stepper.endCalls)
}

func TestStepErrorAbortsRun(t *testing.T) {
	stepper := &countingStepper{failAtStep: 2}
	e := New(stepper)
	_, err := e.Run(&fakeDataset{numBatches: 3})
	require.ErrorContains(t, err, "stepper failure")
	assert.Equal(t, 0, stepper.endCalls)
}

func TestYieldedTensorOwnership(t *testing.T) {
	// fakeDataset doesn't customize ownership: its yielded tensors must be
	// finalized after each step.
	var seen []*tensors.Tensor
	e := New(&countingStepper{})
	ds := &fakeDataset{numBatches: 1}
	state, err := e.startRun(ds, 1)
	require.NoError(t, err)
	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	seen = append(seen, inputs...)
	seen = append(seen, labels...)
	require.NoError(t, e.step(state, spec, inputs, labels))
	for _, tensor := range seen {
		assert.False(t, tensor.Ok(), "yielded tensors must be finalized after the step")
	}

	// BatchesDataset keeps ownership: its tensors survive a full run and the
	// dataset can be iterated again.
	batches := FromBatches("reusable",
		NewBatch([]any{[][]float32{{1}, {2}}}, []any{[][]float32{{3}, {5}}}))
	_, err = New(&countingStepper{}).RunEpochs(batches, 2)
	require.NoError(t, err)
	_, inputs, _, err = batches.Yield()
	require.NoError(t, err)
	assert.True(t, inputs[0].Ok())
}

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

// Package engine runs steps over a dataset, one batch at a time.
//
// An Engine by itself doesn't know what a step computes: that is delegated to
// a Stepper, typically built by the supervised package (a trainer or an
// evaluator). One can attach functionality to the engine through hooks --
// progress bars, checkpointing, early stopping -- the same way one attaches
// them to a GoMLX training loop.
//
// Iteration is single-threaded and synchronous: batches are requested from
// the dataset and processed one at a time, in order. Parallelism, if any,
// lives below this layer, inside the GoMLX backend.
package engine

import (
	"io"
	"iter"
	"sort"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(e *Engine, ds train.Dataset) error

// OnStepFn is the type of OnStep hooks, called after every step with the
// updated state.
type OnStepFn func(e *Engine, state *State) error

// OnCompletedFn is the type of OnCompleted hooks, called once at the end of a
// successful run.
type OnCompletedFn func(e *Engine, state *State) error

// State is the mutable record of a run. It is created (or reset) when a run
// starts and mutated once per batch.
//
// The public fields are meant for reading; hooks and output transforms may
// inspect them freely.
type State struct {
	// Iteration is the number of steps executed in the current run, starting
	// at 0 and reaching the total number of batches processed when the run
	// completes.
	Iteration int

	// Epoch currently being executed, starting from 0. Only advances on
	// Engine.Run and Engine.RunEpochs.
	Epoch int

	// MaxEpochs of the current run. -1 when running by steps.
	MaxEpochs int

	// Output of the last step, as produced by the stepper's output transform.
	Output any

	// Metrics aggregated over the run, published by the stepper (e.g. an
	// evaluator's named metrics). Nil for steppers that don't aggregate.
	Metrics map[string]float64
}

// Stepper computes the actual work of each step. The supervised package
// provides trainer and evaluator implementations.
type Stepper interface {
	// StartRun is called once before the first step of a run -- e.g. to reset
	// metric accumulators.
	StartRun(state *State) error

	// Step processes one batch, setting state.Output. It must return an error
	// to abort the run -- including numeric failures like a NaN loss.
	Step(state *State, spec any, inputs, labels []*tensors.Tensor) error

	// EndRun is called once after the last step of a successful run -- e.g.
	// to publish aggregated metrics into state.Metrics.
	EndRun(state *State) error
}

// Engine iterates a dataset and applies one step per batch, firing hooks
// around the run.
//
// The public attributes are meant for reading only, don't change them --
// behavior can be undefined.
type Engine struct {
	stepper Stepper

	// StepDurations collected during the current run.
	StepDurations []time.Duration

	// SharedData allows cross-attachments to publish and consume information.
	// Keys (strings) and semantics of their values are not specified by the
	// engine.
	SharedData map[string]any

	state *State

	onStart     *priorityHooks[*hookWithName[OnStartFn]]
	onStep      *priorityHooks[*hookWithName[OnStepFn]]
	onCompleted *priorityHooks[*hookWithName[OnCompletedFn]]

	// finalizeYielded indicates whether the dataset's yielded tensors should
	// be finalized after each step. True by default, datasets opt out with
	// train.DatasetCustomOwnership.
	finalizeYielded bool
}

// New creates an Engine around the given stepper.
func New(stepper Stepper) *Engine {
	return &Engine{
		stepper:     stepper,
		SharedData:  make(map[string]any),
		state:       &State{},
		onStart:     newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:      newPriorityHooks[*hookWithName[OnStepFn]](),
		onCompleted: newPriorityHooks[*hookWithName[OnCompletedFn]](),
	}
}

// State returns the state of the current (or last) run.
func (e *Engine) State() *State {
	return e.state
}

// LastOutput is a shortcut for State().Output.
func (e *Engine) LastOutput() any {
	return e.state.Output
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of a run.
func (e *Engine) OnStart(name string, priority Priority, fn OnStartFn) {
	e.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to
// each step of a run. The function fn is called after the stepper's Step.
func (e *Engine) OnStep(name string, priority Priority, fn OnStepFn) {
	e.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnCompleted adds a hook with given priority and name (for error reporting)
// to the end of a run, after the last step.
func (e *Engine) OnCompleted(name string, priority Priority, fn OnCompletedFn) {
	e.onCompleted.Add(priority, &hookWithName[OnCompletedFn]{name: name, fn: fn})
}

// Run iterates the dataset until io.EOF, applying one step per batch, and
// returns the final state. Equivalent to RunEpochs(ds, 1).
//
// Note: inputs and labels yielded by the dataset are finalized (freed)
// immediately after use in each step, unless the dataset implements
// train.DatasetCustomOwnership and keeps ownership.
func (e *Engine) Run(ds train.Dataset) (*State, error) {
	return e.RunEpochs(ds, 1)
}

// RunEpochs iterates the dataset for the given number of epochs, calling
// ds.Reset after each epoch (including the last), and returns the final
// state.
func (e *Engine) RunEpochs(ds train.Dataset, epochs int) (*State, error) {
	state, err := e.startRun(ds, epochs)
	if err != nil {
		return nil, err
	}
	for state.Epoch = 0; state.Epoch < epochs; state.Epoch++ {
		for {
			spec, inputs, labels, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					break
				}
				return nil, errors.WithMessagef(err, "Engine.RunEpochs(epoch %d of %d): failed reading from dataset",
					state.Epoch, epochs)
			}
			if err = e.step(state, spec, inputs, labels); err != nil {
				return nil, errors.WithMessagef(err, "Engine.RunEpochs(%d): step failed (iteration=%d)",
					epochs, state.Iteration)
			}
		}
		ds.Reset()
	}
	state.Epoch = epochs
	if err = e.endRun(state); err != nil {
		return nil, err
	}
	return state, nil
}

// RunSteps runs exactly the given number of steps, irrespective of epochs --
// usually paired with an infinite (looping) dataset. Reaching the end of the
// dataset before the requested steps is an error. A non-positive steps still
// resets the state and fires the start/end hooks, like RunEpochs with 0
// epochs.
func (e *Engine) RunSteps(ds train.Dataset, steps int) (*State, error) {
	state, err := e.startRun(ds, -1)
	if err != nil {
		return nil, err
	}
	for range steps {
		spec, inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"reached dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a looping dataset, or Engine.RunEpochs instead of Engine.RunSteps?",
					state.Iteration, steps)
			}
			return nil, errors.WithMessagef(err, "Engine.RunSteps(%d): failed reading from dataset", steps)
		}
		if err = e.step(state, spec, inputs, labels); err != nil {
			return nil, errors.WithMessagef(err, "Engine.RunSteps(%d): step failed (iteration=%d)",
				steps, state.Iteration)
		}
	}
	if err = e.endRun(state); err != nil {
		return nil, err
	}
	return state, nil
}

// startRun resets the state and fires the OnStart hooks.
func (e *Engine) startRun(ds train.Dataset, maxEpochs int) (*State, error) {
	state := e.state
	state.Iteration = 0
	state.Epoch = 0
	state.MaxEpochs = maxEpochs
	state.Output = nil
	state.Metrics = nil
	e.StepDurations = e.StepDurations[:0]
	e.finalizeYielded = finalizeYieldedTensors(ds)
	if err := e.stepper.StartRun(state); err != nil {
		return nil, err
	}
	for hook := range e.onStart.All() {
		if err := hook.fn(e, ds); err != nil {
			return nil, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return state, nil
}

// step processes one batch: validates it, runs the stepper, frees the yielded
// tensors and fires the OnStep hooks.
func (e *Engine) step(state *State, spec any, inputs, labels []*tensors.Tensor) error {
	startTime := time.Now()
	defer func() {
		e.StepDurations = append(e.StepDurations, time.Since(startTime))
	}()

	if err := checkYield(inputs, labels); err != nil {
		return err
	}
	if err := e.stepper.Step(state, spec, inputs, labels); err != nil {
		return err
	}
	state.Iteration++

	if e.finalizeYielded {
		for sliceIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
			for i, t := range slice {
				if err := t.FinalizeAll(); err != nil {
					return errors.WithMessagef(err, "finalizing tensor #%d of %s after use",
						i, yieldInputTypeNames[sliceIdx])
				}
			}
		}
	}

	for hook := range e.onStep.All() {
		if err := hook.fn(e, state); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// endRun lets the stepper publish final results and fires OnCompleted hooks.
func (e *Engine) endRun(state *State) error {
	if err := e.stepper.EndRun(state); err != nil {
		return err
	}
	for hook := range e.onCompleted.All() {
		if err := hook.fn(e, state); err != nil {
			return errors.WithMessagef(err, "OnCompleted(hook %q)", hook.name)
		}
	}
	return nil
}

// MedianStepDuration returns the median duration of the steps of the current
// (or last) run. It returns 1 millisecond if no step was recorded, to avoid
// potential division by 0.
//
// It sorts and mutates Engine.StepDurations.
func (e *Engine) MedianStepDuration() time.Duration {
	if len(e.StepDurations) == 0 {
		return time.Millisecond
	}
	times := e.StepDurations
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// finalizeYieldedTensors checks whether for this dataset the yielded tensors
// should be finalized after use.
func finalizeYieldedTensors(ds train.Dataset) bool {
	dsOwnership, ok := ds.(train.DatasetCustomOwnership)
	if !ok {
		// Default is true, if not otherwise configured.
		return true
	}
	return dsOwnership.IsOwnershipTransferred()
}

var yieldInputTypeNames = []string{"inputs", "labels"}

func checkYield(inputs, labels []*tensors.Tensor) error {
	for inputTypeIdx, slice := range [][]*tensors.Tensor{inputs, labels} {
		for tensorIdx, t := range slice {
			if !t.Ok() {
				return errors.Errorf(
					"dataset yielded an invalid tensor (tensor #%d of %s) -- likely it has already been "+
						"finalized (freed). The engine by default immediately frees yielded tensors after "+
						"use; if the dataset reuses tensors, it should implement IsOwnershipTransferred() "+
						"and return false.",
					tensorIdx, yieldInputTypeNames[inputTypeIdx])
			}
		}
	}
	return nil
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}

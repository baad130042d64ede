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
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/ignite/engine"
	"github.com/gomlx/ignite/platform"
	"github.com/pkg/errors"
)

// EvaluatorConfig builds an inference-only engine for a supervised model.
// Create it with Evaluator, configure with the With* methods and call Done.
type EvaluatorConfig struct {
	backend backends.Backend
	ctx     *context.Context
	model   ModelFn

	device          platform.Device
	outputTransform EvalOutputTransformFn
	metrics         map[string]metrics.Interface
	metricNames     []string

	err error
}

// Evaluator creates the configuration to build an evaluation engine: each
// step runs the model's forward graph on a batch with training mode disabled
// and feeds predictions and labels to the configured metrics. No gradients
// are computed and no model variable is touched, so the model is bit-identical
// before and after a run.
//
// backend and ctx follow the same rules as in Trainer. Call Done to validate
// and build the engine.Engine.
func Evaluator(backend backends.Backend, ctx *context.Context, model ModelFn) *EvaluatorConfig {
	if ctx == nil {
		ctx = context.New()
	}
	return &EvaluatorConfig{
		backend: backend,
		ctx:     ctx,
		model:   model,
	}
}

// WithDevice places the computation on the given device. Same semantics as
// TrainerConfig.WithDevice.
func (c *EvaluatorConfig) WithDevice(spec string) *EvaluatorConfig {
	d, err := platform.Parse(spec)
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		return c
	}
	c.device = d
	return c
}

// WithOutputTransform sets the function that converts the step results into
// engine.State.Output. The default stores a PredictionsAndLabels value.
func (c *EvaluatorConfig) WithOutputTransform(fn EvalOutputTransformFn) *EvaluatorConfig {
	c.outputTransform = fn
	return c
}

// WithMetrics attaches named metrics to the evaluation: each one is reset at
// the start of a run, updated on every batch and its aggregated scalar value
// published to engine.State.Metrics under its map key.
func (c *EvaluatorConfig) WithMetrics(m map[string]metrics.Interface) *EvaluatorConfig {
	c.metrics = m
	return c
}

// Done validates the configuration and builds the evaluation engine.
func (c *EvaluatorConfig) Done() (*engine.Engine, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.model == nil {
		return nil, errors.New("Evaluator requires a non-nil model function")
	}
	for name, m := range c.metrics {
		if m == nil {
			return nil, errors.Errorf("metric %q is nil", name)
		}
	}
	// Metrics are evaluated in a deterministic order, so graph outputs line
	// up across rebuilds.
	c.metricNames = make([]string, 0, len(c.metrics))
	for name := range c.metrics {
		c.metricNames = append(c.metricNames, name)
	}
	slices.Sort(c.metricNames)
	return engine.New(&evalStep{
		cfg:     c,
		backend: c.backend,
		execs:   make(map[string]*context.Exec),
	}), nil
}

// evalStep is the engine.Stepper of an evaluation run.
type evalStep struct {
	cfg     *EvaluatorConfig
	backend backends.Backend
	execs   map[string]*context.Exec
}

func (s *evalStep) StartRun(state *engine.State) error {
	if s.backend == nil {
		backend, err := s.cfg.device.NewBackend()
		if err != nil {
			return err
		}
		s.backend = backend
	}
	if err := platform.Compatible(platform.ModelDevice(s.cfg.ctx), s.cfg.device); err != nil {
		return err
	}
	return exceptions.TryCatch[error](func() {
		for _, name := range s.cfg.metricNames {
			s.cfg.metrics[name].Reset(s.cfg.ctx)
		}
	})
}

func (s *evalStep) Step(state *engine.State, spec any, inputs, labels []*tensors.Tensor) error {
	if len(inputs) == 0 {
		return errors.New("evaluation step requires at least one input tensor")
	}
	key := execKey(spec, len(inputs), len(labels))
	exec, found := s.execs[key]
	if !found {
		numInputs := len(inputs)
		graphFn := func(ctx *context.Context, all []*Node) []*Node {
			return s.cfg.buildEvalGraph(ctx, spec, all[:numInputs], all[numInputs:])
		}
		var err error
		exec, err = context.NewExecAny(s.backend, s.cfg.ctx, graphFn)
		if err != nil {
			return errors.WithMessagef(err, "building evaluation step for dataset spec %v", spec)
		}
		s.execs[key] = exec
	}

	args := make([]any, 0, len(inputs)+len(labels))
	for _, t := range slices.Concat(inputs, labels) {
		args = append(args, t)
	}
	results, err := exec.Exec(args...)
	if err != nil {
		return errors.WithMessagef(err, "evaluation step %d", state.Iteration)
	}

	numMetrics := len(s.cfg.metricNames)
	predictions := results[:len(results)-numMetrics]
	metricValues := results[len(results)-numMetrics:]
	if state.Metrics == nil {
		state.Metrics = make(map[string]float64, numMetrics)
	}
	for i, name := range s.cfg.metricNames {
		// Metric graphs return their running aggregate, so the last batch's
		// value is the value of the whole run so far.
		state.Metrics[name] = shapes.ConvertTo[float64](metricValues[i].Value())
	}
	if s.cfg.outputTransform != nil {
		state.Output = s.cfg.outputTransform(inputs, labels, predictions)
	} else {
		state.Output = PredictionsAndLabels{Predictions: predictions, Labels: labels}
	}
	return nil
}

func (s *evalStep) EndRun(state *engine.State) error { return nil }

// buildEvalGraph builds the inference graph of one evaluation step: forward
// pass with training mode off, followed by the metric updates. Returns the
// predictions followed by one aggregated value per metric, in sorted name
// order.
func (c *EvaluatorConfig) buildEvalGraph(ctx *context.Context, spec any, inputs, labels []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, false)

	predictions := c.model(ctx, spec, inputs)
	outputs := slices.Clone(predictions)
	for _, name := range c.metricNames {
		outputs = append(outputs, c.metrics[name].UpdateGraph(ctx, labels, predictions))
	}
	return outputs
}

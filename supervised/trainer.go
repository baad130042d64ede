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
	"slices"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/ignite/engine"
	"github.com/gomlx/ignite/platform"
	"github.com/pkg/errors"
)

// TrainerConfig builds a training engine for a supervised model. Create it
// with Trainer, configure with the various With* methods and call Done.
type TrainerConfig struct {
	backend   backends.Backend
	ctx       *context.Context
	model     ModelFn
	lossFn    losses.LossFn
	optimizer optimizers.Interface

	device          platform.Device
	outputTransform OutputTransformFn
	amp             bool
	scaler          *GradScaler
	clipSet         bool
	clipMaxNorm     float64
	clipNormType    float64
	donateInputs    bool

	err error
}

// Trainer creates the configuration to build a supervised training engine:
// each step runs the model's forward graph on a batch, computes the loss,
// back-propagates and applies the optimizer update.
//
// backend may be nil, in which case one is created at the start of the first
// run from the device configured with WithDevice (defaulting to GoMLX's
// default backend). ctx holds the model variables and hyperparameters; if nil
// a fresh context is created.
//
// Call Done when finished configuring, to validate and build the
// engine.Engine.
func Trainer(backend backends.Backend, ctx *context.Context, model ModelFn,
	lossFn losses.LossFn, optimizer optimizers.Interface) *TrainerConfig {
	if ctx == nil {
		ctx = context.New()
	}
	return &TrainerConfig{
		backend:      backend,
		ctx:          ctx,
		model:        model,
		lossFn:       lossFn,
		optimizer:    optimizer,
		clipNormType: 2,
	}
}

// WithDevice places the computation on the given device, parsed from a spec
// like "cpu", "go", "cuda", "cuda:1" or "tpu". Only used when the backend
// given to Trainer was nil. It also defines the engine side of the
// model/engine device compatibility check performed at the start of a run.
func (c *TrainerConfig) WithDevice(spec string) *TrainerConfig {
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
// the value stored in engine.State.Output. The default stores the scalar
// batch loss as a float64.
func (c *TrainerConfig) WithOutputTransform(fn OutputTransformFn) *TrainerConfig {
	c.outputTransform = fn
	return c
}

// WithAMP enables automatic mixed precision: float inputs are cast to Float16
// before the model's forward pass, so layers built from them create their
// variables in Float16 as well -- there is no separate full-precision master
// copy of the weights. The predictions come out in Float16; the loss and the
// scaler state are computed in Float32.
func (c *TrainerConfig) WithAMP(enabled bool) *TrainerConfig {
	c.amp = enabled
	return c
}

// WithScaler sets the gradient scaler used for the mixed-precision backward
// pass. Requires WithAMP(true).
func (c *TrainerConfig) WithScaler(scaler *GradScaler) *TrainerConfig {
	c.scaler = scaler
	return c
}

// WithGradientClipping clips the gradients so their global normType-norm does
// not exceed maxNorm before the optimizer update. Use math.Inf(1) as normType
// for the max-norm. A maxNorm of 0 zeroes all gradients, which leaves the
// variables untouched while still reporting the batch loss.
func (c *TrainerConfig) WithGradientClipping(maxNorm, normType float64) *TrainerConfig {
	c.clipSet = true
	c.clipMaxNorm = maxNorm
	c.clipNormType = normType
	return c
}

// WithDonateInputs donates the device buffers of the yielded input and label
// tensors to the execution instead of copying them. Cheaper on accelerators;
// a tensor without a local (host) copy is invalidated by the donation, so
// datasets that reuse yielded tensors must keep them host-backed.
func (c *TrainerConfig) WithDonateInputs(donate bool) *TrainerConfig {
	c.donateInputs = donate
	return c
}

// Done validates the configuration and builds the training engine.
func (c *TrainerConfig) Done() (*engine.Engine, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.model == nil {
		return nil, errors.New("Trainer requires a non-nil model function")
	}
	if c.lossFn == nil {
		return nil, errors.New("Trainer requires a non-nil loss function")
	}
	if c.optimizer == nil {
		return nil, errors.New("Trainer requires a non-nil optimizer")
	}
	if c.scaler != nil && c.scaler.IsEnabled() && !c.amp {
		return nil, errors.New("scaler argument is not nil, but amp is false")
	}
	if c.amp && c.device.Type == platform.TPU {
		return nil, errors.New("amp cannot be used with tpu device")
	}
	if c.scaler != nil {
		if err := c.scaler.validate(); err != nil {
			return nil, err
		}
	}
	if c.clipSet {
		if c.clipMaxNorm < 0 || math.IsNaN(c.clipMaxNorm) {
			return nil, errors.Errorf("gradient clipping maxNorm must be non-negative, got %g", c.clipMaxNorm)
		}
		if c.clipNormType < 1 && !math.IsInf(c.clipNormType, 1) {
			return nil, errors.Errorf("gradient clipping normType must be >= 1 or +Inf, got %g", c.clipNormType)
		}
	}
	if c.needsGradients() {
		if _, ok := c.optimizer.(OptimizerWithGradients); !ok {
			return nil, errors.Errorf(
				"optimizer %T cannot apply externally computed gradients, required for loss scaling or gradient clipping",
				c.optimizer)
		}
	}
	return engine.New(&trainStep{
		cfg:     c,
		backend: c.backend,
		execs:   make(map[string]*context.Exec),
	}), nil
}

// needsGradients reports whether the step graph must compute gradients
// explicitly instead of letting optimizer.UpdateGraph do it.
func (c *TrainerConfig) needsGradients() bool {
	return c.clipSet || (c.scaler != nil && c.scaler.IsEnabled())
}

// trainStep is the engine.Stepper of a training run. It keeps one compiled
// executor per dataset spec and batch arity; each executor further caches one
// graph per input shape combination.
type trainStep struct {
	cfg     *TrainerConfig
	backend backends.Backend
	execs   map[string]*context.Exec
}

func (s *trainStep) StartRun(state *engine.State) error {
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
	return nil
}

func (s *trainStep) Step(state *engine.State, spec any, inputs, labels []*tensors.Tensor) error {
	if len(inputs) == 0 {
		return errors.New("training step requires at least one input tensor")
	}
	key := execKey(spec, len(inputs), len(labels))
	exec, found := s.execs[key]
	if !found {
		numInputs := len(inputs)
		graphFn := func(ctx *context.Context, all []*Node) []*Node {
			return s.cfg.buildTrainGraph(ctx, spec, all[:numInputs], all[numInputs:])
		}
		var err error
		exec, err = context.NewExecAny(s.backend, s.cfg.ctx, graphFn)
		if err != nil {
			return errors.WithMessagef(err, "building training step for dataset spec %v", spec)
		}
		s.execs[key] = exec
	}

	args := make([]any, 0, len(inputs)+len(labels))
	for _, t := range slices.Concat(inputs, labels) {
		if s.cfg.donateInputs {
			donated, err := DonateTensorBuffer(t, s.backend, s.cfg.device.Ordinal)
			if err != nil {
				return errors.WithMessage(err, "donating batch tensor to device")
			}
			args = append(args, donated)
			continue
		}
		args = append(args, t)
	}
	results, err := exec.Exec(args...)
	if err != nil {
		return errors.WithMessagef(err, "training step %d", state.Iteration)
	}

	lossT := results[len(results)-1]
	predictions := results[:len(results)-1]
	loss := shapes.ConvertTo[float64](lossT.Value())
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Errorf("batch loss is %g at training step %d, aborting", loss, state.Iteration)
	}
	if s.cfg.outputTransform != nil {
		state.Output = s.cfg.outputTransform(inputs, labels, predictions, lossT)
	} else {
		state.Output = loss
	}
	return nil
}

func (s *trainStep) EndRun(state *engine.State) error { return nil }

// buildTrainGraph builds the graph of one training step: forward pass, scalar
// loss, backward pass and optimizer update. Returns the predictions followed
// by the loss. Runs under the executor's exception handling, so it panics on
// invalid graphs like any graph-building function.
func (c *TrainerConfig) buildTrainGraph(ctx *context.Context, spec any, inputs, labels []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)

	modelInputs := inputs
	if c.amp {
		modelInputs = castFloats(inputs, dtypes.Float16)
	}
	predictions := c.model(ctx, spec, modelInputs)

	lossPredictions := predictions
	if c.amp {
		// Master precision for the loss and everything after it.
		lossPredictions = castFloats(predictions, dtypes.Float32)
	}
	loss := c.lossFn(labels, lossPredictions)
	if !loss.Shape().IsScalar() {
		loss = ReduceAllMean(loss)
	}

	if !c.needsGradients() {
		c.optimizer.UpdateGraph(ctx, g, loss)
	} else {
		scaling := c.scaler != nil && c.scaler.IsEnabled()
		lossToGrad := loss
		if scaling {
			lossToGrad = c.scaler.ScaleLoss(ctx, loss)
		}
		grads := ctx.BuildTrainableVariablesGradientsGraph(lossToGrad)
		var allFinite *Node
		if scaling {
			grads, allFinite = c.scaler.UnscaleAndUpdate(ctx, grads)
		}
		if c.clipSet {
			grads = ClipByGlobalNorm(grads, c.clipMaxNorm, c.clipNormType)
		}
		// The scaler state set by UnscaleAndUpdate must survive a skipped
		// step, so it is excluded from the rollback below.
		var beforeUpdate map[*context.Variable]bool
		if scaling {
			beforeUpdate = changedVariables(ctx, g)
		}
		c.optimizer.(OptimizerWithGradients).UpdateGraphWithGradients(ctx, grads, loss.DType())
		if scaling {
			rollbackUpdatesGraph(ctx, g, allFinite, beforeUpdate)
		}
	}

	outputs := slices.Clone(predictions)
	return append(outputs, StopGradient(loss))
}

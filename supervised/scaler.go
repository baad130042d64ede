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
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// GradScalerScope is the context scope under which the scaler keeps its
	// state variables.
	GradScalerScope = "grad_scaler"

	// ScaleVariableName holds the current loss scale.
	ScaleVariableName = "scale"

	// GoodStepsVariableName counts consecutive steps with finite gradients.
	GoodStepsVariableName = "good_steps"
)

// GradScaler implements dynamic loss scaling for mixed-precision training.
//
// The loss is multiplied by a scale factor before the backward pass, so small
// float16 gradients don't flush to zero, and the gradients are divided by the
// same factor before the optimizer update. If any unscaled gradient comes out
// non-finite the update is skipped and the scale backs off; after enough
// consecutive finite steps the scale grows again.
//
// The scale and the consecutive-good-steps counter live as non-trainable
// Float32 variables in the model's context -- independent of the model's
// dtype, which under TrainerConfig.WithAMP is Float16 for variables and
// gradients alike -- so they are checkpointed along with the model and the
// whole update stays inside the step graph.
//
// Create it with NewGradScaler, optionally adjust the factors with the With*
// methods and pass it to TrainerConfig.WithScaler.
type GradScaler struct {
	enabled        bool
	initScale      float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
}

// NewGradScaler returns a scaler with the usual defaults: initial scale 2^14,
// growth factor 2, backoff factor 0.5 and growth interval of 2000 steps.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		enabled:        true,
		initScale:      16384,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Enabled turns the scaler into a pass-through when set to false: the loss
// and gradients flow unmodified and no state variables are created.
func (s *GradScaler) Enabled(enabled bool) *GradScaler {
	s.enabled = enabled
	return s
}

// IsEnabled reports whether the scaler is active.
func (s *GradScaler) IsEnabled() bool { return s.enabled }

// WithInitScale sets the initial loss scale.
func (s *GradScaler) WithInitScale(scale float64) *GradScaler {
	s.initScale = scale
	return s
}

// WithGrowthFactor sets the factor the scale is multiplied by after
// growthInterval consecutive finite steps.
func (s *GradScaler) WithGrowthFactor(factor float64) *GradScaler {
	s.growthFactor = factor
	return s
}

// WithBackoffFactor sets the factor the scale is multiplied by when a
// non-finite gradient is observed.
func (s *GradScaler) WithBackoffFactor(factor float64) *GradScaler {
	s.backoffFactor = factor
	return s
}

// WithGrowthInterval sets how many consecutive finite steps are required
// before the scale grows.
func (s *GradScaler) WithGrowthInterval(steps int) *GradScaler {
	s.growthInterval = steps
	return s
}

func (s *GradScaler) validate() error {
	if !s.enabled {
		return nil
	}
	if s.initScale <= 0 {
		return errors.Errorf("GradScaler: initial scale must be positive, got %g", s.initScale)
	}
	if s.growthFactor <= 1 {
		return errors.Errorf("GradScaler: growth factor must be > 1, got %g", s.growthFactor)
	}
	if s.backoffFactor <= 0 || s.backoffFactor >= 1 {
		return errors.Errorf("GradScaler: backoff factor must be in (0, 1), got %g", s.backoffFactor)
	}
	if s.growthInterval <= 0 {
		return errors.Errorf("GradScaler: growth interval must be positive, got %d", s.growthInterval)
	}
	return nil
}

// scaleVar returns (creating if needed) the scale variable in the scaler's
// scope. It is always Float32, independent of the loss and gradient dtypes,
// and converted at the point of use.
func (s *GradScaler) scaleVar(ctx *context.Context) *context.Variable {
	scalerCtx := ctx.In(GradScalerScope).Checked(false)
	v := scalerCtx.VariableWithValue(ScaleVariableName, float32(s.initScale))
	v.Trainable = false
	return v
}

func (s *GradScaler) goodStepsVar(ctx *context.Context) *context.Variable {
	scalerCtx := ctx.In(GradScalerScope).Checked(false)
	v := scalerCtx.VariableWithValue(GoodStepsVariableName, int64(0))
	v.Trainable = false
	return v
}

// ScaleLoss multiplies the loss by the current scale. Called during graph
// building, before gradients are taken.
func (s *GradScaler) ScaleLoss(ctx *context.Context, loss *Node) *Node {
	if !s.enabled {
		return loss
	}
	g := loss.Graph()
	scale := s.scaleVar(ctx).ValueGraph(g)
	return Mul(loss, ConvertDType(scale, loss.DType()))
}

// UnscaleAndUpdate divides the gradients by the scale, checks them for
// non-finite values and updates the scaler state inside the graph. It returns
// the unscaled gradients -- zeroed when any was non-finite, so they are safe
// to feed to any optimizer -- and a scalar boolean node that is true when all
// gradients were finite. Zeroed gradients alone don't make every optimizer
// update inert (stateful optimizers still decay their moments and advance
// their counters), so the trainer additionally rolls back all variable
// updates of the step with rollbackUpdatesGraph when allFinite is false.
func (s *GradScaler) UnscaleAndUpdate(ctx *context.Context, grads []*Node) (unscaled []*Node, allFinite *Node) {
	g := grads[0].Graph()
	if !s.enabled {
		return grads, Const(g, true)
	}
	scaleVar := s.scaleVar(ctx)
	goodStepsVar := s.goodStepsVar(ctx)
	scale := scaleVar.ValueGraph(g)

	unscaled = make([]*Node, len(grads))
	for i, grad := range grads {
		u := Div(grad, ConvertDType(scale, grad.DType()))
		finite := LogicalAll(IsFinite(u))
		if allFinite == nil {
			allFinite = finite
		} else {
			allFinite = And(allFinite, finite)
		}
		unscaled[i] = u
	}

	// Zero out non-finite gradients so the optimizer update is inert: the
	// skipped step still goes through the same graph.
	for i, u := range unscaled {
		unscaled[i] = Where(allFinite, u, ZerosLike(u))
	}

	// State update: on a bad step back off and reset the counter; on a good
	// step increment the counter and grow the scale once it reaches the
	// growth interval.
	goodSteps := goodStepsVar.ValueGraph(g)
	nextGoodSteps := Where(allFinite, AddScalar(goodSteps, 1), ZerosLike(goodSteps))
	grown := GreaterOrEqual(nextGoodSteps, Const(g, int64(s.growthInterval)))

	backedOff := MulScalar(scale, s.backoffFactor)
	grownScale := MulScalar(scale, s.growthFactor)
	nextScale := Where(allFinite, Where(grown, grownScale, scale), backedOff)
	nextGoodSteps = Where(grown, ZerosLike(nextGoodSteps), nextGoodSteps)

	scaleVar.SetValueGraph(nextScale)
	goodStepsVar.SetValueGraph(nextGoodSteps)
	return unscaled, allFinite
}

// changedVariables returns the set of variables whose graph value has already
// been replaced in g, keyed by identity.
func changedVariables(ctx *context.Context, g *Graph) map[*context.Variable]bool {
	changed := make(map[*context.Variable]bool)
	for v := range ctx.IterVariables() {
		if v.ChangedInGraph(g) {
			changed[v] = true
		}
	}
	return changed
}

// rollbackUpdatesGraph reverts, when keep is false, every variable update
// recorded in g since the exclude set was collected: each such variable's new
// value becomes Where(keep, updated, original). The trainer uses it to skip
// the whole optimizer update on steps with non-finite gradients -- weights,
// optimizer slots and step counters all keep their previous values -- while
// the scaler state, collected in exclude beforehand, still records the
// backoff.
func rollbackUpdatesGraph(ctx *context.Context, g *Graph, keep *Node, exclude map[*context.Variable]bool) {
	for v := range ctx.IterVariables() {
		if exclude[v] || !v.ChangedInGraph(g) {
			continue
		}
		original := g.GetParameterByName(v.ParameterName())
		if original == nil {
			continue
		}
		v.SetValueGraph(Where(keep, v.ValueGraph(g), original))
	}
}

// CurrentScale reads the scale variable from the context. It returns the
// initial scale if the variable has not been created yet (no step ran).
func (s *GradScaler) CurrentScale(ctx *context.Context) float64 {
	v := ctx.GetVariableByScopeAndName(ctx.In(GradScalerScope).Scope(), ScaleVariableName)
	if v == nil {
		return s.initScale
	}
	return shapes.ConvertTo[float64](v.MustValue().Value())
}

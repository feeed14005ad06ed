// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements stochastic gradient descent with momentum (optionally Nesterov), weight decay and
// per-group learning rate multipliers, plus the learning rate schedules used to drive it.
//
// Variables are assigned to groups by the first component of their scope: e.g. a variable in
// "/backbone/conv_0/weights" belongs to the group named "backbone".
package optim

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// Scope where the momentum buffers are stored.
const Scope = "sgd_momentum"

// Group of variables sharing the same multipliers.
type Group struct {
	// Name is the top-level scope of the variables in the group.
	Name string

	// LearningRate multiplies the base learning rate. 0 freezes the group.
	LearningRate float64

	// WeightDecay multiplies the base weight decay.
	WeightDecay float64
}

// SGD is a momentum SGD optimizer. It implements optimizers.Interface.
type SGD struct {
	Momentum float64
	Nesterov bool

	// Groups lists the multipliers per top-level scope.
	Groups []Group

	// Default is used for trainable variables that are not in any group. If nil, such variables panic
	// at graph building time.
	Default *Group

	// WeightDecay is the base weight decay used by UpdateGraph. StepGraph takes it as an input instead.
	WeightDecay float64
}

var _ optimizers.Interface = (*SGD)(nil)

// New returns an SGD with momentum 0.9, Nesterov, and the given groups.
func New(groups ...Group) *SGD {
	return &SGD{Momentum: 0.9, Nesterov: true, Groups: groups}
}

// GroupOf returns the group of the variable in the given scope, or nil if none matches.
func (o *SGD) GroupOf(scope string) *Group {
	top := strings.TrimPrefix(scope, context.ScopeSeparator)
	if i := strings.Index(top, context.ScopeSeparator); i >= 0 {
		top = top[:i]
	}
	for i := range o.Groups {
		if o.Groups[i].Name == top {
			return &o.Groups[i]
		}
	}
	return o.Default
}

// UpdateGraph implements optimizers.Interface. The base learning rate is read from the optimizers learning rate
// variable (see optimizers.LearningRateVar), initialized from the context parameter optimizers.ParamLearningRate.
func (o *SGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	dtype := loss.DType()
	initial := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SGDDefaultLearningRate)
	lr := optimizers.LearningRateVar(ctx, dtype, initial).ValueGraph(g)
	o.StepGraph(ctx, loss, lr, Scalar(g, dtype, o.WeightDecay))
}

// StepGraph builds one update step of all trainable variables used by the graph, for the given scalar
// base learning rate and weight decay. It also increments the global step.
//
// For each variable p in group G, with gradient grad and momentum buffer b:
//
//	d = grad + wd*G.WeightDecay*p
//	b = Momentum*b + d
//	p = p - lr*G.LearningRate*(d + Momentum*b)   // Nesterov
//	p = p - lr*G.LearningRate*b                  // otherwise
func (o *SGD) StepGraph(ctx *context.Context, loss, learningRate, weightDecay *Node) {
	if !loss.IsScalar() {
		exceptions.Panicf("SGD requires a scalar loss, got %s", loss.Shape())
	}
	if !learningRate.IsScalar() || !weightDecay.IsScalar() {
		exceptions.Panicf("SGD requires scalar learning rate and weight decay, got %s and %s",
			learningRate.Shape(), weightDecay.Shape())
	}
	g := loss.Graph()
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtypes.Int64)

	idx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if idx >= len(grads) {
			exceptions.Panicf("SGD: more trainable variables than gradients (%d), were variables created in between?", len(grads))
		}
		grad := grads[idx]
		idx++
		group := o.GroupOf(v.Scope())
		if group == nil {
			exceptions.Panicf("SGD: variable %q is not in any group", v.ScopeAndName())
		}
		if group.LearningRate == 0 {
			continue
		}
		dtype := grad.DType()
		lr := MulScalar(ConvertDType(learningRate, dtype), group.LearningRate)
		wd := MulScalar(ConvertDType(weightDecay, dtype), group.WeightDecay)

		value := v.ValueGraph(g)
		direction := Add(grad, Mul(wd, value))
		if o.Momentum > 0 {
			bufferVar := o.momentumVariable(ctx, v)
			buffer := Add(MulScalar(bufferVar.ValueGraph(g), o.Momentum), direction)
			bufferVar.SetValueGraph(buffer)
			if o.Nesterov {
				direction = Add(direction, MulScalar(buffer, o.Momentum))
			} else {
				direction = buffer
			}
		}
		updated := Sub(value, Mul(lr, direction))
		updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
		v.SetValueGraph(updated)
	}
	if idx != len(grads) {
		exceptions.Panicf("SGD: %d gradients for %d trainable variables, were variables created in between?", len(grads), idx)
	}
}

// momentumVariable returns the momentum buffer of the trainable variable, creating it with zeros if needed.
func (o *SGD) momentumVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, Scope, trainable.Scope())
	name := trainable.Name() + "_momentum"
	return ctx.Checked(false).InAbsPath(scopePath).
		VariableWithValue(name, tensors.FromShape(trainable.Shape())).
		SetTrainable(false)
}

// Clear deletes the momentum buffers. It implements optimizers.Interface.
func (o *SGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + Scope).DeleteVariablesInScope()
}

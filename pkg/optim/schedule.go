// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Learning rate schedule kinds.
const (
	// ScheduleInv decays the learning rate as InitialLearningRate * (1 + Gamma*iter)^(-Power), and doubles the
	// weight decay.
	ScheduleInv = "inv"

	// ScheduleStep multiplies the learning rate by Gamma every StepSize iterations.
	ScheduleStep = "step"

	// ScheduleConstant keeps the initial learning rate.
	ScheduleConstant = "constant"
)

// ScheduleKinds lists the valid Schedule.Kind values.
var ScheduleKinds = []string{ScheduleInv, ScheduleStep, ScheduleConstant}

// Rates are the base values for one iteration. Each group multiplies them by its own multipliers.
type Rates struct {
	LearningRate float64
	WeightDecay  float64
}

// Schedule computes the Rates for each training iteration.
type Schedule struct {
	Kind                string
	InitialLearningRate float64
	Gamma, Power        float64
	StepSize            int
	WeightDecay         float64
}

// DefaultSchedule returns the "inv" schedule: gamma=0.001, power=0.75, weight decay 0.0005.
func DefaultSchedule(initialLearningRate float64) Schedule {
	return Schedule{
		Kind:                ScheduleInv,
		InitialLearningRate: initialLearningRate,
		Gamma:               0.001,
		Power:               0.75,
		WeightDecay:         0.0005,
	}
}

// Validate returns an error for unknown kinds or invalid values.
func (s Schedule) Validate() error {
	if !slices.Contains(ScheduleKinds, s.Kind) {
		return errors.Errorf("unknown learning rate schedule %q, valid values are %q", s.Kind, ScheduleKinds)
	}
	if s.InitialLearningRate <= 0 {
		return errors.Errorf("initial learning rate must be > 0, got %g", s.InitialLearningRate)
	}
	if s.WeightDecay < 0 {
		return errors.Errorf("weight decay must be >= 0, got %g", s.WeightDecay)
	}
	if s.Kind == ScheduleStep && s.StepSize <= 0 {
		return errors.Errorf("schedule %q requires a positive step size, got %d", ScheduleStep, s.StepSize)
	}
	return nil
}

// At returns the rates for iteration iter (starting at 0).
func (s Schedule) At(iter int) Rates {
	switch s.Kind {
	case ScheduleInv:
		return Rates{
			LearningRate: s.InitialLearningRate * math.Pow(1+s.Gamma*float64(iter), -s.Power),
			WeightDecay:  2 * s.WeightDecay,
		}
	case ScheduleStep:
		return Rates{
			LearningRate: s.InitialLearningRate * math.Pow(s.Gamma, float64(iter/s.StepSize)),
			WeightDecay:  s.WeightDecay,
		}
	default:
		return Rates{LearningRate: s.InitialLearningRate, WeightDecay: s.WeightDecay}
	}
}

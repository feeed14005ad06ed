// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package adversarial implements the domain-adversarial part of PADA: a gradient reversal layer with a
// progressively increasing coefficient, a domain discriminator, and the class-weighted adversarial loss.
package adversarial

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gopjrt/dtypes"
)

// Schedule of the gradient reversal coefficient:
//
//	coeff(step) = 2*(High-Low) / (1 + exp(-Alpha*step/MaxIter)) - (High-Low) + Low
//
// It starts at Low for step 0 and increases monotonically towards High.
type Schedule struct {
	High, Low float64
	Alpha     float64
	MaxIter   int
}

// DefaultSchedule returns the schedule used for training: Low=0, Alpha=10, MaxIter=10000 and the given High.
func DefaultSchedule(high float64) Schedule {
	return Schedule{High: high, Low: 0, Alpha: 10, MaxIter: 10000}
}

// Coefficient returns the reversal coefficient for the given step.
func Coefficient(step int, s Schedule) float64 {
	span := s.High - s.Low
	progress := float64(step) / float64(s.MaxIter)
	return 2*span/(1+math.Exp(-s.Alpha*progress)) - span + s.Low
}

// CoefficientGraph is the graph version of Coefficient, for a scalar step node (usually the global step).
// The result is a Float32 scalar, and no gradient flows through it.
func CoefficientGraph(step *Node, s Schedule) *Node {
	g := step.Graph()
	span := s.High - s.Low
	progress := DivScalar(ConvertDType(step, dtypes.Float32), float64(s.MaxIter))
	sigmoidDen := OnePlus(Exp(MulScalar(progress, -s.Alpha)))
	coeff := Sub(Div(Scalar(g, dtypes.Float32, 2*span), sigmoidDen), Scalar(g, dtypes.Float32, span-s.Low))
	return StopGradient(coeff)
}

// GradientReversal returns x unchanged in the forward pass, and multiplies the incoming gradient by -coeff
// in the backward pass. coeff must be a scalar.
func GradientReversal(x, coeff *Node) *Node {
	if !coeff.IsScalar() {
		exceptions.Panicf("GradientReversal: coefficient must be a scalar, got %s", coeff.Shape())
	}
	coeff = StopGradient(coeff)
	return IdentityWithCustomGradient(x, func(_, v *Node) *Node {
		return Neg(Mul(v, ConvertDType(coeff, v.DType())))
	})
}

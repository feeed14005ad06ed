// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adversarial

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// Scope of the discriminator variables.
	Scope = "adversarial"

	// ParamHiddenDim is the context hyperparameter with the width of the two hidden layers of the discriminator.
	ParamHiddenDim = "adversarial_hidden_dim"

	// ParamDropoutRate is the context hyperparameter with the dropout applied after each hidden layer.
	ParamDropoutRate = "adversarial_dropout"

	DefaultHiddenDim   = 1024
	DefaultDropoutRate = 0.5
)

// Discriminator builds the domain discriminator on features shaped [N, featureDim] and returns one domain logit
// per example, shaped [N]. A positive logit means "source".
//
// It is Dense -> ReLU -> Dropout -> Dense -> ReLU -> Dropout -> Dense(1), with variables in the "adversarial" scope.
// Dropout is only active while training (see context.Context.IsTraining).
func Discriminator(ctx *context.Context, features *Node) *Node {
	if features.Rank() != 2 {
		exceptions.Panicf("Discriminator: features must be shaped [N, featureDim], got %s", features.Shape())
	}
	ctx = ctx.In(Scope)
	g := features.Graph()
	dtype := features.DType()
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, DefaultHiddenDim)
	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)

	x := features
	for i := range 2 {
		x = layers.Dense(ctx.Inf("hidden_%d", i), x, true, hiddenDim)
		x = activations.Relu(x)
		if dropoutRate > 0 {
			x = layers.DropoutNormalize(ctx.Inf("dropout_%d", i), x, Scalar(g, dtype, dropoutRate), true)
		}
	}
	logits := layers.Dense(ctx.In("output"), x, true, 1)
	return Reshape(logits, features.Shape().Dimensions[0])
}

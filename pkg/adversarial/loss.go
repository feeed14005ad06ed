// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adversarial

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"
)

// DomainLabels returns the domain labels for a concatenated batch of n examples: 1 for the first half (source)
// and 0 for the second half (target).
func DomainLabels(g *Graph, n int) *Node {
	if n%2 != 0 {
		exceptions.Panicf("DomainLabels: batch of %d examples is not an even concatenation of source and target", n)
	}
	half := n / 2
	return Concatenate([]*Node{
		Ones(g, shapes.Make(dtypes.Float32, half)),
		Zeros(g, shapes.Make(dtypes.Float32, half)),
	}, 0)
}

// PADALoss is the class-weighted adversarial loss.
//
// features is shaped [N, featureDim], with the N/2 source examples followed by the N/2 target examples.
// weights is shaped [N] (or any shape with N elements), one weight per example.
// coeff is the scalar gradient reversal coefficient.
//
// The features go through GradientReversal and the Discriminator, and the loss is the weighted binary
// cross-entropy against DomainLabels, averaged over all N examples. A weight of 0 removes the example's
// contribution, but it still counts in the mean.
//
// It panics if N is odd or if weights doesn't have N elements.
func PADALoss(ctx *context.Context, features, weights, coeff *Node) *Node {
	n := features.Shape().Dimensions[0]
	if n%2 != 0 {
		exceptions.Panicf("PADALoss: batch of %d examples is not an even concatenation of source and target", n)
	}
	if weights.Shape().Size() != n {
		exceptions.Panicf("PADALoss: got %d weights for %d examples (weights shape %s)", weights.Shape().Size(), n, weights.Shape())
	}
	g := features.Graph()
	logits := Discriminator(ctx, GradientReversal(features, coeff))
	labels := ConvertDType(DomainLabels(g, n), logits.DType())
	weights = StopGradient(ConvertDType(Reshape(weights, n), logits.DType()))
	perExample := losses.BinaryCrossentropyLogits([]*Node{labels, weights}, []*Node{logits})
	return ReduceAllMean(perExample)
}

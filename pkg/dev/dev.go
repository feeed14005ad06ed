// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dev implements Deep Embedded Validation (DEV): an estimate of the target risk of a model computed
// only from labeled source validation examples, re-weighted by the density ratio between target and source
// features, with a control variate to reduce its variance.
//
// The density ratio is estimated by a domain classifier, see Estimator.
package dev

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDegenerateWeights is returned when all importance weights are zero.
	ErrDegenerateWeights = errors.New("dev: degenerate importance weights")

	// ErrNonFinite is returned when the estimated risk is NaN or infinite.
	ErrNonFinite = errors.New("dev: non-finite risk")
)

// Risk returns the DEV risk for the per-example validation errors, given their importance weights:
//
//	mean(w*e) + eta*mean(w) - eta,  with eta = -cov(w*e, w) / var(w)
//
// Covariance and variance are unbiased (n-1 denominator). If the weights have no variance, the control
// variate is dropped and the result is the weighted mean error.
func Risk(weights, errs []float64) (float64, error) {
	if len(weights) != len(errs) {
		return 0, errors.Errorf("dev: %d weights for %d errors", len(weights), len(errs))
	}
	if len(weights) < 2 {
		return 0, errors.Errorf("dev: at least 2 validation examples are required, got %d", len(weights))
	}
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return 0, errors.Errorf("dev: invalid weight %g for example #%d", w, i)
		}
	}
	if floats.Max(weights) == 0 {
		return 0, ErrDegenerateWeights
	}

	weighted := make([]float64, len(errs))
	floats.MulTo(weighted, weights, errs)
	meanWeighted := stat.Mean(weighted, nil)
	meanWeights := stat.Mean(weights, nil)
	variance := stat.Variance(weights, nil)
	var eta float64
	if variance > 0 {
		eta = -stat.Covariance(weighted, weights, nil) / variance
	}
	risk := meanWeighted + eta*meanWeights - eta
	if math.IsNaN(risk) || math.IsInf(risk, 0) {
		return 0, errors.Wrapf(ErrNonFinite, "mean(w*e)=%g, mean(w)=%g, eta=%g", meanWeighted, meanWeights, eta)
	}
	return risk, nil
}

// PredictionLosses returns the softmax cross-entropy of each row of logits against its label.
// Rows with a label outside the logits range get an infinite loss.
func PredictionLosses(logits [][]float32, labels []int) []float64 {
	out := make([]float64, len(logits))
	for i, row := range logits {
		if i >= len(labels) || labels[i] < 0 || labels[i] >= len(row) {
			out[i] = math.Inf(1)
			continue
		}
		values := make([]float64, len(row))
		for j, v := range row {
			values[j] = float64(v)
		}
		out[i] = floats.LogSumExp(values) - values[labels[i]]
	}
	return out
}

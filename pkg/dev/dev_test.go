// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dev

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRiskUniformWeights(t *testing.T) {
	errs := []float64{0.5, 1, 2, 0.25}
	weights := []float64{1, 1, 1, 1}
	risk, err := Risk(weights, errs)
	require.NoError(t, err)
	assert.InDelta(t, stat.Mean(errs, nil), risk, 1e-12)
}

func TestRiskControlVariate(t *testing.T) {
	weights := []float64{0.5, 1.5, 1, 2}
	errs := []float64{1, 2, 3, 4}
	weighted := []float64{0.5, 3, 3, 8}
	meanW := 1.25
	meanWE := 3.625
	var cov, varW float64
	for i := range weights {
		cov += (weighted[i] - meanWE) * (weights[i] - meanW)
		varW += (weights[i] - meanW) * (weights[i] - meanW)
	}
	eta := -cov / varW
	want := meanWE + eta*meanW - eta

	risk, err := Risk(weights, errs)
	require.NoError(t, err)
	assert.InDelta(t, want, risk, 1e-12)
}

func TestRiskErrors(t *testing.T) {
	_, err := Risk([]float64{1, 1}, []float64{1})
	assert.Error(t, err)
	_, err = Risk([]float64{1}, []float64{1})
	assert.Error(t, err)
	_, err = Risk([]float64{0, 0, 0}, []float64{1, 2, 3})
	assert.True(t, errors.Is(err, ErrDegenerateWeights))
	_, err = Risk([]float64{1, -1}, []float64{1, 2})
	assert.Error(t, err)
	_, err = Risk([]float64{1, 2}, []float64{math.Inf(1), 2})
	assert.True(t, errors.Is(err, ErrNonFinite))
}

func TestPredictionLosses(t *testing.T) {
	got := PredictionLosses([][]float32{{0, 0}, {10, -10}, {1, 2, 3}}, []int{1, 0, 5})
	require.Len(t, got, 3)
	assert.InDelta(t, math.Log(2), got[0], 1e-6)
	assert.InDelta(t, 0, got[1], 1e-6)
	assert.True(t, math.IsInf(got[2], 1))
}

func TestNewOptions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(DefaultOptions(backend))
	require.NoError(t, err)

	_, err = New(DefaultOptions(nil))
	assert.Error(t, err)
	opts := DefaultOptions(backend)
	opts.TrainFraction = 1
	_, err = New(opts)
	assert.Error(t, err)
	opts = DefaultOptions(backend)
	opts.Decays = nil
	_, err = New(opts)
	assert.Error(t, err)
}

func gaussianFeatures(rng *rand.Rand, n, dim int, offset float32) [][]float32 {
	features := make([][]float32, n)
	for i := range features {
		features[i] = make([]float32, dim)
		for j := range features[i] {
			features[i][j] = float32(rng.NormFloat64()) + offset
		}
	}
	return features
}

// testEstimator returns a small estimator. With no hiddenLayers given, the domain classifier is a
// logistic regression.
func testEstimator(t *testing.T, hiddenLayers ...int) *Estimator {
	opts := DefaultOptions(graphtest.BuildTestBackend())
	opts.Decays = []float64{1e-2, 1e-4}
	opts.Steps = 100
	opts.LearningRate = 0.01
	opts.HiddenDim = 8
	opts.BatchSize = 0
	if len(hiddenLayers) > 0 {
		opts.HiddenLayers = hiddenLayers[0]
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func TestEstimateIdenticalDistributions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const dim = 4
	source := gaussianFeatures(rng, 100, dim, 0)
	target := gaussianFeatures(rng, 100, dim, 0)
	validation := gaussianFeatures(rng, 50, dim, 0)
	losses := make([]float64, len(validation))
	for i := range losses {
		losses[i] = rng.Float64()
	}

	result, err := testEstimator(t).Estimate(source, target, validation, losses)
	require.NoError(t, err)
	require.Len(t, result.Weights, len(validation))
	assert.InDelta(t, 1, stat.Mean(result.Weights, nil), 0.5)
	assert.InDelta(t, stat.Mean(losses, nil), result.Risk, 0.15)
	assert.Contains(t, []float64{1e-2, 1e-4}, result.Decay)
}

func TestWeightsShiftedTarget(t *testing.T) {
	assert.Zero(t, DefaultOptions(nil).HiddenLayers, "default domain classifier should be a logistic regression")
	for _, hiddenLayers := range []int{0, 2} {
		t.Run(fmt.Sprintf("hidden_layers=%d", hiddenLayers), func(t *testing.T) {
			rng := rand.New(rand.NewSource(2))
			const dim = 2
			source := gaussianFeatures(rng, 100, dim, -1)
			target := gaussianFeatures(rng, 100, dim, 1)
			nearTarget := gaussianFeatures(rng, 10, dim, 2)
			nearSource := gaussianFeatures(rng, 10, dim, -2)

			weights, err := testEstimator(t, hiddenLayers).Weights(source, target, append(nearTarget, nearSource...))
			require.NoError(t, err)
			var meanTarget, meanSource float64
			for i := range 10 {
				meanTarget += weights[i] / 10
				meanSource += weights[10+i] / 10
			}
			assert.Greater(t, meanTarget, meanSource)
		})
	}
}

func TestEstimateErrors(t *testing.T) {
	e := testEstimator(t)
	ok := [][]float32{{1, 2}, {3, 4}}
	_, err := e.Estimate(nil, ok, ok, []float64{1, 2})
	assert.Error(t, err)
	_, err = e.Estimate(ok, [][]float32{{1}}, ok, []float64{1, 2})
	assert.Error(t, err)
	_, err = e.Estimate(ok, ok, ok, []float64{1})
	assert.Error(t, err)
}

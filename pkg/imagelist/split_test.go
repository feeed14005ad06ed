// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagelist

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeSamples creates n samples with labels cycling through numClasses.
func makeSamples(n, numClasses int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{Path: fmt.Sprintf("img_%03d.png", i), Label: i % numClasses, Line: i + 1}
	}
	return samples
}

func TestHoldOut(t *testing.T) {
	assert.Equal(t, 3, HoldOut{Count: 3}.ForClass(10))
	assert.Equal(t, 4, HoldOut{Count: 10}.ForClass(5))
	assert.Equal(t, 0, HoldOut{Count: 10}.ForClass(1))
	assert.Equal(t, 0, HoldOut{Count: 10}.ForClass(0))
	assert.Equal(t, 2, HoldOut{Fraction: 0.25}.ForClass(11))
	assert.Equal(t, 0, HoldOut{Fraction: 0.1}.ForClass(9))

	require.NoError(t, HoldOut{Count: 1}.Validate())
	require.NoError(t, HoldOut{Fraction: 0.5}.Validate())
	for _, bad := range []HoldOut{{}, {Count: -1}, {Fraction: 1}, {Count: 1, Fraction: 0.1}} {
		err := bad.Validate()
		require.Errorf(t, err, "%+v should be invalid", bad)
		assert.True(t, errors.Is(err, ErrData))
	}

	h, err := ParseHoldOut("10")
	require.NoError(t, err)
	assert.Equal(t, HoldOut{Count: 10}, h)
	h, err = ParseHoldOut(" 0.1 ")
	require.NoError(t, err)
	assert.Equal(t, HoldOut{Fraction: 0.1}, h)
	assert.Equal(t, "0.1", h.String())
	for _, bad := range []string{"", "abc", "1.5", "-2", "0"} {
		_, err = ParseHoldOut(bad)
		assert.Errorf(t, err, "ParseHoldOut(%q) should fail", bad)
	}
}

func TestSplitByClass(t *testing.T) {
	samples := makeSamples(100, 5)
	split, err := SplitByClass(samples, 5, HoldOut{Count: 10}, nil)
	require.NoError(t, err)
	require.Equal(t, 5, split.NumClasses())
	assert.Len(t, split.TrainSamples(), 50)
	assert.Len(t, split.ValidationSamples(), 50)

	for c := range 5 {
		require.Len(t, split.Validation[c], 10)
		require.Len(t, split.Train[c], 10)
		// Without rng, the head of each class in file order is held out.
		assert.Equal(t, c+1, split.Validation[c][0].Line)

		seen := make(map[string]bool)
		for _, s := range split.Validation[c] {
			assert.Equal(t, c, s.Label)
			seen[s.Path] = true
		}
		for _, s := range split.Train[c] {
			assert.Equal(t, c, s.Label)
			assert.Falsef(t, seen[s.Path], "%s both in train and validation", s.Path)
			seen[s.Path] = true
		}
		assert.Len(t, seen, 20)
	}
}

func TestSplitByClassShuffled(t *testing.T) {
	samples := makeSamples(60, 3)
	split, err := SplitByClass(samples, 3, HoldOut{Fraction: 0.5}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	total := map[string]int{}
	for c := range 3 {
		assert.Len(t, split.Validation[c], 10)
		assert.Len(t, split.Train[c], 10)
		for _, s := range append(split.Validation[c], split.Train[c]...) {
			total[s.Path]++
		}
	}
	assert.Len(t, total, 60)
	for path, count := range total {
		assert.Equalf(t, 1, count, "%s appears %d times", path, count)
	}
	// The input list order is not affected.
	assert.Equal(t, "img_000.png", samples[0].Path)
}

func TestSplitByClassSmallClasses(t *testing.T) {
	samples := []Sample{
		{Path: "a", Label: 0}, {Path: "b", Label: 0},
		{Path: "c", Label: 1},
		{Path: "d", Label: 3}, {Path: "e", Label: 3}, {Path: "f", Label: 3},
	}
	split, err := SplitByClass(samples, 4, HoldOut{Count: 10}, nil)
	require.NoError(t, err)
	assert.Len(t, split.Train[0], 1)
	assert.Len(t, split.Validation[0], 1)
	assert.Len(t, split.Train[1], 1)
	assert.Empty(t, split.Validation[1])
	assert.Empty(t, split.Train[2])
	assert.Empty(t, split.Validation[2])
	assert.Len(t, split.Train[3], 1)
	assert.Len(t, split.Validation[3], 2)
}

func TestSplitByClassErrors(t *testing.T) {
	_, err := SplitByClass(nil, 3, HoldOut{Count: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))

	_, err = SplitByClass(makeSamples(10, 5), 4, HoldOut{Count: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
	assert.Contains(t, err.Error(), "img_004.png")

	_, err = SplitByClass(makeSamples(10, 2), 2, HoldOut{}, nil)
	require.Error(t, err)

	multi := []Sample{{Path: "m", Label: -1, Labels: []float32{0, 1}}}
	_, err = SplitByClass(multi, 2, HoldOut{Count: 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
}

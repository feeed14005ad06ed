// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagelist

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HoldOut configures how many samples of each class are held out for validation.
// Exactly one of Count or Fraction must be set.
type HoldOut struct {
	// Count is a fixed number of samples per class.
	Count int

	// Fraction of the samples of each class, rounded down.
	Fraction float64
}

// Validate returns an error if the HoldOut is not usable.
func (h HoldOut) Validate() error {
	switch {
	case h.Count < 0 || h.Fraction < 0:
		return errors.Wrapf(ErrData, "hold-out must be non-negative, got %s", h)
	case h.Count > 0 && h.Fraction > 0:
		return errors.Wrapf(ErrData, "hold-out must set either a count or a fraction, got %s", h)
	case h.Fraction >= 1:
		return errors.Wrapf(ErrData, "hold-out fraction must be < 1, got %g", h.Fraction)
	case h.Count == 0 && h.Fraction == 0:
		return errors.Wrapf(ErrData, "hold-out is empty, set a count or a fraction")
	}
	return nil
}

// ForClass returns the number of samples held out for a class with n samples.
// At least one sample is always left for training.
func (h HoldOut) ForClass(n int) int {
	k := h.Count
	if h.Fraction > 0 {
		k = int(math.Floor(h.Fraction * float64(n)))
	}
	return max(0, min(k, n-1))
}

// String implements fmt.Stringer.
func (h HoldOut) String() string {
	if h.Fraction > 0 {
		return fmt.Sprintf("%g", h.Fraction)
	}
	return strconv.Itoa(h.Count)
}

// ParseHoldOut parses a hold-out flag value: an integer is a count per class, a value with a
// decimal point (e.g. "0.1") is a fraction.
func ParseHoldOut(value string) (HoldOut, error) {
	var h HoldOut
	value = strings.TrimSpace(value)
	if strings.ContainsAny(value, ".eE") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return h, errors.Wrapf(ErrData, "invalid hold-out fraction %q", value)
		}
		h.Fraction = f
	} else {
		n, err := strconv.Atoi(value)
		if err != nil {
			return h, errors.Wrapf(ErrData, "invalid hold-out count %q", value)
		}
		h.Count = n
	}
	return h, h.Validate()
}

// Split holds the per-class partition of a sample list.
// Train[c] and Validation[c] are disjoint and together hold exactly the samples of class c.
type Split struct {
	Train, Validation [][]Sample
}

// NumClasses in the split.
func (s *Split) NumClasses() int { return len(s.Train) }

// TrainSamples returns the training groups flattened in class order.
func (s *Split) TrainSamples() []Sample { return Flatten(s.Train) }

// ValidationSamples returns the validation groups flattened in class order.
func (s *Split) ValidationSamples() []Sample { return Flatten(s.Validation) }

// Flatten concatenates groups in order.
func Flatten(groups [][]Sample) []Sample {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	flat := make([]Sample, 0, n)
	for _, g := range groups {
		flat = append(flat, g...)
	}
	return flat
}

// SplitByClass partitions samples by class id into training and held-out validation groups.
//
// For each class c in [0, numClasses), the samples labeled c are taken in file order (or in a random
// order if rng is not nil) and the first holdOut.ForClass(n) of them go to Validation[c], the rest to Train[c].
// A class never loses all its training samples: with n samples at most n-1 are held out.
//
// It returns an error wrapping ErrData if the list is empty, holds multi-label samples, or has a label outside
// [0, numClasses).
func SplitByClass(samples []Sample, numClasses int, holdOut HoldOut, rng *rand.Rand) (*Split, error) {
	if len(samples) == 0 {
		return nil, errors.Wrap(ErrData, "cannot split an empty sample list")
	}
	if err := holdOut.Validate(); err != nil {
		return nil, err
	}
	if err := CheckLabels(samples, numClasses, "source list"); err != nil {
		return nil, err
	}
	byClass := make([][]Sample, numClasses)
	for _, s := range samples {
		if s.IsMultiLabel() {
			return nil, errors.Wrapf(ErrData, "%s: cannot split multi-label sample %q by class",
				s.location("source list"), s.Path)
		}
		byClass[s.Label] = append(byClass[s.Label], s)
	}

	split := &Split{
		Train:      make([][]Sample, numClasses),
		Validation: make([][]Sample, numClasses),
	}
	for c, group := range byClass {
		if rng != nil {
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		k := holdOut.ForClass(len(group))
		split.Validation[c] = group[:k:k]
		split.Train[c] = group[k:]
	}
	return split, nil
}

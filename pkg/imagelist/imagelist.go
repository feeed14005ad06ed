// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagelist reads "image list" files, where each line holds an image path followed by its label,
// splits them per class into training and held-out validation groups, and serves them as a train.Dataset.
//
// The file format is plain text, one sample per line, fields separated by whitespace:
//
//	<image_path> <label>
//	<image_path> <label_0> <label_1> ... <label_k>   // multi-label datasets
//
// Blank lines are ignored.
package imagelist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrData is wrapped by every error caused by malformed or inconsistent sample lists.
var ErrData = errors.New("invalid data")

// Sample is one line of an image list.
type Sample struct {
	// Path to the image file, as written in the list.
	Path string

	// Label is the class id, or -1 for multi-label samples.
	Label int

	// Labels is set only for multi-label samples (lines with more than two fields).
	Labels []float32

	// Line is the 1-based line number in the file it was read from, or 0 if the sample was built in memory.
	Line int
}

// IsMultiLabel returns whether the sample carries a label vector instead of a class id.
func (s Sample) IsMultiLabel() bool { return s.Labels != nil }

// String returns the sample in the list file format.
func (s Sample) String() string {
	if !s.IsMultiLabel() {
		return fmt.Sprintf("%s %d", s.Path, s.Label)
	}
	parts := make([]string, 0, len(s.Labels)+1)
	parts = append(parts, s.Path)
	for _, v := range s.Labels {
		parts = append(parts, strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	return strings.Join(parts, " ")
}

// location is used in error messages.
func (s Sample) location(source string) string {
	if s.Line > 0 {
		return fmt.Sprintf("%s:%d", source, s.Line)
	}
	return source
}

// ParseLine parses one list line. lineNum is only used to annotate the returned Sample and errors.
func ParseLine(line string, lineNum int) (Sample, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Sample{}, errors.Wrapf(ErrData, "line %d: expected \"<path> <label...>\", got %q", lineNum, line)
	}
	sample := Sample{Path: fields[0], Line: lineNum}
	if len(fields) == 2 {
		label, err := strconv.Atoi(fields[1])
		if err != nil {
			return Sample{}, errors.Wrapf(ErrData, "line %d: label %q is not an integer", lineNum, fields[1])
		}
		if label < 0 {
			return Sample{}, errors.Wrapf(ErrData, "line %d: negative label %d", lineNum, label)
		}
		sample.Label = label
		return sample, nil
	}
	sample.Label = -1
	sample.Labels = make([]float32, 0, len(fields)-1)
	for _, field := range fields[1:] {
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return Sample{}, errors.Wrapf(ErrData, "line %d: label vector entry %q is not a number", lineNum, field)
		}
		sample.Labels = append(sample.Labels, float32(v))
	}
	return sample, nil
}

// Parse reads all samples from r. The name is used in error messages.
func Parse(r io.Reader, name string) ([]Sample, error) {
	var samples []Sample
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sample, err := ParseLine(line, lineNum)
		if err != nil {
			return nil, errors.WithMessagef(err, "parsing %s", name)
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(ErrData, "%s has no samples", name)
	}
	return samples, nil
}

// ReadFile reads and parses the image list in filePath.
// An empty list is an error.
func ReadFile(filePath string) ([]Sample, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image list")
	}
	defer func() { _ = f.Close() }()
	return Parse(f, filePath)
}

// CheckLabels verifies that every sample has a class id in [0, numClasses).
// Multi-label samples must have exactly numClasses entries.
// The name of the source (usually the file path) is used in error messages.
func CheckLabels(samples []Sample, numClasses int, name string) error {
	if numClasses <= 0 {
		return errors.Wrapf(ErrData, "number of classes must be > 0, got %d", numClasses)
	}
	for _, s := range samples {
		if s.IsMultiLabel() {
			if len(s.Labels) != numClasses {
				return errors.Wrapf(ErrData, "%s: label vector for %q has %d entries, expected %d",
					s.location(name), s.Path, len(s.Labels), numClasses)
			}
			continue
		}
		if s.Label < 0 || s.Label >= numClasses {
			return errors.Wrapf(ErrData, "%s: label %d of %q out of range [0, %d)",
				s.location(name), s.Label, s.Path, numClasses)
		}
	}
	return nil
}

// CountByClass returns the number of samples for each class id in [0, numClasses).
// Multi-label samples and labels out of range are not counted.
func CountByClass(samples []Sample, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, s := range samples {
		if s.Label >= 0 && s.Label < numClasses {
			counts[s.Label]++
		}
	}
	return counts
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	s, err := ParseLine("images/a.jpg 3", 7)
	require.NoError(t, err)
	assert.Equal(t, Sample{Path: "images/a.jpg", Label: 3, Line: 7}, s)
	assert.False(t, s.IsMultiLabel())
	assert.Equal(t, "images/a.jpg 3", s.String())

	s, err = ParseLine("b.png 0 1 0.5", 1)
	require.NoError(t, err)
	assert.True(t, s.IsMultiLabel())
	assert.Equal(t, -1, s.Label)
	assert.Equal(t, []float32{0, 1, 0.5}, s.Labels)
	assert.Equal(t, "b.png 0 1 0.5", s.String())

	for _, bad := range []string{"only_path", "a.jpg x", "a.jpg -1", "a.jpg 1 y"} {
		_, err = ParseLine(bad, 2)
		require.Errorf(t, err, "line %q should fail", bad)
		assert.Truef(t, errors.Is(err, ErrData), "line %q: error %v should wrap ErrData", bad, err)
		assert.Contains(t, err.Error(), "line 2")
	}
}

func TestParse(t *testing.T) {
	samples, err := Parse(strings.NewReader("a.jpg 0\n\n  \nb.jpg 1\r\nc.jpg 2\n"), "list")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "c.jpg", samples[2].Path)
	assert.Equal(t, 5, samples[2].Line)

	_, err = Parse(strings.NewReader("\n\n"), "empty")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
	assert.Contains(t, err.Error(), "empty")

	_, err = Parse(strings.NewReader("a.jpg 0\nbroken\n"), "list.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list.txt")
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("x.jpg 1\ny.jpg 0\n"), 0o644))
	samples, err := ReadFile(listPath)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	_, err = ReadFile(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)

	emptyPath := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, nil, 0o644))
	_, err = ReadFile(emptyPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
}

func TestCheckLabels(t *testing.T) {
	samples := []Sample{{Path: "a", Label: 0, Line: 1}, {Path: "b", Label: 2, Line: 2}}
	require.NoError(t, CheckLabels(samples, 3, "list"))

	err := CheckLabels(samples, 2, "list")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
	assert.Contains(t, err.Error(), "list:2")
	assert.Contains(t, err.Error(), `"b"`)

	require.Error(t, CheckLabels(samples, 0, "list"))

	multi := []Sample{{Path: "m", Label: -1, Labels: []float32{0, 1}}}
	require.NoError(t, CheckLabels(multi, 2, "list"))
	require.Error(t, CheckLabels(multi, 3, "list"))
}

func TestCountByClass(t *testing.T) {
	samples := []Sample{{Label: 0}, {Label: 2}, {Label: 2}, {Label: 7}, {Label: -1, Labels: []float32{1}}}
	assert.Equal(t, []int{1, 0, 2}, CountByClass(samples, 3))
}

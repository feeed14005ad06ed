// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagelist

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/padadev/pkg/preprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixtures writes n small PNG images in dir, with labels cycling through numClasses, and returns the samples.
func writeFixtures(t *testing.T, dir string, n, numClasses int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
		for y := range 20 {
			for x := range 20 {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(10 * x), G: uint8(10 * y), B: uint8(i * 20), A: 255})
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		require.NoError(t, imaging.Save(img, path))
		samples[i] = Sample{Path: path, Label: i % numClasses, Line: i + 1}
	}
	return samples
}

func TestNewDatasetErrors(t *testing.T) {
	views := []preprocess.Pipeline{preprocess.Test(16, 12)}
	_, err := NewDataset("empty", nil, views, DatasetConfig{BatchSize: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))

	samples := []Sample{{Path: "a", Label: 0}, {Path: "b", Label: 1}}
	_, err = NewDataset("small", samples, views, DatasetConfig{BatchSize: 4, DropIncomplete: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))

	_, err = NewDataset("nobatch", samples, views, DatasetConfig{})
	require.Error(t, err)

	_, err = NewDataset("badview", samples, []preprocess.Pipeline{preprocess.Test(8, 12)}, DatasetConfig{BatchSize: 1})
	require.Error(t, err)

	mixed := []Sample{{Path: "a", Label: 0}, {Path: "b", Label: -1, Labels: []float32{0, 1}}}
	_, err = NewDataset("mixed", mixed, views, DatasetConfig{BatchSize: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
}

func TestDatasetYield(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 5, 3)
	ds, err := NewDataset("test", samples, []preprocess.Pipeline{preprocess.Test(16, 12)}, DatasetConfig{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, 5, ds.NumExamples())

	var gotLabels []int32
	var batchSizes []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batchSize := inputs[0].Shape().Dimensions[0]
		batchSizes = append(batchSizes, batchSize)
		assert.Equal(t, []int{batchSize, 12, 12, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, inputs[0].DType())
		assert.Equal(t, []int{batchSize, 1}, labels[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, labels[0].DType())
		gotLabels = append(gotLabels, tensors.MustCopyFlatData[int32](labels[0])...)
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	// Unshuffled: labels come in list order.
	assert.Equal(t, []int32{0, 1, 2, 0, 1}, gotLabels)

	// EOF until Reset.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetShuffleDropIncomplete(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 7, 7)
	ds, err := NewDataset("train", samples, []preprocess.Pipeline{preprocess.Train(16, 12)},
		DatasetConfig{BatchSize: 3, Shuffle: true, DropIncomplete: true, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumBatches())

	epoch := func() []int32 {
		var labels []int32
		for {
			_, _, l, err := ds.Yield()
			if err == io.EOF {
				return labels
			}
			require.NoError(t, err)
			require.Equal(t, 3, l[0].Shape().Dimensions[0])
			labels = append(labels, tensors.MustCopyFlatData[int32](l[0])...)
		}
	}
	first := epoch()
	require.Len(t, first, 6)
	seen := map[int32]bool{}
	for _, l := range first {
		assert.False(t, seen[l], "label %d yielded twice in one epoch", l)
		seen[l] = true
	}
	ds.Reset()
	second := epoch()
	require.Len(t, second, 6)
}

func TestDatasetTenCrop(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 2, 2)
	ds, err := NewDataset("10crop", samples, preprocess.TenCrop(16, 12), DatasetConfig{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, preprocess.NumTenCropViews, ds.NumViews())

	views, sample, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 1, sample.Label)
	require.Len(t, views, preprocess.NumTenCropViews)
	for i := range views {
		for j := i + 1; j < len(views); j++ {
			assert.Falsef(t, assert.ObjectsAreEqual(views[i], views[j]), "views %d and %d are equal", i, j)
		}
	}
	again, _, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, views, again)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, preprocess.NumTenCropViews)
	assert.Equal(t, []int32{0, 1}, tensors.MustCopyFlatData[int32](labels[0]))
	for _, input := range inputs {
		assert.Equal(t, []int{2, 12, 12, 3}, input.Shape().Dimensions)
	}
}

func TestDatasetMultiLabel(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 2, 1)
	samples[0].Label, samples[0].Labels = -1, []float32{1, 0, 1}
	samples[1].Label, samples[1].Labels = -1, []float32{0, 1, 0}
	ds, err := NewDataset("multi", samples, []preprocess.Pipeline{preprocess.Test(16, 12)}, DatasetConfig{BatchSize: 2})
	require.NoError(t, err)
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, labels[0].DType())
	assert.Equal(t, []int{2, 3}, labels[0].Shape().Dimensions)
	assert.Equal(t, []float32{1, 0, 1, 0, 1, 0}, tensors.MustCopyFlatData[float32](labels[0]))
}

func TestDatasetLoadError(t *testing.T) {
	samples := []Sample{{Path: filepath.Join(t.TempDir(), "missing.png"), Label: 0, Line: 3}}
	ds, err := NewDataset("broken", samples, []preprocess.Pipeline{preprocess.Test(16, 12)}, DatasetConfig{BatchSize: 1})
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData), "got %v", err)
	assert.Contains(t, err.Error(), "missing.png")
	assert.Contains(t, err.Error(), "broken:3")
	require.Equal(t, err, ds.Err())

	// The epoch ends at the first error, until Reset.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	require.NoError(t, ds.Err())
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrData))
}

func TestDatasetConcurrentYield(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 8, 8)
	ds, err := NewDataset("concurrent", samples, []preprocess.Pipeline{preprocess.Test(16, 12)}, DatasetConfig{BatchSize: 1})
	require.NoError(t, err)
	var mu sync.Mutex
	seen := map[int32]int{}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, _, labels, err := ds.Yield()
				if err == io.EOF {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[tensors.MustCopyFlatData[int32](labels[0])[0]]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8)
	for label, count := range seen {
		assert.Equalf(t, 1, count, "label %d yielded %d times", label, count)
	}
}

// closeWithin fails the test if p.Close doesn't return within the timeout.
func closeWithin(t *testing.T, p *Prefetched, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("Close of %q didn't return within %s", p.Name(), timeout)
	}
}

func TestPrefetch(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 6, 6)
	ds, err := NewDataset("prefetch", samples, []preprocess.Pipeline{preprocess.Train(16, 12)},
		DatasetConfig{BatchSize: 2, Shuffle: true, DropIncomplete: true})
	require.NoError(t, err)
	pds := Prefetch(ds, 2, 2)
	count := 0
	for {
		_, inputs, _, err := pds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []int{2, 12, 12, 3}, inputs[0].Shape().Dimensions)
		count++
	}
	assert.Equal(t, 3, count)
	pds.Reset()
	_, _, _, err = pds.Yield()
	require.NoError(t, err)
	closeWithin(t, pds, 10*time.Second)
	closeWithin(t, pds, time.Second)

	_, _, _, err = pds.Yield()
	require.Equal(t, io.EOF, err)
}

func TestPrefetchCloseAfterEpoch(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 4, 4)
	newPrefetched := func(t *testing.T) *Prefetched {
		ds, err := NewDataset("tail", samples, []preprocess.Pipeline{preprocess.Test(16, 12)},
			DatasetConfig{BatchSize: 2, Shuffle: true, DropIncomplete: true})
		require.NoError(t, err)
		return Prefetch(ds, 2, 4)
	}

	t.Run("exhausted", func(t *testing.T) {
		pds := newPrefetched(t)
		for {
			if _, _, _, err := pds.Yield(); err == io.EOF {
				break
			}
		}
		closeWithin(t, pds, 10*time.Second)
	})

	t.Run("buffered", func(t *testing.T) {
		pds := newPrefetched(t)
		// Workers finish the epoch while the buffer still holds its batches.
		time.Sleep(200 * time.Millisecond)
		closeWithin(t, pds, 10*time.Second)
	})
}

func TestPrefetchLoadError(t *testing.T) {
	samples := writeFixtures(t, t.TempDir(), 8, 8)
	var mu sync.Mutex
	loads := 0
	loader := func(path string) (image.Image, error) {
		mu.Lock()
		loads++
		n := loads
		mu.Unlock()
		if n > 3 {
			return nil, errors.Errorf("corrupted file %q", path)
		}
		return OpenImage(path)
	}
	ds, err := NewDataset("corrupted", samples, []preprocess.Pipeline{preprocess.Test(16, 12)},
		DatasetConfig{BatchSize: 1, Shuffle: true, Loader: loader})
	require.NoError(t, err)
	pds := Prefetch(ds, 3, 1)
	defer closeWithin(t, pds, 10*time.Second)

	count := 0
	for {
		_, inputs, _, err := pds.Yield()
		if err != nil {
			require.NotEqual(t, io.EOF, err)
			assert.True(t, errors.Is(err, ErrData), "got %v", err)
			assert.Contains(t, err.Error(), "corrupted file")
			break
		}
		require.NotEmpty(t, inputs)
		count++
		require.LessOrEqual(t, count, 3)
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagelist

import (
	"image"
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/padadev/pkg/preprocess"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Formats decoded by OpenImage, besides the ones imaging registers.
	_ "golang.org/x/image/webp"
)

// Loader decodes the image at the given path.
type Loader func(path string) (image.Image, error)

// OpenImage is the default Loader: it decodes any format registered with the image package and
// applies the EXIF orientation.
func OpenImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}

// DatasetConfig configures a Dataset.
type DatasetConfig struct {
	// BatchSize is the number of samples per yielded batch.
	BatchSize int

	// Shuffle the order of the samples at construction and on every Reset.
	Shuffle bool

	// DropIncomplete makes the last batch of an epoch be dropped if it is smaller than BatchSize.
	// Training loaders set it so that shapes stay fixed.
	DropIncomplete bool

	// Seed for the shuffling and for the random pipelines.
	Seed int64

	// Loader used to decode images. Defaults to OpenImage.
	Loader Loader
}

// Dataset serves a sample list as a train.Dataset, one tensor per view.
//
// Yield returns as inputs one tensor shaped [batchSize, cropSize, cropSize, 3] per view, and as labels one tensor
// with the class ids shaped [batchSize, 1] (Int32), or the label vectors shaped [batchSize, numLabels] (Float32)
// for multi-label lists.
//
// The first image that fails to load ends the epoch: Yield returns its error (wrapping ErrData) and io.EOF
// afterwards, until Reset.
//
// It is safe for concurrent use, and can be wrapped with Prefetch.
type Dataset struct {
	name       string
	samples    []Sample
	views      []preprocess.Pipeline
	config     DatasetConfig
	multiLabel bool

	mu    sync.Mutex
	order []int
	next  int
	rng   *rand.Rand

	// err is the first load error of the epoch.
	err error

	// prefetched datasets report load errors as io.EOF to the workers, see Prefetched.Yield.
	prefetched bool

	// closed datasets yield io.EOF until the end of times.
	closed bool
}

// Compile time check that Dataset implements train.Dataset.
var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over samples, generating one input per view.
//
// It returns an error wrapping ErrData if the list is empty, mixes class ids with label vectors, or is too small
// to yield a single batch when DropIncomplete is set.
func NewDataset(name string, samples []Sample, views []preprocess.Pipeline, config DatasetConfig) (*Dataset, error) {
	if len(samples) == 0 {
		return nil, errors.Wrapf(ErrData, "dataset %q: empty sample list", name)
	}
	if len(views) == 0 {
		return nil, errors.Errorf("dataset %q: at least one view is required", name)
	}
	for i, v := range views {
		if err := v.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "dataset %q, view #%d", name, i)
		}
		if v.CropSize != views[0].CropSize {
			return nil, errors.Errorf("dataset %q: view #%d has crop size %d, but view #0 has %d",
				name, i, v.CropSize, views[0].CropSize)
		}
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, config.BatchSize)
	}
	if config.DropIncomplete && len(samples) < config.BatchSize {
		return nil, errors.Wrapf(ErrData, "dataset %q: %d samples is less than one batch of %d",
			name, len(samples), config.BatchSize)
	}
	if config.Loader == nil {
		config.Loader = OpenImage
	}
	multiLabel := samples[0].IsMultiLabel()
	for _, s := range samples {
		if s.IsMultiLabel() != multiLabel || (multiLabel && len(s.Labels) != len(samples[0].Labels)) {
			return nil, errors.Wrapf(ErrData, "dataset %q: %s: inconsistent label format", name, s.location(name))
		}
	}

	ds := &Dataset{
		name:       name,
		samples:    samples,
		views:      views,
		config:     config,
		multiLabel: multiLabel,
		rng:        rand.New(rand.NewSource(config.Seed)),
		order:      make([]int, len(samples)),
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.shuffleLocked()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.samples) }

// NumViews is the number of input tensors yielded per batch.
func (ds *Dataset) NumViews() int { return len(ds.views) }

// NumBatches per epoch.
func (ds *Dataset) NumBatches() int {
	n, b := len(ds.samples), ds.config.BatchSize
	if ds.config.DropIncomplete {
		return n / b
	}
	return (n + b - 1) / b
}

// Sample returns the i-th sample, in list order.
func (ds *Dataset) Sample(i int) Sample { return ds.samples[i] }

// Samples returns the list backing the dataset. It must not be modified.
func (ds *Dataset) Samples() []Sample { return ds.samples }

func (ds *Dataset) shuffleLocked() {
	if !ds.config.Shuffle {
		return
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
}

// Reset implements train.Dataset. It restarts the epoch, re-shuffling if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.err = nil
	ds.shuffleLocked()
}

// Err returns the load error that ended the current epoch, or nil.
func (ds *Dataset) Err() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.err
}

// fail records err if it is the first load error of the epoch, and returns what Yield should return.
func (ds *Dataset) fail(err error) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.err == nil {
		ds.err = err
	}
	if ds.prefetched {
		return io.EOF
	}
	return err
}

func (ds *Dataset) close() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closed = true
}

// nextIndices reserves the indices of the next batch, and a seed for its random pipelines.
func (ds *Dataset) nextIndices() (indices []int, seed int64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed || ds.err != nil {
		return nil, 0, io.EOF
	}
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.config.DropIncomplete && remaining < ds.config.BatchSize) {
		return nil, 0, io.EOF
	}
	n := min(remaining, ds.config.BatchSize)
	indices = slices.Clone(ds.order[ds.next : ds.next+n])
	ds.next += n
	seed = ds.rng.Int63()
	return
}

// Get loads the i-th sample and returns its preprocessed views, each a flat HWC slice.
// Random pipelines are seeded from the dataset seed and i, so the result is reproducible.
func (ds *Dataset) Get(i int) (views [][]float32, sample Sample, err error) {
	if i < 0 || i >= len(ds.samples) {
		return nil, Sample{}, errors.Errorf("dataset %q: index %d out of range [0, %d)", ds.name, i, len(ds.samples))
	}
	rng := rand.New(rand.NewSource(ds.config.Seed + int64(i)))
	return ds.load(i, rng)
}

func (ds *Dataset) load(i int, rng *rand.Rand) (views [][]float32, sample Sample, err error) {
	sample = ds.samples[i]
	img, err := ds.config.Loader(sample.Path)
	if err != nil {
		return nil, sample, errors.Wrapf(ErrData, "dataset %q, %s: %v", ds.name, sample.location(ds.name), err)
	}
	views = make([][]float32, len(ds.views))
	for v, p := range ds.views {
		views[v] = p.Process(img, rng)
	}
	return views, sample, nil
}

// Yield implements train.Dataset.
// The decoding and preprocessing of images happen outside the lock, so concurrent calls proceed in parallel.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, seed, err := ds.nextIndices()
	if err != nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	batchSize := len(indices)
	dims := ds.views[0].Dimensions()
	exampleSize := dims[0] * dims[1] * dims[2]
	flat := make([][]float32, len(ds.views))
	for v := range flat {
		flat[v] = make([]float32, 0, batchSize*exampleSize)
	}
	var labelsFlat any
	if ds.multiLabel {
		labelsFlat = make([]float32, 0, batchSize*len(ds.samples[0].Labels))
	} else {
		labelsFlat = make([]int32, 0, batchSize)
	}
	for _, idx := range indices {
		var views [][]float32
		var sample Sample
		views, sample, err = ds.load(idx, rng)
		if err != nil {
			err = ds.fail(err)
			return
		}
		for v, view := range views {
			flat[v] = append(flat[v], view...)
		}
		switch l := labelsFlat.(type) {
		case []float32:
			labelsFlat = append(l, sample.Labels...)
		case []int32:
			labelsFlat = append(l, int32(sample.Label))
		}
	}

	inputs = make([]*tensors.Tensor, len(ds.views))
	for v := range inputs {
		inputs[v] = tensors.FromFlatDataAndDimensions(flat[v], batchSize, dims[0], dims[1], dims[2])
	}
	switch l := labelsFlat.(type) {
	case []float32:
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(l, batchSize, len(l)/batchSize)}
	case []int32:
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(l, batchSize, 1)}
	}
	return
}

// Prefetched is a Dataset whose batches are generated by goroutines in the background. Create it with Prefetch.
type Prefetched struct {
	*datasets.ParallelDataset
	source *Dataset
}

// Compile time check that Prefetched implements train.Dataset.
var _ train.Dataset = (*Prefetched)(nil)

// Prefetch wraps ds so that batches are generated by `workers` goroutines in the background, with `buffer`
// batches kept ready. The order of the batches is not preserved, so it should only be used with shuffled datasets.
//
// ds should not be used directly afterwards. Call Close on the returned dataset to stop the goroutines.
func Prefetch(ds *Dataset, workers, buffer int) *Prefetched {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	ds.mu.Lock()
	ds.prefetched = true
	ds.mu.Unlock()
	klog.V(1).Infof("prefetching %q with %d workers, buffer of %d batches", ds.Name(), workers, buffer)
	return &Prefetched{
		ParallelDataset: datasets.CustomParallel(ds).Parallelism(workers).Buffer(buffer).Start(),
		source:          ds,
	}
}

// Yield implements train.Dataset.
//
// Workers stop at the first image that fails to load: once the batches generated before it are consumed,
// Yield returns its error, wrapping ErrData, in place of io.EOF.
func (p *Prefetched) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = p.ParallelDataset.Yield()
	if err == nil && len(inputs) > 0 {
		return
	}
	if loadErr := p.source.Err(); loadErr != nil {
		return nil, nil, nil, loadErr
	}
	if err == nil {
		err = errors.Wrapf(ErrData, "dataset %q: prefetching stopped without yielding a batch", p.source.Name())
	}
	return
}

// Close stops the background goroutines, discarding the batches already generated. It doesn't block on an
// exhausted epoch, and it is safe to call more than once.
func (p *Prefetched) Close() {
	p.source.close()
	for {
		_, inputs, labels, err := p.ParallelDataset.Yield()
		if err != nil || len(inputs) == 0 {
			return
		}
		for _, t := range slices.Concat(inputs, labels) {
			_ = t.FinalizeAll()
		}
	}
}

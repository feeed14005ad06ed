// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dev

import (
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDecays is the grid of L2 regularization amounts tried for the domain classifier.
var DefaultDecays = []float64{1e-1, 3e-2, 1e-2, 3e-3, 1e-3, 3e-4, 1e-4, 3e-5, 1e-5}

// Options of the domain classifier used to estimate the density ratio.
type Options struct {
	Backend backends.Backend

	// Decays are the L2 regularization amounts to select from.
	Decays []float64

	// TrainFraction of the source and target features used to train the domain classifier. The rest is
	// used to select the decay.
	TrainFraction float64

	// Steps of Adam for each decay.
	Steps        int
	LearningRate float64

	// HiddenLayers of the domain classifier. With 0, the default, it is a logistic regression. Otherwise it is
	// an MLP whose hidden layers have width HiddenDim, or the feature dimension if HiddenDim is 0.
	HiddenLayers int
	HiddenDim    int

	// BatchSize of each training step. If 0 or larger than the training set, the full set is used.
	BatchSize int

	Seed int64
}

// DefaultOptions returns the options used by the training harness.
func DefaultOptions(backend backends.Backend) Options {
	return Options{
		Backend:       backend,
		Decays:        DefaultDecays,
		TrainFraction: 0.8,
		Steps:         200,
		LearningRate:  0.001,
		HiddenLayers:  0,
		BatchSize:     128,
	}
}

// Result of a DEV estimation.
type Result struct {
	Risk float64

	// Weights are the importance weights of the validation examples.
	Weights []float64

	// Decay selected for the domain classifier, and its accuracy on the held-out features.
	Decay           float64
	HeldOutAccuracy float64
}

// Estimator computes importance weights and DEV risks.
type Estimator struct {
	opts Options
}

// New returns an Estimator, after validating the options.
func New(opts Options) (*Estimator, error) {
	if opts.Backend == nil {
		return nil, errors.New("dev: a backend is required")
	}
	if len(opts.Decays) == 0 {
		return nil, errors.New("dev: at least one decay is required")
	}
	if opts.TrainFraction <= 0 || opts.TrainFraction >= 1 {
		return nil, errors.Errorf("dev: train fraction must be in (0, 1), got %g", opts.TrainFraction)
	}
	if opts.Steps <= 0 || opts.LearningRate <= 0 {
		return nil, errors.Errorf("dev: steps (%d) and learning rate (%g) must be > 0", opts.Steps, opts.LearningRate)
	}
	if opts.HiddenLayers < 0 || opts.HiddenDim < 0 || opts.BatchSize < 0 {
		return nil, errors.Errorf("dev: invalid domain classifier dimensions: %d hidden layers of width %d, batch size %d",
			opts.HiddenLayers, opts.HiddenDim, opts.BatchSize)
	}
	return &Estimator{opts: opts}, nil
}

// Estimate computes the importance weights of the validation features and the DEV risk of the given
// validation losses.
func (e *Estimator) Estimate(source, target, validation [][]float32, validationLosses []float64) (*Result, error) {
	if len(validation) != len(validationLosses) {
		return nil, errors.Errorf("dev: %d validation features for %d losses", len(validation), len(validationLosses))
	}
	weights, decay, accuracy, err := e.weights(source, target, validation)
	if err != nil {
		return nil, err
	}
	risk, err := Risk(weights, validationLosses)
	if err != nil {
		return nil, err
	}
	return &Result{Risk: risk, Weights: weights, Decay: decay, HeldOutAccuracy: accuracy}, nil
}

// Weights returns p(target|x)/p(source|x) * Ns/Nt for each validation feature x, where p is a domain
// classifier trained on the source and target features.
func (e *Estimator) Weights(source, target, validation [][]float32) ([]float64, error) {
	weights, _, _, err := e.weights(source, target, validation)
	return weights, err
}

// domainSet holds features and domain labels: 1 for source, 0 for target.
type domainSet struct {
	x   [][]float32
	y   []int32
	dim int
}

func (s *domainSet) add(x []float32, y int32) {
	s.x = append(s.x, x)
	s.y = append(s.y, y)
}

func (s *domainSet) tensors(indices []int) (x, y *tensors.Tensor) {
	flat := make([]float32, 0, len(indices)*s.dim)
	labels := make([]int32, 0, len(indices))
	for _, i := range indices {
		flat = append(flat, s.x[i]...)
		labels = append(labels, s.y[i])
	}
	return tensors.FromFlatDataAndDimensions(flat, len(indices), s.dim),
		tensors.FromFlatDataAndDimensions(labels, len(indices), 1)
}

func checkFeatures(name string, features [][]float32, dim int) (int, error) {
	if len(features) == 0 {
		return 0, errors.Errorf("dev: no %s features", name)
	}
	for i, row := range features {
		if dim == 0 {
			dim = len(row)
		}
		if len(row) != dim || dim == 0 {
			return 0, errors.Errorf("dev: %s feature #%d has dimension %d, expected %d", name, i, len(row), dim)
		}
	}
	return dim, nil
}

func (e *Estimator) weights(source, target, validation [][]float32) (weights []float64, decay, accuracy float64, err error) {
	dim, err := checkFeatures("source", source, 0)
	if err != nil {
		return
	}
	if _, err = checkFeatures("target", target, dim); err != nil {
		return
	}
	if _, err = checkFeatures("validation", validation, dim); err != nil {
		return
	}

	// Stratified split, so both domains are represented in the training and held-out sets.
	rng := rand.New(rand.NewSource(e.opts.Seed))
	trainSet, heldOutSet := &domainSet{dim: dim}, &domainSet{dim: dim}
	for _, domain := range []struct {
		features [][]float32
		label    int32
	}{{source, 1}, {target, 0}} {
		perm := rng.Perm(len(domain.features))
		numTrain := int(math.Round(e.opts.TrainFraction * float64(len(perm))))
		numTrain = max(1, min(numTrain, len(perm)-1))
		if len(perm) == 1 {
			numTrain = 1
		}
		for i, idx := range perm {
			if i < numTrain {
				trainSet.add(domain.features[idx], domain.label)
			} else {
				heldOutSet.add(domain.features[idx], domain.label)
			}
		}
	}
	if len(heldOutSet.x) == 0 {
		heldOutSet = trainSet
	}

	accuracy = -1
	var best *context.Context
	for _, d := range e.opts.Decays {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(e.opts.Seed + 1)
		var acc float64
		acc, err = e.train(ctx, d, trainSet, heldOutSet, rng)
		if err != nil {
			ctx.Finalize()
			if best != nil {
				best.Finalize()
			}
			err = errors.WithMessagef(err, "dev: training domain classifier with decay %g", d)
			return
		}
		klog.V(1).Infof("dev: domain classifier decay=%g held-out accuracy=%.4f", d, acc)
		if acc > accuracy {
			if best != nil {
				best.Finalize()
			}
			best, accuracy, decay = ctx, acc, d
		} else {
			ctx.Finalize()
		}
	}
	defer best.Finalize()

	var probs [][2]float64
	probs, err = e.predict(best, validation, dim)
	if err != nil {
		return
	}
	ratio := float64(len(source)) / float64(len(target))
	weights = make([]float64, len(probs))
	for i, p := range probs {
		// p[0] is the target probability, p[1] the source one.
		weights[i] = p[0] / p[1] * ratio
	}
	klog.V(1).Infof("dev: selected decay=%g (held-out accuracy %.4f)", decay, accuracy)
	return
}

// model builds the domain classifier logits [batchSize, 2].
func (e *Estimator) model(ctx *context.Context, x *Node) *Node {
	width := e.opts.HiddenDim
	if width == 0 {
		width = x.Shape().Dimensions[1]
	}
	return fnn.New(ctx.In("domain_classifier"), x, 2).
		NumHiddenLayers(e.opts.HiddenLayers, width).
		Activation(activations.TypeRelu).
		Done()
}

// l2 returns decay times the sum of squares of the trainable weights used by g.
func l2(ctx *context.Context, g *Graph, decay float64) *Node {
	var total *Node
	for v := range ctx.IterVariables() {
		if !v.Trainable || v.Name() != "weights" || !v.InUseByGraph(g) {
			continue
		}
		sq := ReduceAllSum(Square(v.ValueGraph(g)))
		if total == nil {
			total = sq
		} else {
			total = Add(total, sq)
		}
	}
	if total == nil {
		return nil
	}
	return MulScalar(total, decay)
}

func (e *Estimator) train(ctx *context.Context, decay float64, trainSet, heldOutSet *domainSet, rng *rand.Rand) (accuracy float64, err error) {
	optimizer := optimizers.Adam().LearningRate(e.opts.LearningRate).Done()
	step, err := context.NewExec(e.opts.Backend, ctx, func(ctx *context.Context, x, y *Node) *Node {
		g := x.Graph()
		ctx.SetTraining(g, true)
		logits := e.model(ctx, x)
		loss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{y}, []*Node{logits}))
		if penalty := l2(ctx, g, decay); penalty != nil {
			loss = Add(loss, penalty)
		}
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	if err != nil {
		return 0, err
	}
	defer step.Finalize()

	n := len(trainSet.x)
	batchSize := e.opts.BatchSize
	if batchSize == 0 || batchSize > n {
		batchSize = n
	}
	perm := rng.Perm(n)
	next := 0
	for i := range e.opts.Steps {
		if next+batchSize > n {
			perm = rng.Perm(n)
			next = 0
		}
		x, y := trainSet.tensors(perm[next : next+batchSize])
		next += batchSize
		loss, err := step.Exec1(x, y)
		if err != nil {
			return 0, err
		}
		value := tensors.ToScalar[float32](loss)
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return 0, errors.Wrapf(ErrNonFinite, "domain classifier loss is %g at step %d", value, i)
		}
	}

	probs, err := e.predict(ctx, heldOutSet.x, trainSet.dim)
	if err != nil {
		return 0, err
	}
	var correct int
	for i, p := range probs {
		predicted := int32(0)
		if p[1] > p[0] {
			predicted = 1
		}
		if predicted == heldOutSet.y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(probs)), nil
}

// predict returns the domain probabilities [p(target|x), p(source|x)] for each feature row.
func (e *Estimator) predict(ctx *context.Context, features [][]float32, dim int) (probs [][2]float64, err error) {
	err = exceptions.TryCatch[error](func() {
		exec := context.MustNewExec(e.opts.Backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
			return Softmax(e.model(ctx, x))
		})
		defer exec.Finalize()
		flat := make([]float32, 0, len(features)*dim)
		for _, row := range features {
			flat = append(flat, row...)
		}
		output := exec.MustExec1(tensors.FromFlatDataAndDimensions(flat, len(features), dim))
		values := tensors.MustCopyFlatData[float32](output)
		probs = make([][2]float64, len(features))
		for i := range probs {
			// Clip to avoid infinite ratios from saturated predictions.
			probs[i][0] = max(float64(values[2*i]), 1e-7)
			probs[i][1] = max(float64(values[2*i+1]), 1e-7)
		}
	})
	return
}

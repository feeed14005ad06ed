// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pada trains an image classifier with Partial Adversarial Domain Adaptation, and estimates the risk of
// the trained model on the target domain with Deep Embedded Validation (see package dev).
//
// A Trainer is created from a validated Config with New, and Run executes the whole training loop: periodic
// evaluation on the test list, periodic snapshots, one optimizer step per iteration, and the final risk estimation.
package pada

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/padadev/pkg/adversarial"
	"github.com/gomlx/padadev/pkg/dev"
	"github.com/gomlx/padadev/pkg/imagelist"
	"github.com/gomlx/padadev/pkg/network"
	"github.com/gomlx/padadev/pkg/optim"
	"github.com/gomlx/padadev/pkg/preprocess"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LogFileName is the name of the log file, under Config.Dir.
const LogFileName = "log.txt"

// StepMetrics are the values of one training iteration.
type StepMetrics struct {
	TotalLoss, ClassifierLoss, TransferLoss float64

	// LearningRate is the base learning rate, before the group multipliers.
	LearningRate float64

	// Coefficient of the gradient reversal.
	Coefficient float64
}

// Result of a training run.
type Result struct {
	// BestAccuracy on the test list, and the iteration where it was measured.
	BestAccuracy  float64
	BestIteration int

	// FinalAccuracy on the test list, after the last iteration.
	FinalAccuracy float64

	// Risk is the DEV estimation of the target risk.
	Risk *dev.Result

	// Iterations executed in this run (it can be less than Config.NumIterations if resumed from a snapshot).
	Iterations int
}

// Observer follows the progress of Trainer.Run. Methods are called from the training goroutine.
type Observer interface {
	OnStart(t *Trainer)
	OnStep(iteration int, m StepMetrics)
	OnEval(iteration int, accuracy float64)
	OnEnd(r *Result)
}

// Trainer holds the model, datasets and executors of a training run.
type Trainer struct {
	cfg      *Config
	backend  backends.Backend
	ctx      *context.Context
	network  network.Config
	reversal adversarial.Schedule

	split *imagelist.Split

	// Training loaders, possibly prefetched.
	sourceTrain, targetTrain train.Dataset
	prefetchers              []*imagelist.Prefetched

	// Evaluation datasets, read in order.
	test, sourceEval, targetEval, validation *imagelist.Dataset

	optimizer  *optim.SGD
	trainStep  *context.Exec
	inference  *context.Exec
	checkpoint *checkpoints.Handler
	logFile    *os.File
	logWriter  *bufio.Writer
	observers  []Observer

	// iteration is the next training iteration to execute.
	iteration int
}

// New creates a Trainer: it validates the configuration, loads and splits the lists, creates the output
// directory and log file, and loads the latest snapshot in the output directory if there is one.
//
// Errors wrap ErrConfig, ErrIO or imagelist.ErrData.
func New(backend backends.Backend, cfg *Config) (t *Trainer, err error) {
	if backend == nil {
		return nil, errors.Wrap(ErrConfig, "a backend is required")
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	t = &Trainer{
		cfg:      cfg,
		backend:  backend,
		network:  cfg.network(),
		reversal: adversarial.DefaultSchedule(cfg.High),
	}
	defer func() {
		if err != nil {
			t.Close()
			t = nil
		}
	}()
	if err = t.loadDatasets(); err != nil {
		return
	}
	if err = t.openOutput(); err != nil {
		return
	}

	t.ctx = context.New().Checked(false)
	t.ctx.SetRNGStateFromSeed(cfg.Seed)
	t.checkpoint, err = checkpoints.Build(t.ctx).Dir(cfg.Dir()).Keep(cfg.SnapshotKeep).Done()
	if err != nil {
		err = errors.Wrapf(ErrIO, "snapshots in %q: %v", cfg.Dir(), err)
		return
	}
	t.ctx.SetParams(cfg.Params())
	t.iteration = int(optimizers.GetGlobalStep(t.ctx))
	if t.iteration > 0 {
		klog.Infof("resuming from snapshot in %q at iteration %d", cfg.Dir(), t.iteration)
	}

	t.optimizer = optim.New(cfg.groups()...)
	t.optimizer.Momentum = cfg.Momentum
	t.optimizer.Nesterov = cfg.Nesterov
	if t.trainStep, err = context.NewExec(backend, t.ctx, t.trainStepGraph); err != nil {
		return
	}
	t.inference, err = context.NewExec(backend, t.ctx, t.inferenceGraph)
	return
}

// readList reads and validates one image list.
func (t *Trainer) readList(path string) ([]imagelist.Sample, error) {
	samples, err := imagelist.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(imagelist.ErrData, "image list %q is empty", path)
	}
	if err = imagelist.CheckLabels(samples, t.cfg.NumClasses, path); err != nil {
		return nil, err
	}
	return samples, nil
}

func (t *Trainer) loadDatasets() error {
	cfg := t.cfg
	source, err := t.readList(cfg.SourcePath)
	if err != nil {
		return err
	}
	target, err := t.readList(cfg.TargetPath)
	if err != nil {
		return err
	}
	test := target
	if cfg.TestPath != "" && cfg.TestPath != cfg.TargetPath {
		if test, err = t.readList(cfg.TestPath); err != nil {
			return err
		}
	}
	klog.V(1).Infof("source samples per class: %v", imagelist.CountByClass(source, cfg.NumClasses))

	t.split, err = imagelist.SplitByClass(source, cfg.NumClasses, cfg.HoldOut, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	sourceTrain := t.split.TrainSamples()
	validation := t.split.ValidationSamples()
	klog.Infof("source %q: %d training and %d validation samples (hold-out %s per class)",
		cfg.SourcePath, len(sourceTrain), len(validation), cfg.HoldOut)

	trainConfig := imagelist.DatasetConfig{
		BatchSize:      cfg.SourceBatchSize,
		Shuffle:        true,
		DropIncomplete: true,
		Seed:           cfg.Seed,
		Loader:         cfg.Loader,
	}
	trainViews := []preprocess.Pipeline{preprocess.Train(cfg.ResizeSize, cfg.CropSize)}
	sourceDS, err := imagelist.NewDataset("source", sourceTrain, trainViews, trainConfig)
	if err != nil {
		return err
	}
	trainConfig.BatchSize = cfg.TargetBatchSize
	trainConfig.Seed = cfg.Seed + 1
	targetDS, err := imagelist.NewDataset("target", target, trainViews, trainConfig)
	if err != nil {
		return err
	}
	t.sourceTrain, t.targetTrain = sourceDS, targetDS
	if cfg.Workers > 0 {
		sourcePrefetched := imagelist.Prefetch(sourceDS, cfg.Workers, cfg.Workers)
		targetPrefetched := imagelist.Prefetch(targetDS, cfg.Workers, cfg.Workers)
		t.prefetchers = []*imagelist.Prefetched{sourcePrefetched, targetPrefetched}
		t.sourceTrain, t.targetTrain = sourcePrefetched, targetPrefetched
	}

	evalConfig := imagelist.DatasetConfig{BatchSize: cfg.TestBatchSize, Loader: cfg.Loader}
	testViews := []preprocess.Pipeline{preprocess.Test(cfg.ResizeSize, cfg.CropSize)}
	if cfg.TestTenCrop {
		testViews = preprocess.TenCrop(cfg.ResizeSize, cfg.CropSize)
	}
	if t.test, err = imagelist.NewDataset("test", test, testViews, evalConfig); err != nil {
		return err
	}
	devViews := []preprocess.Pipeline{preprocess.Test(cfg.ResizeSize, cfg.CropSize)}
	if t.sourceEval, err = imagelist.NewDataset("source-train", sourceTrain, devViews, evalConfig); err != nil {
		return err
	}
	if t.targetEval, err = imagelist.NewDataset("target-eval", target, devViews, evalConfig); err != nil {
		return err
	}
	if t.validation, err = imagelist.NewDataset("validation", validation, devViews, evalConfig); err != nil {
		return errors.WithMessagef(err, "no source samples held out with hold-out %s", cfg.HoldOut)
	}
	return nil
}

func (t *Trainer) openOutput() error {
	dir, err := fsutil.ReplaceTildeInDir(t.cfg.Dir())
	if err != nil {
		return errors.Wrapf(ErrIO, "output directory %q: %v", t.cfg.Dir(), err)
	}
	if err = os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(ErrIO, "creating output directory %q: %v", dir, err)
	}
	logPath := filepath.Join(dir, LogFileName)
	t.logFile, err = os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(ErrIO, "opening log file %q: %v", logPath, err)
	}
	t.logWriter = bufio.NewWriter(t.logFile)
	return nil
}

// logf writes a line to the log file and flushes it.
func (t *Trainer) logf(format string, args ...any) error {
	if _, err := fmt.Fprintf(t.logWriter, format+"\n", args...); err != nil {
		return errors.Wrapf(ErrIO, "writing to %q: %v", t.logFile.Name(), err)
	}
	if err := t.logWriter.Flush(); err != nil {
		return errors.Wrapf(ErrIO, "writing to %q: %v", t.logFile.Name(), err)
	}
	return nil
}

// Config returns the configuration of the Trainer.
func (t *Trainer) Config() *Config { return t.cfg }

// Context returns the model context.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Split returns the class-conditional split of the source list.
func (t *Trainer) Split() *imagelist.Split { return t.split }

// TestDataset returns the dataset used by Evaluate.
func (t *Trainer) TestDataset() *imagelist.Dataset { return t.test }

// Iteration returns the next iteration to be executed.
func (t *Trainer) Iteration() int { return t.iteration }

// AddObserver registers o to follow Run.
func (t *Trainer) AddObserver(o Observer) {
	t.observers = append(t.observers, o)
}

// trainStepGraph builds one training iteration: the classification loss on the source half, the adversarial
// loss on the whole batch, and the optimizer update for the given base learning rate and weight decay.
func (t *Trainer) trainStepGraph(ctx *context.Context, sourceImages, targetImages, sourceLabels, weights, learningRate, weightDecay *Node) (total, classifierLoss, transferLoss *Node) {
	g := sourceImages.Graph()
	ctx.SetTraining(g, true)
	coeff := adversarial.CoefficientGraph(optimizers.GetGlobalStepVar(ctx).ValueGraph(g), t.reversal)

	numSource := sourceImages.Shape().Dimensions[0]
	images := Concatenate([]*Node{sourceImages, targetImages}, 0)
	features, logits := network.BuildGraph(ctx, t.network, images)
	sourceLogits := Slice(logits, AxisRange(0, numSource))
	classifierLoss = ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{sourceLabels}, []*Node{sourceLogits}))
	transferLoss = adversarial.PADALoss(ctx, features, weights, coeff)
	total = Add(classifierLoss, MulScalar(transferLoss, t.cfg.TradeOff))
	t.optimizer.StepGraph(ctx, total, learningRate, weightDecay)
	return
}

// inferenceGraph returns the features, logits and the scaled softmax of the images.
func (t *Trainer) inferenceGraph(ctx *context.Context, images *Node) (features, logits, probabilities *Node) {
	ctx.SetTraining(images.Graph(), false)
	features, logits = network.BuildGraph(ctx, t.network, images)
	probabilities = Softmax(MulScalar(logits, t.cfg.SoftmaxParam))
	return
}

// next returns the next batch of ds, restarting it at the end of an epoch.
func next(ds train.Dataset) (inputs, labels []*tensors.Tensor, err error) {
	_, inputs, labels, err = ds.Yield()
	if err == io.EOF {
		ds.Reset()
		_, inputs, labels, err = ds.Yield()
	}
	if err == nil && (len(inputs) == 0 || len(labels) == 0) {
		err = errors.Wrapf(imagelist.ErrData, "dataset %q yielded an empty batch", ds.Name())
	}
	if err != nil {
		err = errors.WithMessagef(err, "reading dataset %q", ds.Name())
	}
	return
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Step executes the next training iteration.
func (t *Trainer) Step() (m StepMetrics, err error) {
	iteration := t.iteration
	sourceInputs, sourceLabels, err := next(t.sourceTrain)
	if err != nil {
		return
	}
	targetInputs, _, err := next(t.targetTrain)
	if err != nil {
		return
	}
	batchSize := sourceInputs[0].Shape().Dimensions[0] + targetInputs[0].Shape().Dimensions[0]
	weights := tensors.FromScalarAndDimensions(float32(1), batchSize)
	rates := t.cfg.Schedule.At(iteration)
	outputs, err := t.trainStep.Exec(sourceInputs[0], targetInputs[0], sourceLabels[0], weights,
		float32(rates.LearningRate), float32(rates.WeightDecay))
	if err != nil {
		return m, errors.WithMessagef(err, "training iteration %d", iteration)
	}
	m = StepMetrics{
		TotalLoss:      float64(tensors.ToScalar[float32](outputs[0])),
		ClassifierLoss: float64(tensors.ToScalar[float32](outputs[1])),
		TransferLoss:   float64(tensors.ToScalar[float32](outputs[2])),
		LearningRate:   rates.LearningRate,
		Coefficient:    adversarial.Coefficient(iteration, t.reversal),
	}
	for _, output := range outputs {
		output.FinalizeAll()
	}
	if !finite(m.TotalLoss) || !finite(m.ClassifierLoss) || !finite(m.TransferLoss) {
		return m, errors.Wrapf(ErrNumerical, "iteration %d: total loss %g, classifier loss %g, transfer loss %g",
			iteration, m.TotalLoss, m.ClassifierLoss, m.TransferLoss)
	}
	t.iteration++
	klog.V(2).Infof("iter %d: loss=%.5f classifier=%.5f transfer=%.5f lr=%.3g coeff=%.4f",
		iteration, m.TotalLoss, m.ClassifierLoss, m.TransferLoss, m.LearningRate, m.Coefficient)
	return m, nil
}

// Run executes the remaining training iterations and then estimates the risk with DEV.
func (t *Trainer) Run() (*Result, error) {
	cfg := t.cfg
	result := &Result{BestAccuracy: -1}
	for _, o := range t.observers {
		o.OnStart(t)
	}
	for t.iteration < cfg.NumIterations {
		i := t.iteration
		if i%cfg.TestInterval == 0 {
			if _, err := t.evaluateAndLog(result, i); err != nil {
				return nil, err
			}
		}
		if i%cfg.SnapshotInterval == 0 {
			if err := t.Snapshot(); err != nil {
				return nil, err
			}
		}
		m, err := t.Step()
		if err != nil {
			return nil, err
		}
		result.Iterations++
		for _, o := range t.observers {
			o.OnStep(i, m)
		}
	}
	finalAccuracy, err := t.evaluateAndLog(result, t.iteration)
	if err != nil {
		return nil, err
	}
	result.FinalAccuracy = finalAccuracy
	if err = t.Snapshot(); err != nil {
		return nil, err
	}

	risk, err := t.EstimateRisk()
	if err != nil {
		return nil, err
	}
	result.Risk = risk
	if err = t.logf("dev risk: %.5f", risk.Risk); err != nil {
		return nil, err
	}
	klog.Infof("DEV risk %.5f (domain classifier decay %g, held-out accuracy %.4f)", risk.Risk, risk.Decay, risk.HeldOutAccuracy)

	if klog.V(1).Enabled() {
		if counts, err := t.PredictedClassCounts(t.targetEval); err == nil {
			klog.Infof("target predicted samples per class: %v", counts)
		} else {
			klog.Warningf("failed to predict target classes: %+v", err)
		}
	}
	for _, o := range t.observers {
		o.OnEnd(result)
	}
	return result, nil
}

// evaluateAndLog evaluates the model, writes the log line and updates the best accuracy.
func (t *Trainer) evaluateAndLog(result *Result, iteration int) (float64, error) {
	accuracy, err := t.Evaluate()
	if err != nil {
		return 0, err
	}
	if accuracy > result.BestAccuracy {
		result.BestAccuracy, result.BestIteration = accuracy, iteration
	}
	if err = t.logf("iter: %05d, precision: %.5f", iteration, accuracy); err != nil {
		return 0, err
	}
	klog.Infof("iter: %05d, precision: %.5f", iteration, accuracy)
	for _, o := range t.observers {
		o.OnEval(iteration, accuracy)
	}
	return accuracy, nil
}

// Snapshot saves the model and optimizer state in the output directory.
func (t *Trainer) Snapshot() error {
	if err := t.checkpoint.Save(); err != nil {
		return errors.Wrapf(ErrIO, "saving snapshot to %q: %v", t.checkpoint.Dir(), err)
	}
	klog.V(1).Infof("snapshot saved at iteration %d to %q", t.iteration, t.checkpoint.Dir())
	return nil
}

// forEachBatch reads ds in order, from the start, and calls fn with the probabilities of each view and the
// features and logits of the first view.
func (t *Trainer) forEachBatch(ds *imagelist.Dataset, fn func(features, logits [][]float32, probabilities [][][]float32, labels []int32)) error {
	ds.Reset()
	defer ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		var features, logits [][]float32
		probabilities := make([][][]float32, len(inputs))
		for v, input := range inputs {
			outputs, err := t.inference.Exec(input)
			if err != nil {
				return errors.WithMessagef(err, "inference on dataset %q", ds.Name())
			}
			if v == 0 {
				features, logits = rows(outputs[0]), rows(outputs[1])
			}
			probabilities[v] = rows(outputs[2])
			for _, output := range outputs {
				output.FinalizeAll()
			}
			input.FinalizeAll()
		}
		if labels[0].Shape().Rank() != 2 || labels[0].Shape().Dimensions[1] != 1 {
			return errors.Wrapf(imagelist.ErrData, "dataset %q: class ids are required, got labels shaped %s",
				ds.Name(), labels[0].Shape())
		}
		fn(features, logits, probabilities, tensors.MustCopyFlatData[int32](labels[0]))
	}
}

// rows converts a [batchSize, dim] tensor to a slice of rows.
func rows(t *tensors.Tensor) [][]float32 {
	dims := t.Shape().Dimensions
	flat := tensors.MustCopyFlatData[float32](t)
	out := make([][]float32, dims[0])
	for i := range out {
		out[i] = flat[i*dims[1] : (i+1)*dims[1]]
	}
	return out
}

// Predict returns the sum over the views of ds of the softmax of the logits scaled by Config.SoftmaxParam,
// one row per sample, in the order of the dataset.
func (t *Trainer) Predict(ds *imagelist.Dataset) (predictions [][]float32, labels []int, err error) {
	err = t.forEachBatch(ds, func(_, _ [][]float32, probabilities [][][]float32, batchLabels []int32) {
		for i := range probabilities[0] {
			sum := make([]float32, len(probabilities[0][i]))
			for _, view := range probabilities {
				for c, p := range view[i] {
					sum[c] += p
				}
			}
			predictions = append(predictions, sum)
			labels = append(labels, int(batchLabels[i]))
		}
	})
	return
}

func argMax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Evaluate returns the accuracy on the test list, with the predictions of Predict.
func (t *Trainer) Evaluate() (float64, error) {
	predictions, labels, err := t.Predict(t.test)
	if err != nil {
		return 0, err
	}
	var correct int
	for i, p := range predictions {
		if argMax(p) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(predictions)), nil
}

// PredictedClassCounts returns the number of samples of ds predicted as each class.
func (t *Trainer) PredictedClassCounts(ds *imagelist.Dataset) ([]int, error) {
	predictions, _, err := t.Predict(ds)
	if err != nil {
		return nil, err
	}
	counts := make([]int, t.cfg.NumClasses)
	for _, p := range predictions {
		counts[argMax(p)]++
	}
	return counts, nil
}

// Features returns the features and logits of the first view of each sample of ds, and their labels.
func (t *Trainer) Features(ds *imagelist.Dataset) (features, logits [][]float32, labels []int, err error) {
	err = t.forEachBatch(ds, func(batchFeatures, batchLogits [][]float32, _ [][][]float32, batchLabels []int32) {
		features = append(features, batchFeatures...)
		logits = append(logits, batchLogits...)
		for _, l := range batchLabels {
			labels = append(labels, int(l))
		}
	})
	return
}

// EstimateRisk runs DEV with the features of the source training samples, the target samples and the
// held-out source validation samples.
func (t *Trainer) EstimateRisk() (*dev.Result, error) {
	sourceFeatures, _, _, err := t.Features(t.sourceEval)
	if err != nil {
		return nil, err
	}
	targetFeatures, _, _, err := t.Features(t.targetEval)
	if err != nil {
		return nil, err
	}
	validationFeatures, validationLogits, validationLabels, err := t.Features(t.validation)
	if err != nil {
		return nil, err
	}
	opts := dev.DefaultOptions(t.backend)
	opts.Steps = t.cfg.DEVSteps
	opts.Seed = t.cfg.Seed
	estimator, err := dev.New(opts)
	if err != nil {
		return nil, withKind(ErrConfig, err)
	}
	var result *dev.Result
	if panicErr := exceptions.TryCatch[error](func() {
		result, err = estimator.Estimate(sourceFeatures, targetFeatures, validationFeatures,
			dev.PredictionLosses(validationLogits, validationLabels))
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		if errors.Is(err, dev.ErrNonFinite) || errors.Is(err, dev.ErrDegenerateWeights) {
			return nil, withKind(ErrNumerical, err)
		}
		return nil, errors.WithMessage(err, "estimating DEV risk")
	}
	return result, nil
}

// Close releases the prefetching goroutines, the executors and the log file.
func (t *Trainer) Close() {
	for _, p := range t.prefetchers {
		p.Close()
	}
	t.prefetchers = nil
	if t.trainStep != nil {
		t.trainStep.Finalize()
		t.trainStep = nil
	}
	if t.inference != nil {
		t.inference.Finalize()
		t.inference = nil
	}
	if t.logFile != nil {
		if err := t.logWriter.Flush(); err != nil {
			klog.Errorf("failed to flush %q: %+v", t.logFile.Name(), err)
		}
		if err := t.logFile.Close(); err != nil {
			klog.Errorf("failed to close %q: %+v", t.logFile.Name(), err)
		}
		t.logFile = nil
	}
}

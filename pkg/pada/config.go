// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pada

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/padadev/pkg/adversarial"
	"github.com/gomlx/padadev/pkg/imagelist"
	"github.com/gomlx/padadev/pkg/network"
	"github.com/gomlx/padadev/pkg/optim"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Config of a training run. It is assembled once, by NewConfig plus any overrides, and is not
// modified after Validate.
type Config struct {
	// Net is the backbone name, see network.Backbones.
	Net string

	// Dataset is the preset name, a key of Presets.
	Dataset string

	// SourcePath and TargetPath are the image list files. TestPath defaults to TargetPath.
	SourcePath, TargetPath, TestPath string

	TestInterval, NumIterations, SnapshotInterval int

	// SnapshotRoot and OutputDir: the log file and snapshots are written to SnapshotRoot/OutputDir.
	SnapshotRoot, OutputDir string

	// SnapshotKeep is the number of snapshots kept on disk. Older ones are removed. -1 keeps all of them.
	SnapshotKeep int

	SourceBatchSize, TargetBatchSize, TestBatchSize int
	NumClasses                                      int

	ResizeSize, CropSize int
	TestTenCrop          bool

	UseBottleneck bool
	BottleneckDim int

	// NewClassifier trains the bottleneck and classifier 10x faster than the backbone. If false, the whole
	// network uses the base learning rate.
	NewClassifier bool

	// SoftmaxParam scales the logits before the softmax in predictions.
	SoftmaxParam float64

	// High is the limit of the gradient reversal coefficient.
	High float64

	// TradeOff multiplies the adversarial loss in the total loss.
	TradeOff float64

	Schedule optim.Schedule
	Momentum float64
	Nesterov bool

	AdversarialHiddenDim int
	AdversarialDropout   float64

	// HoldOut is the number (or fraction) of source samples per class held out for the risk estimation.
	HoldOut imagelist.HoldOut

	// Workers prefetching training batches. 0 reads batches in the training goroutine.
	Workers int

	Seed int64

	// DEVSteps is the number of training steps of each domain classifier of the risk estimation.
	DEVSteps int

	// Loader decodes images. Defaults to imagelist.OpenImage.
	Loader imagelist.Loader
}

// Preset sets the dataset specific values of a Config.
type Preset func(c *Config)

// Presets of the supported datasets, keyed by the dataset name. Some values depend on the source and target
// paths, so presets must be applied after they are set.
var Presets = map[string]Preset{
	"office": func(c *Config) {
		c.SourceBatchSize, c.TargetBatchSize, c.TestBatchSize = 13, 13, 4
		c.NumClasses = 31
		c.Schedule.InitialLearningRate = 0.001
		if strings.Contains(c.testPath(), "amazon") {
			c.Schedule.InitialLearningRate = 0.0003
		}
	},
	"office-home": func(c *Config) {
		c.SourceBatchSize, c.TargetBatchSize, c.TestBatchSize = 36, 36, 4
		c.NumClasses = 65
		c.Schedule.InitialLearningRate = 0.0003
		c.High, c.SoftmaxParam = 0.5, 10
		targetIsRealWorld := strings.Contains(c.TargetPath, "Real_World")
		switch {
		case strings.Contains(c.SourcePath, "Real_World"):
			c.High = 1
			if strings.Contains(c.TargetPath, "Art") {
				c.SoftmaxParam = 1
			} else {
				c.Schedule.InitialLearningRate = 0.001
			}
		case strings.Contains(c.SourcePath, "Art") && targetIsRealWorld:
			c.High = 0.25
		case strings.Contains(c.SourcePath, "Product") && targetIsRealWorld:
			c.High = 0.3
		}
	},
	"imagenet": func(c *Config) {
		c.SourceBatchSize, c.TargetBatchSize, c.TestBatchSize = 36, 36, 4
		c.NumClasses = 1000
		c.Schedule.InitialLearningRate = 0.0003
		c.UseBottleneck = false
		c.NewClassifier = false
	},
	"caltech": func(c *Config) {
		c.SourceBatchSize, c.TargetBatchSize, c.TestBatchSize = 36, 36, 4
		c.NumClasses = 256
		c.Schedule.InitialLearningRate = 0.001
	},
	"visda": func(c *Config) {
		c.SourceBatchSize, c.TargetBatchSize, c.TestBatchSize = 36, 36, 4
		c.NumClasses = 12
		c.Schedule.InitialLearningRate = 0.001
	},
}

// DatasetNames returns the sorted keys of Presets.
func DatasetNames() []string {
	names := maps.Keys(Presets)
	slices.Sort(names)
	return names
}

// DefaultConfig returns the values shared by all datasets.
func DefaultConfig() Config {
	return Config{
		Net:                  "cnn",
		TestInterval:         500,
		NumIterations:        500,
		SnapshotInterval:     5000,
		SnapshotRoot:         filepath.Join("..", "snapshot"),
		OutputDir:            "san",
		SnapshotKeep:         3,
		ResizeSize:           256,
		CropSize:             224,
		TestTenCrop:          true,
		UseBottleneck:        true,
		BottleneckDim:        256,
		NewClassifier:        true,
		SoftmaxParam:         1,
		High:                 1,
		TradeOff:             1,
		Schedule:             optim.DefaultSchedule(0.001),
		Momentum:             0.9,
		Nesterov:             true,
		AdversarialHiddenDim: adversarial.DefaultHiddenDim,
		AdversarialDropout:   adversarial.DefaultDropoutRate,
		HoldOut:              imagelist.HoldOut{Count: 3},
		Workers:              4,
		DEVSteps:             200,
	}
}

// NewConfig returns the DefaultConfig with the preset of the dataset applied for the given lists.
func NewConfig(dataset, sourcePath, targetPath string) (Config, error) {
	c := DefaultConfig()
	c.Dataset = dataset
	c.SourcePath, c.TargetPath = sourcePath, targetPath
	preset, found := Presets[dataset]
	if !found {
		return c, errors.Wrapf(ErrConfig, "unknown dataset %q, valid values are %q", dataset, DatasetNames())
	}
	preset(&c)
	return c, nil
}

func (c *Config) testPath() string {
	if c.TestPath != "" {
		return c.TestPath
	}
	return c.TargetPath
}

// Dir returns the directory holding the log file and the snapshots.
func (c *Config) Dir() string {
	return filepath.Join(c.SnapshotRoot, c.OutputDir)
}

// network returns the configuration of the network.
func (c *Config) network() network.Config {
	return network.Config{
		Backbone:      c.Net,
		NumClasses:    c.NumClasses,
		UseBottleneck: c.UseBottleneck,
		BottleneckDim: c.BottleneckDim,
	}
}

// Validate returns an error wrapping ErrConfig for the first invalid value found.
func (c *Config) Validate() error {
	if _, found := Presets[c.Dataset]; !found {
		return errors.Wrapf(ErrConfig, "unknown dataset %q, valid values are %q", c.Dataset, DatasetNames())
	}
	if err := c.network().Validate(); err != nil {
		return withKind(ErrConfig, err)
	}
	switch {
	case c.SourcePath == "" || c.TargetPath == "":
		return errors.Wrapf(ErrConfig, "source (%q) and target (%q) lists are required", c.SourcePath, c.TargetPath)
	case c.TestInterval <= 0 || c.SnapshotInterval <= 0:
		return errors.Wrapf(ErrConfig, "test interval (%d) and snapshot interval (%d) must be > 0", c.TestInterval, c.SnapshotInterval)
	case c.NumIterations < 0:
		return errors.Wrapf(ErrConfig, "number of iterations must be >= 0, got %d", c.NumIterations)
	case c.OutputDir == "":
		return errors.Wrap(ErrConfig, "output directory is required")
	case c.SourceBatchSize <= 0 || c.TestBatchSize <= 0:
		return errors.Wrapf(ErrConfig, "batch sizes must be > 0, got source=%d test=%d", c.SourceBatchSize, c.TestBatchSize)
	case c.SourceBatchSize != c.TargetBatchSize:
		return errors.Wrapf(ErrConfig, "source (%d) and target (%d) batch sizes must be equal", c.SourceBatchSize, c.TargetBatchSize)
	case c.CropSize <= 0 || c.CropSize > c.ResizeSize:
		return errors.Wrapf(ErrConfig, "crop size %d must be in (0, resize size %d]", c.CropSize, c.ResizeSize)
	case c.SoftmaxParam <= 0:
		return errors.Wrapf(ErrConfig, "softmax parameter must be > 0, got %g", c.SoftmaxParam)
	case c.High < 0 || c.TradeOff < 0:
		return errors.Wrapf(ErrConfig, "high (%g) and trade-off (%g) must be >= 0", c.High, c.TradeOff)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Wrapf(ErrConfig, "momentum must be in [0, 1), got %g", c.Momentum)
	case c.AdversarialHiddenDim <= 0 || c.AdversarialDropout < 0 || c.AdversarialDropout >= 1:
		return errors.Wrapf(ErrConfig, "invalid discriminator: hidden dim %d, dropout %g", c.AdversarialHiddenDim, c.AdversarialDropout)
	case c.Workers < 0 || c.DEVSteps <= 0:
		return errors.Wrapf(ErrConfig, "workers (%d) must be >= 0 and DEV steps (%d) > 0", c.Workers, c.DEVSteps)
	case c.SnapshotKeep == 0 || c.SnapshotKeep < -1:
		return errors.Wrapf(ErrConfig, "snapshots to keep must be > 0 or -1 (all), got %d", c.SnapshotKeep)
	}
	if err := c.Schedule.Validate(); err != nil {
		return withKind(ErrConfig, err)
	}
	if err := c.HoldOut.Validate(); err != nil {
		return withKind(ErrConfig, err)
	}
	return nil
}

// groups returns the learning rate groups of the optimizer.
func (c *Config) groups() []optim.Group {
	if !c.NewClassifier {
		// Everything trains at the base rate, except the discriminator.
		return []optim.Group{
			{Name: network.BackboneScope, LearningRate: 1, WeightDecay: 1},
			{Name: network.BottleneckScope, LearningRate: 1, WeightDecay: 1},
			{Name: network.ClassifierScope, LearningRate: 1, WeightDecay: 1},
			{Name: adversarial.Scope, LearningRate: 10, WeightDecay: 1},
		}
	}
	return []optim.Group{
		{Name: network.BackboneScope, LearningRate: 1, WeightDecay: 1},
		{Name: network.BottleneckScope, LearningRate: 10, WeightDecay: 1},
		{Name: network.ClassifierScope, LearningRate: 10, WeightDecay: 1},
		{Name: adversarial.Scope, LearningRate: 10, WeightDecay: 1},
	}
}

// Params returns the hyperparameters stored in the model context, and saved along the snapshots.
func (c *Config) Params() map[string]any {
	return map[string]any{
		"net":                        c.Net,
		"dset":                       c.Dataset,
		"num_classes":                c.NumClasses,
		"use_bottleneck":             c.UseBottleneck,
		"bottleneck_dim":             c.BottleneckDim,
		"new_cls":                    c.NewClassifier,
		"softmax_param":              c.SoftmaxParam,
		"high":                       c.High,
		"trade_off":                  c.TradeOff,
		"lr_schedule":                c.Schedule.Kind,
		"init_lr":                    c.Schedule.InitialLearningRate,
		"gamma":                      c.Schedule.Gamma,
		"power":                      c.Schedule.Power,
		"weight_decay":               c.Schedule.WeightDecay,
		"momentum":                   c.Momentum,
		"nesterov":                   c.Nesterov,
		"resize_size":                c.ResizeSize,
		"crop_size":                  c.CropSize,
		"batch_size":                 c.SourceBatchSize,
		adversarial.ParamHiddenDim:   c.AdversarialHiddenDim,
		adversarial.ParamDropoutRate: c.AdversarialDropout,
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network builds the feature extractor and classifier: a backbone selected by name from Backbones,
// an optional linear bottleneck and a linear classifier.
//
// Variables are created in three top-level scopes, used to assign learning rate multipliers:
// BackboneScope, BottleneckScope and ClassifierScope.
package network

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

const (
	BackboneScope   = "backbone"
	BottleneckScope = "bottleneck"
	ClassifierScope = "fc"
)

// Backbone maps a batch of images shaped [batchSize, height, width, 3] to features shaped [batchSize, dim].
type Backbone struct {
	// Build the backbone graph. ctx is already scoped in BackboneScope.
	Build func(ctx *context.Context, images *Node) *Node

	// OutputDim returns the dimension of the features, for square images of the given size.
	OutputDim func(imageSize int) int

	Description string
}

// Backbones registry, keyed by the name used in the configuration.
var Backbones = map[string]Backbone{
	"linear": {
		Build: func(_ *context.Context, images *Node) *Node {
			return Reshape(images, images.Shape().Dimensions[0], -1)
		},
		OutputDim:   func(imageSize int) int { return imageSize * imageSize * 3 },
		Description: "identity: the flattened image pixels",
	},
	"fnn": {
		Build:       fnnBackbone,
		OutputDim:   func(int) int { return FNNDim },
		Description: "flattened image followed by a 2 layers feed-forward network",
	},
	"cnn": {
		Build:       cnnBackbone,
		OutputDim:   func(int) int { return CNNChannels[len(CNNChannels)-1] },
		Description: "3 convolutional blocks with max-pooling, followed by global average pooling",
	},
}

var (
	// FNNDim is the width of the "fnn" backbone layers.
	FNNDim = 256

	// CNNChannels are the number of channels of each block of the "cnn" backbone.
	CNNChannels = []int{32, 64, 128}
)

// BackboneNames returns the sorted names of the registered backbones.
func BackboneNames() []string {
	names := maps.Keys(Backbones)
	slices.Sort(names)
	return names
}

func fnnBackbone(ctx *context.Context, images *Node) *Node {
	x := Reshape(images, images.Shape().Dimensions[0], -1)
	x = fnn.New(ctx.In("fnn"), x, FNNDim).
		NumHiddenLayers(1, FNNDim).
		Activation(activations.TypeRelu).
		Done()
	return activations.Relu(x)
}

func cnnBackbone(ctx *context.Context, images *Node) *Node {
	x := images
	for i, channels := range CNNChannels {
		blockCtx := ctx.Inf("block_%d", i)
		x = layers.Convolution(blockCtx.In("conv_0"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = layers.Convolution(blockCtx.In("conv_1"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		if x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
			x = MaxPool(x).Window(2).Done()
		}
	}
	// Global average pooling over the spatial axes.
	return ReduceMean(x, 1, 2)
}

// Config of the network.
type Config struct {
	// Backbone name, a key of Backbones.
	Backbone string

	NumClasses int

	// UseBottleneck adds a linear layer of BottleneckDim between the backbone and the classifier.
	// The bottleneck output is then used as features.
	UseBottleneck bool
	BottleneckDim int
}

// Validate returns an error if the backbone is unknown or dimensions are invalid.
func (c Config) Validate() error {
	if _, found := Backbones[c.Backbone]; !found {
		return errors.Errorf("unknown network %q, valid values are %q", c.Backbone, BackboneNames())
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("number of classes must be > 0, got %d", c.NumClasses)
	}
	if c.UseBottleneck && c.BottleneckDim <= 0 {
		return errors.Errorf("bottleneck dimension must be > 0, got %d", c.BottleneckDim)
	}
	return nil
}

// FeatureDim returns the dimension of the features returned by BuildGraph, for square images of the given size.
func FeatureDim(c Config, imageSize int) int {
	if c.UseBottleneck {
		return c.BottleneckDim
	}
	backbone, found := Backbones[c.Backbone]
	if !found {
		return 0
	}
	return backbone.OutputDim(imageSize)
}

// BuildGraph builds the network for a batch of images shaped [batchSize, height, width, 3], and returns
// the features shaped [batchSize, FeatureDim] and the classification logits shaped [batchSize, NumClasses].
//
// It panics if the configuration is invalid.
func BuildGraph(ctx *context.Context, c Config, images *Node) (features, logits *Node) {
	if err := c.Validate(); err != nil {
		panic(err)
	}
	if images.Rank() != 4 {
		exceptions.Panicf("network: images must be shaped [batchSize, height, width, channels], got %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	features = Backbones[c.Backbone].Build(ctx.In(BackboneScope), images)
	features.AssertDims(batchSize, -1)
	if c.UseBottleneck {
		features = layers.Dense(ctx.In(BottleneckScope), features, true, c.BottleneckDim)
	}
	logits = layers.Dense(ctx.In(ClassifierScope), features, true, c.NumClasses)
	return
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientImage has a distinct color at every position, so every crop and flip differs.
func gradientImage(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / size), G: uint8(y * 255 / size), B: uint8((x * y) % 256), A: 255})
		}
	}
	return img
}

func TestValidate(t *testing.T) {
	require.NoError(t, Train(256, 224).Validate())
	require.NoError(t, Test(8, 8).Validate())
	require.Error(t, Test(8, 16).Validate())
	require.Error(t, Test(0, 0).Validate())
	p := Test(8, 4)
	p.Std[1] = 0
	require.Error(t, p.Validate())
}

func TestApplyDeterministic(t *testing.T) {
	img := gradientImage(40)
	p := Test(32, 24)
	out := p.Apply(img, nil)
	assert.Equal(t, image.Rect(0, 0, 24, 24), out.Bounds())
	assert.Equal(t, p.Process(img, nil), p.Process(img, nil))
	assert.Len(t, p.Process(img, nil), 24*24*NumChannels)
}

func TestApplyRandom(t *testing.T) {
	img := gradientImage(40)
	p := Train(32, 16)
	a := p.Process(img, rand.New(rand.NewSource(7)))
	b := p.Process(img, rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b, "same seed must give the same crop")

	distinct := 0
	rng := rand.New(rand.NewSource(1))
	first := p.Process(img, rng)
	for range 10 {
		if !assert.ObjectsAreEqual(first, p.Process(img, rng)) {
			distinct++
		}
	}
	assert.Greater(t, distinct, 0, "random crops should vary")
}

func TestTensorNormalization(t *testing.T) {
	img := imaging.New(4, 4, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	p := Test(4, 4)
	flat := p.Tensor(img)
	require.Len(t, flat, 4*4*3)
	assert.InDelta(t, (1-ImageNetMean[0])/ImageNetStd[0], flat[0], 1e-5)
	assert.InDelta(t, (0-ImageNetMean[1])/ImageNetStd[1], flat[1], 1e-5)
	assert.InDelta(t, (128.0/255-ImageNetMean[2])/ImageNetStd[2], flat[2], 1e-5)
	// HWC layout: the next pixel starts at offset 3.
	assert.Equal(t, flat[0], flat[3])
}

func TestTenCrop(t *testing.T) {
	views := TenCrop(32, 24)
	require.Len(t, views, NumTenCropViews)
	for i, v := range views {
		assert.False(t, v.IsRandom())
		if i < 5 {
			assert.Equal(t, FlipAlways, v.Flip, "view %d", i)
		} else {
			assert.Equal(t, FlipNone, v.Flip, "view %d", i)
		}
		assert.Equal(t, tenCropPositions[i%5], v.Crop)
	}
	assert.Equal(t, CropCenter, views[4].Crop)
	assert.Equal(t, CropTopLeft, views[5].Crop)

	img := gradientImage(40)
	outputs := make([][]float32, len(views))
	for i, v := range views {
		outputs[i] = v.Process(img, nil)
	}
	for i := range outputs {
		for j := i + 1; j < len(outputs); j++ {
			assert.Falsef(t, assert.ObjectsAreEqual(outputs[i], outputs[j]), "views %d and %d are equal", i, j)
		}
	}

	// The mirrored top-left view is the horizontal flip of the unmirrored top-left view.
	tl := views[5].Apply(img, nil)
	assert.Equal(t, imaging.FlipH(tl).Pix, views[0].Apply(img, nil).Pix)
}

func TestCropPositionString(t *testing.T) {
	assert.Equal(t, "center", CropCenter.String())
	assert.Equal(t, "random", CropRandom.String())
	assert.Equal(t, "unknown", CropPosition(42).String())
}

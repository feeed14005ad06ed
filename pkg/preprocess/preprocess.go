// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package preprocess implements the image pipelines used for training and evaluation:
// resize to a square, crop, optionally mirror, and normalize per channel.
//
// Pipelines are plain values: the same Pipeline applied to the same image (and, for the random
// variants, with the same random source state) always produces the same output.
package preprocess

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// CropPosition selects where the crop window is placed in the resized image.
type CropPosition int

const (
	CropCenter CropPosition = iota
	CropTopLeft
	CropTopRight
	CropBottomLeft
	CropBottomRight

	// CropRandom places the window uniformly at random.
	CropRandom
)

var cropPositionNames = []string{"center", "top-left", "top-right", "bottom-left", "bottom-right", "random"}

// String implements fmt.Stringer.
func (p CropPosition) String() string {
	if p < 0 || int(p) >= len(cropPositionNames) {
		return "unknown"
	}
	return cropPositionNames[p]
}

// FlipMode selects horizontal mirroring.
type FlipMode int

const (
	FlipNone FlipMode = iota
	FlipAlways
	FlipRandom
)

// NumChannels of the generated tensors: RGB.
const NumChannels = 3

var (
	// ImageNetMean is the per-channel mean used for normalization, for values in [0, 1].
	ImageNetMean = [NumChannels]float32{0.485, 0.456, 0.406}

	// ImageNetStd is the per-channel standard deviation used for normalization.
	ImageNetStd = [NumChannels]float32{0.229, 0.224, 0.225}
)

// Pipeline maps a decoded image to a normalized float32 tensor of shape [CropSize, CropSize, 3] (HWC).
type Pipeline struct {
	// ResizeSize is the side of the square the image is first resized to.
	ResizeSize int

	// CropSize is the side of the square crop taken from the resized image.
	CropSize int

	Crop CropPosition
	Flip FlipMode

	Mean, Std [NumChannels]float32
}

// Train returns the training pipeline: resize, random crop and random horizontal flip.
func Train(resizeSize, cropSize int) Pipeline {
	return Pipeline{
		ResizeSize: resizeSize,
		CropSize:   cropSize,
		Crop:       CropRandom,
		Flip:       FlipRandom,
		Mean:       ImageNetMean,
		Std:        ImageNetStd,
	}
}

// Test returns the evaluation pipeline: resize and center crop.
func Test(resizeSize, cropSize int) Pipeline {
	return Pipeline{
		ResizeSize: resizeSize,
		CropSize:   cropSize,
		Crop:       CropCenter,
		Flip:       FlipNone,
		Mean:       ImageNetMean,
		Std:        ImageNetStd,
	}
}

// NumTenCropViews is the number of views returned by TenCrop.
const NumTenCropViews = 10

// tenCropPositions is the order of the crops within each half of TenCrop.
var tenCropPositions = [5]CropPosition{CropTopLeft, CropTopRight, CropBottomLeft, CropBottomRight, CropCenter}

// TenCrop returns the 10 deterministic test-time views: views 0 to 4 are mirrored, views 5 to 9 are not,
// and each half is ordered top-left, top-right, bottom-left, bottom-right, center.
func TenCrop(resizeSize, cropSize int) []Pipeline {
	views := make([]Pipeline, 0, NumTenCropViews)
	for _, flip := range []FlipMode{FlipAlways, FlipNone} {
		for _, pos := range tenCropPositions {
			p := Test(resizeSize, cropSize)
			p.Crop = pos
			p.Flip = flip
			views = append(views, p)
		}
	}
	return views
}

// Validate the pipeline sizes and normalization.
func (p Pipeline) Validate() error {
	if p.ResizeSize <= 0 || p.CropSize <= 0 {
		return errors.Errorf("preprocess: sizes must be positive, got resize=%d crop=%d", p.ResizeSize, p.CropSize)
	}
	if p.CropSize > p.ResizeSize {
		return errors.Errorf("preprocess: crop size %d larger than resize size %d", p.CropSize, p.ResizeSize)
	}
	for c, s := range p.Std {
		if s <= 0 {
			return errors.Errorf("preprocess: std[%d]=%g must be positive", c, s)
		}
	}
	return nil
}

// IsRandom returns whether the pipeline needs a random source.
func (p Pipeline) IsRandom() bool {
	return p.Crop == CropRandom || p.Flip == FlipRandom
}

// cropOrigin returns the top-left corner of the crop window.
func (p Pipeline) cropOrigin(rng *rand.Rand) image.Point {
	span := p.ResizeSize - p.CropSize
	switch p.Crop {
	case CropTopLeft:
		return image.Pt(0, 0)
	case CropTopRight:
		return image.Pt(span, 0)
	case CropBottomLeft:
		return image.Pt(0, span)
	case CropBottomRight:
		return image.Pt(span, span)
	case CropRandom:
		return image.Pt(rng.Intn(span+1), rng.Intn(span+1))
	default:
		return image.Pt(span/2, span/2)
	}
}

// Apply the geometric part of the pipeline: resize, crop and flip.
// rng is only used by random pipelines, and may be nil otherwise.
func (p Pipeline) Apply(img image.Image, rng *rand.Rand) *image.NRGBA {
	if p.IsRandom() && rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	resized := imaging.Resize(img, p.ResizeSize, p.ResizeSize, imaging.Linear)
	origin := p.cropOrigin(rng)
	cropped := imaging.Crop(resized, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(p.CropSize, p.CropSize))})
	flip := p.Flip == FlipAlways || (p.Flip == FlipRandom && rng.Intn(2) == 1)
	if flip {
		cropped = imaging.FlipH(cropped)
	}
	return cropped
}

// Tensor converts img to a flat HWC float32 slice with values (x/255 - mean) / std.
// The alpha channel is dropped.
func (p Pipeline) Tensor(img *image.NRGBA) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	flat := make([]float32, 0, width*height*NumChannels)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			for c := range NumChannels {
				v := float32(row[x*4+c]) / 255
				flat = append(flat, (v-p.Mean[c])/p.Std[c])
			}
		}
	}
	return flat
}

// Process applies the full pipeline: Apply followed by Tensor.
func (p Pipeline) Process(img image.Image, rng *rand.Rand) []float32 {
	return p.Tensor(p.Apply(img, rng))
}

// Dimensions of the tensor generated for one image: [CropSize, CropSize, 3].
func (p Pipeline) Dimensions() []int {
	return []int{p.CropSize, p.CropSize, NumChannels}
}

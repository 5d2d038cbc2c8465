// Package augment implements the seeded stochastic transform chain applied to
// (image, mask) samples at load time. Geometry-altering transforms are applied
// identically to the image and its mask; intensity transforms touch the image
// only. Pixel values are kept in the 0-255 range until Normalize, which must
// therefore be the last value-altering step of a pipeline.
package augment

import (
	"fmt"
	"math/rand"
)

// Image is a dense H×W×C float32 image in row-major HWC order.
type Image struct {
	H, W, C int
	Pix     []float32
}

// NewImage allocates a zero image.
func NewImage(h, w, c int) Image {
	return Image{H: h, W: w, C: c, Pix: make([]float32, h*w*c)}
}

// At returns the pixel value at (y, x, c).
func (im Image) At(y, x, c int) float32 {
	return im.Pix[(y*im.W+x)*im.C+c]
}

// Set writes the pixel value at (y, x, c).
func (im Image) Set(y, x, c int, v float32) {
	im.Pix[(y*im.W+x)*im.C+c] = v
}

// Clone returns a deep copy.
func (im Image) Clone() Image {
	out := Image{H: im.H, W: im.W, C: im.C, Pix: make([]float32, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Mask is a dense H×W integer label map.
type Mask struct {
	H, W int
	Pix  []int64
}

// NewMask allocates a zero mask.
func NewMask(h, w int) Mask {
	return Mask{H: h, W: w, Pix: make([]int64, h*w)}
}

// At returns the label at (y, x).
func (m Mask) At(y, x int) int64 {
	return m.Pix[y*m.W+x]
}

// Set writes the label at (y, x).
func (m Mask) Set(y, x int, v int64) {
	m.Pix[y*m.W+x] = v
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	out := Mask{H: m.H, W: m.W, Pix: make([]int64, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// Transform mutates a sample. The random source is threaded explicitly so a
// pipeline replays identically for the same seed.
type Transform interface {
	Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error)
	Name() string
}

// Pipeline applies an ordered list of transforms.
type Pipeline struct {
	transforms []Transform
}

// Apply runs every transform in order.
func (p *Pipeline) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	var err error
	for _, t := range p.transforms {
		img, mask, err = t.Apply(img, mask, rng)
		if err != nil {
			return img, mask, fmt.Errorf("transform %s failed: %v", t.Name(), err)
		}
	}
	return img, mask, nil
}

func (p *Pipeline) Name() string { return "Pipeline" }

// Len returns the number of transforms in the pipeline.
func (p *Pipeline) Len() int { return len(p.transforms) }

// Builder assembles a pipeline from an ordered list of transforms.
type Builder struct {
	transforms []Transform
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends transforms in application order.
func (b *Builder) Add(ts ...Transform) *Builder {
	b.transforms = append(b.transforms, ts...)
	return b
}

// Build produces the pipeline.
func (b *Builder) Build() *Pipeline {
	return &Pipeline{transforms: b.transforms}
}

// Choice pairs a transform with its selection weight inside a OneOf.
type Choice struct {
	Transform Transform
	Weight    float64
}

// OneOf applies exactly one of its choices, picked with probability
// proportional to the choice weights, gated by P.
type OneOf struct {
	P       float64
	Choices []Choice
}

func (o OneOf) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if len(o.Choices) == 0 {
		return img, mask, nil
	}
	if rng.Float64() >= o.P {
		return img, mask, nil
	}
	total := 0.0
	for _, c := range o.Choices {
		total += c.Weight
	}
	r := rng.Float64() * total
	for _, c := range o.Choices {
		r -= c.Weight
		if r < 0 {
			return c.Transform.Apply(img, mask, rng)
		}
	}
	last := o.Choices[len(o.Choices)-1]
	return last.Transform.Apply(img, mask, rng)
}

func (o OneOf) Name() string { return "OneOf" }

// Normalize scales pixels to 0-1 and standardizes them per channel:
// (v/255 - mean) / std. A single mean/std entry broadcasts to all channels.
type Normalize struct {
	Mean []float32
	Std  []float32
}

func (n Normalize) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if len(n.Mean) != len(n.Std) {
		return img, mask, fmt.Errorf("mean has %d entries, std has %d", len(n.Mean), len(n.Std))
	}
	if len(n.Mean) != 1 && len(n.Mean) != img.C {
		return img, mask, fmt.Errorf("normalization has %d channels, image has %d", len(n.Mean), img.C)
	}
	out := img.Clone()
	for i := range out.Pix {
		c := i % img.C
		if len(n.Mean) == 1 {
			c = 0
		}
		out.Pix[i] = (out.Pix[i]/255 - n.Mean[c]) / n.Std[c]
	}
	return out, mask, nil
}

func (n Normalize) Name() string { return "Normalize" }

// Simple builds the light pipeline: optional random crop followed by
// normalization. A non-positive crop size skips cropping.
func Simple(cropHeight, cropWidth int, mean, std []float32) *Pipeline {
	b := NewBuilder()
	if cropHeight > 0 && cropWidth > 0 {
		b.Add(RandomCrop{Height: cropHeight, Width: cropWidth})
	}
	b.Add(Normalize{Mean: mean, Std: std})
	return b.Build()
}

// Full builds the heavy training pipeline: crop, a blur-family operation, an
// intensity-family operation (including the custom multiplicative scaling),
// additive Gaussian noise, geometric flips/rotations/transpose, affine jitter,
// contrast-limited equalization, then normalization.
func Full(cropHeight, cropWidth int, mean, std []float32) *Pipeline {
	b := NewBuilder()
	if cropHeight > 0 && cropWidth > 0 {
		b.Add(RandomCrop{Height: cropHeight, Width: cropWidth})
	}
	b.Add(
		OneOf{P: 1, Choices: []Choice{
			{GaussianBlur{KernelMin: 3, KernelMax: 7}, 0.5},
			{Sharpen{AlphaMin: 0.2, AlphaMax: 0.5, LightnessMin: 0, LightnessMax: 1}, 0.5},
			{UnsharpMask{KernelMin: 3, KernelMax: 15, AlphaMin: 0.4, AlphaMax: 1}, 0.1},
		}},
		OneOf{P: 1, Choices: []Choice{
			{RandomGamma{GammaMin: 90, GammaMax: 150}, 0.5},
			{RandomBrightnessContrast{BrightnessMin: -0.1, BrightnessMax: 0.3, ContrastMin: -0.2, ContrastMax: 0.5}, 0.5},
			{MultiplicativeIntensity{FactorMin: 0.7, FactorMax: 1.0}, 0.1},
		}},
		GaussNoise{VarMin: 50, VarMax: 250, P: 1},
		Flip{P: 0.5},
		RandomRotate90{P: 0.5},
		Transpose{P: 0.5},
		ShiftScaleRotate{ShiftLimit: 0.1, ScaleLimit: 0.25, RotateLimit: 45, P: 0.5},
		CLAHE{ClipMin: 1, ClipMax: 2, TileGrid: 16, P: 0.1},
		Normalize{Mean: mean, Std: std},
	)
	return b.Build()
}

func clip255(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

package augment

import (
	"math"
	"math/rand"
)

// GaussianBlur convolves the image with a Gaussian kernel whose size is drawn
// as a random odd value in [KernelMin, KernelMax].
type GaussianBlur struct {
	KernelMin, KernelMax int
}

func (t GaussianBlur) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	ksize := randomOdd(rng, t.KernelMin, t.KernelMax)
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	return gaussianBlur(img, ksize, sigma), mask, nil
}

func (t GaussianBlur) Name() string { return "GaussianBlur" }

func randomOdd(rng *rand.Rand, lo, hi int) int {
	v := lo + rng.Intn(hi-lo+1)
	if v%2 == 0 {
		v++
	}
	if v > hi {
		v = hi
	}
	return v
}

func gaussianKernel(ksize int, sigma float64) []float32 {
	k := make([]float32, ksize)
	half := ksize / 2
	sum := 0.0
	for i := 0; i < ksize; i++ {
		d := float64(i - half)
		v := math.Exp(-d * d / (2 * sigma * sigma))
		k[i] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// gaussianBlur runs a separable convolution with reflect-101 borders.
func gaussianBlur(img Image, ksize int, sigma float64) Image {
	kernel := gaussianKernel(ksize, sigma)
	half := ksize / 2

	tmp := NewImage(img.H, img.W, img.C)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			for c := 0; c < img.C; c++ {
				var acc float32
				for i := -half; i <= half; i++ {
					acc += kernel[i+half] * img.At(y, reflect101(x+i, img.W), c)
				}
				tmp.Set(y, x, c, acc)
			}
		}
	}
	out := NewImage(img.H, img.W, img.C)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			for c := 0; c < img.C; c++ {
				var acc float32
				for i := -half; i <= half; i++ {
					acc += kernel[i+half] * tmp.At(reflect101(y+i, img.H), x, c)
				}
				out.Set(y, x, c, acc)
			}
		}
	}
	return out
}

// Sharpen blends the image with an edge-enhancing 3x3 kernel. Alpha controls
// the blend and lightness the center weight of the kernel.
type Sharpen struct {
	AlphaMin, AlphaMax         float64
	LightnessMin, LightnessMax float64
}

func (t Sharpen) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	alpha := uniform(rng, t.AlphaMin, t.AlphaMax)
	lightness := uniform(rng, t.LightnessMin, t.LightnessMax)

	// (1-alpha) * identity + alpha * edge kernel
	kernel := [9]float32{}
	for i := range kernel {
		kernel[i] = float32(alpha) * -1
	}
	kernel[4] = float32((1-alpha)*1 + alpha*(8+lightness))

	out := NewImage(img.H, img.W, img.C)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			for c := 0; c < img.C; c++ {
				var acc float32
				idx := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						acc += kernel[idx] * img.At(reflect101(y+dy, img.H), reflect101(x+dx, img.W), c)
						idx++
					}
				}
				out.Set(y, x, c, clip255(acc))
			}
		}
	}
	return out, mask, nil
}

func (t Sharpen) Name() string { return "Sharpen" }

// UnsharpMask sharpens by adding back a weighted difference between the image
// and its Gaussian blur.
type UnsharpMask struct {
	KernelMin, KernelMax int
	AlphaMin, AlphaMax   float64
}

func (t UnsharpMask) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	ksize := randomOdd(rng, t.KernelMin, t.KernelMax)
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	alpha := float32(uniform(rng, t.AlphaMin, t.AlphaMax))

	blurred := gaussianBlur(img, ksize, sigma)
	out := NewImage(img.H, img.W, img.C)
	for i := range img.Pix {
		out.Pix[i] = clip255(img.Pix[i] + alpha*(img.Pix[i]-blurred.Pix[i]))
	}
	return out, mask, nil
}

func (t UnsharpMask) Name() string { return "UnsharpMask" }

// RandomGamma raises normalized pixel values to a random power. Limits are
// expressed in percent, so GammaMin=90, GammaMax=150 spans gamma 0.9-1.5.
type RandomGamma struct {
	GammaMin, GammaMax float64
}

func (t RandomGamma) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	gamma := uniform(rng, t.GammaMin, t.GammaMax) / 100
	out := NewImage(img.H, img.W, img.C)
	for i, v := range img.Pix {
		out.Pix[i] = clip255(float32(math.Pow(float64(v)/255, gamma)) * 255)
	}
	return out, mask, nil
}

func (t RandomGamma) Name() string { return "RandomGamma" }

// RandomBrightnessContrast applies v*alpha + beta*255 with alpha drawn from
// the contrast limits and beta from the brightness limits.
type RandomBrightnessContrast struct {
	BrightnessMin, BrightnessMax float64
	ContrastMin, ContrastMax     float64
}

func (t RandomBrightnessContrast) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	alpha := float32(1 + uniform(rng, t.ContrastMin, t.ContrastMax))
	beta := float32(uniform(rng, t.BrightnessMin, t.BrightnessMax))
	out := NewImage(img.H, img.W, img.C)
	for i, v := range img.Pix {
		out.Pix[i] = clip255(v*alpha + beta*255)
	}
	return out, mask, nil
}

func (t RandomBrightnessContrast) Name() string { return "RandomBrightnessContrast" }

// MultiplicativeIntensity multiplies every pixel by a single factor drawn
// uniformly from [FactorMin, FactorMax], clipping back to the pixel range.
type MultiplicativeIntensity struct {
	FactorMin, FactorMax float64
}

func (t MultiplicativeIntensity) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	factor := float32(uniform(rng, t.FactorMin, t.FactorMax))
	out := NewImage(img.H, img.W, img.C)
	for i, v := range img.Pix {
		out.Pix[i] = clip255(v * factor)
	}
	return out, mask, nil
}

func (t MultiplicativeIntensity) Name() string { return "MultiplicativeIntensity" }

// GaussNoise adds zero-mean Gaussian noise with a variance drawn uniformly
// from [VarMin, VarMax], independently per pixel and channel.
type GaussNoise struct {
	VarMin, VarMax float64
	P              float64
}

func (t GaussNoise) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	sigma := math.Sqrt(uniform(rng, t.VarMin, t.VarMax))
	out := NewImage(img.H, img.W, img.C)
	for i, v := range img.Pix {
		out.Pix[i] = clip255(v + float32(rng.NormFloat64()*sigma))
	}
	return out, mask, nil
}

func (t GaussNoise) Name() string { return "GaussNoise" }

// CLAHE performs contrast-limited adaptive histogram equalization on a
// TileGrid×TileGrid layout, interpolating bilinearly between tile mappings.
// The clip limit is drawn uniformly from [ClipMin, ClipMax].
type CLAHE struct {
	ClipMin, ClipMax float64
	TileGrid         int
	P                float64
}

func (t CLAHE) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	clip := uniform(rng, t.ClipMin, t.ClipMax)
	grid := t.TileGrid
	if grid < 1 {
		grid = 8
	}
	out := img.Clone()
	for c := 0; c < img.C; c++ {
		claheChannel(out, c, grid, clip)
	}
	return out, mask, nil
}

func (t CLAHE) Name() string { return "CLAHE" }

func claheChannel(img Image, c, grid int, clipLimit float64) {
	tileH := (img.H + grid - 1) / grid
	tileW := (img.W + grid - 1) / grid

	// Per-tile clipped-histogram lookup tables.
	luts := make([][256]float32, grid*grid)
	for ty := 0; ty < grid; ty++ {
		for tx := 0; tx < grid; tx++ {
			y0, y1 := ty*tileH, minInt((ty+1)*tileH, img.H)
			x0, x1 := tx*tileW, minInt((tx+1)*tileW, img.W)
			if y0 >= img.H || x0 >= img.W {
				continue
			}
			var hist [256]float64
			count := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					bin := int(clip255(img.At(y, x, c)))
					hist[bin]++
					count++
				}
			}
			if count == 0 {
				continue
			}
			limit := clipLimit * float64(count) / 256
			if limit < 1 {
				limit = 1
			}
			excess := 0.0
			for b := 0; b < 256; b++ {
				if hist[b] > limit {
					excess += hist[b] - limit
					hist[b] = limit
				}
			}
			// Redistribute clipped mass uniformly.
			add := excess / 256
			cdf := 0.0
			lut := &luts[ty*grid+tx]
			for b := 0; b < 256; b++ {
				cdf += hist[b] + add
				lut[b] = float32(255 * cdf / float64(count))
			}
		}
	}

	// Bilinear interpolation between the four surrounding tile mappings.
	orig := make([]float32, len(img.Pix))
	copy(orig, img.Pix)
	at := func(y, x int) float32 { return orig[(y*img.W+x)*img.C+c] }
	for y := 0; y < img.H; y++ {
		gy := (float64(y)-float64(tileH)/2 + 0.5) / float64(tileH)
		ty0 := int(math.Floor(gy))
		fy := float32(gy - float64(ty0))
		ty1 := clampInt(ty0+1, 0, grid-1)
		ty0 = clampInt(ty0, 0, grid-1)
		for x := 0; x < img.W; x++ {
			gx := (float64(x)-float64(tileW)/2 + 0.5) / float64(tileW)
			tx0 := int(math.Floor(gx))
			fx := float32(gx - float64(tx0))
			tx1 := clampInt(tx0+1, 0, grid-1)
			tx0c := clampInt(tx0, 0, grid-1)

			bin := int(clip255(at(y, x)))
			v00 := luts[ty0*grid+tx0c][bin]
			v01 := luts[ty0*grid+tx1][bin]
			v10 := luts[ty1*grid+tx0c][bin]
			v11 := luts[ty1*grid+tx1][bin]
			top := v00 + (v01-v00)*fx
			bot := v10 + (v11-v10)*fx
			img.Set(y, x, c, clip255(top+(bot-top)*fy))
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

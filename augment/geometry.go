package augment

import (
	"fmt"
	"math"
	"math/rand"
)

// RandomCrop cuts a fixed-size window at a uniformly random position. The
// same window is cut from the image and the mask.
type RandomCrop struct {
	Height, Width int
}

func (t RandomCrop) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if t.Height > img.H || t.Width > img.W {
		return img, mask, fmt.Errorf("crop %dx%d exceeds image %dx%d", t.Height, t.Width, img.H, img.W)
	}
	top := rng.Intn(img.H - t.Height + 1)
	left := rng.Intn(img.W - t.Width + 1)

	outImg := NewImage(t.Height, t.Width, img.C)
	for y := 0; y < t.Height; y++ {
		srcOff := ((top+y)*img.W + left) * img.C
		dstOff := y * t.Width * img.C
		copy(outImg.Pix[dstOff:dstOff+t.Width*img.C], img.Pix[srcOff:srcOff+t.Width*img.C])
	}
	outMask := NewMask(t.Height, t.Width)
	for y := 0; y < t.Height; y++ {
		srcOff := (top+y)*mask.W + left
		dstOff := y * t.Width
		copy(outMask.Pix[dstOff:dstOff+t.Width], mask.Pix[srcOff:srcOff+t.Width])
	}
	return outImg, outMask, nil
}

func (t RandomCrop) Name() string { return "RandomCrop" }

// Flip mirrors the sample vertically, horizontally, or both, with the axis
// chosen uniformly on each application.
type Flip struct {
	P float64
}

func (t Flip) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	axis := rng.Intn(3) - 1 // -1 both, 0 vertical, 1 horizontal
	flipY := axis == 0 || axis == -1
	flipX := axis == 1 || axis == -1

	outImg := NewImage(img.H, img.W, img.C)
	outMask := NewMask(mask.H, mask.W)
	for y := 0; y < img.H; y++ {
		sy := y
		if flipY {
			sy = img.H - 1 - y
		}
		for x := 0; x < img.W; x++ {
			sx := x
			if flipX {
				sx = img.W - 1 - x
			}
			for c := 0; c < img.C; c++ {
				outImg.Set(y, x, c, img.At(sy, sx, c))
			}
			outMask.Set(y, x, mask.At(sy, sx))
		}
	}
	return outImg, outMask, nil
}

func (t Flip) Name() string { return "Flip" }

// RandomRotate90 rotates the sample counterclockwise by a random multiple of
// 90 degrees (including zero).
type RandomRotate90 struct {
	P float64
}

func (t RandomRotate90) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	k := rng.Intn(4)
	for i := 0; i < k; i++ {
		img, mask = rotate90(img, mask)
	}
	return img, mask, nil
}

func (t RandomRotate90) Name() string { return "RandomRotate90" }

// rotate90 rotates one quarter turn counterclockwise: (y, x) <- (x, W-1-y).
func rotate90(img Image, mask Mask) (Image, Mask) {
	outImg := NewImage(img.W, img.H, img.C)
	outMask := NewMask(mask.W, mask.H)
	for y := 0; y < outImg.H; y++ {
		for x := 0; x < outImg.W; x++ {
			sy := x
			sx := img.W - 1 - y
			for c := 0; c < img.C; c++ {
				outImg.Set(y, x, c, img.At(sy, sx, c))
			}
			outMask.Set(y, x, mask.At(sy, sx))
		}
	}
	return outImg, outMask
}

// Transpose swaps the spatial axes.
type Transpose struct {
	P float64
}

func (t Transpose) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	outImg := NewImage(img.W, img.H, img.C)
	outMask := NewMask(mask.W, mask.H)
	for y := 0; y < outImg.H; y++ {
		for x := 0; x < outImg.W; x++ {
			for c := 0; c < img.C; c++ {
				outImg.Set(y, x, c, img.At(x, y, c))
			}
			outMask.Set(y, x, mask.At(x, y))
		}
	}
	return outImg, outMask, nil
}

func (t Transpose) Name() string { return "Transpose" }

// ShiftScaleRotate applies a random affine jitter around the image center:
// translation within ±ShiftLimit (fraction of the image size), scaling within
// ±ScaleLimit, rotation within ±RotateLimit degrees. The image is sampled
// bilinearly and the mask by nearest neighbor, both with reflect-101 borders.
type ShiftScaleRotate struct {
	ShiftLimit  float64
	ScaleLimit  float64
	RotateLimit float64
	P           float64
}

func (t ShiftScaleRotate) Apply(img Image, mask Mask, rng *rand.Rand) (Image, Mask, error) {
	if rng.Float64() >= t.P {
		return img, mask, nil
	}
	angle := uniform(rng, -t.RotateLimit, t.RotateLimit) * math.Pi / 180
	scale := 1 + uniform(rng, -t.ScaleLimit, t.ScaleLimit)
	dx := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(img.W)
	dy := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(img.H)

	cx := float64(img.W-1) / 2
	cy := float64(img.H-1) / 2
	cosA := math.Cos(angle)
	sinA := math.Sin(angle)

	outImg := NewImage(img.H, img.W, img.C)
	outMask := NewMask(mask.H, mask.W)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			// Invert shift, then rotation and scale, around the center.
			rx := float64(x) - dx - cx
			ry := float64(y) - dy - cy
			sx := (rx*cosA+ry*sinA)/scale + cx
			sy := (-rx*sinA+ry*cosA)/scale + cy
			for c := 0; c < img.C; c++ {
				outImg.Set(y, x, c, sampleBilinear(img, sy, sx, c))
			}
			outMask.Set(y, x, sampleNearest(mask, sy, sx))
		}
	}
	return outImg, outMask, nil
}

func (t ShiftScaleRotate) Name() string { return "ShiftScaleRotate" }

// reflect101 mirrors an out-of-range coordinate back into [0, size) without
// repeating the border sample.
func reflect101(v, size int) int {
	if size == 1 {
		return 0
	}
	period := 2 * (size - 1)
	if v < 0 {
		v = -v
	}
	v %= period
	if v >= size {
		v = period - v
	}
	return v
}

func sampleBilinear(img Image, y, x float64, c int) float32 {
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	fy := float32(y - float64(y0))
	fx := float32(x - float64(x0))

	y0r := reflect101(y0, img.H)
	y1r := reflect101(y0+1, img.H)
	x0r := reflect101(x0, img.W)
	x1r := reflect101(x0+1, img.W)

	v00 := img.At(y0r, x0r, c)
	v01 := img.At(y0r, x1r, c)
	v10 := img.At(y1r, x0r, c)
	v11 := img.At(y1r, x1r, c)
	top := v00 + (v01-v00)*fx
	bot := v10 + (v11-v10)*fx
	return top + (bot-top)*fy
}

func sampleNearest(mask Mask, y, x float64) int64 {
	yi := reflect101(int(math.Round(y)), mask.H)
	xi := reflect101(int(math.Round(x)), mask.W)
	return mask.At(yi, xi)
}

// ResizeImage rescales an image to target dimensions with bilinear sampling.
func ResizeImage(img Image, h, w int) Image {
	if img.H == h && img.W == w {
		return img
	}
	out := NewImage(h, w, img.C)
	scaleY := float64(img.H) / float64(h)
	scaleX := float64(img.W) / float64(w)
	for y := 0; y < h; y++ {
		sy := (float64(y)+0.5)*scaleY - 0.5
		for x := 0; x < w; x++ {
			sx := (float64(x)+0.5)*scaleX - 0.5
			for c := 0; c < img.C; c++ {
				out.Set(y, x, c, sampleBilinearClamped(img, sy, sx, c))
			}
		}
	}
	return out
}

// ResizeMask rescales a label map with nearest-neighbor sampling so class
// values stay discrete.
func ResizeMask(mask Mask, h, w int) Mask {
	if mask.H == h && mask.W == w {
		return mask
	}
	out := NewMask(h, w)
	scaleY := float64(mask.H) / float64(h)
	scaleX := float64(mask.W) / float64(w)
	for y := 0; y < h; y++ {
		sy := int((float64(y) + 0.5) * scaleY)
		if sy >= mask.H {
			sy = mask.H - 1
		}
		for x := 0; x < w; x++ {
			sx := int((float64(x) + 0.5) * scaleX)
			if sx >= mask.W {
				sx = mask.W - 1
			}
			out.Set(y, x, mask.At(sy, sx))
		}
	}
	return out
}

func sampleBilinearClamped(img Image, y, x float64, c int) float32 {
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	fy := float32(y - float64(y0))
	fx := float32(x - float64(x0))

	y0c := clampInt(y0, 0, img.H-1)
	y1c := clampInt(y0+1, 0, img.H-1)
	x0c := clampInt(x0, 0, img.W-1)
	x1c := clampInt(x0+1, 0, img.W-1)

	v00 := img.At(y0c, x0c, c)
	v01 := img.At(y0c, x1c, c)
	v10 := img.At(y1c, x0c, c)
	v11 := img.At(y1c, x1c, c)
	top := v00 + (v01-v00)*fx
	bot := v10 + (v11-v10)*fx
	return top + (bot-top)*fy
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

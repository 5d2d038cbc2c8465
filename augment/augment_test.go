package augment

import (
	"math"
	"math/rand"
	"testing"
)

// coordinateSample builds an image and mask where every pixel encodes its own
// source position, so spatial transforms can be checked for image/mask
// agreement.
func coordinateSample(h, w int) (Image, Mask) {
	img := NewImage(h, w, 1)
	mask := NewMask(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(y, x, 0, float32(y*w+x))
			mask.Set(y, x, int64(y*w+x))
		}
	}
	return img, mask
}

// sampleConsistent reports whether image pixels still equal their mask labels.
func sampleConsistent(img Image, mask Mask) bool {
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			if int64(img.At(y, x, 0)) != mask.At(y, x) {
				return false
			}
		}
	}
	return true
}

// TestImageAccessors tests Image Set/At and clone independence
func TestImageAccessors(t *testing.T) {
	img := NewImage(2, 3, 2)
	img.Set(1, 2, 1, 42)
	if img.At(1, 2, 1) != 42 {
		t.Errorf("Expected 42, got %f", img.At(1, 2, 1))
	}

	clone := img.Clone()
	clone.Set(0, 0, 0, 7)
	if img.At(0, 0, 0) != 0 {
		t.Errorf("Clone mutation leaked into original: got %f", img.At(0, 0, 0))
	}

	mask := NewMask(2, 2)
	mask.Set(1, 1, 3)
	mc := mask.Clone()
	mc.Set(1, 1, 9)
	if mask.At(1, 1) != 3 {
		t.Errorf("Mask clone mutation leaked into original: got %d", mask.At(1, 1))
	}
}

// TestRandomCrop tests crop dimensions and image/mask window agreement
func TestRandomCrop(t *testing.T) {
	img, mask := coordinateSample(10, 8)
	rng := rand.New(rand.NewSource(3))

	crop := RandomCrop{Height: 4, Width: 5}
	outImg, outMask, err := crop.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if outImg.H != 4 || outImg.W != 5 {
		t.Errorf("Expected 4x5 image, got %dx%d", outImg.H, outImg.W)
	}
	if outMask.H != 4 || outMask.W != 5 {
		t.Errorf("Expected 4x5 mask, got %dx%d", outMask.H, outMask.W)
	}
	if !sampleConsistent(outImg, outMask) {
		t.Error("Crop cut different windows from image and mask")
	}

	// Rows in the crop must stay contiguous in the source.
	for y := 0; y < outImg.H; y++ {
		for x := 1; x < outImg.W; x++ {
			if outImg.At(y, x, 0)-outImg.At(y, x-1, 0) != 1 {
				t.Fatalf("Row %d is not a contiguous source window", y)
			}
		}
	}

	// Oversized crops must fail.
	over := RandomCrop{Height: 11, Width: 5}
	if _, _, err := over.Apply(img, mask, rng); err == nil {
		t.Error("Expected error for crop larger than image")
	}
}

// TestFlip tests that flips move image and mask pixels together
func TestFlip(t *testing.T) {
	img, mask := coordinateSample(5, 7)
	rng := rand.New(rand.NewSource(1))
	flip := Flip{P: 1}

	for i := 0; i < 10; i++ {
		outImg, outMask, err := flip.Apply(img, mask, rng)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !sampleConsistent(outImg, outMask) {
			t.Fatalf("Iteration %d: flip moved image and mask differently", i)
		}
		if outImg.H != img.H || outImg.W != img.W {
			t.Fatalf("Iteration %d: flip changed dimensions", i)
		}
	}

	// P = 0 must be the identity.
	outImg, outMask, _ := Flip{P: 0}.Apply(img, mask, rng)
	if !sampleConsistent(outImg, outMask) || outImg.At(0, 0, 0) != 0 {
		t.Error("Expected identity for P=0")
	}
	if outMask.At(4, 6) != int64(4*7+6) {
		t.Error("Expected mask unchanged for P=0")
	}
}

// TestRotate90AndTranspose tests quarter turns and axis swaps
func TestRotate90AndTranspose(t *testing.T) {
	img, mask := coordinateSample(3, 5)

	rotated, rotatedMask := rotate90(img, mask)
	if rotated.H != 5 || rotated.W != 3 {
		t.Errorf("Expected 5x3 after rotation, got %dx%d", rotated.H, rotated.W)
	}
	// Counterclockwise: output (y, x) reads source (x, W-1-y).
	if rotated.At(0, 0, 0) != img.At(0, 4, 0) {
		t.Errorf("Expected corner %f, got %f", img.At(0, 4, 0), rotated.At(0, 0, 0))
	}
	if !sampleConsistent(rotated, rotatedMask) {
		t.Error("Rotation moved image and mask differently")
	}

	// Four quarter turns restore the original.
	r, m := rotated, rotatedMask
	for i := 0; i < 3; i++ {
		r, m = rotate90(r, m)
	}
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			if r.At(y, x, 0) != img.At(y, x, 0) || m.At(y, x) != mask.At(y, x) {
				t.Fatalf("Four rotations did not restore pixel (%d,%d)", y, x)
			}
		}
	}

	rng := rand.New(rand.NewSource(9))
	tImg, tMask, err := Transpose{P: 1}.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tImg.H != 5 || tImg.W != 3 {
		t.Errorf("Expected 5x3 after transpose, got %dx%d", tImg.H, tImg.W)
	}
	if tImg.At(2, 1, 0) != img.At(1, 2, 0) {
		t.Error("Transpose did not swap axes")
	}
	if !sampleConsistent(tImg, tMask) {
		t.Error("Transpose moved image and mask differently")
	}
}

// TestShiftScaleRotate tests that affine jitter keeps labels discrete
func TestShiftScaleRotate(t *testing.T) {
	img := NewImage(16, 16, 1)
	mask := NewMask(16, 16)
	for y := 5; y < 11; y++ {
		for x := 5; x < 11; x++ {
			img.Set(y, x, 0, 200)
			mask.Set(y, x, 1)
		}
	}

	rng := rand.New(rand.NewSource(4))
	ssr := ShiftScaleRotate{ShiftLimit: 0.1, ScaleLimit: 0.25, RotateLimit: 45, P: 1}
	outImg, outMask, err := ssr.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if outImg.H != 16 || outImg.W != 16 {
		t.Errorf("Expected dimensions preserved, got %dx%d", outImg.H, outImg.W)
	}
	ones := 0
	for _, v := range outMask.Pix {
		if v != 0 && v != 1 {
			t.Fatalf("Nearest-neighbor mask sampling produced label %d", v)
		}
		if v == 1 {
			ones++
		}
	}
	if ones == 0 {
		t.Error("Expected the foreground blob to survive a bounded affine jitter")
	}
}

// TestReflect101 tests border reflection without edge repetition
func TestReflect101(t *testing.T) {
	tests := []struct {
		v, size  int
		expected int
	}{
		{0, 5, 0},
		{4, 5, 4},
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{8, 5, 0},
		{3, 1, 0},
	}
	for _, tt := range tests {
		got := reflect101(tt.v, tt.size)
		if got != tt.expected {
			t.Errorf("reflect101(%d, %d): expected %d, got %d", tt.v, tt.size, tt.expected, got)
		}
	}
}

// TestNormalize tests per-channel standardization
func TestNormalize(t *testing.T) {
	img := NewImage(1, 2, 2)
	img.Set(0, 0, 0, 255)
	img.Set(0, 0, 1, 0)
	img.Set(0, 1, 0, 127.5)
	img.Set(0, 1, 1, 255)
	mask := NewMask(1, 2)
	rng := rand.New(rand.NewSource(1))

	n := Normalize{Mean: []float32{0.5, 0.25}, Std: []float32{0.5, 0.25}}
	out, _, err := n.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		y, x, c  int
		expected float32
	}{
		{0, 0, 0, (1.0 - 0.5) / 0.5},
		{0, 0, 1, (0.0 - 0.25) / 0.25},
		{0, 1, 0, (0.5 - 0.5) / 0.5},
		{0, 1, 1, (1.0 - 0.25) / 0.25},
	}
	for _, tt := range tests {
		got := out.At(tt.y, tt.x, tt.c)
		if math.Abs(float64(got-tt.expected)) > 1e-6 {
			t.Errorf("Pixel (%d,%d,%d): expected %f, got %f", tt.y, tt.x, tt.c, tt.expected, got)
		}
	}

	// A single mean/std entry broadcasts to every channel.
	b := Normalize{Mean: []float32{0}, Std: []float32{1}}
	out, _, err = b.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(float64(out.At(0, 0, 0)-1)) > 1e-6 {
		t.Errorf("Expected 255 to scale to 1, got %f", out.At(0, 0, 0))
	}

	// Channel count mismatches are rejected.
	bad := Normalize{Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1}}
	if _, _, err := bad.Apply(img, mask, rng); err == nil {
		t.Error("Expected error for channel count mismatch")
	}
	uneven := Normalize{Mean: []float32{0}, Std: []float32{1, 1}}
	if _, _, err := uneven.Apply(img, mask, rng); err == nil {
		t.Error("Expected error for mean/std length mismatch")
	}
}

// TestOneOf tests gated selection between weighted choices
func TestOneOf(t *testing.T) {
	img, mask := coordinateSample(4, 4)
	rng := rand.New(rand.NewSource(2))

	// P = 0 never applies any choice.
	gated := OneOf{P: 0, Choices: []Choice{{Transpose{P: 1}, 1}}}
	out, _, err := gated.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out.At(1, 2, 0) != img.At(1, 2, 0) {
		t.Error("Expected identity for P=0")
	}

	// A single always-on choice must be applied.
	single := OneOf{P: 1, Choices: []Choice{{Flip{P: 1}, 1}}}
	out, outMask, err := single.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !sampleConsistent(out, outMask) {
		t.Error("Choice application broke image/mask agreement")
	}

	// No choices is the identity.
	empty := OneOf{P: 1}
	out, _, err = empty.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out.At(0, 1, 0) != img.At(0, 1, 0) {
		t.Error("Expected identity for empty choice list")
	}
}

// TestPipelineDeterminism tests that a pipeline replays exactly for one seed
func TestPipelineDeterminism(t *testing.T) {
	img := NewImage(64, 64, 1)
	mask := NewMask(64, 64)
	rng := rand.New(rand.NewSource(11))
	for i := range img.Pix {
		img.Pix[i] = float32(rng.Intn(256))
	}
	for y := 20; y < 44; y++ {
		for x := 20; x < 44; x++ {
			mask.Set(y, x, 1)
		}
	}

	pipeline := Full(32, 32, []float32{0.5}, []float32{0.25})

	run := func(seed int64) (Image, Mask) {
		r := rand.New(rand.NewSource(seed))
		outImg, outMask, err := pipeline.Apply(img.Clone(), mask.Clone(), r)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return outImg, outMask
	}

	img1, mask1 := run(42)
	img2, mask2 := run(42)

	if img1.H != 32 || img1.W != 32 {
		t.Fatalf("Expected 32x32 output, got %dx%d", img1.H, img1.W)
	}
	for i := range img1.Pix {
		if img1.Pix[i] != img2.Pix[i] {
			t.Fatalf("Pixel %d differs between identically seeded runs: %f vs %f", i, img1.Pix[i], img2.Pix[i])
		}
	}
	for i := range mask1.Pix {
		if mask1.Pix[i] != mask2.Pix[i] {
			t.Fatalf("Mask pixel %d differs between identically seeded runs: %d vs %d", i, mask1.Pix[i], mask2.Pix[i])
		}
	}
	for i, v := range mask1.Pix {
		if v != 0 && v != 1 {
			t.Fatalf("Mask pixel %d left the label set: %d", i, v)
		}
	}
}

// TestSimplePipeline tests the light crop-and-normalize chain
func TestSimplePipeline(t *testing.T) {
	img := NewImage(8, 8, 1)
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	mask := NewMask(8, 8)
	rng := rand.New(rand.NewSource(5))

	p := Simple(4, 4, []float32{0}, []float32{1})
	if p.Len() != 2 {
		t.Errorf("Expected 2 transforms, got %d", p.Len())
	}
	out, _, err := p.Apply(img, mask, rng)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out.H != 4 || out.W != 4 {
		t.Errorf("Expected 4x4 output, got %dx%d", out.H, out.W)
	}
	if math.Abs(float64(out.At(0, 0, 0)-1)) > 1e-6 {
		t.Errorf("Expected normalized value 1, got %f", out.At(0, 0, 0))
	}

	// A non-positive crop size skips cropping.
	noCrop := Simple(0, 0, []float32{0}, []float32{1})
	if noCrop.Len() != 1 {
		t.Errorf("Expected 1 transform without crop, got %d", noCrop.Len())
	}
}

// TestIntensityTransformsPreserveMask tests that intensity ops never touch labels
func TestIntensityTransformsPreserveMask(t *testing.T) {
	img := NewImage(12, 12, 1)
	mask := NewMask(12, 12)
	r := rand.New(rand.NewSource(7))
	for i := range img.Pix {
		img.Pix[i] = float32(r.Intn(256))
	}
	for y := 3; y < 9; y++ {
		mask.Set(y, y, 1)
	}
	original := mask.Clone()

	transforms := []Transform{
		GaussianBlur{KernelMin: 3, KernelMax: 7},
		Sharpen{AlphaMin: 0.2, AlphaMax: 0.5, LightnessMin: 0, LightnessMax: 1},
		UnsharpMask{KernelMin: 3, KernelMax: 7, AlphaMin: 0.4, AlphaMax: 1},
		RandomGamma{GammaMin: 90, GammaMax: 150},
		RandomBrightnessContrast{BrightnessMin: -0.1, BrightnessMax: 0.3, ContrastMin: -0.2, ContrastMax: 0.5},
		MultiplicativeIntensity{FactorMin: 0.7, FactorMax: 1.0},
		GaussNoise{VarMin: 50, VarMax: 250, P: 1},
		CLAHE{ClipMin: 1, ClipMax: 2, TileGrid: 4, P: 1},
	}
	rng := rand.New(rand.NewSource(13))
	for _, tr := range transforms {
		outImg, outMask, err := tr.Apply(img.Clone(), mask.Clone(), rng)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tr.Name(), err)
		}
		if outImg.H != img.H || outImg.W != img.W {
			t.Errorf("%s: changed image dimensions", tr.Name())
		}
		for i := range outMask.Pix {
			if outMask.Pix[i] != original.Pix[i] {
				t.Errorf("%s: modified the mask at %d", tr.Name(), i)
				break
			}
		}
		for i, v := range outImg.Pix {
			if v < 0 || v > 255 {
				t.Errorf("%s: pixel %d left the 0-255 range: %f", tr.Name(), i, v)
				break
			}
		}
	}
}

// TestResize tests bilinear image and nearest mask rescaling
func TestResize(t *testing.T) {
	img := NewImage(4, 4, 1)
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	mask := NewMask(4, 4)
	mask.Set(0, 0, 2)
	mask.Set(3, 3, 1)

	// Identity resize returns the input unchanged.
	same := ResizeImage(img, 4, 4)
	if &same.Pix[0] != &img.Pix[0] {
		t.Error("Expected identity resize to share storage")
	}

	up := ResizeImage(img, 8, 8)
	if up.H != 8 || up.W != 8 {
		t.Errorf("Expected 8x8, got %dx%d", up.H, up.W)
	}
	for i, v := range up.Pix {
		if math.Abs(float64(v-100)) > 1e-4 {
			t.Errorf("Constant image changed under resize at %d: %f", i, v)
			break
		}
	}

	down := ResizeMask(mask, 2, 2)
	if down.H != 2 || down.W != 2 {
		t.Errorf("Expected 2x2, got %dx%d", down.H, down.W)
	}
	for i, v := range down.Pix {
		if v != 0 && v != 1 && v != 2 {
			t.Errorf("Resized mask invented label %d at %d", v, i)
		}
	}
}

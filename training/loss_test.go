package training

import (
	"math"
	"testing"

	"github.com/vesselab/vesstrain/tensor"
)

// TestLossKindString tests the string representation of LossKind
func TestLossKindString(t *testing.T) {
	if CrossEntropy.String() != "cross_entropy" {
		t.Errorf("Expected cross_entropy, got %s", CrossEntropy.String())
	}
	if LossKind(9).String() != "unknown(9)" {
		t.Errorf("Expected unknown(9), got %s", LossKind(9).String())
	}
}

// TestParseLossKind tests resolving loss names from configuration values
func TestParseLossKind(t *testing.T) {
	kind, err := ParseLossKind("cross_entropy")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if kind != CrossEntropy {
		t.Errorf("Expected CrossEntropy, got %v", kind)
	}

	if _, err := ParseLossKind("dice"); err == nil {
		t.Error("Expected error for unknown loss name")
	}
}

// TestNewCrossEntropyLoss tests loss construction and validation
func TestNewCrossEntropyLoss(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, nil, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loss.Name() != "cross_entropy" {
		t.Errorf("Expected name cross_entropy, got %s", loss.Name())
	}

	if _, err := NewCrossEntropyLoss(1, nil, -1); err == nil {
		t.Error("Expected error for fewer than 2 classes")
	}
	if _, err := NewCrossEntropyLoss(3, []float32{1, 2}, -1); err == nil {
		t.Error("Expected error for weight count mismatch")
	}

	built, err := NewLoss(CrossEntropy, 2, nil, 255)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if built.Name() != "cross_entropy" {
		t.Errorf("Expected name cross_entropy, got %s", built.Name())
	}
	if _, err := NewLoss(LossKind(9), 2, nil, -1); err == nil {
		t.Error("Expected error for unknown loss kind")
	}
}

// TestCrossEntropyUniformLogits tests that equal scores over C classes give
// a loss of ln(C) regardless of the targets
func TestCrossEntropyUniformLogits(t *testing.T) {
	tests := []struct {
		name    string
		classes int
	}{
		{"TwoClasses", 2},
		{"FourClasses", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, err := NewCrossEntropyLoss(tt.classes, nil, -1)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			logits := float32Tensor(t, []int{1, tt.classes, 2, 2}, make([]float32, tt.classes*4))
			targets := int64Tensor(t, []int{1, 2, 2}, []int64{0, 1, 1, 0})

			value, err := loss.Forward(logits, targets)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			expected := math.Log(float64(tt.classes))
			if math.Abs(value-expected) > 1e-9 {
				t.Errorf("Expected loss %f, got %f", expected, value)
			}
		})
	}
}

// TestCrossEntropyKnownValue tests the loss against a hand-computed softmax
func TestCrossEntropyKnownValue(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, nil, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Single pixel with logits [1, 3] and target 1:
	// p(1) = e^3 / (e^1 + e^3) = 1 / (1 + e^-2), loss = ln(1 + e^-2).
	logits := float32Tensor(t, []int{1, 2, 1, 1}, []float32{1, 3})
	targets := int64Tensor(t, []int{1, 1, 1}, []int64{1})

	value, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := math.Log(1 + math.Exp(-2))
	if math.Abs(value-expected) > 1e-9 {
		t.Errorf("Expected loss %f, got %f", expected, value)
	}
}

// TestCrossEntropyConfidentPrediction tests that a strongly correct score
// drives the loss toward zero
func TestCrossEntropyConfidentPrediction(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, nil, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	logits := float32Tensor(t, []int{1, 2, 1, 2}, []float32{
		10, 0, // class 0 plane
		0, 10, // class 1 plane
	})
	targets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 1})

	value, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if value <= 0 {
		t.Errorf("Expected a small positive loss, got %f", value)
	}
	if value > 1e-4 {
		t.Errorf("Expected loss below 1e-4 for confident predictions, got %f", value)
	}
}

// TestCrossEntropyIgnoreIndex tests that ignored pixels contribute neither
// to the loss nor to the gradient
func TestCrossEntropyIgnoreIndex(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, nil, 255)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	t.Run("LossUnchanged", func(t *testing.T) {
		// Two pixels where the second is ignored must equal the one-pixel loss.
		masked := float32Tensor(t, []int{1, 2, 1, 2}, []float32{
			1, -4, // class 0 plane
			3, 2, // class 1 plane
		})
		maskedTargets := int64Tensor(t, []int{1, 1, 2}, []int64{1, 255})

		single := float32Tensor(t, []int{1, 2, 1, 1}, []float32{1, 3})
		singleTargets := int64Tensor(t, []int{1, 1, 1}, []int64{1})

		got, err := loss.Forward(masked, maskedTargets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		want, err := loss.Forward(single, singleTargets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("Masked loss %f differs from clean loss %f", got, want)
		}
	})

	t.Run("GradientZeroAtIgnored", func(t *testing.T) {
		logits := float32Tensor(t, []int{1, 2, 1, 2}, []float32{0, 1, 0, -1})
		targets := int64Tensor(t, []int{1, 1, 2}, []int64{1, 255})

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Pixel 1 is ignored: positions (c=0,p=1) and (c=1,p=1) stay zero.
		if grad.Data[1] != 0 || grad.Data[3] != 0 {
			t.Errorf("Expected zero gradient at ignored pixel, got %f and %f", grad.Data[1], grad.Data[3])
		}
		if grad.Data[0] == 0 || grad.Data[2] == 0 {
			t.Error("Expected nonzero gradient at contributing pixel")
		}
	})

	t.Run("AllIgnored", func(t *testing.T) {
		logits := float32Tensor(t, []int{1, 2, 1, 2}, []float32{5, -5, 2, 1})
		targets := int64Tensor(t, []int{1, 1, 2}, []int64{255, 255})

		value, err := loss.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if value != 0 {
			t.Errorf("Expected zero loss when every pixel is ignored, got %f", value)
		}

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for i, g := range grad.Data {
			if g != 0 {
				t.Errorf("grad[%d]: expected 0, got %f", i, g)
			}
		}
	})
}

// TestCrossEntropyClassWeights tests the weighted mean reduction
func TestCrossEntropyClassWeights(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, []float32{0.25, 0.75}, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Pixel 0 has logits [2, 0] with target 0, pixel 1 has logits [0, 0]
	// with target 1.
	logits := float32Tensor(t, []int{1, 2, 1, 2}, []float32{
		2, 0, // class 0 plane
		0, 0, // class 1 plane
	})
	targets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 1})

	value, err := loss.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// loss = (0.25*ln(1+e^-2) + 0.75*ln(2)) / (0.25 + 0.75)
	expected := (0.25*math.Log(1+math.Exp(-2)) + 0.75*math.Log(2)) / 1.0
	if math.Abs(value-expected) > 1e-9 {
		t.Errorf("Expected loss %f, got %f", expected, value)
	}
}

// TestCrossEntropyBackward tests analytic gradients against hand-computed
// values
func TestCrossEntropyBackward(t *testing.T) {
	t.Run("UniformSinglePixel", func(t *testing.T) {
		loss, err := NewCrossEntropyLoss(2, nil, -1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits := float32Tensor(t, []int{1, 2, 1, 1}, []float32{0, 0})
		targets := int64Tensor(t, []int{1, 1, 1}, []int64{1})

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// softmax = [0.5, 0.5], so grad = [0.5, 0.5-1] = [0.5, -0.5].
		if grad.Data[0] != 0.5 {
			t.Errorf("grad[0]: expected 0.5, got %f", grad.Data[0])
		}
		if grad.Data[1] != -0.5 {
			t.Errorf("grad[1]: expected -0.5, got %f", grad.Data[1])
		}
	})

	t.Run("UniformTwoPixels", func(t *testing.T) {
		loss, err := NewCrossEntropyLoss(2, nil, -1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits := float32Tensor(t, []int{1, 2, 1, 2}, make([]float32, 4))
		targets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 1})

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Two contributing pixels, so each gradient is halved.
		expected := []float32{-0.25, 0.25, 0.25, -0.25}
		for i, want := range expected {
			if grad.Data[i] != want {
				t.Errorf("grad[%d]: expected %f, got %f", i, want, grad.Data[i])
			}
		}
	})

	t.Run("WeightedTwoPixels", func(t *testing.T) {
		loss, err := NewCrossEntropyLoss(2, []float32{0.25, 0.75}, -1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits := float32Tensor(t, []int{1, 2, 1, 2}, make([]float32, 4))
		targets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 1})

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// weightSum = 1. Pixel 0 scales by 0.25, pixel 1 by 0.75.
		expected := []float32{-0.125, 0.375, 0.125, -0.375}
		for i, want := range expected {
			if grad.Data[i] != want {
				t.Errorf("grad[%d]: expected %f, got %f", i, want, grad.Data[i])
			}
		}
	})

	t.Run("SumsToZeroPerPixel", func(t *testing.T) {
		loss, err := NewCrossEntropyLoss(3, nil, -1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits := float32Tensor(t, []int{1, 3, 1, 2}, []float32{
			0.3, -1.2,
			0.7, 0.4,
			-0.5, 2.1,
		})
		targets := int64Tensor(t, []int{1, 1, 2}, []int64{2, 0})

		grad, err := loss.Backward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Softmax gradients over a pixel sum to zero.
		for p := 0; p < 2; p++ {
			var sum float64
			for c := 0; c < 3; c++ {
				sum += float64(grad.Data[c*2+p])
			}
			if math.Abs(sum) > 1e-6 {
				t.Errorf("Pixel %d: gradient sums to %g, expected 0", p, sum)
			}
		}
	})
}

// TestCrossEntropyGradientNumerically tests Backward against central finite
// differences of Forward
func TestCrossEntropyGradientNumerically(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, []float32{0.4, 1.6}, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	logits := float32Tensor(t, []int{1, 2, 1, 3}, []float32{
		0.37, -0.81, 0.12,
		-0.25, 0.93, 0.44,
	})
	targets := int64Tensor(t, []int{1, 1, 3}, []int64{1, 0, 1})

	analytic, err := loss.Backward(logits, targets)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	const h = 1e-2
	for i := range logits.Data {
		original := logits.Data[i]

		logits.Data[i] = original + h
		plus, err := loss.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits.Data[i] = original - h
		minus, err := loss.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		logits.Data[i] = original

		numeric := (plus - minus) / (2 * h)
		if math.Abs(numeric-float64(analytic.Data[i])) > 1e-4 {
			t.Errorf("grad[%d]: numeric %g differs from analytic %g", i, numeric, analytic.Data[i])
		}
	}
}

// TestCrossEntropyShapeErrors tests shape and dtype validation
func TestCrossEntropyShapeErrors(t *testing.T) {
	loss, err := NewCrossEntropyLoss(2, nil, -1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	goodLogits := float32Tensor(t, []int{1, 2, 1, 2}, make([]float32, 4))
	goodTargets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 1})

	tests := []struct {
		name    string
		logits  *tensor.Tensor
		targets *tensor.Tensor
	}{
		{"IntLogits", int64Tensor(t, []int{1, 2, 1, 2}, make([]int64, 4)), goodTargets},
		{"FloatTargets", goodLogits, float32Tensor(t, []int{1, 1, 2}, make([]float32, 2))},
		{"FlatLogits", float32Tensor(t, []int{4}, make([]float32, 4)), goodTargets},
		{"FlatTargets", goodLogits, int64Tensor(t, []int{2}, []int64{0, 1})},
		{"WrongClassCount", float32Tensor(t, []int{1, 3, 1, 2}, make([]float32, 6)), goodTargets},
		{"SpatialMismatch", goodLogits, int64Tensor(t, []int{1, 2, 2}, make([]int64, 4))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loss.Forward(tt.logits, tt.targets); err == nil {
				t.Error("Expected Forward error")
			}
			if _, err := loss.Backward(tt.logits, tt.targets); err == nil {
				t.Error("Expected Backward error")
			}
		})
	}

	badTargets := int64Tensor(t, []int{1, 1, 2}, []int64{0, 5})
	if _, err := loss.Forward(goodLogits, badTargets); err == nil {
		t.Error("Expected Forward error for target outside class range")
	}
	if _, err := loss.Backward(goodLogits, badTargets); err == nil {
		t.Error("Expected Backward error for target outside class range")
	}
}

// BenchmarkCrossEntropyForward benchmarks the loss on a realistic batch
func BenchmarkCrossEntropyForward(b *testing.B) {
	loss, err := NewCrossEntropyLoss(2, nil, 255)
	if err != nil {
		b.Fatal(err)
	}

	logits, err := tensor.New([]int{2, 2, 64, 64}, make([]float32, 2*2*64*64))
	if err != nil {
		b.Fatal(err)
	}
	targetData := make([]int64, 2*64*64)
	for i := range targetData {
		targetData[i] = int64(i % 2)
	}
	targets, err := tensor.NewInt64([]int{2, 64, 64}, targetData)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loss.Forward(logits, targets); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCrossEntropyBackward benchmarks gradient computation
func BenchmarkCrossEntropyBackward(b *testing.B) {
	loss, err := NewCrossEntropyLoss(2, nil, 255)
	if err != nil {
		b.Fatal(err)
	}

	logits, err := tensor.New([]int{2, 2, 64, 64}, make([]float32, 2*2*64*64))
	if err != nil {
		b.Fatal(err)
	}
	targetData := make([]int64, 2*64*64)
	for i := range targetData {
		targetData[i] = int64(i % 2)
	}
	targets, err := tensor.NewInt64([]int{2, 64, 64}, targetData)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := loss.Backward(logits, targets); err != nil {
			b.Fatal(err)
		}
	}
}

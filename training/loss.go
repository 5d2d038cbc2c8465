package training

import (
	"fmt"
	"math"

	"github.com/vesselab/vesstrain/tensor"
)

// Loss computes a scalar training objective from raw class scores and
// integer targets, and produces the gradient of that objective with
// respect to the scores.
type Loss interface {
	// Forward returns the mean loss over all contributing pixels.
	Forward(logits, targets *tensor.Tensor) (float64, error)
	// Backward returns dLoss/dLogits with the same shape as logits.
	Backward(logits, targets *tensor.Tensor) (*tensor.Tensor, error)
	// Name returns the loss identifier used in configuration files.
	Name() string
}

// LossKind enumerates the supported loss functions.
type LossKind int

const (
	CrossEntropy LossKind = iota
)

// String returns the configuration name of the loss kind.
func (k LossKind) String() string {
	switch k {
	case CrossEntropy:
		return "cross_entropy"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseLossKind resolves a configuration value to a LossKind.
func ParseLossKind(name string) (LossKind, error) {
	switch name {
	case "cross_entropy":
		return CrossEntropy, nil
	default:
		return 0, fmt.Errorf("unknown loss function %q", name)
	}
}

// NewLoss builds the loss for kind. Weights may be nil for uniform class
// weighting; otherwise it must hold one weight per class.
func NewLoss(kind LossKind, numClasses int, weights []float32, ignoreIndex int) (Loss, error) {
	switch kind {
	case CrossEntropy:
		return NewCrossEntropyLoss(numClasses, weights, ignoreIndex)
	default:
		return nil, fmt.Errorf("unknown loss kind %d", int(kind))
	}
}

// CrossEntropyLoss is pixel-wise softmax cross-entropy over class scores of
// shape [batch, classes, H, W] against integer targets of shape
// [batch, H, W]. Pixels whose target equals IgnoreIndex contribute neither
// to the loss nor to the gradient. Per-class weights rescale each pixel's
// contribution; the final loss is the weighted mean.
type CrossEntropyLoss struct {
	NumClasses  int
	IgnoreIndex int // negative disables ignore handling
	Weights     []float32
}

// NewCrossEntropyLoss validates the class count and weight vector.
func NewCrossEntropyLoss(numClasses int, weights []float32, ignoreIndex int) (*CrossEntropyLoss, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("cross entropy requires at least 2 classes, got %d", numClasses)
	}
	if weights != nil && len(weights) != numClasses {
		return nil, fmt.Errorf("expected %d class weights, got %d", numClasses, len(weights))
	}
	return &CrossEntropyLoss{
		NumClasses:  numClasses,
		IgnoreIndex: ignoreIndex,
		Weights:     weights,
	}, nil
}

// Name implements Loss.
func (l *CrossEntropyLoss) Name() string {
	return CrossEntropy.String()
}

// Forward implements Loss.
func (l *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (float64, error) {
	batch, classes, height, width, err := l.checkShapes(logits, targets)
	if err != nil {
		return 0, err
	}

	plane := height * width
	probs := make([]float64, classes)

	var total, weightSum float64
	for b := 0; b < batch; b++ {
		for p := 0; p < plane; p++ {
			target := targets.Ints[b*plane+p]
			if l.IgnoreIndex >= 0 && target == int64(l.IgnoreIndex) {
				continue
			}
			if target < 0 || target >= int64(classes) {
				return 0, fmt.Errorf("target label %d outside class range [0,%d)", target, classes)
			}

			l.softmaxAt(logits, b, p, plane, probs)
			prob := probs[target]
			if prob < 1e-10 {
				prob = 1e-10
			}

			w := l.classWeight(int(target))
			total += -w * math.Log(prob)
			weightSum += w
		}
	}

	if weightSum == 0 {
		return 0, nil
	}
	return total / weightSum, nil
}

// Backward implements Loss. The returned gradient is already normalized by
// the summed pixel weights, matching the mean reduction used in Forward.
func (l *CrossEntropyLoss) Backward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, height, width, err := l.checkShapes(logits, targets)
	if err != nil {
		return nil, err
	}

	grad := tensor.ZerosLike(logits)
	plane := height * width
	probs := make([]float64, classes)

	var weightSum float64
	for b := 0; b < batch; b++ {
		for p := 0; p < plane; p++ {
			target := targets.Ints[b*plane+p]
			if l.IgnoreIndex >= 0 && target == int64(l.IgnoreIndex) {
				continue
			}
			if target < 0 || target >= int64(classes) {
				return nil, fmt.Errorf("target label %d outside class range [0,%d)", target, classes)
			}
			weightSum += l.classWeight(int(target))
		}
	}
	if weightSum == 0 {
		return grad, nil
	}

	for b := 0; b < batch; b++ {
		for p := 0; p < plane; p++ {
			target := targets.Ints[b*plane+p]
			if l.IgnoreIndex >= 0 && target == int64(l.IgnoreIndex) {
				continue
			}

			l.softmaxAt(logits, b, p, plane, probs)
			w := l.classWeight(int(target))

			for c := 0; c < classes; c++ {
				g := probs[c]
				if c == int(target) {
					g -= 1
				}
				grad.Data[(b*classes+c)*plane+p] = float32(w * g / weightSum)
			}
		}
	}

	return grad, nil
}

// softmaxAt computes the softmax over the class dimension for one pixel,
// subtracting the max score for numerical stability.
func (l *CrossEntropyLoss) softmaxAt(logits *tensor.Tensor, b, p, plane int, probs []float64) {
	classes := len(probs)

	max := float64(logits.Data[(b*classes)*plane+p])
	for c := 1; c < classes; c++ {
		v := float64(logits.Data[(b*classes+c)*plane+p])
		if v > max {
			max = v
		}
	}

	var sum float64
	for c := 0; c < classes; c++ {
		e := math.Exp(float64(logits.Data[(b*classes+c)*plane+p]) - max)
		probs[c] = e
		sum += e
	}
	for c := 0; c < classes; c++ {
		probs[c] /= sum
	}
}

func (l *CrossEntropyLoss) classWeight(class int) float64 {
	if l.Weights == nil {
		return 1
	}
	return float64(l.Weights[class])
}

func (l *CrossEntropyLoss) checkShapes(logits, targets *tensor.Tensor) (batch, classes, height, width int, err error) {
	if logits.DType != tensor.Float32 {
		return 0, 0, 0, 0, fmt.Errorf("logits must be float32, got %s", logits.DType)
	}
	if targets.DType != tensor.Int64 {
		return 0, 0, 0, 0, fmt.Errorf("targets must be int64, got %s", targets.DType)
	}
	if len(logits.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("logits must be [batch, classes, height, width], got %v", logits.Shape)
	}
	if len(targets.Shape) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("targets must be [batch, height, width], got %v", targets.Shape)
	}

	batch, classes, height, width = logits.Shape[0], logits.Shape[1], logits.Shape[2], logits.Shape[3]
	if classes != l.NumClasses {
		return 0, 0, 0, 0, fmt.Errorf("logits have %d classes, loss configured for %d", classes, l.NumClasses)
	}
	if targets.Shape[0] != batch || targets.Shape[1] != height || targets.Shape[2] != width {
		return 0, 0, 0, 0, fmt.Errorf("target shape %v does not match logits %v", targets.Shape, logits.Shape)
	}
	return batch, classes, height, width, nil
}

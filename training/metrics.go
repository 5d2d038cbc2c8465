package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/vesselab/vesstrain/tensor"
)

// MetricType identifies a segmentation quality metric derived from a
// confusion matrix.
type MetricType int

const (
	Accuracy MetricType = iota
	IoU
	Precision
	Recall
	Dice
)

// String returns the human-readable name of the metric type.
func (m MetricType) String() string {
	switch m {
	case Accuracy:
		return "Accuracy"
	case IoU:
		return "IoU"
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case Dice:
		return "Dice"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// PerformanceMetrics lists every metric computed during validation, in the
// order they are logged.
var PerformanceMetrics = []MetricType{Accuracy, IoU, Precision, Recall, Dice}

// ParseMetricType resolves a metric name as it appears in configuration
// files or log columns.
func ParseMetricType(name string) (MetricType, error) {
	for _, m := range PerformanceMetrics {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown metric %q", name)
}

// ConfusionMatrix accumulates pixel-level prediction counts for semantic
// segmentation. Rows index the true class, columns the predicted class.
// Pixels whose target equals IgnoreIndex are excluded from every count.
//
// The matrix is not safe for concurrent use.
type ConfusionMatrix struct {
	NumClasses  int
	IgnoreIndex int // negative disables ignore handling
	Matrix      [][]int64
	TotalPixels int64

	// Cached metric values, invalidated on every update.
	cachedMetrics map[MetricType]float64
	metricsValid  bool
}

// NewConfusionMatrix creates a confusion matrix for numClasses classes.
// Targets equal to ignoreIndex are skipped during accumulation; pass a
// negative value to disable ignore handling.
func NewConfusionMatrix(numClasses, ignoreIndex int) (*ConfusionMatrix, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("confusion matrix requires at least 2 classes, got %d", numClasses)
	}
	if ignoreIndex >= 0 && ignoreIndex < numClasses {
		return nil, fmt.Errorf("ignore index %d collides with valid class range [0,%d)", ignoreIndex, numClasses)
	}

	matrix := make([][]int64, numClasses)
	for i := range matrix {
		matrix[i] = make([]int64, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		IgnoreIndex:   ignoreIndex,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}, nil
}

// Reset clears all accumulated counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalPixels = 0
	cm.metricsValid = false
}

// UpdateFromLogits reduces raw class scores of shape [batch, classes, H, W]
// to label predictions and accumulates them against targets of shape
// [batch, H, W].
func (cm *ConfusionMatrix) UpdateFromLogits(logits, targets *tensor.Tensor) error {
	preds, err := tensor.ArgmaxChannel(logits)
	if err != nil {
		return fmt.Errorf("failed to reduce logits: %v", err)
	}
	return cm.UpdateFromLabels(preds, targets)
}

// UpdateFromLabels accumulates already-reduced predictions against targets.
// Both tensors must be Int64 with identical shapes.
func (cm *ConfusionMatrix) UpdateFromLabels(preds, targets *tensor.Tensor) error {
	if preds.DType != tensor.Int64 || targets.DType != tensor.Int64 {
		return fmt.Errorf("label tensors must be int64, got %s and %s", preds.DType, targets.DType)
	}
	if !tensor.ShapeEqual(preds.Shape, targets.Shape) {
		return fmt.Errorf("prediction shape %v does not match target shape %v", preds.Shape, targets.Shape)
	}

	for i, target := range targets.Ints {
		if cm.IgnoreIndex >= 0 && target == int64(cm.IgnoreIndex) {
			continue
		}
		if target < 0 || target >= int64(cm.NumClasses) {
			return fmt.Errorf("target label %d at index %d outside class range [0,%d)", target, i, cm.NumClasses)
		}
		pred := preds.Ints[i]
		if pred < 0 || pred >= int64(cm.NumClasses) {
			return fmt.Errorf("predicted label %d at index %d outside class range [0,%d)", pred, i, cm.NumClasses)
		}
		cm.Matrix[target][pred]++
		cm.TotalPixels++
	}

	cm.metricsValid = false
	return nil
}

// GetMetric computes a macro-averaged metric over all classes that appear
// in either the targets or the predictions. Classes absent from both are
// excluded from the average.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) (float64, error) {
	if cm.metricsValid {
		if value, ok := cm.cachedMetrics[metric]; ok {
			return value, nil
		}
	}

	value, err := cm.computeMetric(metric)
	if err != nil {
		return 0, err
	}

	if !cm.metricsValid {
		cm.cachedMetrics = make(map[MetricType]float64)
		cm.metricsValid = true
	}
	cm.cachedMetrics[metric] = value
	return value, nil
}

// Metrics computes every performance metric and returns them keyed by name.
func (cm *ConfusionMatrix) Metrics() (map[string]float64, error) {
	out := make(map[string]float64, len(PerformanceMetrics))
	for _, m := range PerformanceMetrics {
		value, err := cm.GetMetric(m)
		if err != nil {
			return nil, err
		}
		out[m.String()] = value
	}
	return out, nil
}

func (cm *ConfusionMatrix) computeMetric(metric MetricType) (float64, error) {
	if cm.TotalPixels == 0 {
		return 0, nil
	}

	if metric == Accuracy {
		var correct int64
		for c := 0; c < cm.NumClasses; c++ {
			correct += cm.Matrix[c][c]
		}
		return float64(correct) / float64(cm.TotalPixels), nil
	}

	values := make([]float64, 0, cm.NumClasses)
	for c := 0; c < cm.NumClasses; c++ {
		tp, fp, fn := cm.classCounts(c)
		if tp+fp+fn == 0 {
			continue
		}
		switch metric {
		case IoU:
			values = append(values, ratio(tp, tp+fp+fn))
		case Dice:
			values = append(values, ratio(2*tp, 2*tp+fp+fn))
		case Precision:
			values = append(values, ratio(tp, tp+fp))
		case Recall:
			values = append(values, ratio(tp, tp+fn))
		default:
			return 0, fmt.Errorf("unsupported metric type %d", int(metric))
		}
	}
	if len(values) == 0 {
		return 0, nil
	}
	return stat.Mean(values, nil), nil
}

// ClassIoU returns intersection over union for a single class.
func (cm *ConfusionMatrix) ClassIoU(class int) float64 {
	tp, fp, fn := cm.classCounts(class)
	return ratio(tp, tp+fp+fn)
}

// ClassDice returns the Dice coefficient for a single class.
func (cm *ConfusionMatrix) ClassDice(class int) float64 {
	tp, fp, fn := cm.classCounts(class)
	return ratio(2*tp, 2*tp+fp+fn)
}

// ClassPrecision returns precision for a single class.
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp, fp, _ := cm.classCounts(class)
	return ratio(tp, tp+fp)
}

// ClassRecall returns recall for a single class.
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp, _, fn := cm.classCounts(class)
	return ratio(tp, tp+fn)
}

func (cm *ConfusionMatrix) classCounts(class int) (tp, fp, fn int64) {
	if class < 0 || class >= cm.NumClasses {
		return 0, 0, 0
	}
	tp = cm.Matrix[class][class]
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += cm.Matrix[other][class]
		fn += cm.Matrix[class][other]
	}
	return tp, fp, fn
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

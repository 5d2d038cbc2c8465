package training

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/vesselab/vesstrain/async"
	"github.com/vesselab/vesstrain/augment"
	"github.com/vesselab/vesstrain/dataset"
	"github.com/vesselab/vesstrain/tensor"
)

// checkerboardData builds n samples with alternating 0/1 masks and image
// pixels at +10 for foreground, -10 for background, so a sign readout
// separates the classes perfectly.
func checkerboardData(n, h, w, channels int) *dataset.SliceDataset {
	ds := dataset.NewSliceDataset()
	for i := 0; i < n; i++ {
		img := augment.NewImage(h, w, channels)
		mask := augment.NewMask(h, w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				label := int64((y + x + i) % 2)
				mask.Set(y, x, label)
				v := float32(-10)
				if label == 1 {
					v = 10
				}
				for c := 0; c < channels; c++ {
					img.Set(y, x, c, v)
				}
			}
		}
		ds.Append(img, mask)
	}
	return ds
}

// signModel builds a 1x1 convolution that scores class 1 by pixel sign.
// Inverted, it gets every pixel wrong instead.
func signModel(t *testing.T, invert bool) *Conv2D {
	t.Helper()
	conv, err := NewConv2D(1, 2, 1, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	weight := conv.Parameters()[0]
	weight.Data[0], weight.Data[1] = -1, 1
	if invert {
		weight.Data[0], weight.Data[1] = 1, -1
	}
	return conv
}

func newEpochRunner(t *testing.T, model Module) *EpochRunner {
	t.Helper()
	loss, err := NewCrossEntropyLoss(2, nil, 255)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return &EpochRunner{
		Model:           model,
		Loss:            loss,
		Optim:           NewSGD(model.Parameters(), 0.1, 0, 0, 0, false),
		Scaler:          NewLossScaler(false),
		Logger:          NewRunLogger(),
		NumClasses:      2,
		IgnoreIndex:     255,
		DisableProgress: true,
	}
}

type failingDataset struct {
	n int
}

func (d *failingDataset) Len() int { return d.n }

func (d *failingDataset) Get(idx int) (augment.Image, augment.Mask, error) {
	return augment.Image{}, augment.Mask{}, errors.New("disk on fire")
}

func TestRunnerStateString(t *testing.T) {
	tests := []struct {
		state    RunnerState
		expected string
	}{
		{RunnerIdle, "idle"},
		{RunnerTraining, "training"},
		{RunnerValidating, "validating"},
		{RunnerState(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}

// TestTrainEpoch tests one optimization pass over a small dataset
func TestTrainEpoch(t *testing.T) {
	SetRandomSeed(11)
	model, err := NewConv2D(1, 2, 1, true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	before := append([]float32(nil), model.Parameters()[0].Data...)

	runner := newEpochRunner(t, model)
	loader, err := async.NewLoader(checkerboardData(4, 4, 4, 1), async.Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if runner.State() != RunnerIdle {
		t.Errorf("Expected idle state before training, got %s", runner.State())
	}

	loss, err := runner.TrainEpoch(context.Background(), loader, 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Errorf("Expected finite non-negative loss, got %f", loss)
	}
	if runner.State() != RunnerIdle {
		t.Errorf("Expected idle state after training, got %s", runner.State())
	}

	changed := false
	for i, v := range model.Parameters()[0].Data {
		if v != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Error("Expected the optimizer to move the weights")
	}

	// The logged epoch mean matches the returned weighted mean.
	row := runner.Logger.EndEpoch(0)
	logged, ok := row[TrainLossColumn]
	if !ok {
		t.Fatalf("Expected %q in the epoch row", TrainLossColumn)
	}
	if math.Abs(logged-loss) > 1e-12 {
		t.Errorf("Logged loss %g differs from returned loss %g", logged, loss)
	}
}

// TestTrainEpochEmptyDataset tests that a batchless epoch is an error
func TestTrainEpochEmptyDataset(t *testing.T) {
	runner := newEpochRunner(t, signModel(t, false))
	loader, err := async.NewLoader(dataset.NewSliceDataset(), async.Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := runner.TrainEpoch(context.Background(), loader, 0); err == nil {
		t.Error("Expected error for empty training epoch")
	}
}

// TestTrainEpochCancellation tests that a cancelled context stops the pass
func TestTrainEpochCancellation(t *testing.T) {
	runner := newEpochRunner(t, signModel(t, false))
	loader, err := async.NewLoader(checkerboardData(4, 4, 4, 1), async.Options{BatchSize: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = runner.TrainEpoch(ctx, loader, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestValidateEpoch tests a validation pass with a fully determined model
func TestValidateEpoch(t *testing.T) {
	t.Run("PerfectModel", func(t *testing.T) {
		model := signModel(t, false)
		runner := newEpochRunner(t, model)
		loader, err := async.NewLoader(checkerboardData(3, 4, 4, 1), async.Options{BatchSize: 8})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		result, err := runner.ValidateEpoch(context.Background(), "DRIVE", loader, 0)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Dataset != "DRIVE" {
			t.Errorf("Expected dataset DRIVE, got %s", result.Dataset)
		}
		if result.Samples != 3 {
			t.Errorf("Expected 3 samples, got %d", result.Samples)
		}
		if result.Loss < 0 || result.Loss > 1e-6 {
			t.Errorf("Expected near-zero loss for separable data, got %g", result.Loss)
		}
		for _, name := range []string{"Accuracy", "Dice", "IoU", "Precision", "Recall"} {
			if result.Metrics[name] != 1.0 {
				t.Errorf("%s: expected 1.0, got %f", name, result.Metrics[name])
			}
		}
		if !model.IsTraining() {
			t.Error("Expected the model back in training mode after validation")
		}

		row := runner.Logger.EndEpoch(0)
		if row[ValLossColumn("DRIVE")] != result.Loss {
			t.Errorf("Expected logged loss %g, got %g", result.Loss, row[ValLossColumn("DRIVE")])
		}
		if row[MetricColumn(Dice, "DRIVE")] != 1.0 {
			t.Errorf("Expected logged Dice 1.0, got %f", row[MetricColumn(Dice, "DRIVE")])
		}
	})

	t.Run("InvertedModel", func(t *testing.T) {
		runner := newEpochRunner(t, signModel(t, true))
		loader, err := async.NewLoader(checkerboardData(3, 4, 4, 1), async.Options{BatchSize: 8})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		result, err := runner.ValidateEpoch(context.Background(), "DRIVE", loader, 0)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Metrics["Dice"] != 0.0 {
			t.Errorf("Expected Dice 0.0 for inverted predictions, got %f", result.Metrics["Dice"])
		}
		if result.Loss < 1 {
			t.Errorf("Expected large loss for inverted predictions, got %g", result.Loss)
		}
	})
}

// TestPreflight tests the pre-run probe across multiple datasets
func TestPreflight(t *testing.T) {
	runner := newEpochRunner(t, signModel(t, false))

	valids := dataset.NewValidationSets()
	if err := valids.Add("DRIVE", checkerboardData(3, 4, 4, 1)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := valids.Add("STARE", checkerboardData(2, 6, 6, 1)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	result, err := runner.Preflight(context.Background(), valids, 8)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(result.Datasets) != 2 {
		t.Fatalf("Expected 2 probed datasets, got %d", len(result.Datasets))
	}

	first := result.Datasets[0]
	if first.Name != "DRIVE" || result.Datasets[1].Name != "STARE" {
		t.Errorf("Expected registration order DRIVE, STARE; got %s, %s", first.Name, result.Datasets[1].Name)
	}
	if first.Samples != 3 {
		t.Errorf("Expected 3 samples, got %d", first.Samples)
	}
	if !tensor.ShapeEqual(first.BatchShape, []int{3, 1, 4, 4}) {
		t.Errorf("Expected batch shape [3 1 4 4], got %v", first.BatchShape)
	}
	if !tensor.ShapeEqual(first.OutputShape, []int{3, 2, 4, 4}) {
		t.Errorf("Expected output shape [3 2 4 4], got %v", first.OutputShape)
	}
	if first.Metrics["Dice"] != 1.0 {
		t.Errorf("Expected probe Dice 1.0, got %f", first.Metrics["Dice"])
	}
}

// TestPreflightFailureStages tests that each probe failure is tagged with
// the stage that broke
func TestPreflightFailureStages(t *testing.T) {
	badMasks := checkerboardData(2, 4, 4, 1)
	{
		// Relabel everything out of class range.
		_, mask, err := badMasks.Get(0)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for p := range mask.Pix {
			mask.Pix[p] = 7
		}
	}

	tests := []struct {
		name  string
		ds    dataset.Dataset
		stage string
	}{
		{"LoaderFailure", &failingDataset{n: 2}, StageDataLoader},
		{"ModelFailure", checkerboardData(2, 4, 4, 3), StageModel},
		{"MetricFailure", badMasks, StageMetric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newEpochRunner(t, signModel(t, false))
			valids := dataset.NewValidationSets()
			if err := valids.Add("broken", tt.ds); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			_, err := runner.Preflight(context.Background(), valids, 4)
			var scErr *SanityCheckError
			if !errors.As(err, &scErr) {
				t.Fatalf("Expected SanityCheckError, got %v", err)
			}
			if scErr.Stage != tt.stage {
				t.Errorf("Expected stage %s, got %s", tt.stage, scErr.Stage)
			}
			if scErr.Dataset != "broken" {
				t.Errorf("Expected dataset broken, got %s", scErr.Dataset)
			}
			if !strings.Contains(scErr.Error(), "sanity check failed") {
				t.Errorf("Unexpected error message: %v", scErr)
			}
		})
	}
}

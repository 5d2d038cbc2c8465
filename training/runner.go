package training

import (
	"context"
	"fmt"

	"github.com/vesselab/vesstrain/async"
	"github.com/vesselab/vesstrain/dataset"
)

// Sanity check stages reported by SanityCheckError.
const (
	StageDataLoader = "dataloader"
	StageModel      = "model"
	StageMetric     = "metric"
)

// SanityCheckError reports a pre-flight failure, tagged with the pipeline
// stage and dataset that failed so misconfigurations surface before any
// training time is spent.
type SanityCheckError struct {
	Stage   string
	Dataset string
	Err     error
}

func (e *SanityCheckError) Error() string {
	return fmt.Sprintf("sanity check failed at %s stage for dataset %s: %v", e.Stage, e.Dataset, e.Err)
}

func (e *SanityCheckError) Unwrap() error {
	return e.Err
}

// PreflightDataset summarizes the probe of one validation dataset.
type PreflightDataset struct {
	Name        string
	Samples     int
	BatchShape  []int
	OutputShape []int
	Metrics     map[string]float64
}

// PreflightResult is the outcome of Preflight across all validation
// datasets, in validation order.
type PreflightResult struct {
	Datasets []PreflightDataset
}

// RunnerState tells which phase the runner is currently executing.
type RunnerState int

const (
	RunnerIdle RunnerState = iota
	RunnerTraining
	RunnerValidating
)

func (s RunnerState) String() string {
	switch s {
	case RunnerIdle:
		return "idle"
	case RunnerTraining:
		return "training"
	case RunnerValidating:
		return "validating"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ValidationResult holds one dataset's validation outcome for an epoch.
type ValidationResult struct {
	Dataset string
	Loss    float64
	Metrics map[string]float64
	Samples int
}

// EpochRunner drives single training and validation passes. It owns no
// cross-epoch state; the Trainer sequences epochs, checkpoints and early
// stopping on top of it.
type EpochRunner struct {
	Model Module
	Loss  Loss
	Optim Optimizer

	Scaler *LossScaler
	Logger *RunLogger

	NumClasses  int
	IgnoreIndex int

	DisableProgress bool
	Profiler        *Profiler

	state RunnerState
}

// State returns the phase the runner is executing.
func (r *EpochRunner) State() RunnerState {
	return r.state
}

// TrainEpoch runs one full pass over the training loader: forward, loss,
// backward, optimizer step per batch, with losses logged weighted by batch
// size. It returns the weighted mean loss of the epoch.
func (r *EpochRunner) TrainEpoch(ctx context.Context, loader *async.Loader, epoch int) (float64, error) {
	r.state = RunnerTraining
	defer func() { r.state = RunnerIdle }()

	r.Model.Train()
	if err := loader.Start(ctx, epoch); err != nil {
		return 0, fmt.Errorf("failed to start training loader: %v", err)
	}
	defer loader.Stop()

	pb := NewProgressBar(fmt.Sprintf("Epoch %d", epoch), loader.NumBatches(), r.DisableProgress)
	params := r.Model.Parameters()

	var lossSum, weightSum float64
	step := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}

		if err := r.Profiler.BatchStart(); err != nil {
			return 0, err
		}

		r.Optim.ZeroGrad()

		output, err := r.Model.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %v", err)
		}
		lossVal, err := r.Loss.Forward(output, batch.Masks)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %v", err)
		}
		grad, err := r.Loss.Backward(output, batch.Masks)
		if err != nil {
			return 0, fmt.Errorf("loss gradient failed: %v", err)
		}

		r.Scaler.ScaleGrad(grad)
		if _, err := r.Model.Backward(grad); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}

		stepped := r.Scaler.UnscaleAndCheck(params)
		if stepped {
			if err := r.Optim.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed: %v", err)
			}
		}
		r.Scaler.Update(stepped)

		size := float64(batch.Size)
		r.Logger.LogWeighted(TrainLossColumn, lossVal, size)
		lossSum += lossVal * size
		weightSum += size

		step++
		pb.Update(step, map[string]float64{"loss": lossVal})

		if err := r.Profiler.BatchEnd(); err != nil {
			return 0, err
		}
	}
	pb.Finish()

	if weightSum == 0 {
		return 0, fmt.Errorf("training loader produced no batches")
	}
	return lossSum / weightSum, nil
}

// ValidateEpoch runs one pass over a named validation loader. A fresh
// confusion matrix accumulates the whole pass, then each performance metric
// is logged once, weighted by the number of samples seen so datasets of
// different sizes average correctly across epochs.
func (r *EpochRunner) ValidateEpoch(ctx context.Context, name string, loader *async.Loader, epoch int) (*ValidationResult, error) {
	r.state = RunnerValidating
	defer func() { r.state = RunnerIdle }()

	r.Model.Eval()
	defer r.Model.Train()

	if err := loader.Start(ctx, epoch); err != nil {
		return nil, fmt.Errorf("failed to start validation loader: %v", err)
	}
	defer loader.Stop()

	cm, err := NewConfusionMatrix(r.NumClasses, r.IgnoreIndex)
	if err != nil {
		return nil, err
	}

	pb := NewProgressBar(name, loader.NumBatches(), r.DisableProgress)

	var lossSum, weightSum float64
	samples := 0
	step := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}

		output, err := r.Model.Forward(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %v", err)
		}
		lossVal, err := r.Loss.Forward(output, batch.Masks)
		if err != nil {
			return nil, fmt.Errorf("loss computation failed: %v", err)
		}
		if err := cm.UpdateFromLogits(output, batch.Masks); err != nil {
			return nil, fmt.Errorf("metric update failed: %v", err)
		}

		size := float64(batch.Size)
		r.Logger.LogWeighted(ValLossColumn(name), lossVal, size)
		lossSum += lossVal * size
		weightSum += size
		samples += batch.Size

		step++
		pb.Update(step, map[string]float64{"loss": lossVal})
	}
	pb.Finish()

	if weightSum == 0 {
		return nil, fmt.Errorf("validation loader for %s produced no batches", name)
	}

	metrics, err := cm.Metrics()
	if err != nil {
		return nil, err
	}
	for _, m := range PerformanceMetrics {
		r.Logger.LogWeighted(MetricColumn(m, name), metrics[m.String()], float64(samples))
	}

	return &ValidationResult{
		Dataset: name,
		Loss:    lossSum / weightSum,
		Metrics: metrics,
		Samples: samples,
	}, nil
}

// Preflight probes every validation dataset with a single batch before the
// first epoch: the loader must produce a batch, the model must run forward
// on it, and every metric must compute. Each failure is tagged with its
// stage and dataset.
func (r *EpochRunner) Preflight(ctx context.Context, valids *dataset.ValidationSets, batchSize int) (*PreflightResult, error) {
	result := &PreflightResult{}

	for _, name := range valids.Names {
		ds := valids.Sets[name]

		probe, err := async.NewLoader(ds, async.Options{BatchSize: batchSize})
		if err != nil {
			return nil, &SanityCheckError{Stage: StageDataLoader, Dataset: name, Err: err}
		}
		if err := probe.Start(ctx, 0); err != nil {
			return nil, &SanityCheckError{Stage: StageDataLoader, Dataset: name, Err: err}
		}
		batch, err := probe.Next()
		probe.Stop()
		if err != nil {
			return nil, &SanityCheckError{Stage: StageDataLoader, Dataset: name, Err: err}
		}

		r.Model.Eval()
		output, err := r.Model.Forward(batch.Images)
		r.Model.Train()
		if err != nil {
			return nil, &SanityCheckError{Stage: StageModel, Dataset: name, Err: err}
		}

		cm, err := NewConfusionMatrix(r.NumClasses, r.IgnoreIndex)
		if err != nil {
			return nil, &SanityCheckError{Stage: StageMetric, Dataset: name, Err: err}
		}
		if _, err := r.Loss.Forward(output, batch.Masks); err != nil {
			return nil, &SanityCheckError{Stage: StageMetric, Dataset: name, Err: err}
		}
		if err := cm.UpdateFromLogits(output, batch.Masks); err != nil {
			return nil, &SanityCheckError{Stage: StageMetric, Dataset: name, Err: err}
		}
		metrics, err := cm.Metrics()
		if err != nil {
			return nil, &SanityCheckError{Stage: StageMetric, Dataset: name, Err: err}
		}

		result.Datasets = append(result.Datasets, PreflightDataset{
			Name:        name,
			Samples:     ds.Len(),
			BatchShape:  append([]int(nil), batch.Images.Shape...),
			OutputShape: append([]int(nil), output.Shape...),
			Metrics:     metrics,
		})
	}

	return result, nil
}

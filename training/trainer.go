package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vesselab/vesstrain/async"
	"github.com/vesselab/vesstrain/augment"
	"github.com/vesselab/vesstrain/checkpoints"
	"github.com/vesselab/vesstrain/dataset"
	"github.com/vesselab/vesstrain/tensor"
)

// Files written into the run directory.
const (
	LogFile        = "log.csv"
	PlotFile       = "plots.png"
	CheckpointFile = "checkpoint.pt"
	BestModelFile  = "best_model.pt"
	ConfigFile     = "config.yaml"
	ModelsDir      = "models"
)

// InterruptedTraining is returned by Fit when the run was cancelled. It is
// a terminal state, not a failure: teardown has already completed and the
// Summary is valid.
type InterruptedTraining struct {
	Epoch int
}

func (e *InterruptedTraining) Error() string {
	return fmt.Sprintf("training interrupted at epoch %d", e.Epoch)
}

// TrainingContext is the explicit mutable state of a run. It is owned by
// the Trainer and snapshot into every checkpoint, so a restored run
// continues with the same seed, epoch position and best-metric bookkeeping.
type TrainingContext struct {
	Seed       int64
	Device     *Device
	StartEpoch int
	Epoch      int

	BestMetric               float64
	BestEpoch                int
	EpochsWithoutImprovement int
}

// Summary reports how a run ended.
type Summary struct {
	EpochsRun    int
	BestMetric   float64
	BestEpoch    int
	EarlyStopped bool
	Interrupted  bool
	Preflight    *PreflightResult
}

// TrainerOptions carries the pieces that cannot be expressed in the flat
// Config: constructed values and dataset-specific statistics. Zero value
// fields fall back to defaults.
type TrainerOptions struct {
	// Transform applied to training samples. When nil one is built from
	// Config.Augmentation, Config.CropSize and Mean/Std.
	Transform augment.Transform
	// ValidTransform applied to validation samples. Defaults to plain
	// 0-255 to 0-1 scaling.
	ValidTransform augment.Transform
	// Mean and Std feed the default training normalization.
	Mean []float32
	Std  []float32
	// ClassWeights rescale the loss per class, overriding Config.ClassWeights.
	ClassWeights []float32
	// Tracker overrides the config-derived tracker.
	Tracker Tracker
	// Plotter overrides the default metric plot renderer.
	Plotter PlotRenderer
	// PlotGroups overrides the default figure layout.
	PlotGroups []PlotGroup
}

// Trainer owns the epoch loop: scheduling, validation cadence, best-model
// selection, early stopping, checkpointing and teardown. Construction
// resolves every configured name into a concrete strategy so the loop
// itself never dispatches on strings.
type Trainer struct {
	Context *TrainingContext
	Tracker Tracker

	cfg    Config
	model  Module
	loss   Loss
	optim  Optimizer
	sched  LRScheduler
	scaler *LossScaler
	logger *RunLogger
	runner *EpochRunner

	train       dataset.Dataset
	valids      *dataset.ValidationSets
	ignoreIndex int

	transform      augment.Transform
	validTransform augment.Transform
	plotter        PlotRenderer
	profiler       *Profiler

	runName        string
	runDir         string
	better         func(candidate, best float64) bool
	resolvedMetric string
}

// NewTrainer validates the configuration, resolves optimizer, loss,
// scheduler and device, builds the augmentation pipelines and creates the
// run directory.
func NewTrainer(cfg Config, model Module, train dataset.Dataset, valids *dataset.ValidationSets, ignoreIndex int, opts *TrainerOptions) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, &ConfigurationError{Field: "model", Reason: "no model provided"}
	}
	if train == nil || train.Len() == 0 {
		return nil, &ConfigurationError{Field: "dataset_path", Reason: "training dataset is empty"}
	}
	if valids == nil || valids.Len() == 0 {
		return nil, &ConfigurationError{Field: "dataset_path", Reason: "no validation datasets"}
	}
	if opts == nil {
		opts = &TrainerOptions{}
	}

	device, err := ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	if cfg.Benchmark {
		SetComputeThreads(device.Threads(cfg.Deterministic))
	} else {
		SetComputeThreads(1)
	}

	classWeights := opts.ClassWeights
	if classWeights == nil {
		classWeights = cfg.ClassWeights
	}

	lossKind, err := ParseLossKind(cfg.LossFunction)
	if err != nil {
		return nil, &ConfigurationError{Field: "loss_function", Reason: err.Error()}
	}
	loss, err := NewLoss(lossKind, cfg.NumClasses, classWeights, ignoreIndex)
	if err != nil {
		return nil, &ConfigurationError{Field: "loss_function", Reason: err.Error()}
	}

	optimKind, err := ParseOptimizerKind(cfg.Optimizer)
	if err != nil {
		return nil, &ConfigurationError{Field: "optimizer", Reason: err.Error()}
	}
	optim, err := NewOptimizerFromKind(optimKind, model.Parameters(), cfg.LR, cfg.Momentum, cfg.WeightDecay)
	if err != nil {
		return nil, &ConfigurationError{Field: "optimizer", Reason: err.Error()}
	}

	mean := opts.Mean
	if mean == nil {
		mean = []float32{dataset.MeanIntensity}
	}
	std := opts.Std
	if std == nil {
		std = []float32{dataset.StdIntensity}
	}
	transform := opts.Transform
	if transform == nil {
		switch cfg.Augmentation {
		case "simple":
			transform = augment.Simple(cfg.CropSize, cfg.CropSize, mean, std)
		default:
			transform = augment.Full(cfg.CropSize, cfg.CropSize, mean, std)
		}
	}
	validTransform := opts.ValidTransform
	if validTransform == nil {
		validTransform = augment.NewBuilder().
			Add(&augment.Normalize{Mean: []float32{0}, Std: []float32{1}}).
			Build()
	}

	tracker := opts.Tracker
	if tracker == nil {
		if cfg.LogWandb {
			tcfg := DefaultTrackerConfig()
			if cfg.TrackerURL != "" {
				tcfg.BaseURL = cfg.TrackerURL
			}
			tracker = NewHTTPTracker(tcfg)
		} else {
			tracker = NoopTracker{}
		}
	}

	plotter := opts.Plotter
	if plotter == nil {
		groups := opts.PlotGroups
		if groups == nil {
			groups = DefaultPlotGroups(valids.Names)
		}
		plotter = NewMetricPlotter(groups)
	}

	runName := cfg.RunName
	if runName == "" {
		runName = time.Now().Format(TimestampFormat)
	}
	runDir := filepath.Join(cfg.RunDir, runName)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %v", err)
	}

	var profiler *Profiler
	if cfg.Profile {
		profiler = NewProfiler(runDir, cfg.ProfileBatches, cfg.ProfileVerbosity)
	}

	logger := NewRunLogger()
	scaler := NewLossScaler(cfg.UseAMP)

	tctx := &TrainingContext{
		Seed:       cfg.Seed,
		Device:     device,
		BestEpoch:  -1,
		BestMetric: math.Inf(-1),
	}
	if !cfg.MaximizeValidationMetric {
		tctx.BestMetric = math.Inf(1)
	}
	better := func(candidate, best float64) bool { return candidate > best }
	if !cfg.MaximizeValidationMetric {
		better = func(candidate, best float64) bool { return candidate < best }
	}

	t := &Trainer{
		Context: tctx,
		Tracker: tracker,

		cfg:    cfg,
		model:  model,
		loss:   loss,
		optim:  optim,
		sched:  NewPolynomialLRScheduler(cfg.NumEpochs, cfg.LRDecay),
		scaler: scaler,
		logger: logger,
		runner: &EpochRunner{
			Model:           model,
			Loss:            loss,
			Optim:           optim,
			Scaler:          scaler,
			Logger:          logger,
			NumClasses:      cfg.NumClasses,
			IgnoreIndex:     ignoreIndex,
			DisableProgress: cfg.DisableTqdm,
			Profiler:        profiler,
		},

		train:       train,
		valids:      valids,
		ignoreIndex: ignoreIndex,

		transform:      transform,
		validTransform: validTransform,
		plotter:        plotter,
		profiler:       profiler,

		runName: runName,
		runDir:  runDir,
		better:  better,
	}
	return t, nil
}

// RunDir returns the directory all run artifacts are written to.
func (t *Trainer) RunDir() string {
	return t.runDir
}

// Logger exposes the metric log, mainly for inspection after Fit.
func (t *Trainer) Logger() *RunLogger {
	return t.logger
}

// Fit executes the training loop until completion, early stop, or
// cancellation of ctx. Cancellation is graceful: the loop stops at the next
// batch boundary, teardown still writes every artifact, and the returned
// error is *InterruptedTraining wrapping no failure.
func (t *Trainer) Fit(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{BestEpoch: -1, BestMetric: t.Context.BestMetric}

	if err := t.Tracker.Init(t.runName, t.cfg.AsMap()); err != nil {
		return nil, fmt.Errorf("tracker initialization failed: %v", err)
	}

	preflight, err := t.runner.Preflight(ctx, t.valids, t.cfg.BatchSizeValid)
	if err != nil {
		t.teardown(start)
		return nil, err
	}
	summary.Preflight = preflight

	trainLoader, err := async.NewLoader(t.train, async.Options{
		BatchSize:  t.cfg.BatchSizeTrain,
		Shuffle:    true,
		NumWorkers: t.cfg.NumWorkers,
		Prefetch:   t.prefetchDepth(),
		Seed:       t.Context.Seed,
		Transform:  t.transform,
	})
	if err != nil {
		t.teardown(start)
		return nil, &ConfigurationError{Field: "bs_train", Reason: err.Error()}
	}

	validLoaders := make(map[string]*async.Loader, t.valids.Len())
	for _, name := range t.valids.Names {
		loader, err := async.NewLoader(t.valids.Sets[name], async.Options{
			BatchSize:  t.cfg.BatchSizeValid,
			NumWorkers: t.cfg.NumWorkers,
			Prefetch:   t.prefetchDepth(),
			Seed:       t.Context.Seed,
			Transform:  t.validTransform,
		})
		if err != nil {
			t.teardown(start)
			return nil, &ConfigurationError{Field: "bs_valid", Reason: err.Error()}
		}
		validLoaders[name] = loader
	}

	numEpochs := t.cfg.NumEpochs
	if t.cfg.Profile && numEpochs > 2 {
		numEpochs = 2
	}

	var interrupted bool
	var runErr error

	for epoch := t.Context.StartEpoch; epoch < numEpochs; epoch++ {
		t.Context.Epoch = epoch
		t.optim.SetLR(t.sched.GetLR(epoch, 0, t.cfg.LR))

		if _, err := t.runner.TrainEpoch(ctx, trainLoader, epoch); err != nil {
			if isCancellation(err) {
				interrupted = true
				break
			}
			runErr = err
			break
		}

		validated := epoch == 0 || epoch == numEpochs-1 || epoch%t.cfg.ValidateEvery == 0
		if validated {
			if err := t.validate(ctx, validLoaders, epoch); err != nil {
				if isCancellation(err) {
					interrupted = true
					break
				}
				runErr = err
				break
			}
		}

		row := t.logger.EndEpoch(epoch)
		summary.EpochsRun = epoch - t.Context.StartEpoch + 1

		if validated {
			stop, err := t.updateBest(row, epoch)
			if err != nil {
				runErr = err
				break
			}
			if t.cfg.SaveValImgs {
				if err := SaveValidationImages(t.model, t.valids, t.cfg.ValImgIndices, t.cfg.NumClasses, t.runDir, epoch); err != nil {
					runErr = err
					break
				}
			}
			if stop {
				summary.EarlyStopped = true
			}
		}

		if err := t.Tracker.LogMetrics(epoch, row); err != nil {
			runErr = fmt.Errorf("tracker logging failed: %v", err)
			break
		}
		if err := t.persistEpoch(epoch); err != nil {
			runErr = err
			break
		}
		if summary.EarlyStopped {
			break
		}
	}

	teardownErr := t.teardown(start)

	summary.BestMetric = t.Context.BestMetric
	summary.BestEpoch = t.Context.BestEpoch
	summary.Interrupted = interrupted

	if runErr != nil {
		return summary, runErr
	}
	if teardownErr != nil {
		return summary, teardownErr
	}
	if interrupted {
		return summary, &InterruptedTraining{Epoch: t.Context.Epoch}
	}
	return summary, nil
}

// validate runs every validation dataset sequentially, in registration
// order. Passes share the model, so they must not overlap.
func (t *Trainer) validate(ctx context.Context, loaders map[string]*async.Loader, epoch int) error {
	for _, name := range t.valids.Names {
		if _, err := t.runner.ValidateEpoch(ctx, name, loaders[name], epoch); err != nil {
			return err
		}
	}
	return nil
}

// metricColumnName resolves the configured validation metric against the
// logged columns once. A bare metric name like "Dice" binds to the first
// validation dataset; otherwise the name must match a column exactly.
func (t *Trainer) metricColumnName(row map[string]float64) (string, error) {
	if t.resolvedMetric != "" {
		return t.resolvedMetric, nil
	}
	name := t.cfg.ValidationMetric
	if _, ok := row[name]; ok {
		t.resolvedMetric = name
		return name, nil
	}
	if m, err := ParseMetricType(name); err == nil {
		qualified := MetricColumn(m, t.valids.Names[0])
		if _, ok := row[qualified]; ok {
			t.resolvedMetric = qualified
			return qualified, nil
		}
	}
	return "", &ConfigurationError{
		Field: "validation_metric",
		Reason: fmt.Sprintf("%q was not logged this epoch; available: %s",
			name, strings.Join(sortedKeys(row), ", ")),
	}
}

// updateBest applies the improvement comparator to the epoch row and
// maintains the early stopping counter. It returns true when patience is
// exhausted.
func (t *Trainer) updateBest(row map[string]float64, epoch int) (bool, error) {
	column, err := t.metricColumnName(row)
	if err != nil {
		return false, err
	}
	score := row[column]

	if t.better(score, t.Context.BestMetric) {
		t.Context.BestMetric = score
		t.Context.BestEpoch = epoch
		t.Context.EpochsWithoutImprovement = 0
		if err := t.saveCheckpoint(filepath.Join(t.runDir, BestModelFile)); err != nil {
			return false, fmt.Errorf("failed to save best model: %v", err)
		}
		return false, nil
	}

	t.Context.EpochsWithoutImprovement++
	if t.cfg.Patience != nil && t.Context.EpochsWithoutImprovement > *t.cfg.Patience {
		return true, nil
	}
	return false, nil
}

// persistEpoch writes the rolling artifacts after an epoch: latest
// checkpoint, optional numbered copy, metric log and plots.
func (t *Trainer) persistEpoch(epoch int) error {
	if err := t.saveCheckpoint(filepath.Join(t.runDir, CheckpointFile)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %v", err)
	}
	if t.cfg.CopyModelEvery > 0 && epoch%t.cfg.CopyModelEvery == 0 {
		dir := filepath.Join(t.runDir, ModelsDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create models directory: %v", err)
		}
		name := fmt.Sprintf("checkpoint_%d.pt", epoch)
		if err := t.saveCheckpoint(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to save model copy: %v", err)
		}
	}
	if err := t.logger.WriteCSV(filepath.Join(t.runDir, LogFile)); err != nil {
		return err
	}
	return t.plotter.Render(t.logger, filepath.Join(t.runDir, PlotFile))
}

// teardown finalizes a run regardless of how the loop ended: it stops
// profiling, closes the tracker and records the configuration with both
// timestamps. The first error is reported but later steps still run.
func (t *Trainer) teardown(start time.Time) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(t.profiler.Stop())
	if t.logger.NumEpochs() > 0 {
		keep(t.logger.WriteCSV(filepath.Join(t.runDir, LogFile)))
		keep(t.plotter.Render(t.logger, filepath.Join(t.runDir, PlotFile)))
	}
	keep(t.Tracker.Finish())
	keep(t.cfg.Save(filepath.Join(t.runDir, ConfigFile), start, time.Now()))
	return firstErr
}

// modelState snapshots every named parameter for serialization.
func (t *Trainer) modelState() map[string]checkpoints.TensorState {
	model := make(map[string]checkpoints.TensorState)
	for name, param := range namedParameters(t.model) {
		model[name] = checkpoints.TensorState{
			Shape: append([]int(nil), param.Shape...),
			Data:  append([]float32(nil), param.Data...),
		}
	}
	return model
}

// ExportONNX writes the current model weights as an ONNX file, for example
// to hand a trained segmenter to another runtime. Optimizer and scheduler
// state are not part of the format.
func (t *Trainer) ExportONNX(path string) error {
	cp := &checkpoints.Checkpoint{Model: t.modelState()}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).SaveCheckpoint(cp, path)
}

// saveCheckpoint snapshots model weights, optimizer buffers, scheduler and
// training context into one file.
func (t *Trainer) saveCheckpoint(path string) error {
	model := t.modelState()

	opt := t.optim.StateDict()
	scale, goodSteps := t.scaler.State()

	cp := &checkpoints.Checkpoint{
		CreatedAt: time.Now().UTC(),
		Model:     model,
		Optimizer: checkpoints.OptimizerState{
			Type:         opt.Type,
			LearningRate: opt.LearningRate,
			StepCount:    opt.StepCount,
			Buffers:      opt.Buffers,
		},
		Scheduler: checkpoints.SchedulerState{
			Name:  t.sched.GetName(),
			Epoch: t.Context.Epoch,
		},
		Training: checkpoints.TrainingState{
			Epoch:                    t.Context.Epoch,
			Seed:                     t.Context.Seed,
			BestMetric:               t.Context.BestMetric,
			BestEpoch:                t.Context.BestEpoch,
			EpochsWithoutImprovement: t.Context.EpochsWithoutImprovement,
			LearningRate:             t.optim.GetLR(),
			ScalerScale:              scale,
			ScalerGoodSteps:          goodSteps,
		},
	}
	return checkpoints.Save(path, cp)
}

// LoadCheckpoint restores model weights, optimizer buffers and training
// context from a checkpoint written by this trainer. The next Fit resumes
// at the epoch after the snapshot.
func (t *Trainer) LoadCheckpoint(path string) error {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return err
	}

	params := namedParameters(t.model)
	if len(params) != len(cp.Model) {
		return fmt.Errorf("checkpoint has %d parameter tensors, model has %d", len(cp.Model), len(params))
	}
	for name, param := range params {
		state, ok := cp.Model[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %q", name)
		}
		if !tensor.ShapeEqual(state.Shape, param.Shape) {
			return fmt.Errorf("parameter %q has shape %v in checkpoint, %v in model", name, state.Shape, param.Shape)
		}
		if err := param.SetData(state.Data); err != nil {
			return fmt.Errorf("failed to restore parameter %q: %v", name, err)
		}
	}

	if err := t.optim.LoadStateDict(OptimizerState{
		Type:         cp.Optimizer.Type,
		LearningRate: cp.Optimizer.LearningRate,
		StepCount:    cp.Optimizer.StepCount,
		Buffers:      cp.Optimizer.Buffers,
	}); err != nil {
		return err
	}

	t.Context.Seed = cp.Training.Seed
	t.Context.Epoch = cp.Training.Epoch
	t.Context.StartEpoch = cp.Training.Epoch + 1
	t.Context.BestMetric = cp.Training.BestMetric
	t.Context.BestEpoch = cp.Training.BestEpoch
	t.Context.EpochsWithoutImprovement = cp.Training.EpochsWithoutImprovement
	t.scaler.SetState(cp.Training.ScalerScale, cp.Training.ScalerGoodSteps)
	return nil
}

// prefetchDepth widens the loader queue when benchmark mode trades memory
// for throughput.
func (t *Trainer) prefetchDepth() int {
	if t.cfg.Benchmark && t.cfg.NumWorkers > 0 {
		return 4 * t.cfg.NumWorkers
	}
	return 0
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// namedParameters resolves stable parameter names for checkpointing,
// falling back to positional names for models that do not expose their own.
func namedParameters(model Module) map[string]*tensor.Tensor {
	if nm, ok := model.(interface {
		NamedParameters() map[string]*tensor.Tensor
	}); ok {
		return nm.NamedParameters()
	}
	named := make(map[string]*tensor.Tensor)
	for i, p := range model.Parameters() {
		named[fmt.Sprintf("param.%d", i)] = p
	}
	return named
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package training

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TimestampFormat is used for the start and end times recorded alongside a
// run's configuration.
const TimestampFormat = "2006-01-02-15:04:05"

// ConfigurationError reports an invalid or unrecognized configuration value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config is the full configuration surface of a training run. Zero values
// are not meaningful for most fields; start from DefaultConfig and override.
type Config struct {
	DatasetPath string `yaml:"dataset_path"`
	Seed        int64  `yaml:"seed"`
	Device      string `yaml:"device"`

	BatchSizeTrain int `yaml:"bs_train"`
	BatchSizeValid int `yaml:"bs_valid"`
	NumWorkers     int `yaml:"num_workers"`
	NumEpochs      int `yaml:"num_epochs"`

	Optimizer    string  `yaml:"optimizer"`
	LR           float64 `yaml:"lr"`
	LRDecay      float64 `yaml:"lr_decay"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
	LossFunction string  `yaml:"loss_function"`

	ValidationMetric         string `yaml:"validation_metric"`
	MaximizeValidationMetric bool   `yaml:"maximize_validation_metric"`
	Patience                 *int   `yaml:"patience,omitempty"`
	ValidateEvery            int    `yaml:"validate_every"`

	UseAMP        bool `yaml:"use_amp"`
	Deterministic bool `yaml:"deterministic"`
	Benchmark     bool `yaml:"benchmark"`

	Profile          bool `yaml:"profile"`
	ProfileBatches   int  `yaml:"profile_batches"`
	ProfileVerbosity int  `yaml:"profile_verbosity"`

	DisableTqdm bool   `yaml:"disable_tqdm"`
	LogWandb    bool   `yaml:"log_wandb"`
	TrackerURL  string `yaml:"tracker_url,omitempty"`

	CopyModelEvery int   `yaml:"copy_model_every"`
	SaveValImgs    bool  `yaml:"save_val_imgs"`
	ValImgIndices  []int `yaml:"val_img_indices,omitempty"`

	// Model and data shape.
	NumClasses     int       `yaml:"num_classes"`
	NumChannels    int       `yaml:"num_channels"`
	HiddenChannels int       `yaml:"hidden_channels"`
	ClassWeights   []float32 `yaml:"class_weights,omitempty"`
	CropSize       int       `yaml:"crop_size"`
	TrainValSplit  float64   `yaml:"train_val_split"`
	Augmentation   string    `yaml:"augmentation"`

	RunName string `yaml:"run_name,omitempty"`
	RunDir  string `yaml:"run_dir"`
}

// DefaultConfig returns a configuration with working defaults for vessel
// segmentation runs. Callers override what they need and then Validate.
func DefaultConfig() Config {
	return Config{
		Seed:   0,
		Device: "cpu",

		BatchSizeTrain: 4,
		BatchSizeValid: 8,
		NumWorkers:     2,
		NumEpochs:      10,

		Optimizer:    "sgd",
		LR:           0.01,
		LRDecay:      0.9,
		WeightDecay:  0,
		Momentum:     0.9,
		LossFunction: "cross_entropy",

		ValidationMetric:         "Dice",
		MaximizeValidationMetric: true,
		ValidateEvery:            1,

		ProfileBatches:   4,
		ProfileVerbosity: 1,

		NumClasses:     2,
		NumChannels:    1,
		HiddenChannels: 8,
		CropSize:       128,
		Augmentation:   "full",

		RunDir: "runs",
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %v", err)
	}
	return cfg, nil
}

// Validate checks every field and resolves enumerated options. The first
// offending field is reported as a ConfigurationError.
func (c *Config) Validate() error {
	if c.BatchSizeTrain < 1 {
		return &ConfigurationError{Field: "bs_train", Reason: fmt.Sprintf("must be at least 1, got %d", c.BatchSizeTrain)}
	}
	if c.BatchSizeValid < 1 {
		return &ConfigurationError{Field: "bs_valid", Reason: fmt.Sprintf("must be at least 1, got %d", c.BatchSizeValid)}
	}
	if c.NumWorkers < 0 {
		return &ConfigurationError{Field: "num_workers", Reason: fmt.Sprintf("must not be negative, got %d", c.NumWorkers)}
	}
	if c.NumEpochs < 1 {
		return &ConfigurationError{Field: "num_epochs", Reason: fmt.Sprintf("must be at least 1, got %d", c.NumEpochs)}
	}
	if _, err := ParseOptimizerKind(c.Optimizer); err != nil {
		return &ConfigurationError{Field: "optimizer", Reason: err.Error()}
	}
	if c.LR <= 0 {
		return &ConfigurationError{Field: "lr", Reason: fmt.Sprintf("must be positive, got %g", c.LR)}
	}
	if c.LRDecay <= 0 {
		return &ConfigurationError{Field: "lr_decay", Reason: fmt.Sprintf("must be positive, got %g", c.LRDecay)}
	}
	if c.WeightDecay < 0 {
		return &ConfigurationError{Field: "weight_decay", Reason: fmt.Sprintf("must not be negative, got %g", c.WeightDecay)}
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return &ConfigurationError{Field: "momentum", Reason: fmt.Sprintf("must be in [0, 1), got %g", c.Momentum)}
	}
	if _, err := ParseLossKind(c.LossFunction); err != nil {
		return &ConfigurationError{Field: "loss_function", Reason: err.Error()}
	}
	// The validation metric is a logged column name such as "Dice VessMAP",
	// so it can only be resolved against the log once validation has run.
	if c.ValidationMetric == "" {
		return &ConfigurationError{Field: "validation_metric", Reason: "must name a logged metric"}
	}
	if c.Patience != nil && *c.Patience < 0 {
		return &ConfigurationError{Field: "patience", Reason: fmt.Sprintf("must not be negative, got %d", *c.Patience)}
	}
	if c.ValidateEvery < 1 {
		return &ConfigurationError{Field: "validate_every", Reason: fmt.Sprintf("must be at least 1, got %d", c.ValidateEvery)}
	}
	if c.Deterministic && c.Benchmark {
		return &ConfigurationError{Field: "benchmark", Reason: "cannot be combined with deterministic"}
	}
	if c.Profile && c.ProfileBatches < 1 {
		return &ConfigurationError{Field: "profile_batches", Reason: fmt.Sprintf("must be at least 1, got %d", c.ProfileBatches)}
	}
	if c.CopyModelEvery < 0 {
		return &ConfigurationError{Field: "copy_model_every", Reason: fmt.Sprintf("must not be negative, got %d", c.CopyModelEvery)}
	}
	for _, idx := range c.ValImgIndices {
		if idx < 0 {
			return &ConfigurationError{Field: "val_img_indices", Reason: fmt.Sprintf("indices must not be negative, got %d", idx)}
		}
	}
	if c.NumClasses < 2 {
		return &ConfigurationError{Field: "num_classes", Reason: fmt.Sprintf("must be at least 2, got %d", c.NumClasses)}
	}
	if c.NumChannels < 1 {
		return &ConfigurationError{Field: "num_channels", Reason: fmt.Sprintf("must be at least 1, got %d", c.NumChannels)}
	}
	if c.HiddenChannels < 1 {
		return &ConfigurationError{Field: "hidden_channels", Reason: fmt.Sprintf("must be at least 1, got %d", c.HiddenChannels)}
	}
	if len(c.ClassWeights) > 0 && len(c.ClassWeights) != c.NumClasses {
		return &ConfigurationError{Field: "class_weights", Reason: fmt.Sprintf("expected %d weights, got %d", c.NumClasses, len(c.ClassWeights))}
	}
	for _, w := range c.ClassWeights {
		if w <= 0 {
			return &ConfigurationError{Field: "class_weights", Reason: fmt.Sprintf("weights must be positive, got %g", w)}
		}
	}
	if c.CropSize < 1 {
		return &ConfigurationError{Field: "crop_size", Reason: fmt.Sprintf("must be at least 1, got %d", c.CropSize)}
	}
	if c.TrainValSplit < 0 || c.TrainValSplit >= 1 {
		return &ConfigurationError{Field: "train_val_split", Reason: fmt.Sprintf("must be in [0, 1), got %g", c.TrainValSplit)}
	}
	switch c.Augmentation {
	case "simple", "full":
	default:
		return &ConfigurationError{Field: "augmentation", Reason: fmt.Sprintf("must be simple or full, got %q", c.Augmentation)}
	}
	if _, err := ResolveDevice(c.Device); err != nil {
		return err
	}
	return nil
}

// savedConfig is the on-disk form of a run's configuration, extended with
// the wall clock bounds of the run.
type savedConfig struct {
	Config         `yaml:",inline"`
	TimestampStart string `yaml:"timestamp_start,omitempty"`
	TimestampEnd   string `yaml:"timestamp_end,omitempty"`
}

// Save writes the configuration to path as YAML, recording the run's start
// and, when nonzero, end timestamps.
func (c *Config) Save(path string, start, end time.Time) error {
	out := savedConfig{Config: *c}
	if !start.IsZero() {
		out.TimestampStart = start.Format(TimestampFormat)
	}
	if !end.IsZero() {
		out.TimestampEnd = end.Format(TimestampFormat)
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %v", err)
	}
	return nil
}

// AsMap flattens the configuration for the experiment tracker.
func (c *Config) AsMap() map[string]interface{} {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

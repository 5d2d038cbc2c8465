// Package checkpoints serializes training snapshots. The native format is
// indented JSON holding model weights, optimizer buffers and the trainer's
// bookkeeping; weights can additionally be exported to ONNX for inference
// outside this module.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// TensorState is one parameter tensor's snapshot.
type TensorState struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific buffers (momentum, moment
// estimates) keyed the way the optimizer itself keys them.
type OptimizerState struct {
	Type         string               `json:"type"`
	LearningRate float64              `json:"learning_rate"`
	StepCount    int64                `json:"step_count"`
	Buffers      map[string][]float32 `json:"buffers,omitempty"`
}

// SchedulerState records which schedule was active and where it stood.
type SchedulerState struct {
	Name  string `json:"name"`
	Epoch int    `json:"epoch"`
}

// TrainingState captures the trainer's cross-epoch bookkeeping.
type TrainingState struct {
	Epoch                    int     `json:"epoch"`
	Seed                     int64   `json:"seed"`
	BestMetric               float64 `json:"best_metric"`
	BestEpoch                int     `json:"best_epoch"`
	EpochsWithoutImprovement int     `json:"epochs_without_improvement"`
	LearningRate             float64 `json:"learning_rate"`
	ScalerScale              float64 `json:"scaler_scale,omitempty"`
	ScalerGoodSteps          int     `json:"scaler_good_steps,omitempty"`
}

// Checkpoint represents a complete run state: weights, optimizer buffers,
// scheduler position and training metadata.
type Checkpoint struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	Model     map[string]TensorState `json:"model"`
	Optimizer OptimizerState         `json:"optimizer"`
	Scheduler SchedulerState         `json:"scheduler"`
	Training  TrainingState          `json:"training"`
}

// CheckpointSaver reads and writes checkpoints in a fixed format.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().Export(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().Import(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Save writes a checkpoint in the native JSON format.
func Save(path string, checkpoint *Checkpoint) error {
	return saveJSON(checkpoint, path)
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	return loadJSON(path)
}

func saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Framework == "" {
		checkpoint.Framework = "vesstrain"
		checkpoint.Version = "1.0.0"
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

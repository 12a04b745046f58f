package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint directory layout: the trainer writes periodic snapshots as
// subdirectories of the output directory named "checkpoint-<step>", each
// holding a trainer state file and a model state file.
const (
	// Prefix is the naming convention for checkpoint subdirectories.
	Prefix = "checkpoint-"

	trainerStateFile = "trainer_state.json"
	modelStateFile   = "model_state.json"
)

// WeightTensor is a serialized model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerTensor is a serialized optimizer state tensor (momentum,
// variance, and the like).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// OptimizerState captures optimizer-specific state for resume.
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// Metadata identifies who wrote a checkpoint and when.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// ModelState is the serialized model: weights plus optimizer state.
type ModelState struct {
	Weights        []WeightTensor  `json:"weights"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// LogEntry is one row of the trainer's log history.
type LogEntry struct {
	Step         int                `json:"step"`
	Loss         float64            `json:"loss,omitempty"`
	LearningRate float64            `json:"learning_rate,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// TrainerState captures training progress for resume.
type TrainerState struct {
	GlobalStep          int        `json:"global_step"`
	MaxSteps            int        `json:"max_steps"`
	MetricName          string     `json:"metric_for_best_model"`
	GreaterIsBetter     bool       `json:"greater_is_better"`
	BestMetric          float64    `json:"best_metric"`
	BestModelCheckpoint string     `json:"best_model_checkpoint,omitempty"`
	LogHistory          []LogEntry `json:"log_history"`
}

// Dir returns the checkpoint directory path for a step.
func Dir(root string, step int) string {
	return filepath.Join(root, fmt.Sprintf("%s%d", Prefix, step))
}

// Save writes a complete checkpoint for the given step under root and
// returns the checkpoint directory path.
func Save(root string, step int, trainerState *TrainerState, modelState *ModelState) (string, error) {
	dir := Dir(root, step)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	if modelState.Metadata.Framework == "" {
		modelState.Metadata.Framework = "whisper-tune"
		modelState.Metadata.Version = "1.0.0"
		modelState.Metadata.CreatedAt = time.Now()
	}

	if err := saveJSON(filepath.Join(dir, trainerStateFile), trainerState); err != nil {
		return "", err
	}
	if err := saveJSON(filepath.Join(dir, modelStateFile), modelState); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadTrainerState reads the trainer state from a checkpoint directory.
func LoadTrainerState(dir string) (*TrainerState, error) {
	var state TrainerState
	if err := loadJSON(filepath.Join(dir, trainerStateFile), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// LoadModelState reads the model state from a checkpoint directory.
func LoadModelState(dir string) (*ModelState, error) {
	var state ModelState
	if err := loadJSON(filepath.Join(dir, modelStateFile), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveModelState writes final model artifacts (weights without optimizer
// state) directly into dir, for the end-of-run model save.
func SaveModelState(dir string, modelState *ModelState) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model output directory: %v", err)
	}
	if modelState.Metadata.Framework == "" {
		modelState.Metadata.Framework = "whisper-tune"
		modelState.Metadata.Version = "1.0.0"
		modelState.Metadata.CreatedAt = time.Now()
	}
	return saveJSON(filepath.Join(dir, modelStateFile), modelState)
}

// saveJSON writes v to path with the indentation used across the
// project's JSON artifacts.
func saveJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func loadJSON(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return nil
}

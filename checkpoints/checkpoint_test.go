package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStates() (*TrainerState, *ModelState) {
	trainerState := &TrainerState{
		GlobalStep:      1000,
		MaxSteps:        14000,
		MetricName:      "wer",
		GreaterIsBetter: false,
		BestMetric:      42.5,
		LogHistory: []LogEntry{
			{Step: 25, Loss: 3.2, LearningRate: 6.25e-7},
			{Step: 1000, Metrics: map[string]float64{"eval_wer": 42.5}},
		},
	}
	modelState := &ModelState{
		Weights: []WeightTensor{
			{Name: "model.encoder.layers.0.fc.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
			{Name: "model.encoder.layers.0.fc.bias", Shape: []int{2}, Data: []float32{0.5, -0.5}},
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"beta1": 0.9},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2, 2}, Data: []float32{0, 0, 0, 0}, StateType: "momentum"},
			},
		},
	}
	return trainerState, modelState
}

func TestSaveLoadCheckpoint(t *testing.T) {
	root := t.TempDir()
	trainerState, modelState := sampleStates()

	dir, err := Save(root, 1000, trainerState, modelState)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "checkpoint-1000"), dir)

	loadedTrainer, err := LoadTrainerState(dir)
	require.NoError(t, err)
	assert.Equal(t, trainerState.GlobalStep, loadedTrainer.GlobalStep)
	assert.Equal(t, trainerState.BestMetric, loadedTrainer.BestMetric)
	assert.Len(t, loadedTrainer.LogHistory, 2)

	loadedModel, err := LoadModelState(dir)
	require.NoError(t, err)
	assert.Equal(t, modelState.Weights, loadedModel.Weights)
	require.NotNil(t, loadedModel.OptimizerState)
	assert.Equal(t, "Adam", loadedModel.OptimizerState.Type)
	assert.Equal(t, "whisper-tune", loadedModel.Metadata.Framework)
}

func TestSaveModelStateFinalArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	_, modelState := sampleStates()
	modelState.OptimizerState = nil

	require.NoError(t, SaveModelState(dir, modelState))

	loaded, err := LoadModelState(dir)
	require.NoError(t, err)
	assert.Nil(t, loaded.OptimizerState)
	assert.Equal(t, modelState.Weights, loaded.Weights)
}

func TestLoadMissingCheckpoint(t *testing.T) {
	_, err := LoadTrainerState(filepath.Join(t.TempDir(), "checkpoint-999"))
	assert.Error(t, err)
}

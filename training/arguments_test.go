package training

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/whisper-tune/model"
)

func TestArgumentsForSizeTable(t *testing.T) {
	tests := []struct {
		size        model.Size
		batchSize   int
		accumSteps  int
		lr          float64
		warmupSteps int
	}{
		{model.Tiny, 32, 1, 3.75e-5, 500},
		{model.Small, 16, 1, 1.25e-5, 500},
		{model.Medium, 8, 2, 6.25e-6, 500},
		{model.Large, 4, 4, 5e-6, 1000},
	}

	for _, tt := range tests {
		args, err := ArgumentsForSize(tt.size, 0, "/tmp/models")
		require.NoError(t, err, "size %s", tt.size)

		assert.Equal(t, tt.batchSize, args.PerDeviceTrainBatchSize, "size %s", tt.size)
		assert.Equal(t, tt.accumSteps, args.GradientAccumulationSteps, "size %s", tt.size)
		assert.Equal(t, tt.lr, args.LearningRate, "size %s", tt.size)
		assert.Equal(t, tt.warmupSteps, args.WarmupSteps, "size %s", tt.size)

		// Shared values.
		assert.Equal(t, 14000, args.MaxSteps)
		assert.Equal(t, 8, args.PerDeviceEvalBatchSize)
		assert.Equal(t, 1000, args.SaveSteps)
		assert.Equal(t, 1000, args.EvalSteps)
		assert.Equal(t, 25, args.LoggingSteps)
		assert.Equal(t, 5, args.SaveTotalLimit)
		assert.Equal(t, "wer", args.MetricForBestModel)
		assert.False(t, args.GreaterIsBetter)
		assert.True(t, args.LoadBestModelAtEnd)
		assert.Positive(t, args.LearningRate)
	}
}

func TestArgumentsForSizeUnknown(t *testing.T) {
	_, err := ArgumentsForSize(model.Size("huge"), 0, "/tmp/models")
	assert.ErrorContains(t, err, "no hyperparameter set")
}

func TestOutputDirNaming(t *testing.T) {
	tests := []struct {
		size         model.Size
		freezeLayers int
		want         string
	}{
		{model.Large, 3, "whisper-large-freezing-3"},
		{model.Large, 0, "whisper-large-vanilla"},
		{model.Small, 0, "whisper-small-vanilla"},
		{model.Small, 4, "whisper-small-vanilla"},
		{model.Tiny, 2, "whisper-tiny-vanilla"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, OutputDirName(tt.size, tt.freezeLayers),
			"size=%s freeze=%d", tt.size, tt.freezeLayers)
	}
}

func TestArgumentsOutputDirPlacement(t *testing.T) {
	args, err := ArgumentsForSize(model.Large, 30, "/data/trained_models")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/trained_models", "whisper-large-freezing-30"), args.OutputDir)
}

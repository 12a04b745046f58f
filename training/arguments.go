package training

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/whisper-tune/model"
)

// TrainingArguments holds the full configuration of one training run.
// Constructed once per run from the size table and passed explicitly to
// the trainer.
type TrainingArguments struct {
	OutputDir                 string
	PerDeviceTrainBatchSize   int
	GradientAccumulationSteps int
	LearningRate              float64
	WarmupSteps               int
	MaxSteps                  int
	PerDeviceEvalBatchSize    int
	PredictWithGenerate       bool
	GenerationMaxLength       int
	SaveSteps                 int
	EvalSteps                 int
	LoggingSteps              int
	SaveTotalLimit            int
	MetricForBestModel        string
	GreaterIsBetter           bool
	LoadBestModelAtEnd        bool
	Seed                      int64
}

// sizeTable maps each model size to its hyperparameter set. The values
// are fixed per size; batch size shrinks and accumulation grows with
// model capacity so the effective batch stays constant.
var sizeTable = map[model.Size]TrainingArguments{
	model.Tiny: {
		PerDeviceTrainBatchSize:   32,
		GradientAccumulationSteps: 1,
		LearningRate:              3.75e-5,
		WarmupSteps:               500,
	},
	model.Small: {
		PerDeviceTrainBatchSize:   16,
		GradientAccumulationSteps: 1,
		LearningRate:              1.25e-5,
		WarmupSteps:               500,
	},
	model.Medium: {
		PerDeviceTrainBatchSize:   8,
		GradientAccumulationSteps: 2,
		LearningRate:              6.25e-6,
		WarmupSteps:               500,
	},
	model.Large: {
		PerDeviceTrainBatchSize:   4,
		GradientAccumulationSteps: 4,
		LearningRate:              5e-6,
		WarmupSteps:               1000,
	},
}

// OutputDirName returns the run directory name for a size and
// freeze-layer count. Only the large model encodes the freeze count; a
// run without freezing is the "vanilla" configuration.
func OutputDirName(size model.Size, freezeLayers int) string {
	if size == model.Large && freezeLayers > 0 {
		return fmt.Sprintf("whisper-large-freezing-%d", freezeLayers)
	}
	return fmt.Sprintf("whisper-%s-vanilla", size)
}

// ArgumentsForSize returns the training configuration for a model size,
// with the output directory placed under outputRoot. Size validation
// happens at the command line before this lookup.
func ArgumentsForSize(size model.Size, freezeLayers int, outputRoot string) (TrainingArguments, error) {
	args, ok := sizeTable[size]
	if !ok {
		return TrainingArguments{}, fmt.Errorf("no hyperparameter set for model size %q", size)
	}

	args.OutputDir = filepath.Join(outputRoot, OutputDirName(size, freezeLayers))
	args.MaxSteps = 14000
	args.PerDeviceEvalBatchSize = 8
	args.PredictWithGenerate = true
	args.GenerationMaxLength = 225
	args.SaveSteps = 1000
	args.EvalSteps = 1000
	args.LoggingSteps = 25
	args.SaveTotalLimit = 5
	args.MetricForBestModel = "wer"
	args.GreaterIsBetter = false
	args.LoadBestModelAtEnd = true
	args.Seed = 42
	return args, nil
}

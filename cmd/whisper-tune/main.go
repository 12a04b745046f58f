// whisper-tune fine-tunes a pretrained speech-recognition model on a
// preprocessed dataset, selecting hyperparameters by model size,
// optionally freezing encoder layers, and resuming from checkpoints.
//
// Usage:
//
//	whisper-tune small
//	whisper-tune large --freeze-layers 30
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tsawler/whisper-tune/checkpoints"
	"github.com/tsawler/whisper-tune/dataset"
	"github.com/tsawler/whisper-tune/device"
	"github.com/tsawler/whisper-tune/engine"
	"github.com/tsawler/whisper-tune/model"
	"github.com/tsawler/whisper-tune/optimizer"
	"github.com/tsawler/whisper-tune/processor"
	"github.com/tsawler/whisper-tune/training"
)

const (
	targetLanguage = "english"
	targetTask     = "transcribe"
)

type runOptions struct {
	freezeLayers int
	dataRoot     string
	outputRoot   string
}

func newRootCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:           "whisper-tune <size>",
		Short:         "Fine-tune a speech-recognition model of the given size (tiny, small, medium, large)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := model.ParseSize(args[0])
			if err != nil {
				return err
			}
			if opts.freezeLayers < 0 {
				return fmt.Errorf("--freeze-layers must not be negative, got %d", opts.freezeLayers)
			}
			return run(size, opts)
		},
	}

	cmd.Flags().IntVar(&opts.freezeLayers, "freeze-layers", 0, "Number of encoder layers to freeze")
	cmd.Flags().StringVar(&opts.dataRoot, "data-root", filepath.Join("..", "..", "data_processed"), "Directory holding the preprocessed dataset dictionaries")
	cmd.Flags().StringVar(&opts.outputRoot, "output-root", filepath.Join("..", "..", "trained_models"), "Directory receiving trained model outputs")
	return cmd
}

// run executes a full training run. adjustments are applied to the
// size-derived arguments after the table lookup, letting callers shrink
// the step budget for smoke runs.
func run(size model.Size, opts *runOptions, adjustments ...func(*training.TrainingArguments)) error {
	start := time.Now()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dev := device.Resolve()
	logger.Info("using device", "kind", dev.Kind, "name", dev.Name,
		"cores", dev.LogicalCores, "vector_width", dev.VectorWidth)

	dataPath := filepath.Join(opts.dataRoot, fmt.Sprintf("dataset_dict_%s", size))
	data, err := dataset.LoadFromDisk(dataPath)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", "path", dataPath,
		"train", data.Train.Len(), "eval", data.Eval.Len(), "test", data.Test.Len())

	modelID := model.PretrainedID(size)
	m, err := model.FromPretrained(modelID)
	if err != nil {
		return err
	}
	proc, err := processor.FromPretrained(modelID, targetLanguage, targetTask)
	if err != nil {
		return err
	}

	if opts.freezeLayers > 0 {
		logger.Info("freezing encoder layers", "count", opts.freezeLayers)
		if err := m.FreezeEncoderLayers(opts.freezeLayers); err != nil {
			return err
		}
	} else {
		logger.Info("no encoder layers are frozen")
	}
	logger.Info("model set up finished", "id", modelID,
		"parameters", m.ParameterCount(), "trainable", m.TrainableParameterCount())

	args, err := training.ArgumentsForSize(size, opts.freezeLayers, opts.outputRoot)
	if err != nil {
		return err
	}
	for _, adjust := range adjustments {
		adjust(&args)
	}

	// Pin decoding to one language and task; generation must not inherit
	// conflicting forced-decoder overrides from the pretrained defaults.
	m.Generation.Language = targetLanguage
	m.Generation.Task = targetTask
	m.Generation.MaxLength = args.GenerationMaxLength
	m.Generation.ForcedDecoderIDs = nil

	adamCfg := optimizer.DefaultAdamConfig()
	adamCfg.LearningRate = float32(args.LearningRate)
	eng, err := engine.New(m, adamCfg)
	if err != nil {
		return err
	}

	resumeFrom, err := checkpoints.Latest(args.OutputDir)
	if err != nil {
		return err
	}
	if resumeFrom != "" {
		logger.Info("resuming from checkpoint", "path", resumeFrom)
	} else {
		logger.Info("no checkpoint found, starting fresh training")
	}

	if err := proc.SavePretrained(args.OutputDir); err != nil {
		return err
	}

	collator := dataset.NewCollator(proc.FeatureExtractor.PaddingValue, m.Config.DecoderStartTokenID)
	metrics := func(predictions, labels [][]int) (map[string]float64, error) {
		wer, err := training.WordErrorRate(
			proc.Tokenizer.BatchDecode(predictions, true),
			proc.Tokenizer.BatchDecode(labels, true))
		if err != nil {
			return nil, err
		}
		return map[string]float64{"wer": wer}, nil
	}

	trainer := training.NewSeq2SeqTrainer(args, eng, data.Train, data.Eval, collator, metrics)

	logger.Info("starting training", "id", modelID, "max_steps", args.MaxSteps)
	result, err := trainer.Train(resumeFrom)
	if err != nil {
		return err
	}
	logger.Info("training completed", "steps", result.GlobalStep,
		"loss", fmt.Sprintf("%.4f", result.TrainingLoss),
		"duration", result.Duration.Round(time.Second))

	if err := trainer.SaveModel(args.OutputDir); err != nil {
		return err
	}
	if err := m.SaveConfig(args.OutputDir); err != nil {
		return err
	}
	logger.Info("model saved", "dir", args.OutputDir)

	logger.Info("evaluating on the test dataset")
	out, err := trainer.Predict(data.Test)
	if err != nil {
		return err
	}
	printMetrics(out.Metrics)

	logger.Info("run finished", "elapsed", time.Since(start).Round(time.Second))
	return nil
}

func printMetrics(metrics map[string]float64) {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	for _, name := range names {
		table.Append([]string{name, fmt.Sprintf("%.4f", metrics[name])})
	}
	table.Render()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package training

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/tsawler/whisper-tune/checkpoints"
	"github.com/tsawler/whisper-tune/dataset"
)

// Module is the compute collaborator the trainer drives. A module owns
// model weights and optimizer state; the trainer owns scheduling,
// evaluation, checkpointing, and resume.
type Module interface {
	// TrainStep runs forward and backward over one micro-batch,
	// accumulating gradients, and returns the batch loss.
	TrainStep(batch *dataset.Batch) (float32, error)

	// ApplyGradients averages accumulated gradients and applies one
	// optimizer step at the given learning rate.
	ApplyGradients(lr float32) error

	// EvalLoss computes the loss over one batch without gradient work.
	EvalLoss(batch *dataset.Batch) (float32, error)

	// Generate decodes token IDs for every sample in the batch.
	Generate(batch *dataset.Batch, maxLength int) ([][]int, error)

	// State and LoadState serialize the module for checkpointing.
	State() (*checkpoints.ModelState, error)
	LoadState(state *checkpoints.ModelState) error
}

// MetricsFunc turns generated predictions and reference labels into named
// metric values (e.g. "wer").
type MetricsFunc func(predictions, labels [][]int) (map[string]float64, error)

// TrainResult summarizes a completed training run.
type TrainResult struct {
	GlobalStep   int
	TrainingLoss float64
	Duration     time.Duration
}

// PredictionOutput holds the result of running prediction over a split.
type PredictionOutput struct {
	Predictions [][]int
	Metrics     map[string]float64
}

// Seq2SeqTrainer drives a single step-based train-then-evaluate run over
// the supplied collaborators.
type Seq2SeqTrainer struct {
	args           TrainingArguments
	module         Module
	trainLoader    *Loader
	evalSplit      *dataset.Split
	collator       *dataset.Collator
	computeMetrics MetricsFunc
	scheduler      LRScheduler

	state checkpoints.TrainerState
	saved []string
}

// NewSeq2SeqTrainer wires a trainer from its collaborators.
func NewSeq2SeqTrainer(args TrainingArguments, module Module, train, eval *dataset.Split, collator *dataset.Collator, computeMetrics MetricsFunc) *Seq2SeqTrainer {
	return &Seq2SeqTrainer{
		args:           args,
		module:         module,
		trainLoader:    NewLoader(train, collator, args.PerDeviceTrainBatchSize, true, args.Seed),
		evalSplit:      eval,
		collator:       collator,
		computeMetrics: computeMetrics,
		scheduler:      NewWarmupLinearScheduler(args.WarmupSteps, args.MaxSteps),
		state: checkpoints.TrainerState{
			MaxSteps:        args.MaxSteps,
			MetricName:      args.MetricForBestModel,
			GreaterIsBetter: args.GreaterIsBetter,
		},
	}
}

// State exposes the trainer state, primarily for inspection in tests and
// by the orchestrator after training.
func (t *Seq2SeqTrainer) State() *checkpoints.TrainerState {
	return &t.state
}

// Train runs the loop from the current step to MaxSteps. resumeFrom, when
// non-empty, names a checkpoint directory written by a previous run; the
// trainer restores module and trainer state from it and fast-forwards the
// data order. Training failures propagate: the only recovery mechanism is
// checkpoint resume on a subsequent invocation.
func (t *Seq2SeqTrainer) Train(resumeFrom string) (*TrainResult, error) {
	if resumeFrom != "" {
		if err := t.loadCheckpoint(resumeFrom); err != nil {
			return nil, fmt.Errorf("failed to resume from checkpoint %s: %v", resumeFrom, err)
		}
	}

	reporter := newProgressReporter(t.args.MaxSteps)
	startTime := time.Now()

	accumSteps := t.args.GradientAccumulationSteps
	if accumSteps < 1 {
		accumSteps = 1
	}

	var lossSum float64
	var lossCount int
	var windowLoss float64
	var windowCount int

	for step := t.state.GlobalStep + 1; step <= t.args.MaxSteps; step++ {
		var stepLoss float64
		for micro := 0; micro < accumSteps; micro++ {
			batch, err := t.trainLoader.NextCycling()
			if err != nil {
				return nil, fmt.Errorf("failed to load training batch at step %d: %v", step, err)
			}
			loss, err := t.module.TrainStep(batch)
			if err != nil {
				return nil, fmt.Errorf("training step %d failed: %v", step, err)
			}
			stepLoss += float64(loss)
		}
		stepLoss /= float64(accumSteps)

		lr := t.scheduler.GetLR(step, t.args.LearningRate)
		if err := t.module.ApplyGradients(float32(lr)); err != nil {
			return nil, fmt.Errorf("optimizer update at step %d failed: %v", step, err)
		}

		t.state.GlobalStep = step
		lossSum += stepLoss
		lossCount++
		windowLoss += stepLoss
		windowCount++

		if t.args.LoggingSteps > 0 && step%t.args.LoggingSteps == 0 {
			avg := windowLoss / float64(windowCount)
			windowLoss, windowCount = 0, 0
			t.state.LogHistory = append(t.state.LogHistory, checkpoints.LogEntry{
				Step:         step,
				Loss:         avg,
				LearningRate: lr,
			})
			reporter.logStep(step, avg, lr)
		}

		var evalMetrics map[string]float64
		if t.args.EvalSteps > 0 && step%t.args.EvalSteps == 0 {
			metrics, err := t.Evaluate(t.evalSplit, "eval")
			if err != nil {
				return nil, fmt.Errorf("evaluation at step %d failed: %v", step, err)
			}
			evalMetrics = metrics
			t.state.LogHistory = append(t.state.LogHistory, checkpoints.LogEntry{
				Step:    step,
				Metrics: metrics,
			})
			reporter.logEval(step, metrics)
		}

		if t.args.SaveSteps > 0 && step%t.args.SaveSteps == 0 {
			if err := t.saveCheckpoint(step, evalMetrics); err != nil {
				return nil, fmt.Errorf("checkpoint save at step %d failed: %v", step, err)
			}
		}
	}

	avgLoss := 0.0
	if lossCount > 0 {
		avgLoss = lossSum / float64(lossCount)
	}
	reporter.finish(t.state.GlobalStep, avgLoss)

	if t.args.LoadBestModelAtEnd && t.state.BestModelCheckpoint != "" {
		fmt.Printf("Loading best model from %s (%s=%.4f)\n",
			t.state.BestModelCheckpoint, t.state.MetricName, t.state.BestMetric)
		modelState, err := checkpoints.LoadModelState(t.state.BestModelCheckpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to load best model: %v", err)
		}
		if err := t.module.LoadState(modelState); err != nil {
			return nil, fmt.Errorf("failed to restore best model: %v", err)
		}
	}

	return &TrainResult{
		GlobalStep:   t.state.GlobalStep,
		TrainingLoss: avgLoss,
		Duration:     time.Since(startTime),
	}, nil
}

// Evaluate computes loss and, when configured, generation metrics over a
// split. Metric keys are prefixed with the split role (eval_loss,
// eval_wer, test_wer, ...).
func (t *Seq2SeqTrainer) Evaluate(split *dataset.Split, prefix string) (map[string]float64, error) {
	loader := NewLoader(split, t.collator, t.args.PerDeviceEvalBatchSize, false, t.args.Seed)

	var lossSum float64
	var batches int
	var predictions, references [][]int

	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		loss, err := t.module.EvalLoss(batch)
		if err != nil {
			return nil, fmt.Errorf("evaluation loss failed: %v", err)
		}
		lossSum += float64(loss)
		batches++

		if t.args.PredictWithGenerate && t.computeMetrics != nil {
			generated, err := t.module.Generate(batch, t.args.GenerationMaxLength)
			if err != nil {
				return nil, fmt.Errorf("generation failed: %v", err)
			}
			predictions = append(predictions, generated...)
			references = append(references, batch.Labels...)
		}
	}

	if batches == 0 {
		return nil, fmt.Errorf("split %s is empty", split.Name)
	}

	metrics := map[string]float64{
		prefix + "_loss": lossSum / float64(batches),
	}
	if t.args.PredictWithGenerate && t.computeMetrics != nil {
		computed, err := t.computeMetrics(predictions, references)
		if err != nil {
			return nil, fmt.Errorf("metric computation failed: %v", err)
		}
		for name, value := range computed {
			metrics[prefix+"_"+name] = value
		}
	}
	return metrics, nil
}

// Predict runs generation and metrics over a held-out split.
func (t *Seq2SeqTrainer) Predict(split *dataset.Split) (*PredictionOutput, error) {
	metrics, err := t.Evaluate(split, "test")
	if err != nil {
		return nil, err
	}
	return &PredictionOutput{Metrics: metrics}, nil
}

// SaveModel writes final model artifacts (weights without optimizer
// state) to dir.
func (t *Seq2SeqTrainer) SaveModel(dir string) error {
	state, err := t.module.State()
	if err != nil {
		return fmt.Errorf("failed to extract model state: %v", err)
	}
	state.OptimizerState = nil
	state.Metadata.Description = fmt.Sprintf("final model after %d steps", t.state.GlobalStep)
	return checkpoints.SaveModelState(dir, state)
}

// saveCheckpoint writes a periodic checkpoint, updates the best-model
// bookkeeping, and rotates old checkpoints past the save-total-limit.
func (t *Seq2SeqTrainer) saveCheckpoint(step int, evalMetrics map[string]float64) error {
	modelState, err := t.module.State()
	if err != nil {
		return fmt.Errorf("failed to extract model state: %v", err)
	}

	// Best-model bookkeeping keys off the metric of the evaluation that
	// ran at this same step, when there was one.
	if value, ok := t.metricForBest(evalMetrics); ok {
		if t.isImprovement(value) {
			t.state.BestMetric = value
			t.state.BestModelCheckpoint = checkpoints.Dir(t.args.OutputDir, step)
		}
	}

	dir, err := checkpoints.Save(t.args.OutputDir, step, &t.state, modelState)
	if err != nil {
		return err
	}
	t.saved = append(t.saved, dir)

	return t.rotateCheckpoints()
}

// rotateCheckpoints enforces the save-total-limit, never evicting the
// current best checkpoint.
func (t *Seq2SeqTrainer) rotateCheckpoints() error {
	if t.args.SaveTotalLimit <= 0 {
		return nil
	}
	for len(t.saved) > t.args.SaveTotalLimit {
		removed := false
		for i, dir := range t.saved {
			if dir == t.state.BestModelCheckpoint {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove old checkpoint %s: %v", dir, err)
			}
			t.saved = append(t.saved[:i], t.saved[i+1:]...)
			removed = true
			break
		}
		if !removed {
			break
		}
	}
	return nil
}

func (t *Seq2SeqTrainer) metricForBest(metrics map[string]float64) (float64, bool) {
	if metrics == nil {
		return 0, false
	}
	if v, ok := metrics["eval_"+t.args.MetricForBestModel]; ok {
		return v, true
	}
	v, ok := metrics[t.args.MetricForBestModel]
	return v, ok
}

func (t *Seq2SeqTrainer) isImprovement(value float64) bool {
	if t.state.BestModelCheckpoint == "" || math.IsNaN(t.state.BestMetric) {
		return true
	}
	if t.args.GreaterIsBetter {
		return value > t.state.BestMetric
	}
	return value < t.state.BestMetric
}

// loadCheckpoint restores trainer and module state from a checkpoint
// directory and fast-forwards the training data order.
func (t *Seq2SeqTrainer) loadCheckpoint(dir string) error {
	trainerState, err := checkpoints.LoadTrainerState(dir)
	if err != nil {
		return err
	}
	modelState, err := checkpoints.LoadModelState(dir)
	if err != nil {
		return err
	}
	if err := t.module.LoadState(modelState); err != nil {
		return err
	}

	t.state = *trainerState
	t.state.MaxSteps = t.args.MaxSteps

	// Rebuild the rotation list from what is on disk, oldest first.
	t.saved = nil
	latest, err := checkpoints.Latest(t.args.OutputDir)
	if err != nil {
		return err
	}
	if latest != "" {
		entries, err := os.ReadDir(t.args.OutputDir)
		if err != nil {
			return fmt.Errorf("failed to scan output directory: %v", err)
		}
		steps := make([]int, 0, len(entries))
		for _, entry := range entries {
			step, err := checkpoints.ParseStep(entry.Name())
			if err != nil {
				continue
			}
			steps = append(steps, step)
		}
		for i := 0; i < len(steps); i++ {
			for j := i + 1; j < len(steps); j++ {
				if steps[j] < steps[i] {
					steps[i], steps[j] = steps[j], steps[i]
				}
			}
		}
		for _, step := range steps {
			t.saved = append(t.saved, checkpoints.Dir(t.args.OutputDir, step))
		}
	}

	accumSteps := t.args.GradientAccumulationSteps
	if accumSteps < 1 {
		accumSteps = 1
	}
	t.trainLoader.Reset()
	t.trainLoader.SkipBatches(t.state.GlobalStep * accumSteps)
	return nil
}

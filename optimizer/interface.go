package optimizer

import (
	"fmt"

	"github.com/tsawler/whisper-tune/checkpoints"
)

// Optimizer defines the common interface for parameter-update strategies.
// State save/restore supports checkpoint-based resume across process
// restarts.
type Optimizer interface {
	// Step applies one update. weights and grads are parallel slices of
	// flat tensors; trainable marks which tensors receive updates (frozen
	// tensors keep their values and their optimizer state untouched).
	Step(weights, grads [][]float32, trainable []bool) error

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number.
	GetStepCount() uint64

	// UpdateLearningRate sets the learning rate for subsequent steps,
	// typically driven by an LR scheduler.
	UpdateLearningRate(lr float32)
}

// extractBufferIndex extracts the buffer index from state tensor names
// like "momentum_0" or "variance_1".
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("optimizer state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

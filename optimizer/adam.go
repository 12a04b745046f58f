package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/whisper-tune/checkpoints"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero
	WeightDecay  float32 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction over flat
// float32 weight tensors.
type Adam struct {
	config AdamConfig

	// First and second moment estimates, one buffer per weight tensor.
	momentum [][]float32
	variance [][]float32
	shapes   [][]int

	// Step tracking for bias correction.
	stepCount uint64
}

// NewAdam creates an Adam optimizer for the given weight shapes.
func NewAdam(config AdamConfig, weightShapes [][]int) (*Adam, error) {
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}

	a := &Adam{
		config:   config,
		momentum: make([][]float32, len(weightShapes)),
		variance: make([][]float32, len(weightShapes)),
		shapes:   make([][]int, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		size := tensorSize(shape)
		a.momentum[i] = make([]float32, size)
		a.variance[i] = make([]float32, size)
		a.shapes[i] = append([]int(nil), shape...)
	}
	return a, nil
}

// Step applies one Adam update to every trainable weight tensor.
func (a *Adam) Step(weights, grads [][]float32, trainable []bool) error {
	if len(weights) != len(a.momentum) {
		return fmt.Errorf("weight buffer count mismatch: optimizer tracks %d, got %d", len(a.momentum), len(weights))
	}
	if len(grads) != len(weights) {
		return fmt.Errorf("gradient buffer count mismatch: %d weights, %d gradients", len(weights), len(grads))
	}
	if len(trainable) != len(weights) {
		return fmt.Errorf("trainability flag count mismatch: %d weights, %d flags", len(weights), len(trainable))
	}

	a.stepCount++
	beta1 := float64(a.config.Beta1)
	beta2 := float64(a.config.Beta2)
	correction1 := 1.0 - math.Pow(beta1, float64(a.stepCount))
	correction2 := 1.0 - math.Pow(beta2, float64(a.stepCount))
	lr := float64(a.config.LearningRate)
	eps := float64(a.config.Epsilon)
	decay := float64(a.config.WeightDecay)

	for i := range weights {
		if !trainable[i] {
			continue
		}
		w := weights[i]
		g := grads[i]
		if len(w) != len(a.momentum[i]) {
			return fmt.Errorf("weight tensor %d size mismatch: optimizer tracks %d elements, got %d", i, len(a.momentum[i]), len(w))
		}
		if len(g) != len(w) {
			return fmt.Errorf("gradient tensor %d size mismatch: %d weights, %d gradients", i, len(w), len(g))
		}

		m := a.momentum[i]
		v := a.variance[i]
		for j := range w {
			grad := float64(g[j])
			if decay != 0 {
				grad += decay * float64(w[j])
			}

			mj := beta1*float64(m[j]) + (1-beta1)*grad
			vj := beta2*float64(v[j]) + (1-beta2)*grad*grad
			m[j] = float32(mj)
			v[j] = float32(vj)

			mHat := mj / correction1
			vHat := vj / correction2
			w[j] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
		}
	}
	return nil
}

// GetStepCount returns the current optimization step number.
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate sets the learning rate for subsequent steps.
func (a *Adam) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}

// GetState extracts optimizer state for checkpointing.
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
	}

	for i := range a.momentum {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     a.shapes[i],
			Data:      append([]float32(nil), a.momentum[i]...),
			StateType: "momentum",
		})
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("variance_%d", i),
			Shape:     a.shapes[i],
			Data:      append([]float32(nil), a.variance[i]...),
			StateType: "variance",
		})
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint.
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	if raw, ok := state.Parameters["step_count"]; ok {
		switch v := raw.(type) {
		case float64:
			a.stepCount = uint64(v)
		case uint64:
			a.stepCount = v
		default:
			return fmt.Errorf("unexpected step_count type %T in optimizer state", raw)
		}
	}

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(a.momentum) {
			return fmt.Errorf("optimizer state tensor %q has no matching buffer", tensor.Name)
		}

		var dst []float32
		switch tensor.StateType {
		case "momentum":
			dst = a.momentum[idx]
		case "variance":
			dst = a.variance[idx]
		default:
			return fmt.Errorf("unknown optimizer state type %q", tensor.StateType)
		}

		if len(tensor.Data) != len(dst) {
			return fmt.Errorf("optimizer state tensor %q size mismatch: expected %d elements, got %d", tensor.Name, len(dst), len(tensor.Data))
		}
		copy(dst, tensor.Data)
	}
	return nil
}

func tensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdam(t *testing.T) *Adam {
	t.Helper()
	a, err := NewAdam(DefaultAdamConfig(), [][]int{{2, 2}, {2}})
	require.NoError(t, err)
	return a
}

func TestNewAdamValidation(t *testing.T) {
	_, err := NewAdam(DefaultAdamConfig(), nil)
	assert.ErrorContains(t, err, "no weight shapes")

	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0
	_, err = NewAdam(cfg, [][]int{{2}})
	assert.ErrorContains(t, err, "learning rate")
}

func TestStepMovesWeightsAgainstGradient(t *testing.T) {
	a := newTestAdam(t)

	weights := [][]float32{{1, 1, 1, 1}, {0, 0}}
	grads := [][]float32{{1, 1, 1, 1}, {-1, -1}}
	trainable := []bool{true, true}

	require.NoError(t, a.Step(weights, grads, trainable))

	for _, w := range weights[0] {
		assert.Less(t, w, float32(1), "positive gradient should decrease weight")
	}
	for _, w := range weights[1] {
		assert.Greater(t, w, float32(0), "negative gradient should increase weight")
	}
	assert.Equal(t, uint64(1), a.GetStepCount())
}

func TestStepSkipsFrozenTensors(t *testing.T) {
	a := newTestAdam(t)

	weights := [][]float32{{1, 1, 1, 1}, {5, 5}}
	grads := [][]float32{{1, 1, 1, 1}, {1, 1}}
	require.NoError(t, a.Step(weights, grads, []bool{true, false}))

	assert.Equal(t, []float32{5, 5}, weights[1], "frozen tensor must not move")

	state, err := a.GetState()
	require.NoError(t, err)
	for _, tensor := range state.StateData {
		if tensor.Name == "momentum_1" || tensor.Name == "variance_1" {
			assert.Equal(t, []float32{0, 0}, tensor.Data, "frozen tensor state must stay zero")
		}
	}
}

func TestStepBufferCountMismatch(t *testing.T) {
	a := newTestAdam(t)
	err := a.Step([][]float32{{0}}, [][]float32{{0}}, []bool{true})
	assert.ErrorContains(t, err, "buffer count mismatch")
}

func TestStateRoundTrip(t *testing.T) {
	a := newTestAdam(t)
	weights := [][]float32{{1, 2, 3, 4}, {5, 6}}
	grads := [][]float32{{0.1, 0.2, 0.3, 0.4}, {0.5, 0.6}}
	trainable := []bool{true, true}
	require.NoError(t, a.Step(weights, grads, trainable))
	require.NoError(t, a.Step(weights, grads, trainable))

	state, err := a.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Len(t, state.StateData, 4)

	restored := newTestAdam(t)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, a.GetStepCount(), restored.GetStepCount())

	// Both optimizers must produce identical updates from here on.
	w1 := [][]float32{{1, 2, 3, 4}, {5, 6}}
	w2 := [][]float32{{1, 2, 3, 4}, {5, 6}}
	require.NoError(t, a.Step(w1, grads, trainable))
	require.NoError(t, restored.Step(w2, grads, trainable))
	assert.Equal(t, w1, w2)
}

func TestLoadStateTypeMismatch(t *testing.T) {
	a := newTestAdam(t)
	state, err := a.GetState()
	require.NoError(t, err)
	state.Type = "SGD"
	assert.ErrorContains(t, a.LoadState(state), "state type mismatch")
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/whisper-tune/dataset"
	"github.com/tsawler/whisper-tune/model"
	"github.com/tsawler/whisper-tune/optimizer"
)

func testModel() *model.Model {
	return model.New(model.Config{
		Name:                "test-model",
		NumMelBins:          4,
		DModel:              8,
		EncoderLayers:       2,
		DecoderLayers:       1,
		VocabSize:           16,
		MaxTargetPositions:  8,
		PadTokenID:          15,
		DecoderStartTokenID: 13,
		EOSTokenID:          14,
	})
}

// testBatch builds a small batch whose labels depend on the features, so
// the mapping is learnable.
func testBatch(t *testing.T) *dataset.Batch {
	t.Helper()
	samples := []*dataset.Sample{
		{
			InputFeatures: [][]float32{{1, 0, 0, 0}, {1, 0, 0, 0}},
			Labels:        []int{1, 2, 14},
		},
		{
			InputFeatures: [][]float32{{0, 1, 0, 0}, {0, 1, 0, 0}},
			Labels:        []int{3, 4, 14},
		},
	}
	collator := dataset.NewCollator(0.0, 13)
	batch, err := collator.Collate(samples)
	require.NoError(t, err)
	return batch
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = 0.01
	e, err := New(testModel(), cfg)
	require.NoError(t, err)
	return e
}

func TestTrainStepReducesLoss(t *testing.T) {
	e := newTestEngine(t)
	batch := testBatch(t)

	first, err := e.TrainStep(batch)
	require.NoError(t, err)
	require.NoError(t, e.ApplyGradients(0.01))

	var last float32
	for i := 0; i < 60; i++ {
		last, err = e.TrainStep(batch)
		require.NoError(t, err)
		require.NoError(t, e.ApplyGradients(0.01))
	}

	assert.Less(t, last, first, "loss should decrease when overfitting a fixed batch")
}

func TestEvalLossMatchesTrainLossWithoutUpdates(t *testing.T) {
	e := newTestEngine(t)
	batch := testBatch(t)

	evalLoss, err := e.EvalLoss(batch)
	require.NoError(t, err)
	trainLoss, err := e.TrainStep(batch)
	require.NoError(t, err)
	assert.InDelta(t, float64(evalLoss), float64(trainLoss), 1e-6)

	// EvalLoss must not change weights.
	again, err := e.EvalLoss(batch)
	require.NoError(t, err)
	assert.Equal(t, evalLoss, again)
}

func TestFrozenParametersDoNotMove(t *testing.T) {
	e := newTestEngine(t)
	m := e.Model()
	require.NoError(t, m.FreezeEncoderLayers(1))

	frozen := m.EncoderLayer(0)[0]
	before := append([]float32(nil), frozen.Data...)

	trainableLayer := m.EncoderLayer(1)[0]
	trainableBefore := append([]float32(nil), trainableLayer.Data...)

	batch := testBatch(t)
	for i := 0; i < 5; i++ {
		_, err := e.TrainStep(batch)
		require.NoError(t, err)
		require.NoError(t, e.ApplyGradients(0.01))
	}

	assert.Equal(t, before, frozen.Data, "frozen encoder layer weights must be bit-identical after training")
	assert.NotEqual(t, trainableBefore, trainableLayer.Data, "unfrozen encoder layer should train")
}

func TestGradientAccumulation(t *testing.T) {
	e := newTestEngine(t)
	batch := testBatch(t)

	_, err := e.TrainStep(batch)
	require.NoError(t, err)
	_, err = e.TrainStep(batch)
	require.NoError(t, err)
	require.NoError(t, e.ApplyGradients(0.01))

	// Applying again without accumulation is an error.
	assert.ErrorContains(t, e.ApplyGradients(0.01), "no gradients accumulated")
}

func TestGenerateTerminatesAndStartsWithDecoderStart(t *testing.T) {
	e := newTestEngine(t)
	e.Model().Generation.ForcedDecoderIDs = nil
	batch := testBatch(t)

	ids, err := e.Generate(batch, 6)
	require.NoError(t, err)
	require.Len(t, ids, batch.Size())
	for _, seq := range ids {
		assert.Equal(t, 13, seq[0], "sequences start with the decoder start token")
		assert.LessOrEqual(t, len(seq), 7)
	}
}

func TestGenerateHonorsForcedDecoderIDs(t *testing.T) {
	e := newTestEngine(t)
	e.Model().Generation.ForcedDecoderIDs = [][2]int{{1, 9}}
	batch := testBatch(t)

	ids, err := e.Generate(batch, 4)
	require.NoError(t, err)
	for _, seq := range ids {
		require.Greater(t, len(seq), 1)
		assert.Equal(t, 9, seq[1], "position 1 is forced")
	}
}

func TestStateRoundTripRestoresBehavior(t *testing.T) {
	e := newTestEngine(t)
	batch := testBatch(t)
	for i := 0; i < 10; i++ {
		_, err := e.TrainStep(batch)
		require.NoError(t, err)
		require.NoError(t, e.ApplyGradients(0.01))
	}

	state, err := e.State()
	require.NoError(t, err)
	require.NotNil(t, state.OptimizerState)

	restored := newTestEngine(t)
	require.NoError(t, restored.LoadState(state))

	lossA, err := e.EvalLoss(batch)
	require.NoError(t, err)
	lossB, err := restored.EvalLoss(batch)
	require.NoError(t, err)
	assert.Equal(t, lossA, lossB, "restored engine must reproduce the checkpointed loss")
}

func TestLoadStateUnknownWeight(t *testing.T) {
	e := newTestEngine(t)
	state, err := e.State()
	require.NoError(t, err)
	state.Weights[0].Name = "model.encoder.layers.9.fc.weight"
	assert.ErrorContains(t, e.LoadState(state), "no matching model parameter")
}

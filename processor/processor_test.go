package processor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/whisper-tune/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := NewTokenizer("English", "transcribe")

	tests := []string{
		"hello world",
		"the quick brown fox",
		"",
		"punctuation, and CAPS!",
	}

	for _, text := range tests {
		ids := tok.Encode(text)
		require.NotEmpty(t, ids)
		assert.Equal(t, model.DecoderStartTokenID, ids[0])
		assert.Equal(t, model.EOSTokenID, ids[len(ids)-1])
		assert.Equal(t, text, tok.Decode(ids, true))
	}
}

func TestDecodeSkipsMaskedPositions(t *testing.T) {
	tok := NewTokenizer("English", "transcribe")
	ids := []int{model.DecoderStartTokenID, 'h', 'i', model.EOSTokenID, -100, -100}
	assert.Equal(t, "hi", tok.Decode(ids, true))
}

func TestBatchDecode(t *testing.T) {
	tok := NewTokenizer("English", "transcribe")
	batch := [][]int{tok.Encode("one"), tok.Encode("two")}
	assert.Equal(t, []string{"one", "two"}, tok.BatchDecode(batch, true))
}

func TestFromPretrained(t *testing.T) {
	p, err := FromPretrained("openai/whisper-small", "English", "transcribe")
	require.NoError(t, err)
	assert.Equal(t, 80, p.FeatureExtractor.FeatureSize)
	assert.Equal(t, 16000, p.FeatureExtractor.SamplingRate)
	assert.Equal(t, "English", p.Tokenizer.Config.Language)

	_, err = FromPretrained("openai/whisper-unknown", "English", "transcribe")
	assert.Error(t, err)
}

func TestSavePretrainedRoundTrip(t *testing.T) {
	dir := t.TempDir()

	p, err := FromPretrained("openai/whisper-tiny", "English", "transcribe")
	require.NoError(t, err)
	require.NoError(t, p.SavePretrained(dir))

	assert.FileExists(t, filepath.Join(dir, "preprocessor_config.json"))
	assert.FileExists(t, filepath.Join(dir, "tokenizer_config.json"))

	// Saving again overwrites in place.
	require.NoError(t, p.SavePretrained(dir))

	loaded, err := FromDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, p.FeatureExtractor, loaded.FeatureExtractor)
	assert.Equal(t, p.Tokenizer.Config, loaded.Tokenizer.Config)
}

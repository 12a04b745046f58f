package processor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/whisper-tune/model"
)

// FeatureExtractorConfig describes how raw audio was featurized by the
// dataset-preparation stage. The driver never touches raw audio itself; it
// carries this record so the configuration is persisted alongside trained
// artifacts.
type FeatureExtractorConfig struct {
	FeatureSize  int     `json:"feature_size"`
	SamplingRate int     `json:"sampling_rate"`
	ChunkLength  int     `json:"chunk_length"`
	PaddingValue float32 `json:"padding_value"`
}

// TokenizerConfig is the serialized form of the tokenizer.
type TokenizerConfig struct {
	Type                string `json:"type"`
	VocabSize           int    `json:"vocab_size"`
	PadTokenID          int    `json:"pad_token_id"`
	DecoderStartTokenID int    `json:"decoder_start_token_id"`
	EOSTokenID          int    `json:"eos_token_id"`
	Language            string `json:"language,omitempty"`
	Task                string `json:"task,omitempty"`
}

// Tokenizer is a byte-level tokenizer: IDs 0-255 are raw bytes, followed
// by the special tokens shared with the model package. It needs no
// external vocabulary files, which keeps the driver self-contained.
type Tokenizer struct {
	Config TokenizerConfig
}

// NewTokenizer builds a byte-level tokenizer for a language/task pair.
func NewTokenizer(language, task string) *Tokenizer {
	return &Tokenizer{
		Config: TokenizerConfig{
			Type:                "byte-level",
			VocabSize:           model.VocabSize,
			PadTokenID:          model.PadTokenID,
			DecoderStartTokenID: model.DecoderStartTokenID,
			EOSTokenID:          model.EOSTokenID,
			Language:            language,
			Task:                task,
		},
	}
}

// Encode converts text to token IDs, framed with the decoder start and
// end-of-text tokens.
func (t *Tokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text)+2)
	ids = append(ids, t.Config.DecoderStartTokenID)
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	ids = append(ids, t.Config.EOSTokenID)
	return ids
}

// Decode converts token IDs back to text. With skipSpecial set, special
// tokens and label-mask padding are dropped.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			buf = append(buf, byte(id))
			continue
		}
		if !skipSpecial && id >= 256 && id < t.Config.VocabSize {
			buf = append(buf, []byte(fmt.Sprintf("<|%d|>", id))...)
		}
	}
	return string(buf)
}

// BatchDecode decodes a batch of token ID sequences.
func (t *Tokenizer) BatchDecode(batch [][]int, skipSpecial bool) []string {
	out := make([]string, len(batch))
	for i, ids := range batch {
		out[i] = t.Decode(ids, skipSpecial)
	}
	return out
}

// Processor couples the feature-extractor configuration with the
// tokenizer, mirroring the upstream processor object that both featurizes
// inputs and tokenizes labels.
type Processor struct {
	FeatureExtractor FeatureExtractorConfig
	Tokenizer        *Tokenizer
}

// FromPretrained builds a processor for a pretrained model identifier.
func FromPretrained(id, language, task string) (*Processor, error) {
	cfg, err := model.PresetConfig(id)
	if err != nil {
		return nil, err
	}
	return &Processor{
		FeatureExtractor: FeatureExtractorConfig{
			FeatureSize:  cfg.NumMelBins,
			SamplingRate: 16000,
			ChunkLength:  30,
			PaddingValue: 0.0,
		},
		Tokenizer: NewTokenizer(language, task),
	}, nil
}

const (
	preprocessorFile = "preprocessor_config.json"
	tokenizerFile    = "tokenizer_config.json"
)

// SavePretrained persists the processor configuration to dir. The write is
// idempotent and overwrites any previous configuration.
func (p *Processor) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create processor output directory: %v", err)
	}
	if err := writeJSON(filepath.Join(dir, preprocessorFile), p.FeatureExtractor); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, tokenizerFile), p.Tokenizer.Config)
}

// FromDirectory loads a processor previously written by SavePretrained.
func FromDirectory(dir string) (*Processor, error) {
	var fe FeatureExtractorConfig
	if err := readJSON(filepath.Join(dir, preprocessorFile), &fe); err != nil {
		return nil, err
	}
	var tc TokenizerConfig
	if err := readJSON(filepath.Join(dir, tokenizerFile), &tc); err != nil {
		return nil, err
	}
	return &Processor{
		FeatureExtractor: fe,
		Tokenizer:        &Tokenizer{Config: tc},
	}, nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %v", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %v", path, err)
	}
	return nil
}

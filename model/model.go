package model

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Size identifies one of the supported Whisper model sizes.
type Size string

const (
	Tiny   Size = "tiny"
	Small  Size = "small"
	Medium Size = "medium"
	Large  Size = "large"
)

// Sizes lists the supported model sizes in ascending order of capacity.
var Sizes = []Size{Tiny, Small, Medium, Large}

// ParseSize validates a size name given on the command line.
func ParseSize(s string) (Size, error) {
	switch Size(strings.ToLower(s)) {
	case Tiny:
		return Tiny, nil
	case Small:
		return Small, nil
	case Medium:
		return Medium, nil
	case Large:
		return Large, nil
	default:
		return "", fmt.Errorf("unsupported model size %q (expected one of: tiny, small, medium, large)", s)
	}
}

// PretrainedID returns the upstream identifier for a model size.
func PretrainedID(size Size) string {
	switch size {
	case Tiny:
		return "openai/whisper-tiny"
	case Small:
		return "openai/whisper-small"
	case Medium:
		return "openai/whisper-medium"
	case Large:
		return "openai/whisper-large-v3"
	default:
		return ""
	}
}

// Token IDs shared between the model and the processor's byte-level
// tokenizer. IDs 0-255 are raw bytes; special tokens follow.
const (
	PadTokenID          = 256
	DecoderStartTokenID = 257 // <|startoftranscript|>
	EOSTokenID          = 258 // <|endoftext|>
	LanguageEnglishID   = 259 // <|en|>
	TaskTranscribeID    = 260 // <|transcribe|>

	// VocabSize is the byte-level vocabulary plus special tokens.
	VocabSize = 261
)

// Config describes a model architecture.
type Config struct {
	Name               string `json:"name"`
	NumMelBins         int    `json:"num_mel_bins"`
	DModel             int    `json:"d_model"`
	EncoderLayers      int    `json:"encoder_layers"`
	DecoderLayers      int    `json:"decoder_layers"`
	VocabSize          int    `json:"vocab_size"`
	MaxTargetPositions int    `json:"max_target_positions"`

	PadTokenID          int `json:"pad_token_id"`
	DecoderStartTokenID int `json:"decoder_start_token_id"`
	EOSTokenID          int `json:"eos_token_id"`
}

// presets maps pretrained identifiers to architecture configurations. The
// layer counts, widths, and mel-bin counts follow the published Whisper
// family; the vocabulary is the driver's byte-level vocabulary.
var presets = map[string]Config{
	"openai/whisper-tiny": {
		Name:          "openai/whisper-tiny",
		NumMelBins:    80,
		DModel:        384,
		EncoderLayers: 4,
		DecoderLayers: 4,
	},
	"openai/whisper-small": {
		Name:          "openai/whisper-small",
		NumMelBins:    80,
		DModel:        768,
		EncoderLayers: 12,
		DecoderLayers: 12,
	},
	"openai/whisper-medium": {
		Name:          "openai/whisper-medium",
		NumMelBins:    80,
		DModel:        1024,
		EncoderLayers: 24,
		DecoderLayers: 24,
	},
	"openai/whisper-large-v3": {
		Name:          "openai/whisper-large-v3",
		NumMelBins:    128,
		DModel:        1280,
		EncoderLayers: 32,
		DecoderLayers: 32,
	},
}

// PresetConfig returns the architecture configuration for a pretrained
// identifier.
func PresetConfig(id string) (Config, error) {
	cfg, ok := presets[id]
	if !ok {
		return Config{}, fmt.Errorf("unknown pretrained model identifier %q", id)
	}
	cfg.VocabSize = VocabSize
	cfg.MaxTargetPositions = 448
	cfg.PadTokenID = PadTokenID
	cfg.DecoderStartTokenID = DecoderStartTokenID
	cfg.EOSTokenID = EOSTokenID
	return cfg, nil
}

// GenerationConfig controls decoding behavior. The orchestrator pins it to
// a single language and task and clears any forced decoder IDs before
// training.
type GenerationConfig struct {
	Language         string   `json:"language,omitempty"`
	Task             string   `json:"task,omitempty"`
	MaxLength        int      `json:"max_length"`
	ForcedDecoderIDs [][2]int `json:"forced_decoder_ids,omitempty"`
}

// Parameter is a single named weight tensor with a trainability flag.
// Frozen parameters are excluded from gradient updates.
type Parameter struct {
	Name      string
	Shape     []int
	Data      []float32
	Trainable bool
}

// Size returns the number of elements in the parameter.
func (p *Parameter) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Model is a sequence-to-sequence speech model handle: an ordered
// collection of encoder and decoder layers plus embeddings, with
// per-parameter trainability. The numerical forward/backward pass lives in
// a compute engine bound to this handle.
type Model struct {
	ID         string
	Config     Config
	Generation GenerationConfig

	encoderLayers [][]*Parameter
	decoderLayers [][]*Parameter
	shared        []*Parameter

	params []*Parameter
	byName map[string]*Parameter
}

// FromPretrained builds a model handle for a pretrained identifier,
// materializing deterministically initialized weights for the preset
// architecture.
func FromPretrained(id string) (*Model, error) {
	cfg, err := PresetConfig(id)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// New builds a model handle from an explicit configuration.
func New(cfg Config) *Model {
	m := &Model{
		ID:     cfg.Name,
		Config: cfg,
		Generation: GenerationConfig{
			MaxLength: cfg.MaxTargetPositions,
			ForcedDecoderIDs: [][2]int{
				{1, LanguageEnglishID},
				{2, TaskTranscribeID},
			},
		},
		byName: make(map[string]*Parameter),
	}

	m.addShared("model.encoder.feature_proj.weight", []int{cfg.DModel, cfg.NumMelBins})
	m.addShared("model.encoder.feature_proj.bias", []int{cfg.DModel})

	for i := 0; i < cfg.EncoderLayers; i++ {
		w := m.newParameter(fmt.Sprintf("model.encoder.layers.%d.fc.weight", i), []int{cfg.DModel, cfg.DModel})
		b := m.newParameter(fmt.Sprintf("model.encoder.layers.%d.fc.bias", i), []int{cfg.DModel})
		m.encoderLayers = append(m.encoderLayers, []*Parameter{w, b})
	}

	for i := 0; i < cfg.DecoderLayers; i++ {
		w := m.newParameter(fmt.Sprintf("model.decoder.layers.%d.fc.weight", i), []int{cfg.DModel, cfg.DModel})
		b := m.newParameter(fmt.Sprintf("model.decoder.layers.%d.fc.bias", i), []int{cfg.DModel})
		m.decoderLayers = append(m.decoderLayers, []*Parameter{w, b})
	}

	m.addShared("model.decoder.embed_tokens.weight", []int{cfg.VocabSize, cfg.DModel})
	m.addShared("proj_out.weight", []int{cfg.VocabSize, cfg.DModel})

	return m
}

func (m *Model) addShared(name string, shape []int) {
	m.shared = append(m.shared, m.newParameter(name, shape))
}

func (m *Model) newParameter(name string, shape []int) *Parameter {
	p := &Parameter{
		Name:      name,
		Shape:     shape,
		Data:      initWeights(name, shape),
		Trainable: true,
	}
	m.params = append(m.params, p)
	m.byName[name] = p
	return p
}

// initWeights produces small deterministic initial values. The seed is
// derived from the parameter name so that two handles of the same
// architecture start from identical weights.
func initWeights(name string, shape []int) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	fanIn := shape[len(shape)-1]
	scale := float32(1.0 / math.Sqrt(float64(fanIn)))

	data := make([]float32, n)
	// Bias vectors start at zero.
	if len(shape) == 1 {
		return data
	}
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return data
}

// Parameters returns every parameter in registration order.
func (m *Model) Parameters() []*Parameter {
	return m.params
}

// Parameter looks up a parameter by name.
func (m *Model) Parameter(name string) (*Parameter, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// EncoderLayerCount returns the number of encoder layers.
func (m *Model) EncoderLayerCount() int {
	return len(m.encoderLayers)
}

// EncoderLayer returns the parameters of one encoder layer.
func (m *Model) EncoderLayer(i int) []*Parameter {
	return m.encoderLayers[i]
}

// DecoderLayerCount returns the number of decoder layers.
func (m *Model) DecoderLayerCount() int {
	return len(m.decoderLayers)
}

// DecoderLayer returns the parameters of one decoder layer.
func (m *Model) DecoderLayer(i int) []*Parameter {
	return m.decoderLayers[i]
}

// FreezeEncoderLayers marks the parameters of the first n encoder layers
// as non-trainable. n must not exceed the number of encoder layers;
// silently clamping would report a misleading experiment, so out-of-range
// requests fail instead.
func (m *Model) FreezeEncoderLayers(n int) error {
	if n < 0 {
		return fmt.Errorf("freeze layer count must be non-negative, got %d", n)
	}
	if n > len(m.encoderLayers) {
		return fmt.Errorf("cannot freeze %d encoder layers: model %s has only %d", n, m.ID, len(m.encoderLayers))
	}
	for i := 0; i < n; i++ {
		for _, p := range m.encoderLayers[i] {
			p.Trainable = false
		}
	}
	return nil
}

// ParameterCount returns the total number of weight elements.
func (m *Model) ParameterCount() int64 {
	var total int64
	for _, p := range m.params {
		total += int64(p.Size())
	}
	return total
}

// TrainableParameterCount returns the number of weight elements that will
// receive gradient updates.
func (m *Model) TrainableParameterCount() int64 {
	var total int64
	for _, p := range m.params {
		if p.Trainable {
			total += int64(p.Size())
		}
	}
	return total
}

// Summary returns a human-readable description of the model.
func (m *Model) Summary() string {
	return fmt.Sprintf("%s: %d encoder layers, %d decoder layers, d_model=%d, %d/%d trainable parameters",
		m.ID, len(m.encoderLayers), len(m.decoderLayers), m.Config.DModel,
		m.TrainableParameterCount(), m.ParameterCount())
}

// SaveConfig writes config.json and generation_config.json to dir, next
// to the final model artifacts.
func (m *Model) SaveConfig(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model output directory: %v", err)
	}
	if err := writeConfigJSON(filepath.Join(dir, "config.json"), m.Config); err != nil {
		return err
	}
	return writeConfigJSON(filepath.Join(dir, "generation_config.json"), m.Generation)
}

func writeConfigJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	return nil
}

// Package engine provides the reference CPU compute backend for the
// model handle. It implements a reduced but genuine sequence-to-sequence
// path: mean-pooled audio features projected into the model width, a
// residual feed-forward stack per encoder and decoder layer, and a tied
// vocabulary projection, trained with masked cross-entropy and Adam.
// Production deployments substitute an accelerated backend behind the
// same interface.
package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/whisper-tune/checkpoints"
	"github.com/tsawler/whisper-tune/dataset"
	"github.com/tsawler/whisper-tune/model"
	"github.com/tsawler/whisper-tune/optimizer"
)

// Engine binds a model handle to CPU compute and optimizer state.
type Engine struct {
	model *model.Model

	params    []*model.Parameter
	grads     [][]float32
	gradIndex map[*model.Parameter][]float32
	opt       optimizer.Optimizer

	// Number of micro-batches accumulated since the last ApplyGradients.
	microBatches int

	// Cached handles into the parameter list.
	featW, featB   *model.Parameter
	embed, projOut *model.Parameter
}

// New creates an engine for a model handle.
func New(m *model.Model, adamConfig optimizer.AdamConfig) (*Engine, error) {
	params := m.Parameters()
	shapes := make([][]int, len(params))
	grads := make([][]float32, len(params))
	gradIndex := make(map[*model.Parameter][]float32, len(params))
	for i, p := range params {
		shapes[i] = p.Shape
		grads[i] = make([]float32, p.Size())
		gradIndex[p] = grads[i]
	}

	opt, err := optimizer.NewAdam(adamConfig, shapes)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %v", err)
	}

	e := &Engine{
		model:     m,
		params:    params,
		grads:     grads,
		gradIndex: gradIndex,
		opt:       opt,
	}

	for name, dst := range map[string]**model.Parameter{
		"model.encoder.feature_proj.weight": &e.featW,
		"model.encoder.feature_proj.bias":   &e.featB,
		"model.decoder.embed_tokens.weight": &e.embed,
		"proj_out.weight":                   &e.projOut,
	} {
		p, ok := m.Parameter(name)
		if !ok {
			return nil, fmt.Errorf("model %s is missing parameter %s", m.ID, name)
		}
		*dst = p
	}
	return e, nil
}

// Model returns the bound model handle.
func (e *Engine) Model() *model.Model {
	return e.model
}

// gradFor returns the gradient buffer for a parameter.
func (e *Engine) gradFor(p *model.Parameter) []float32 {
	return e.gradIndex[p]
}

// encoderCache holds forward activations needed for the backward pass.
type encoderCache struct {
	pooled []float32   // mean-pooled features
	h0     []float32   // tanh of the feature projection
	inputs [][]float32 // input to each encoder layer
	tanhs  [][]float32 // tanh output of each encoder layer
	out    []float32
}

// decoderCache holds per-position forward activations.
type decoderCache struct {
	inputs [][]float32
	tanhs  [][]float32
	out    []float32
}

// encodeSample runs the encoder forward pass for one sample.
func (e *Engine) encodeSample(features [][]float32) *encoderCache {
	cfg := e.model.Config
	h := cfg.DModel
	m := cfg.NumMelBins

	pooled := make([]float32, m)
	for _, frame := range features {
		for j := 0; j < m; j++ {
			pooled[j] += frame[j]
		}
	}
	inv := float32(1.0 / float64(len(features)))
	for j := range pooled {
		pooled[j] *= inv
	}

	h0 := make([]float32, h)
	wf := e.featW.Data
	bf := e.featB.Data
	for i := 0; i < h; i++ {
		sum := bf[i]
		row := wf[i*m : (i+1)*m]
		for j := 0; j < m; j++ {
			sum += row[j] * pooled[j]
		}
		h0[i] = tanh32(sum)
	}

	cache := &encoderCache{pooled: pooled, h0: h0}
	state := h0
	for l := 0; l < e.model.EncoderLayerCount(); l++ {
		layer := e.model.EncoderLayer(l)
		input := append([]float32(nil), state...)
		t := residualTanh(layer[0].Data, layer[1].Data, state, h)
		next := make([]float32, h)
		for i := 0; i < h; i++ {
			next[i] = state[i] + t[i]
		}
		cache.inputs = append(cache.inputs, input)
		cache.tanhs = append(cache.tanhs, t)
		state = next
	}
	cache.out = state
	return cache
}

// decodeState runs the decoder stack for one input state.
func (e *Engine) decodeState(s []float32) *decoderCache {
	h := e.model.Config.DModel
	cache := &decoderCache{}
	state := s
	for l := 0; l < e.model.DecoderLayerCount(); l++ {
		layer := e.model.DecoderLayer(l)
		input := append([]float32(nil), state...)
		t := residualTanh(layer[0].Data, layer[1].Data, state, h)
		next := make([]float32, h)
		for i := 0; i < h; i++ {
			next[i] = state[i] + t[i]
		}
		cache.inputs = append(cache.inputs, input)
		cache.tanhs = append(cache.tanhs, t)
		state = next
	}
	cache.out = state
	return cache
}

// residualTanh computes tanh(W s + b) for a square layer.
func residualTanh(w, b, s []float32, h int) []float32 {
	out := make([]float32, h)
	for i := 0; i < h; i++ {
		sum := b[i]
		row := w[i*h : (i+1)*h]
		for j := 0; j < h; j++ {
			sum += row[j] * s[j]
		}
		out[i] = tanh32(sum)
	}
	return out
}

// logits computes the vocabulary projection of a decoder state.
func (e *Engine) logits(s []float32) []float32 {
	cfg := e.model.Config
	out := make([]float32, cfg.VocabSize)
	w := e.projOut.Data
	for v := 0; v < cfg.VocabSize; v++ {
		row := w[v*cfg.DModel : (v+1)*cfg.DModel]
		sum := float32(0)
		for j := 0; j < cfg.DModel; j++ {
			sum += row[j] * s[j]
		}
		out[v] = sum
	}
	return out
}

// TrainStep runs forward and backward over one batch, accumulating
// gradients. The returned loss is the masked mean cross-entropy over the
// batch. Gradients are applied by ApplyGradients.
func (e *Engine) TrainStep(batch *dataset.Batch) (float32, error) {
	loss, err := e.run(batch, true)
	if err != nil {
		return 0, err
	}
	e.microBatches++
	return loss, nil
}

// EvalLoss computes the masked mean cross-entropy over one batch without
// touching gradients.
func (e *Engine) EvalLoss(batch *dataset.Batch) (float32, error) {
	return e.run(batch, false)
}

// run is the shared forward (and optionally backward) pass.
func (e *Engine) run(batch *dataset.Batch, backward bool) (float32, error) {
	if batch.Size() == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	cfg := e.model.Config
	h := cfg.DModel

	// Count unmasked target tokens for the mean.
	totalTokens := 0
	for _, labels := range batch.Labels {
		for _, y := range labels {
			if y != dataset.LabelMaskID {
				totalTokens++
			}
		}
	}
	if totalTokens == 0 {
		return 0, fmt.Errorf("batch has no unmasked label tokens")
	}
	invTokens := float32(1.0 / float64(totalTokens))

	var totalLoss float64
	for s := 0; s < batch.Size(); s++ {
		enc := e.encodeSample(batch.InputFeatures[s])
		dEncOut := make([]float32, h)

		prev := cfg.DecoderStartTokenID
		for t, y := range batch.Labels[s] {
			if y == dataset.LabelMaskID {
				continue
			}
			if y < 0 || y >= cfg.VocabSize {
				return 0, fmt.Errorf("label token %d at position %d out of vocabulary range", y, t)
			}

			sIn := make([]float32, h)
			embedRow := e.embed.Data[prev*h : (prev+1)*h]
			for i := 0; i < h; i++ {
				sIn[i] = embedRow[i] + enc.out[i]
			}
			dec := e.decodeState(sIn)

			logits := e.logits(dec.out)
			probs := softmax(logits)
			totalLoss += -math.Log(math.Max(float64(probs[y]), 1e-12))

			if backward {
				// dlogits = (softmax - onehot) / totalTokens
				dState := make([]float32, h)
				projGrad := e.gradFor(e.projOut)
				for v := 0; v < cfg.VocabSize; v++ {
					d := probs[v] * invTokens
					if v == y {
						d -= invTokens
					}
					if d == 0 {
						continue
					}
					row := e.projOut.Data[v*h : (v+1)*h]
					gRow := projGrad[v*h : (v+1)*h]
					for j := 0; j < h; j++ {
						gRow[j] += d * dec.out[j]
						dState[j] += d * row[j]
					}
				}

				dIn := e.backwardDecoder(dec, dState)

				embedGrad := e.gradFor(e.embed)[prev*h : (prev+1)*h]
				for i := 0; i < h; i++ {
					embedGrad[i] += dIn[i]
					dEncOut[i] += dIn[i]
				}
			}

			prev = y
		}

		if backward {
			e.backwardEncoder(enc, dEncOut)
		}
	}

	return float32(totalLoss / float64(totalTokens)), nil
}

// backwardDecoder backpropagates through the decoder stack, accumulating
// layer gradients, and returns the gradient of the decoder input state.
func (e *Engine) backwardDecoder(cache *decoderCache, dOut []float32) []float32 {
	h := e.model.Config.DModel
	d := dOut
	for l := e.model.DecoderLayerCount() - 1; l >= 0; l-- {
		layer := e.model.DecoderLayer(l)
		d = e.backwardResidual(layer, cache.inputs[l], cache.tanhs[l], d, h)
	}
	return d
}

// backwardEncoder backpropagates through the encoder stack and the
// feature projection.
func (e *Engine) backwardEncoder(cache *encoderCache, dOut []float32) {
	cfg := e.model.Config
	h := cfg.DModel
	m := cfg.NumMelBins

	d := dOut
	for l := e.model.EncoderLayerCount() - 1; l >= 0; l-- {
		layer := e.model.EncoderLayer(l)
		d = e.backwardResidual(layer, cache.inputs[l], cache.tanhs[l], d, h)
	}

	// Feature projection: h0 = tanh(Wf x + bf).
	wGrad := e.gradFor(e.featW)
	bGrad := e.gradFor(e.featB)
	for i := 0; i < h; i++ {
		dPre := d[i] * (1 - cache.h0[i]*cache.h0[i])
		if dPre == 0 {
			continue
		}
		bGrad[i] += dPre
		row := wGrad[i*m : (i+1)*m]
		for j := 0; j < m; j++ {
			row[j] += dPre * cache.pooled[j]
		}
	}
}

// backwardResidual backpropagates through out = in + tanh(W in + b).
func (e *Engine) backwardResidual(layer []*model.Parameter, input, tanhOut, dOut []float32, h int) []float32 {
	w := layer[0].Data
	wGrad := e.gradFor(layer[0])
	bGrad := e.gradFor(layer[1])

	dIn := append([]float32(nil), dOut...)
	for i := 0; i < h; i++ {
		dz := dOut[i] * (1 - tanhOut[i]*tanhOut[i])
		if dz == 0 {
			continue
		}
		bGrad[i] += dz
		row := w[i*h : (i+1)*h]
		gRow := wGrad[i*h : (i+1)*h]
		for j := 0; j < h; j++ {
			gRow[j] += dz * input[j]
			dIn[j] += dz * row[j]
		}
	}
	return dIn
}

// ApplyGradients averages accumulated gradients over the micro-batches
// since the last call and applies one optimizer step at the given
// learning rate. Frozen parameters receive no update.
func (e *Engine) ApplyGradients(lr float32) error {
	if e.microBatches == 0 {
		return fmt.Errorf("no gradients accumulated")
	}

	if e.microBatches > 1 {
		inv := float32(1.0 / float64(e.microBatches))
		for _, g := range e.grads {
			for j := range g {
				g[j] *= inv
			}
		}
	}

	weights := make([][]float32, len(e.params))
	trainable := make([]bool, len(e.params))
	for i, p := range e.params {
		weights[i] = p.Data
		trainable[i] = p.Trainable
	}

	e.opt.UpdateLearningRate(lr)
	if err := e.opt.Step(weights, e.grads, trainable); err != nil {
		return fmt.Errorf("optimizer step failed: %v", err)
	}

	for _, g := range e.grads {
		for j := range g {
			g[j] = 0
		}
	}
	e.microBatches = 0
	return nil
}

// Generate greedily decodes token IDs for every sample in the batch,
// honoring the model's generation config (forced decoder IDs, when set,
// override the sampled token at their positions).
func (e *Engine) Generate(batch *dataset.Batch, maxLength int) ([][]int, error) {
	if batch.Size() == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	cfg := e.model.Config
	h := cfg.DModel

	if maxLength <= 0 {
		maxLength = e.model.Generation.MaxLength
	}

	forced := make(map[int]int)
	for _, pair := range e.model.Generation.ForcedDecoderIDs {
		forced[pair[0]] = pair[1]
	}

	out := make([][]int, batch.Size())
	for s := 0; s < batch.Size(); s++ {
		enc := e.encodeSample(batch.InputFeatures[s])

		ids := []int{cfg.DecoderStartTokenID}
		prev := cfg.DecoderStartTokenID
		for pos := 1; pos <= maxLength; pos++ {
			var next int
			if tok, ok := forced[pos]; ok {
				next = tok
			} else {
				sIn := make([]float32, h)
				embedRow := e.embed.Data[prev*h : (prev+1)*h]
				for i := 0; i < h; i++ {
					sIn[i] = embedRow[i] + enc.out[i]
				}
				dec := e.decodeState(sIn)
				next = argmax(e.logits(dec.out))
			}
			ids = append(ids, next)
			if next == cfg.EOSTokenID {
				break
			}
			prev = next
		}
		out[s] = ids
	}
	return out, nil
}

// State extracts the model weights and optimizer state for
// checkpointing.
func (e *Engine) State() (*checkpoints.ModelState, error) {
	state := &checkpoints.ModelState{}
	for _, p := range e.params {
		state.Weights = append(state.Weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: p.Shape,
			Data:  append([]float32(nil), p.Data...),
		})
	}

	optState, err := e.opt.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to extract optimizer state: %v", err)
	}
	state.OptimizerState = optState
	return state, nil
}

// LoadState restores model weights (and, when present, optimizer state)
// from a checkpoint.
func (e *Engine) LoadState(state *checkpoints.ModelState) error {
	for _, weight := range state.Weights {
		p, ok := e.model.Parameter(weight.Name)
		if !ok {
			return fmt.Errorf("checkpoint weight %q has no matching model parameter", weight.Name)
		}
		if len(weight.Data) != len(p.Data) {
			return fmt.Errorf("checkpoint weight %q size mismatch: model expects %d elements, got %d", weight.Name, len(p.Data), len(weight.Data))
		}
		copy(p.Data, weight.Data)
	}

	if state.OptimizerState != nil {
		if err := e.opt.LoadState(state.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	return nil
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func softmax(logits []float32) []float32 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	out := make([]float32, len(logits))
	for i, v := range logits {
		ev := math.Exp(float64(v - maxVal))
		out[i] = float32(ev)
		sum += ev
	}
	inv := float32(1.0 / sum)
	for i := range out {
		out[i] *= inv
	}
	return out
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

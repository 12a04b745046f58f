package dataset

import (
	"fmt"
)

// LabelMaskID marks padded label positions so the loss ignores them.
const LabelMaskID = -100

// Batch is a rectangular batch of padded features and labels.
type Batch struct {
	// InputFeatures is sample x frames x mel-bins, padded to the longest
	// frame count in the batch.
	InputFeatures [][][]float32
	// Labels is sample x positions, padded with LabelMaskID.
	Labels [][]int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.InputFeatures)
}

// Collator pads variable-length features and labels into rectangular
// batches and masks label padding out of the loss.
type Collator struct {
	// PaddingValue fills padded feature frames.
	PaddingValue float32
	// DecoderStartTokenID is stripped from the front of label sequences
	// when every sequence in the batch carries one; the decoder prepends
	// it again during teacher forcing.
	DecoderStartTokenID int
}

// NewCollator creates a collator matching a processor's padding value and
// the model's decoder start token.
func NewCollator(paddingValue float32, decoderStartTokenID int) *Collator {
	return &Collator{
		PaddingValue:        paddingValue,
		DecoderStartTokenID: decoderStartTokenID,
	}
}

// Collate builds one padded batch from a set of samples.
func (c *Collator) Collate(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}

	strip := c.allCarryDecoderStart(samples)

	maxFrames := 0
	maxLabels := 0
	melBins := len(samples[0].InputFeatures[0])
	for i, s := range samples {
		if len(s.InputFeatures) > maxFrames {
			maxFrames = len(s.InputFeatures)
		}
		labels := c.labelsFor(s, strip)
		if len(labels) > maxLabels {
			maxLabels = len(labels)
		}
		for _, frame := range s.InputFeatures {
			if len(frame) != melBins {
				return nil, fmt.Errorf("sample %d has inconsistent feature width: %d vs %d", i, len(frame), melBins)
			}
		}
	}

	batch := &Batch{
		InputFeatures: make([][][]float32, len(samples)),
		Labels:        make([][]int, len(samples)),
	}

	for i, s := range samples {
		features := make([][]float32, maxFrames)
		for f := 0; f < maxFrames; f++ {
			frame := make([]float32, melBins)
			if f < len(s.InputFeatures) {
				copy(frame, s.InputFeatures[f])
			} else {
				for j := range frame {
					frame[j] = c.PaddingValue
				}
			}
			features[f] = frame
		}
		batch.InputFeatures[i] = features

		src := c.labelsFor(s, strip)
		labels := make([]int, maxLabels)
		copy(labels, src)
		for j := len(src); j < maxLabels; j++ {
			labels[j] = LabelMaskID
		}
		batch.Labels[i] = labels
	}

	return batch, nil
}

// allCarryDecoderStart reports whether every label sequence in the batch
// begins with the decoder-start token. Only then is the token stripped;
// a mixed batch is left untouched so sequences stay aligned.
func (c *Collator) allCarryDecoderStart(samples []*Sample) bool {
	for _, s := range samples {
		if len(s.Labels) == 0 || s.Labels[0] != c.DecoderStartTokenID {
			return false
		}
	}
	return true
}

// labelsFor returns a sample's labels, without the leading decoder-start
// token when the batch-wide strip applies.
func (c *Collator) labelsFor(s *Sample, strip bool) []int {
	if strip {
		return s.Labels[1:]
	}
	return s.Labels
}

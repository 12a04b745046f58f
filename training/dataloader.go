package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/whisper-tune/dataset"
)

// Loader provides batching and per-epoch shuffling over a dataset split.
// Shuffling is seeded by epoch number so that a resumed run walks the
// same batch order as the interrupted one.
type Loader struct {
	split     *dataset.Split
	collator  *dataset.Collator
	batchSize int
	shuffle   bool
	seed      int64

	epoch    int
	indices  []int
	position int
}

// NewLoader creates a loader over a split.
func NewLoader(split *dataset.Split, collator *dataset.Collator, batchSize int, shuffle bool, seed int64) *Loader {
	l := &Loader{
		split:     split,
		collator:  collator,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		indices:   make([]int, split.Len()),
	}
	l.reshuffle()
	return l
}

// Len returns the number of batches in an epoch.
func (l *Loader) Len() int {
	return (l.split.Len() + l.batchSize - 1) / l.batchSize
}

// Epoch returns the current zero-based epoch number.
func (l *Loader) Epoch() int {
	return l.epoch
}

func (l *Loader) reshuffle() {
	for i := range l.indices {
		l.indices[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(l.seed + int64(l.epoch)))
		rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
	l.position = 0
}

// Next returns the next batch, or nil at the end of the epoch.
func (l *Loader) Next() (*dataset.Batch, error) {
	if l.position >= len(l.indices) {
		return nil, nil
	}

	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}

	samples := make([]*dataset.Sample, 0, end-l.position)
	for _, idx := range l.indices[l.position:end] {
		s, err := l.split.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample from split %s: %v", l.split.Name, err)
		}
		samples = append(samples, s)
	}
	l.position = end

	return l.collator.Collate(samples)
}

// NextCycling returns the next batch, rolling over into a freshly
// shuffled epoch when the current one is exhausted.
func (l *Loader) NextCycling() (*dataset.Batch, error) {
	batch, err := l.Next()
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}
	l.epoch++
	l.reshuffle()
	return l.Next()
}

// Reset rewinds the loader to the start of epoch zero.
func (l *Loader) Reset() {
	l.epoch = 0
	l.reshuffle()
}

// SkipBatches fast-forwards past n batches without materializing them,
// used when resuming from a checkpoint.
func (l *Loader) SkipBatches(n int) {
	perEpoch := l.Len()
	if perEpoch == 0 {
		return
	}

	l.epoch += n / perEpoch
	l.reshuffle()
	remainder := n % perEpoch
	l.position = remainder * l.batchSize
	if l.position > len(l.indices) {
		l.position = len(l.indices)
	}
}

package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWarmupLinearScheduler(t *testing.T) {
	s := NewWarmupLinearScheduler(100, 1000)
	baseLR := 1e-4

	// Ramps during warmup.
	assert.InDelta(t, baseLR*0.01, s.GetLR(1, baseLR), 1e-12)
	assert.InDelta(t, baseLR*0.5, s.GetLR(50, baseLR), 1e-12)
	assert.InDelta(t, baseLR, s.GetLR(100, baseLR), 1e-12)

	// Decays linearly after warmup.
	assert.Less(t, s.GetLR(500, baseLR), baseLR)
	assert.Greater(t, s.GetLR(500, baseLR), 0.0)

	// Reaches zero at the final step.
	assert.InDelta(t, 0.0, s.GetLR(1000, baseLR), 1e-12)
}

func TestWarmupLinearSchedulerMonotonicity(t *testing.T) {
	s := NewWarmupLinearScheduler(500, 14000)
	baseLR := 1.25e-5

	prev := 0.0
	for step := 1; step <= 500; step++ {
		lr := s.GetLR(step, baseLR)
		assert.Greater(t, lr, prev, "warmup must increase at step %d", step)
		prev = lr
	}
	for step := 501; step <= 14000; step += 500 {
		lr := s.GetLR(step, baseLR)
		assert.Less(t, lr, prev, "decay must decrease at step %d", step)
		prev = lr
	}
}

func TestWarmupLinearSchedulerNoWarmup(t *testing.T) {
	s := NewWarmupLinearScheduler(0, 10)
	assert.InDelta(t, 0.9e-3, s.GetLR(1, 1e-3), 1e-12)
	assert.Equal(t, "WarmupLinear", s.GetName())
}

func TestConstantLRScheduler(t *testing.T) {
	s := &ConstantLRScheduler{}
	assert.Equal(t, 1e-3, s.GetLR(1, 1e-3))
	assert.Equal(t, 1e-3, s.GetLR(9999, 1e-3))
}

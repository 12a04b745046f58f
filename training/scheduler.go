package training

// LRScheduler defines the interface for learning rate scheduling
// strategies. Schedulers are pure functions of the step so that resume
// reproduces the exact schedule.
type LRScheduler interface {
	// GetLR returns the learning rate for a one-based training step.
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// WarmupLinearScheduler ramps the learning rate linearly from zero over
// the warmup steps, then decays it linearly to zero at the final step.
type WarmupLinearScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

// NewWarmupLinearScheduler creates the standard warmup-then-linear-decay
// schedule.
func NewWarmupLinearScheduler(warmupSteps, totalSteps int) *WarmupLinearScheduler {
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if totalSteps <= 0 {
		totalSteps = 1
	}
	return &WarmupLinearScheduler{
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

func (s *WarmupLinearScheduler) GetLR(step int, baseLR float64) float64 {
	if s.WarmupSteps > 0 && step <= s.WarmupSteps {
		return baseLR * float64(step) / float64(s.WarmupSteps)
	}
	remaining := float64(s.TotalSteps - step)
	span := float64(s.TotalSteps - s.WarmupSteps)
	if span <= 0 || remaining < 0 {
		return 0
	}
	return baseLR * remaining / span
}

func (s *WarmupLinearScheduler) GetName() string {
	return "WarmupLinear"
}

// ConstantLRScheduler keeps the learning rate fixed.
type ConstantLRScheduler struct{}

func (s *ConstantLRScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLRScheduler) GetName() string {
	return "ConstantLR"
}

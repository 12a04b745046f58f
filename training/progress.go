package training

import (
	"fmt"
	"sort"
	"time"
)

// progressReporter prints training progress in fixed-interval lines.
type progressReporter struct {
	startTime time.Time
	maxSteps  int
}

func newProgressReporter(maxSteps int) *progressReporter {
	return &progressReporter{
		startTime: time.Now(),
		maxSteps:  maxSteps,
	}
}

// logStep prints one training progress line.
func (pr *progressReporter) logStep(step int, loss float64, lr float64) {
	fmt.Printf("Step %d/%d: Loss=%.4f, LR=%.3g, Elapsed=%v\n",
		step, pr.maxSteps, loss, lr, time.Since(pr.startTime).Round(time.Second))
}

// logEval prints evaluation metrics in a stable key order.
func (pr *progressReporter) logEval(step int, metrics map[string]float64) {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("Step %d/%d:", step, pr.maxSteps)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%.4f", k, metrics[k])
	}
	fmt.Println(line)
}

// finish prints the closing summary.
func (pr *progressReporter) finish(step int, avgLoss float64) {
	elapsed := time.Since(pr.startTime)
	fmt.Printf("Training finished at step %d: Avg Loss=%.4f, Time=%v\n",
		step, avgLoss, elapsed.Round(time.Second))
}

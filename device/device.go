// Package device probes the host for compute capabilities. The training
// engine runs on the CPU either way; the probe feeds startup logging and
// lets batch math stay honest about what the host can do.
package device

import (
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// EnvOverride names the environment variable that forces the reported
// device kind, e.g. WHISPER_TUNE_DEVICE=cpu.
const EnvOverride = "WHISPER_TUNE_DEVICE"

// Kind identifies a compute device class.
type Kind string

const (
	CPU Kind = "cpu"
)

// Info describes the resolved compute device.
type Info struct {
	Kind         Kind
	Name         string
	LogicalCores int
	VectorWidth  int
}

// Resolve probes the host CPU and returns its description. The
// EnvOverride variable, when set, replaces the detected kind so runs can
// be pinned for reproducibility.
func Resolve() Info {
	info := Info{
		Kind:         CPU,
		Name:         cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
		VectorWidth:  vectorWidth(),
	}
	if info.Name == "" {
		info.Name = runtime.GOARCH
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if override := os.Getenv(EnvOverride); override != "" {
		info.Kind = Kind(override)
	}
	return info
}

// vectorWidth reports the widest SIMD lane count for float32 math the
// host supports.
func vectorWidth() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.SSE2):
		return 4
	default:
		return 1
	}
}

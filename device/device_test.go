package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	info := Resolve()
	assert.Equal(t, CPU, info.Kind)
	assert.NotEmpty(t, info.Name)
	assert.Positive(t, info.LogicalCores)
	assert.Positive(t, info.VectorWidth)
}

func TestResolveEnvOverride(t *testing.T) {
	t.Setenv(EnvOverride, "cpu-pinned")
	info := Resolve()
	assert.Equal(t, Kind("cpu-pinned"), info.Kind)
}

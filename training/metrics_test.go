package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordErrorRate(t *testing.T) {
	tests := []struct {
		name        string
		predictions []string
		references  []string
		want        float64
	}{
		{
			name:        "exact match",
			predictions: []string{"the quick brown fox"},
			references:  []string{"the quick brown fox"},
			want:        0,
		},
		{
			name:        "one substitution in four words",
			predictions: []string{"the quick brown cat"},
			references:  []string{"the quick brown fox"},
			want:        25,
		},
		{
			name:        "one deletion in four words",
			predictions: []string{"the quick brown"},
			references:  []string{"the quick brown fox"},
			want:        25,
		},
		{
			name:        "one insertion in two words",
			predictions: []string{"hello there world"},
			references:  []string{"hello world"},
			want:        50,
		},
		{
			name:        "aggregated over pairs",
			predictions: []string{"a b", "c d"},
			references:  []string{"a b", "c x"},
			want:        25,
		},
		{
			name:        "empty prediction",
			predictions: []string{""},
			references:  []string{"one two"},
			want:        100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WordErrorRate(tt.predictions, tt.references)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestWordErrorRateCountMismatch(t *testing.T) {
	_, err := WordErrorRate([]string{"a"}, []string{"a", "b"})
	assert.ErrorContains(t, err, "does not match")
}

func TestWordErrorRateEmptyReferences(t *testing.T) {
	_, err := WordErrorRate([]string{""}, []string{""})
	assert.ErrorContains(t, err, "no words")
}

package training

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// WordErrorRate computes the word error rate between predicted and
// reference transcripts, as a percentage of reference words. Lower is
// better; a perfect transcription scores 0.
func WordErrorRate(predictions, references []string) (float64, error) {
	if len(predictions) != len(references) {
		return 0, fmt.Errorf("prediction count %d does not match reference count %d", len(predictions), len(references))
	}

	var totalEdits, totalWords int
	for i := range references {
		refWords := strings.Fields(references[i])
		predWords := strings.Fields(predictions[i])
		totalWords += len(refWords)
		totalEdits += wordEditDistance(predWords, refWords)
	}

	if totalWords == 0 {
		return 0, fmt.Errorf("references contain no words")
	}
	return 100 * float64(totalEdits) / float64(totalWords), nil
}

// wordEditDistance computes the Levenshtein distance between two word
// sequences by mapping each distinct word to a private-use rune, so the
// string distance operates on whole words.
func wordEditDistance(a, b []string) int {
	codes := make(map[string]rune)
	next := rune(0xE000)
	encode := func(words []string) string {
		var sb strings.Builder
		for _, w := range words {
			code, ok := codes[w]
			if !ok {
				code = next
				codes[w] = code
				next++
			}
			sb.WriteRune(code)
		}
		return sb.String()
	}
	return levenshtein.ComputeDistance(encode(a), encode(b))
}

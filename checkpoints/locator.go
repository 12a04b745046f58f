package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Latest scans an output directory for resumable checkpoints and returns
// the path of the one with the highest step number. A missing directory
// or a directory with no checkpoint entries yields an empty path (fresh
// start), not an error. An entry that carries the checkpoint prefix but a
// non-integer suffix indicates a corrupted output directory and is
// surfaced immediately rather than skipped.
func Latest(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to scan output directory %s: %v", root, err)
	}

	bestStep := -1
	bestName := ""
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, Prefix) {
			continue
		}
		step, err := ParseStep(name)
		if err != nil {
			return "", err
		}
		if step > bestStep {
			bestStep = step
			bestName = name
		}
	}

	if bestName == "" {
		return "", nil
	}
	return filepath.Join(root, bestName), nil
}

// ParseStep extracts the step number from a checkpoint directory name.
func ParseStep(name string) (int, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, Prefix) {
		return 0, fmt.Errorf("%q is not a checkpoint directory name", base)
	}
	suffix := strings.TrimPrefix(base, Prefix)
	step, err := strconv.Atoi(suffix)
	if err != nil || step < 0 {
		return 0, fmt.Errorf("malformed checkpoint directory name %q: suffix %q is not a valid step number", base, suffix)
	}
	return step, nil
}

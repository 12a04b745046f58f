package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Sample is one aligned (audio-feature, label) pair. InputFeatures is a
// frames x mel-bins matrix produced by the dataset-preparation stage;
// Labels are token IDs for the reference transcript.
type Sample struct {
	InputFeatures [][]float32 `json:"input_features"`
	Labels        []int       `json:"labels"`
}

// Split is a named collection of samples.
type Split struct {
	Name    string
	Samples []Sample
}

// Len returns the number of samples in the split.
func (s *Split) Len() int {
	return len(s.Samples)
}

// Get returns a single sample by index.
func (s *Split) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(s.Samples) {
		return nil, fmt.Errorf("sample index %d out of range for split %s with %d samples", idx, s.Name, len(s.Samples))
	}
	return &s.Samples[idx], nil
}

// Dict holds the three named splits of a prepared dataset.
type Dict struct {
	Train *Split
	Eval  *Split
	Test  *Split
}

// splitInfo is the per-split metadata file written by the preparation
// stage.
type splitInfo struct {
	Split   string `json:"split"`
	NumRows int    `json:"num_rows"`
}

// SplitNames are the splits a prepared dataset directory must contain.
var SplitNames = []string{"train", "eval", "test"}

// LoadFromDisk reads a prepared dataset directory containing one
// subdirectory per split. A missing directory or missing split is fatal:
// dataset preparation is a hard prerequisite of training. Splits are
// loaded concurrently.
func LoadFromDisk(path string) (*Dict, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dataset directory %s not found (run the dataset preparation stage first): %v", path, err)
	}

	splits := make([]*Split, len(SplitNames))
	var g errgroup.Group
	for i, name := range SplitNames {
		i, name := i, name
		g.Go(func() error {
			split, err := loadSplit(filepath.Join(path, name), name)
			if err != nil {
				return err
			}
			splits[i] = split
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Dict{Train: splits[0], Eval: splits[1], Test: splits[2]}, nil
}

// loadSplit reads one split directory: dataset_info.json plus the record
// file.
func loadSplit(dir, name string) (*Split, error) {
	infoPath := filepath.Join(dir, "dataset_info.json")
	infoFile, err := os.Open(infoPath)
	if err != nil {
		return nil, fmt.Errorf("dataset split %q missing at %s: %v", name, dir, err)
	}
	defer infoFile.Close()

	var info splitInfo
	if err := json.NewDecoder(infoFile).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %v", infoPath, err)
	}

	dataPath := filepath.Join(dir, "data.json")
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("dataset split %q has no record file at %s: %v", name, dataPath, err)
	}
	defer dataFile.Close()

	var samples []Sample
	if err := json.NewDecoder(dataFile).Decode(&samples); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %v", dataPath, err)
	}

	if info.NumRows != len(samples) {
		return nil, fmt.Errorf("dataset split %q metadata reports %d rows but record file holds %d", name, info.NumRows, len(samples))
	}

	for i, s := range samples {
		if len(s.InputFeatures) == 0 {
			return nil, fmt.Errorf("dataset split %q sample %d has no input features", name, i)
		}
		if len(s.Labels) == 0 {
			return nil, fmt.Errorf("dataset split %q sample %d has no labels", name, i)
		}
	}

	return &Split{Name: name, Samples: samples}, nil
}

// SaveToDisk writes a dataset dictionary in the on-disk layout read by
// LoadFromDisk. Used by the preparation stage and by tests.
func SaveToDisk(d *Dict, path string) error {
	for _, split := range []*Split{d.Train, d.Eval, d.Test} {
		dir := filepath.Join(path, split.Name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create split directory %s: %v", dir, err)
		}

		info := splitInfo{Split: split.Name, NumRows: split.Len()}
		if err := writeJSON(filepath.Join(dir, "dataset_info.json"), info); err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(dir, "data.json"), split.Samples); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %v", path, err)
	}
	return nil
}

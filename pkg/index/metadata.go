package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const metadataFileName = "metadata.json"

// indexMetadataVersion is the on-disk metadata.json schema version, bumped
// whenever a field is added or its meaning changes.
const indexMetadataVersion = "1.0.0"

// indexMetadata is the textual counterpart to coarse_quantizer.bin and
// residual_quantizer.bin: the scalar settings an index was trained with,
// re-derived from neither binary blob so a reader can inspect them without
// parsing the quantizer formats.
type indexMetadata struct {
	NumCentroids  int           `json:"nlist"`
	NBits         int           `json:"nbits"`
	NumIterations int           `json:"niter"`
	Dim           int           `json:"dim"`
	NumSubquant   int           `json:"num_subquantizers"`
	QuantizerType QuantizerType `json:"quantizer_type"`
	Version       string        `json:"version"`
}

func metadataFromConfig(cfg Config) indexMetadata {
	return indexMetadata{
		NumCentroids:  cfg.NumCentroids,
		NBits:         cfg.NBits,
		NumIterations: cfg.TrainIterations,
		Dim:           cfg.Dim,
		NumSubquant:   cfg.NumSubvectors,
		QuantizerType: cfg.QuantizerType,
		Version:       indexMetadataVersion,
	}
}

func (m indexMetadata) toConfig(threadPoolSize int) Config {
	return Config{
		Dim:             m.Dim,
		NumCentroids:    m.NumCentroids,
		TrainIterations: m.NumIterations,
		QuantizerType:   m.QuantizerType,
		NBits:           m.NBits,
		NumSubvectors:   m.NumSubquant,
		PQBitsPerCode:   8,
		ThreadPoolSize:  threadPoolSize,
	}
}

func saveMetadata(dir string, m indexMetadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o644)
}

func loadMetadata(dir string) (indexMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return indexMetadata{}, fmt.Errorf("index: read metadata: %w", err)
	}
	var m indexMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return indexMetadata{}, fmt.Errorf("index: parse metadata: %w", err)
	}
	return m, nil
}

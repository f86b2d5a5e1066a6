package index

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// QuantizerType selects which residual quantizer variant a new index trains.
type QuantizerType string

const (
	QuantizerNone      QuantizerType = "none"
	QuantizerBinarizer QuantizerType = "binarizer"
	QuantizerProduct   QuantizerType = "pq"
)

// Config holds the settings needed to create or train an index: a plain
// struct, a Default(), and a LoadFromEnv() reading os.Getenv/strconv
// directly rather than a third-party config library.
type Config struct {
	Dim             int           // d, vector dimensionality
	NumCentroids    int           // nlist
	TrainIterations int           // niter, Lloyd iterations for coarse training
	QuantizerType   QuantizerType // residual quantizer variant
	NBits           int           // bits per dimension, Binarizer only
	NumSubvectors   int           // M, ProductQuantizer only
	PQBitsPerCode   int           // bits per subvector code, ProductQuantizer only
	ThreadPoolSize  int           // bounds every errgroup this index creates
}

// Default returns a Config suitable for a moderate-size single-shard index.
func Default() Config {
	return Config{
		Dim:             128,
		NumCentroids:    256,
		TrainIterations: 25,
		QuantizerType:   QuantizerProduct,
		NBits:           2,
		NumSubvectors:   8,
		PQBitsPerCode:   8,
		ThreadPoolSize:  runtime.GOMAXPROCS(0),
	}
}

// LoadFromEnv starts from Default and overrides fields present in the
// environment.
func LoadFromEnv() Config {
	cfg := Default()

	if dim := os.Getenv("COREDB_DIM"); dim != "" {
		if d, err := strconv.Atoi(dim); err == nil {
			cfg.Dim = d
		}
	}
	if nlist := os.Getenv("COREDB_NUM_CENTROIDS"); nlist != "" {
		if n, err := strconv.Atoi(nlist); err == nil {
			cfg.NumCentroids = n
		}
	}
	if niter := os.Getenv("COREDB_TRAIN_ITERATIONS"); niter != "" {
		if n, err := strconv.Atoi(niter); err == nil {
			cfg.TrainIterations = n
		}
	}
	if qt := os.Getenv("COREDB_QUANTIZER_TYPE"); qt != "" {
		cfg.QuantizerType = QuantizerType(qt)
	}
	if nbits := os.Getenv("COREDB_NBITS"); nbits != "" {
		if n, err := strconv.Atoi(nbits); err == nil {
			cfg.NBits = n
		}
	}
	if sub := os.Getenv("COREDB_NUM_SUBVECTORS"); sub != "" {
		if n, err := strconv.Atoi(sub); err == nil {
			cfg.NumSubvectors = n
		}
	}
	if bpc := os.Getenv("COREDB_PQ_BITS_PER_CODE"); bpc != "" {
		if n, err := strconv.Atoi(bpc); err == nil {
			cfg.PQBitsPerCode = n
		}
	}
	if threads := os.Getenv("COREDB_THREAD_POOL_SIZE"); threads != "" {
		if n, err := strconv.Atoi(threads); err == nil {
			cfg.ThreadPoolSize = n
		}
	}

	return cfg
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Dim < 1 {
		return fmt.Errorf("invalid dim: %d (must be > 0)", c.Dim)
	}
	if c.NumCentroids < 1 {
		return fmt.Errorf("invalid num_centroids: %d (must be > 0)", c.NumCentroids)
	}
	if c.TrainIterations < 1 {
		return fmt.Errorf("invalid train_iterations: %d (must be > 0)", c.TrainIterations)
	}
	switch c.QuantizerType {
	case QuantizerNone, QuantizerBinarizer, QuantizerProduct:
	default:
		return fmt.Errorf("invalid quantizer_type: %q", c.QuantizerType)
	}
	if c.QuantizerType == QuantizerBinarizer {
		if c.NBits != 1 && c.NBits != 2 && c.NBits != 4 {
			return fmt.Errorf("invalid nbits: %d (must be 1, 2, or 4)", c.NBits)
		}
		if c.Dim%(c.NBits*8) != 0 {
			return fmt.Errorf("dim %d is not divisible by nbits*8 (%d)", c.Dim, c.NBits*8)
		}
	}
	if c.QuantizerType == QuantizerProduct {
		if c.NumSubvectors < 1 {
			return fmt.Errorf("invalid num_subvectors: %d (must be > 0)", c.NumSubvectors)
		}
		if c.Dim%c.NumSubvectors != 0 {
			return fmt.Errorf("dim %d is not divisible by num_subvectors %d", c.Dim, c.NumSubvectors)
		}
	}
	if c.ThreadPoolSize < 1 {
		return fmt.Errorf("invalid thread_pool_size: %d (must be > 0)", c.ThreadPoolSize)
	}
	return nil
}

package quantization

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CoarseQuantizer is the IVF centroid table: a k-means codebook trained on
// unit-norm token vectors, used to assign each token to a centroid and to
// compute the residual that remains after assignment.
//
// A CoarseQuantizer is immutable once trained and is shared read-only by
// every query; callers never mutate it after Train (or Reset+Add) returns.
type CoarseQuantizer struct {
	dim       int
	centroids [][]float32
	trained   bool
	// threads bounds the worker pool used by Search's per-token top-k pass.
	threads int
}

// NewCoarseQuantizer returns an untrained quantizer for d-dimensional
// vectors. threads <= 0 defaults to 1 (no parallelism).
func NewCoarseQuantizer(dim, threads int) *CoarseQuantizer {
	if threads <= 0 {
		threads = 1
	}
	return &CoarseQuantizer{dim: dim, threads: threads}
}

// Train clusters n vectors into nlist centroids via k-means++ seeding plus
// niter Lloyd iterations, using inner product as the assignment similarity
// (equivalent to L2 on unit-norm inputs, since ‖a-b‖² = 2 - 2⟨a,b⟩ for unit
// vectors).
func (q *CoarseQuantizer) Train(vectors [][]float32, nlist, niter int) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training vectors provided")
	}
	if len(vectors) <= nlist {
		return fmt.Errorf("quantization: training requires more vectors (%d) than centroids (%d)", len(vectors), nlist)
	}
	if nlist <= 0 {
		return fmt.Errorf("quantization: nlist must be positive, got %d", nlist)
	}
	if uint64(nlist) > math.MaxUint32 {
		return fmt.Errorf("quantization: nlist %d exceeds 32-bit code width", nlist)
	}
	if niter <= 0 {
		niter = DefaultConfig().NumIterations
	}

	cfg := &QuantizationConfig{
		NumIterations:  niter,
		DistanceMetric: DotProductDistance,
		RandomSeed:     42,
	}
	centroids, err := KMeansPlusPlus(vectors, nlist, cfg)
	if err != nil {
		return fmt.Errorf("quantization: coarse training failed: %w", err)
	}

	q.dim = len(vectors[0])
	q.centroids = centroids
	q.trained = true
	return nil
}

// IsTrained reports whether Train (or Reset+Add) has populated the centroid
// table.
func (q *CoarseQuantizer) IsTrained() bool { return q.trained }

// NumCentroids returns nlist.
func (q *CoarseQuantizer) NumCentroids() int { return len(q.centroids) }

// Dim returns the vector dimensionality.
func (q *CoarseQuantizer) Dim() int { return q.dim }

// GetCentroids returns the nlist centroid rows (each d-dimensional), read-only.
func (q *CoarseQuantizer) GetCentroids() [][]float32 { return q.centroids }

// Reset clears the centroid table, allowing a subsequent Add to replace it
// wholesale — used when multiple index shards must share one externally
// trained codebook rather than each training its own.
func (q *CoarseQuantizer) Reset() {
	q.centroids = nil
	q.trained = false
}

// Add installs a centroid table directly, bypassing Train. Intended to be
// called once after Reset with a codebook trained elsewhere.
func (q *CoarseQuantizer) Add(centroids [][]float32) error {
	if len(centroids) == 0 {
		return fmt.Errorf("quantization: Add requires at least one centroid")
	}
	q.dim = len(centroids[0])
	q.centroids = centroids
	q.trained = true
	return nil
}

// Assign returns, for each input vector, the index of its nearest centroid
// by inner product: argmax_i ⟨v, c_i⟩.
func (q *CoarseQuantizer) Assign(vectors [][]float32) ([]uint32, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: coarse quantizer is not trained")
	}
	codes := make([]uint32, len(vectors))
	for i, v := range vectors {
		codes[i] = q.nearest(v)
	}
	return codes, nil
}

func (q *CoarseQuantizer) nearest(v []float32) uint32 {
	best := -1
	var bestScore float32 = -math.MaxFloat32
	for i, c := range q.centroids {
		s := DotProductFloat32(v, c)
		if s > bestScore {
			bestScore = s
			best = i
		}
	}
	return uint32(best)
}

// Residual computes v - c_i elementwise, with no re-normalization.
func (q *CoarseQuantizer) Residual(v []float32, centroid uint32) ([]float32, error) {
	if int(centroid) >= len(q.centroids) {
		return nil, fmt.Errorf("quantization: centroid id %d out of range [0, %d)", centroid, len(q.centroids))
	}
	c := q.centroids[centroid]
	out := make([]float32, len(v))
	for d := range v {
		out[d] = v[d] - c[d]
	}
	return out, nil
}

// Reconstruct returns centroid i, the best available approximation of any
// vector assigned to it.
func (q *CoarseQuantizer) Reconstruct(centroid uint32) ([]float32, error) {
	if int(centroid) >= len(q.centroids) {
		return nil, fmt.Errorf("quantization: centroid id %d out of range [0, %d)", centroid, len(q.centroids))
	}
	return q.centroids[centroid], nil
}

// CentroidScore is one (centroid id, inner-product score) pair returned by
// Search for a single query token.
type CentroidScore struct {
	Centroid uint32
	Score    float32
}

// Search computes Q·Cᵀ for the query batch and returns, per query token,
// the top kTop centroids by inner product. Rows are scored in parallel
// across a bounded worker pool, mirroring how the retriever parallelizes
// per-document work.
func (q *CoarseQuantizer) Search(ctx context.Context, queries [][]float32, kTop int) ([][]CentroidScore, error) {
	if !q.trained {
		return nil, fmt.Errorf("quantization: coarse quantizer is not trained")
	}
	if kTop > len(q.centroids) {
		kTop = len(q.centroids)
	}

	results := make([][]CentroidScore, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.threads)

	for i, query := range queries {
		i, query := i, query
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = q.topK(query, kTop)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (q *CoarseQuantizer) topK(query []float32, k int) []CentroidScore {
	scores := make([]CentroidScore, len(q.centroids))
	for i, c := range q.centroids {
		scores[i] = CentroidScore{Centroid: uint32(i), Score: DotProductFloat32(query, c)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if len(scores) > k {
		scores = scores[:k]
	}
	return scores
}

// coarseQuantizerVersion tags the serialized layout. Version 1 is the
// format this package writes; deserialize additionally accepts version 0,
// the legacy layout carried over from an earlier ecosystem-native index
// file that omitted the is_trained byte.
const coarseQuantizerVersion = 1

// Serialize writes (version, d, nlist, is_trained, centroids).
func (q *CoarseQuantizer) Serialize() []byte {
	buf := make([]byte, 0, 25+len(q.centroids)*q.dim*4)
	var hdr [1 + 8 + 8 + 1]byte
	hdr[0] = coarseQuantizerVersion
	binary.BigEndian.PutUint64(hdr[1:9], uint64(q.dim))
	binary.BigEndian.PutUint64(hdr[9:17], uint64(len(q.centroids)))
	if q.trained {
		hdr[17] = 1
	}
	buf = append(buf, hdr[:]...)

	var f [4]byte
	for _, c := range q.centroids {
		for _, v := range c {
			binary.BigEndian.PutUint32(f[:], math.Float32bits(v))
			buf = append(buf, f[:]...)
		}
	}
	return buf
}

// DeserializeCoarseQuantizer reads the layout Serialize writes, plus the
// legacy version-0 layout (no version byte, no is_trained byte — is_trained
// is inferred from nlist > 0).
func DeserializeCoarseQuantizer(data []byte, threads int) (*CoarseQuantizer, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("quantization: coarse quantizer blob too short (%d bytes)", len(data))
	}

	var version byte
	var d, nlist uint64
	var isTrained bool
	var body []byte

	// Heuristic: version 1 always starts with byte 0x01 followed by a
	// plausible (d, nlist) pair; legacy (version 0) blobs start directly
	// with d's big-endian bytes. The migration table is keyed on this
	// probe, not on sniffing the rest of the payload.
	if data[0] == coarseQuantizerVersion && len(data) >= 18 {
		version = data[0]
		d = binary.BigEndian.Uint64(data[1:9])
		nlist = binary.BigEndian.Uint64(data[9:17])
		isTrained = data[17] != 0
		body = data[18:]
	} else {
		version = 0
		d = binary.BigEndian.Uint64(data[0:8])
		nlist = binary.BigEndian.Uint64(data[8:16])
		isTrained = nlist > 0
		body = data[16:]
	}

	q := NewCoarseQuantizer(int(d), threads)
	if nlist == 0 {
		q.trained = isTrained
		return q, nil
	}

	expected := int(nlist) * int(d) * 4
	if len(body) < expected {
		return nil, fmt.Errorf("quantization: coarse quantizer blob (version %d) truncated: want %d bytes of centroids, have %d", version, expected, len(body))
	}

	centroids := make([][]float32, nlist)
	off := 0
	for i := range centroids {
		row := make([]float32, d)
		for j := range row {
			row[j] = math.Float32frombits(binary.BigEndian.Uint32(body[off:]))
			off += 4
		}
		centroids[i] = row
	}
	q.centroids = centroids
	q.trained = isTrained
	return q, nil
}

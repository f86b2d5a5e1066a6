package quantization

import (
	"context"
	"math/rand"
	"testing"
)

func randomUnitVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		vectors[i] = Normalize(v)
	}
	return vectors
}

func TestCoarseQuantizerTrainAndAssign(t *testing.T) {
	vectors := randomUnitVectors(500, 16, 1)
	q := NewCoarseQuantizer(16, 2)
	if err := q.Train(vectors, 8, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !q.IsTrained() {
		t.Fatal("expected trained quantizer")
	}
	if q.NumCentroids() != 8 {
		t.Fatalf("expected 8 centroids, got %d", q.NumCentroids())
	}

	codes, err := q.Assign(vectors[:10])
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	for _, c := range codes {
		if int(c) >= q.NumCentroids() {
			t.Errorf("assigned centroid %d out of range", c)
		}
	}
}

func TestCoarseQuantizerResidualReconstructRoundTrip(t *testing.T) {
	vectors := randomUnitVectors(200, 8, 2)
	q := NewCoarseQuantizer(8, 1)
	if err := q.Train(vectors, 4, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	v := vectors[0]
	code, err := q.Assign([][]float32{v})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	centroid := code[0]

	residual, err := q.Residual(v, centroid)
	if err != nil {
		t.Fatalf("Residual failed: %v", err)
	}
	reconstructed, err := q.Reconstruct(centroid)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	for d := range v {
		got := reconstructed[d] + residual[d]
		if diff := got - v[d]; diff > 1e-5 || diff < -1e-5 {
			t.Fatalf("reconstruction mismatch at dim %d: got %f, want %f", d, got, v[d])
		}
	}
}

func TestCoarseQuantizerSearchOrdersByInnerProduct(t *testing.T) {
	vectors := randomUnitVectors(300, 12, 3)
	q := NewCoarseQuantizer(12, 4)
	if err := q.Train(vectors, 6, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	results, err := q.Search(context.Background(), vectors[:5], 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for i, r := range results {
		if len(r) != 3 {
			t.Fatalf("query %d: expected 3 results, got %d", i, len(r))
		}
		for j := 1; j < len(r); j++ {
			if r[j].Score > r[j-1].Score {
				t.Errorf("query %d: results not sorted by descending score", i)
			}
		}
	}
}

func TestCoarseQuantizerSerializeRoundTrip(t *testing.T) {
	vectors := randomUnitVectors(100, 8, 4)
	q := NewCoarseQuantizer(8, 1)
	if err := q.Train(vectors, 4, 5); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	blob := q.Serialize()
	restored, err := DeserializeCoarseQuantizer(blob, 1)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if restored.NumCentroids() != q.NumCentroids() || restored.Dim() != q.Dim() || !restored.IsTrained() {
		t.Fatalf("round trip mismatch: got centroids=%d dim=%d trained=%v", restored.NumCentroids(), restored.Dim(), restored.IsTrained())
	}
	for i, c := range q.GetCentroids() {
		for d := range c {
			if c[d] != restored.GetCentroids()[i][d] {
				t.Fatalf("centroid %d dim %d mismatch: got %f want %f", i, d, restored.GetCentroids()[i][d], c[d])
			}
		}
	}
}

func TestCoarseQuantizerResetAndAdd(t *testing.T) {
	q := NewCoarseQuantizer(4, 1)
	q.Reset()
	if q.IsTrained() {
		t.Fatal("expected untrained quantizer after Reset")
	}

	centroids := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}
	if err := q.Add(centroids); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !q.IsTrained() || q.NumCentroids() != 2 {
		t.Fatalf("expected trained quantizer with 2 centroids after Add")
	}
}

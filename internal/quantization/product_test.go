package quantization

import (
	"math"
	"testing"
)

func newResidualPQ(numSubvectors, bitsPerCode int) *ProductQuantizer {
	cfg := DefaultConfig()
	cfg.DistanceMetric = DotProductDistance
	return NewProductQuantizerWithConfig(numSubvectors, bitsPerCode, cfg)
}

func TestProductQuantizerTrainProducesOneCodebookPerSubvector(t *testing.T) {
	pq := newResidualPQ(4, 6)
	residuals := randomResiduals(500, 32, 1)

	if err := pq.Train(residuals); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(pq.codebooks) != 4 {
		t.Fatalf("expected 4 codebooks, got %d", len(pq.codebooks))
	}
	for i, codebook := range pq.codebooks {
		if len(codebook) != 64 { // 2^6
			t.Errorf("codebook %d: expected 64 centroids, got %d", i, len(codebook))
		}
	}
	if pq.subvectorDim != 8 {
		t.Errorf("expected subvector dim 8, got %d", pq.subvectorDim)
	}
}

func TestProductQuantizerTrainRejectsIndivisibleDimensions(t *testing.T) {
	pq := newResidualPQ(5, 6)
	if err := pq.Train(randomResiduals(100, 32, 2)); err == nil {
		t.Error("expected error when dim is not divisible by numSubvectors")
	}
}

func TestProductQuantizerEncodeDecodeShape(t *testing.T) {
	pq := newResidualPQ(4, 6)
	residuals := randomResiduals(500, 32, 3)
	if err := pq.Train(residuals); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	codes := pq.Encode(residuals[0])
	if len(codes) != pq.CodeSize() {
		t.Fatalf("expected %d codes, got %d", pq.CodeSize(), len(codes))
	}
	for i, c := range codes {
		if int(c) >= 64 {
			t.Errorf("code %d out of range: %d", i, c)
		}
	}

	decoded := pq.Decode(codes)
	if len(decoded) != 32 {
		t.Fatalf("expected 32 dimensions decoded, got %d", len(decoded))
	}
}

func TestProductQuantizerAsymmetricDistanceMatchesDecodedResidual(t *testing.T) {
	pq := newResidualPQ(8, 8)
	residuals := randomResiduals(500, 64, 4)
	if err := pq.Train(residuals); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	query := residuals[0]
	codes := pq.Encode(residuals[1])

	table := pq.ComputeDistanceTable(query)
	if len(table) != 8 {
		t.Fatalf("expected 8 rows in distance table, got %d", len(table))
	}

	asym := pq.AsymmetricDistance(table, codes)

	decoded := pq.Decode(codes)
	exact := -DotProductFloat32(query, decoded)
	if diff := math.Abs(float64(asym - exact)); diff > 1e-3 {
		t.Errorf("asymmetric distance %f diverges from decode-then-score %f (diff %f)", asym, exact, diff)
	}
}

func TestProductQuantizerAsymmetricDistanceRejectsWrongCodeLength(t *testing.T) {
	pq := newResidualPQ(4, 6)
	if err := pq.Train(randomResiduals(200, 32, 5)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	table := pq.ComputeDistanceTable(randomResiduals(1, 32, 6)[0])
	if dist := pq.AsymmetricDistance(table, []byte{1, 2}); dist != float32(math.MaxFloat32) {
		t.Errorf("expected sentinel max distance for mismatched code length, got %f", dist)
	}
}

func TestProductQuantizerSymmetricDistanceNotNaN(t *testing.T) {
	pq := newResidualPQ(4, 6)
	residuals := randomResiduals(200, 32, 7)
	if err := pq.Train(residuals); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	c1 := pq.Encode(residuals[0])
	c2 := pq.Encode(residuals[1])
	if dist := pq.SymmetricDistance(c1, c2); math.IsNaN(float64(dist)) {
		t.Errorf("symmetric distance is NaN")
	}
}

func TestProductQuantizerSerializeRoundTrip(t *testing.T) {
	pq := newResidualPQ(4, 6)
	residuals := randomResiduals(300, 32, 8)
	if err := pq.Train(residuals); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	data, err := pq.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored := newResidualPQ(0, 0)
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if restored.numSubvectors != pq.numSubvectors || restored.bitsPerCode != pq.bitsPerCode || restored.subvectorDim != pq.subvectorDim {
		t.Fatalf("header mismatch after round trip: got (%d,%d,%d) want (%d,%d,%d)",
			restored.numSubvectors, restored.bitsPerCode, restored.subvectorDim,
			pq.numSubvectors, pq.bitsPerCode, pq.subvectorDim)
	}

	test := residuals[0]
	c1 := pq.Encode(test)
	c2 := restored.Encode(test)
	for i := range c1 {
		if c1[i] != c2[i] {
			t.Errorf("code mismatch at subvector %d: %d vs %d", i, c1[i], c2[i])
		}
	}
}

func TestProductQuantizerCompressionRatio(t *testing.T) {
	pq := newResidualPQ(16, 6)
	ratio := pq.GetCompressionRatio(768)
	expected := float32(768*4) / 16
	if math.Abs(float64(ratio-expected)) > 0.1 {
		t.Errorf("expected compression ratio %f, got %f", expected, ratio)
	}
}

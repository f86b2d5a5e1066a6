package quantization

import (
	"math/rand"
	"testing"
)

func randomResiduals(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		vectors[i] = v
	}
	return vectors
}

func TestNewBinarizerRejectsBadDimensions(t *testing.T) {
	if _, err := NewBinarizer(1, 7); err == nil {
		t.Error("expected error for dim not a multiple of 8")
	}
	if _, err := NewBinarizer(4, 16); err == nil {
		t.Error("expected error: dim 16 not a multiple of nbits*8=32")
	}
	if _, err := NewBinarizer(3, 32); err == nil {
		t.Error("expected error for unsupported nbits")
	}
	if _, err := NewBinarizer(2, 32); err != nil {
		t.Errorf("expected valid (nbits=2, dim=32), got error: %v", err)
	}
}

func TestBinarizerEncodeDecodeShape(t *testing.T) {
	for _, nbits := range []int{1, 2, 4} {
		dim := nbits * 8 * 2
		b, err := NewBinarizer(nbits, dim)
		if err != nil {
			t.Fatalf("NewBinarizer(%d, %d) failed: %v", nbits, dim, err)
		}
		training := randomResiduals(256, dim, int64(nbits))
		if err := b.Train(training); err != nil {
			t.Fatalf("Train failed: %v", err)
		}

		code := b.Encode(training[0])
		if len(code) != b.CodeSize() {
			t.Fatalf("nbits=%d: code length %d, want CodeSize() %d", nbits, len(code), b.CodeSize())
		}

		decoded := b.Decode(code)
		if len(decoded) != dim {
			t.Fatalf("nbits=%d: decoded length %d, want %d", nbits, len(decoded), dim)
		}
		for _, v := range decoded {
			found := false
			for _, w := range b.bucketWeights {
				if w == v {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("nbits=%d: decoded value %f is not one of the trained bucket weights", nbits, v)
			}
		}
	}
}

func TestBinarizerDecodeIsDeterministic(t *testing.T) {
	b, err := NewBinarizer(2, 32)
	if err != nil {
		t.Fatalf("NewBinarizer failed: %v", err)
	}
	if err := b.Train(randomResiduals(200, 32, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	residual := randomResiduals(1, 32, 99)[0]
	code := b.Encode(residual)
	d1 := b.Decode(code)
	d2 := b.Decode(code)
	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatalf("decode not deterministic at dim %d", i)
		}
	}
}

func TestBinarizerSerializeRoundTrip(t *testing.T) {
	b, err := NewBinarizer(4, 64)
	if err != nil {
		t.Fatalf("NewBinarizer failed: %v", err)
	}
	if err := b.Train(randomResiduals(300, 64, 11)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	blob := b.Serialize()
	restored, err := DeserializeBinarizer(blob)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	residual := randomResiduals(1, 64, 23)[0]
	original := b.Decode(b.Encode(residual))
	roundTripped := restored.Decode(restored.Encode(residual))
	for i := range original {
		if original[i] != roundTripped[i] {
			t.Fatalf("dim %d: original %f != restored %f", i, original[i], roundTripped[i])
		}
	}
}

func TestReverseBitmapIsInvolution(t *testing.T) {
	for _, nbits := range []int{1, 2, 4} {
		table := buildReverseBitmap(nbits)
		for i := 0; i < 256; i++ {
			if table[table[i]] != byte(i) {
				t.Fatalf("nbits=%d: reverse bitmap is not an involution at %d", nbits, i)
			}
		}
	}
}

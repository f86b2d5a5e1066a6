package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Binarizer quantizes a residual vector to nbits per dimension by bucketing
// each value against quantile cutoffs learned from training data, then
// packing the resulting codes into bits. It trades reconstruction accuracy
// for the smallest possible code size of the three residual quantizers.
type Binarizer struct {
	nbits int
	dim   int

	bucketCutoffs []float32 // len == 2^nbits - 1
	bucketWeights []float32 // len == 2^nbits, the reconstruction value per bucket
	avgResidual   float32

	// reverseBitmap and decompressionLUT are pure functions of nbits,
	// rebuilt on load rather than persisted.
	reverseBitmap     []byte
	decompressionLUT  []byte
	packedValsPerByte int
}

// NewBinarizer returns an untrained binarizer for dim-dimensional residuals,
// packed at nbits per dimension. dim must be a multiple of 8 and of
// nbits*8 so that codes pack into whole bytes.
func NewBinarizer(nbits, dim int) (*Binarizer, error) {
	if nbits != 1 && nbits != 2 && nbits != 4 {
		return nil, fmt.Errorf("quantization: binarizer nbits must be 1, 2, or 4, got %d", nbits)
	}
	if dim%8 != 0 {
		return nil, fmt.Errorf("quantization: binarizer dimension must be a multiple of 8, got %d", dim)
	}
	if dim%(nbits*8) != 0 {
		return nil, fmt.Errorf("quantization: binarizer dimension must be a multiple of %d, got %d", nbits*8, dim)
	}
	return &Binarizer{
		nbits:             nbits,
		dim:               dim,
		packedValsPerByte: 8 / nbits,
	}, nil
}

// CodeSize returns the number of bytes Encode produces for one vector.
func (b *Binarizer) CodeSize() int {
	return b.dim / 8 * b.nbits
}

// Train learns bucket cutoffs and reconstruction weights from the
// per-dimension mean residual across the training set, then builds the
// decode-time lookup tables.
func (b *Binarizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training data provided")
	}
	if len(vectors[0]) != b.dim {
		return fmt.Errorf("quantization: training vectors have dimension %d, want %d", len(vectors[0]), b.dim)
	}

	avg := make([]float32, b.dim)
	for _, v := range vectors {
		for j, x := range v {
			avg[j] += x
		}
	}
	for j := range avg {
		avg[j] /= float32(len(vectors))
	}

	b.calculateQuantiles(avg)
	b.reverseBitmap = buildReverseBitmap(b.nbits)
	b.decompressionLUT = buildDecompressionLUT(b.nbits)
	return nil
}

// SetWeights installs pretrained bucket parameters directly, bypassing
// Train — used to share one binarizer's codebook across shards.
func (b *Binarizer) SetWeights(weights, cutoffs []float32, avgResidual float32) error {
	if len(weights) != 1<<uint(b.nbits) {
		return fmt.Errorf("quantization: expected %d bucket weights, got %d", 1<<uint(b.nbits), len(weights))
	}
	b.bucketWeights = weights
	b.bucketCutoffs = cutoffs
	b.avgResidual = avgResidual
	b.reverseBitmap = buildReverseBitmap(b.nbits)
	b.decompressionLUT = buildDecompressionLUT(b.nbits)
	return nil
}

// calculateQuantiles derives bucket_cutoffs (2^nbits - 1 interior cutoffs)
// and bucket_weights (2^nbits reconstruction values) from the empirical
// quantiles of the per-dimension mean residual.
func (b *Binarizer) calculateQuantiles(heldoutAvgResidual []float32) {
	var sum float32
	for _, v := range heldoutAvgResidual {
		sum += float32(math.Abs(float64(v)))
	}
	b.avgResidual = sum / float32(len(heldoutAvgResidual))

	numOptions := 1 << uint(b.nbits)
	quantiles := make([]float32, numOptions)
	for i := range quantiles {
		quantiles[i] = float32(i) / float32(numOptions)
	}

	sorted := make([]float32, len(heldoutAvgResidual))
	copy(sorted, heldoutAvgResidual)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	quantileFunc := func(q float32) float32 {
		idx := int(q * float32(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}

	b.bucketCutoffs = make([]float32, numOptions-1)
	for i, q := range quantiles[1:] {
		b.bucketCutoffs[i] = quantileFunc(q)
	}
	b.bucketWeights = make([]float32, numOptions)
	for i, q := range quantiles {
		b.bucketWeights[i] = quantileFunc(q)
	}
}

// bucketize maps each residual value to the index of the first cutoff it
// falls below, or the last bucket if it exceeds every cutoff, then expands
// each bucket index into nbits LSB-first bits.
func (b *Binarizer) bucketize(residuals []float32) []byte {
	bits := make([]byte, len(residuals)*b.nbits)
	for i, r := range residuals {
		bucket := len(b.bucketCutoffs)
		for j, cutoff := range b.bucketCutoffs {
			if r < cutoff {
				bucket = j
				break
			}
		}
		for j := 0; j < b.nbits; j++ {
			bits[i*b.nbits+j] = byte(bucket>>uint(j)) & 1
		}
	}
	return bits
}

// packBits packs a slice of 0/1 bytes into big-endian bits: bit i of the
// logical stream lands in bit (7 - i%8) of byte i/8.
func packBits(bits []byte) []byte {
	packed := make([]byte, len(bits)/8)
	for i, bit := range bits {
		byteIdx := i / 8
		bigEndianOffset := 7 - uint(i%8)
		packed[byteIdx] |= bit << bigEndianOffset
	}
	return packed
}

// Encode bucketizes and bit-packs a residual vector.
func (b *Binarizer) Encode(residuals []float32) []byte {
	return packBits(b.bucketize(residuals))
}

// Decode reconstructs a residual vector from its packed code, replacing
// each value with its bucket's reconstruction weight.
func (b *Binarizer) Decode(code []byte) []float32 {
	out := make([]float32, b.dim)
	packedDim := b.dim / b.packedValsPerByte
	for k := 0; k < packedDim && k < len(code); k++ {
		reversed := b.reverseBitmap[code[k]]
		for l := 0; l < b.packedValsPerByte; l++ {
			idx := k*b.packedValsPerByte + l
			bucketIdx := b.decompressionLUT[int(reversed)*b.packedValsPerByte+l]
			out[idx] = b.bucketWeights[bucketIdx]
		}
	}
	return out
}

// buildReverseBitmap precomputes, for every possible packed byte value,
// the byte with each nbits-wide chunk's bit order reversed in place
// (chunk order unchanged). This undoes the LSB-first-per-value, MSB-first
// packing that Encode performs, so Decode can read chunks as plain
// big-endian integers afterward.
func buildReverseBitmap(nbits int) []byte {
	mask := byte(1<<uint(nbits) - 1)
	table := make([]byte, 256)
	for i := 0; i < 256; i++ {
		var z byte
		for j := 8; j > 0; j -= nbits {
			x := (byte(i) >> uint(j-nbits)) & mask
			var y byte
			for k := nbits - 1; k >= 0; k-- {
				if (x>>uint(nbits-k-1))&1 == 1 {
					y += 1 << uint(k)
				}
			}
			z |= y
			if j > nbits {
				z <<= uint(nbits)
			}
		}
		table[i] = z
	}
	return table
}

// buildDecompressionLUT precomputes, for every byte value and every
// nbits-wide chunk position within it (big-endian, most significant chunk
// first), the chunk's value as a bucket index.
func buildDecompressionLUT(nbits int) []byte {
	keysPerByte := 8 / nbits
	mask := byte(1<<uint(nbits) - 1)
	lut := make([]byte, 256*keysPerByte)
	for i := 0; i < 256; i++ {
		for l := 0; l < keysPerByte; l++ {
			shift := 8 - nbits*(l+1)
			lut[i*keysPerByte+l] = (byte(i) >> uint(shift)) & mask
		}
	}
	return lut
}

const binarizerVersion = 1

// Serialize writes (version, nbits, dim, avg_residual, cutoffs, weights).
// The reverse-bitmap and decompression LUT are not persisted; Deserialize
// rebuilds them since they depend only on nbits.
func (b *Binarizer) Serialize() []byte {
	buf := make([]byte, 0, 17+4*(len(b.bucketCutoffs)+len(b.bucketWeights)))
	var hdr [17]byte
	hdr[0] = binarizerVersion
	binary.BigEndian.PutUint32(hdr[1:5], uint32(b.nbits))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(b.dim))
	binary.BigEndian.PutUint32(hdr[9:13], math.Float32bits(b.avgResidual))
	binary.BigEndian.PutUint32(hdr[13:17], uint32(len(b.bucketCutoffs)))
	buf = append(buf, hdr[:]...)

	var f [4]byte
	for _, v := range b.bucketCutoffs {
		binary.BigEndian.PutUint32(f[:], math.Float32bits(v))
		buf = append(buf, f[:]...)
	}
	for _, v := range b.bucketWeights {
		binary.BigEndian.PutUint32(f[:], math.Float32bits(v))
		buf = append(buf, f[:]...)
	}
	return buf
}

// DeserializeBinarizer parses the layout written by Serialize.
func DeserializeBinarizer(data []byte) (*Binarizer, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("quantization: binarizer blob too short (%d bytes)", len(data))
	}
	if data[0] != binarizerVersion {
		return nil, fmt.Errorf("quantization: unsupported binarizer blob version %d", data[0])
	}
	nbits := int(binary.BigEndian.Uint32(data[1:5]))
	dim := int(binary.BigEndian.Uint32(data[5:9]))
	avgResidual := math.Float32frombits(binary.BigEndian.Uint32(data[9:13]))
	numCutoffs := int(binary.BigEndian.Uint32(data[13:17]))

	b, err := NewBinarizer(nbits, dim)
	if err != nil {
		return nil, fmt.Errorf("quantization: invalid binarizer header: %w", err)
	}

	body := data[17:]
	numWeights := 1 << uint(nbits)
	if len(body) < 4*(numCutoffs+numWeights) {
		return nil, fmt.Errorf("quantization: binarizer blob truncated")
	}

	b.bucketCutoffs = make([]float32, numCutoffs)
	off := 0
	for i := range b.bucketCutoffs {
		b.bucketCutoffs[i] = math.Float32frombits(binary.BigEndian.Uint32(body[off:]))
		off += 4
	}
	b.bucketWeights = make([]float32, numWeights)
	for i := range b.bucketWeights {
		b.bucketWeights[i] = math.Float32frombits(binary.BigEndian.Uint32(body[off:]))
		off += 4
	}
	b.avgResidual = avgResidual
	b.reverseBitmap = buildReverseBitmap(nbits)
	b.decompressionLUT = buildDecompressionLUT(nbits)
	return b, nil
}

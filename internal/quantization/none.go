package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NoneQuantizer stores residual vectors verbatim as packed float32s. It
// takes no training step and loses no precision, at the cost of the
// largest possible code size — the baseline every other residual
// quantizer is measured against.
type NoneQuantizer struct {
	dim int
}

// NewNoneQuantizer returns a quantizer for dim-dimensional residuals.
func NewNoneQuantizer(dim int) *NoneQuantizer {
	return &NoneQuantizer{dim: dim}
}

// Train is a no-op; NoneQuantizer has no parameters to learn.
func (q *NoneQuantizer) Train(vectors [][]float32) error { return nil }

// CodeSize returns the number of bytes Encode produces for one vector.
func (q *NoneQuantizer) CodeSize() int { return q.dim * 4 }

// Encode packs a residual vector's bits directly, big-endian.
func (q *NoneQuantizer) Encode(residuals []float32) []byte {
	code := make([]byte, len(residuals)*4)
	for i, v := range residuals {
		binary.BigEndian.PutUint32(code[i*4:], math.Float32bits(v))
	}
	return code
}

// Decode is the exact inverse of Encode.
func (q *NoneQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, len(code)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(code[i*4:]))
	}
	return out
}

const noneQuantizerVersion = 1

// Serialize writes (version, dim).
func (q *NoneQuantizer) Serialize() []byte {
	buf := make([]byte, 5)
	buf[0] = noneQuantizerVersion
	binary.BigEndian.PutUint32(buf[1:], uint32(q.dim))
	return buf
}

// DeserializeNoneQuantizer parses the layout written by Serialize.
func DeserializeNoneQuantizer(data []byte) (*NoneQuantizer, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("quantization: none-quantizer blob too short (%d bytes)", len(data))
	}
	if data[0] != noneQuantizerVersion {
		return nil, fmt.Errorf("quantization: unsupported none-quantizer blob version %d", data[0])
	}
	dim := int(binary.BigEndian.Uint32(data[1:5]))
	return NewNoneQuantizer(dim), nil
}

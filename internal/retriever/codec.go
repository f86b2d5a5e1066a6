package retriever

import (
	"encoding/binary"
	"fmt"
)

// EncodeDocumentCodes packs one coarse centroid id per token, big-endian,
// for storage in the forward-codes partition.
func EncodeDocumentCodes(codes []uint32) []byte {
	buf := make([]byte, 4*len(codes))
	for i, c := range codes {
		binary.BigEndian.PutUint32(buf[i*4:], c)
	}
	return buf
}

// DecodeDocumentCodes is the inverse of EncodeDocumentCodes.
func DecodeDocumentCodes(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("retriever: forward codes blob has length %d, not a multiple of 4", len(data))
	}
	codes := make([]uint32, len(data)/4)
	for i := range codes {
		codes[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return codes, nil
}

// EncodeDocumentResiduals concatenates one residual code per token behind a
// 4-byte token count header, for storage in the forward-residuals
// partition. Every code must be exactly codeSize bytes.
func EncodeDocumentResiduals(codeSize int, residualCodes [][]byte) []byte {
	numTokens := len(residualCodes)
	buf := make([]byte, 4+numTokens*codeSize)
	binary.BigEndian.PutUint32(buf, uint32(numTokens))
	off := 4
	for _, code := range residualCodes {
		copy(buf[off:], code)
		off += codeSize
	}
	return buf
}

// DecodeDocumentResiduals is the inverse of EncodeDocumentResiduals. It
// returns one slice per token, each a view into data (callers must copy if
// they need to retain a slice past data's lifetime).
func DecodeDocumentResiduals(data []byte, codeSize int) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("retriever: residual blob too short (%d bytes)", len(data))
	}
	numTokens := int(binary.BigEndian.Uint32(data))
	want := 4 + numTokens*codeSize
	if len(data) != want {
		return nil, fmt.Errorf("retriever: residual blob has length %d, want %d for %d tokens at code size %d",
			len(data), want, numTokens, codeSize)
	}
	out := make([][]byte, numTokens)
	off := 4
	for i := range out {
		out[i] = data[off : off+codeSize]
		off += codeSize
	}
	return out, nil
}

// EncodeMapping serializes the sorted, de-duplicated set of centroids a
// document's tokens touch, for storage in the mapping partition.
func EncodeMapping(centroids []uint32) []byte {
	return EncodeDocumentCodes(centroids)
}

// DecodeMapping is the inverse of EncodeMapping.
func DecodeMapping(data []byte) ([]uint32, error) {
	return DecodeDocumentCodes(data)
}

package quantization

import "fmt"

// ResidualKind tags which concrete residual quantizer a ResidualQuantizer
// wraps. A tagged union rather than an interface keeps the serialized
// format self-describing without a registry of implementation types.
type ResidualKind int

const (
	// ResidualNone stores residuals verbatim, full precision.
	ResidualNone ResidualKind = iota
	// ResidualBinarizer packs residuals to nbits per dimension.
	ResidualBinarizer
	// ResidualProductQuantizer encodes residuals via per-subvector codebooks.
	ResidualProductQuantizer
)

func (k ResidualKind) String() string {
	switch k {
	case ResidualNone:
		return "none"
	case ResidualBinarizer:
		return "binarizer"
	case ResidualProductQuantizer:
		return "pq"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ResidualQuantizer is the common handle document and query tokens pass
// through after coarse assignment: it trains on residuals (v - centroid),
// encodes them to a compact code, and decodes a code back to an
// approximate residual for exact rerank scoring.
type ResidualQuantizer struct {
	kind ResidualKind
	none *NoneQuantizer
	bin  *Binarizer
	pq   *ProductQuantizer
}

// NewNoneResidualQuantizer wraps a NoneQuantizer.
func NewNoneResidualQuantizer(dim int) *ResidualQuantizer {
	return &ResidualQuantizer{kind: ResidualNone, none: NewNoneQuantizer(dim)}
}

// NewBinarizerResidualQuantizer wraps a Binarizer.
func NewBinarizerResidualQuantizer(nbits, dim int) (*ResidualQuantizer, error) {
	b, err := NewBinarizer(nbits, dim)
	if err != nil {
		return nil, err
	}
	return &ResidualQuantizer{kind: ResidualBinarizer, bin: b}, nil
}

// NewProductResidualQuantizer wraps a ProductQuantizer configured to train
// on residual vectors via inner-product assignment (consistent with the
// coarse quantizer's similarity metric).
func NewProductResidualQuantizer(numSubvectors, bitsPerCode int) *ResidualQuantizer {
	cfg := DefaultConfig()
	cfg.DistanceMetric = DotProductDistance
	return &ResidualQuantizer{kind: ResidualProductQuantizer, pq: NewProductQuantizerWithConfig(numSubvectors, bitsPerCode, cfg)}
}

// Kind reports which concrete quantizer this wraps.
func (r *ResidualQuantizer) Kind() ResidualKind { return r.kind }

// Train fits the wrapped quantizer on a batch of residual vectors.
func (r *ResidualQuantizer) Train(residuals [][]float32) error {
	switch r.kind {
	case ResidualNone:
		return r.none.Train(residuals)
	case ResidualBinarizer:
		return r.bin.Train(residuals)
	case ResidualProductQuantizer:
		return r.pq.Train(residuals)
	default:
		return fmt.Errorf("quantization: unknown residual quantizer kind %v", r.kind)
	}
}

// CodeSize returns the number of bytes Encode produces for one residual.
func (r *ResidualQuantizer) CodeSize() int {
	switch r.kind {
	case ResidualNone:
		return r.none.CodeSize()
	case ResidualBinarizer:
		return r.bin.CodeSize()
	case ResidualProductQuantizer:
		return r.pq.CodeSize()
	default:
		return 0
	}
}

// Encode compresses a residual vector.
func (r *ResidualQuantizer) Encode(residual []float32) []byte {
	switch r.kind {
	case ResidualNone:
		return r.none.Encode(residual)
	case ResidualBinarizer:
		return r.bin.Encode(residual)
	case ResidualProductQuantizer:
		return r.pq.Encode(residual)
	default:
		return nil
	}
}

// Decode decompresses a residual code back into an approximate residual
// vector, for addition back to the reconstructed centroid during exact
// rerank.
func (r *ResidualQuantizer) Decode(code []byte) []float32 {
	switch r.kind {
	case ResidualNone:
		return r.none.Decode(code)
	case ResidualBinarizer:
		return r.bin.Decode(code)
	case ResidualProductQuantizer:
		return r.pq.Decode(code)
	default:
		return nil
	}
}

// DistanceTable precomputes, for a query token residual, the per-subvector
// distance table used by asymmetric scoring. Only meaningful for the
// product-quantizer variant; other kinds return nil since their Decode is
// already cheap enough to score directly.
func (r *ResidualQuantizer) DistanceTable(queryResidual []float32) [][]float32 {
	if r.kind != ResidualProductQuantizer {
		return nil
	}
	return r.pq.ComputeDistanceTable(queryResidual)
}

// AsymmetricScore scores an encoded residual against a precomputed
// distance table from DistanceTable, returning an inner-product-style
// similarity (higher is better).
func (r *ResidualQuantizer) AsymmetricScore(table [][]float32, code []byte) float32 {
	if r.kind != ResidualProductQuantizer || table == nil {
		return 0
	}
	return -r.pq.AsymmetricDistance(table, code)
}

const (
	residualQuantizerVersion = 1
)

// Serialize writes (version, kind, payload) where payload is the wrapped
// quantizer's own Serialize output.
func (r *ResidualQuantizer) Serialize() ([]byte, error) {
	var payload []byte
	switch r.kind {
	case ResidualNone:
		payload = r.none.Serialize()
	case ResidualBinarizer:
		payload = r.bin.Serialize()
	case ResidualProductQuantizer:
		p, err := r.pq.Serialize()
		if err != nil {
			return nil, err
		}
		payload = p
	default:
		return nil, fmt.Errorf("quantization: unknown residual quantizer kind %v", r.kind)
	}
	buf := make([]byte, 2, 2+len(payload))
	buf[0] = residualQuantizerVersion
	buf[1] = byte(r.kind)
	return append(buf, payload...), nil
}

// DeserializeResidualQuantizer parses the layout written by Serialize.
func DeserializeResidualQuantizer(data []byte) (*ResidualQuantizer, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("quantization: residual quantizer blob too short (%d bytes)", len(data))
	}
	if data[0] != residualQuantizerVersion {
		return nil, fmt.Errorf("quantization: unsupported residual quantizer blob version %d", data[0])
	}
	kind := ResidualKind(data[1])
	payload := data[2:]

	switch kind {
	case ResidualNone:
		n, err := DeserializeNoneQuantizer(payload)
		if err != nil {
			return nil, err
		}
		return &ResidualQuantizer{kind: kind, none: n}, nil
	case ResidualBinarizer:
		b, err := DeserializeBinarizer(payload)
		if err != nil {
			return nil, err
		}
		return &ResidualQuantizer{kind: kind, bin: b}, nil
	case ResidualProductQuantizer:
		pq := &ProductQuantizer{}
		if err := pq.Deserialize(payload); err != nil {
			return nil, err
		}
		cfg := DefaultConfig()
		cfg.DistanceMetric = DotProductDistance
		pq.SetConfig(cfg)
		return &ResidualQuantizer{kind: kind, pq: pq}, nil
	default:
		return nil, fmt.Errorf("quantization: unknown residual quantizer kind byte %d", data[1])
	}
}

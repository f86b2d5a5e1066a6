package retriever

import (
	"math/bits"

	"github.com/maxsim/coredb/internal/quantization"
)

// maxQueryTokensForBitvector bounds how many query tokens a single 32-bit
// EMVB bitvector can track. Queries with more tokens than this simply stop
// contributing bits past the cap — EMVB is an approximation already, and a
// capped bitvector degrades gracefully rather than needing a wider word.
const maxQueryTokensForBitvector = 32

// buildCentroidBitvectors builds, per centroid, a 32-bit word whose bit j
// is set when centroid made query token j's pruning beam. Grounded on
// lintdb's assign_bitvector_32 / set_bit_32.
func buildCentroidBitvectors(nlist int, beams [][]quantization.CentroidScore) []uint32 {
	bv := make([]uint32, nlist)
	for j, beam := range beams {
		if j >= maxQueryTokensForBitvector {
			break
		}
		for _, hit := range beam {
			if int(hit.Centroid) < nlist {
				bv[hit.Centroid] |= 1 << uint(j)
			}
		}
	}
	return bv
}

// scoreEMVB scores a document by population count: OR together the
// bitvectors of every distinct centroid the document's tokens touch, then
// count set bits — the number of query tokens with at least one matching
// centroid among the document's codes. Cheaper than colbertCentroidScore
// at the cost of ignoring the actual centroid score magnitude.
func scoreEMVB(bitvectors []uint32, codes []uint32) float32 {
	var acc uint32
	seen := make(map[uint32]struct{}, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		if int(code) < len(bitvectors) {
			acc |= bitvectors[code]
		}
	}
	return float32(bits.OnesCount32(acc))
}

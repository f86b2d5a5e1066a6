package retriever

// ScoringMethod selects the phase-one approximate scoring strategy.
type ScoringMethod int

const (
	// ScorePlaid sums, per query token, the max centroid score across the
	// document's distinct codes (colbert-centroid-score).
	ScorePlaid ScoringMethod = iota
	// ScoreEMVB scores by population count over a per-document bitvector
	// built from the probe set, trading scoring precision for speed.
	ScoreEMVB
)

// Options configures one retrieve call. Every field mirrors the tunables a
// caller provides per query; DefaultOptions gives starting values, but the
// right values depend heavily on nlist and the corpus size.
type Options struct {
	// TotalCentroidsToCalculate is the beam width for the coarse quantizer's
	// per-query-token top-k search.
	TotalCentroidsToCalculate int
	// NProbe caps the collapsed probe set size.
	NProbe int
	// KTopCentroids is, per query token, how many of its top centroids
	// contribute to the collapsed probe set.
	KTopCentroids int
	// CentroidThreshold discards per-token centroid scores at or below this
	// value before they can contribute to the probe set.
	CentroidThreshold float32
	// NumSecondPass caps how many phase-one survivors are exactly reranked.
	// Zero means rerank every phase-one candidate.
	NumSecondPass int
	// NumDocsToScore caps the candidate set before phase-one scoring, in
	// case the posting scan turns up more documents than is affordable to
	// score. Zero means no cap.
	NumDocsToScore int
	// ScoringMethod selects the phase-one scoring strategy.
	ScoringMethod ScoringMethod
	// ExpectedID, when non-nil, makes the retriever log the rank and score
	// of this document at each stage — a recall-debugging aid, not part of
	// the returned result.
	ExpectedID *int64
	// WithTokenScores, if true, populates Result.TokenScores with the
	// per-query-token sub-scores from phase two.
	WithTokenScores bool
}

// DefaultOptions returns reasonable values for a small-to-medium index.
// Callers with a large nlist should raise TotalCentroidsToCalculate and
// NProbe proportionally.
func DefaultOptions() Options {
	return Options{
		TotalCentroidsToCalculate: 32,
		NProbe:                    16,
		KTopCentroids:             8,
		CentroidThreshold:         0,
		NumSecondPass:             0,
		NumDocsToScore:            0,
		ScoringMethod:             ScorePlaid,
	}
}

package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/maxsim/coredb/internal/observability"
	"github.com/maxsim/coredb/internal/quantization"
	"github.com/maxsim/coredb/internal/storage"
	"github.com/maxsim/coredb/pkg/keycodec"
)

// XTRRetriever trades the exact residual-decode rerank for cheaper
// per-(doc, query-token) ADC scores read directly from the per-token
// posting entries (V2 posting layout), imputing any (doc, token) pair it
// never observed. Grounded on lintdb's XTRRetriever.cpp.
type XTRRetriever struct {
	Backend *Backend
	// NearestTokensToFetch caps, per query token, how many of the
	// best-scoring document tokens are kept for scoring — the XTR
	// equivalent of PlaidRetriever's candidate cap, applied per query token
	// instead of globally.
	NearestTokensToFetch int
	Log                  *observability.Logger
}

// NewXTRRetriever returns a retriever bound to the given backend.
func NewXTRRetriever(b *Backend, nearestTokensToFetch int) *XTRRetriever {
	if nearestTokensToFetch <= 0 {
		nearestTokensToFetch = 1
	}
	return &XTRRetriever{Backend: b, NearestTokensToFetch: nearestTokensToFetch, Log: observability.GetGlobalLogger()}
}

// tokenHit is one (query_token, doc_id, score) observation produced by
// scanning a probed centroid's posting list.
type tokenHit struct {
	queryToken int
	docID      int64
	score      float32
}

// Retrieve prunes centroids per query token (not collapsed to one shared
// probe set, since XTR scores every (doc, token) pair the scan turns up
// rather than filtering by a candidate set first), scans each selected
// centroid's posting list for its per-token residual codes, scores each
// observed (doc, token) pair via ADC, then imputes and averages.
func (r *XTRRetriever) Retrieve(ctx context.Context, tenant uint64, query [][]float32, k int, opts Options) ([]Result, error) {
	beamWidth := opts.TotalCentroidsToCalculate
	if beamWidth <= 0 || beamWidth > r.Backend.Coarse.NumCentroids() {
		beamWidth = r.Backend.Coarse.NumCentroids()
	}
	perToken, err := r.Backend.Coarse.Search(ctx, query, beamWidth)
	if err != nil {
		return nil, fmt.Errorf("retriever: centroid search failed: %w", err)
	}

	maxCentroids := opts.KTopCentroids
	if maxCentroids <= 0 || maxCentroids > beamWidth {
		maxCentroids = beamWidth
	}

	hits, err := r.scanTopCentroidsPerToken(ctx, tenant, query, perToken, maxCentroids)
	if err != nil {
		return nil, err
	}
	r.debugf("token hits collected", map[string]interface{}{"count": len(hits)})

	n := len(query)
	docScores := make(map[int64][]float32)
	docSeen := make(map[int64]map[int]bool)
	lowestQueryScore := make([]float32, n)
	for j := range lowestQueryScore {
		lowestQueryScore[j] = float32(math.Inf(1))
	}

	for _, h := range hits {
		scores, ok := docScores[h.docID]
		if !ok {
			scores = make([]float32, n)
			for j := range scores {
				scores[j] = float32(math.Inf(-1))
			}
			docScores[h.docID] = scores
			docSeen[h.docID] = make(map[int]bool)
		}
		if h.score > scores[h.queryToken] {
			scores[h.queryToken] = h.score
		}
		docSeen[h.docID][h.queryToken] = true
		if h.score < lowestQueryScore[h.queryToken] {
			lowestQueryScore[h.queryToken] = h.score
		}
	}

	results := make([]Result, 0, len(docScores))
	for docID, scores := range docScores {
		for j := 0; j < n; j++ {
			if math.IsInf(float64(scores[j]), -1) {
				if math.IsInf(float64(lowestQueryScore[j]), 1) {
					scores[j] = 0
				} else {
					scores[j] = lowestQueryScore[j]
				}
			}
		}
		var total float32
		tokenScores := make([]TokenScore, n)
		for j, s := range scores {
			total += s
			tokenScores[j] = TokenScore{QueryToken: j, Score: s}
		}
		res := Result{DocID: docID, Score: total / float32(n)}
		if opts.WithTokenScores {
			res.TokenScores = tokenScores
		}
		results = append(results, res)
	}

	sortResultsDesc(results)
	logExpectedID(r.Log, "xtr_final", results, opts.ExpectedID, k)

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// scanTopCentroidsPerToken visits, for every query token, its top
// maxCentroids centroids, scans their posting lists for per-token residual
// codes (the V2 posting layout), and scores each document token found via
// the residual quantizer's ADC distance table.
func (r *XTRRetriever) scanTopCentroidsPerToken(ctx context.Context, tenant uint64, query [][]float32, perToken [][]quantization.CentroidScore, maxCentroids int) ([]tokenHit, error) {
	type visit struct {
		queryToken int
		centroid   uint32
	}
	var visits []visit
	for j, beam := range perToken {
		limit := beam
		if len(limit) > maxCentroids {
			limit = limit[:maxCentroids]
		}
		for _, hit := range limit {
			visits = append(visits, visit{queryToken: j, centroid: hit.Centroid})
		}
	}

	tables := make([][][]float32, len(query))
	for j, q := range query {
		residual, err := r.queryResidualForToken(j, q)
		if err != nil {
			return nil, err
		}
		tables[j] = r.Backend.Residual.DistanceTable(residual)
	}

	var allHits []tokenHit
	for _, v := range visits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := r.Backend.Storage.ScanPrefix(ctx, storage.Posting, keycodec.PostingPrefix(tenant, v.centroid))
		if err != nil {
			return nil, fmt.Errorf("retriever: scanning centroid %d: %w", v.centroid, err)
		}
		tokenHits, err := r.scoreTokensInList(it, v.queryToken, tables[v.queryToken])
		it.Close()
		if err != nil {
			return nil, err
		}
		allHits = append(allHits, tokenHits...)
	}

	byToken := make(map[int][]tokenHit)
	for _, h := range allHits {
		byToken[h.queryToken] = append(byToken[h.queryToken], h)
	}
	var cutoffHits []tokenHit
	for _, group := range byToken {
		sort.Slice(group, func(i, j int) bool { return group[i].score > group[j].score })
		if len(group) > r.NearestTokensToFetch {
			group = group[:r.NearestTokensToFetch]
		}
		cutoffHits = append(cutoffHits, group...)
	}
	return cutoffHits, nil
}

// scoreTokensInList scores every per-token residual code carried in a
// posting list's values against the distance table for one query token.
// Posting entries with no value (the V1, Plaid-only layout) contribute no
// hits here — XTR requires the V2 per-token residual posting layout.
func (r *XTRRetriever) scoreTokensInList(it *storage.Iterator, queryToken int, table [][]float32) ([]tokenHit, error) {
	var hits []tokenHit
	for it.Next() {
		value := it.Value()
		if len(value) == 0 {
			continue
		}
		pk, err := keycodec.DecodePostingKey(it.Key())
		if err != nil {
			return nil, err
		}
		score := r.Backend.Residual.AsymmetricScore(table, value)
		hits = append(hits, tokenHit{queryToken: queryToken, docID: pk.DocID, score: score})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// queryResidualForToken computes the residual of a query token against its
// own nearest centroid, mirroring how document tokens are residualized
// before PQ encoding — ADC compares residual-to-residual, not raw vectors.
func (r *XTRRetriever) queryResidualForToken(_ int, q []float32) ([]float32, error) {
	codes, err := r.Backend.Coarse.Assign([][]float32{q})
	if err != nil {
		return nil, err
	}
	return r.Backend.Coarse.Residual(q, codes[0])
}

func (r *XTRRetriever) debugf(msg string, fields map[string]interface{}) {
	if r.Log != nil {
		r.Log.Debug(msg, fields)
	}
}

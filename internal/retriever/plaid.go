package retriever

import (
	"context"
	"fmt"

	"github.com/maxsim/coredb/internal/observability"
	"github.com/maxsim/coredb/internal/quantization"
)

// PlaidRetriever runs the full-codes ColBERT-style variant: phase one
// scores by centroid-level colbert-centroid-score, phase two reranks exact
// MaxSim over decoded residual embeddings. Grounded on
// lintdb's PlaidRetriever.cpp.
type PlaidRetriever struct {
	Backend *Backend
	Log     *observability.Logger
}

// NewPlaidRetriever returns a retriever bound to the given backend.
func NewPlaidRetriever(b *Backend) *PlaidRetriever {
	return &PlaidRetriever{Backend: b, Log: observability.GetGlobalLogger()}
}

// Retrieve runs the four-step shared skeleton and returns the top k
// results for query, an n-token (n × d) query matrix.
func (r *PlaidRetriever) Retrieve(ctx context.Context, tenant uint64, query [][]float32, k int, opts Options) ([]Result, error) {
	probeSet, dense, beams, err := pruneCentroids(ctx, r.Backend, query, opts)
	if err != nil {
		return nil, err
	}
	if len(probeSet) == 0 {
		return nil, nil
	}
	r.debugf("probe set collected", map[string]interface{}{"size": len(probeSet)})

	candidates, err := collectCandidates(ctx, r.Backend, tenant, probeSet)
	if err != nil {
		return nil, fmt.Errorf("retriever: candidate collection failed: %w", err)
	}
	if opts.NumDocsToScore > 0 && len(candidates) > opts.NumDocsToScore {
		candidates = candidates[:opts.NumDocsToScore]
	}
	r.debugf("candidates collected", map[string]interface{}{"size": len(candidates)})

	phaseOne, err := r.rankPhaseOne(ctx, tenant, candidates, dense, beams, opts)
	if err != nil {
		return nil, err
	}
	logExpectedID(r.Log, "phase_one", phaseOne, opts.ExpectedID, opts.NumSecondPass)

	survivors := phaseOne
	if opts.NumSecondPass > 0 && len(survivors) > opts.NumSecondPass {
		survivors = survivors[:opts.NumSecondPass]
	}

	phaseTwo, err := r.rankPhaseTwo(ctx, tenant, survivors, query, opts)
	if err != nil {
		return nil, err
	}
	logExpectedID(r.Log, "phase_two", phaseTwo, opts.ExpectedID, k)

	if k > 0 && len(phaseTwo) > k {
		phaseTwo = phaseTwo[:k]
	}
	return phaseTwo, nil
}

// rankPhaseOne computes the approximate phase-one score for each candidate,
// either colbert_centroid_score (ScorePlaid) or the bitvector popcount
// approximation (ScoreEMVB).
func (r *PlaidRetriever) rankPhaseOne(ctx context.Context, tenant uint64, candidates []int64, dense [][]float32, beams [][]quantization.CentroidScore, opts Options) ([]Result, error) {
	var bitvectors []uint32
	if opts.ScoringMethod == ScoreEMVB && len(dense) > 0 {
		bitvectors = buildCentroidBitvectors(len(dense[0]), beams)
	}

	results, err := candidateWork(ctx, r.Backend.threads(), candidates, func(ctx context.Context, docID int64) (Result, bool, error) {
		codes, ok, err := loadForwardCodes(ctx, r.Backend, tenant, docID)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			r.warnf("candidate missing forward codes, skipping", map[string]interface{}{"doc_id": docID})
			return Result{}, false, nil
		}
		var score float32
		if opts.ScoringMethod == ScoreEMVB {
			score = scoreEMVB(bitvectors, codes)
		} else {
			score = colbertCentroidScore(dense, codes)
		}
		return Result{DocID: docID, Score: score}, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: phase-one scoring failed: %w", err)
	}
	sortResultsDesc(results)
	return results, nil
}

// colbertCentroidScore implements score(d) = Σ_j max_i centroid_scores[j,
// codes(d)[i]], visiting each distinct code once via an already-seen set so
// a centroid repeated across tokens isn't double-counted.
func colbertCentroidScore(dense [][]float32, codes []uint32) float32 {
	nTokens := len(dense)
	perTokenMax := make([]bool, nTokens)
	best := make([]float32, nTokens)

	seen := make(map[uint32]struct{}, len(codes))
	for _, code := range codes {
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		for j := 0; j < nTokens; j++ {
			if int(code) >= len(dense[j]) {
				continue
			}
			s := dense[j][code]
			if !perTokenMax[j] || s > best[j] {
				best[j] = s
				perTokenMax[j] = true
			}
		}
	}

	var score float32
	for j := 0; j < nTokens; j++ {
		if perTokenMax[j] {
			score += best[j]
		}
	}
	return score
}

// rankPhaseTwo decodes residuals for the phase-one survivors, reconstructs
// per-token embeddings, and reranks by exact MaxSim against the query.
func (r *PlaidRetriever) rankPhaseTwo(ctx context.Context, tenant uint64, survivors []Result, query [][]float32, opts Options) ([]Result, error) {
	byDocID := make(map[int64]struct{}, len(survivors))
	ids := make([]int64, len(survivors))
	for i, s := range survivors {
		ids[i] = s.DocID
		byDocID[s.DocID] = struct{}{}
	}

	results, err := candidateWork(ctx, r.Backend.threads(), ids, func(ctx context.Context, docID int64) (Result, bool, error) {
		codes, ok, err := loadForwardCodes(ctx, r.Backend, tenant, docID)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			return Result{}, false, nil
		}
		residuals, ok, err := loadForwardResiduals(ctx, r.Backend, tenant, docID)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			r.warnf("candidate missing forward residuals, skipping", map[string]interface{}{"doc_id": docID})
			return Result{}, false, nil
		}
		embeddings, err := decodeDocumentEmbeddings(r.Backend, codes, residuals)
		if err != nil {
			return Result{}, false, err
		}
		score, tokenScores := scoreExactMaxSim(query, embeddings)
		res := Result{DocID: docID, Score: score}
		if opts.WithTokenScores {
			res.TokenScores = tokenScores
		}
		return res, true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: phase-two rerank failed: %w", err)
	}
	sortResultsDesc(results)
	return results, nil
}

func (r *PlaidRetriever) debugf(msg string, fields map[string]interface{}) {
	if r.Log != nil {
		r.Log.Debug(msg, fields)
	}
}

func (r *PlaidRetriever) warnf(msg string, fields map[string]interface{}) {
	if r.Log != nil {
		r.Log.Warn(msg, fields)
	}
}

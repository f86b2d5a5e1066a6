// Package retriever implements query-time MaxSim retrieval over a trained,
// partitioned index: centroid pruning, candidate collection, an approximate
// phase-one rank, and an exact phase-two rerank, in two concrete variants
// (Plaid and XTR) sharing the same pruning and collection skeleton.
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/maxsim/coredb/internal/coredberr"
	"github.com/maxsim/coredb/internal/observability"
	"github.com/maxsim/coredb/internal/quantization"
	"github.com/maxsim/coredb/internal/storage"
	"github.com/maxsim/coredb/pkg/keycodec"
)

// Backend bundles the trained, immutable state one retrieve call reads:
// the coarse centroid table, the active residual quantizer, and the
// storage handle holding the five partitions. All three are shared
// read-only across concurrent queries.
type Backend struct {
	Storage  *storage.Store
	Coarse   *quantization.CoarseQuantizer
	Residual *quantization.ResidualQuantizer
	Threads  int
}

// TokenScore is one query token's contribution to a document's final score.
type TokenScore struct {
	QueryToken int
	Score      float32
}

// Result is one ranked document returned by a retrieve call.
type Result struct {
	DocID       int64
	Score       float32
	TokenScores []TokenScore
}

func (b *Backend) threads() int {
	if b.Threads <= 0 {
		return 1
	}
	return b.Threads
}

// centroidScoreMatrix builds a dense, per-query-token row of centroid
// scores (size nlist, zero where the centroid didn't make the token's
// beam), mirroring the reordered_distances array the scoring math reads
// arbitrary doc-assigned codes out of. Also returns, per token, its
// beam-ordered top KTopCentroids hits for probe-set collapsing.
func centroidScoreMatrix(nlist int, perToken [][]quantization.CentroidScore, opts Options) (dense [][]float32, beams [][]quantization.CentroidScore) {
	dense = make([][]float32, len(perToken))
	beams = make([][]quantization.CentroidScore, len(perToken))
	for i, hits := range perToken {
		row := make([]float32, nlist)
		for _, h := range hits {
			if int(h.Centroid) < nlist {
				row[h.Centroid] = h.Score
			}
		}
		dense[i] = row

		beam := hits
		if len(beam) > opts.KTopCentroids {
			beam = beam[:opts.KTopCentroids]
		}
		beams[i] = beam
	}
	return dense, beams
}

// pruneCentroids runs centroid pruning (step 1 of the shared skeleton):
// per-token top-k-above-threshold centroids, collapsed to a probe set of
// at most NProbe centroids by per-centroid max score across tokens.
func pruneCentroids(ctx context.Context, b *Backend, queries [][]float32, opts Options) (probeSet []uint32, dense [][]float32, beams [][]quantization.CentroidScore, err error) {
	beamWidth := opts.TotalCentroidsToCalculate
	if beamWidth <= 0 || beamWidth > b.Coarse.NumCentroids() {
		beamWidth = b.Coarse.NumCentroids()
	}
	perToken, err := b.Coarse.Search(ctx, queries, beamWidth)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("retriever: centroid search failed: %w", err)
	}

	dense, beams = centroidScoreMatrix(b.Coarse.NumCentroids(), perToken, opts)

	maxScore := make(map[uint32]float32)
	for _, beam := range beams {
		for _, hit := range beam {
			if hit.Score <= opts.CentroidThreshold {
				continue
			}
			if cur, ok := maxScore[hit.Centroid]; !ok || hit.Score > cur {
				maxScore[hit.Centroid] = hit.Score
			}
		}
	}

	type scored struct {
		centroid uint32
		score    float32
	}
	ranked := make([]scored, 0, len(maxScore))
	for c, s := range maxScore {
		ranked = append(ranked, scored{c, s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].centroid < ranked[j].centroid
	})
	if opts.NProbe > 0 && len(ranked) > opts.NProbe {
		ranked = ranked[:opts.NProbe]
	}

	probeSet = make([]uint32, len(ranked))
	for i, r := range ranked {
		probeSet[i] = r.centroid
	}
	return probeSet, dense, beams, nil
}

// collectCandidates runs candidate collection (step 2): for every centroid
// in the probe set, scan its posting list and union the doc ids found.
// Each centroid is scanned by its own goroutine; results fan in over a
// channel rather than through a single shared mutex-guarded map, so no
// goroutine blocks on another's lock while decoding keys.
func collectCandidates(ctx context.Context, b *Backend, tenant uint64, probeSet []uint32) ([]int64, error) {
	if len(probeSet) == 0 {
		return nil, nil
	}

	found := make(chan int64, 256)
	merged := make(map[int64]struct{})
	mergeDone := make(chan struct{})
	go func() {
		for id := range found {
			merged[id] = struct{}{}
		}
		close(mergeDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.threads())
	for _, centroid := range probeSet {
		centroid := centroid
		g.Go(func() error {
			it, err := b.Storage.ScanPrefix(gctx, storage.Posting, keycodec.PostingPrefix(tenant, centroid))
			if err != nil {
				return fmt.Errorf("retriever: scanning centroid %d: %w", centroid, err)
			}
			defer it.Close()

			seen := make(map[int64]struct{})
			for it.Next() {
				if err := gctx.Err(); err != nil {
					return err
				}
				pk, err := keycodec.DecodePostingKey(it.Key())
				if err != nil {
					return err
				}
				if _, ok := seen[pk.DocID]; ok {
					continue
				}
				seen[pk.DocID] = struct{}{}
				select {
				case found <- pk.DocID:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return it.Err()
		})
	}
	err := g.Wait()
	close(found)
	<-mergeDone
	if err != nil {
		return nil, err
	}

	candidates := make([]int64, 0, len(merged))
	for id := range merged {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates, nil
}

// loadForwardCodes bulk-loads the forward-codes record for one document,
// returning (nil, false) rather than an error when the record is absent —
// callers log and skip per the missing-candidate edge policy.
func loadForwardCodes(ctx context.Context, b *Backend, tenant uint64, docID int64) ([]uint32, bool, error) {
	key := keycodec.ForwardKey{Tenant: tenant, DocID: docID}.Encode()
	data, err := b.Storage.Get(ctx, storage.ForwardCodes, key)
	if err != nil {
		if coredberrNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	codes, err := DecodeDocumentCodes(data)
	if err != nil {
		return nil, false, err
	}
	return codes, true, nil
}

func loadForwardResiduals(ctx context.Context, b *Backend, tenant uint64, docID int64) ([][]byte, bool, error) {
	key := keycodec.ForwardKey{Tenant: tenant, DocID: docID}.Encode()
	data, err := b.Storage.Get(ctx, storage.ForwardResiduals, key)
	if err != nil {
		if coredberrNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	residuals, err := DecodeDocumentResiduals(data, b.Residual.CodeSize())
	if err != nil {
		return nil, false, err
	}
	return residuals, true, nil
}

// decodeDocumentEmbeddings reconstructs one approximate float32 embedding
// per token by adding the decoded residual back to the token's assigned
// centroid.
func decodeDocumentEmbeddings(b *Backend, codes []uint32, residuals [][]byte) ([][]float32, error) {
	if len(codes) != len(residuals) {
		return nil, fmt.Errorf("retriever: codes/residuals length mismatch: %d vs %d", len(codes), len(residuals))
	}
	out := make([][]float32, len(codes))
	for i, code := range codes {
		centroid, err := b.Coarse.Reconstruct(code)
		if err != nil {
			return nil, err
		}
		residual := b.Residual.Decode(residuals[i])
		embedding := make([]float32, len(centroid))
		for d := range embedding {
			embedding[d] = centroid[d] + residual[d]
		}
		out[i] = embedding
	}
	return out, nil
}

// scoreExactMaxSim computes Σ_j max_i ⟨query_j, doc_i⟩, the exact MaxSim
// used by phase-two rerank, along with the per-query-token max that
// produced each term.
func scoreExactMaxSim(queries, docEmbeddings [][]float32) (float32, []TokenScore) {
	tokenScores := make([]TokenScore, len(queries))
	var total float32
	for j, q := range queries {
		best := float32(math.Inf(-1))
		for _, d := range docEmbeddings {
			s := quantization.DotProductFloat32(q, d)
			if s > best {
				best = s
			}
		}
		if math.IsInf(float64(best), -1) {
			best = 0
		}
		tokenScores[j] = TokenScore{QueryToken: j, Score: best}
		total += best
	}
	return total, tokenScores
}

// sortResultsDesc sorts by score descending, breaking ties by ascending
// doc_id, the tie-break policy every top-k selection in this package uses.
func sortResultsDesc(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
}

// logExpectedID emits a debug trace of where ExpectedID landed at one
// stage, or that it was dropped — a recall-debugging aid carried over from
// the reference implementation's RetrieverOptions.expected_id.
func logExpectedID(log *observability.Logger, stage string, results []Result, expected *int64, cutoff int) {
	if expected == nil || log == nil {
		return
	}
	for i, r := range results {
		if r.DocID == *expected {
			fields := map[string]interface{}{"stage": stage, "doc_id": r.DocID, "rank": i, "score": r.Score}
			if cutoff > 0 && i >= cutoff {
				fields["dropped"] = true
			}
			log.Debug("expected document observed", fields)
			return
		}
	}
	log.Debug("expected document not observed", map[string]interface{}{"stage": stage, "doc_id": *expected})
}

// candidateWork fans a function out across candidates in parallel,
// collecting results into a preallocated slice indexed by position — safe
// without a mutex since each goroutine only ever writes its own index.
func candidateWork(ctx context.Context, threads int, candidates []int64, fn func(ctx context.Context, docID int64) (Result, bool, error)) ([]Result, error) {
	results := make([]Result, len(candidates))
	keep := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for i, docID := range candidates {
		i, docID := i, docID
		g.Go(func() error {
			r, ok, err := fn(gctx, docID)
			if err != nil {
				return err
			}
			results[i] = r
			keep[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(candidates))
	for i, ok := range keep {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// coredberrNotFound reports whether err is a not-found error from the
// storage layer — storage.Store.Get wraps sql.ErrNoRows this way.
func coredberrNotFound(err error) bool {
	return coredberr.Is(err, coredberr.NotFound)
}

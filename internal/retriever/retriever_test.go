package retriever

import (
	"context"
	"math/rand"
	"testing"

	"github.com/maxsim/coredb/internal/quantization"
	"github.com/maxsim/coredb/internal/storage"
	"github.com/maxsim/coredb/pkg/keycodec"
)

func randomUnitVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		vectors[i] = quantization.Normalize(v)
	}
	return vectors
}

// buildBackend trains a small coarse quantizer and a None residual
// quantizer, opens a SQLite store in a temporary directory, and returns a Backend ready
// to have documents added to it by the caller.
func buildBackend(t *testing.T, dim, nlist int, seed int64) (*Backend, *storage.Store) {
	t.Helper()
	training := randomUnitVectors(500, dim, seed)
	coarse := quantization.NewCoarseQuantizer(dim, 2)
	if err := coarse.Train(training, nlist, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	residual := quantization.NewNoneResidualQuantizer(dim)

	store, err := storage.Open(context.Background(), t.TempDir(), false)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}

	return &Backend{Storage: store, Coarse: coarse, Residual: residual, Threads: 2}, store
}

// addDocument writes one document's full token set to all four read
// partitions the retriever consults, mirroring what pkg/index.Add will do.
func addDocument(t *testing.T, ctx context.Context, b *Backend, tenant uint64, docID int64, tokens [][]float32) {
	t.Helper()

	codes, err := b.Coarse.Assign(tokens)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	residualCodes := make([][]byte, len(tokens))
	centroidsTouched := make(map[uint32]struct{})
	for i, tok := range tokens {
		residual, err := b.Coarse.Residual(tok, codes[i])
		if err != nil {
			t.Fatalf("Residual failed: %v", err)
		}
		residualCodes[i] = b.Residual.Encode(residual)
		centroidsTouched[codes[i]] = struct{}{}
	}

	batch := b.Storage.NewBatch()
	for i, code := range codes {
		pk := keycodec.PostingKey{Tenant: tenant, Centroid: code, DocID: docID, TokenOrd: uint32(i)}.Encode()
		batch.Put(storage.Posting, pk, []byte{})
	}
	fk := keycodec.ForwardKey{Tenant: tenant, DocID: docID}.Encode()
	batch.Put(storage.ForwardCodes, fk, EncodeDocumentCodes(codes))
	batch.Put(storage.ForwardResiduals, fk, EncodeDocumentResiduals(b.Residual.CodeSize(), residualCodes))

	centroids := make([]uint32, 0, len(centroidsTouched))
	for c := range centroidsTouched {
		centroids = append(centroids, c)
	}
	batch.Put(storage.Mapping, fk, EncodeMapping(centroids))

	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestPlaidRetrieverFindsExactMatch(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 16, 10
	b, store := buildBackend(t, dim, nlist, 1)
	defer store.Close()

	docs := randomUnitVectors(300, dim, 2)
	for i := 0; i < 20; i++ {
		addDocument(t, ctx, b, 1, int64(i), [][]float32{docs[i]})
	}

	target := docs[100]
	addDocument(t, ctx, b, 1, 999, [][]float32{target, target, target})

	r := NewPlaidRetriever(b)
	opts := Options{
		TotalCentroidsToCalculate: nlist,
		NProbe:                    nlist,
		KTopCentroids:             nlist,
		NumSecondPass:             0,
	}
	results, err := r.Retrieve(ctx, 1, [][]float32{target, target, target}, 5, opts)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].DocID != 999 {
		t.Fatalf("expected doc 999 to rank first, got %d (score %f)", results[0].DocID, results[0].Score)
	}
}

func TestPlaidRetrieverEmptyProbeSetReturnsEmptyNotError(t *testing.T) {
	ctx := context.Background()
	b, store := buildBackend(t, 8, 4, 3)
	defer store.Close()

	r := NewPlaidRetriever(b)
	opts := Options{
		TotalCentroidsToCalculate: 4,
		NProbe:                    4,
		KTopCentroids:             4,
		CentroidThreshold:         1e9, // impossibly high, so nothing clears the threshold
	}
	query := randomUnitVectors(1, 8, 4)
	results, err := r.Retrieve(ctx, 1, query, 5, opts)
	if err != nil {
		t.Fatalf("expected no error for an empty probe set, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestPlaidRetrieverSkipsCandidateMissingForwardRecord(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 8, 4
	b, store := buildBackend(t, dim, nlist, 5)
	defer store.Close()

	tok := randomUnitVectors(1, dim, 6)[0]
	code, err := b.Coarse.Assign([][]float32{tok})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	// Write a posting entry with no matching forward record.
	pk := keycodec.PostingKey{Tenant: 1, Centroid: code[0], DocID: 42, TokenOrd: 0}.Encode()
	if err := b.Storage.Put(ctx, storage.Posting, pk, []byte{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	r := NewPlaidRetriever(b)
	opts := Options{TotalCentroidsToCalculate: nlist, NProbe: nlist, KTopCentroids: nlist}
	results, err := r.Retrieve(ctx, 1, [][]float32{tok}, 5, opts)
	if err != nil {
		t.Fatalf("expected the missing-forward-record candidate to be skipped, not error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results since the only candidate was skipped, got %d", len(results))
	}
}

func TestPlaidRetrieverResultsTieBreakByAscendingDocID(t *testing.T) {
	dense := [][]float32{{1, 1}}
	a := colbertCentroidScore(dense, []uint32{0})
	bScore := colbertCentroidScore(dense, []uint32{1})
	if a != bScore {
		t.Fatalf("expected equal scores for this fixture, got %f and %f", a, bScore)
	}

	results := []Result{{DocID: 5, Score: 1}, {DocID: 2, Score: 1}, {DocID: 9, Score: 1}}
	sortResultsDesc(results)
	want := []int64{2, 5, 9}
	for i, id := range want {
		if results[i].DocID != id {
			t.Fatalf("index %d: got doc %d, want %d", i, results[i].DocID, id)
		}
	}
}

func TestColbertCentroidScoreIgnoresRepeatedCodes(t *testing.T) {
	// Two tokens both assigned to centroid 0: score should count centroid 0
	// once per query token, not twice.
	dense := [][]float32{{3, 0}, {0, 5}}
	score := colbertCentroidScore(dense, []uint32{0, 0})
	if score != 3 {
		t.Fatalf("expected score 3 (only centroid 0 matched, contributing to query token 0 only), got %f", score)
	}
}

func TestScoreEMVBCountsDistinctQueryTokenMatches(t *testing.T) {
	// Centroid 0 matches query tokens 0 and 1; centroid 1 matches query
	// token 2 only.
	bitvectors := []uint32{0b011, 0b100}
	score := scoreEMVB(bitvectors, []uint32{0, 1})
	if score != 3 {
		t.Fatalf("expected popcount 3, got %f", score)
	}
}

func TestXTRRetrieverFindsExactMatch(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 16, 10
	training := randomUnitVectors(500, dim, 10)
	coarse := quantization.NewCoarseQuantizer(dim, 2)
	if err := coarse.Train(training, nlist, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	residuals := make([][]float32, 0, 500)
	for _, v := range training[:200] {
		code, _ := coarse.Assign([][]float32{v})
		r, _ := coarse.Residual(v, code[0])
		residuals = append(residuals, r)
	}
	pq := quantization.NewProductResidualQuantizer(4, 4)
	if err := pq.Train(residuals); err != nil {
		t.Fatalf("PQ train failed: %v", err)
	}

	store, err := storage.Open(ctx, t.TempDir(), false)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	defer store.Close()

	b := &Backend{Storage: store, Coarse: coarse, Residual: pq, Threads: 2}

	writeXTRDocument := func(docID int64, tokens [][]float32) {
		codes, err := coarse.Assign(tokens)
		if err != nil {
			t.Fatalf("Assign failed: %v", err)
		}
		batch := store.NewBatch()
		for i, tok := range tokens {
			residual, err := coarse.Residual(tok, codes[i])
			if err != nil {
				t.Fatalf("Residual failed: %v", err)
			}
			code := pq.Encode(residual)
			pk := keycodec.PostingKey{Tenant: 1, Centroid: codes[i], DocID: docID, TokenOrd: uint32(i)}.Encode()
			batch.Put(storage.Posting, pk, code)
		}
		if err := batch.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}

	docs := randomUnitVectors(300, dim, 11)
	for i := 0; i < 15; i++ {
		writeXTRDocument(int64(i), [][]float32{docs[i]})
	}
	target := docs[100]
	writeXTRDocument(999, [][]float32{target, target})

	r := NewXTRRetriever(b, 50)
	opts := Options{TotalCentroidsToCalculate: nlist, KTopCentroids: nlist}
	results, err := r.Retrieve(ctx, 1, [][]float32{target, target}, 5, opts)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].DocID != 999 {
		t.Fatalf("expected doc 999 to rank first, got %d (score %f)", results[0].DocID, results[0].Score)
	}
}

func TestDecodeDocumentCodesRejectsMisalignedLength(t *testing.T) {
	if _, err := DecodeDocumentCodes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a length not a multiple of 4")
	}
}

func TestEncodeDecodeDocumentResidualsRoundTrip(t *testing.T) {
	codes := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}
	blob := EncodeDocumentResiduals(4, codes)
	decoded, err := DecodeDocumentResiduals(blob, 4)
	if err != nil {
		t.Fatalf("DecodeDocumentResiduals failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(decoded))
	}
	for i, code := range codes {
		for d := range code {
			if decoded[i][d] != code[d] {
				t.Fatalf("token %d byte %d: got %d, want %d", i, d, decoded[i][d], code[d])
			}
		}
	}
}

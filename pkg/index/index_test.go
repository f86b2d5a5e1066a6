package index

import (
	"context"
	"math/rand"
	"testing"

	"github.com/maxsim/coredb/internal/quantization"
	"github.com/maxsim/coredb/internal/retriever"
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

func testConfig(dim, nlist int) Config {
	cfg := Default()
	cfg.Dim = dim
	cfg.NumCentroids = nlist
	cfg.TrainIterations = 10
	cfg.QuantizerType = QuantizerNone
	cfg.ThreadPoolSize = 2
	return cfg
}

func TestTrainThenSearchExactCopy(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 32, 20

	idx, err := Create(ctx, t.TempDir(), testConfig(dim, nlist))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer idx.Close()

	training := randomUnitVectors(2000, dim, 1)
	if err := idx.Train(ctx, training, nlist, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	target := quantization.Normalize(make([]float32, dim))
	for d := range target {
		target[d] = 3
	}
	target = quantization.Normalize(target)
	tokens := make([][]float32, 100)
	for i := range tokens {
		tokens[i] = target
	}

	if err := idx.Add(ctx, 1, []Document{{DocID: 1, Vectors: tokens}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	others := randomUnitVectors(500, dim, 2)
	for i := 0; i < 30; i++ {
		if err := idx.Add(ctx, 1, []Document{{DocID: int64(100 + i), Vectors: [][]float32{others[i]}}}); err != nil {
			t.Fatalf("Add(filler) failed: %v", err)
		}
	}

	opts := SearchOptions{Options: defaultRetrieveOptions(nlist)}
	results, err := idx.Search(ctx, 1, tokens, 5, opts)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 || results[0].DocID != 1 {
		t.Fatalf("expected doc 1 to rank first, got %+v", results)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 16, 8

	idx, err := Create(ctx, t.TempDir(), testConfig(dim, nlist))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer idx.Close()

	training := randomUnitVectors(500, dim, 3)
	if err := idx.Train(ctx, training, nlist, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	v := randomUnitVectors(1, dim, 4)[0]
	doc := Document{DocID: 1, Vectors: [][]float32{v}, Metadata: map[string]interface{}{"title": "test"}}
	if err := idx.Add(ctx, 1, []Document{doc}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	opts := SearchOptions{Options: defaultRetrieveOptions(nlist)}
	results, err := idx.Search(ctx, 1, [][]float32{v}, 1, opts)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	if title, ok := results[0].Metadata["title"]; !ok || title != "test" {
		t.Fatalf("expected metadata title %q, got %+v", "test", results[0].Metadata)
	}
}

func TestMergeOfTwoIdenticallyConfiguredIndexes(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 16, 8

	// Coarse training is deterministic (fixed k-means++ seed), so training
	// both indexes on the same vectors in the same order yields byte-
	// identical codebooks without needing to clone any files.
	training := randomUnitVectors(500, dim, 5)

	a, err := Create(ctx, t.TempDir(), testConfig(dim, nlist))
	if err != nil {
		t.Fatalf("Create A failed: %v", err)
	}
	defer a.Close()
	if err := a.Train(ctx, training, nlist, 10); err != nil {
		t.Fatalf("Train A failed: %v", err)
	}

	b, err := Create(ctx, t.TempDir(), testConfig(dim, nlist))
	if err != nil {
		t.Fatalf("Create B failed: %v", err)
	}
	if err := b.Train(ctx, training, nlist, 10); err != nil {
		t.Fatalf("Train B failed: %v", err)
	}

	v1 := randomUnitVectors(1, dim, 6)[0]
	if err := a.Add(ctx, 1, []Document{{DocID: 1, Vectors: [][]float32{v1}}}); err != nil {
		t.Fatalf("Add to A failed: %v", err)
	}
	v2 := randomUnitVectors(1, dim, 7)[0]
	if err := b.Add(ctx, 1, []Document{{DocID: 2, Vectors: [][]float32{v2}}}); err != nil {
		t.Fatalf("Add to B failed: %v", err)
	}
	bDir := b.dir
	if err := b.Close(); err != nil {
		t.Fatalf("Close B failed: %v", err)
	}

	if err := a.Merge(ctx, bDir); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	opts := SearchOptions{Options: defaultRetrieveOptions(nlist)}
	results, err := a.Search(ctx, 1, [][]float32{v1, v2}, 10, opts)
	if err != nil {
		t.Fatalf("Search after merge failed: %v", err)
	}
	seen := map[int64]bool{}
	for _, r := range results {
		seen[r.DocID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected merge to surface both doc 1 and doc 2, got %+v", results)
	}
}

func TestRemoveDropsDocumentFromSearch(t *testing.T) {
	ctx := context.Background()
	dim, nlist := 16, 8

	idx, err := Create(ctx, t.TempDir(), testConfig(dim, nlist))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer idx.Close()

	training := randomUnitVectors(500, dim, 8)
	if err := idx.Train(ctx, training, nlist, 10); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	v := randomUnitVectors(1, dim, 9)[0]
	if err := idx.Add(ctx, 1, []Document{{DocID: 1, Vectors: [][]float32{v}}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.Remove(ctx, 1, []int64{1}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	opts := SearchOptions{Options: defaultRetrieveOptions(nlist)}
	results, err := idx.Search(ctx, 1, [][]float32{v}, 5, opts)
	if err != nil {
		t.Fatalf("Search after remove failed: %v", err)
	}
	for _, r := range results {
		if r.DocID == 1 {
			t.Fatalf("doc 1 should have been fully removed, found in results: %+v", r)
		}
	}
}

func TestAddBeforeTrainRejected(t *testing.T) {
	ctx := context.Background()
	idx, err := Create(ctx, t.TempDir(), testConfig(8, 4))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer idx.Close()

	v := randomUnitVectors(1, 8, 10)[0]
	err = idx.Add(ctx, 1, []Document{{DocID: 1, Vectors: [][]float32{v}}})
	if err == nil {
		t.Fatal("expected an error adding to an untrained index")
	}
}

func defaultRetrieveOptions(nlist int) retriever.Options {
	opts := retriever.DefaultOptions()
	opts.TotalCentroidsToCalculate = nlist
	opts.NProbe = nlist
	opts.KTopCentroids = nlist
	return opts
}

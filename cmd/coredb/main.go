// Command coredb is a demonstration CLI exercising pkg/index directly: no
// network service, no RPC client, just flag.FlagSet verbs over an on-disk
// index directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxsim/coredb/internal/retriever"
	"github.com/maxsim/coredb/pkg/index"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "train":
		handleTrain(os.Args[2:])
	case "add":
		handleAdd(os.Args[2:])
	case "search":
		handleSearch(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "version":
		fmt.Printf("coredb version %s\n", version)
	case "help", "-h", "--help":
		showUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		showUsage()
		os.Exit(1)
	}
}

func handleTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var (
		dir         = fs.String("dir", "", "index directory (required)")
		vectorsPath = fs.String("vectors", "", "path to a JSON file holding training vectors, [][]float32 (required)")
		dim         = fs.Int("dim", 128, "vector dimensionality, used only when creating a new index")
		nlist       = fs.Int("nlist", 256, "number of coarse centroids")
		niter       = fs.Int("niter", 25, "k-means training iterations")
		quantizer   = fs.String("quantizer", string(index.QuantizerProduct), "residual quantizer: none, binarizer, pq")
	)
	fs.Parse(args)

	if *dir == "" || *vectorsPath == "" {
		fmt.Println("Error: -dir and -vectors are required")
		fs.Usage()
		os.Exit(1)
	}

	vectors := readVectors(*vectorsPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	idx, err := openOrCreate(ctx, *dir, *dim, *nlist, *quantizer)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	if err := idx.Train(ctx, vectors, *nlist, *niter); err != nil {
		fmt.Printf("Train failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Trained on %d vectors (nlist=%d, niter=%d)\n", len(vectors), *nlist, *niter)
}

func handleAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	var (
		dir         = fs.String("dir", "", "index directory (required)")
		tenant      = fs.Uint64("tenant", 1, "tenant id")
		docID       = fs.Int64("doc", 0, "document id (required)")
		vectorsPath = fs.String("vectors", "", "path to a JSON file holding the document's token vectors, [][]float32 (required)")
		metadata    = fs.String("metadata", "", "document metadata as a JSON object")
	)
	fs.Parse(args)

	if *dir == "" || *vectorsPath == "" {
		fmt.Println("Error: -dir and -vectors are required")
		fs.Usage()
		os.Exit(1)
	}

	doc := index.Document{DocID: *docID, Vectors: readVectors(*vectorsPath)}
	if *metadata != "" {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(*metadata), &m); err != nil {
			fmt.Printf("Error parsing metadata: %v\n", err)
			os.Exit(1)
		}
		doc.Metadata = m
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	idx, err := index.Open(ctx, *dir, false)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	if err := idx.Add(ctx, *tenant, []index.Document{doc}); err != nil {
		fmt.Printf("Add failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Added document %d (%d tokens) for tenant %d\n", *docID, len(doc.Vectors), *tenant)
}

func handleSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var (
		dir       = fs.String("dir", "", "index directory (required)")
		tenant    = fs.Uint64("tenant", 1, "tenant id")
		queryPath = fs.String("query", "", "path to a JSON file holding query token vectors, [][]float32 (required)")
		k         = fs.Int("k", 10, "number of results to return")
		nprobe    = fs.Int("nprobe", 16, "collapsed probe set size cap")
		variant   = fs.String("variant", "plaid", "retriever variant: plaid, xtr")
	)
	fs.Parse(args)

	if *dir == "" || *queryPath == "" {
		fmt.Println("Error: -dir and -query are required")
		fs.Usage()
		os.Exit(1)
	}

	query := readVectors(*queryPath)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	idx, err := index.Open(ctx, *dir, true)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	opts := retriever.DefaultOptions()
	opts.NProbe = *nprobe

	searchOpts := index.SearchOptions{Options: opts}
	switch *variant {
	case "plaid":
		searchOpts.Variant = index.VariantPlaid
	case "xtr":
		searchOpts.Variant = index.VariantXTR
	default:
		fmt.Printf("Unknown variant: %s\n", *variant)
		os.Exit(1)
	}

	start := time.Now()
	results, err := idx.Search(ctx, *tenant, query, *k, searchOpts)
	if err != nil {
		fmt.Printf("Search failed: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	fmt.Printf("Found %d results (search took %s)\n\n", len(results), elapsed)
	for i, r := range results {
		fmt.Printf("%d. doc=%d score=%.6f\n", i+1, r.DocID, r.Score)
		if len(r.Metadata) > 0 {
			b, _ := json.Marshal(r.Metadata)
			fmt.Printf("   metadata: %s\n", b)
		}
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := fs.String("dir", "", "index directory (required)")
	fs.Parse(args)

	if *dir == "" {
		fmt.Println("Error: -dir is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idx, err := index.Open(ctx, *dir, true)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	fmt.Println("=== Index Statistics ===")
	fmt.Printf("Directory:  %s\n", *dir)
	fmt.Printf("Tenants:    %d\n", len(idx.Tenants().ListTenants()))
}

func openOrCreate(ctx context.Context, dir string, dim, nlist int, quantizer string) (*index.Index, error) {
	cfg := index.Default()
	cfg.Dim = dim
	cfg.NumCentroids = nlist
	cfg.QuantizerType = index.QuantizerType(quantizer)

	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err == nil {
		return index.Open(ctx, dir, false)
	}
	return index.Create(ctx, dir, cfg)
}

func readVectors(path string) [][]float32 {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Error reading %s: %v\n", path, err)
		os.Exit(1)
	}
	var vectors [][]float32
	if err := json.Unmarshal(data, &vectors); err != nil {
		fmt.Printf("Error parsing %s: %v\n", path, err)
		os.Exit(1)
	}
	return vectors
}

func showUsage() {
	fmt.Println(`coredb - multi-vector retrieval index CLI

Usage:
  coredb <command> [options]

Commands:
  train    Train (or create and train) an index's coarse and residual quantizers
  add      Add one document's token vectors to an index
  search   Search an index for the nearest documents to a query
  stats    Show basic statistics for an index directory
  version  Show version
  help     Show this help message

Examples:

  coredb train -dir ./data/idx -vectors training.json -dim 128 -nlist 256

  coredb add -dir ./data/idx -tenant 1 -doc 42 -vectors doc42.json \
    -metadata '{"title": "example"}'

  coredb search -dir ./data/idx -tenant 1 -query query.json -k 10 -variant plaid

  coredb stats -dir ./data/idx`)
}

// Package index assembles the coarse quantizer, residual quantizer,
// partitioned storage, tenant registry, and retrievers into the single
// owning Index the rest of this module's surface (and cmd/coredb) drives.
// Retrievers borrow read-only references into an Index's trained state for
// the duration of one query; nothing here holds a reference back to them.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/maxsim/coredb/internal/coredberr"
	"github.com/maxsim/coredb/internal/observability"
	"github.com/maxsim/coredb/internal/quantization"
	"github.com/maxsim/coredb/internal/retriever"
	"github.com/maxsim/coredb/internal/storage"
	"github.com/maxsim/coredb/internal/tenant"
	"github.com/maxsim/coredb/pkg/keycodec"
)

const (
	coarseQuantizerFileName   = "coarse_quantizer.bin"
	residualQuantizerFileName = "residual_quantizer.bin"
)

// Variant selects which retriever scores a Search call.
type Variant int

const (
	VariantPlaid Variant = iota
	VariantXTR
)

// Document is one caller-supplied unit of work for Add/Update: a document
// id, its token embeddings, and optional opaque metadata carried through to
// SearchResult verbatim.
type Document struct {
	DocID    int64
	Vectors  [][]float32
	Metadata map[string]interface{}
}

// SearchResult is one ranked document returned by Search.
type SearchResult struct {
	DocID       int64
	Score       float32
	Metadata    map[string]interface{}
	TokenScores []retriever.TokenScore
}

// SearchOptions wraps the shared retriever options with the variant
// selection only the library surface needs.
type SearchOptions struct {
	retriever.Options
	Variant              Variant
	NearestTokensToFetch int // XTR only; defaults to 4*k when unset
}

// Index owns its quantizers and storage handle; retrievers borrow read-only
// references for the duration of one query. There is no shared-pointer
// graph here — a single owner collapses the reference cycles a virtual-
// dispatch, shared-pointer design would otherwise need.
type Index struct {
	dir      string
	cfg      Config
	readOnly bool

	mu       sync.RWMutex
	coarse   *quantization.CoarseQuantizer
	residual *quantization.ResidualQuantizer
	store    *storage.Store
	tenants  *tenant.Manager
	metrics  *observability.Metrics
	log      *observability.Logger
}

// Create initializes a new, untrained index directory.
func Create(ctx context.Context, path string, cfg Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, coredberr.New(coredberr.Configuration, "index.Create", err)
	}
	if _, err := os.Stat(filepath.Join(path, metadataFileName)); err == nil {
		return nil, coredberr.New(coredberr.State, "index.Create", fmt.Errorf("index already exists at %q", path))
	}

	residual, err := newResidualQuantizer(cfg)
	if err != nil {
		return nil, err
	}
	coarse := quantization.NewCoarseQuantizer(cfg.Dim, cfg.ThreadPoolSize)

	store, err := storage.Open(ctx, path, false)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		dir:      path,
		cfg:      cfg,
		coarse:   coarse,
		residual: residual,
		store:    store,
		tenants:  tenant.NewManager(),
		metrics:  observability.NewMetrics(),
		log:      observability.GetGlobalLogger(),
	}
	if err := idx.Save(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return idx, nil
}

// Open loads an existing index directory. readOnly callers never write and
// take a shared directory lock, allowing multiple concurrent readers.
func Open(ctx context.Context, path string, readOnly bool) (*Index, error) {
	meta, err := loadMetadata(path)
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "index.Open", err)
	}
	cfg := meta.toConfig(runtime.GOMAXPROCS(0))
	if err := cfg.Validate(); err != nil {
		return nil, coredberr.New(coredberr.Corruption, "index.Open", fmt.Errorf("metadata.json describes an invalid config: %w", err))
	}

	coarseRaw, err := os.ReadFile(filepath.Join(path, coarseQuantizerFileName))
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "index.Open", fmt.Errorf("read %s: %w", coarseQuantizerFileName, err))
	}
	coarseRaw, err = migrateCoarseQuantizer(coarseRaw)
	if err != nil {
		return nil, coredberr.New(coredberr.Corruption, "index.Open", err)
	}
	coarse, err := quantization.DeserializeCoarseQuantizer(coarseRaw, cfg.ThreadPoolSize)
	if err != nil {
		return nil, coredberr.New(coredberr.Corruption, "index.Open", fmt.Errorf("parse %s: %w", coarseQuantizerFileName, err))
	}

	residualRaw, err := os.ReadFile(filepath.Join(path, residualQuantizerFileName))
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "index.Open", fmt.Errorf("read %s: %w", residualQuantizerFileName, err))
	}
	residual, err := quantization.DeserializeResidualQuantizer(residualRaw)
	if err != nil {
		return nil, coredberr.New(coredberr.Corruption, "index.Open", fmt.Errorf("parse %s: %w", residualQuantizerFileName, err))
	}

	store, err := storage.Open(ctx, path, readOnly)
	if err != nil {
		return nil, err
	}

	return &Index{
		dir:      path,
		cfg:      cfg,
		readOnly: readOnly,
		coarse:   coarse,
		residual: residual,
		store:    store,
		tenants:  tenant.NewManager(),
		metrics:  observability.NewMetrics(),
		log:      observability.GetGlobalLogger(),
	}, nil
}

func newResidualQuantizer(cfg Config) (*quantization.ResidualQuantizer, error) {
	switch cfg.QuantizerType {
	case QuantizerNone:
		return quantization.NewNoneResidualQuantizer(cfg.Dim), nil
	case QuantizerBinarizer:
		rq, err := quantization.NewBinarizerResidualQuantizer(cfg.NBits, cfg.Dim)
		if err != nil {
			return nil, coredberr.New(coredberr.Configuration, "index.newResidualQuantizer", err)
		}
		return rq, nil
	case QuantizerProduct:
		return quantization.NewProductResidualQuantizer(cfg.NumSubvectors, cfg.PQBitsPerCode), nil
	default:
		return nil, coredberr.New(coredberr.Configuration, "index.newResidualQuantizer", fmt.Errorf("unknown quantizer type %q", cfg.QuantizerType))
	}
}

// Tenants exposes the tenant registry so callers can provision quotas ahead
// of Add/Search; tenants used without prior provisioning are registered
// lazily with tenant.DefaultQuota.
func (idx *Index) Tenants() *tenant.Manager { return idx.tenants }

// Metrics exposes the Prometheus instruments this index emits.
func (idx *Index) Metrics() *observability.Metrics { return idx.metrics }

func (idx *Index) ensureTenant(id uint64) (*tenant.Tenant, error) {
	t, err := idx.tenants.GetTenant(id)
	if err == nil {
		return t, nil
	}
	return idx.tenants.CreateTenant(id, "", tenant.DefaultQuota())
}

// Train fits the coarse quantizer on vectors, then fits the residual
// quantizer on the residuals those same vectors leave once assigned. nlist
// and niter override the config's defaults when positive.
func (idx *Index) Train(ctx context.Context, vectors [][]float32, nlist, niter int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.readOnly {
		return coredberr.New(coredberr.State, "index.Train", fmt.Errorf("index opened read-only"))
	}
	if idx.coarse.IsTrained() {
		return coredberr.New(coredberr.State, "index.Train", fmt.Errorf("index is already trained"))
	}
	if nlist <= 0 {
		nlist = idx.cfg.NumCentroids
	}
	if niter <= 0 {
		niter = idx.cfg.TrainIterations
	}

	start := time.Now()
	if err := idx.coarse.Train(vectors, nlist, niter); err != nil {
		return coredberr.New(coredberr.Configuration, "index.Train", err)
	}

	residuals := make([][]float32, len(vectors))
	codes, err := idx.coarse.Assign(vectors)
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Train", err)
	}
	for i, v := range vectors {
		r, err := idx.coarse.Residual(v, codes[i])
		if err != nil {
			return coredberr.New(coredberr.IO, "index.Train", err)
		}
		residuals[i] = r
	}
	if err := idx.residual.Train(residuals); err != nil {
		return coredberr.New(coredberr.Configuration, "index.Train", err)
	}

	idx.cfg.NumCentroids = nlist
	idx.cfg.TrainIterations = niter
	idx.metrics.TrainDuration.Observe(time.Since(start).Seconds())
	idx.metrics.CentroidCount.Set(float64(nlist))

	return idx.saveLocked(ctx)
}

type docWrite struct {
	doc           Document
	codes         []uint32
	residualCodes [][]byte
	centroids     []uint32
}

// Add writes every document's posting entries, forward codes, forward
// residuals, centroid mapping, and metadata in a single atomic write batch:
// either every partition reflects the whole call, or none do.
func (idx *Index) Add(ctx context.Context, tenantID uint64, docs []Document) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.readOnly {
		return coredberr.New(coredberr.State, "index.Add", fmt.Errorf("index opened read-only"))
	}
	if !idx.coarse.IsTrained() {
		return coredberr.New(coredberr.State, "index.Add", fmt.Errorf("index must be trained before add"))
	}
	if len(docs) == 0 {
		return nil
	}

	t, err := idx.ensureTenant(tenantID)
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Add", err)
	}

	var totalTokens int64
	prepared := make([]docWrite, len(docs))
	for i, doc := range docs {
		if len(doc.Vectors) == 0 {
			return coredberr.New(coredberr.Configuration, "index.Add", fmt.Errorf("doc %d has no tokens", doc.DocID))
		}
		if err := t.CheckDimensionQuota(len(doc.Vectors[0])); err != nil {
			return coredberr.New(coredberr.Configuration, "index.Add", err)
		}
		totalTokens += int64(len(doc.Vectors))

		codes, err := idx.coarse.Assign(doc.Vectors)
		if err != nil {
			return coredberr.New(coredberr.IO, "index.Add", err)
		}
		residualCodes := make([][]byte, len(doc.Vectors))
		seenCentroids := make(map[uint32]struct{})
		for j, v := range doc.Vectors {
			r, err := idx.coarse.Residual(v, codes[j])
			if err != nil {
				return coredberr.New(coredberr.IO, "index.Add", err)
			}
			residualCodes[j] = idx.residual.Encode(r)
			seenCentroids[codes[j]] = struct{}{}
		}
		centroids := make([]uint32, 0, len(seenCentroids))
		for c := range seenCentroids {
			centroids = append(centroids, c)
		}
		prepared[i] = docWrite{doc: doc, codes: codes, residualCodes: residualCodes, centroids: centroids}
	}

	if err := t.CheckVectorQuota(totalTokens); err != nil {
		return coredberr.New(coredberr.Configuration, "index.Add", err)
	}

	start := time.Now()
	batch := idx.store.NewBatch()
	for _, p := range prepared {
		fk := keycodec.ForwardKey{Tenant: tenantID, DocID: p.doc.DocID}.Encode()
		for j, code := range p.codes {
			pk := keycodec.PostingKey{Tenant: tenantID, Centroid: code, DocID: p.doc.DocID, TokenOrd: uint32(j)}.Encode()
			batch.Put(storage.Posting, pk, p.residualCodes[j])
		}
		batch.Put(storage.ForwardCodes, fk, retriever.EncodeDocumentCodes(p.codes))
		batch.Put(storage.ForwardResiduals, fk, retriever.EncodeDocumentResiduals(idx.residual.CodeSize(), p.residualCodes))
		batch.Put(storage.Mapping, fk, retriever.EncodeMapping(p.centroids))
		if p.doc.Metadata != nil {
			blob, err := json.Marshal(p.doc.Metadata)
			if err != nil {
				return coredberr.New(coredberr.Configuration, "index.Add", fmt.Errorf("doc %d: marshal metadata: %w", p.doc.DocID, err))
			}
			batch.Put(storage.Metadata, fk, blob)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		idx.metrics.RecordStorageError("multi", coredberr.IO.String())
		return err
	}

	t.IncrementVectorCount(totalTokens)
	idx.metrics.DocumentsAdded.Add(float64(len(docs)))
	idx.metrics.AddDuration.Observe(time.Since(start).Seconds())
	idx.metrics.UpdateIndexSize(strconv.FormatUint(tenantID, 10), int(t.Usage().VectorCount))

	return nil
}

// Remove deletes every partition's record for the given document ids,
// leaving no trace of them in posting, forward, mapping, or metadata.
// Document ids with no forward record are silently skipped, since removing
// something already absent is a no-op rather than a failure.
func (idx *Index) Remove(ctx context.Context, tenantID uint64, docIDs []int64) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.readOnly {
		return coredberr.New(coredberr.State, "index.Remove", fmt.Errorf("index opened read-only"))
	}
	if len(docIDs) == 0 {
		return nil
	}

	t, err := idx.ensureTenant(tenantID)
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Remove", err)
	}

	batch := idx.store.NewBatch()
	var removedTokens int64
	for _, docID := range docIDs {
		fk := keycodec.ForwardKey{Tenant: tenantID, DocID: docID}.Encode()
		data, err := idx.store.Get(ctx, storage.ForwardCodes, fk)
		if err != nil {
			if coredberr.Is(err, coredberr.NotFound) {
				continue
			}
			return err
		}
		codes, err := retriever.DecodeDocumentCodes(data)
		if err != nil {
			return coredberr.New(coredberr.Corruption, "index.Remove", err)
		}
		removedTokens += int64(len(codes))

		for j, code := range codes {
			pk := keycodec.PostingKey{Tenant: tenantID, Centroid: code, DocID: docID, TokenOrd: uint32(j)}.Encode()
			batch.Delete(storage.Posting, pk)
		}
		batch.Delete(storage.ForwardCodes, fk)
		batch.Delete(storage.ForwardResiduals, fk)
		batch.Delete(storage.Mapping, fk)
		batch.Delete(storage.Metadata, fk)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}

	t.DecrementVectorCount(removedTokens)
	idx.metrics.DocumentsRemoved.Add(float64(len(docIDs)))
	idx.metrics.UpdateIndexSize(strconv.FormatUint(tenantID, 10), int(t.Usage().VectorCount))
	return nil
}

// Update replaces a set of documents: remove followed by add.
func (idx *Index) Update(ctx context.Context, tenantID uint64, docs []Document) error {
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.DocID
	}
	if err := idx.Remove(ctx, tenantID, ids); err != nil {
		return err
	}
	if err := idx.Add(ctx, tenantID, docs); err != nil {
		return err
	}
	idx.metrics.DocumentsUpdated.Add(float64(len(docs)))
	return nil
}

// Search runs the selected retriever variant and decorates the results with
// stored metadata.
func (idx *Index) Search(ctx context.Context, tenantID uint64, query [][]float32, k int, opts SearchOptions) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.coarse.IsTrained() {
		return nil, coredberr.New(coredberr.State, "index.Search", fmt.Errorf("index must be trained before search"))
	}
	if opts.Variant == VariantXTR && idx.cfg.QuantizerType != QuantizerProduct {
		return nil, coredberr.New(coredberr.Configuration, "index.Search", fmt.Errorf("xtr retrieval requires a product-quantized residual, index is configured with %q", idx.cfg.QuantizerType))
	}

	t, err := idx.ensureTenant(tenantID)
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "index.Search", err)
	}
	if !t.Allow() {
		idx.metrics.RecordRateLimited(strconv.FormatUint(tenantID, 10))
		return nil, coredberr.New(coredberr.State, "index.Search", fmt.Errorf("tenant %d: rate limit exceeded", tenantID))
	}

	backend := &retriever.Backend{Storage: idx.store, Coarse: idx.coarse, Residual: idx.residual, Threads: idx.cfg.ThreadPoolSize}

	variant := "plaid"
	start := time.Now()
	var results []retriever.Result
	if opts.Variant == VariantXTR {
		variant = "xtr"
		nearest := opts.NearestTokensToFetch
		if nearest <= 0 {
			nearest = 4 * k
		}
		r := retriever.NewXTRRetriever(backend, nearest)
		results, err = r.Retrieve(ctx, tenantID, query, k, opts.Options)
	} else {
		r := retriever.NewPlaidRetriever(backend)
		results, err = r.Retrieve(ctx, tenantID, query, k, opts.Options)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	idx.metrics.RecordSearch(variant, outcome, time.Since(start))
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		sr := SearchResult{DocID: r.DocID, Score: r.Score, TokenScores: r.TokenScores}
		fk := keycodec.ForwardKey{Tenant: tenantID, DocID: r.DocID}.Encode()
		if blob, err := idx.store.Get(ctx, storage.Metadata, fk); err == nil {
			var meta map[string]interface{}
			if err := json.Unmarshal(blob, &meta); err == nil {
				sr.Metadata = meta
			}
		}
		out[i] = sr
	}
	return out, nil
}

// Merge copies every partition record from the index at otherPath into idx,
// after verifying both indexes share the same trained coarse and residual
// quantizers — merging documents encoded against different codebooks would
// silently corrupt scoring.
func (idx *Index) Merge(ctx context.Context, otherPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.readOnly {
		return coredberr.New(coredberr.State, "index.Merge", fmt.Errorf("index opened read-only"))
	}

	other, err := Open(ctx, otherPath, true)
	if err != nil {
		return err
	}
	defer other.Close()

	if idx.cfg.Dim != other.cfg.Dim || idx.cfg.QuantizerType != other.cfg.QuantizerType {
		return coredberr.New(coredberr.Configuration, "index.Merge", fmt.Errorf("mismatched merge configs: dim/quantizer differ"))
	}
	if !bytes.Equal(idx.coarse.Serialize(), other.coarse.Serialize()) {
		return coredberr.New(coredberr.Configuration, "index.Merge", fmt.Errorf("mismatched merge configs: coarse quantizer codebooks differ"))
	}
	ownResidual, err := idx.residual.Serialize()
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Merge", err)
	}
	otherResidual, err := other.residual.Serialize()
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Merge", err)
	}
	if !bytes.Equal(ownResidual, otherResidual) {
		return coredberr.New(coredberr.Configuration, "index.Merge", fmt.Errorf("mismatched merge configs: residual quantizer codebooks differ"))
	}

	return idx.store.Merge(ctx, otherPath)
}

// Save persists the quantizer blobs and metadata.json to disk. Storage
// writes are already durable per-batch; Save covers the in-memory quantizer
// state that only this call flushes to the index directory.
func (idx *Index) Save(ctx context.Context) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.saveLocked(ctx)
}

func (idx *Index) saveLocked(_ context.Context) error {
	if idx.readOnly {
		return coredberr.New(coredberr.State, "index.Save", fmt.Errorf("index opened read-only"))
	}
	if err := os.WriteFile(filepath.Join(idx.dir, coarseQuantizerFileName), idx.coarse.Serialize(), 0o644); err != nil {
		return coredberr.New(coredberr.IO, "index.Save", err)
	}
	residualBytes, err := idx.residual.Serialize()
	if err != nil {
		return coredberr.New(coredberr.IO, "index.Save", err)
	}
	if err := os.WriteFile(filepath.Join(idx.dir, residualQuantizerFileName), residualBytes, 0o644); err != nil {
		return coredberr.New(coredberr.IO, "index.Save", err)
	}
	if err := saveMetadata(idx.dir, metadataFromConfig(idx.cfg)); err != nil {
		return coredberr.New(coredberr.IO, "index.Save", err)
	}
	return nil
}

// Flush persists quantizer state the same way Save does; kept as a distinct
// method since callers reach for "flush" and "save" as separate verbs.
func (idx *Index) Flush(ctx context.Context) error {
	return idx.Save(ctx)
}

// Close persists final state and releases the storage handle and its
// directory lock.
func (idx *Index) Close() error {
	if !idx.readOnly {
		if err := idx.Save(context.Background()); err != nil {
			idx.store.Close()
			return err
		}
	}
	return idx.store.Close()
}

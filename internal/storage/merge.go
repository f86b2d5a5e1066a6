package storage

import (
	"context"
	"fmt"

	"github.com/maxsim/coredb/internal/coredberr"
)

// Merge opens the index at otherPath read-only, iterates all five
// partitions in full, and upserts every entry into this store.
// Callers are responsible for verifying the two indexes share identical
// training configuration (centroid set, quantizer parameters, d, nlist,
// nbits) before calling Merge — a mismatch here is silently accepted at
// the storage layer and must be rejected one level up, in pkg/index,
// where that configuration is known.
func (s *Store) Merge(ctx context.Context, otherPath string) error {
	other, err := Open(ctx, otherPath, true)
	if err != nil {
		return coredberr.New(coredberr.IO, "storage.Merge", fmt.Errorf("open source index %q: %w", otherPath, err))
	}
	defer other.Close()

	for _, p := range allPartitions {
		if err := s.mergePartition(ctx, other, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mergePartition(ctx context.Context, other *Store, p Partition) error {
	it, err := other.ScanPrefix(ctx, p, nil)
	if err != nil {
		return coredberr.New(coredberr.IO, "storage.Merge", fmt.Errorf("scan partition %s: %w", p, err))
	}
	defer it.Close()

	const flushEvery = 500
	batch := s.NewBatch()
	for it.Next() {
		batch.Put(p, it.Key(), it.Value())
		if batch.Len() >= flushEvery {
			if err := batch.Commit(ctx); err != nil {
				return err
			}
			batch = s.NewBatch()
		}
	}
	if err := it.Err(); err != nil {
		return coredberr.New(coredberr.IO, "storage.Merge", fmt.Errorf("iterate partition %s: %w", p, err))
	}
	return batch.Commit(ctx)
}

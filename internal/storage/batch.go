package storage

import (
	"context"
	"fmt"

	"github.com/maxsim/coredb/internal/coredberr"
)

type writeOp struct {
	partition Partition
	key       []byte
	value     []byte // nil means delete
}

// WriteBatch accumulates writes across any number of partitions for a
// single atomic commit, so a document touching all five partitions at
// once either lands entirely or not at all.
type WriteBatch struct {
	store *Store
	ops   []writeOp
}

// NewBatch returns an empty batch bound to this store.
func (s *Store) NewBatch() *WriteBatch {
	return &WriteBatch{store: s}
}

// Put stages an upsert.
func (b *WriteBatch) Put(p Partition, key, value []byte) {
	b.ops = append(b.ops, writeOp{partition: p, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Delete stages a removal.
func (b *WriteBatch) Delete(p Partition, key []byte) {
	b.ops = append(b.ops, writeOp{partition: p, key: append([]byte(nil), key...), value: nil})
}

// Len reports the number of staged operations.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Commit applies every staged operation inside one BEGIN IMMEDIATE
// transaction. A crash or error mid-commit leaves the store at its
// previous state — SQLite rolls the transaction back on close without a
// commit.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	if b.store.readOnly {
		return coredberr.New(coredberr.State, "storage.WriteBatch.Commit", fmt.Errorf("store was opened read-only"))
	}

	conn, err := b.store.db.Conn(ctx)
	if err != nil {
		return coredberr.New(coredberr.IO, "storage.WriteBatch.Commit", fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front instead of on first
	// write, so two concurrent batches fail fast at begin rather than one
	// deadlocking partway through.
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return coredberr.New(coredberr.IO, "storage.WriteBatch.Commit", fmt.Errorf("begin immediate: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, `ROLLBACK`)
		}
	}()

	for _, op := range b.ops {
		var execErr error
		if op.value == nil {
			_, execErr = conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, tableName(op.partition)), op.key)
		} else {
			_, execErr = conn.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, tableName(op.partition)),
				op.key, op.value)
		}
		if execErr != nil {
			return coredberr.New(coredberr.IO, "storage.WriteBatch.Commit", fmt.Errorf("partition %s: %w", op.partition, execErr))
		}
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return coredberr.New(coredberr.IO, "storage.WriteBatch.Commit", fmt.Errorf("commit transaction: %w", err))
	}
	committed = true
	return nil
}

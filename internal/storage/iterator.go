package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maxsim/coredb/internal/coredberr"
	"github.com/maxsim/coredb/pkg/keycodec"
)

// Iterator walks keys in one partition in ascending order, restricted to a
// prefix scan range. It is a read-only snapshot: rows already fetched by
// the underlying driver are unaffected by concurrent writes.
type Iterator struct {
	rows *sql.Rows
	key  []byte
	val  []byte
	err  error
}

// ScanPrefix returns an iterator over every key in partition p sharing the
// given prefix, in ascending order. If the prefix is all 0xff bytes (no
// finite successor), the scan runs to the end of the partition.
func (s *Store) ScanPrefix(ctx context.Context, p Partition, prefix []byte) (*Iterator, error) {
	if len(prefix) == 0 {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key ASC`, tableName(p)))
		if err != nil {
			return nil, coredberr.New(coredberr.IO, "storage.ScanPrefix", err)
		}
		return &Iterator{rows: rows}, nil
	}

	upper, ok := keycodec.PrefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if ok {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= ? AND key < ? ORDER BY key ASC`, tableName(p)),
			prefix, upper)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= ? ORDER BY key ASC`, tableName(p)),
			prefix)
	}
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "storage.ScanPrefix", err)
	}
	return &Iterator{rows: rows}, nil
}

// ScanRange returns an iterator over [lower, upper) in partition p.
func (s *Store) ScanRange(ctx context.Context, p Partition, lower, upper []byte) (*Iterator, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= ? AND key < ? ORDER BY key ASC`, tableName(p)),
		lower, upper)
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "storage.ScanRange", err)
	}
	return &Iterator{rows: rows}, nil
}

// Next advances the iterator, returning false at end of scan or on error.
func (it *Iterator) Next() bool {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	if err := it.rows.Scan(&it.key, &it.val); err != nil {
		it.err = err
		return false
	}
	return true
}

// Key returns the current row's key. Valid only after Next returns true.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current row's value. Valid only after Next returns true.
func (it *Iterator) Value() []byte { return it.val }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the underlying query resources.
func (it *Iterator) Close() error { return it.rows.Close() }

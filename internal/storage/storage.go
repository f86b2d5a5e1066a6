// Package storage implements the partitioned ordered key-value layer: five
// SQLite tables (posting, forward codes, forward residuals, mapping,
// metadata), each keyed on the canonical big-endian composite keys from
// pkg/keycodec, opened as a single physical engine per index directory.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/maxsim/coredb/internal/coredberr"
)

// Partition names one of the five logical namespaces. Each maps to its own
// SQLite table so that a partition's rows never need a discriminator
// column, keeping every key exactly the bytes pkg/keycodec produces.
type Partition string

const (
	Posting          Partition = "posting"
	ForwardCodes     Partition = "forward_codes"
	ForwardResiduals Partition = "forward_residuals"
	Mapping          Partition = "mapping"
	Metadata         Partition = "metadata"
)

var allPartitions = []Partition{Posting, ForwardCodes, ForwardResiduals, Mapping, Metadata}

const lockFileName = ".coredb.lock"
const dbFileName = "data.db"

// Store is the partitioned ordered KV engine backing one index directory.
type Store struct {
	dir      string
	db       *sql.DB
	lock     *flock.Flock
	readOnly bool
}

// Open opens (creating if necessary) the SQLite-backed store rooted at
// dir. readOnly callers take a shared lock and never write; all other
// callers take an exclusive lock, so at most one writer may hold an index
// directory open at a time.
func Open(ctx context.Context, dir string, readOnly bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coredberr.New(coredberr.IO, "storage.Open", fmt.Errorf("create index directory: %w", err))
	}

	lk := flock.New(filepath.Join(dir, lockFileName))
	var locked bool
	var err error
	if readOnly {
		locked, err = lk.TryRLock()
	} else {
		locked, err = lk.TryLock()
	}
	if err != nil {
		return nil, coredberr.New(coredberr.IO, "storage.Open", fmt.Errorf("acquire lock: %w", err))
	}
	if !locked {
		return nil, coredberr.New(coredberr.State, "storage.Open", fmt.Errorf("index directory %q is already open for writing", dir))
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000",
		filepath.Join(dir, dbFileName))
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		lk.Unlock()
		return nil, coredberr.New(coredberr.IO, "storage.Open", fmt.Errorf("open database: %w", err))
	}
	db.SetMaxOpenConns(1) // a single writer connection avoids SQLITE_BUSY on WAL writers
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{dir: dir, db: db, lock: lk, readOnly: readOnly}
	if !readOnly {
		if err := s.createTables(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	for _, p := range allPartitions {
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID`,
			tableName(p))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return coredberr.New(coredberr.IO, "storage.createTables", fmt.Errorf("create table %s: %w", p, err))
		}
	}
	return nil
}

func tableName(p Partition) string { return string(p) }

// Close releases the database handle and the directory lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.lock != nil {
		s.lock.Unlock()
	}
	return err
}

// Dir returns the index directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Get performs a point lookup in one partition. It reports coredberr.NotFound
// when the key is absent.
func (s *Store) Get(ctx context.Context, p Partition, key []byte) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, tableName(p)), key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, coredberr.New(coredberr.NotFound, "storage.Get", fmt.Errorf("partition %s: key not found", p))
		}
		return nil, coredberr.New(coredberr.IO, "storage.Get", err)
	}
	return value, nil
}

// Put writes a single key/value pair in its own transaction. Callers
// writing to multiple partitions atomically should use a WriteBatch
// instead.
func (s *Store) Put(ctx context.Context, p Partition, key, value []byte) error {
	b := s.NewBatch()
	b.Put(p, key, value)
	return b.Commit(ctx)
}

// Delete removes a key from one partition, if present.
func (s *Store) Delete(ctx context.Context, p Partition, key []byte) error {
	b := s.NewBatch()
	b.Delete(p, key)
	return b.Commit(ctx)
}

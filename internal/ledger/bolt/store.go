// Package bolt stores audit records in a BoltDB file laid out like an object
// store: one bucket per chain, one immutable object per record keyed by its
// sequence key, holding the record's wire JSON.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.etcd.io/bbolt"
)

const (
	chainsBucket  = "chains"
	recordsBucket = "records"
	linksBucket   = "links"
)

// Store is a ledger.Store backed by bbolt. Objects are never overwritten; a
// write whose sequence key or previous hash is already present in the chain
// is rejected with ledger.ErrConflict inside the same write transaction.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(chainsBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create chains bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Put implements ledger.Store.
func (s *Store) Put(ctx context.Context, rec *ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if err := ledger.ValidateChainID(rec.ChainID); err != nil {
		return err
	}

	object, err := ledger.EncodeRecord(rec)
	if err != nil {
		return err
	}
	key := []byte(rec.SequenceKey())
	link := []byte(rec.PreviousHash)

	return s.db.Update(func(tx *bbolt.Tx) error {
		chain, err := tx.Bucket([]byte(chainsBucket)).CreateBucketIfNotExists([]byte(rec.ChainID))
		if err != nil {
			return fmt.Errorf("create chain bucket: %w", err)
		}
		records, err := chain.CreateBucketIfNotExists([]byte(recordsBucket))
		if err != nil {
			return fmt.Errorf("create records bucket: %w", err)
		}
		links, err := chain.CreateBucketIfNotExists([]byte(linksBucket))
		if err != nil {
			return fmt.Errorf("create links bucket: %w", err)
		}

		if records.Get(key) != nil || links.Get(link) != nil {
			return ledger.ErrConflict
		}
		if err := records.Put(key, object); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		if err := links.Put(link, key); err != nil {
			return fmt.Errorf("put link: %w", err)
		}
		return nil
	})
}

// List implements ledger.Store.
func (s *Store) List(ctx context.Context, chainID string, after uint64, limit int) ([]*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}

	var out []*ledger.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := recordBucket(tx, chainID)
		if records == nil {
			return nil
		}
		c := records.Cursor()
		start := []byte(ledger.FormatSequenceKey(after + 1))
		for k, v := c.Seek(start); k != nil && len(out) < limit; k, v = c.Next() {
			rec, err := decodeObject(chainID, k, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Head implements ledger.HeadFinder.
func (s *Store) Head(ctx context.Context, chainID string) (*ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var head *ledger.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := recordBucket(tx, chainID)
		if records == nil {
			return ledger.ErrNotFound
		}
		k, v := records.Cursor().Last()
		if k == nil {
			return ledger.ErrNotFound
		}
		rec, err := decodeObject(chainID, k, v)
		if err != nil {
			return err
		}
		head = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return head, nil
}

// Chains implements ledger.Store.
func (s *Store) Chains(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(chainsBucket)).ForEachBucket(func(name []byte) error {
			if records := recordBucket(tx, string(name)); records != nil {
				if k, _ := records.Cursor().First(); k != nil {
					ids = append(ids, string(name))
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	return ids, nil
}

func recordBucket(tx *bbolt.Tx, chainID string) *bbolt.Bucket {
	chain := tx.Bucket([]byte(chainsBucket)).Bucket([]byte(chainID))
	if chain == nil {
		return nil
	}
	return chain.Bucket([]byte(recordsBucket))
}

// decodeObject parses a stored object and checks that it sits under the key
// its own content claims.
func decodeObject(chainID string, key, value []byte) (*ledger.Record, error) {
	rec, err := ledger.DecodeRecord(value)
	if err != nil {
		return nil, fmt.Errorf("object %s/%s: %w", chainID, key, err)
	}
	if !bytes.Equal([]byte(rec.SequenceKey()), key) {
		return nil, fmt.Errorf("%w: object %s/%s claims sequence key %s",
			ledger.ErrCorruptRecord, chainID, key, rec.SequenceKey())
	}
	return rec, nil
}

var _ ledger.HeadFinder = (*Store)(nil)

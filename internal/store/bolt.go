package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketCurrent = []byte("current") // nested: current/<kind>/<key>
	bucketResults = []byte("results") // <rule>\x00<nanos><seq>
)

// resultRef indexes one stored result.
type resultRef struct {
	ruleID string
	at     int64
	seq    uint64
	key    []byte
}

// newer orders refs oldest first. Equal timestamps order by descending rule
// id, so a descending walk lists them by rule id like sortNewestFirst.
func newer(a, b *resultRef) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	if a.ruleID != b.ruleID {
		return a.ruleID > b.ruleID
	}
	return a.seq < b.seq
}

// BoltStore is an embedded Store backed by bbolt.
type BoltStore struct {
	mu sync.RWMutex

	// In-memory index over results, ascending by time
	index *btree.BTreeG[*resultRef]

	db   *bbolt.DB
	path string
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	s := &BoltStore{
		index: btree.NewG[*resultRef](32, newer),
		db:    db,
		path:  path,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the top-level buckets.
func (s *BoltStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCurrent, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// UpsertCurrent writes the record under current/<kind>/<key>.
func (s *BoltStore) UpsertCurrent(ctx context.Context, kind resource.Kind, key string, record resource.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateUpsert(kind, key, record); err != nil {
		return err
	}
	value, err := encodeRecord(record)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketCurrent)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		if bytes.Equal(b.Get([]byte(key)), value) {
			return nil
		}
		return b.Put([]byte(key), value)
	})
}

// ListCurrent returns the stored records of kind in key order.
func (s *BoltStore) ListCurrent(ctx context.Context, kind resource.Kind) ([]resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := []resource.Record{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketCurrent)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			rec, err := resource.Decode(kind, v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list current %s: %w", kind, err)
	}
	return records, nil
}

// AppendResult stores the result under a fresh sequence number.
func (s *BoltStore) AppendResult(ctx context.Context, result compliance.CheckResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.RuleID == "" {
		return errors.New("append result: empty rule id")
	}
	value, err := encodeResult(result)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := &resultRef{ruleID: result.RuleID, at: result.Timestamp.UnixNano()}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketResults)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ref.seq = seq
		ref.key = resultKey(ref.ruleID, ref.at, seq)
		return b.Put(ref.key, value)
	})
	if err != nil {
		return fmt.Errorf("append result %s: %w", result.RuleID, err)
	}

	s.index.ReplaceOrInsert(ref)
	return nil
}

// ListResults walks the index newest first.
func (s *BoltStore) ListResults(ctx context.Context, ruleID string) ([]compliance.CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var refs []*resultRef
	s.index.Descend(func(ref *resultRef) bool {
		if ruleID == "" || ref.ruleID == ruleID {
			refs = append(refs, ref)
		}
		return true
	})
	s.mu.RUnlock()

	results := make([]compliance.CheckResult, 0, len(refs))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if b == nil {
			return nil
		}
		for _, ref := range refs {
			data := b.Get(ref.key)
			if data == nil {
				continue
			}
			r, err := decodeResult(data)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

// Stats returns the number of stored results and the database size.
func (s *BoltStore) Stats() (results int, sizeBytes int64) {
	s.mu.RLock()
	results = s.index.Len()
	s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		sizeBytes = tx.Size()
		return nil
	})
	return results, sizeBytes
}

// Helper functions

func (s *BoltStore) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ref, err := parseResultKey(k)
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			s.index.ReplaceOrInsert(ref)
			return nil
		})
	})
}

func resultKey(ruleID string, at int64, seq uint64) []byte {
	key := make([]byte, 0, len(ruleID)+17)
	key = append(key, ruleID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(at))
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

func parseResultKey(k []byte) (*resultRef, error) {
	i := bytes.IndexByte(k, 0)
	if i < 0 || len(k)-i-1 != 16 {
		return nil, fmt.Errorf("malformed result key %q", k)
	}
	tail := k[i+1:]
	key := make([]byte, len(k))
	copy(key, k)
	return &resultRef{
		ruleID: string(k[:i]),
		at:     int64(binary.BigEndian.Uint64(tail[:8])),
		seq:    binary.BigEndian.Uint64(tail[8:]),
		key:    key,
	}, nil
}

// Package metastore persists the Raft hard state (current term and
// vote), which must survive restarts and be durable before a node
// answers a vote request.
package metastore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bktRaft = []byte("raft")
	keyTerm = []byte("term")
	keyVote = []byte("vote")
)

// Store is a bbolt-backed stable store. Saves are synchronous: bbolt
// fsyncs on every committed transaction.
type Store struct {
	db *bolt.DB
}

// Open creates or opens meta.db inside the given directory.
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, "meta.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bktRaft)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save persists the term and vote. A zero vote means no vote cast in
// the term.
func (s *Store) Save(term uint64, votedFor uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktRaft)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		if err := b.Put(keyTerm, buf[:]); err != nil {
			return err
		}
		var vote [4]byte
		binary.BigEndian.PutUint32(vote[:], votedFor)
		return b.Put(keyVote, vote[:])
	})
}

// Load restores the persisted term and vote; zeros when absent.
func (s *Store) Load() (term uint64, votedFor uint32, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktRaft)
		if v := b.Get(keyTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyVote); v != nil {
			votedFor = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	return term, votedFor, err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Package persist backs each actor with a crash-recovery snapshot handle
// (an embedded bbolt store, one bucket per actor kind, key = peer id) and
// the plain-text autosave file.
package persist

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

var (
	bucketDoc = []byte("doc")
	bucketBus = []byte("bus")
)

// DocSnapshot is the document actor's durable state.
type DocSnapshot struct {
	Chars   []crdtdoc.Char `json:"chars"`
	Counter uint64         `json:"counter"`
}

// BusSnapshot is the causal bus actor's durable state: its stamp clock
// and delivery counters.
type BusSnapshot struct {
	T vclock.Clock `json:"t"`
	D vclock.Clock `json:"d"`
}

// Store is the embedded snapshot store. Safe for concurrent use; bbolt
// serializes writers internally.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the snapshot store at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDoc, bucketBus} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the store.
func (s *Store) Close() error { return s.db.Close() }

// PutDoc upserts peer's document snapshot.
func (s *Store) PutDoc(peer vclock.PeerID, snap DocSnapshot) error {
	return s.put(bucketDoc, peer, snap)
}

// GetDoc loads peer's document snapshot. ok is false if none was ever
// written.
func (s *Store) GetDoc(peer vclock.PeerID) (snap DocSnapshot, ok bool, err error) {
	ok, err = s.get(bucketDoc, peer, &snap)
	return snap, ok, err
}

// PutBus upserts peer's causal-bus snapshot.
func (s *Store) PutBus(peer vclock.PeerID, snap BusSnapshot) error {
	return s.put(bucketBus, peer, snap)
}

// GetBus loads peer's causal-bus snapshot.
func (s *Store) GetBus(peer vclock.PeerID) (snap BusSnapshot, ok bool, err error) {
	ok, err = s.get(bucketBus, peer, &snap)
	return snap, ok, err
}

func (s *Store) put(bucket []byte, peer vclock.PeerID, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(peer), raw)
	})
}

func (s *Store) get(bucket []byte, peer vclock.PeerID, v any) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucket).Get([]byte(peer)); b != nil {
			raw = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("persist: unmarshal: %w", err)
	}
	return true, nil
}

// Package inbox tracks which event ids a consumer group has already
// processed. The bus only promises at-least-once delivery; the inbox turns a
// successfully processed duplicate into a skip, so downstream facts such as
// borrow-confirmed are not published twice after a consumer restart.
//
// Consumers mark an event processed only after the handler succeeds. A crash
// between handling and marking causes a reprocess, which the handlers' status
// guards absorb.
package inbox

import (
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
)

// Store tracks processed events per consumer group. Implementations must key
// on the (group, eventID) pair: the same event id is independent state for
// each group, and a store keyed on the event id alone would let one
// participant's ack hide the event from every other participant.
type Store interface {
	// Seen reports whether the event was already processed by the group.
	Seen(group, eventID string) (bool, error)
	// MarkProcessed records the event as processed for the group.
	MarkProcessed(group, eventID string) error
	Close() error
}

const bucketName = "processed_events"

// BoltStore keeps processed-event markers in a BoltDB file, so deduplication
// survives consumer restarts.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Seen(group, eventID string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(bucketName)).Get(key(group, eventID)) != nil
		return nil
	})
	return seen, err
}

func (s *BoltStore) MarkProcessed(group, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stamp := time.Now().UTC().Format(time.RFC3339Nano)
		return tx.Bucket([]byte(bucketName)).Put(key(group, eventID), []byte(stamp))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func key(group, eventID string) []byte {
	return []byte(group + "|" + eventID)
}

// MemoryStore is the in-process Store used by tests and the development mode.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]struct{})}
}

func (s *MemoryStore) Seen(group, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[string(key(group, eventID))]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(group, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[string(key(group, eventID))] = struct{}{}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

package auth

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var stateBucket = []byte("pkce_states")

// BoltStateStore keeps state entries in an embedded bbolt file. Consume runs
// in a single write transaction, which bbolt serialises.
type BoltStateStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltStateStore opens (or creates) the bbolt file at path.
func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state bucket: %w", err)
	}

	return &BoltStateStore{db: db, now: time.Now}, nil
}

// SetClock overrides the time source.
func (s *BoltStateStore) SetClock(now func() time.Time) { s.now = now }

// Close releases the bbolt file lock.
func (s *BoltStateStore) Close() error { return s.db.Close() }

func (s *BoltStateStore) Put(ctx context.Context, entry *StateEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		key := []byte(entry.State)
		if b.Get(key) != nil {
			return ErrStateExists
		}
		return b.Put(key, payload)
	})
}

func (s *BoltStateStore) Consume(ctx context.Context, state string) (*StateEntry, error) {
	var payload []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		key := []byte(state)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		// v is only valid for the life of the transaction.
		payload = append([]byte(nil), v...)
		return b.Delete(key)
	})
	if err != nil {
		return nil, fmt.Errorf("consuming state: %w", err)
	}
	if payload == nil {
		return nil, invalidState("no entry")
	}

	entry, err := decodeEntry(payload)
	if err != nil {
		return nil, err
	}
	if entry.Expired(s.now()) {
		return nil, invalidState("entry expired")
	}
	return entry, nil
}

func (s *BoltStateStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil || entry.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging states: %w", err)
	}
	return n, nil
}

func (s *BoltStateStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(stateBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

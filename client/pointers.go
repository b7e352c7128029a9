package client

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/CefBoud/monpost/types"
	"github.com/boltdb/bolt"
)

// PointerStore keeps, per topic, the id of the last post a profile fully received
type PointerStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenPointerStore opens (creating it if needed) the pointer file at path.
// Each profile gets its own bucket.
func OpenPointerStore(path, profile string) (*PointerStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open pointer store %s: %w", path, err)
	}
	s := &PointerStore{db: db, bucket: []byte(profile)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pointer bucket %s: %w", profile, err)
	}
	return s, nil
}

// Get returns the pointer of topic, ZeroPostID when nothing was received yet
func (s *PointerStore) Get(topic string) (uint64, error) {
	id := types.ZeroPostID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(topic))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("pointer of %s has %d bytes", topic, len(v))
		}
		id = binary.BigEndian.Uint64(v)
		return nil
	})
	return id, err
}

// Set moves the pointer of topic to id
func (s *PointerStore) Set(topic string, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], id)
		return tx.Bucket(s.bucket).Put([]byte(topic), v[:])
	})
}

// Topics lists the topics with a pointer, in key order
func (s *PointerStore) Topics() ([]string, error) {
	var topics []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			topics = append(topics, string(k))
			return nil
		})
	})
	return topics, err
}

// Close releases the pointer file
func (s *PointerStore) Close() error {
	return s.db.Close()
}

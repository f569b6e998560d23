package docstore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketWatermarks = []byte("watermarks")

// SaveWatermark persists the retention watermark of a log consumer.
func (s *Store) SaveWatermark(consumerID string, tick uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketWatermarks)
		if err != nil {
			return err
		}
		return b.Put([]byte(consumerID), EncodeUint64(tick))
	})
}

// DeleteWatermark removes the persisted watermark of consumerID.
func (s *Store) DeleteWatermark(consumerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(consumerID))
	})
}

// LoadWatermarks returns every persisted consumer watermark.
func (s *Store) LoadWatermarks() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = DecodeUint64(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	return out, nil
}

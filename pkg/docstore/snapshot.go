package docstore

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	bolt "go.etcd.io/bbolt"
)

// Document is one key/value pair of a collection.
type Document struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// CollectionSnapshot is the full content of one collection.
type CollectionSnapshot struct {
	Name      string        `json:"name"`
	Documents []Document    `json:"documents"`
	Builds    []BuildRecord `json:"builds"`
}

// Snapshot is a consistent copy of the store at Tick.
type Snapshot struct {
	Tick        uint64               `json:"tick"`
	Collections []CollectionSnapshot `json:"collections"`
}

// Snapshot copies every collection and the applied tick inside a single
// read transaction.
func (s *Store) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		snap.Tick = DecodeUint64(tx.Bucket(bucketMeta).Get(keyAppliedTick))
		colls := tx.Bucket(bucketCollections)
		return colls.ForEachBucket(func(name []byte) error {
			coll := colls.Bucket(name)
			cs := CollectionSnapshot{Name: string(name)}
			err := coll.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
				cs.Documents = append(cs.Documents, Document{Key: string(k), Value: append([]byte{}, v...)})
				return nil
			})
			if err != nil {
				return err
			}
			err = coll.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
				if rec := DecodeBuildRecord(v); rec != nil {
					cs.Builds = append(cs.Builds, *rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
			sort.Slice(cs.Builds, func(i, j int) bool {
				return cs.Builds[i].StartTick < cs.Builds[j].StartTick
			})
			snap.Collections = append(snap.Collections, cs)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// InstallSnapshot replaces all collections with the snapshot content and
// sets the applied tick to snap.Tick. The role is kept.
func (s *Store) InstallSnapshot(snap *Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCollections); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketCollections); err != nil {
			return err
		}
		for _, cs := range snap.Collections {
			coll, err := ensureCollection(tx, cs.Name)
			if err != nil {
				return err
			}
			docs := coll.Bucket(bucketDocs)
			for _, d := range cs.Documents {
				if err := docs.Put([]byte(d.Key), d.Value); err != nil {
					return err
				}
			}
			builds := coll.Bucket(bucketBuilds)
			for i := range cs.Builds {
				rec := cs.Builds[i]
				if err := builds.Put([]byte(rec.Spec.ID), rec.Encode()); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketMeta).Put(keyAppliedTick, EncodeUint64(snap.Tick))
	})
	if err != nil {
		return fmt.Errorf("install snapshot at tick %d: %w", snap.Tick, err)
	}
	s.logger.Info("snapshot installed", "tick", snap.Tick, "collections", len(snap.Collections))
	return nil
}

// Digest hashes collections, documents and build records. Two stores with
// the same digest hold the same data; the applied tick and role are not
// part of it.
func (s *Store) Digest() (uint64, error) {
	h := xxhash.New()
	var lenBuf [8]byte
	write := func(b []byte) {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(b)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		colls := tx.Bucket(bucketCollections)
		return colls.ForEachBucket(func(name []byte) error {
			write(name)
			coll := colls.Bucket(name)
			err := coll.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
				write(k)
				write(v)
				return nil
			})
			if err != nil {
				return err
			}
			// bolt iterates in key order, so the hash is stable.
			return coll.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
				write(k)
				write(v)
				return nil
			})
		})
	})
	if err != nil {
		return 0, fmt.Errorf("digest: %w", err)
	}
	return h.Sum64(), nil
}

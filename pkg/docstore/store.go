package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/unijord/shardlog/pkg/oplog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta        = []byte("meta")
	bucketCollections = []byte("collections")
	bucketDocs        = []byte("docs")
	bucketBuilds      = []byte("builds")

	keyAppliedTick = []byte("applied_tick")
	keyRole        = []byte("role")
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrBuildNotFound      = errors.New("index build not found")
	ErrInvalidOperation   = errors.New("invalid operation")
)

// Roles a node can persist.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Config configures a Store.
type Config struct {
	Path   string
	Logger *slog.Logger
	// Timeout for acquiring the bolt file lock, 0 waits forever.
	OpenTimeout time.Duration
}

// Store is the durable local state of a node: documents, index build
// records, the applied tick checkpoint and the node role. Every Apply
// commits the document change and the applied tick in one transaction.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCollections); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "docstore")}, nil
}

// DB exposes the bolt handle so sibling state (e.g. applier state) can
// live in the same file.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedTick returns the tick of the last applied operation.
func (s *Store) AppliedTick() uint64 {
	var tick uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		tick = DecodeUint64(tx.Bucket(bucketMeta).Get(keyAppliedTick))
		return nil
	})
	return tick
}

// Apply applies op and advances the applied tick in the same transaction.
// Operations at or below the applied tick were applied before and are
// skipped, which makes replay idempotent. It reports whether op changed
// the store.
func (s *Store) Apply(op oplog.Operation) (bool, error) {
	if op.Tick == 0 {
		return false, fmt.Errorf("%w: tick 0", ErrInvalidOperation)
	}
	if op.Collection == "" {
		return false, fmt.Errorf("%w: tick %d has no collection", ErrInvalidOperation, op.Tick)
	}

	var applied bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if op.Tick <= DecodeUint64(meta.Get(keyAppliedTick)) {
			return nil
		}
		if err := s.applyTx(tx, op); err != nil {
			return err
		}
		applied = true
		return meta.Put(keyAppliedTick, EncodeUint64(op.Tick))
	})
	if err != nil {
		return false, fmt.Errorf("apply tick %d: %w", op.Tick, err)
	}
	return applied, nil
}

func (s *Store) applyTx(tx *bolt.Tx, op oplog.Operation) error {
	coll, err := ensureCollection(tx, op.Collection)
	if err != nil {
		return err
	}

	switch op.Kind {
	case oplog.KindInsert, oplog.KindUpdate:
		if op.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalidOperation, op.Kind)
		}
		return coll.Bucket(bucketDocs).Put([]byte(op.Key), op.Payload)

	case oplog.KindRemove:
		return coll.Bucket(bucketDocs).Delete([]byte(op.Key))

	case oplog.KindCreateCollection:
		return nil

	case oplog.KindIndexCreate:
		var spec IndexSpec
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &spec); err != nil {
				return fmt.Errorf("%w: index spec: %v", ErrInvalidOperation, err)
			}
		}
		spec.ID = IndexID(op.Collection, op.Tick)
		if spec.Type == "" {
			spec.Type = IndexTypePersistent
		}
		rec := &BuildRecord{
			Collection: op.Collection,
			Spec:       spec,
			State:      BuildStateBuilding,
			StartTick:  op.Tick,
		}
		return coll.Bucket(bucketBuilds).Put([]byte(spec.ID), rec.Encode())

	case oplog.KindIndexCommit, oplog.KindIndexAbort:
		return s.finishBuildTx(coll, op)
	}

	return fmt.Errorf("%w: unknown kind %s", ErrInvalidOperation, op.Kind)
}

// finishBuildTx moves a build record out of building. A record only ever
// leaves building once; later commits or aborts are ignored.
func (s *Store) finishBuildTx(coll *bolt.Bucket, op oplog.Operation) error {
	builds := coll.Bucket(bucketBuilds)
	rec := DecodeBuildRecord(builds.Get([]byte(op.Key)))
	if rec == nil {
		s.logger.Warn("index build finish for unknown build",
			"collection", op.Collection,
			"index", op.Key,
			"kind", op.Kind.String(),
			"tick", op.Tick)
		return nil
	}
	if rec.State != BuildStateBuilding {
		s.logger.Warn("index build already finished",
			"collection", op.Collection,
			"index", op.Key,
			"state", rec.State,
			"kind", op.Kind.String(),
			"tick", op.Tick)
		return nil
	}

	rec.EndTick = op.Tick
	if op.Kind == oplog.KindIndexCommit {
		rec.State = BuildStateCommitted
		var payload CommitPayload
		if len(op.Payload) > 0 && json.Unmarshal(op.Payload, &payload) == nil {
			rec.Entries = payload.Entries
		}
	} else {
		rec.State = BuildStateAborted
	}
	return builds.Put([]byte(op.Key), rec.Encode())
}

func ensureCollection(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	coll, err := tx.Bucket(bucketCollections).CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}
	if _, err := coll.CreateBucketIfNotExists(bucketDocs); err != nil {
		return nil, err
	}
	if _, err := coll.CreateBucketIfNotExists(bucketBuilds); err != nil {
		return nil, err
	}
	return coll, nil
}

func collectionBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	coll := tx.Bucket(bucketCollections).Bucket([]byte(name))
	if coll == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return coll, nil
}

// DiscardIndex aborts a build that is still building without going
// through the log. The applied tick is left untouched.
func (s *Store) DiscardIndex(collection, indexID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		coll, err := collectionBucket(tx, collection)
		if err != nil {
			return err
		}
		builds := coll.Bucket(bucketBuilds)
		rec := DecodeBuildRecord(builds.Get([]byte(indexID)))
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrBuildNotFound, indexID)
		}
		if rec.State != BuildStateBuilding {
			return nil
		}
		rec.State = BuildStateAborted
		return builds.Put([]byte(indexID), rec.Encode())
	})
}

// Collections returns the collection names in order.
func (s *Store) Collections() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Indexes returns the visible indexes of a collection: the primary index
// followed by every committed secondary index.
func (s *Store) Indexes(collection string) ([]IndexSpec, error) {
	var specs []IndexSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		coll, err := collectionBucket(tx, collection)
		if err != nil {
			return err
		}
		specs = append(specs, primaryIndex(collection))
		var committed []*BuildRecord
		err = coll.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			if rec := DecodeBuildRecord(v); rec != nil && rec.State == BuildStateCommitted {
				committed = append(committed, rec)
			}
			return nil
		})
		sort.Slice(committed, func(i, j int) bool {
			return committed[i].StartTick < committed[j].StartTick
		})
		for _, rec := range committed {
			specs = append(specs, rec.Spec)
		}
		return err
	})
	return specs, err
}

// BuildRecords returns the build records of a collection, or of every
// collection when collection is empty, ordered by start tick.
func (s *Store) BuildRecords(collection string) ([]BuildRecord, error) {
	var records []BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachBuild(tx, collection, func(rec *BuildRecord) {
			records = append(records, *rec)
		})
	})
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTick < records[j].StartTick
	})
	return records, err
}

func (s *Store) forEachBuild(tx *bolt.Tx, collection string, fn func(*BuildRecord)) error {
	visit := func(coll *bolt.Bucket) error {
		return coll.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			if rec := DecodeBuildRecord(v); rec != nil {
				fn(rec)
			}
			return nil
		})
	}
	if collection != "" {
		coll, err := collectionBucket(tx, collection)
		if err != nil {
			return err
		}
		return visit(coll)
	}
	colls := tx.Bucket(bucketCollections)
	return colls.ForEachBucket(func(name []byte) error {
		return visit(colls.Bucket(name))
	})
}

// OldestBuildingTick returns the smallest start tick of a build that is
// still building.
func (s *Store) OldestBuildingTick() (uint64, bool) {
	var (
		oldest uint64
		found  bool
	)
	_ = s.db.View(func(tx *bolt.Tx) error {
		return s.forEachBuild(tx, "", func(rec *BuildRecord) {
			if rec.State != BuildStateBuilding {
				return
			}
			if !found || rec.StartTick < oldest {
				oldest = rec.StartTick
				found = true
			}
		})
	})
	return oldest, found
}

// Document returns the value stored under key.
func (s *Store) Document(collection, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		coll, err := collectionBucket(tx, collection)
		if err != nil {
			return err
		}
		k, v := coll.Bucket(bucketDocs).Cursor().Seek([]byte(key))
		if k != nil && string(k) == key {
			value = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Count returns the number of documents of a collection.
func (s *Store) Count(collection string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		coll, err := collectionBucket(tx, collection)
		if err != nil {
			return err
		}
		n = coll.Bucket(bucketDocs).Stats().KeyN
		return nil
	})
	return n, err
}

// ForEach calls fn for the documents of a collection in key order, in
// batches of at most batchSize keys. Each batch runs in its own read
// transaction, so writers are not blocked for the whole scan. fn
// receives copies.
func (s *Store) ForEach(collection string, batchSize int, fn func(key string, value []byte) error) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	var after []byte
	for {
		type kv struct {
			k string
			v []byte
		}
		var batch []kv
		err := s.db.View(func(tx *bolt.Tx) error {
			coll, err := collectionBucket(tx, collection)
			if err != nil {
				return err
			}
			c := coll.Bucket(bucketDocs).Cursor()
			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && string(k) == string(after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < batchSize; k, v = c.Next() {
				batch = append(batch, kv{k: string(k), v: append([]byte{}, v...)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			if err := fn(e.k, e.v); err != nil {
				return err
			}
		}
		after = []byte(batch[len(batch)-1].k)
	}
}

// Role returns the persisted node role, empty if never set.
func (s *Store) Role() string {
	var role string
	_ = s.db.View(func(tx *bolt.Tx) error {
		role = string(tx.Bucket(bucketMeta).Get(keyRole))
		return nil
	})
	return role
}

// SetRole persists the node role.
func (s *Store) SetRole(role string) error {
	if role != RoleLeader && role != RoleFollower {
		return fmt.Errorf("invalid role %q", role)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyRole, []byte(role))
	})
}

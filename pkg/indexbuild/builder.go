// Package indexbuild creates secondary indexes as a logged, crash safe
// sequence: indexCreate, fill, indexCommit.
package indexbuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/oplog"
)

// Writer appends an operation to the log and applies it locally.
type Writer interface {
	Write(ctx context.Context, op oplog.Operation) (uint64, error)
}

// Config configures a Builder.
type Config struct {
	Writer    Writer
	Store     *docstore.Store
	BatchSize int
	Faults    faults.Injector
	Logger    *slog.Logger
}

// Builder runs index builds. Builds of the same collection are
// serialized.
type Builder struct {
	writer    Writer
	store     *docstore.Store
	batchSize int
	faults    faults.Injector
	logger    *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]struct{}
}

// New creates a Builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Writer == nil || cfg.Store == nil {
		return nil, errors.New("indexbuild: writer and store are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		writer:    cfg.Writer,
		store:     cfg.Store,
		batchSize: cfg.BatchSize,
		faults:    faults.OrNop(cfg.Faults),
		logger:    logger.With("component", "indexbuild"),
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]struct{}),
	}, nil
}

func (b *Builder) lock(collection string) func() {
	b.mu.Lock()
	l, ok := b.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		b.locks[collection] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// EnsureIndex returns the committed index matching spec, building it
// first if needed. The index only becomes visible once its indexCommit
// is applied. A crash in between leaves a building record that recovery
// discards.
func (b *Builder) EnsureIndex(ctx context.Context, collection string, spec docstore.IndexSpec) (docstore.IndexSpec, error) {
	if collection == "" {
		return docstore.IndexSpec{}, errors.New("indexbuild: collection is required")
	}
	if len(spec.Fields) == 0 {
		return docstore.IndexSpec{}, errors.New("indexbuild: index needs at least one field")
	}
	if spec.Type == "" {
		spec.Type = docstore.IndexTypePersistent
	}
	if spec.Type == docstore.IndexTypePrimary {
		return docstore.IndexSpec{}, fmt.Errorf("indexbuild: cannot create a %s index", spec.Type)
	}

	unlock := b.lock(collection)
	defer unlock()

	if existing, ok := b.findCommitted(collection, spec); ok {
		return existing, nil
	}

	payload, err := json.Marshal(docstore.IndexSpec{Type: spec.Type, Fields: spec.Fields})
	if err != nil {
		return docstore.IndexSpec{}, err
	}
	tick, err := b.writer.Write(ctx, oplog.Operation{Collection: collection, Kind: oplog.KindIndexCreate, Payload: payload})
	if err != nil {
		return docstore.IndexSpec{}, fmt.Errorf("write indexCreate: %w", err)
	}
	spec.ID = docstore.IndexID(collection, tick)
	b.track(spec.ID)
	defer b.untrack(spec.ID)
	logger := b.logger.With("collection", collection, "index", spec.ID)
	logger.Info("index build started", "type", spec.Type, "fields", spec.Fields)

	entries, err := b.fill(ctx, collection)
	if err == nil {
		err = b.faults.Check(faults.IndexBeforeCommit)
	}
	if err == nil {
		commit, _ := json.Marshal(docstore.CommitPayload{Entries: entries})
		_, err = b.writer.Write(ctx, oplog.Operation{Collection: collection, Kind: oplog.KindIndexCommit, Key: spec.ID, Payload: commit})
	}
	if err != nil {
		if errors.Is(err, faults.ErrCrash) {
			return docstore.IndexSpec{}, err
		}
		b.abort(ctx, logger, collection, spec.ID, err)
		return docstore.IndexSpec{}, fmt.Errorf("build index %s: %w", spec.ID, err)
	}

	logger.Info("index build committed", "entries", entries)
	return spec, nil
}

// Building reports whether this builder is running the build id.
func (b *Builder) Building(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[id]
	return ok
}

func (b *Builder) track(id string) {
	b.mu.Lock()
	b.active[id] = struct{}{}
	b.mu.Unlock()
}

func (b *Builder) untrack(id string) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

func (b *Builder) fill(ctx context.Context, collection string) (uint64, error) {
	if err := b.faults.Check(faults.IndexFill); err != nil {
		return 0, err
	}
	var entries uint64
	err := b.store.ForEach(collection, b.batchSize, func(key string, value []byte) error {
		entries++
		if entries%uint64(b.batchSize) != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return b.faults.Check(faults.IndexFill)
	})
	return entries, err
}

// abort records the failed build so it does not pin the log until the
// next recovery.
func (b *Builder) abort(ctx context.Context, logger *slog.Logger, collection, id string, cause error) {
	op := oplog.Operation{Collection: collection, Kind: oplog.KindIndexAbort, Key: id}
	if _, err := b.writer.Write(context.WithoutCancel(ctx), op); err != nil {
		logger.Warn("failed to record index abort, recovery will discard it", "cause", cause, "error", err)
		return
	}
	logger.Warn("index build aborted", "error", cause)
}

func (b *Builder) findCommitted(collection string, spec docstore.IndexSpec) (docstore.IndexSpec, bool) {
	indexes, err := b.store.Indexes(collection)
	if err != nil {
		return docstore.IndexSpec{}, false
	}
	for _, idx := range indexes {
		if idx.Type == spec.Type && slices.Equal(idx.Fields, spec.Fields) {
			return idx, true
		}
	}
	return docstore.IndexSpec{}, false
}

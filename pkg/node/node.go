// Package node wires the operation log, the document store, recovery,
// retention, replication and index builds into one shard replica.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/unijord/shardlog/pkg/archive"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/indexbuild"
	"github.com/unijord/shardlog/pkg/oplog"
	"github.com/unijord/shardlog/pkg/recovery"
	"github.com/unijord/shardlog/pkg/replication"
	"github.com/unijord/shardlog/pkg/tailhttp"
)

var (
	ErrNotLeader = errors.New("node: not the leader")
	ErrClosed    = errors.New("node: closed")
)

// Config configures a Node.
type Config struct {
	ID      string
	DataDir string
	// Role used when the store has none persisted yet, leader by default.
	Role string

	MaxSegmentSize int64
	MaxSegmentAge  time.Duration
	SyncEveryWrite bool

	// SyncInterval drives the background log sync, see oplog.Config.
	SyncInterval       time.Duration
	SyncDelayThreshold time.Duration

	Archive archive.Config

	// Dialer used by the applier, tailhttp.Dial by default.
	Dialer         replication.Dialer
	Backoff        replication.Backoff
	ConnectTimeout time.Duration
	BatchSize      int
	PollInterval   time.Duration

	IndexBatchSize int
	Faults         faults.Injector
	Logger         *slog.Logger

	// HoldApplier opens the node with the applier stopped even when its
	// persisted state says auto start.
	HoldApplier bool
}

// Node is one replica of a shard. A leader accepts writes through Write,
// a follower applies what its applier pulls from the leader.
type Node struct {
	id     string
	logger *slog.Logger
	base   *slog.Logger

	log       *oplog.Log
	store     *docstore.Store
	archive   *archive.Manager
	applier   *replication.Applier
	builder   *indexbuild.Builder
	recovered *recovery.Result

	// writeSem serializes log append + store apply; Freeze holds it.
	writeSem chan struct{}

	mu     sync.Mutex
	role   string
	closed bool
}

// Open opens the node in cfg.DataDir: log, store, recovery, archive,
// applier and index builder, in that order.
func Open(cfg Config) (_ *Node, err error) {
	if cfg.ID == "" {
		return nil, errors.New("node: id is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("node: data dir is required")
	}
	if cfg.Role == "" {
		cfg.Role = docstore.RoleLeader
	}
	if cfg.Dialer == nil {
		cfg.Dialer = tailhttp.Dial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	n := &Node{
		id:       cfg.ID,
		logger:   cfg.Logger.With("component", "node", "node", cfg.ID),
		base:     cfg.Logger,
		writeSem: make(chan struct{}, 1),
	}
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	n.log, err = oplog.Open(oplog.Config{
		Dir:            filepath.Join(cfg.DataDir, "wal"),
		MaxSegmentSize: cfg.MaxSegmentSize,
		MaxSegmentAge:  cfg.MaxSegmentAge,
		SyncEveryWrite: cfg.SyncEveryWrite,
		Logger:         cfg.Logger,

		SyncInterval:       cfg.SyncInterval,
		SyncDelayThreshold: cfg.SyncDelayThreshold,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, n.log.Close)

	n.store, err = docstore.Open(docstore.Config{
		Path:        filepath.Join(cfg.DataDir, "state.db"),
		Logger:      cfg.Logger,
		OpenTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, n.store.Close)

	// The store syncs on every commit, the log may not. A torn or unsynced
	// log tail would hand out ticks the store already applied.
	if applied := n.store.AppliedTick(); n.log.NextTick() <= applied {
		n.logger.Warn("operation log ends before the applied checkpoint, restarting it after the checkpoint",
			"log_last_tick", n.log.LastTick(),
			"applied_tick", applied)
		if err = n.log.Reset(applied + 1); err != nil {
			return nil, fmt.Errorf("reseed log: %w", err)
		}
	}

	n.role = n.store.Role()
	if n.role == "" {
		if err = n.store.SetRole(cfg.Role); err != nil {
			return nil, err
		}
		n.role = cfg.Role
	}

	rcfg := recovery.Config{
		Log:                  n.log,
		Store:                n.store,
		KeepReplicatedBuilds: n.role != docstore.RoleLeader,
		Faults:               cfg.Faults,
		Logger:               cfg.Logger,
	}
	if n.role == docstore.RoleLeader {
		rcfg.Append = n.log.Append
	}
	n.recovered, err = recovery.Run(context.Background(), rcfg)
	if err != nil {
		return nil, err
	}

	archiveCfg := cfg.Archive
	archiveCfg.Logger = cfg.Logger
	archiveCfg.Store = n.store
	n.archive = archive.NewManager(n.log.WAL(), archiveCfg)
	if _, err = n.archive.Restore(); err != nil {
		return nil, err
	}
	n.archive.AddFloor("checkpoint", func() (uint64, bool) {
		return n.store.AppliedTick() + 1, true
	})
	n.archive.AddFloor("index-build", n.store.OldestBuildingTick)

	n.builder, err = indexbuild.New(indexbuild.Config{
		Writer:    n,
		Store:     n.store,
		BatchSize: cfg.IndexBatchSize,
		Faults:    cfg.Faults,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	stateStore, err := replication.NewBoltStateStore(n.store.DB())
	if err != nil {
		return nil, err
	}
	n.applier, err = replication.Open(replication.Config{
		ConsumerID:     cfg.ID,
		Sink:           n,
		Dialer:         cfg.Dialer,
		Store:          stateStore,
		Backoff:        cfg.Backoff,
		ConnectTimeout: cfg.ConnectTimeout,
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		Faults:         cfg.Faults,
		Logger:         cfg.Logger,
		HoldStopped:    cfg.HoldApplier,
	})
	if err != nil {
		return nil, err
	}

	n.archive.Start()
	n.logger.Info("node opened",
		"role", n.role,
		"applied_tick", n.store.AppliedTick(),
		"log_first_tick", n.log.FirstTick(),
		"log_last_tick", n.log.LastTick(),
		"replayed", n.recovered.Replayed,
		"discarded_builds", len(n.recovered.Discarded))
	return n, nil
}

func (n *Node) acquire(ctx context.Context) error {
	select {
	case n.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) release() {
	<-n.writeSem
}

func (n *Node) state() (role string, closed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role, n.closed
}

func validate(op oplog.Operation) error {
	if op.Collection == "" {
		return fmt.Errorf("%w: collection is required", docstore.ErrInvalidOperation)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: kind %s", docstore.ErrInvalidOperation, op.Kind)
	}
	switch op.Kind {
	case oplog.KindInsert, oplog.KindUpdate, oplog.KindRemove, oplog.KindIndexCommit, oplog.KindIndexAbort:
		if op.Key == "" {
			return fmt.Errorf("%w: %s needs a key", docstore.ErrInvalidOperation, op.Kind)
		}
	}
	return nil
}

// Write appends op to the log and applies it. It blocks while the node is
// frozen and fails with ErrNotLeader on a follower.
func (n *Node) Write(ctx context.Context, op oplog.Operation) (uint64, error) {
	if err := validate(op); err != nil {
		return 0, err
	}
	if err := n.acquire(ctx); err != nil {
		return 0, err
	}
	defer n.release()

	role, closed := n.state()
	if closed {
		return 0, ErrClosed
	}
	if role != docstore.RoleLeader {
		return 0, ErrNotLeader
	}

	tick, err := n.log.Append(op)
	if err != nil {
		return 0, err
	}
	op.Tick = tick
	if _, err := n.store.Apply(op); err != nil {
		n.logger.Error("apply after append failed, recovery will replay it", "tick", tick, "error", err)
		return 0, err
	}
	return tick, nil
}

// ApplyReplicated mirrors a leader operation into the local log and
// applies it. Duplicates are skipped by both.
func (n *Node) ApplyReplicated(op oplog.Operation) error {
	n.writeSem <- struct{}{}
	defer n.release()

	if _, closed := n.state(); closed {
		return ErrClosed
	}
	if _, err := n.log.AppendReplicated(op); err != nil {
		return err
	}
	_, err := n.store.Apply(op)
	return err
}

// AppliedTick returns the durable applied tick.
func (n *Node) AppliedTick() uint64 {
	return n.store.AppliedTick()
}

// LastTick returns the last tick in the local log.
func (n *Node) LastTick() uint64 {
	return n.log.LastTick()
}

// Snapshot returns a consistent copy of the local state.
func (n *Node) Snapshot(ctx context.Context) (*docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.store.Snapshot()
}

// InstallSnapshot replaces the local state with snap. The log restarts
// right after the snapshot tick so replication continues from there.
func (n *Node) InstallSnapshot(ctx context.Context, snap *docstore.Snapshot) error {
	if err := n.acquire(ctx); err != nil {
		return err
	}
	defer n.release()

	if err := n.log.Reset(snap.Tick + 1); err != nil {
		return fmt.Errorf("reset log: %w", err)
	}
	if err := n.store.InstallSnapshot(snap); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	n.logger.Info("snapshot installed", "tick", snap.Tick, "collections", len(snap.Collections))
	return nil
}

// Freeze blocks writes and returns the last tick. Writes resume once
// release is called.
func (n *Node) Freeze(ctx context.Context) (uint64, func(), error) {
	if err := n.acquire(ctx); err != nil {
		return 0, nil, err
	}
	last := n.log.LastTick()
	n.logger.Info("writes frozen", "last_tick", last)

	var once sync.Once
	return last, func() {
		once.Do(func() {
			n.release()
			n.logger.Info("writes unfrozen")
		})
	}, nil
}

// Role returns the persisted role.
func (n *Node) Role() string {
	role, _ := n.state()
	return role
}

// Promote makes the node the leader. The applier is stopped and no longer
// auto-starts. Builds still in building that the local builder does not
// run came from the old leader and nobody commits them anymore, they are
// aborted through the log before the role flips. Writes are still rejected
// at that point and the applier is stopped, so the aborts get the next
// ticks in order.
func (n *Node) Promote(ctx context.Context) error {
	if err := n.applier.Stop(); err != nil {
		return err
	}
	if props := n.applier.Properties(); props.AutoStart {
		props.AutoStart = false
		if err := n.applier.Configure(props); err != nil {
			return err
		}
	}

	if n.Role() != docstore.RoleLeader {
		discarded, err := recovery.DiscardPending(recovery.Config{
			Log:    n.log,
			Store:  n.store,
			Append: n.log.Append,
			Logger: n.base,
		}, n.builder.Building)
		if err != nil {
			return fmt.Errorf("abort inherited builds: %w", err)
		}
		if len(discarded) > 0 {
			n.logger.Info("inherited index builds aborted", "builds", discarded)
		}
	}
	return n.setRole(docstore.RoleLeader)
}

// Demote makes the node a follower.
func (n *Node) Demote(ctx context.Context) error {
	return n.setRole(docstore.RoleFollower)
}

func (n *Node) setRole(role string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if err := n.store.SetRole(role); err != nil {
		return err
	}
	if n.role != role {
		n.logger.Info("role changed", "from", n.role, "to", role)
	}
	n.role = role
	return nil
}

// RegisterWatermark keeps the log from tick on for consumerID.
func (n *Node) RegisterWatermark(consumerID string, tick uint64) {
	n.archive.RegisterWatermark(consumerID, tick)
}

// UnregisterWatermark drops the watermark of consumerID.
func (n *Node) UnregisterWatermark(consumerID string) {
	n.archive.UnregisterWatermark(consumerID)
}

// EnsureIndex builds a secondary index on a leader.
func (n *Node) EnsureIndex(ctx context.Context, collection string, spec docstore.IndexSpec) (docstore.IndexSpec, error) {
	return n.builder.EnsureIndex(ctx, collection, spec)
}

// Indexes returns the visible indexes of collection.
func (n *Node) Indexes(collection string) ([]docstore.IndexSpec, error) {
	return n.store.Indexes(collection)
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Store returns the document store.
func (n *Node) Store() *docstore.Store { return n.store }

// Log returns the operation log.
func (n *Node) Log() *oplog.Log { return n.log }

// Archive returns the retention manager of the log.
func (n *Node) Archive() *archive.Manager { return n.archive }

// Applier returns the persistent applier.
func (n *Node) Applier() *replication.Applier { return n.applier }

// Recovery returns the result of the recovery run on open.
func (n *Node) Recovery() *recovery.Result { return n.recovered }

// Close stops background work and closes the log and store.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	var errs []error
	errs = append(errs, n.applier.Close())
	n.archive.Stop()

	n.writeSem <- struct{}{}
	defer n.release()
	errs = append(errs, n.log.Close(), n.store.Close())
	return errors.Join(errs...)
}

// Package migration moves a shard leader to another node while writes
// continue: snapshot, catch-up through a replication applier, then a
// short write freeze for cutover.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/replication"
)

// ErrMigrationAborted is returned by an attempt that failed in a way a
// fresh attempt can fix.
var ErrMigrationAborted = errors.New("migration: aborted")

// Source is the current shard leader.
type Source interface {
	ID() string
	Role() string
	AppliedTick() uint64
	LastTick() uint64
	Leader() replication.LeaderClient
	RegisterWatermark(consumerID string, tick uint64)
	UnregisterWatermark(consumerID string)
	Snapshot(ctx context.Context) (*docstore.Snapshot, error)
	Freeze(ctx context.Context) (uint64, func(), error)
	Promote(ctx context.Context) error
	Demote(ctx context.Context) error
}

// Destination is the node taking over the shard.
type Destination interface {
	replication.Sink
	ID() string
	Role() string
	InstallSnapshot(ctx context.Context, snap *docstore.Snapshot) error
	Promote(ctx context.Context) error
	Demote(ctx context.Context) error
}

// Plan names one shard move.
type Plan struct {
	ShardID     string
	Source      Source
	Destination Destination
}

// Config configures a Coordinator.
type Config struct {
	Router Router
	// LagThreshold is the number of ticks the destination may trail the
	// source before writes are frozen for cutover.
	LagThreshold      uint64
	CatchUpTimeout    time.Duration
	DrainTimeout      time.Duration
	CheckInterval     time.Duration
	MaxAttempts       int
	MaxSourceFailures uint64
	Backoff           replication.Backoff
	BatchSize         int
	Faults            faults.Injector
	Logger            *slog.Logger
}

func (c *Config) setDefaults() {
	if c.LagThreshold == 0 {
		c.LagThreshold = 64
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 50 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxSourceFailures == 0 {
		c.MaxSourceFailures = 5
	}
	c.Faults = faults.OrNop(c.Faults)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result describes a finished migration.
type Result struct {
	MigrationID  string
	SnapshotTick uint64
	// CutoverTick is the last source tick, the destination applied
	// exactly up to it before taking over.
	CutoverTick uint64
	Attempts    int
	Duration    time.Duration
}

// Coordinator runs migrations.
type Coordinator struct {
	config Config
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(config Config) *Coordinator {
	config.setDefaults()
	return &Coordinator{
		config: config,
		logger: config.Logger.With("component", "migration"),
	}
}

// Migrate moves the leadership of plan.ShardID from plan.Source to
// plan.Destination. Aborted attempts are retried from a fresh snapshot.
func (c *Coordinator) Migrate(ctx context.Context, plan Plan) (*Result, error) {
	if plan.Source == nil || plan.Destination == nil {
		return nil, errors.New("migration: source and destination are required")
	}
	if plan.Source.Role() != docstore.RoleLeader {
		return nil, fmt.Errorf("migration: source %s is not the leader", plan.Source.ID())
	}
	if plan.Destination.Role() == docstore.RoleLeader {
		return nil, fmt.Errorf("migration: destination %s is already a leader", plan.Destination.ID())
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, plan)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			c.logger.Info("migration finished",
				"shard", plan.ShardID,
				"migration_id", res.MigrationID,
				"snapshot_tick", res.SnapshotTick,
				"cutover_tick", res.CutoverTick,
				"attempts", attempt,
				"duration", res.Duration)
			return res, nil
		}
		if !errors.Is(err, ErrMigrationAborted) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("migration attempt aborted",
			"shard", plan.ShardID,
			"attempt", attempt,
			"max_attempts", c.config.MaxAttempts,
			"error", err)
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.config.MaxAttempts, lastErr)
}

func aborted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMigrationAborted, fmt.Sprintf(format, args...))
}

func (c *Coordinator) attempt(ctx context.Context, plan Plan) (_ *Result, err error) {
	src, dst := plan.Source, plan.Destination
	id := uuid.NewString()
	consumer := "migration/" + id
	logger := c.logger.With("shard", plan.ShardID, "migration_id", id, "source", src.ID(), "destination", dst.ID())

	// the watermark goes in before the snapshot is read, nothing the
	// destination needs may be purged in between
	src.RegisterWatermark(consumer, src.AppliedTick()+1)

	var (
		applier  *replication.Applier
		release  func()
		routeSet bool
	)
	defer func() {
		if applier != nil {
			_ = applier.Close()
		}
		if release != nil {
			release()
		}
		src.UnregisterWatermark(consumer)
		if err != nil && routeSet && c.config.Router != nil {
			if rerr := c.config.Router.Abort(plan.ShardID); rerr != nil {
				logger.Error("failed to reset routing after abort", "error", rerr)
			}
		}
	}()

	snap, err := src.Snapshot(ctx)
	if err != nil {
		return nil, c.wrap(ctx, err, "snapshot")
	}
	src.RegisterWatermark(consumer, snap.Tick+1)
	if err := c.config.Faults.Check(faults.MigrationAfterSnapshot); err != nil {
		return nil, c.wrap(ctx, err, "after snapshot")
	}
	logger.Info("snapshot taken", "tick", snap.Tick, "collections", len(snap.Collections))

	if err := dst.InstallSnapshot(ctx, snap); err != nil {
		return nil, c.wrap(ctx, err, "install snapshot")
	}

	if c.config.Router != nil {
		if err := c.config.Router.Begin(plan.ShardID, src.ID(), dst.ID()); err != nil {
			return nil, err
		}
		routeSet = true
	}

	applier, err = replication.Open(replication.Config{
		ConsumerID: consumer,
		Sink:       dst,
		Dialer: func(ctx context.Context, endpoint string) (replication.LeaderClient, error) {
			return src.Leader(), nil
		},
		Store:        &replication.MemoryStateStore{},
		Backoff:      c.config.Backoff,
		BatchSize:    c.config.BatchSize,
		PollInterval: c.config.CheckInterval,
		Faults:       c.config.Faults,
		Logger:       c.config.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := applier.Configure(replication.Properties{Endpoint: "node://" + src.ID()}); err != nil {
		return nil, err
	}
	if err := applier.Start(); err != nil {
		return nil, err
	}

	err = c.waitFor(ctx, applier, c.config.CatchUpTimeout, "catch-up", func() bool {
		last := src.LastTick()
		applied := dst.AppliedTick()
		return applied >= last || last-applied <= c.config.LagThreshold
	})
	if err != nil {
		return nil, err
	}
	logger.Info("destination caught up, freezing source writes",
		"source_last_tick", src.LastTick(),
		"destination_applied_tick", dst.AppliedTick())

	frozen, rel, err := src.Freeze(ctx)
	if err != nil {
		return nil, c.wrap(ctx, err, "freeze")
	}
	release = rel

	err = c.waitFor(ctx, applier, c.config.DrainTimeout, "drain", func() bool {
		return dst.AppliedTick() >= frozen
	})
	if err != nil {
		return nil, err
	}
	if err := applier.Stop(); err != nil {
		return nil, err
	}
	if applied := dst.AppliedTick(); applied != frozen {
		return nil, aborted("destination applied %d, source froze at %d", applied, frozen)
	}

	if err := src.Demote(ctx); err != nil {
		return nil, c.wrap(ctx, err, "demote source")
	}
	if err := dst.Promote(ctx); err != nil {
		c.restoreSource(ctx, logger, src, nil)
		return nil, c.wrap(ctx, err, "promote destination")
	}
	if c.config.Router != nil {
		if err := c.config.Router.Cutover(plan.ShardID, src.ID(), dst.ID()); err != nil {
			logger.Error("routing update failed after cutover, handing leadership back", "error", err)
			c.restoreSource(ctx, logger, src, dst)
			return nil, c.wrap(ctx, err, "route cutover")
		}
	}

	logger.Info("cutover complete", "tick", frozen)
	return &Result{MigrationID: id, SnapshotTick: snap.Tick, CutoverTick: frozen}, nil
}

// restoreSource makes src the leader again after a failed handover. A
// destination that was already promoted is demoted first so the shard
// never has two leaders.
func (c *Coordinator) restoreSource(ctx context.Context, logger *slog.Logger, src Source, dst Destination) {
	ctx = context.WithoutCancel(ctx)
	if dst != nil {
		if err := dst.Demote(ctx); err != nil {
			logger.Error("failed to demote destination", "error", err)
		}
	}
	if err := src.Promote(ctx); err != nil {
		logger.Error("failed to restore source leadership", "error", err)
	}
}

// wrap turns err into an abort unless the caller gave up.
func (c *Coordinator) wrap(ctx context.Context, err error, step string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", ErrMigrationAborted, step, err)
}

// waitFor polls done until it holds, the source looks dead or timeout
// expires.
func (c *Coordinator) waitFor(ctx context.Context, applier *replication.Applier, timeout time.Duration, step string, done func() bool) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		if done() {
			return nil
		}
		st := applier.State()
		if st.TotalFailedConnects >= c.config.MaxSourceFailures {
			return aborted("%s: source unreachable after %d connection attempts: %s", step, st.TotalFailedConnects, st.LastError)
		}
		if st.Phase == replication.PhaseError {
			return aborted("%s: replication failed: %s", step, st.LastError)
		}
		select {
		case <-tctx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return aborted("%s did not finish within %s", step, timeout)
		case <-ticker.C:
		}
	}
}

// Package recovery brings the local state up to date with the operation
// log after a restart and resolves index builds a crash left behind.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/oplog"
	"github.com/unijord/shardlog/pkg/walfs"
)

var (
	ErrReplayFailed = errors.New("recovery: replay failed")
	// ErrCheckpointPurged is returned when the log no longer holds the
	// tick after the durable checkpoint. The node needs a snapshot.
	ErrCheckpointPurged = errors.New("recovery: checkpoint tick no longer in log")
)

// Config configures a recovery run.
type Config struct {
	Log   *oplog.Log
	Store *docstore.Store
	// Append writes an operation to the log and returns its tick. When
	// set, every discarded build is also recorded as an indexAbort so
	// followers drop it too. Only a leader sets it.
	Append func(op oplog.Operation) (uint64, error)
	// KeepReplicatedBuilds leaves building records alone, a follower
	// waits for the leader's commit or abort instead.
	KeepReplicatedBuilds bool
	Faults               faults.Injector
	Logger               *slog.Logger
}

// Result describes a recovery run.
type Result struct {
	// Checkpoint is the applied tick found before replay.
	Checkpoint uint64
	// LastTick is the applied tick after recovery.
	LastTick uint64
	Replayed int
	// Skipped counts operations that were already applied.
	Skipped   int
	Discarded []string
	// Pending lists builds left in building, see KeepReplicatedBuilds.
	Pending  []string
	Duration time.Duration
}

// Run replays the log from the checkpoint + 1 to its end and then
// discards every index build still in building. Running it again on the
// same state changes nothing.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Log == nil || cfg.Store == nil {
		return nil, errors.New("recovery: log and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")
	injector := faults.OrNop(cfg.Faults)

	start := time.Now()
	res := &Result{Checkpoint: cfg.Store.AppliedTick()}
	from := res.Checkpoint + 1

	logger.Info("recovery started",
		"checkpoint", res.Checkpoint,
		"log_first_tick", cfg.Log.FirstTick(),
		"log_last_tick", cfg.Log.LastTick())

	err := cfg.Log.Iterate(from, func(op oplog.Operation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		applied, err := cfg.Store.Apply(op)
		if err != nil {
			return err
		}
		if applied {
			res.Replayed++
		} else {
			res.Skipped++
		}
		return nil
	})
	switch {
	case errors.Is(err, walfs.ErrTickPurged):
		return nil, fmt.Errorf("%w: checkpoint %d, first retained %d", ErrCheckpointPurged, res.Checkpoint, cfg.Log.FirstTick())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrReplayFailed, err)
	}

	if err := resolveBuilds(cfg, nil, injector, logger, res); err != nil {
		return nil, err
	}

	res.LastTick = cfg.Store.AppliedTick()
	res.Duration = time.Since(start)
	logger.Info("recovery finished",
		"checkpoint", res.Checkpoint,
		"applied_tick", res.LastTick,
		"replayed", res.Replayed,
		"skipped", res.Skipped,
		"discarded", len(res.Discarded),
		"pending", len(res.Pending),
		"duration", res.Duration)
	return res, nil
}

// DiscardPending aborts every build still in building except those keep
// reports as owned locally. A promoted node runs it once, the builds it
// kept as a follower have no owner left to commit them.
// KeepReplicatedBuilds is ignored.
func DiscardPending(cfg Config, keep func(id string) bool) ([]string, error) {
	if cfg.Store == nil {
		return nil, errors.New("recovery: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")

	cfg.KeepReplicatedBuilds = false
	res := &Result{}
	if err := resolveBuilds(cfg, keep, faults.OrNop(cfg.Faults), logger, res); err != nil {
		return res.Discarded, err
	}
	return res.Discarded, nil
}

func resolveBuilds(cfg Config, keep func(id string) bool, injector faults.Injector, logger *slog.Logger, res *Result) error {
	records, err := cfg.Store.BuildRecords("")
	if err != nil {
		return fmt.Errorf("list build records: %w", err)
	}

	for _, rec := range records {
		if rec.State != docstore.BuildStateBuilding {
			continue
		}
		if keep != nil && keep(rec.Spec.ID) {
			continue
		}
		if cfg.KeepReplicatedBuilds {
			res.Pending = append(res.Pending, rec.Spec.ID)
			continue
		}
		if err := injector.Check(faults.RecoveryBeforeDiscard); err != nil {
			return err
		}

		if cfg.Append != nil {
			op := oplog.Operation{Collection: rec.Collection, Kind: oplog.KindIndexAbort, Key: rec.Spec.ID}
			tick, err := cfg.Append(op)
			if err != nil {
				return fmt.Errorf("record abort of %s: %w", rec.Spec.ID, err)
			}
			op.Tick = tick
			if _, err := cfg.Store.Apply(op); err != nil {
				return fmt.Errorf("apply abort of %s: %w", rec.Spec.ID, err)
			}
		} else if err := cfg.Store.DiscardIndex(rec.Collection, rec.Spec.ID); err != nil {
			return fmt.Errorf("discard %s: %w", rec.Spec.ID, err)
		}

		res.Discarded = append(res.Discarded, rec.Spec.ID)
		logger.Info("incomplete index build discarded",
			"collection", rec.Collection,
			"index", rec.Spec.ID,
			"fields", rec.Spec.Fields,
			"start_tick", rec.StartTick)
	}
	return nil
}

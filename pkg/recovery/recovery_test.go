package recovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/oplog"
	"github.com/unijord/shardlog/pkg/recovery"
)

type env struct {
	dir   string
	log   *oplog.Log
	store *docstore.Store
}

func openEnv(t *testing.T, dir string) *env {
	t.Helper()
	l, err := oplog.Open(oplog.Config{Dir: filepath.Join(dir, "wal"), MaxSegmentSize: 4096})
	require.NoError(t, err)
	s, err := docstore.Open(docstore.Config{Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	return &env{dir: dir, log: l, store: s}
}

func (e *env) close(t *testing.T) {
	t.Helper()
	require.NoError(t, e.log.Close())
	require.NoError(t, e.store.Close())
}

// write appends to the log and applies only when apply is set, the
// unapplied tail simulates a crash between log and store.
func (e *env) write(t *testing.T, op oplog.Operation, apply bool) uint64 {
	t.Helper()
	tick, err := e.log.Append(op)
	require.NoError(t, err)
	if apply {
		op.Tick = tick
		_, err = e.store.Apply(op)
		require.NoError(t, err)
	}
	return tick
}

func insert(i int) oplog.Operation {
	return oplog.Operation{Collection: "docs", Kind: oplog.KindInsert, Key: fmt.Sprintf("d%04d", i), Payload: []byte(fmt.Sprintf(`{"v":%d}`, i))}
}

func indexCreate(t *testing.T, fields ...string) oplog.Operation {
	data, err := json.Marshal(docstore.IndexSpec{Type: docstore.IndexTypePersistent, Fields: fields})
	require.NoError(t, err)
	return oplog.Operation{Collection: "docs", Kind: oplog.KindIndexCreate, Payload: data}
}

func TestRun_ReplaysFromCheckpoint(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	for i := 0; i < 300; i++ {
		e.write(t, insert(i), i < 120)
	}
	require.Equal(t, uint64(120), e.store.AppliedTick())

	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	require.NoError(t, err)
	assert.Equal(t, uint64(120), res.Checkpoint)
	assert.Equal(t, uint64(300), res.LastTick)
	assert.Equal(t, 180, res.Replayed)
	assert.Equal(t, 0, res.Skipped)

	n, err := e.store.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 300, n)
}

func TestRun_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openEnv(t, dir)
	for i := 0; i < 200; i++ {
		e.write(t, insert(i), i < 50)
	}
	e.write(t, oplog.Operation{Collection: "docs", Kind: oplog.KindRemove, Key: "d0007"}, false)
	e.write(t, indexCreate(t, "v"), false)

	_, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	require.NoError(t, err)
	first, err := e.store.Digest()
	require.NoError(t, err)
	e.close(t)

	e = openEnv(t, dir)
	defer e.close(t)
	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Replayed)
	assert.Empty(t, res.Discarded)

	second, err := e.store.Digest()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRun_DiscardsIncompleteBuilds(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	for i := 0; i < 10; i++ {
		e.write(t, insert(i), true)
	}
	committed := e.write(t, indexCreate(t, "a"), true)
	commit, _ := json.Marshal(docstore.CommitPayload{Entries: 10})
	e.write(t, oplog.Operation{Collection: "docs", Kind: oplog.KindIndexCommit, Key: docstore.IndexID("docs", committed), Payload: commit}, true)
	crashed := e.write(t, indexCreate(t, "b"), false)

	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	require.NoError(t, err)
	assert.Equal(t, []string{docstore.IndexID("docs", crashed)}, res.Discarded)

	indexes, err := e.store.Indexes("docs")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, docstore.PrimaryIndexID("docs"), indexes[0].ID)
	assert.Equal(t, docstore.IndexID("docs", committed), indexes[1].ID)

	_, building := e.store.OldestBuildingTick()
	assert.False(t, building)
	assert.Equal(t, e.log.LastTick(), e.store.AppliedTick(), "discard does not touch the log")
}

func TestRun_LeaderRecordsAbort(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	e.write(t, insert(1), true)
	crashed := e.write(t, indexCreate(t, "v"), true)

	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store, Append: e.log.Append})
	require.NoError(t, err)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, uint64(3), e.log.LastTick())
	assert.Equal(t, uint64(3), res.LastTick)

	ops, err := e.log.Read(3, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, oplog.KindIndexAbort, ops[0].Kind)
	assert.Equal(t, docstore.IndexID("docs", crashed), ops[0].Key)

	records, err := e.store.BuildRecords("docs")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, docstore.BuildStateAborted, records[0].State)
	assert.Equal(t, uint64(3), records[0].EndTick)
}

func TestRun_FollowerKeepsReplicatedBuilds(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	tick := e.write(t, indexCreate(t, "v"), false)
	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store, KeepReplicatedBuilds: true})
	require.NoError(t, err)
	assert.Empty(t, res.Discarded)
	assert.Equal(t, []string{docstore.IndexID("docs", tick)}, res.Pending)

	oldest, ok := e.store.OldestBuildingTick()
	assert.True(t, ok)
	assert.Equal(t, tick, oldest)
}

func TestRun_FaultBeforeDiscardLeavesBuildForNextRun(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)
	e.write(t, indexCreate(t, "v"), true)

	set := faults.NewSet()
	set.EnableCrash(faults.RecoveryBeforeDiscard)
	_, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store, Faults: set})
	assert.True(t, errors.Is(err, faults.ErrCrash))

	res, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	require.NoError(t, err)
	assert.Len(t, res.Discarded, 1)
}

func TestRun_CheckpointPurged(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)
	for i := 0; i < 5; i++ {
		e.write(t, insert(i), false)
	}
	require.NoError(t, e.log.Reset(100))

	_, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store})
	assert.ErrorIs(t, err, recovery.ErrCheckpointPurged)
}

func TestRun_Cancelled(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)
	for i := 0; i < 5; i++ {
		e.write(t, insert(i), false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := recovery.Run(ctx, recovery.Config{Log: e.log, Store: e.store})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), e.store.AppliedTick())
}

func TestDiscardPending_AbortsKeptBuildsThroughLog(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	e.write(t, insert(1), true)
	kept := e.write(t, indexCreate(t, "v"), true)
	_, err := recovery.Run(context.Background(), recovery.Config{Log: e.log, Store: e.store, KeepReplicatedBuilds: true})
	require.NoError(t, err)
	_, building := e.store.OldestBuildingTick()
	require.True(t, building)

	discarded, err := recovery.DiscardPending(recovery.Config{Log: e.log, Store: e.store, Append: e.log.Append, KeepReplicatedBuilds: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{docstore.IndexID("docs", kept)}, discarded)

	_, building = e.store.OldestBuildingTick()
	assert.False(t, building)
	ops, err := e.log.Read(3, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, oplog.KindIndexAbort, ops[0].Kind)
	assert.Equal(t, uint64(3), e.store.AppliedTick())
}

func TestDiscardPending_KeepsLocallyOwnedBuilds(t *testing.T) {
	e := openEnv(t, t.TempDir())
	defer e.close(t)

	owned := e.write(t, indexCreate(t, "a"), true)
	inherited := e.write(t, indexCreate(t, "b"), true)
	ownedID := docstore.IndexID("docs", owned)

	discarded, err := recovery.DiscardPending(recovery.Config{Log: e.log, Store: e.store, Append: e.log.Append},
		func(id string) bool { return id == ownedID })
	require.NoError(t, err)
	assert.Equal(t, []string{docstore.IndexID("docs", inherited)}, discarded)

	oldest, ok := e.store.OldestBuildingTick()
	require.True(t, ok)
	assert.Equal(t, owned, oldest)
}

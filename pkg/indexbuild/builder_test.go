package indexbuild_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/faults"
	"github.com/unijord/shardlog/pkg/indexbuild"
	"github.com/unijord/shardlog/pkg/oplog"
	"github.com/unijord/shardlog/pkg/recovery"
)

type localWriter struct {
	log   *oplog.Log
	store *docstore.Store
}

func (w *localWriter) Write(ctx context.Context, op oplog.Operation) (uint64, error) {
	tick, err := w.log.Append(op)
	if err != nil {
		return 0, err
	}
	op.Tick = tick
	if _, err := w.store.Apply(op); err != nil {
		return 0, err
	}
	return tick, nil
}

func open(t *testing.T, dir string) *localWriter {
	t.Helper()
	l, err := oplog.Open(oplog.Config{Dir: filepath.Join(dir, "wal")})
	require.NoError(t, err)
	s, err := docstore.Open(docstore.Config{Path: filepath.Join(dir, "state.db")})
	require.NoError(t, err)
	return &localWriter{log: l, store: s}
}

func (w *localWriter) close(t *testing.T) {
	t.Helper()
	require.NoError(t, w.log.Close())
	require.NoError(t, w.store.Close())
}

func seed(t *testing.T, w *localWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := w.Write(context.Background(), oplog.Operation{
			Collection: "users",
			Kind:       oplog.KindInsert,
			Key:        fmt.Sprintf("u%05d", i),
			Payload:    []byte(fmt.Sprintf(`{"email":"u%d@example.com"}`, i)),
		})
		require.NoError(t, err)
	}
}

// crashAfter fails a point with ErrCrash once it was checked n times.
type crashAfter struct {
	mu    sync.Mutex
	point faults.Point
	n     int
	seen  int
}

func (c *crashAfter) Check(p faults.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p != c.point {
		return nil
	}
	c.seen++
	if c.seen > c.n {
		return faults.ErrCrash
	}
	return nil
}

func TestEnsureIndex_Commits(t *testing.T) {
	w := open(t, t.TempDir())
	defer w.close(t)
	seed(t, w, 100)

	b, err := indexbuild.New(indexbuild.Config{Writer: w, Store: w.store, BatchSize: 16})
	require.NoError(t, err)

	spec, err := b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Fields: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, docstore.IndexID("users", 101), spec.ID)
	assert.Equal(t, docstore.IndexTypePersistent, spec.Type)

	indexes, err := w.store.Indexes("users")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, spec.ID, indexes[1].ID)

	records, err := w.store.BuildRecords("users")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(100), records[0].Entries)
	assert.Equal(t, uint64(102), records[0].EndTick)

	// same definition again is a no-op
	last := w.log.LastTick()
	again, err := b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Type: docstore.IndexTypePersistent, Fields: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, spec.ID, again.ID)
	assert.Equal(t, last, w.log.LastTick())
}

func TestEnsureIndex_RejectsInvalidSpecs(t *testing.T) {
	w := open(t, t.TempDir())
	defer w.close(t)
	b, err := indexbuild.New(indexbuild.Config{Writer: w, Store: w.store})
	require.NoError(t, err)

	_, err = b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{})
	assert.Error(t, err)
	_, err = b.EnsureIndex(context.Background(), "", docstore.IndexSpec{Fields: []string{"a"}})
	assert.Error(t, err)
	_, err = b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Type: docstore.IndexTypePrimary, Fields: []string{"a"}})
	assert.Error(t, err)
	assert.Equal(t, uint64(0), w.log.LastTick())
}

func TestEnsureIndex_CrashDuringFillLeavesOnlyPrimaryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	w := open(t, dir)
	seed(t, w, 1000)

	b, err := indexbuild.New(indexbuild.Config{
		Writer:    w,
		Store:     w.store,
		BatchSize: 100,
		Faults:    &crashAfter{point: faults.IndexFill, n: 4},
	})
	require.NoError(t, err)

	_, err = b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Fields: []string{"email"}})
	require.ErrorIs(t, err, faults.ErrCrash)
	assert.Equal(t, uint64(1001), w.log.LastTick(), "no abort written on crash")
	w.close(t)

	w = open(t, dir)
	defer w.close(t)
	res, err := recovery.Run(context.Background(), recovery.Config{Log: w.log, Store: w.store, Append: w.log.Append})
	require.NoError(t, err)
	assert.Equal(t, []string{docstore.IndexID("users", 1001)}, res.Discarded)

	indexes, err := w.store.Indexes("users")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, docstore.PrimaryIndexID("users"), indexes[0].ID)
	assert.Equal(t, docstore.IndexTypePrimary, indexes[0].Type)

	n, err := w.store.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
}

func TestEnsureIndex_CrashBeforeCommit(t *testing.T) {
	w := open(t, t.TempDir())
	defer w.close(t)
	seed(t, w, 10)

	set := faults.NewSet()
	set.EnableCrash(faults.IndexBeforeCommit)
	b, err := indexbuild.New(indexbuild.Config{Writer: w, Store: w.store, Faults: set})
	require.NoError(t, err)

	_, err = b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Fields: []string{"email"}})
	require.ErrorIs(t, err, faults.ErrCrash)

	oldest, building := w.store.OldestBuildingTick()
	assert.True(t, building)
	assert.Equal(t, uint64(11), oldest)
	indexes, err := w.store.Indexes("users")
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
}

func TestEnsureIndex_FailureWritesAbort(t *testing.T) {
	w := open(t, t.TempDir())
	defer w.close(t)
	seed(t, w, 10)

	set := faults.NewSet()
	set.Enable(faults.IndexFill, errors.New("out of memory"))
	b, err := indexbuild.New(indexbuild.Config{Writer: w, Store: w.store, Faults: set})
	require.NoError(t, err)

	_, err = b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Fields: []string{"email"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, faults.ErrCrash)

	ops, err := w.log.Read(w.log.LastTick(), 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, oplog.KindIndexAbort, ops[0].Kind)

	_, building := w.store.OldestBuildingTick()
	assert.False(t, building)

	// the failed build does not block a later one
	set.Disable(faults.IndexFill)
	spec, err := b.EnsureIndex(context.Background(), "users", docstore.IndexSpec{Fields: []string{"email"}})
	require.NoError(t, err)
	assert.NotEmpty(t, spec.ID)
}

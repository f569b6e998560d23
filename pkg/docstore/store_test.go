package docstore_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/oplog"
)

func openStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open(docstore.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustApply(t *testing.T, s *docstore.Store, op oplog.Operation) {
	t.Helper()
	_, err := s.Apply(op)
	require.NoError(t, err)
}

func specPayload(t *testing.T, fields ...string) []byte {
	t.Helper()
	data, err := json.Marshal(docstore.IndexSpec{Type: docstore.IndexTypePersistent, Fields: fields})
	require.NoError(t, err)
	return data
}

func TestStore_ApplyDocuments(t *testing.T) {
	s := openStore(t)

	mustApply(t, s, oplog.Operation{Tick: 1, Collection: "c", Kind: oplog.KindInsert, Key: "a", Payload: []byte("1")})
	mustApply(t, s, oplog.Operation{Tick: 2, Collection: "c", Kind: oplog.KindInsert, Key: "b", Payload: []byte("2")})
	mustApply(t, s, oplog.Operation{Tick: 3, Collection: "c", Kind: oplog.KindUpdate, Key: "a", Payload: []byte("3")})
	mustApply(t, s, oplog.Operation{Tick: 4, Collection: "c", Kind: oplog.KindRemove, Key: "b"})

	v, ok, err := s.Document("c", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", string(v))

	_, ok, err = s.Document("c", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Count("c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(4), s.AppliedTick())
}

func TestStore_ApplyIsIdempotent(t *testing.T) {
	s := openStore(t)

	op := oplog.Operation{Tick: 5, Collection: "c", Kind: oplog.KindInsert, Key: "a", Payload: []byte("v1")}
	applied, err := s.Apply(op)
	require.NoError(t, err)
	assert.True(t, applied)

	op.Payload = []byte("v2")
	applied, err = s.Apply(op)
	require.NoError(t, err)
	assert.False(t, applied)

	v, _, err := s.Document("c", "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestStore_RejectsInvalid(t *testing.T) {
	s := openStore(t)
	_, err := s.Apply(oplog.Operation{Tick: 0, Collection: "c", Kind: oplog.KindInsert, Key: "a"})
	assert.ErrorIs(t, err, docstore.ErrInvalidOperation)
	_, err = s.Apply(oplog.Operation{Tick: 1, Collection: "c", Kind: oplog.KindInsert})
	assert.ErrorIs(t, err, docstore.ErrInvalidOperation)
	assert.Equal(t, uint64(0), s.AppliedTick())
}

func TestStore_IndexLifecycle(t *testing.T) {
	s := openStore(t)
	mustApply(t, s, oplog.Operation{Tick: 1, Collection: "c", Kind: oplog.KindCreateCollection})

	indexes, err := s.Indexes("c")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, "c/0", indexes[0].ID)
	assert.Equal(t, docstore.IndexTypePrimary, indexes[0].Type)

	mustApply(t, s, oplog.Operation{Tick: 2, Collection: "c", Kind: oplog.KindIndexCreate, Payload: specPayload(t, "name")})
	id := docstore.IndexID("c", 2)

	indexes, err = s.Indexes("c")
	require.NoError(t, err)
	assert.Len(t, indexes, 1, "building index is not visible")

	oldest, ok := s.OldestBuildingTick()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), oldest)

	commit, _ := json.Marshal(docstore.CommitPayload{Entries: 10})
	mustApply(t, s, oplog.Operation{Tick: 3, Collection: "c", Kind: oplog.KindIndexCommit, Key: id, Payload: commit})

	indexes, err = s.Indexes("c")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, id, indexes[1].ID)
	assert.Equal(t, []string{"name"}, indexes[1].Fields)

	_, ok = s.OldestBuildingTick()
	assert.False(t, ok)

	// a second transition is ignored
	mustApply(t, s, oplog.Operation{Tick: 4, Collection: "c", Kind: oplog.KindIndexAbort, Key: id})
	records, err := s.BuildRecords("c")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, docstore.BuildStateCommitted, records[0].State)
	assert.Equal(t, uint64(3), records[0].EndTick)
	assert.Equal(t, uint64(10), records[0].Entries)
}

func TestStore_CommitForUnknownBuildIsIgnored(t *testing.T) {
	s := openStore(t)
	mustApply(t, s, oplog.Operation{Tick: 1, Collection: "c", Kind: oplog.KindIndexCommit, Key: "c/99"})

	indexes, err := s.Indexes("c")
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
	assert.Equal(t, uint64(1), s.AppliedTick())
}

func TestStore_DiscardIndex(t *testing.T) {
	s := openStore(t)
	mustApply(t, s, oplog.Operation{Tick: 7, Collection: "c", Kind: oplog.KindIndexCreate, Payload: specPayload(t, "x")})

	require.NoError(t, s.DiscardIndex("c", docstore.IndexID("c", 7)))
	records, err := s.BuildRecords("")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, docstore.BuildStateAborted, records[0].State)
	assert.Equal(t, uint64(7), s.AppliedTick())

	assert.ErrorIs(t, s.DiscardIndex("c", "c/8"), docstore.ErrBuildNotFound)
	assert.ErrorIs(t, s.DiscardIndex("nope", "nope/1"), docstore.ErrCollectionNotFound)
}

func TestStore_ForEachBatches(t *testing.T) {
	s := openStore(t)
	for i := 1; i <= 25; i++ {
		mustApply(t, s, oplog.Operation{Tick: uint64(i), Collection: "c", Kind: oplog.KindInsert, Key: fmt.Sprintf("k%02d", i), Payload: []byte("v")})
	}

	var keys []string
	require.NoError(t, s.ForEach("c", 7, func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	}))
	require.Len(t, keys, 25)
	assert.Equal(t, "k01", keys[0])
	assert.Equal(t, "k25", keys[24])
}

func TestStore_Role(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	s, err := docstore.Open(docstore.Config{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "", s.Role())
	require.NoError(t, s.SetRole(docstore.RoleLeader))
	assert.Error(t, s.SetRole("boss"))
	require.NoError(t, s.Close())

	s, err = docstore.Open(docstore.Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, docstore.RoleLeader, s.Role())
}

func TestStore_SnapshotInstallDigest(t *testing.T) {
	src := openStore(t)
	for i := 1; i <= 10; i++ {
		mustApply(t, src, oplog.Operation{Tick: uint64(i), Collection: "c", Kind: oplog.KindInsert, Key: fmt.Sprintf("k%d", i), Payload: []byte(fmt.Sprint(i))})
	}
	mustApply(t, src, oplog.Operation{Tick: 11, Collection: "d", Kind: oplog.KindIndexCreate, Payload: specPayload(t, "f")})

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), snap.Tick)
	require.Len(t, snap.Collections, 2)

	dst := openStore(t)
	mustApply(t, dst, oplog.Operation{Tick: 1, Collection: "stale", Kind: oplog.KindInsert, Key: "x", Payload: []byte("y")})
	require.NoError(t, dst.InstallSnapshot(snap))

	assert.Equal(t, uint64(11), dst.AppliedTick())
	collections, err := dst.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, collections)

	srcDigest, err := src.Digest()
	require.NoError(t, err)
	dstDigest, err := dst.Digest()
	require.NoError(t, err)
	assert.Equal(t, srcDigest, dstDigest)

	mustApply(t, dst, oplog.Operation{Tick: 12, Collection: "c", Kind: oplog.KindRemove, Key: "k1"})
	dstDigest, err = dst.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, srcDigest, dstDigest)
}

func TestStore_WatermarksSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := docstore.Open(docstore.Config{Path: path})
	require.NoError(t, err)

	marks, err := s.LoadWatermarks()
	require.NoError(t, err)
	assert.Empty(t, marks)

	require.NoError(t, s.SaveWatermark("follower-1", 6))
	require.NoError(t, s.SaveWatermark("follower-2", 40))
	require.NoError(t, s.SaveWatermark("follower-1", 9))
	require.NoError(t, s.DeleteWatermark("follower-2"))
	require.NoError(t, s.DeleteWatermark("never-registered"))
	require.NoError(t, s.Close())

	s, err = docstore.Open(docstore.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	marks, err = s.LoadWatermarks()
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"follower-1": 9}, marks)
}

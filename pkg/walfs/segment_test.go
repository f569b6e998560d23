package walfs_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/edsrzf/mmap-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/shardlog/pkg/walfs"
)

func TestSegment_BasicOperations(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 10, walfs.WithSegmentSize(1024*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	assert.Equal(t, uint64(10), seg.NextTick())
	assert.Equal(t, 0, seg.EntryCount())

	require.NoError(t, seg.Write([]byte("hello"), 10))
	require.NoError(t, seg.Write([]byte("world"), 11))

	data, tick, err := seg.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, uint64(10), tick)

	data, tick, err = seg.Read(1)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.Equal(t, uint64(11), tick)

	assert.Equal(t, uint64(10), seg.MinTick())
	assert.Equal(t, uint64(11), seg.MaxTick())
	assert.Equal(t, uint64(12), seg.NextTick())

	_, _, err = seg.Read(2)
	assert.ErrorIs(t, err, walfs.ErrSlotOutOfRange)
}

func TestSegment_RejectsNonIncreasingTick(t *testing.T) {
	seg, err := walfs.OpenSegmentFile(t.TempDir(), ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	require.NoError(t, seg.Write([]byte("a"), 5))
	assert.Error(t, seg.Write([]byte("b"), 5))
	assert.Error(t, seg.Write([]byte("c"), 4))
	assert.Equal(t, 1, seg.EntryCount())
}

func TestSegment_SlotForTick(t *testing.T) {
	seg, err := walfs.OpenSegmentFile(t.TempDir(), ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	for tick := uint64(1); tick <= 5; tick++ {
		require.NoError(t, seg.Write([]byte(fmt.Sprintf("v%d", tick)), tick))
	}

	assert.Equal(t, 0, seg.SlotForTick(0))
	assert.Equal(t, 0, seg.SlotForTick(1))
	assert.Equal(t, 3, seg.SlotForTick(4))
	assert.Equal(t, 5, seg.SlotForTick(6))
}

func TestSegment_CloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 100, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, seg.Write([]byte(fmt.Sprintf("record-%d", i)), uint64(100+i)))
	}
	require.NoError(t, seg.Close())

	reopened, err := walfs.OpenSegmentFile(dir, ".wal", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, 10, reopened.EntryCount())
	assert.Equal(t, uint64(100), reopened.BaseTick())
	assert.Equal(t, uint64(110), reopened.NextTick())

	data, tick, err := reopened.Read(9)
	require.NoError(t, err)
	assert.Equal(t, "record-9", string(data))
	assert.Equal(t, uint64(109), tick)

	// writes continue after the recovered tail
	require.NoError(t, reopened.Write([]byte("next"), 110))
}

func TestSegment_EmptyReopenKeepsBaseTick(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 7, 4242, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := walfs.OpenSegmentFile(dir, ".wal", 7, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.Equal(t, uint64(4242), reopened.NextTick())
}

func TestSegment_SealPersists(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	require.NoError(t, seg.Write([]byte("data"), 1))
	require.NoError(t, seg.Seal())

	assert.True(t, seg.IsSealed())
	assert.True(t, walfs.IsSealed(seg.GetFlags()))
	assert.False(t, seg.SealedAt().IsZero())
	assert.ErrorIs(t, seg.Write([]byte("more"), 2), walfs.ErrSegmentSealed)
	require.NoError(t, seg.Close())

	reopened, err := walfs.OpenSegmentFile(dir, ".wal", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.True(t, reopened.IsSealed())
	assert.Equal(t, 1, reopened.EntryCount())
}

func TestSegment_SegmentFull(t *testing.T) {
	seg, err := walfs.OpenSegmentFile(t.TempDir(), ".wal", 1, 1, walfs.WithSegmentSize(256))
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	payload := make([]byte, 100)
	assert.False(t, seg.WillExceed(len(payload)))
	require.NoError(t, seg.Write(payload, 1))
	assert.True(t, seg.WillExceed(len(payload)))
	assert.ErrorIs(t, seg.Write(payload, 2), walfs.ErrSegmentFull)
}

func TestSegment_TornTailIsDroppedOnReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	require.NoError(t, seg.Write([]byte("first"), 1))
	offset := seg.WriteOffset()
	require.NoError(t, seg.Write([]byte("second"), 2))
	require.NoError(t, seg.Close())

	// flip a byte in the data of the second record
	path := filepath.Join(dir, "000000001.wal")
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, offset+16)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := walfs.OpenSegmentFile(dir, ".wal", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.Equal(t, 1, reopened.EntryCount())
	assert.Equal(t, uint64(2), reopened.NextTick())
}

func TestSegment_FailedSyncRollsBack(t *testing.T) {
	failing := walfs.DataSyncFunc(func(mmap.MMap) error {
		return errors.New("disk on fire")
	})

	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 1,
		walfs.WithSegmentSize(64*1024),
		walfs.WithSyncOption(walfs.MsyncOnWrite),
		walfs.WithDataSyncer(failing),
	)
	require.NoError(t, err)

	before := seg.WriteOffset()
	err = seg.Write([]byte("lost"), 1)
	require.ErrorIs(t, err, walfs.ErrFsync)
	assert.Equal(t, before, seg.WriteOffset())
	assert.Equal(t, 0, seg.EntryCount())
	assert.Equal(t, uint64(1), seg.NextTick())
	require.NoError(t, seg.Close())

	reopened, err := walfs.OpenSegmentFile(dir, ".wal", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.Equal(t, 0, reopened.EntryCount())
}

func TestSegment_RemoveWithActiveReader(t *testing.T) {
	dir := t.TempDir()
	seg, err := walfs.OpenSegmentFile(dir, ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)

	seg.Acquire()
	assert.ErrorIs(t, seg.Remove(), walfs.ErrSegmentInUse)
	seg.Release()
	require.NoError(t, seg.Remove())

	_, err = os.Stat(seg.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSegment_ReadAfterClose(t *testing.T) {
	seg, err := walfs.OpenSegmentFile(t.TempDir(), ".wal", 1, 1, walfs.WithSegmentSize(64*1024))
	require.NoError(t, err)
	require.NoError(t, seg.Write([]byte("x"), 1))
	require.NoError(t, seg.Close())

	_, _, err = seg.Read(0)
	assert.ErrorIs(t, err, walfs.ErrClosed)
	assert.ErrorIs(t, seg.Write([]byte("y"), 2), walfs.ErrClosed)
}

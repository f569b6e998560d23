package archive_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/shardlog/pkg/archive"
	"github.com/unijord/shardlog/pkg/walfs"
)

const testSegmentSize = 1024

// newLog writes n records of 16 bytes, 24 records fill one segment.
func newLog(t *testing.T, n int) *walfs.WALog {
	t.Helper()
	wl, err := walfs.NewWALog(t.TempDir(), ".wal", walfs.WithMaxSegmentSize(testSegmentSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = wl.Close() })
	for i := 0; i < n; i++ {
		_, err := wl.Append([]byte(fmt.Sprintf("record-%09d", i)))
		require.NoError(t, err)
	}
	return wl
}

func sealedMaxTicks(wl *walfs.WALog) []uint64 {
	var ticks []uint64
	for _, seg := range wl.Segments() {
		if seg.IsSealed() {
			ticks = append(ticks, seg.MaxTick())
		}
	}
	return ticks
}

func TestReclaim_DeletesOnlyBelowWatermark(t *testing.T) {
	wl := newLog(t, 100)
	require.GreaterOrEqual(t, len(wl.Segments()), 4)

	m := archive.NewManager(wl, archive.DefaultConfig())
	m.RegisterWatermark("follower-1", 50)

	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.Deleted, 0)
	assert.Equal(t, uint64(50), res.Boundary)

	first := wl.Segments()[0]
	assert.LessOrEqual(t, first.BaseTick(), uint64(50), "segment holding tick 50 must survive")
	for _, seg := range wl.Segments() {
		if seg.EntryCount() > 0 {
			assert.GreaterOrEqual(t, seg.MaxTick(), uint64(50))
		}
	}

	r, err := wl.NewReader(50)
	require.NoError(t, err)
	_, tick, err := r.Next()
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), tick)
}

func TestReclaim_TickZeroKeepsEverything(t *testing.T) {
	wl := newLog(t, 100)
	before := len(wl.Segments())

	m := archive.NewManager(wl, archive.Config{SizeLimitBytes: 1})
	m.RegisterWatermark("unknown-position", 0)

	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.Len(t, wl.Segments(), before)
	assert.True(t, res.LimitExceeded)
}

func TestReclaim_NeverForceDeletesOverSizeLimit(t *testing.T) {
	wl := newLog(t, 200)
	m := archive.NewManager(wl, archive.Config{SizeLimitBytes: testSegmentSize})
	m.RegisterWatermark("slow-follower", 10)

	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.True(t, res.LimitExceeded)
	assert.Equal(t, int64(1), m.Stats().LimitExceededSeen)
	assert.Equal(t, uint64(1), wl.FirstTick())

	// once the follower moves on, the limit is met again
	m.RegisterWatermark("slow-follower", wl.NextTick())
	res, err = m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.False(t, res.LimitExceeded)
	assert.Len(t, wl.Segments(), 1)
}

func TestReclaim_BoundaryIsMinimumOfAll(t *testing.T) {
	wl := newLog(t, 120)
	m := archive.NewManager(wl, archive.DefaultConfig())
	m.RegisterWatermark("a", 100)
	m.RegisterWatermark("b", 30)
	m.AddFloor("index-build", func() (uint64, bool) { return 70, true })
	m.AddFloor("idle", func() (uint64, bool) { return 0, false })

	assert.Equal(t, uint64(30), m.Boundary())
	_, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	for _, maxTick := range sealedMaxTicks(wl) {
		assert.GreaterOrEqual(t, maxTick, uint64(30))
	}

	m.UnregisterWatermark("b")
	assert.Equal(t, uint64(70), m.Boundary())
	_, err = m.Reclaim(context.Background())
	require.NoError(t, err)
	for _, maxTick := range sealedMaxTicks(wl) {
		assert.GreaterOrEqual(t, maxTick, uint64(70))
	}
}

func TestReclaim_FileTimeout(t *testing.T) {
	wl := newLog(t, 100)
	now := time.Now()
	cfg := archive.Config{
		FileTimeout: time.Hour,
		Now:         func() time.Time { return now },
	}
	m := archive.NewManager(wl, cfg)

	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted, "young segments are kept")

	m2 := archive.NewManager(wl, archive.Config{
		FileTimeout: time.Hour,
		Now:         func() time.Time { return now.Add(2 * time.Hour) },
	})
	res, err = m2.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.Deleted, 0)
}

func TestReclaim_SizePressureSkipsTimeoutForUnneededSegments(t *testing.T) {
	wl := newLog(t, 100)
	now := time.Now()
	m := archive.NewManager(wl, archive.Config{
		FileTimeout:    time.Hour,
		SizeLimitBytes: 2 * testSegmentSize,
		Now:            func() time.Time { return now },
	})

	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.Deleted, 0)
	assert.False(t, res.LimitExceeded)
}

func TestReclaim_PinnedSegmentIsRetried(t *testing.T) {
	wl := newLog(t, 100)
	m := archive.NewManager(wl, archive.DefaultConfig())

	r, err := wl.NewReader(1)
	require.NoError(t, err)
	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	r.Close()

	res, err = m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.Deleted, 0)
}

func TestReclaim_ConcurrentRegistration(t *testing.T) {
	wl := newLog(t, 300)
	m := archive.NewManager(wl, archive.DefaultConfig())
	m.RegisterWatermark("pinned", 150)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			m.RegisterWatermark("churn", uint64(200+i))
			m.UnregisterWatermark("churn")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := m.Reclaim(context.Background())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	r, err := wl.NewReader(150)
	require.NoError(t, err)
	_, tick, err := r.Next()
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(150), tick)
}

func TestManager_StartStop(t *testing.T) {
	wl := newLog(t, 100)
	m := archive.NewManager(wl, archive.Config{Interval: 10 * time.Millisecond})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Stats().DeletedTotal > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, wl.Segments(), 1)
}

type memWatermarkStore struct {
	mu    sync.Mutex
	marks map[string]uint64
	saves int
}

func (s *memWatermarkStore) SaveWatermark(id string, tick uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		s.marks = make(map[string]uint64)
	}
	s.marks[id] = tick
	s.saves++
	return nil
}

func (s *memWatermarkStore) DeleteWatermark(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, id)
	return nil
}

func (s *memWatermarkStore) LoadWatermarks() (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out, nil
}

func TestManager_RestoredWatermarkProtectsAfterRestart(t *testing.T) {
	wl := newLog(t, 100)
	store := &memWatermarkStore{}

	m := archive.NewManager(wl, archive.Config{Store: store})
	m.RegisterWatermark("follower-1", 6)
	m.RegisterWatermark("follower-1", 6)
	assert.Equal(t, 1, store.saves, "an unchanged tick is not written again")

	// a new manager over the same store stands in for a restarted leader
	restarted := archive.NewManager(wl, archive.Config{Store: store})
	n, err := restarted.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := restarted.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Boundary)
	r, err := wl.NewReader(6)
	require.NoError(t, err)
	r.Close()

	restarted.UnregisterWatermark("follower-1")
	marks, err := store.LoadWatermarks()
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestManager_WatermarkTTL(t *testing.T) {
	wl := newLog(t, 100)
	store := &memWatermarkStore{}
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := archive.NewManager(wl, archive.Config{Store: store, WatermarkTTL: time.Minute, Now: clock})
	m.RegisterWatermark("stopped-follower", 5)
	m.RegisterWatermark("active-follower", 60)

	advance(45 * time.Second)
	m.RegisterWatermark("active-follower", 60)
	res, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Boundary, "still within the ttl")

	advance(30 * time.Second)
	res, err = m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(60), res.Boundary)
	assert.Greater(t, res.Deleted, 0)
	_, ok := m.Watermark("stopped-follower")
	assert.False(t, ok)

	marks, err := store.LoadWatermarks()
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"active-follower": 60}, marks)
}

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/shardlog/pkg/walfs"
)

// SegmentLog is the part of the log the archive manager works on.
// *walfs.WALog implements it.
type SegmentLog interface {
	Segments() []*walfs.Segment
	RemoveSegment(id walfs.SegmentID) error
	RotateIfStale() (bool, error)
}

// WatermarkStore persists consumer watermarks so a restarted leader keeps
// honouring consumers it served before.
type WatermarkStore interface {
	SaveWatermark(consumerID string, tick uint64) error
	DeleteWatermark(consumerID string) error
	LoadWatermarks() (map[string]uint64, error)
}

// Config configures the archive manager.
type Config struct {
	// SizeLimitBytes is a soft target for the total size of all segment
	// files. Segments still needed are never deleted to meet it. 0
	// disables the limit.
	SizeLimitBytes int64
	// FileTimeout keeps sealed segments for at least this long after
	// sealing. Above the size limit the timeout is ignored for segments
	// nobody needs.
	FileTimeout time.Duration
	// Interval of the background reclaim loop.
	Interval time.Duration
	// WatermarkTTL drops consumer watermarks that were not registered
	// again within this duration. 0 keeps them until unregistered.
	WatermarkTTL time.Duration
	// Store persists consumer watermarks, nil keeps them in memory only.
	Store  WatermarkStore
	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SizeLimitBytes: 0,
		FileTimeout:    0,
		Interval:       10 * time.Second,
		WatermarkTTL:   10 * time.Minute,
	}
}

// ReclaimResult describes one reclaim pass.
type ReclaimResult struct {
	Deleted       int
	FreedBytes    int64
	Boundary      uint64
	ArchiveBytes  int64
	LimitExceeded bool
}

// Stats is a point in time view of the archive.
type Stats struct {
	Segments          int
	ArchiveBytes      int64
	Boundary          uint64
	Watermarks        map[string]uint64
	DeletedTotal      int64
	LimitExceededSeen int64
}

// Manager is the only component that deletes segments. It deletes whole
// sealed segments, oldest first, whose last tick is below the boundary of
// the registered watermarks.
type Manager struct {
	config     Config
	log        SegmentLog
	watermarks *Watermarks
	logger     *slog.Logger

	// serializes reclaim passes
	reclaimMu     sync.Mutex
	deletedTotal  atomic.Int64
	limitExceeded atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

// NewManager creates a manager for log.
func NewManager(log SegmentLog, config Config) *Manager {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	watermarks := NewWatermarks()
	watermarks.now = config.Now
	return &Manager{
		config:     config,
		log:        log,
		watermarks: watermarks,
		logger:     config.Logger.With("component", "archive"),
		stopCh:     make(chan struct{}),
	}
}

// Restore loads the persisted consumer watermarks. Restored consumers get
// a full WatermarkTTL to come back.
func (m *Manager) Restore() (int, error) {
	if m.config.Store == nil {
		return 0, nil
	}
	marks, err := m.config.Store.LoadWatermarks()
	if err != nil {
		return 0, err
	}
	for id, tick := range marks {
		m.watermarks.Register(id, tick)
	}
	if len(marks) > 0 {
		m.logger.Info("consumer watermarks restored", "watermarks", marks)
	}
	return len(marks), nil
}

// RegisterWatermark records the tick consumerID still needs. Register
// before reading, the archive may purge anything not covered.
func (m *Manager) RegisterWatermark(consumerID string, tick uint64) {
	if !m.watermarks.Register(consumerID, tick) || m.config.Store == nil {
		return
	}
	if err := m.config.Store.SaveWatermark(consumerID, tick); err != nil {
		m.logger.Error("failed to persist watermark", "consumer", consumerID, "tick", tick, "error", err)
	}
}

// UnregisterWatermark releases everything consumerID held.
func (m *Manager) UnregisterWatermark(consumerID string) {
	m.watermarks.Unregister(consumerID)
	m.forget(consumerID)
}

func (m *Manager) forget(consumerID string) {
	if m.config.Store == nil {
		return
	}
	if err := m.config.Store.DeleteWatermark(consumerID); err != nil {
		m.logger.Error("failed to delete persisted watermark", "consumer", consumerID, "error", err)
	}
}

// expire drops consumers that stopped registering within WatermarkTTL.
func (m *Manager) expire() {
	if m.config.WatermarkTTL <= 0 {
		return
	}
	for id, tick := range m.watermarks.Expire(m.config.WatermarkTTL) {
		m.forget(id)
		m.logger.Warn("consumer watermark expired",
			"consumer", id,
			"tick", tick,
			"ttl", m.config.WatermarkTTL)
	}
}

// Watermark returns the registered tick of consumerID.
func (m *Manager) Watermark(consumerID string) (uint64, bool) {
	return m.watermarks.Get(consumerID)
}

// AddFloor adds a named floor to the boundary, e.g. the recovery
// checkpoint or the oldest building index.
func (m *Manager) AddFloor(name string, floor Floor) {
	m.watermarks.AddFloor(name, floor)
}

// Boundary returns the current purge boundary.
func (m *Manager) Boundary() uint64 {
	return m.watermarks.Boundary()
}

// lastTick of a segment, for an empty segment the tick before its base.
func lastTick(seg *walfs.Segment) uint64 {
	return seg.NextTick() - 1
}

// Reclaim runs one pass.
func (m *Manager) Reclaim(ctx context.Context) (ReclaimResult, error) {
	m.reclaimMu.Lock()
	defer m.reclaimMu.Unlock()

	m.expire()
	segments := m.log.Segments()
	var total int64
	for _, seg := range segments {
		total += seg.FileSize()
	}

	res := ReclaimResult{Boundary: m.watermarks.Boundary()}
	now := m.config.Now()
	limit := m.config.SizeLimitBytes

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			res.ArchiveBytes = total
			return res, err
		}
		if !seg.IsSealed() {
			break
		}

		overLimit := limit > 0 && total > limit
		if m.config.FileTimeout > 0 && !overLimit && now.Sub(seg.SealedAt()) < m.config.FileTimeout {
			break
		}

		size := seg.FileSize()
		var deleted bool
		// compare-and-delete: the boundary is recomputed and held while
		// the file goes away.
		err := m.watermarks.withBoundary(func(boundary uint64) error {
			res.Boundary = boundary
			if lastTick(seg) >= boundary {
				return nil
			}
			if err := m.log.RemoveSegment(seg.ID()); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if errors.Is(err, walfs.ErrSegmentInUse) {
			m.logger.Debug("segment pinned by reader, retry next pass", "segment", seg.ID())
			break
		}
		if err != nil {
			res.ArchiveBytes = total
			return res, fmt.Errorf("remove segment %d: %w", seg.ID(), err)
		}
		if !deleted {
			break
		}

		m.logger.Info("segment purged",
			"segment", seg.ID(),
			"last_tick", lastTick(seg),
			"boundary", res.Boundary,
			"bytes", size)
		res.Deleted++
		res.FreedBytes += size
		total -= size
		m.deletedTotal.Add(1)
	}

	res.ArchiveBytes = total
	if limit > 0 && total > limit {
		res.LimitExceeded = true
		m.limitExceeded.Add(1)
		m.logger.Warn("wal archive retention limit exceeded, segments still needed are kept",
			"archive_bytes", total,
			"limit_bytes", limit,
			"boundary", res.Boundary,
			"watermarks", m.watermarks.Snapshot())
	}
	return res, nil
}

// Stats returns archive statistics.
func (m *Manager) Stats() Stats {
	segments := m.log.Segments()
	var total int64
	for _, seg := range segments {
		total += seg.FileSize()
	}
	return Stats{
		Segments:          len(segments),
		ArchiveBytes:      total,
		Boundary:          m.watermarks.Boundary(),
		Watermarks:        m.watermarks.Snapshot(),
		DeletedTotal:      m.deletedTotal.Load(),
		LimitExceededSeen: m.limitExceeded.Load(),
	}
}

// Start runs reclaim passes every Interval until Stop.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop halts the background loop and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := m.log.RotateIfStale(); err != nil {
				m.logger.Error("age rotation failed", "error", err)
			}
			if _, err := m.Reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("reclaim failed", "error", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

package oplog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/shardlog/pkg/walfs"
)

var (
	// ErrIO is returned when an append could not be made durable. The tick
	// was not consumed.
	ErrIO      = errors.New("oplog: append could not be made durable")
	ErrClosed  = errors.New("oplog: log is closed")
	ErrTickGap = errors.New("oplog: replicated tick leaves a gap")
)

const segmentExt = ".wal"

// Config configures a Log.
type Config struct {
	Dir              string
	MaxSegmentSize   int64
	MaxSegmentAge    time.Duration
	SyncEveryWrite   bool
	DataSyncer       walfs.DataSyncer
	DirectorySyncer  walfs.DirectorySyncer
	OnSegmentRotated func(walfs.RotatedSegmentInfo)
	Logger           *slog.Logger

	// SyncInterval of the background sync loop, 0 disables it. Ignored
	// with SyncEveryWrite.
	SyncInterval time.Duration
	// SyncDelayThreshold logs a warning on every loop iteration while the
	// last successful sync is older than this.
	SyncDelayThreshold time.Duration
}

// Log is the tick ordered operation log of one node. All appends are
// serialized by a single mutex.
type Log struct {
	mu     sync.Mutex
	wal    *walfs.WALog
	logger *slog.Logger
	closed bool

	syncMu     sync.Mutex
	lastSyncAt time.Time
	syncedTick atomic.Uint64

	syncInterval   time.Duration
	delayThreshold time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// Open opens or creates the log in cfg.Dir.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, errors.New("oplog: dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "oplog")

	opts := []walfs.WALogOptions{
		walfs.WithMSyncEveryWrite(cfg.SyncEveryWrite),
		walfs.WithSegmentDataSyncer(cfg.DataSyncer),
		walfs.WithDirectorySyncer(cfg.DirectorySyncer),
		walfs.WithMaxSegmentAge(cfg.MaxSegmentAge),
		walfs.WithOnSegmentRotated(func(info walfs.RotatedSegmentInfo) {
			logger.Debug("segment sealed",
				"segment", info.SegmentID,
				"min_tick", info.MinTick,
				"max_tick", info.MaxTick,
				"entries", info.EntryCount)
			if cfg.OnSegmentRotated != nil {
				cfg.OnSegmentRotated(info)
			}
		}),
	}
	if cfg.MaxSegmentSize > 0 {
		opts = append(opts, walfs.WithMaxSegmentSize(cfg.MaxSegmentSize))
	}

	wal, err := walfs.NewWALog(cfg.Dir, segmentExt, opts...)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	logger.Info("operation log opened",
		"dir", cfg.Dir,
		"first_tick", wal.FirstTick(),
		"next_tick", wal.NextTick(),
		"segments", len(wal.Segments()))

	l := &Log{
		wal:            wal,
		logger:         logger,
		lastSyncAt:     time.Now(),
		syncInterval:   cfg.SyncInterval,
		delayThreshold: cfg.SyncDelayThreshold,
		stopCh:         make(chan struct{}),
	}
	// whatever survived the reopen is on disk
	l.syncedTick.Store(wal.LastTick())
	if cfg.SyncEveryWrite {
		l.syncInterval = 0
	}
	if l.syncInterval > 0 {
		if l.delayThreshold <= 0 {
			l.delayThreshold = 5 * time.Second
		}
		l.wg.Add(1)
		go l.syncLoop()
	}
	return l, nil
}

// Append assigns the next tick to op, writes it and returns the tick.
func (l *Log) Append(op Operation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	op.Tick = l.wal.NextTick()
	if err := l.wal.AppendAt(Encode(op), op.Tick); err != nil {
		l.logger.Error("append failed", "tick", op.Tick, "kind", op.Kind, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return op.Tick, nil
}

// AppendReplicated writes an operation that already carries a tick from
// the leader. Operations at or below the local last tick are duplicates
// and are skipped with appended == false.
func (l *Log) AppendReplicated(op Operation) (appended bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}

	next := l.wal.NextTick()
	switch {
	case op.Tick < next:
		return false, nil
	case op.Tick > next:
		return false, fmt.Errorf("%w: got %d, expected %d", ErrTickGap, op.Tick, next)
	}
	if err := l.wal.AppendAt(Encode(op), op.Tick); err != nil {
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return true, nil
}

// Read returns up to limit operations starting at tick from. limit <= 0
// reads to the end of the log.
func (l *Log) Read(from uint64, limit int) ([]Operation, error) {
	var ops []Operation
	err := l.Iterate(from, func(op Operation) error {
		ops = append(ops, op)
		if limit > 0 && len(ops) >= limit {
			return errStopIteration
		}
		return nil
	})
	return ops, err
}

var errStopIteration = errors.New("stop iteration")

// Iterate calls fn for every operation from tick from to the end of the
// log in tick order. Returning an error from fn stops the iteration and
// the error is returned.
func (l *Log) Iterate(from uint64, fn func(Operation) error) error {
	r, err := l.wal.NewReader(from)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		data, tick, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		op, err := Decode(data)
		if err != nil {
			return fmt.Errorf("decode tick %d: %w", tick, err)
		}
		if op.Tick != tick {
			return fmt.Errorf("%w: record tick %d carries operation tick %d", ErrMalformedOperation, tick, op.Tick)
		}
		if err := fn(op); err != nil {
			if errors.Is(err, errStopIteration) {
				return nil
			}
			return err
		}
	}
}

// FirstTick returns the oldest retained tick.
func (l *Log) FirstTick() uint64 {
	return l.wal.FirstTick()
}

// LastTick returns the last assigned tick, 0 for a log that never had a write.
func (l *Log) LastTick() uint64 {
	return l.wal.LastTick()
}

// NextTick returns the tick the next append gets.
func (l *Log) NextTick() uint64 {
	return l.wal.NextTick()
}

// Reset discards the log content and continues at nextTick.
func (l *Log) Reset(nextTick uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.wal.Reset(nextTick)
}

// WAL exposes the segment layer, the archive manager works on it.
func (l *Log) WAL() *walfs.WALog {
	return l.wal
}

// Sync flushes the active segment and records the last synced tick.
func (l *Log) Sync() error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	tick := l.wal.LastTick()
	if err := l.wal.Sync(); err != nil {
		return err
	}
	l.lastSyncAt = time.Now()
	if tick > l.syncedTick.Load() {
		l.syncedTick.Store(tick)
	}
	return nil
}

// SyncedTick returns the last tick known to be on disk.
func (l *Log) SyncedTick() uint64 {
	return l.syncedTick.Load()
}

func (l *Log) syncLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.wal.LastTick() > l.syncedTick.Load() {
				if err := l.Sync(); err != nil {
					l.logger.Error("background wal sync failed", "error", err)
				}
			}
			l.syncMu.Lock()
			since := time.Since(l.lastSyncAt)
			l.syncMu.Unlock()
			if since > l.delayThreshold && l.wal.LastTick() > l.syncedTick.Load() {
				l.logger.Warn("last wal sync is older than the threshold",
					"since_last_sync", since,
					"threshold", l.delayThreshold,
					"synced_tick", l.syncedTick.Load())
			}
		case <-l.stopCh:
			return
		}
	}
}

// Close closes the log.
func (l *Log) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.wal.Close()
}

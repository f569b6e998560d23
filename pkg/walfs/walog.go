package walfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrSegmentNotFound = errors.New("segment not found")
	ErrSegmentActive   = errors.New("segment is the active write segment")
	ErrFsync           = errors.New("fsync error")
	ErrRecordTooLarge  = errors.New("record size exceeds maximum segment capacity")
	ErrTickOrder       = errors.New("tick is not the next tick of the log")
	ErrTickPurged      = errors.New("tick is no longer retained in the log")
	ErrResetBackwards  = errors.New("reset would reuse already assigned ticks")
)

// RotatedSegmentInfo contains information about a segment that was sealed during rotation.
type RotatedSegmentInfo struct {
	SegmentID  SegmentID
	MinTick    uint64
	MaxTick    uint64
	EntryCount int
	ByteSize   int64
}

type WALogOptions func(*WALog)

// DirectorySyncer syncs a directory path to stable storage.
type DirectorySyncer interface {
	SyncDir(dir string) error
}

// DirectorySyncFunc adapts a function to act as a DirectorySyncer.
type DirectorySyncFunc func(dir string) error

// SyncDir implements DirectorySyncer.
func (f DirectorySyncFunc) SyncDir(dir string) error {
	return f(dir)
}

// WithMaxSegmentSize options sets the MaxSize of the Segment file.
func WithMaxSegmentSize(size int64) WALogOptions {
	return func(sm *WALog) {
		sm.maxSegmentSize = size
	}
}

// WithMaxSegmentAge rotates the active segment once its oldest record is
// older than age. 0 disables age based rotation.
func WithMaxSegmentAge(age time.Duration) WALogOptions {
	return func(sm *WALog) {
		sm.maxSegmentAge = age
	}
}

// WithMSyncEveryWrite enables msync() after every write operation.
func WithMSyncEveryWrite(enabled bool) WALogOptions {
	return func(sm *WALog) {
		if enabled {
			sm.forceSyncEveryWrite = MsyncOnWrite
		}
	}
}

// WithSegmentDataSyncer overrides how segments msync their mapped region.
func WithSegmentDataSyncer(syncer DataSyncer) WALogOptions {
	return func(sm *WALog) {
		if syncer != nil {
			sm.dataSyncer = syncer
		}
	}
}

// WithOnSegmentRotated registers a fn callback function that will be called immediately after a WAL segment is rotated.
// The callback receives information about the sealed segment.
// IMP: Don't block callback else write will be stalled.
func WithOnSegmentRotated(fn func(info RotatedSegmentInfo)) WALogOptions {
	return func(sm *WALog) {
		if fn != nil {
			sm.rotationCallback = fn
		}
	}
}

// WithDirectorySyncer overrides the directory syncer used for new segment files.
func WithDirectorySyncer(syncer DirectorySyncer) WALogOptions {
	return func(sm *WALog) {
		if syncer != nil {
			sm.dirSyncer = syncer
		}
	}
}

// WithInitialTick sets the tick of the first record of a brand new log.
// It has no effect on a directory that already holds segments.
func WithInitialTick(tick uint64) WALogOptions {
	return func(sm *WALog) {
		if tick > 0 {
			sm.initialTick = tick
		}
	}
}

// WithClock overrides the wall clock used for age based rotation.
func WithClock(now func() time.Time) WALogOptions {
	return func(sm *WALog) {
		if now != nil {
			sm.now = now
		}
	}
}

// WALog manages the lifecycle of each individual segments, including creation, rotation,
// recovery, and tick ordered reads.
type WALog struct {
	dir            string
	ext            string
	maxSegmentSize int64
	maxSegmentAge  time.Duration
	initialTick    uint64
	now            func() time.Time

	forceSyncEveryWrite MsyncOption
	dataSyncer          DataSyncer
	dirSyncer           DirectorySyncer
	segmentRotated      atomic.Int64
	rotationCallback    func(RotatedSegmentInfo)

	// this mutex is used in the write path.
	// it protects the writer path.
	writeMu        sync.RWMutex
	currentSegment *Segment
	segments       map[SegmentID]*Segment

	// readers and the archive work on a copy-on-write snapshot so a
	// rotation never has to wait for them.
	segmentSnapshot atomic.Pointer[[]*Segment]
}

// NewWALog returns an initialized WALog that manages the segments in the provided dir with the given ext.
func NewWALog(dir string, ext string, opts ...WALogOptions) (*WALog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	manager := &WALog{
		dir:                 dir,
		ext:                 ext,
		maxSegmentSize:      segmentSize,
		initialTick:         1,
		now:                 time.Now,
		segments:            make(map[SegmentID]*Segment),
		forceSyncEveryWrite: MsyncNone,
		dataSyncer:          DataSyncFunc(flushMapped),
		rotationCallback:    func(RotatedSegmentInfo) {},
		dirSyncer:           DirectorySyncFunc(syncDir),
	}

	for _, opt := range opts {
		opt(manager)
	}

	if err := manager.recoverSegments(); err != nil {
		return nil, fmt.Errorf("segment recovery failed: %w", err)
	}

	return manager, nil
}

// openSegment opens segment with the provided ID. baseTick is only used
// when the file does not exist yet.
func (wl *WALog) openSegment(id SegmentID, baseTick uint64) (*Segment, error) {
	segmentPath := SegmentFileName(wl.dir, wl.ext, id)

	isNew, err := isNewSegment(segmentPath)
	if err != nil {
		return nil, fmt.Errorf("checking segment %d state: %w", id, err)
	}

	seg, err := OpenSegmentFile(wl.dir, wl.ext, id, baseTick,
		WithSegmentSize(wl.maxSegmentSize),
		WithSyncOption(wl.forceSyncEveryWrite),
		WithDataSyncer(wl.dataSyncer),
	)
	if err != nil {
		return nil, err
	}

	if isNew {
		if err := wl.dirSyncer.SyncDir(wl.dir); err != nil {
			_ = seg.Close()
			_ = os.Remove(segmentPath)
			return nil, fmt.Errorf("fsync wal directory: %w", err)
		}
	}

	return seg, nil
}

func (wl *WALog) recoverSegments() error {
	files, err := os.ReadDir(wl.dir)
	if err != nil {
		return fmt.Errorf("failed to read segment directory: %w", err)
	}

	var segmentIDs []SegmentID

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), wl.ext) {
			continue
		}
		// e.g. "000000001.wal" -> 1
		base := strings.TrimSuffix(file.Name(), wl.ext)
		id, err := strconv.ParseUint(base, 10, 32)
		if err != nil {
			// skip non-numeric segment files
			continue
		}
		segmentIDs = append(segmentIDs, SegmentID(id))
	}

	sort.Slice(segmentIDs, func(i, j int) bool {
		return segmentIDs[i] < segmentIDs[j]
	})

	if len(segmentIDs) == 0 {
		seg, err := wl.openSegment(1, wl.initialTick)
		if err != nil {
			return fmt.Errorf("failed to create initial segment: %w", err)
		}

		wl.segments[1] = seg
		wl.currentSegment = seg
		wl.snapshotSegments()
		return nil
	}

	var prev *Segment
	for i, id := range segmentIDs {
		seg, err := wl.openSegment(id, 0)
		if err != nil {
			return fmt.Errorf("failed to open segment %d: %w", id, err)
		}
		if i < len(segmentIDs)-1 && !seg.IsSealed() {
			if err := seg.Seal(); err != nil {
				return err
			}
		}
		if prev != nil && seg.BaseTick() != prev.NextTick() {
			slog.Warn("[walfs]",
				slog.String("message", "tick range gap between segments"),
				slog.Uint64("segment", uint64(id)),
				slog.Uint64("expected_tick", prev.NextTick()),
				slog.Uint64("base_tick", seg.BaseTick()))
		}
		wl.segments[id] = seg
		wl.currentSegment = seg
		prev = seg
	}

	// a crash between sealing and creating the successor leaves the
	// newest segment sealed.
	if wl.currentSegment.IsSealed() {
		if err := wl.openNextSegmentLocked(wl.currentSegment.NextTick()); err != nil {
			return err
		}
	}

	wl.snapshotSegments()
	return nil
}

func (wl *WALog) snapshotSegments() {
	segments := make([]*Segment, 0, len(wl.segments))
	for _, seg := range wl.segments {
		segments = append(segments, seg)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].ID() < segments[j].ID()
	})

	wl.segmentSnapshot.Store(&segments)
}

// Dir returns the directory of the log.
func (wl *WALog) Dir() string {
	return wl.dir
}

// Append writes data at the next tick and returns the tick.
func (wl *WALog) Append(data []byte) (uint64, error) {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()

	tick := wl.currentSegment.NextTick()
	if err := wl.appendLocked(data, tick); err != nil {
		return 0, err
	}
	return tick, nil
}

// AppendAt writes data with a caller assigned tick, which must be exactly
// NextTick. Followers use it to mirror the tick sequence of a leader.
func (wl *WALog) AppendAt(data []byte, tick uint64) error {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()

	if next := wl.currentSegment.NextTick(); tick != next {
		return fmt.Errorf("%w: got %d, next is %d", ErrTickOrder, tick, next)
	}
	return wl.appendLocked(data, tick)
}

func (wl *WALog) appendLocked(data []byte, tick uint64) error {
	if wl.currentSegment == nil {
		return errors.New("no active segment")
	}

	if recordOverhead(int64(len(data))) > (wl.maxSegmentSize - int64(segmentHeaderSize)) {
		return ErrRecordTooLarge
	}

	// if current segment needs rotation rotate it.
	if wl.currentSegment.WillExceed(len(data)) || wl.staleLocked() {
		if err := wl.rotateSegment(); err != nil {
			return fmt.Errorf("failed to rotate segment: %w", err)
		}
	}

	if err := wl.currentSegment.Write(data, tick); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (wl *WALog) staleLocked() bool {
	if wl.maxSegmentAge <= 0 || wl.currentSegment.EntryCount() == 0 {
		return false
	}
	return wl.now().Sub(wl.currentSegment.CreatedAt()) >= wl.maxSegmentAge
}

// RotateIfStale seals the active segment when it is older than the
// configured max age and holds at least one record.
func (wl *WALog) RotateIfStale() (bool, error) {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()
	if !wl.staleLocked() {
		return false, nil
	}
	if err := wl.rotateSegment(); err != nil {
		return false, err
	}
	return true, nil
}

// SegmentRotatedCount returns how many rotations happened since open.
func (wl *WALog) SegmentRotatedCount() int64 {
	return wl.segmentRotated.Load()
}

// Segments returns the segments ordered oldest first. The slice is a
// snapshot and must not be modified.
func (wl *WALog) Segments() []*Segment {
	return *wl.segmentSnapshot.Load()
}

// Current returns a pointer to the currently active WAL segment.
func (wl *WALog) Current() *Segment {
	wl.writeMu.RLock()
	defer wl.writeMu.RUnlock()
	return wl.currentSegment
}

// NextTick returns the tick the next Append will assign.
func (wl *WALog) NextTick() uint64 {
	wl.writeMu.RLock()
	defer wl.writeMu.RUnlock()
	return wl.currentSegment.NextTick()
}

// LastTick returns the last assigned tick, 0 if none was ever assigned.
func (wl *WALog) LastTick() uint64 {
	return wl.NextTick() - 1
}

// FirstTick returns the oldest tick still retained. When the log holds no
// records it equals NextTick.
func (wl *WALog) FirstTick() uint64 {
	segments := wl.Segments()
	if len(segments) == 0 {
		return wl.NextTick()
	}
	return segments[0].BaseTick()
}

// TotalSize returns the bytes used by all segment files.
func (wl *WALog) TotalSize() int64 {
	var total int64
	for _, seg := range wl.Segments() {
		total += seg.FileSize()
	}
	return total
}

// Rotate seals the active segment and creates a new one. An empty active
// segment is left as is.
func (wl *WALog) Rotate() error {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()
	if wl.currentSegment.EntryCount() == 0 {
		return nil
	}
	return wl.rotateSegment()
}

func (wl *WALog) rotateSegment() error {
	var sealedInfo RotatedSegmentInfo
	cur := wl.currentSegment

	if cur != nil && !cur.IsSealed() {
		sealedInfo = RotatedSegmentInfo{
			SegmentID:  cur.ID(),
			MinTick:    cur.MinTick(),
			MaxTick:    cur.MaxTick(),
			EntryCount: cur.EntryCount(),
			ByteSize:   cur.WriteOffset(),
		}

		if err := cur.Seal(); err != nil {
			return fmt.Errorf("failed to seal current segment: %w", err)
		}
	}

	if err := wl.openNextSegmentLocked(cur.NextTick()); err != nil {
		return err
	}

	wl.segmentRotated.Add(1)
	wl.snapshotSegments()

	// invoke callback if we actually sealed a segment
	if sealedInfo.SegmentID > 0 {
		wl.rotationCallback(sealedInfo)
	}

	return nil
}

func (wl *WALog) openNextSegmentLocked(baseTick uint64) error {
	var newID SegmentID = 1
	if wl.currentSegment != nil {
		newID = wl.currentSegment.ID() + 1
	}

	newSegment, err := wl.openSegment(newID, baseTick)
	if err != nil {
		return fmt.Errorf("failed to create new segment: %w", err)
	}

	wl.segments[newID] = newSegment
	wl.currentSegment = newSegment
	return nil
}

// RemoveSegment deletes a sealed segment. The active segment can never be
// removed, and a segment pinned by a reader returns ErrSegmentInUse.
func (wl *WALog) RemoveSegment(id SegmentID) error {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()

	seg, ok := wl.segments[id]
	if !ok {
		return fmt.Errorf("%w: segment %d", ErrSegmentNotFound, id)
	}
	if seg == wl.currentSegment {
		return fmt.Errorf("%w: segment %d", ErrSegmentActive, id)
	}
	if err := seg.Remove(); err != nil {
		return fmt.Errorf("failed to remove segment %d: %w", id, err)
	}
	delete(wl.segments, id)
	wl.snapshotSegments()

	slog.Debug("[walfs]",
		slog.String("message", "Removed WAL segment"),
		slog.String("path", seg.Path()),
	)

	if err := wl.dirSyncer.SyncDir(wl.dir); err != nil {
		return fmt.Errorf("fsync wal directory: %w", err)
	}
	return nil
}

// Reset drops every segment and continues the log at nextTick. It is used
// when the state the log describes is replaced wholesale, e.g. by a
// snapshot install. Ticks below the current NextTick are never reassigned.
func (wl *WALog) Reset(nextTick uint64) error {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()

	if next := wl.currentSegment.NextTick(); nextTick < next {
		return fmt.Errorf("%w: requested %d, next is %d", ErrResetBackwards, nextTick, next)
	}

	for id, seg := range wl.segments {
		if seg.HasActiveReaders() {
			return fmt.Errorf("cannot reset: segment %d: %w", id, ErrSegmentInUse)
		}
	}

	lastID := wl.currentSegment.ID()
	var rErr error
	for id, seg := range wl.segments {
		if err := seg.Remove(); err != nil {
			rErr = errors.Join(rErr, fmt.Errorf("remove segment %d: %w", id, err))
			continue
		}
		delete(wl.segments, id)
	}
	if rErr != nil {
		wl.snapshotSegments()
		return rErr
	}

	seg, err := wl.openSegment(lastID+1, nextTick)
	if err != nil {
		wl.currentSegment = nil
		wl.snapshotSegments()
		return fmt.Errorf("failed to create segment after reset: %w", err)
	}
	wl.segments[seg.ID()] = seg
	wl.currentSegment = seg
	wl.snapshotSegments()

	slog.Info("[walfs]",
		slog.String("message", "WAL reset"),
		slog.String("dir", wl.dir),
		slog.Uint64("next_tick", nextTick))
	return nil
}

// Sync flushes the current active segment's data to disk.
func (wl *WALog) Sync() error {
	wl.writeMu.RLock()
	activeSegment := wl.currentSegment
	wl.writeMu.RUnlock()
	if activeSegment == nil {
		return errors.New("no active segment")
	}
	if activeSegment.closed.Load() {
		return nil
	}
	if err := activeSegment.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrFsync, err)
	}
	return nil
}

// Close gracefully shuts down all segments managed by the WALog.
func (wl *WALog) Close() error {
	wl.writeMu.Lock()
	defer wl.writeMu.Unlock()
	var cErr error
	for _, seg := range wl.segments {
		if err := seg.Close(); err != nil {
			cErr = errors.Join(cErr, err)
		}
	}

	if err := wl.dirSyncer.SyncDir(wl.dir); err != nil {
		cErr = errors.Join(cErr, fmt.Errorf("fsync wal directory: %w", err))
	}
	return cErr
}

// https://man7.org/linux/man-pages/man2/fsync.2.html
// Calling fsync() does not necessarily ensure that the entry in the
// directory containing the file has also reached disk.  For that an
// explicit fsync() on a file descriptor for the directory is also
// needed.
func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}

// Reader reads records in tick order across segments.
// Reader is not safe for concurrent use.
type Reader struct {
	segments []*Segment
	// index in segments
	segmentIndex int
	slot         int
	fromTick     uint64
	closed       bool
}

// NewReader returns a Reader positioned at the first record with a tick >=
// fromTick. Every segment the reader may visit is pinned until Close, so
// the archive cannot remove it underneath. fromTick below the oldest
// retained tick returns ErrTickPurged.
func (wl *WALog) NewReader(fromTick uint64) (*Reader, error) {
	wl.writeMu.RLock()
	defer wl.writeMu.RUnlock()

	segments := *wl.segmentSnapshot.Load()
	if len(segments) > 0 && fromTick < segments[0].BaseTick() {
		return nil, fmt.Errorf("%w: tick %d, first retained %d", ErrTickPurged, fromTick, segments[0].BaseTick())
	}

	var pinned []*Segment
	for _, seg := range segments {
		if seg.EntryCount() > 0 && seg.MaxTick() < fromTick && seg != wl.currentSegment {
			continue
		}
		seg.Acquire()
		pinned = append(pinned, seg)
	}

	r := &Reader{segments: pinned, fromTick: fromTick}
	if len(pinned) > 0 {
		r.slot = pinned[0].SlotForTick(fromTick)
	}
	return r, nil
}

// Next returns the next record and its tick, io.EOF once the reader caught
// up with the log.
// IMPORTANT: The returned `[]byte` is a slice of a memory-mapped file, so data must not be retained or modified.
// If the data needs to be used beyond the lifetime of the segment, the caller MUST copy it.
func (r *Reader) Next() ([]byte, uint64, error) {
	if r.closed {
		return nil, 0, ErrClosed
	}
	for r.segmentIndex < len(r.segments) {
		seg := r.segments[r.segmentIndex]
		if r.slot < seg.EntryCount() {
			data, tick, err := seg.Read(r.slot)
			if err != nil {
				return nil, 0, fmt.Errorf("read segment %d slot %d: %w", seg.ID(), r.slot, err)
			}
			r.slot++
			return data, tick, nil
		}
		// the last pinned segment may still be written to.
		if r.segmentIndex == len(r.segments)-1 {
			return nil, 0, io.EOF
		}
		r.segmentIndex++
		r.slot = r.segments[r.segmentIndex].SlotForTick(r.fromTick)
	}
	return nil, 0, io.EOF
}

// Close releases the pinned segments.
// IMPORTANT: This method MUST be called after the Reader is no longer needed.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, seg := range r.segments {
		seg.Release()
	}
}

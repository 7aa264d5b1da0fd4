// Package wal implements the write-ahead log, checkpoints and ARIES recovery.
package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// Options configures a LogManager.
type Options struct {
	Dir           string
	SegmentSize   int64
	BufferSize    int
	SyncMode      pagemanager.SyncMode
	FlushInterval time.Duration

	// Archiving of segments no longer needed for recovery. An empty
	// ArchiveDir means old segments are simply removed.
	ArchiveDir       string
	ArchiveRateLimit int64
	ArchiveCompress  bool
	MinSegments      int
}

// DefaultOptions returns options for a log stored in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SegmentSize:   16 << 20,
		BufferSize:    1 << 20,
		SyncMode:      pagemanager.SyncOnCommit,
		FlushInterval: 100 * time.Millisecond,
		MinSegments:   2,
	}
}

// Stats is a snapshot of log positions.
type Stats struct {
	NextLSN     LSN
	AppendedLSN LSN
	DurableLSN  LSN
	Segments    int
	SegmentID   uint64
	Archived    uint64
}

// LogManager manages the Write-Ahead Log file(s).
// It is responsible for appending log records, managing log segments,
// ensuring durability, and archiving segments recovery no longer needs.
type LogManager struct {
	opts Options

	lastLSN atomic.Uint64 // last LSN handed out
	durable atomic.Uint64 // every record <= durable is on stable storage

	mu            sync.Mutex // protects everything below
	cond          *sync.Cond // signalled when appended advances or the log fails
	logFile       *os.File
	segmentID     uint64
	segmentOffset int64 // bytes in the current segment, buffered ones included
	segments      []segmentInfo
	buffer        *bytes.Buffer
	appended      LSN              // every record <= appended is buffered or written
	pending       map[LSN]struct{} // appended out of order, above the watermark
	written       LSN              // every record <= written was handed to the OS
	failure       error            // sticky write failure
	closing       bool
	closed        bool

	segMu    sync.RWMutex // held for writing while segments are archived away
	archived atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewLogManager opens (or creates) the log in opts.Dir. A torn record at the
// end of the newest segment is cut off; damage anywhere else is an error.
func NewLogManager(opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	def := DefaultOptions(opts.Dir)
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = def.SegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.MinSegments <= 0 {
		opts.MinSegments = def.MinSegments
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: log directory is required", dberror.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating log directory %s: %v", dberror.ErrIO, opts.Dir, err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating archive directory %s: %v", dberror.ErrIO, opts.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		opts:     opts,
		buffer:   bytes.NewBuffer(make([]byte, 0, opts.BufferSize)),
		pending:  make(map[LSN]struct{}),
		stopChan: make(chan struct{}),
		logger:   logger.Named("wal"),
		metrics:  internaltelemetry.OrNop(metrics),
	}
	lm.cond = sync.NewCond(&lm.mu)

	if err := lm.openSegments(); err != nil {
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("log manager initialized",
		zap.String("dir", opts.Dir),
		zap.Uint64("segment_id", lm.segmentID),
		zap.Uint64("next_lsn", uint64(lm.NextLSN())),
		zap.Stringer("sync_mode", opts.SyncMode))
	return lm, nil
}

// openSegments scans existing segments, repairs a torn tail and opens the
// newest segment for appending.
func (lm *LogManager) openSegments() error {
	segs, err := listSegments(lm.opts.Dir)
	if err != nil {
		return err
	}
	var maxLSN LSN
	for i := range segs {
		last := i == len(segs)-1
		res, err := scanSegment(segs[i].path, func(*LogRecord) error { return nil })
		if err != nil {
			return err
		}
		if res.tornAt >= 0 {
			if !last {
				return fmt.Errorf("%w: segment %s damaged at offset %d", dberror.ErrLogCorrupted, segs[i].path, res.tornAt)
			}
			lm.logger.Warn("truncating torn log tail",
				zap.String("segment", segs[i].path),
				zap.Int64("offset", res.tornAt),
				zap.Int64("dropped_bytes", res.size-res.tornAt))
			if err := os.Truncate(segs[i].path, res.tornAt); err != nil {
				return fmt.Errorf("%w: truncating %s: %v", dberror.ErrIO, segs[i].path, err)
			}
			res.size = res.tornAt
		}
		segs[i].minLSN, segs[i].maxLSN, segs[i].size = res.minLSN, res.maxLSN, res.size
		if res.maxLSN > maxLSN {
			maxLSN = res.maxLSN
		}
	}

	master, err := lm.ReadMaster()
	if err != nil {
		return err
	}
	if master > maxLSN {
		maxLSN = master
	}
	lm.lastLSN.Store(uint64(maxLSN))
	lm.appended = maxLSN
	lm.written = maxLSN
	lm.durable.Store(uint64(maxLSN))

	if len(segs) == 0 {
		segs = append(segs, segmentInfo{id: 1, path: segmentPath(lm.opts.Dir, 1)})
	}
	cur := segs[len(segs)-1]
	f, err := os.OpenFile(cur.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening log segment %s: %v", dberror.ErrIO, cur.path, err)
	}
	lm.logFile = f
	lm.segmentID = cur.id
	lm.segmentOffset = cur.size
	lm.segments = segs
	return nil
}

// NextLSN returns the LSN the next appended record will receive at the earliest.
func (lm *LogManager) NextLSN() LSN { return LSN(lm.lastLSN.Load() + 1) }

// DurableLSN returns the highest LSN known to be on stable storage (or handed
// to the OS when running without fsync).
func (lm *LogManager) DurableLSN() LSN { return LSN(lm.durable.Load()) }

// Append assigns the next LSN to record and buffers it. The record is not
// guaranteed to be on disk until FlushTo returns for its LSN.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	if size := record.Size(); size > maxRecordSize || int64(size) > lm.opts.SegmentSize {
		return InvalidLSN, fmt.Errorf("log record of %d bytes exceeds segment or record limit", size)
	}
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return InvalidLSN, dberror.ErrClosed
	}
	if lm.failure != nil {
		err := lm.failure
		lm.mu.Unlock()
		return InvalidLSN, err
	}
	lm.mu.Unlock()

	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}
	record.LSN = LSN(lm.lastLSN.Add(1))
	frame, err := record.Serialize()
	if err != nil {
		lm.fail(fmt.Errorf("serializing record %d: %w", record.LSN, err))
		return InvalidLSN, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, dberror.ErrClosed
	}
	if err := lm.appendFrameLocked(record.LSN, frame); err != nil {
		lm.failLocked(err)
		return InvalidLSN, err
	}
	if lm.opts.SyncMode == pagemanager.SyncAlways {
		if err := lm.syncLocked(); err != nil {
			lm.failLocked(err)
			return InvalidLSN, err
		}
	}
	lm.metrics.WALAppends.Add(context.Background(), 1)
	lm.metrics.WALBytes.Add(context.Background(), int64(len(frame)))
	lm.logger.Debug("appended log record",
		zap.Uint64("lsn", uint64(record.LSN)),
		zap.Stringer("type", record.Type),
		zap.Int("size", len(frame)))
	return record.LSN, nil
}

func (lm *LogManager) appendFrameLocked(lsn LSN, frame []byte) error {
	if lm.buffer.Len()+len(frame) > lm.opts.BufferSize {
		if err := lm.flushInternal(); err != nil {
			return err
		}
	}
	if lm.segmentOffset > 0 && lm.segmentOffset+int64(len(frame)) > lm.opts.SegmentSize {
		if err := lm.rollLogSegment(); err != nil {
			return err
		}
	}
	lm.buffer.Write(frame)
	lm.segmentOffset += int64(len(frame))
	cur := &lm.segments[len(lm.segments)-1]
	if cur.minLSN == InvalidLSN || lsn < cur.minLSN {
		cur.minLSN = lsn
	}
	if lsn > cur.maxLSN {
		cur.maxLSN = lsn
	}

	// advance the contiguous watermark
	if lsn == lm.appended+1 {
		lm.appended = lsn
		for {
			if _, ok := lm.pending[lm.appended+1]; !ok {
				break
			}
			delete(lm.pending, lm.appended+1)
			lm.appended++
		}
		lm.cond.Broadcast()
	} else {
		lm.pending[lsn] = struct{}{}
	}
	return nil
}

func (lm *LogManager) fail(err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.failLocked(err)
}

// failLocked makes the failure sticky: an LSN was handed out that will never
// reach the log, so no later FlushTo may claim durability.
func (lm *LogManager) failLocked(err error) {
	if lm.failure == nil {
		lm.failure = fmt.Errorf("write-ahead log failed: %w", err)
		lm.logger.Error("write-ahead log entered failed state", zap.Error(err))
	}
	lm.cond.Broadcast()
}

// flushInternal writes the buffer to the current segment. Caller holds mu.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		lm.written = lm.appended
		return nil
	}
	if _, err := lm.logFile.Write(lm.buffer.Bytes()); err != nil {
		if dberror.IsNoSpace(err) {
			return fmt.Errorf("%w: writing log segment %d: %v", dberror.ErrDiskFull, lm.segmentID, err)
		}
		return fmt.Errorf("%w: writing log segment %d: %v", dberror.ErrIO, lm.segmentID, err)
	}
	lm.buffer.Reset()
	lm.written = lm.appended
	return nil
}

// syncLocked writes the buffer and fsyncs it. Caller holds mu.
func (lm *LogManager) syncLocked() error {
	if err := lm.flushInternal(); err != nil {
		return err
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("%w: syncing log segment %d: %v", dberror.ErrIO, lm.segmentID, err)
	}
	lm.metrics.WALSyncs.Add(context.Background(), 1)
	lm.markDurable(lm.written)
	return nil
}

func (lm *LogManager) markDurable(lsn LSN) {
	for {
		cur := lm.durable.Load()
		if uint64(lsn) <= cur || lm.durable.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// FlushTo blocks until every record with LSN <= lsn is durable under the
// configured sync mode. With SyncNone records are only handed to the OS.
func (lm *LogManager) FlushTo(lsn LSN) error {
	if lsn == InvalidLSN || lsn <= lm.DurableLSN() {
		return nil
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for lm.appended < lsn && lm.failure == nil && !lm.closed {
		lm.cond.Wait()
	}
	if lm.failure != nil {
		return lm.failure
	}
	if lm.appended < lsn {
		return dberror.ErrClosed
	}
	if lm.opts.SyncMode == pagemanager.SyncNone {
		if err := lm.flushInternal(); err != nil {
			lm.failLocked(err)
			return err
		}
		lm.markDurable(lm.written)
		return nil
	}
	if err := lm.syncLocked(); err != nil {
		lm.failLocked(err)
		return err
	}
	return nil
}

// Sync forces everything appended so far to stable storage regardless of the
// sync mode. Checkpoints use it.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return dberror.ErrClosed
	}
	if lm.failure != nil {
		return lm.failure
	}
	if err := lm.syncLocked(); err != nil {
		lm.failLocked(err)
		return err
	}
	return nil
}

// rollLogSegment closes the current segment and starts the next one. Caller holds mu.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.syncLocked(); err != nil {
		return fmt.Errorf("syncing segment %d before roll: %w", lm.segmentID, err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("%w: closing log segment %d: %v", dberror.ErrIO, lm.segmentID, err)
	}
	lm.segments[len(lm.segments)-1].size = lm.segmentOffset

	next := lm.segmentID + 1
	path := segmentPath(lm.opts.Dir, next)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening log segment %s: %v", dberror.ErrIO, path, err)
	}
	if err := syncDir(lm.opts.Dir); err != nil {
		f.Close()
		return err
	}
	lm.logFile = f
	lm.segmentID = next
	lm.segmentOffset = 0
	lm.segments = append(lm.segments, segmentInfo{id: next, path: path})
	lm.logger.Info("rolled to new log segment", zap.Uint64("segment_id", next))
	return nil
}

// flusher periodically writes the buffer out, bounding how long a record can
// sit in memory.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 && lm.failure == nil {
				var err error
				if lm.opts.SyncMode == pagemanager.SyncNone {
					err = lm.flushInternal()
				} else {
					err = lm.syncLocked()
				}
				if err != nil {
					lm.logger.Error("periodic log flush failed", zap.Error(err))
					lm.failLocked(err)
				}
			}
			lm.mu.Unlock()
		}
	}
}

// ReadAll returns every record in the live segments ordered by LSN.
func (lm *LogManager) ReadAll() ([]*LogRecord, error) {
	lm.mu.Lock()
	if !lm.closed {
		if err := lm.flushInternal(); err != nil {
			lm.mu.Unlock()
			return nil, err
		}
	}
	lm.mu.Unlock()

	lm.segMu.RLock()
	defer lm.segMu.RUnlock()
	return readSegments(lm.opts.Dir)
}

// Stats returns current log positions.
func (lm *LogManager) Stats() Stats {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return Stats{
		NextLSN:     lm.NextLSN(),
		AppendedLSN: lm.appended,
		DurableLSN:  lm.DurableLSN(),
		Segments:    len(lm.segments),
		SegmentID:   lm.segmentID,
		Archived:    lm.archived.Load(),
	}
}

// Close flushes and syncs the log and stops the background flusher.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closing {
		lm.mu.Unlock()
		return nil
	}
	lm.closing = true
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	var err error
	if lm.failure == nil {
		err = lm.syncLocked()
	}
	lm.closed = true
	lm.cond.Broadcast()
	if cerr := lm.logFile.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: closing log segment: %v", dberror.ErrIO, cerr)
	}
	lm.logger.Info("log manager closed", zap.Uint64("durable_lsn", lm.durable.Load()))
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", dberror.ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("%w: syncing %s: %v", dberror.ErrIO, dir, err)
	}
	return nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("log_%05d.log", id))
}

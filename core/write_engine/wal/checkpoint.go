package wal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// ActiveTxnSource reports transactions that have not committed or aborted.
type ActiveTxnSource interface {
	ActiveTxnTable() []ActiveTxnEntry
}

// DirtyPageSource reports dirty pages with their recovery LSN.
type DirtyPageSource interface {
	DirtyPageTable() map[pagemanager.PageID]LSN
}

// Checkpointer writes fuzzy checkpoints: it records the active transaction
// and dirty page tables without flushing pages or pausing writers.
type Checkpointer struct {
	log   *LogManager
	txns  ActiveTxnSource
	pages DirtyPageSource

	interval time.Duration
	mu       sync.Mutex // one checkpoint at a time
	last     LSN

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewCheckpointer creates a Checkpointer. interval <= 0 disables the
// background loop; Checkpoint can still be called directly.
func NewCheckpointer(lm *LogManager, txns ActiveTxnSource, pages DirtyPageSource, interval time.Duration,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		log:      lm,
		txns:     txns,
		pages:    pages,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger.Named("checkpoint"),
		metrics:  internaltelemetry.OrNop(metrics),
	}
}

// Checkpoint writes a CheckpointBegin/CheckpointEnd pair, makes it durable,
// points the master record at it and retires log segments that recovery can
// no longer need. It returns the LSN of the begin record.
func (c *Checkpointer) Checkpoint(ctx context.Context) (LSN, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Anything logged from here on is seen by analysis even if it misses the
	// tables captured below.
	scanFrom := c.log.NextLSN()

	var att []ActiveTxnEntry
	if c.txns != nil {
		att = c.txns.ActiveTxnTable()
	}
	var dpt []DirtyPageEntry
	if c.pages != nil {
		for id, rec := range c.pages.DirtyPageTable() {
			dpt = append(dpt, DirtyPageEntry{PageID: id, RecLSN: rec})
		}
		sort.Slice(dpt, func(i, j int) bool { return dpt[i].PageID < dpt[j].PageID })
	}

	begin, err := c.log.Append(&LogRecord{
		Type:        LogRecordTypeCheckpointBegin,
		ScanFromLSN: scanFrom,
		ActiveTxns:  att,
		DirtyPages:  dpt,
	})
	if err != nil {
		return InvalidLSN, fmt.Errorf("writing checkpoint begin: %w", err)
	}
	if _, err := c.log.Append(&LogRecord{Type: LogRecordTypeCheckpointEnd, CheckpointBeginLSN: begin}); err != nil {
		return InvalidLSN, fmt.Errorf("writing checkpoint end: %w", err)
	}
	if err := c.log.Sync(); err != nil {
		return InvalidLSN, fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := c.log.WriteMaster(begin); err != nil {
		return InvalidLSN, err
	}
	c.last = begin
	c.metrics.Checkpoints.Add(ctx, 1)

	keep := scanFrom
	for _, e := range dpt {
		if e.RecLSN < keep {
			keep = e.RecLSN
		}
	}
	for _, e := range att {
		if e.FirstLSN != InvalidLSN && e.FirstLSN < keep {
			keep = e.FirstLSN
		}
	}
	retired, err := c.log.ArchiveBefore(ctx, keep)
	if err != nil {
		// the checkpoint itself is complete; retiring can wait for the next one
		c.logger.Warn("failed to retire old log segments", zap.Error(err))
	}
	c.logger.Info("checkpoint complete",
		zap.Uint64("begin_lsn", uint64(begin)),
		zap.Int("active_txns", len(att)),
		zap.Int("dirty_pages", len(dpt)),
		zap.Uint64("keep_lsn", uint64(keep)),
		zap.Int("segments_retired", retired))
	return begin, nil
}

// LastCheckpoint returns the begin LSN of the last checkpoint taken by c.
func (c *Checkpointer) LastCheckpoint() LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start runs Checkpoint every interval until Stop.
func (c *Checkpointer) Start() {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Checkpoint(context.Background()); err != nil {
					c.logger.Error("periodic checkpoint failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the background loop.
func (c *Checkpointer) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

// Package engine wires the pager, buffer pool, log, tree and transaction
// manager into one embedded key-value store and recovers it on open.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/indexing/btree"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/indexmanager"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
	bufferpool "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/buffer_pool"
	flushmanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/flush_manager"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/wal"
	commonutils "github.com/twohreichel/NeuroQuantumDB-sub003/internal/common_utils"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/logger"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/telemetry"
)

const (
	dataFileName = "nqstore.db"
	walDirName   = "wal"

	// The tree's meta page is the first page allocated in a fresh file.
	metaPageID pagemanager.PageID = 1

	// PrimaryIndex names the engine's single index in locks and traces.
	PrimaryIndex = "primary"
)

// Options carries process-level collaborators. Nil fields get no-op
// implementations.
type Options struct {
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *internaltelemetry.StorageMetrics
}

// Stats is a point-in-time view of every component.
type Stats struct {
	Pager          pagemanager.Stats
	BufferPool     bufferpool.Stats
	WAL            wal.Stats
	Txn            transaction.Stats
	TreeHeight     int
	TreeOrder      int
	LastCheckpoint wal.LSN
	PagesFlushed   uint64
}

// Engine is an open database.
type Engine struct {
	cfg       Config
	isolation transaction.IsolationLevel

	pager        *pagemanager.Pager
	log          *wal.LogManager
	pool         *bufferpool.BufferPoolManager
	tree         *btree.BTree
	txns         *transaction.Manager
	index        *indexmanager.BTreeIndexManager
	checkpointer *wal.Checkpointer
	flusher      *flushmanager.Flusher
	recovery     wal.RecoveryStats

	stopMaint chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Open opens or creates the database in cfg.DataDir. Recovery runs before
// Open returns, so the tree reflects exactly the committed transactions.
func Open(ctx context.Context, cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := logger.Store(opts.Logger, cfg.DataDir)
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = internaltelemetry.NewStorageMetrics(tel.Meter); err != nil {
			return nil, fmt.Errorf("creating storage metrics: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir %s: %v", dberror.ErrIO, cfg.DataDir, err)
	}

	pagerSync, _ := pagemanager.ParseSyncMode(cfg.PagerSyncMode)
	walSync, _ := pagemanager.ParseSyncMode(cfg.WALSyncMode)
	isolation, _ := transaction.ParseIsolationLevel(cfg.DefaultIsolation)

	e := &Engine{
		cfg:       cfg,
		isolation: isolation,
		stopMaint: make(chan struct{}),
		logger:    logger.Component(base, "engine"),
		metrics:   metrics,
	}
	ok := false
	defer func() {
		if !ok {
			e.abandon()
		}
	}()

	var err error
	e.pager, err = pagemanager.Open(filepath.Join(cfg.DataDir, dataFileName), pagemanager.Options{
		PageSize:        cfg.PageSize,
		SyncMode:        pagerSync,
		MaxFileSize:     cfg.MaxFileSize,
		Retry:           commonutils.RetryPolicy{Attempts: cfg.IORetries, Backoff: cfg.IORetryBackoff},
		ReadParallelism: pagemanager.DefaultOptions().ReadParallelism,
	}, base, metrics)
	if err != nil {
		return nil, err
	}

	e.log, err = wal.NewLogManager(wal.Options{
		Dir:              filepath.Join(cfg.DataDir, walDirName),
		SegmentSize:      cfg.WALSegmentSize,
		BufferSize:       cfg.WALBufferSize,
		SyncMode:         walSync,
		FlushInterval:    cfg.WALFlushInterval,
		ArchiveDir:       cfg.ArchiveDir,
		ArchiveRateLimit: cfg.ArchiveRateLimit,
		ArchiveCompress:  cfg.ArchiveCompress,
		MinSegments:      wal.DefaultOptions("").MinSegments,
	}, base, metrics)
	if err != nil {
		return nil, err
	}

	e.pool, err = bufferpool.NewBufferPoolManager(e.pager, e.log, bufferpool.Options{
		Frames:   cfg.BufferPoolFrames,
		Policy:   strings.ToLower(cfg.EvictionPolicy),
		MaxDirty: cfg.MaxDirtyPages,
	}, base, metrics)
	if err != nil {
		return nil, err
	}

	e.recovery, err = wal.NewRecoveryManager(e.log, e.pool, base, metrics).Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering %s: %w", cfg.DataDir, err)
	}

	if err := e.openTree(base); err != nil {
		return nil, err
	}

	e.txns = transaction.NewManager(e.log, e.pool, transaction.Options{
		LockTimeout: cfg.LockTimeout,
		UndoLatch:   e.tree.Latch(),
	}, base, metrics)
	e.index = indexmanager.NewBTreeIndexManager(PrimaryIndex, e.tree, e.txns, tel, metrics, base)

	e.checkpointer = wal.NewCheckpointer(e.log, e.txns, e.pool, cfg.CheckpointInterval, base, metrics)
	// start the next recovery after the one that just ran
	if _, err := e.checkpointer.Checkpoint(ctx); err != nil {
		return nil, err
	}

	e.flusher = flushmanager.NewFlusher(e.pool, flushmanager.Options{
		Interval:       cfg.FlushInterval,
		PagesPerSecond: cfg.FlushRateLimit,
	}, base)
	e.flusher.Start()
	e.checkpointer.Start()
	if cfg.TxnIdleTimeout > 0 {
		e.wg.Add(1)
		go e.maintain(cfg.TxnIdleTimeout)
	}

	ok = true
	e.logger.Info("storage engine opened",
		zap.Uint64("meta_page", uint64(e.tree.MetaPageID())),
		zap.Int("btree_order", e.tree.Order()),
		zap.Int("recovered_winners", e.recovery.Winners),
		zap.Int("recovered_losers", e.recovery.Losers))
	return e, nil
}

// openTree creates the tree in an empty file and opens it otherwise.
func (e *Engine) openTree(base *zap.Logger) error {
	var err error
	if e.pager.NumPages() <= uint64(metaPageID) {
		if e.tree, err = btree.Create(e.pool, e.cfg.BTreeOrder, base); err != nil {
			return fmt.Errorf("creating tree: %w", err)
		}
		if e.tree.MetaPageID() != metaPageID {
			return fmt.Errorf("%w: new tree placed its meta page at %d", dberror.ErrCorruption, e.tree.MetaPageID())
		}
		// the tree's first pages are not logged
		if err := e.pager.Sync(); err != nil {
			return err
		}
		return nil
	}
	if e.tree, err = btree.Open(e.pool, metaPageID, base); err != nil {
		return fmt.Errorf("opening tree: %w", err)
	}
	if e.tree.Order() != e.cfg.BTreeOrder {
		e.logger.Warn("btree_order differs from the stored tree, keeping the stored order",
			zap.Int("configured", e.cfg.BTreeOrder),
			zap.Int("stored", e.tree.Order()))
	}
	return nil
}

// maintain aborts transactions that stay idle past limit.
func (e *Engine) maintain(limit time.Duration) {
	defer e.wg.Done()
	period := limit / 2
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := e.txns.AbortIdle(limit)
			if err != nil {
				e.logger.Error("aborting idle transactions", zap.Error(err))
			} else if n > 0 {
				e.logger.Info("aborted idle transactions", zap.Int("count", n))
			}
		case <-e.stopMaint:
			return
		}
	}
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return dberror.ErrClosed
	}
	return nil
}

// --- Transactions ---

// BeginTxn starts a transaction.
func (e *Engine) BeginTxn(isolation transaction.IsolationLevel) (*transaction.Transaction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.txns.Begin(isolation)
}

// DefaultIsolation is the level used for single-operation transactions.
func (e *Engine) DefaultIsolation() transaction.IsolationLevel { return e.isolation }

// Txn looks up a live transaction by id.
func (e *Engine) Txn(id wal.TxnID) (*transaction.Transaction, error) {
	return e.txns.Get(id)
}

func (e *Engine) Commit(txn *transaction.Transaction) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Commit(txn)
}

func (e *Engine) Abort(txn *transaction.Transaction) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Abort(txn)
}

func (e *Engine) Savepoint(txn *transaction.Transaction, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.Savepoint(txn, name)
}

func (e *Engine) RollbackToSavepoint(txn *transaction.Transaction, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.RollbackToSavepoint(txn, name)
}

func (e *Engine) ReleaseSavepoint(txn *transaction.Transaction, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.txns.ReleaseSavepoint(txn, name)
}

// ActiveTransactions lists the transactions that have not finished.
func (e *Engine) ActiveTransactions() []transaction.TxnInfo {
	return e.txns.ActiveTransactions()
}

// run executes fn in txn, or in a transaction of its own when txn is nil.
// An own transaction commits when fn succeeds and aborts otherwise.
func (e *Engine) run(txn *transaction.Transaction, fn func(*transaction.Transaction) error) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if txn != nil {
		return fn(txn)
	}
	own, err := e.txns.Begin(e.isolation)
	if err != nil {
		return err
	}
	if err := fn(own); err != nil {
		if aerr := e.txns.Abort(own); aerr != nil {
			e.logger.Error("aborting single-operation transaction", zap.Stringer("txn_id", own.ID), zap.Error(aerr))
			return errors.Join(err, aerr)
		}
		return err
	}
	return e.txns.Commit(own)
}

// --- Data operations ---

// Put inserts key; it fails with ErrDuplicateKey if key exists. A nil txn
// runs the operation in its own transaction.
func (e *Engine) Put(ctx context.Context, txn *transaction.Transaction, key, value []byte) error {
	return e.run(txn, func(t *transaction.Transaction) error {
		return e.index.Put(ctx, t, key, value)
	})
}

// Upsert inserts or replaces key and reports whether it was new.
func (e *Engine) Upsert(ctx context.Context, txn *transaction.Transaction, key, value []byte) (bool, error) {
	var inserted bool
	err := e.run(txn, func(t *transaction.Transaction) error {
		var err error
		inserted, err = e.index.Upsert(ctx, t, key, value)
		return err
	})
	return inserted, err
}

// Get returns the value of key.
func (e *Engine) Get(ctx context.Context, txn *transaction.Transaction, key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := e.run(txn, func(t *transaction.Transaction) error {
		var err error
		value, found, err = e.index.Get(ctx, t, key)
		return err
	})
	return value, found, err
}

// Scan returns up to limit entries with low <= key <= high in key order.
// Nil bounds are open and limit <= 0 means no limit.
func (e *Engine) Scan(ctx context.Context, txn *transaction.Transaction, low, high []byte, limit int) ([]btree.Entry, error) {
	var entries []btree.Entry
	err := e.run(txn, func(t *transaction.Transaction) error {
		var err error
		entries, err = e.index.GetRange(ctx, t, low, high, limit)
		return err
	})
	return entries, err
}

// Remove deletes key; it fails with ErrNotFound if key is absent.
func (e *Engine) Remove(ctx context.Context, txn *transaction.Transaction, key []byte) error {
	return e.run(txn, func(t *transaction.Transaction) error {
		return e.index.Delete(ctx, t, key)
	})
}

// --- Maintenance ---

// Checkpoint takes a checkpoint now and returns its LSN.
func (e *Engine) Checkpoint(ctx context.Context) (wal.LSN, error) {
	if err := e.checkOpen(); err != nil {
		return wal.InvalidLSN, err
	}
	return e.checkpointer.Checkpoint(ctx)
}

// Verify checks the structure of the tree.
func (e *Engine) Verify() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.tree.Verify()
}

// KeyStats reports how far front coding would shrink the keys of every leaf.
func (e *Engine) KeyStats() (btree.KeyStats, error) {
	if err := e.checkOpen(); err != nil {
		return btree.KeyStats{}, err
	}
	return e.tree.KeyStats()
}

// LastRecovery reports what recovery did when the engine was opened.
func (e *Engine) LastRecovery() wal.RecoveryStats { return e.recovery }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Stats() (Stats, error) {
	if err := e.checkOpen(); err != nil {
		return Stats{}, err
	}
	height, err := e.tree.Height()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pager:          e.pager.Stats(),
		BufferPool:     e.pool.Stats(),
		WAL:            e.log.Stats(),
		Txn:            e.txns.Stats(),
		TreeHeight:     height,
		TreeOrder:      e.tree.Order(),
		LastCheckpoint: e.checkpointer.LastCheckpoint(),
		PagesFlushed:   e.flusher.Flushed(),
	}, nil
}

// Close aborts unfinished transactions, writes every dirty page back, takes
// a final checkpoint and closes the files. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopMaint)
		e.wg.Wait()
		e.flusher.Stop()
		e.checkpointer.Stop()

		var errs []error
		for _, info := range e.txns.ActiveTransactions() {
			txn, err := e.txns.Get(info.ID)
			if err != nil {
				continue
			}
			if err := e.txns.Abort(txn); err != nil && !errors.Is(err, dberror.ErrTxnInvalidState) {
				errs = append(errs, fmt.Errorf("aborting %s on close: %w", info.ID, err))
			}
		}
		if err := e.pool.FlushAllPages(); err != nil {
			errs = append(errs, err)
		} else if _, err := e.checkpointer.Checkpoint(context.Background()); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, e.log.Close(), e.pager.Close())
		e.closeErr = errors.Join(errs...)
		if e.closeErr != nil {
			e.logger.Error("storage engine closed with errors", zap.Error(e.closeErr))
		} else {
			e.logger.Info("storage engine closed")
		}
	})
	return e.closeErr
}

// abandon releases whatever a failed Open had opened.
func (e *Engine) abandon() {
	if e.log != nil {
		_ = e.log.Close()
	}
	if e.pager != nil {
		_ = e.pager.Close()
	}
}

package transaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/wal"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// Options configures a Manager.
type Options struct {
	LockTimeout time.Duration
	// UndoLatch is held while an abort or savepoint rollback compensates
	// page changes, keeping readers of those pages out.
	UndoLatch sync.Locker
}

// Stats counts transactions.
type Stats struct {
	Active    int
	Begun     uint64
	Committed uint64
	Aborted   uint64
}

// Manager owns the transaction table. Every page change of a transaction
// is logged through it, chaining the records by PrevLSN so that abort and
// recovery can walk them backwards.
type Manager struct {
	log       *wal.LogManager
	pages     wal.PageApplier
	locks     *LockManager
	undoLatch sync.Locker

	mu   sync.RWMutex
	txns map[wal.TxnID]*Transaction

	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64

	now     func() time.Time
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewManager creates a transaction manager writing to log and compensating
// through pages.
func NewManager(log *wal.LogManager, pages wal.PageApplier, opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics = internaltelemetry.OrNop(metrics)
	return &Manager{
		log:       log,
		pages:     pages,
		locks:     NewLockManager(opts.LockTimeout, logger, metrics),
		undoLatch: opts.UndoLatch,
		txns:      make(map[wal.TxnID]*Transaction),
		now:       time.Now,
		logger:    logger.Named("txn"),
		metrics:   metrics,
	}
}

// Locks returns the lock manager.
func (m *Manager) Locks() *LockManager { return m.locks }

// Begin starts a transaction and logs its Begin record.
func (m *Manager) Begin(isolation IsolationLevel) (*Transaction, error) {
	if isolation > Serializable {
		return nil, fmt.Errorf("%w: isolation level %d", dberror.ErrInvalidConfig, isolation)
	}
	id := uuid.New()
	// registration and the Begin record are atomic with respect to ActiveTxnTable
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeBegin, TxnID: id, Isolation: uint8(isolation)})
	if err != nil {
		return nil, fmt.Errorf("logging begin: %w", err)
	}
	txn := newTransaction(id, isolation, lsn, m.now())
	m.txns[id] = txn
	m.begun.Add(1)
	m.metrics.TxnBegun.Add(context.Background(), 1)
	m.logger.Debug("transaction started",
		zap.Stringer("txn_id", id),
		zap.Stringer("isolation", isolation),
		zap.Uint64("lsn", uint64(lsn)))
	return txn, nil
}

// Get looks up a live transaction.
func (m *Manager) Get(id wal.TxnID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrTxnNotFound, id)
	}
	return txn, nil
}

// LogUpdate appends an Update record for txn and returns its LSN. The caller
// applies the change to the page afterwards, holding the page latch across
// both steps.
func (m *Manager) LogUpdate(txn *Transaction, pageID pagemanager.PageID, offset int, before, after []byte) (wal.LSN, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return wal.InvalidLSN, err
	}
	rec := &wal.LogRecord{
		Type:    wal.LogRecordTypeUpdate,
		TxnID:   txn.ID,
		PrevLSN: txn.lastLSN,
		PageID:  pageID,
		Offset:  uint32(offset),
		OldData: bytes.Clone(before),
		NewData: after,
	}
	lsn, err := m.log.Append(rec)
	if err != nil {
		return wal.InvalidLSN, err
	}
	rec.NewData = nil // only the before-image is needed for undo
	txn.lastLSN = lsn
	txn.undo = append(txn.undo, rec)
	txn.touched[pageID] = struct{}{}
	txn.lastActive = m.now()
	return lsn, nil
}

// TxnPageLogger logs page changes on behalf of one transaction.
type TxnPageLogger struct {
	m   *Manager
	txn *Transaction
}

// PageLogger returns a logger that attributes page changes to txn.
func (m *Manager) PageLogger(txn *Transaction) *TxnPageLogger {
	return &TxnPageLogger{m: m, txn: txn}
}

func (p *TxnPageLogger) NextLSN() pagemanager.LSN { return p.m.log.NextLSN() }

func (p *TxnPageLogger) LogPageUpdate(pageID pagemanager.PageID, offset int, before, after []byte) (pagemanager.LSN, error) {
	return p.m.LogUpdate(p.txn, pageID, offset, before, after)
}

// Commit writes the Commit record, forces the log up to it and releases the
// transaction's locks. A transaction that logged nothing since Begin has no
// changes to make durable, so its Commit record is left to the background
// flush.
func (m *Manager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	if err := txn.activeLocked(); err != nil {
		txn.mu.Unlock()
		return err
	}
	readOnly := txn.lastLSN == txn.firstLSN
	// the state changes together with the record, so a checkpoint sees
	// either an active transaction or one whose Commit is already logged
	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeCommit, TxnID: txn.ID, PrevLSN: txn.lastLSN})
	if err != nil {
		txn.mu.Unlock()
		return fmt.Errorf("logging commit of %s: %w", txn.ID, err)
	}
	txn.lastLSN = lsn
	txn.state = TxnStateCommitted
	txn.undo = nil
	txn.savepoints = nil
	txn.mu.Unlock()

	var ferr error
	if !readOnly {
		ferr = m.log.FlushTo(lsn)
	}
	m.finish(txn)
	if ferr != nil {
		return fmt.Errorf("forcing commit of %s: %w", txn.ID, ferr)
	}
	m.committed.Add(1)
	m.metrics.TxnCommitted.Add(context.Background(), 1)
	m.logger.Debug("transaction committed", zap.Stringer("txn_id", txn.ID), zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// Abort rolls back every change of txn, writing a CLR per undone update,
// then logs Abort and releases the locks.
func (m *Manager) Abort(txn *Transaction) error {
	if m.undoLatch != nil {
		m.undoLatch.Lock()
		defer m.undoLatch.Unlock()
	}
	txn.mu.Lock()
	if err := txn.activeLocked(); err != nil {
		txn.mu.Unlock()
		return err
	}
	txn.state = TxnStateAborting
	if err := m.rollbackLocked(txn, 0); err != nil {
		// left Aborting in the table; recovery finishes the rollback
		txn.mu.Unlock()
		m.logger.Error("rollback failed", zap.Stringer("txn_id", txn.ID), zap.Error(err))
		return err
	}
	lsn, err := m.log.Append(&wal.LogRecord{Type: wal.LogRecordTypeAbort, TxnID: txn.ID, PrevLSN: txn.lastLSN})
	if err != nil {
		txn.mu.Unlock()
		return fmt.Errorf("logging abort of %s: %w", txn.ID, err)
	}
	txn.lastLSN = lsn
	txn.state = TxnStateAborted
	txn.savepoints = nil
	txn.mu.Unlock()

	m.finish(txn)
	m.aborted.Add(1)
	m.metrics.TxnAborted.Add(context.Background(), 1)
	m.logger.Debug("transaction aborted", zap.Stringer("txn_id", txn.ID), zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// rollbackLocked compensates updates newest first until keep remain. Caller
// holds txn.mu.
func (m *Manager) rollbackLocked(txn *Transaction, keep int) error {
	for len(txn.undo) > keep {
		rec := txn.undo[len(txn.undo)-1]
		clr, err := wal.Compensate(m.log, m.pages, txn.ID, txn.lastLSN, rec)
		if err != nil {
			return err
		}
		txn.lastLSN = clr
		txn.undo = txn.undo[:len(txn.undo)-1]
	}
	return nil
}

func (m *Manager) finish(txn *Transaction) {
	m.mu.Lock()
	delete(m.txns, txn.ID)
	m.mu.Unlock()
	m.locks.ReleaseAll(txn.ID)
}

// Savepoint marks the current position of txn under name. Reusing a name
// moves the mark.
func (m *Manager) Savepoint(txn *Transaction, name string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return err
	}
	if i := txn.findSavepointLocked(name); i >= 0 {
		txn.savepoints = append(txn.savepoints[:i], txn.savepoints[i+1:]...)
	}
	txn.savepoints = append(txn.savepoints, savepoint{name: name, lsn: txn.lastLSN, undoLen: len(txn.undo)})
	txn.lastActive = m.now()
	return nil
}

// RollbackToSavepoint undoes the changes made after the savepoint. The
// transaction stays active, keeps its locks and keeps the savepoint itself.
func (m *Manager) RollbackToSavepoint(txn *Transaction, name string) error {
	if m.undoLatch != nil {
		m.undoLatch.Lock()
		defer m.undoLatch.Unlock()
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return err
	}
	i := txn.findSavepointLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", dberror.ErrSavepointNotFound, name)
	}
	sp := txn.savepoints[i]
	if err := m.rollbackLocked(txn, sp.undoLen); err != nil {
		return err
	}
	txn.savepoints = txn.savepoints[:i+1]
	txn.lastActive = m.now()
	m.logger.Debug("rolled back to savepoint",
		zap.Stringer("txn_id", txn.ID),
		zap.String("savepoint", name),
		zap.Uint64("savepoint_lsn", uint64(sp.lsn)))
	return nil
}

// ReleaseSavepoint forgets the savepoint and every later one.
func (m *Manager) ReleaseSavepoint(txn *Transaction, name string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return err
	}
	i := txn.findSavepointLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", dberror.ErrSavepointNotFound, name)
	}
	txn.savepoints = txn.savepoints[:i]
	return nil
}

// StatementMark returns the undo position a failing statement of txn rolls
// back to. It is not a savepoint and never shows up in the savepoint list.
func (m *Manager) StatementMark(txn *Transaction) int {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return len(txn.undo)
}

// RollbackStatement compensates the changes txn made after mark. The
// transaction stays active with its locks, so the changes of earlier
// statements survive a later Commit and the failed one does not.
func (m *Manager) RollbackStatement(txn *Transaction, mark int) error {
	if m.undoLatch != nil {
		m.undoLatch.Lock()
		defer m.undoLatch.Unlock()
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return err
	}
	if mark >= len(txn.undo) {
		return nil
	}
	undone := len(txn.undo) - mark
	if err := m.rollbackLocked(txn, mark); err != nil {
		return err
	}
	m.logger.Debug("rolled back failed statement",
		zap.Stringer("txn_id", txn.ID),
		zap.Int("records_undone", undone))
	return nil
}

func noRelease() {}

// AcquireRead takes the shared lock a point read of res needs at txn's
// isolation level. The returned func ends a short (read committed) lock and
// must be called once the read is done.
func (m *Manager) AcquireRead(ctx context.Context, txn *Transaction, res Resource) (func(), error) {
	if err := m.touch(txn); err != nil {
		return noRelease, err
	}
	switch txn.Isolation {
	case ReadUncommitted:
		return noRelease, nil
	case ReadCommitted:
		return m.shortShared(ctx, txn, res)
	}
	return noRelease, m.acquire(ctx, txn, res, LockShared)
}

// AcquireScan takes the lock a range scan of index needs. From read
// committed up, the scan waits out writers of the index; repeatable read
// and serializable keep the lock, which also rules out phantoms.
func (m *Manager) AcquireScan(ctx context.Context, txn *Transaction, index string) (func(), error) {
	if err := m.touch(txn); err != nil {
		return noRelease, err
	}
	res := IndexResource(index)
	switch txn.Isolation {
	case ReadUncommitted:
		return noRelease, nil
	case ReadCommitted:
		return m.shortShared(ctx, txn, res)
	}
	return noRelease, m.acquire(ctx, txn, res, LockShared)
}

func (m *Manager) shortShared(ctx context.Context, txn *Transaction, res Resource) (func(), error) {
	if m.locks.Mode(txn.ID, res) != LockNone {
		return noRelease, nil
	}
	if err := m.acquire(ctx, txn, res, LockShared); err != nil {
		return noRelease, err
	}
	return func() { m.locks.Release(txn.ID, res) }, nil
}

// AcquireWrite takes an exclusive lock on res, held until txn ends.
func (m *Manager) AcquireWrite(ctx context.Context, txn *Transaction, res Resource) error {
	if err := m.touch(txn); err != nil {
		return err
	}
	return m.acquire(ctx, txn, res, LockExclusive)
}

// acquire takes res and checks that txn is still active afterwards. Once
// txn has left the table nobody else will release a lock granted to it.
func (m *Manager) acquire(ctx context.Context, txn *Transaction, res Resource, mode LockMode) error {
	if err := m.locks.Acquire(ctx, txn.ID, res, mode); err != nil {
		return err
	}
	if err := m.touch(txn); err != nil {
		if _, gerr := m.Get(txn.ID); gerr != nil {
			m.locks.ReleaseAll(txn.ID)
		}
		return err
	}
	return nil
}

func (m *Manager) touch(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.activeLocked(); err != nil {
		return err
	}
	txn.lastActive = m.now()
	return nil
}

// ActiveTransactions returns a snapshot of the transaction table, oldest first.
func (m *Manager) ActiveTransactions() []TxnInfo {
	m.mu.RLock()
	out := make([]TxnInfo, 0, len(m.txns))
	for _, txn := range m.txns {
		out = append(out, txn.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveTxnTable returns the transactions a checkpoint must record: those
// without a Commit or Abort record yet.
func (m *Manager) ActiveTxnTable() []wal.ActiveTxnEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wal.ActiveTxnEntry, 0, len(m.txns))
	for _, txn := range m.txns {
		txn.mu.Lock()
		if txn.state == TxnStateActive || txn.state == TxnStateAborting {
			out = append(out, wal.ActiveTxnEntry{TxnID: txn.ID, FirstLSN: txn.firstLSN, LastLSN: txn.lastLSN})
		}
		txn.mu.Unlock()
	}
	return out
}

// AbortIdle aborts active transactions that have done nothing for longer
// than idle and returns how many it aborted.
func (m *Manager) AbortIdle(idle time.Duration) (int, error) {
	cutoff := m.now().Add(-idle)
	var victims []*Transaction
	m.mu.RLock()
	for _, txn := range m.txns {
		txn.mu.Lock()
		if txn.state == TxnStateActive && txn.lastActive.Before(cutoff) {
			victims = append(victims, txn)
		}
		txn.mu.Unlock()
	}
	m.mu.RUnlock()

	aborted := 0
	var firstErr error
	for _, txn := range victims {
		err := m.Abort(txn)
		switch {
		case err == nil:
			aborted++
			m.logger.Warn("aborted idle transaction", zap.Stringer("txn_id", txn.ID), zap.Duration("idle_limit", idle))
		case errors.Is(err, dberror.ErrTxnInvalidState):
			// finished on its own in the meantime
		case firstErr == nil:
			firstErr = err
		}
	}
	return aborted, firstErr
}

// Stats returns transaction counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.txns)
	m.mu.RUnlock()
	return Stats{
		Active:    active,
		Begun:     m.begun.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
	}
}

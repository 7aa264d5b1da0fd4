package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/wal"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// LockMode is Shared or Exclusive.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockShared
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "S"
	case LockExclusive:
		return "X"
	}
	return "-"
}

// ResourceKind is the granularity of a lockable resource.
type ResourceKind uint8

const (
	ResourceRow ResourceKind = iota
	ResourceTable
	ResourceIndex
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceRow:
		return "row"
	case ResourceTable:
		return "table"
	case ResourceIndex:
		return "index"
	}
	return fmt.Sprintf("ResourceKind(%d)", uint8(k))
}

// Resource names something a transaction can lock.
type Resource struct {
	Kind ResourceKind
	Name string
}

func (r Resource) String() string { return r.Kind.String() + ":" + r.Name }

// RowResource is the lock on one key of an index.
func RowResource(index string, key []byte) Resource {
	return Resource{Kind: ResourceRow, Name: index + "/" + string(key)}
}

// IndexResource is the lock on a whole index.
func IndexResource(index string) Resource {
	return Resource{Kind: ResourceIndex, Name: index}
}

// TableResource is the lock on a table.
func TableResource(table string) Resource {
	return Resource{Kind: ResourceTable, Name: table}
}

type lockState struct {
	holders          map[wal.TxnID]LockMode
	waitingExclusive int

	// changed is closed and replaced whenever holders shrink, waking waiters.
	changed chan struct{}
}

// waitHandle lets ReleaseAll stop the pending waits of a finished transaction.
type waitHandle struct {
	stop chan struct{}
	n    int
}

// LockManager grants shared and exclusive locks. Waiters block on a channel
// until a holder releases, the lock timeout expires, their context ends or
// their transaction is finished by ReleaseAll.
type LockManager struct {
	mu      sync.Mutex
	locks   map[Resource]*lockState
	held    map[wal.TxnID]map[Resource]LockMode
	waiting map[wal.TxnID]*waitHandle
	timeout time.Duration
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewLockManager creates a lock manager; timeout <= 0 waits until the context ends.
func NewLockManager(timeout time.Duration, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		locks:   make(map[Resource]*lockState),
		held:    make(map[wal.TxnID]map[Resource]LockMode),
		waiting: make(map[wal.TxnID]*waitHandle),
		timeout: timeout,
		logger:  logger.Named("locks"),
		metrics: internaltelemetry.OrNop(metrics),
	}
}

// grantableLocked reports whether txn can hold res in mode now. A shared
// request also yields to a queued exclusive request unless txn already holds
// the resource. Caller holds mu.
func (lm *LockManager) grantableLocked(st *lockState, txn wal.TxnID, mode LockMode) bool {
	cur := st.holders[txn]
	if mode == LockShared {
		for id, m := range st.holders {
			if id != txn && m == LockExclusive {
				return false
			}
		}
		return cur != LockNone || st.waitingExclusive == 0
	}
	for id := range st.holders {
		if id != txn {
			return false
		}
	}
	return true
}

func (lm *LockManager) grantLocked(st *lockState, res Resource, txn wal.TxnID, mode LockMode) {
	st.holders[txn] = mode
	byTxn := lm.held[txn]
	if byTxn == nil {
		byTxn = make(map[Resource]LockMode)
		lm.held[txn] = byTxn
	}
	byTxn[res] = mode
}

// Acquire blocks until txn holds res in at least mode. A sole shared holder
// may upgrade to exclusive. It fails with ErrLockTimeout when the wait
// exceeds the lock timeout, or with the context's error.
func (lm *LockManager) Acquire(ctx context.Context, txn wal.TxnID, res Resource, mode LockMode) error {
	lm.mu.Lock()
	st := lm.locks[res]
	if st == nil {
		st = &lockState{holders: make(map[wal.TxnID]LockMode), changed: make(chan struct{})}
		lm.locks[res] = st
	}
	if st.holders[txn] >= mode {
		lm.mu.Unlock()
		return nil
	}
	if lm.grantableLocked(st, txn, mode) {
		lm.grantLocked(st, res, txn, mode)
		lm.mu.Unlock()
		return nil
	}

	lm.metrics.LockWaits.Add(ctx, 1)
	if mode == LockExclusive {
		st.waitingExclusive++
	}
	w := lm.waiting[txn]
	if w == nil {
		w = &waitHandle{stop: make(chan struct{})}
		lm.waiting[txn] = w
	}
	w.n++
	defer func() {
		lm.mu.Lock()
		if w.n--; w.n == 0 && lm.waiting[txn] == w {
			delete(lm.waiting, txn)
		}
		if mode == LockExclusive {
			st.waitingExclusive--
			if st.waitingExclusive == 0 {
				// shared requests held back by this waiter may proceed
				lm.wakeLocked(st)
			}
		}
		lm.dropIfIdleLocked(res, st)
		lm.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if lm.timeout > 0 {
		timer := time.NewTimer(lm.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		wake := st.changed
		lm.mu.Unlock()
		select {
		case <-wake:
		case <-w.stop:
			return fmt.Errorf("%w: transaction %s finished while waiting for %s lock on %s",
				dberror.ErrTxnInvalidState, txn, mode, res)
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s lock on %s: %w", mode, res, ctx.Err())
		case <-deadline:
			lm.metrics.LockTimeouts.Add(ctx, 1)
			lm.logger.Debug("lock wait timed out",
				zap.Stringer("txn_id", txn),
				zap.Stringer("resource", res),
				zap.Stringer("mode", mode))
			return fmt.Errorf("%w: %s lock on %s after %s", dberror.ErrLockTimeout, mode, res, lm.timeout)
		}
		lm.mu.Lock()
		if st.holders[txn] >= mode {
			lm.mu.Unlock()
			return nil
		}
		if lm.grantableLocked(st, txn, mode) {
			lm.grantLocked(st, res, txn, mode)
			lm.mu.Unlock()
			return nil
		}
	}
}

func (lm *LockManager) wakeLocked(st *lockState) {
	close(st.changed)
	st.changed = make(chan struct{})
}

func (lm *LockManager) dropIfIdleLocked(res Resource, st *lockState) {
	if len(st.holders) == 0 && st.waitingExclusive == 0 && lm.locks[res] == st {
		delete(lm.locks, res)
	}
}

func (lm *LockManager) releaseLocked(txn wal.TxnID, res Resource) bool {
	st := lm.locks[res]
	if st == nil {
		return false
	}
	if _, ok := st.holders[txn]; !ok {
		return false
	}
	delete(st.holders, txn)
	if byTxn := lm.held[txn]; byTxn != nil {
		delete(byTxn, res)
		if len(byTxn) == 0 {
			delete(lm.held, txn)
		}
	}
	lm.wakeLocked(st)
	lm.dropIfIdleLocked(res, st)
	return true
}

// Release drops txn's lock on res. It reports whether a lock was held.
func (lm *LockManager) Release(txn wal.TxnID, res Resource) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.releaseLocked(txn, res)
}

// ReleaseAll drops every lock held by txn and fails its pending waits. It
// returns how many locks there were.
func (lm *LockManager) ReleaseAll(txn wal.TxnID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if w := lm.waiting[txn]; w != nil {
		close(w.stop)
		delete(lm.waiting, txn)
	}
	n := 0
	for res := range lm.held[txn] {
		if lm.releaseLocked(txn, res) {
			n++
		}
	}
	return n
}

// Mode returns the mode in which txn holds res, or LockNone.
func (lm *LockManager) Mode(txn wal.TxnID, res Resource) LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.held[txn][res]
}

// Holders returns the current holders of res.
func (lm *LockManager) Holders(res Resource) map[wal.TxnID]LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[wal.TxnID]LockMode)
	if st := lm.locks[res]; st != nil {
		for id, m := range st.holders {
			out[id] = m
		}
	}
	return out
}

// HeldBy returns how many locks txn holds.
func (lm *LockManager) HeldBy(txn wal.TxnID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.held[txn])
}

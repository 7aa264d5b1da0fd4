// Package transaction tracks transactions, their undo chains and savepoints,
// and arbitrates two-phase locks between them.
package transaction

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/wal"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // operations are being applied
	TxnStateAborting                          // rollback in progress; no new work accepted
	TxnStateCommitted                         // commit record written
	TxnStateAborted                           // rolled back and abort record written
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateAborting:
		return "aborting"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// IsolationLevel decides how long shared locks are held.
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("IsolationLevel(%d)", uint8(l))
}

// ParseIsolationLevel accepts the String forms, with '-' or ' ' for '_'.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "read_uncommitted":
		return ReadUncommitted, nil
	case "read_committed", "":
		return ReadCommitted, nil
	case "repeatable_read":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return ReadCommitted, fmt.Errorf("%w: unknown isolation level %q", dberror.ErrInvalidConfig, s)
}

// savepoint marks a position in the transaction's undo list.
type savepoint struct {
	name    string
	lsn     wal.LSN // last LSN when the savepoint was taken
	undoLen int
}

// Transaction represents an in-memory record of an active transaction.
type Transaction struct {
	ID        wal.TxnID
	Isolation IsolationLevel
	StartedAt time.Time

	mu         sync.Mutex
	state      TransactionState
	firstLSN   wal.LSN
	lastLSN    wal.LSN
	lastActive time.Time
	undo       []*wal.LogRecord // updates still to compensate on abort, oldest first
	savepoints []savepoint
	touched    map[pagemanager.PageID]struct{}
}

func newTransaction(id wal.TxnID, isolation IsolationLevel, beginLSN wal.LSN, now time.Time) *Transaction {
	return &Transaction{
		ID:         id,
		Isolation:  isolation,
		StartedAt:  now,
		state:      TxnStateActive,
		firstLSN:   beginLSN,
		lastLSN:    beginLSN,
		lastActive: now,
		touched:    make(map[pagemanager.PageID]struct{}),
	}
}

// State returns the transaction's current state.
func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastLSN returns the LSN of the newest record written for the transaction.
func (t *Transaction) LastLSN() wal.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

// TouchedPages returns the pages the transaction has modified.
func (t *Transaction) TouchedPages() []pagemanager.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]pagemanager.PageID, 0, len(t.touched))
	for id := range t.touched {
		out = append(out, id)
	}
	return out
}

// Savepoints returns the names of the live savepoints, oldest first.
func (t *Transaction) Savepoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.savepoints))
	for i, sp := range t.savepoints {
		out[i] = sp.name
	}
	return out
}

// activeLocked fails unless the transaction still accepts work. Caller holds mu.
func (t *Transaction) activeLocked() error {
	if t.state != TxnStateActive {
		return fmt.Errorf("%w: transaction %s is %s", dberror.ErrTxnInvalidState, t.ID, t.state)
	}
	return nil
}

func (t *Transaction) findSavepointLocked(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// TxnInfo is a snapshot of one transaction.
type TxnInfo struct {
	ID           wal.TxnID
	State        TransactionState
	Isolation    IsolationLevel
	FirstLSN     wal.LSN
	LastLSN      wal.LSN
	StartedAt    time.Time
	LastActive   time.Time
	PendingUndo  int
	Savepoints   int
	TouchedPages int
}

func (t *Transaction) info() TxnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TxnInfo{
		ID:           t.ID,
		State:        t.state,
		Isolation:    t.Isolation,
		FirstLSN:     t.firstLSN,
		LastLSN:      t.lastLSN,
		StartedAt:    t.StartedAt,
		LastActive:   t.lastActive,
		PendingUndo:  len(t.undo),
		Savepoints:   len(t.savepoints),
		TouchedPages: len(t.touched),
	}
}

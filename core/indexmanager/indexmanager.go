package indexmanager

import (
	"context"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/indexing/btree"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
)

// IndexManager interface defines the transactional operations on an index.
// Every call runs on behalf of txn: it takes the locks txn's isolation level
// asks for and logs page changes under txn.
type IndexManager interface {
	// Put inserts key, failing with ErrDuplicateKey when it exists.
	Put(ctx context.Context, txn *transaction.Transaction, key, value []byte) error
	// Upsert inserts or replaces key and reports whether it was new.
	Upsert(ctx context.Context, txn *transaction.Transaction, key, value []byte) (bool, error)
	Get(ctx context.Context, txn *transaction.Transaction, key []byte) ([]byte, bool, error)
	// Delete removes key, failing with ErrNotFound when it is absent.
	Delete(ctx context.Context, txn *transaction.Transaction, key []byte) error
	// GetRange returns up to limit entries with low <= key <= high. Nil bounds
	// are open; limit <= 0 means no limit.
	GetRange(ctx context.Context, txn *transaction.Transaction, low, high []byte, limit int) ([]btree.Entry, error)
	// Name returns the name of the index.
	Name() string
}

// Package dberror defines the error taxonomy shared by every storage layer.
package dberror

import (
	"errors"
	"fmt"
	"syscall"
)

// --- Error Definitions ---

var (
	// Integrity
	ErrCorruption      = errors.New("page corruption detected (checksum or magic mismatch)")
	ErrPageQuarantined = errors.New("page is quarantined after a failed integrity check")
	ErrLogCorrupted    = errors.New("write-ahead log is corrupted")

	// Capacity
	ErrPoolExhausted = errors.New("buffer pool is full and no frame can be evicted")
	ErrDiskFull      = errors.New("database file reached its size limit or the disk is full")

	// Logical
	ErrDuplicateKey      = errors.New("key already exists")
	ErrNotFound          = errors.New("key not found")
	ErrPinUnderflow      = errors.New("unpin called on a page that is not pinned")
	ErrPageNotFound      = errors.New("page does not exist")
	ErrInvalidPage       = errors.New("invalid page id or page data")
	ErrEntryTooLarge     = errors.New("key/value entry too large for a page")
	ErrTxnNotFound       = errors.New("transaction not found")
	ErrTxnInvalidState   = errors.New("transaction is in an invalid state for this operation")
	ErrSavepointNotFound = errors.New("savepoint not found")
	ErrLockTimeout       = errors.New("timed out waiting for lock")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrClosed            = errors.New("storage component is closed")
	ErrLocked            = errors.New("database file is locked by another process")

	// I/O
	ErrIO = errors.New("i/o error")
)

// PageError annotates a failure with the page and operation it happened on.
type PageError struct {
	PageID uint64
	Op     string
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.PageID, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// NewPageError wraps err for the given page id and operation.
func NewPageError(op string, pageID uint64, err error) error {
	return &PageError{PageID: pageID, Op: op, Err: err}
}

// IsIntegrity reports whether err is a checksum, magic, or log corruption failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrCorruption) || errors.Is(err, ErrPageQuarantined) || errors.Is(err, ErrLogCorrupted)
}

// IsCapacity reports whether err signals an exhausted resource the caller may retry after freeing.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrDiskFull)
}

// IsLogical reports whether err is a usage error that is always surfaced to the caller.
func IsLogical(err error) bool {
	switch {
	case errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPinUnderflow),
		errors.Is(err, ErrTxnNotFound),
		errors.Is(err, ErrTxnInvalidState),
		errors.Is(err, ErrSavepointNotFound):
		return true
	}
	return false
}

// IsTransient reports whether an OS-level error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY)
}

// IsNoSpace reports whether err came from a full device.
func IsNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

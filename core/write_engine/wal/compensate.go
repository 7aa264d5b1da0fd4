package wal

import (
	"fmt"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// PageApplier applies byte images to pages. The buffer pool implements it.
type PageApplier interface {
	// ApplyImage writes data at offset of page id and stamps lsn. Used by redo.
	ApplyImage(id pagemanager.PageID, offset int, data []byte, lsn LSN) error
	// ApplyLogged latches the page, marks it dirty from floor, obtains the LSN
	// from logFn and then writes data.
	ApplyLogged(id pagemanager.PageID, offset int, data []byte, floor LSN, logFn func() (LSN, error)) (LSN, error)
}

// Compensate undoes one update: it restores the before-image and logs a CLR
// whose UndoNextLSN skips past the undone record. prevLSN is the transaction's
// current last LSN. It returns the CLR's LSN.
func Compensate(lm *LogManager, pages PageApplier, txnID TxnID, prevLSN LSN, update *LogRecord) (LSN, error) {
	if update.Type != LogRecordTypeUpdate {
		return InvalidLSN, fmt.Errorf("cannot compensate a %s record", update.Type)
	}
	clr := &LogRecord{
		Type:        LogRecordTypeCLR,
		TxnID:       txnID,
		PrevLSN:     prevLSN,
		PageID:      update.PageID,
		Offset:      update.Offset,
		NewData:     update.OldData,
		UndoNextLSN: update.PrevLSN,
	}
	lsn, err := pages.ApplyLogged(update.PageID, int(update.Offset), update.OldData, lm.NextLSN(), func() (LSN, error) {
		return lm.Append(clr)
	})
	if err != nil {
		return InvalidLSN, fmt.Errorf("compensating LSN %d on page %d: %w", update.LSN, update.PageID, err)
	}
	return lsn, nil
}

package wal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// RecoveryStats summarizes one recovery run.
type RecoveryStats struct {
	CheckpointLSN  LSN
	ScanFromLSN    LSN
	RedoFromLSN    LSN
	RecordsScanned int
	RecordsRedone  int
	RecordsUndone  int
	Winners        int
	Losers         int
	Duration       time.Duration
}

// RecoveryManager restores a consistent state after a crash using the ARIES
// analysis, redo and undo passes.
type RecoveryManager struct {
	log     *LogManager
	pages   PageApplier
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewRecoveryManager wires recovery to the log and the page cache it repairs.
func NewRecoveryManager(lm *LogManager, pages PageApplier, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{log: lm, pages: pages, logger: logger.Named("recovery"), metrics: internaltelemetry.OrNop(metrics)}
}

type txnEntry struct {
	firstLSN LSN
	lastLSN  LSN
}

// Recover runs analysis, redo and undo. Afterwards every committed change is
// in the pages, every uncommitted one is rolled back, and the CLRs and abort
// records written on the way are durable. Running it again is harmless.
func (r *RecoveryManager) Recover(ctx context.Context) (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	records, err := r.log.ReadAll()
	if err != nil {
		return stats, fmt.Errorf("reading log for recovery: %w", err)
	}
	stats.RecordsScanned = len(records)
	byLSN := make(map[LSN]*LogRecord, len(records))
	for _, rec := range records {
		byLSN[rec.LSN] = rec
	}

	// --- Analysis ---
	att := make(map[TxnID]*txnEntry)
	dpt := make(map[pagemanager.PageID]LSN)

	ckpt, err := r.findCheckpoint(records, byLSN)
	if err != nil {
		return stats, err
	}
	if ckpt != nil {
		stats.CheckpointLSN = ckpt.LSN
		stats.ScanFromLSN = ckpt.ScanFromLSN
		for _, e := range ckpt.ActiveTxns {
			att[e.TxnID] = &txnEntry{firstLSN: e.FirstLSN, lastLSN: e.LastLSN}
		}
		for _, e := range ckpt.DirtyPages {
			dpt[e.PageID] = e.RecLSN
		}
	}

	for _, rec := range records {
		if rec.LSN < stats.ScanFromLSN {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if rec.HasTxn() {
			entry, ok := att[rec.TxnID]
			if !ok {
				entry = &txnEntry{firstLSN: rec.LSN}
				att[rec.TxnID] = entry
			}
			if rec.LSN > entry.lastLSN {
				entry.lastLSN = rec.LSN
			}
			switch rec.Type {
			case LogRecordTypeCommit:
				delete(att, rec.TxnID)
				stats.Winners++
			case LogRecordTypeAbort:
				delete(att, rec.TxnID)
			}
		}
		if rec.Type == LogRecordTypeUpdate || rec.Type == LogRecordTypeCLR {
			if _, ok := dpt[rec.PageID]; !ok {
				dpt[rec.PageID] = rec.LSN
			}
		}
	}
	stats.Losers = len(att)

	// --- Redo ---
	// Without a persisted pageLSN, history is repeated from the oldest recLSN.
	// Applying physical after-images in LSN order is idempotent.
	if len(dpt) > 0 {
		stats.RedoFromLSN = LSN(^uint64(0))
		for _, rec := range dpt {
			if rec < stats.RedoFromLSN {
				stats.RedoFromLSN = rec
			}
		}
		for _, rec := range records {
			if rec.LSN < stats.RedoFromLSN || (rec.Type != LogRecordTypeUpdate && rec.Type != LogRecordTypeCLR) {
				continue
			}
			recLSN, dirty := dpt[rec.PageID]
			if !dirty || rec.LSN < recLSN {
				continue
			}
			if err := r.pages.ApplyImage(rec.PageID, int(rec.Offset), rec.NewData, rec.LSN); err != nil {
				return stats, fmt.Errorf("redo of LSN %d on page %d: %w", rec.LSN, rec.PageID, err)
			}
			stats.RecordsRedone++
		}
	}

	// --- Undo ---
	undone, err := r.undoLosers(ctx, att, byLSN)
	stats.RecordsUndone = undone
	if err != nil {
		return stats, err
	}
	if err := r.log.Sync(); err != nil {
		return stats, fmt.Errorf("syncing log after recovery: %w", err)
	}

	stats.Duration = time.Since(start)
	r.metrics.RecoveryDuration.Record(ctx, stats.Duration.Milliseconds())
	r.logger.Info("recovery complete",
		zap.Uint64("checkpoint_lsn", uint64(stats.CheckpointLSN)),
		zap.Uint64("redo_from_lsn", uint64(stats.RedoFromLSN)),
		zap.Int("scanned", stats.RecordsScanned),
		zap.Int("redone", stats.RecordsRedone),
		zap.Int("undone", stats.RecordsUndone),
		zap.Int("winners", stats.Winners),
		zap.Int("losers", stats.Losers),
		zap.Duration("took", stats.Duration))
	return stats, nil
}

// findCheckpoint returns the begin record of the last complete checkpoint:
// the one named by the master record, or failing that the newest begin
// record that has a matching end record.
func (r *RecoveryManager) findCheckpoint(records []*LogRecord, byLSN map[LSN]*LogRecord) (*LogRecord, error) {
	master, err := r.log.ReadMaster()
	if err != nil {
		return nil, err
	}
	if rec, ok := byLSN[master]; ok && rec.Type == LogRecordTypeCheckpointBegin {
		return rec, nil
	}
	if master != InvalidLSN {
		r.logger.Warn("master record points outside the live log; searching for a checkpoint", zap.Uint64("master_lsn", uint64(master)))
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type != LogRecordTypeCheckpointEnd {
			continue
		}
		if begin, ok := byLSN[records[i].CheckpointBeginLSN]; ok && begin.Type == LogRecordTypeCheckpointBegin {
			return begin, nil
		}
	}
	return nil, nil
}

// undoLosers rolls back loser transactions, always undoing the highest
// outstanding LSN first, and ends each with an abort record.
func (r *RecoveryManager) undoLosers(ctx context.Context, att map[TxnID]*txnEntry, byLSN map[LSN]*LogRecord) (int, error) {
	type loser struct {
		id      TxnID
		next    LSN // next record to examine
		lastLSN LSN // last record written for the txn, CLRs included
	}
	losers := make([]*loser, 0, len(att))
	for id, e := range att {
		losers = append(losers, &loser{id: id, next: e.lastLSN, lastLSN: e.lastLSN})
	}

	undone := 0
	for len(losers) > 0 {
		if err := ctx.Err(); err != nil {
			return undone, err
		}
		sort.Slice(losers, func(i, j int) bool { return losers[i].next > losers[j].next })
		l := losers[0]

		rec, ok := byLSN[l.next]
		next := InvalidLSN
		if ok {
			switch rec.Type {
			case LogRecordTypeUpdate:
				clrLSN, err := Compensate(r.log, r.pages, l.id, l.lastLSN, rec)
				if err != nil {
					return undone, err
				}
				l.lastLSN = clrLSN
				undone++
				next = rec.PrevLSN
			case LogRecordTypeCLR:
				next = rec.UndoNextLSN
			case LogRecordTypeBegin:
				next = InvalidLSN
			default:
				next = rec.PrevLSN
			}
		}
		if next != InvalidLSN {
			l.next = next
			continue
		}

		if _, err := r.log.Append(&LogRecord{Type: LogRecordTypeAbort, TxnID: l.id, PrevLSN: l.lastLSN}); err != nil {
			return undone, fmt.Errorf("writing abort for loser %s: %w", l.id, err)
		}
		r.logger.Info("rolled back loser transaction", zap.Stringer("txn_id", l.id))
		losers = losers[1:]
	}
	return undone, nil
}

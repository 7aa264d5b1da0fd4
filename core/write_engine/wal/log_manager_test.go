package wal

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/common"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, mutate func(*Options)) (*LogManager, Options) {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.FlushInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	lm, err := NewLogManager(opts, zap.NewNop(), nil)
	require.NoError(t, err)
	return lm, opts
}

func reopen(t *testing.T, opts Options) *LogManager {
	t.Helper()
	lm, err := NewLogManager(opts, zap.NewNop(), nil)
	require.NoError(t, err)
	return lm
}

// newTestUpdate creates a sample update record for writing to the WAL.
func newTestUpdate(txn TxnID, page pagemanager.PageID, before, after string) *LogRecord {
	return &LogRecord{
		Type:    LogRecordTypeUpdate,
		TxnID:   txn,
		PageID:  page,
		Offset:  16,
		OldData: []byte(before),
		NewData: []byte(after),
	}
}

func lastSegment(t *testing.T, dir string) string {
	t.Helper()
	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	return segs[len(segs)-1].path
}

// --- Test Cases ---

func TestAppendAssignsIncreasingLSNs(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	defer lm.Close()

	require.Equal(t, LSN(1), lm.NextLSN())
	for want := LSN(1); want <= 5; want++ {
		lsn, err := lm.Append(&LogRecord{Type: LogRecordTypeBegin, TxnID: uuid.New()})
		require.NoError(t, err)
		require.Equal(t, want, lsn)
	}
	require.Equal(t, LSN(6), lm.NextLSN())
}

func TestRecordRoundTripThroughSegments(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	defer lm.Close()
	txn := uuid.New()

	written := []*LogRecord{
		{Type: LogRecordTypeBegin, TxnID: txn, Isolation: 2},
		newTestUpdate(txn, 10, "AAAA", "BBBB"),
		{Type: LogRecordTypeCLR, TxnID: txn, PageID: 10, Offset: 16, NewData: []byte("AAAA"), UndoNextLSN: 1},
		{Type: LogRecordTypeCheckpointBegin, ScanFromLSN: 2,
			ActiveTxns: []ActiveTxnEntry{{TxnID: txn, FirstLSN: 1, LastLSN: 3}},
			DirtyPages: []DirtyPageEntry{{PageID: 10, RecLSN: 2}}},
		{Type: LogRecordTypeCheckpointEnd, CheckpointBeginLSN: 4},
		{Type: LogRecordTypeAbort, TxnID: txn},
	}
	for i, rec := range written {
		if i > 0 && rec.HasTxn() {
			rec.PrevLSN = written[i-1].LSN
		}
		_, err := lm.Append(rec)
		require.NoError(t, err)
	}

	got, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, len(written))
	for i := range written {
		require.Equal(t, written[i], got[i], "record %d", i)
	}
}

func TestReopenContinuesAfterLastLSN(t *testing.T) {
	lm, opts := setupLogManager(t, nil)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "a", "b"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	lm = reopen(t, opts)
	defer lm.Close()
	require.Equal(t, LSN(4), lm.NextLSN())
	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestTornTailIsTruncated(t *testing.T) {
	lm, opts := setupLogManager(t, nil)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "before", "after"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	seg := lastSegment(t, opts.Dir)
	info, err := os.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(seg, info.Size()-5))

	lm = reopen(t, opts)
	defer lm.Close()
	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, LSN(3), lm.NextLSN())

	lsn, err := lm.Append(newTestUpdate(uuid.New(), 1, "x", "y"))
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)
	records, err = lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestBadChecksumOnLastFrameIsTruncated(t *testing.T) {
	lm, opts := setupLogManager(t, nil)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "before", "after"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	seg := lastSegment(t, opts.Dir)
	info, err := os.Stat(seg)
	require.NoError(t, err)
	f, err := os.OpenFile(seg, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm = reopen(t, opts)
	defer lm.Close()
	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestBadChecksumBeforeIntactFramesIsFatal(t *testing.T) {
	lm, opts := setupLogManager(t, nil)
	for i := 0; i < 3; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "before", "after"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	seg := lastSegment(t, opts.Dir)
	info, err := os.Stat(seg)
	require.NoError(t, err)
	f, err := os.OpenFile(seg, os.O_RDWR, 0)
	require.NoError(t, err)
	// inside the LSN of the first frame
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, frameHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = NewLogManager(opts, zap.NewNop(), nil)
	require.ErrorIs(t, err, dberror.ErrLogCorrupted)

	after, err := os.Stat(seg)
	require.NoError(t, err)
	require.Equal(t, info.Size(), after.Size(), "committed records after the damage must not be cut off")
}

func TestCorruptionInOlderSegmentIsFatal(t *testing.T) {
	lm, opts := setupLogManager(t, func(o *Options) { o.SegmentSize = 256 })
	for i := 0; i < 20; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "before-image", "after-image"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	segs, err := listSegments(opts.Dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 2)

	f, err := os.OpenFile(segs[0].path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, 30)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = NewLogManager(opts, zap.NewNop(), nil)
	require.ErrorIs(t, err, dberror.ErrLogCorrupted)
}

func TestArchiveBeforeRetiresOldSegments(t *testing.T) {
	archiveDir := filepath.Join(t.TempDir(), "archive")
	lm, opts := setupLogManager(t, func(o *Options) {
		o.SegmentSize = 256
		o.ArchiveDir = archiveDir
		o.ArchiveCompress = true
	})
	defer lm.Close()

	var last LSN
	for i := 0; i < 30; i++ {
		lsn, err := lm.Append(newTestUpdate(uuid.New(), 1, "before-image", "after-image"))
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, lm.FlushTo(last))
	before := lm.Stats().Segments
	require.Greater(t, before, 3)

	retired, err := lm.ArchiveBefore(context.Background(), last+1)
	require.NoError(t, err)
	require.Equal(t, before-opts.MinSegments, retired)
	require.Equal(t, opts.MinSegments, lm.Stats().Segments)

	archived, err := filepath.Glob(filepath.Join(archiveDir, "log_*.log"+ArchiveSuffix))
	require.NoError(t, err)
	require.Len(t, archived, retired)
	for _, path := range archived {
		require.NoError(t, common.VerifyCopy(path, true))
	}

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, last, records[len(records)-1].LSN)
}

func TestArchiveKeepsSegmentsStillNeeded(t *testing.T) {
	lm, _ := setupLogManager(t, func(o *Options) { o.SegmentSize = 256 })
	defer lm.Close()
	for i := 0; i < 30; i++ {
		_, err := lm.Append(newTestUpdate(uuid.New(), 1, "before-image", "after-image"))
		require.NoError(t, err)
	}
	retired, err := lm.ArchiveBefore(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, retired)

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 30)
}

func TestConcurrentAppendAndFlushTo(t *testing.T) {
	lm, _ := setupLogManager(t, func(o *Options) { o.SegmentSize = 4096 })
	defer lm.Close()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				lsn, err := lm.Append(newTestUpdate(uuid.New(), 3, "old", "new"))
				if err == nil {
					err = lm.FlushTo(lsn)
				}
				if err == nil && lm.DurableLSN() < lsn {
					t.Errorf("durable LSN %d behind flushed record %d", lm.DurableLSN(), lsn)
				}
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, workers*perWorker)
	require.True(t, sort.SliceIsSorted(records, func(i, j int) bool { return records[i].LSN < records[j].LSN }))
	for i, rec := range records {
		require.Equal(t, LSN(i+1), rec.LSN)
	}
}

func TestSyncAlwaysMakesEachAppendDurable(t *testing.T) {
	lm, _ := setupLogManager(t, func(o *Options) { o.SyncMode = pagemanager.SyncAlways })
	defer lm.Close()
	lsn, err := lm.Append(newTestUpdate(uuid.New(), 1, "a", "b"))
	require.NoError(t, err)
	require.Equal(t, lsn, lm.DurableLSN())
}

func TestMasterRecord(t *testing.T) {
	lm, opts := setupLogManager(t, nil)
	defer lm.Close()

	lsn, err := lm.ReadMaster()
	require.NoError(t, err)
	require.Equal(t, InvalidLSN, lsn)

	require.NoError(t, lm.WriteMaster(42))
	lsn, err = lm.ReadMaster()
	require.NoError(t, err)
	require.Equal(t, LSN(42), lsn)

	require.NoError(t, os.WriteFile(filepath.Join(opts.Dir, MasterFileName), []byte("garbage"), 0o644))
	_, err = lm.ReadMaster()
	require.ErrorIs(t, err, dberror.ErrLogCorrupted)
}

func TestAppendAfterCloseFails(t *testing.T) {
	lm, _ := setupLogManager(t, nil)
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())
	_, err := lm.Append(&LogRecord{Type: LogRecordTypeCommit, TxnID: uuid.New()})
	require.ErrorIs(t, err, dberror.ErrClosed)
}

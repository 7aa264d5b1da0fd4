package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.PageSize = 1024
	cfg.BufferPoolFrames = 64
	cfg.CheckpointInterval = 0
	cfg.TxnIdleTimeout = 0
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.WALFlushInterval = 5 * time.Millisecond
	cfg.LockTimeout = 50 * time.Millisecond
	cfg.BTreeOrder = 16
	return cfg
}

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// crash stops the engine without writing back the buffer pool, leaving the
// database file as a process crash would.
func crash(t *testing.T, e *Engine) {
	t.Helper()
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopMaint)
		e.wg.Wait()
		e.flusher.Stop()
		e.checkpointer.Stop()
		require.NoError(t, e.log.Close())
		require.NoError(t, e.pager.Close())
	})
}

func scanKeys(t *testing.T, e *Engine, low, high []byte) []string {
	t.Helper()
	entries, err := e.Scan(context.Background(), nil, low, high, 0)
	require.NoError(t, err)
	keys := make([]string, len(entries))
	for i, en := range entries {
		keys[i] = string(en.Key)
	}
	return keys
}

// --- Test Cases ---

func TestInsertSearchAndScanAtOrderFour(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.BTreeOrder = 4
	e := openEngine(t, cfg)
	ctx := context.Background()

	for _, k := range []string{"5", "3", "8", "1", "9", "2", "7"} {
		require.NoError(t, e.Put(ctx, nil, []byte(k), []byte("v"+k)))
	}
	v, found, err := e.Get(ctx, nil, []byte("8"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v8"), v)

	require.Equal(t, []string{"2", "3", "5", "7", "8"}, scanKeys(t, e, []byte("2"), []byte("8")))
	require.Empty(t, scanKeys(t, e, []byte("8"), []byte("2")))

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TreeHeight)
	require.Equal(t, 4, stats.TreeOrder)
	require.NoError(t, e.Verify())

	keys, err := e.KeyStats()
	require.NoError(t, err)
	require.Equal(t, 7, keys.Keys)
	require.Equal(t, 7, keys.KeyBytes)
	require.GreaterOrEqual(t, keys.Leaves, 2)
}

func TestSingleOperationFailureIsRolledBack(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, nil, []byte("k"), []byte("1")))
	require.ErrorIs(t, e.Put(ctx, nil, []byte("k"), []byte("2")), dberror.ErrDuplicateKey)
	require.ErrorIs(t, e.Remove(ctx, nil, []byte("missing")), dberror.ErrNotFound)

	inserted, err := e.Upsert(ctx, nil, []byte("k"), []byte("3"))
	require.NoError(t, err)
	require.False(t, inserted)
	v, _, err := e.Get(ctx, nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Txn.Aborted)
	require.Zero(t, stats.Txn.Active)
}

func TestFailedSplitInsideTransactionIsUndone(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.BTreeOrder = 4
	// header, meta and root leaf, plus one page: a leaf split gets its right
	// sibling and then fails to allocate the new root
	cfg.MaxFileSize = 4 * int64(cfg.PageSize)
	e := openEngine(t, cfg)
	ctx := context.Background()

	for _, k := range []string{"1", "2", "3"} {
		require.NoError(t, e.Put(ctx, nil, []byte(k), []byte("v"+k)))
	}

	txn, err := e.BeginTxn(transaction.ReadCommitted)
	require.NoError(t, err)
	require.ErrorIs(t, e.Put(ctx, txn, []byte("4"), []byte("v4")), dberror.ErrDiskFull)
	require.Equal(t, transaction.TxnStateActive, txn.State())
	inserted, err := e.Upsert(ctx, txn, []byte("2"), []byte("w2"))
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, e.Commit(txn))

	check := func(e *Engine) {
		for _, k := range []string{"1", "2", "3"} {
			_, found, err := e.Get(ctx, nil, []byte(k))
			require.NoError(t, err)
			require.True(t, found, "key %s", k)
		}
		v, _, err := e.Get(ctx, nil, []byte("2"))
		require.NoError(t, err)
		require.Equal(t, []byte("w2"), v)
		_, found, err := e.Get(ctx, nil, []byte("4"))
		require.NoError(t, err)
		require.False(t, found)
		require.Equal(t, []string{"1", "2", "3"}, scanKeys(t, e, nil, nil))
		require.NoError(t, e.Verify())
	}
	check(e)

	crash(t, e)
	check(openEngine(t, cfg))
}

func TestEngineLogsCarryStoreAndComponent(t *testing.T) {
	cfg := testConfig(t.TempDir())
	core, logs := observer.New(zap.InfoLevel)
	e, err := Open(context.Background(), cfg, Options{Logger: zap.New(core)})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	opened := logs.FilterMessage("storage engine opened").All()
	require.Len(t, opened, 1)
	fields := opened[0].ContextMap()
	require.Equal(t, "engine", fields["component"])
	require.Equal(t, cfg.DataDir, fields["data_dir"])
	require.Equal(t, "engine", opened[0].LoggerName)

	for _, entry := range logs.All() {
		require.Equal(t, cfg.DataDir, entry.ContextMap()["data_dir"], "%s: %s", entry.LoggerName, entry.Message)
	}
}

func TestReopenKeepsCommittedData(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	txn, err := e.BeginTxn(transaction.ReadCommitted)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err := e.Upsert(ctx, txn, []byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	require.NoError(t, e.Commit(txn))
	require.NoError(t, e.Remove(ctx, nil, []byte("key-0000")))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	rec := e.LastRecovery()
	require.Zero(t, rec.Losers)
	require.Zero(t, rec.RecordsRedone, "a clean close leaves nothing to redo")

	keys := scanKeys(t, e, nil, nil)
	require.Len(t, keys, 499)
	require.Equal(t, "key-0001", keys[0])
	require.Equal(t, "key-0499", keys[498])
	require.NoError(t, e.Verify())
}

func TestCrashKeepsCommittedAndRollsBackUncommitted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e := openEngine(t, cfg)
	ctx := context.Background()

	committed, err := e.BeginTxn(transaction.ReadCommitted)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, e.Put(ctx, committed, []byte(fmt.Sprintf("a-%04d", i)), []byte("committed")))
	}
	require.NoError(t, e.Commit(committed))

	loser, err := e.BeginTxn(transaction.ReadCommitted)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, e.Put(ctx, loser, []byte(fmt.Sprintf("b-%04d", i)), []byte("lost")))
	}
	require.NoError(t, e.Remove(ctx, loser, []byte("a-0007")))
	// uncommitted pages reach the file before the crash
	require.NoError(t, e.pool.FlushAllPages())
	crash(t, e)

	e = openEngine(t, cfg)
	rec := e.LastRecovery()
	require.Equal(t, 1, rec.Losers)
	require.Positive(t, rec.RecordsUndone)

	keys := scanKeys(t, e, nil, nil)
	require.Len(t, keys, 200)
	require.Equal(t, "a-0000", keys[0])
	require.Equal(t, "a-0199", keys[199])
	_, found, err := e.Get(ctx, nil, []byte("a-0007"))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, e.Verify())

	// recovery logged the rollback; a second crash changes nothing
	crash(t, e)
	e = openEngine(t, cfg)
	require.Zero(t, e.LastRecovery().Losers)
	require.Len(t, scanKeys(t, e, nil, nil), 200)
}

func TestSavepointsThroughEngine(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()

	txn, err := e.BeginTxn(transaction.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, txn, []byte("a"), []byte("1")))
	require.NoError(t, e.Savepoint(txn, "sp"))
	require.NoError(t, e.Put(ctx, txn, []byte("b"), []byte("2")))
	require.NoError(t, e.Remove(ctx, txn, []byte("a")))

	require.NoError(t, e.RollbackToSavepoint(txn, "sp"))
	require.Equal(t, []string{"a"}, func() []string {
		entries, err := e.Scan(ctx, txn, nil, nil, 0)
		require.NoError(t, err)
		var keys []string
		for _, en := range entries {
			keys = append(keys, string(en.Key))
		}
		return keys
	}())
	require.NoError(t, e.ReleaseSavepoint(txn, "sp"))
	require.ErrorIs(t, e.RollbackToSavepoint(txn, "sp"), dberror.ErrSavepointNotFound)
	require.NoError(t, e.Commit(txn))

	require.Equal(t, []string{"a"}, scanKeys(t, e, nil, nil))
}

func TestIdleTransactionIsAborted(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.TxnIdleTimeout = 30 * time.Millisecond
	e := openEngine(t, cfg)
	ctx := context.Background()

	txn, err := e.BeginTxn(transaction.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, txn, []byte("idle"), []byte("v")))

	require.Eventually(t, func() bool {
		return txn.State() == transaction.TxnStateAborted
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, e.Put(ctx, txn, []byte("more"), []byte("v")), dberror.ErrTxnInvalidState)
	_, found, err := e.Get(ctx, nil, []byte("idle"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestCheckpointAndStats(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()
	first, err := e.Stats()
	require.NoError(t, err)
	require.NotZero(t, first.LastCheckpoint, "open takes a checkpoint")

	require.NoError(t, e.Put(ctx, nil, []byte("k"), []byte("v")))
	lsn, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.Greater(t, lsn, first.LastCheckpoint)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, lsn, stats.LastCheckpoint)
	require.Equal(t, uint64(1), stats.Txn.Committed)
	require.Equal(t, 64, stats.BufferPool.Frames)
	require.Equal(t, 1024, stats.Pager.PageSize)
	require.GreaterOrEqual(t, stats.WAL.DurableLSN, lsn)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Put(context.Background(), nil, []byte("k"), []byte("v")), dberror.ErrClosed)
	_, err := e.BeginTxn(transaction.Serializable)
	require.ErrorIs(t, err, dberror.ErrClosed)
	_, err = e.Stats()
	require.ErrorIs(t, err, dberror.ErrClosed)
}

func TestSecondOpenOfSameDirectoryFails(t *testing.T) {
	cfg := testConfig(t.TempDir())
	openEngine(t, cfg)
	_, err := Open(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, dberror.ErrLocked)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nqstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: data
page_size: 8192
eviction_policy: clock
wal_sync_mode: always
lock_timeout: 250ms
checkpoint_interval: 30s
archive_compress: true
logger:
  level: debug
telemetry:
  enabled: false
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	require.Equal(t, 8192, cfg.PageSize)
	require.Equal(t, "clock", cfg.EvictionPolicy)
	require.Equal(t, "always", cfg.WALSyncMode)
	require.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	require.True(t, cfg.ArchiveCompress)
	require.Equal(t, "debug", cfg.Logger.Level)
	// untouched options keep their defaults
	require.Equal(t, DefaultConfig("").BufferPoolFrames, cfg.BufferPoolFrames)

	require.NoError(t, os.WriteFile(path, []byte("data_dir: x\npage_sise: 4096\n"), 0o644))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, dberror.ErrInvalidConfig)
}

func TestValidateRejectsBadOptions(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.EvictionPolicy = "mru"
	bad.WALSyncMode = "sometimes"
	bad.PageSize = 100
	err := bad.Validate()
	require.ErrorIs(t, err, dberror.ErrInvalidConfig)
	require.Contains(t, err.Error(), "eviction_policy")
	require.Contains(t, err.Error(), "wal_sync_mode")
	require.Contains(t, err.Error(), "page_size")

	_, err = Open(context.Background(), bad, Options{})
	require.ErrorIs(t, err, dberror.ErrInvalidConfig)
}

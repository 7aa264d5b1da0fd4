package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/engine"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := engine.DefaultConfig(t.TempDir())
	cfg.PageSize = 1024
	cfg.BufferPoolFrames = 32
	cfg.CheckpointInterval = 0
	cfg.TxnIdleTimeout = 0
	cfg.LockTimeout = 50 * time.Millisecond
	eng, err := engine.Open(context.Background(), cfg, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	var out bytes.Buffer
	return newShell(eng, &out), &out
}

func run(t *testing.T, sh *shell, line string) error {
	t.Helper()
	quit, err := sh.exec(context.Background(), line)
	require.False(t, quit)
	return err
}

func TestShellAutocommit(t *testing.T) {
	sh, out := newTestShell(t)
	require.NoError(t, run(t, sh, "PUT a 1"))
	require.NoError(t, run(t, sh, "upsert b 2"))
	require.ErrorIs(t, run(t, sh, "PUT a 3"), dberror.ErrDuplicateKey)

	out.Reset()
	require.NoError(t, run(t, sh, "GET a"))
	require.Equal(t, "1\n", out.String())

	out.Reset()
	require.NoError(t, run(t, sh, "SCAN - - 0"))
	require.Equal(t, "a\t1\nb\t2\n(2 entries)\n", out.String())

	require.NoError(t, run(t, sh, "DEL a"))
	out.Reset()
	require.NoError(t, run(t, sh, "GET a"))
	require.Equal(t, "(not found)\n", out.String())
}

func TestShellTransactionAndSavepoints(t *testing.T) {
	sh, out := newTestShell(t)
	require.Error(t, run(t, sh, "COMMIT"))

	require.NoError(t, run(t, sh, "BEGIN repeatable read"))
	require.NotNil(t, sh.txn)
	require.Contains(t, sh.prompt(), sh.txn.ID.String()[:8])
	require.Error(t, run(t, sh, "BEGIN"))

	require.NoError(t, run(t, sh, "PUT k1 v1"))
	require.NoError(t, run(t, sh, "SAVEPOINT s1"))
	require.NoError(t, run(t, sh, "PUT k2 v2"))
	require.NoError(t, run(t, sh, "ROLLBACK TO s1"))
	require.NoError(t, run(t, sh, "COMMIT"))
	require.Nil(t, sh.txn)

	out.Reset()
	require.NoError(t, run(t, sh, "SCAN"))
	require.Equal(t, "k1\tv1\n(1 entries)\n", out.String())

	require.NoError(t, run(t, sh, "BEGIN"))
	require.NoError(t, run(t, sh, "PUT k3 v3"))
	require.NoError(t, run(t, sh, "ABORT"))
	out.Reset()
	require.NoError(t, run(t, sh, "GET k3"))
	require.Equal(t, "(not found)\n", out.String())
}

func TestShellRejectsBadInput(t *testing.T) {
	sh, _ := newTestShell(t)
	require.Error(t, run(t, sh, "FROB"))
	require.Error(t, run(t, sh, "PUT onlykey"))
	require.Error(t, run(t, sh, "SCAN a b notanumber"))
	require.ErrorIs(t, run(t, sh, "BEGIN sometimes"), dberror.ErrInvalidConfig)
	require.Error(t, run(t, sh, "SAVEPOINT s1"))
	require.NoError(t, run(t, sh, ""))

	quit, err := sh.exec(context.Background(), "exit")
	require.NoError(t, err)
	require.True(t, quit)
}

package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

func newTestLockManager(timeout time.Duration) *LockManager {
	return NewLockManager(timeout, zap.NewNop(), nil)
}

func TestSharedLocksAreCompatible(t *testing.T) {
	lm := newTestLockManager(50 * time.Millisecond)
	ctx := context.Background()
	res := RowResource("idx", []byte("a"))
	t1, t2 := uuid.New(), uuid.New()

	require.NoError(t, lm.Acquire(ctx, t1, res, LockShared))
	require.NoError(t, lm.Acquire(ctx, t2, res, LockShared))
	require.Len(t, lm.Holders(res), 2)
	require.Equal(t, LockShared, lm.Mode(t1, res))
}

func TestExclusiveLockTimesOut(t *testing.T) {
	lm := newTestLockManager(30 * time.Millisecond)
	ctx := context.Background()
	res := RowResource("idx", []byte("a"))
	t1, t2 := uuid.New(), uuid.New()

	require.NoError(t, lm.Acquire(ctx, t1, res, LockExclusive))
	err := lm.Acquire(ctx, t2, res, LockShared)
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.Equal(t, LockNone, lm.Mode(t2, res))

	err = lm.Acquire(ctx, t2, res, LockExclusive)
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.Equal(t, map[uuid.UUID]LockMode{t1: LockExclusive}, lm.Holders(res))
}

func TestWaiterIsGrantedOnRelease(t *testing.T) {
	lm := newTestLockManager(0)
	ctx := context.Background()
	res := IndexResource("idx")
	t1, t2 := uuid.New(), uuid.New()
	require.NoError(t, lm.Acquire(ctx, t1, res, LockExclusive))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(ctx, t2, res, LockExclusive) }()

	select {
	case err := <-done:
		t.Fatalf("acquired while held: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.Equal(t, 1, lm.ReleaseAll(t1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	require.Equal(t, LockExclusive, lm.Mode(t2, res))
}

func TestLockWaitHonoursContext(t *testing.T) {
	lm := newTestLockManager(0)
	res := TableResource("t")
	t1, t2 := uuid.New(), uuid.New()
	require.NoError(t, lm.Acquire(context.Background(), t1, res, LockExclusive))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lm.Acquire(ctx, t2, res, LockShared)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestSoleSharedHolderUpgrades(t *testing.T) {
	lm := newTestLockManager(30 * time.Millisecond)
	ctx := context.Background()
	res := RowResource("idx", []byte("k"))
	t1, t2 := uuid.New(), uuid.New()

	require.NoError(t, lm.Acquire(ctx, t1, res, LockShared))
	require.NoError(t, lm.Acquire(ctx, t1, res, LockExclusive))
	require.Equal(t, LockExclusive, lm.Mode(t1, res))
	// asking for less than is held is a no-op
	require.NoError(t, lm.Acquire(ctx, t1, res, LockShared))
	require.Equal(t, LockExclusive, lm.Mode(t1, res))

	lm.Release(t1, res)
	require.NoError(t, lm.Acquire(ctx, t1, res, LockShared))
	require.NoError(t, lm.Acquire(ctx, t2, res, LockShared))
	require.ErrorIs(t, lm.Acquire(ctx, t1, res, LockExclusive), dberror.ErrLockTimeout)
	require.Equal(t, LockShared, lm.Mode(t1, res))
}

func TestQueuedExclusiveBlocksNewReaders(t *testing.T) {
	lm := newTestLockManager(0)
	ctx := context.Background()
	res := RowResource("idx", []byte("k"))
	reader, writer, late := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, lm.Acquire(ctx, reader, res, LockShared))

	wrote := make(chan error, 1)
	go func() { wrote <- lm.Acquire(ctx, writer, res, LockExclusive) }()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		st := lm.locks[res]
		return st != nil && st.waitingExclusive == 1
	}, time.Second, time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, lm.Acquire(shortCtx, late, res, LockShared))

	require.True(t, lm.Release(reader, res))
	require.NoError(t, <-wrote)
	require.False(t, lm.Release(reader, res))
	require.Equal(t, 1, lm.HeldBy(writer))
}

func TestReleaseAllDropsEveryLock(t *testing.T) {
	lm := newTestLockManager(0)
	ctx := context.Background()
	txn := uuid.New()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, lm.Acquire(ctx, txn, RowResource("idx", []byte(k)), LockExclusive))
	}
	require.NoError(t, lm.Acquire(ctx, txn, IndexResource("idx"), LockShared))
	require.Equal(t, 4, lm.HeldBy(txn))
	require.Equal(t, 4, lm.ReleaseAll(txn))
	require.Zero(t, lm.HeldBy(txn))
	require.Empty(t, lm.locks)
}

func TestReleaseAllFailsPendingWaits(t *testing.T) {
	lm := newTestLockManager(0)
	ctx := context.Background()
	res := IndexResource("idx")
	t1, t2 := uuid.New(), uuid.New()
	require.NoError(t, lm.Acquire(ctx, t1, res, LockExclusive))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(ctx, t2, res, LockExclusive) }()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		return lm.waiting[t2] != nil
	}, time.Second, time.Millisecond)

	require.Zero(t, lm.ReleaseAll(t2))
	select {
	case err := <-done:
		require.ErrorIs(t, err, dberror.ErrTxnInvalidState)
	case <-time.After(2 * time.Second):
		t.Fatal("wait of a finished transaction was not stopped")
	}

	require.Equal(t, 1, lm.ReleaseAll(t1))
	require.Equal(t, LockNone, lm.Mode(t2, res))
	lm.mu.Lock()
	defer lm.mu.Unlock()
	require.Empty(t, lm.locks)
	require.Empty(t, lm.waiting)
}

package dberror

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageErrorUnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("fetch failed: %w", NewPageError("read", 42, ErrCorruption))

	require.ErrorIs(t, err, ErrCorruption)
	require.True(t, IsIntegrity(err))
	require.False(t, IsCapacity(err))
	require.Contains(t, err.Error(), "read page 42")

	var pe *PageError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, uint64(42), pe.PageID)
}

func TestClassification(t *testing.T) {
	require.True(t, IsCapacity(fmt.Errorf("x: %w", ErrPoolExhausted)))
	require.True(t, IsCapacity(ErrDiskFull))
	require.True(t, IsLogical(ErrDuplicateKey))
	require.True(t, IsLogical(fmt.Errorf("wrap: %w", ErrPinUnderflow)))
	require.False(t, IsLogical(ErrIO))

	require.True(t, IsTransient(fmt.Errorf("write: %w", syscall.EINTR)))
	require.False(t, IsTransient(syscall.ENOSPC))
	require.True(t, IsNoSpace(fmt.Errorf("write: %w", syscall.ENOSPC)))
}

//go:build unix

package pagemanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

func TestPagerRejectsSecondOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	p := openTestPager(t, path, Options{})

	_, err := Open(path, Options{PageSize: testPageSize}, zap.NewNop(), nil)
	require.ErrorIs(t, err, dberror.ErrLocked)

	require.NoError(t, p.Close())
	p2, err := Open(path, Options{PageSize: testPageSize}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, p2.Close())
}

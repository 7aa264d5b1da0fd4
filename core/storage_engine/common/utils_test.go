package common

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

func writeSource(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("log segment bytes "), 4096)
	path := filepath.Join(dir, "src.log")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestCopyThrottledCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src, data := writeSource(t, dir)
	dst := filepath.Join(dir, "archive", "src.log.sz")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))

	res, err := CopyThrottled(context.Background(), src, dst, CopyOptions{Compress: true})
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.BytesRead)
	require.Less(t, res.BytesWritten, res.BytesRead)
	require.Len(t, res.Digest, 64)

	require.NoError(t, VerifyCopy(dst, true))
	r, err := OpenCopy(dst, true)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = os.Stat(dst + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCopyThrottledPlainWithRateLimit(t *testing.T) {
	dir := t.TempDir()
	src, data := writeSource(t, dir)
	dst := filepath.Join(dir, "copy.log")

	res, err := CopyThrottled(context.Background(), src, dst, CopyOptions{RateBytesPerSec: 1 << 30})
	require.NoError(t, err)
	require.Equal(t, res.BytesRead, res.BytesWritten)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, VerifyCopy(dst, false))
}

func TestVerifyCopyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeSource(t, dir)
	dst := filepath.Join(dir, "copy.log")
	_, err := CopyThrottled(context.Background(), src, dst, CopyOptions{})
	require.NoError(t, err)

	f, err := os.OpenFile(dst, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("X"), 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.ErrorIs(t, VerifyCopy(dst, false), dberror.ErrCorruption)
}

func TestCopyThrottledCancelled(t *testing.T) {
	dir := t.TempDir()
	src, _ := writeSource(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "copy.log"), CopyOptions{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(filepath.Join(dir, "copy.log.tmp"))
	require.True(t, os.IsNotExist(err))
}

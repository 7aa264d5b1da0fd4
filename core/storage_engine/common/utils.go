// Package common holds file helpers shared by storage components.
package common

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

// DigestSuffix names the sidecar file holding the hex BLAKE3 digest of a copy.
const DigestSuffix = ".b3"

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyOptions tunes CopyThrottled.
type CopyOptions struct {
	RateBytesPerSec int64 // 0 means unthrottled
	Compress        bool  // write a snappy stream instead of raw bytes
}

// CopyResult describes a finished copy.
type CopyResult struct {
	BytesRead    int64
	BytesWritten int64
	Digest       string // hex BLAKE3 of the source bytes
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// CopyThrottled copies srcPath to dstPath at no more than opts.RateBytesPerSec,
// optionally snappy-compressing it, and writes the digest sidecar next to dst.
// The destination is written under a temporary name and renamed when complete.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, opts CopyOptions) (CopyResult, error) {
	var res CopyResult
	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("%w: open src: %v", dberror.ErrIO, err)
	}
	defer src.Close()

	tmpPath := dstPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return res, fmt.Errorf("%w: open dst: %v", dberror.ErrIO, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		burst := chunkSize
		if opts.RateBytesPerSec < int64(burst) {
			burst = int(opts.RateBytesPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), burst)
	}

	counted := &countingWriter{w: dst}
	var out io.Writer = counted
	var sw *snappy.Writer
	if opts.Compress {
		sw = snappy.NewBufferedWriter(counted)
		out = sw
	}
	hasher := blake3.New()

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			// wait in burst-sized steps so a small limit still accepts a full chunk
			for waited := 0; limiter != nil && waited < n; {
				step := min(n-waited, limiter.Burst())
				if err := limiter.WaitN(ctx, step); err != nil {
					return res, fmt.Errorf("rate limiter: %w", err)
				}
				waited += step
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("%w: write: %v", dberror.ErrIO, err)
			}
			hasher.Write(buf[:n])
			res.BytesRead += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("%w: read: %v", dberror.ErrIO, rerr)
		}
	}
	if sw != nil {
		if err := sw.Close(); err != nil {
			return res, fmt.Errorf("%w: finishing snappy stream: %v", dberror.ErrIO, err)
		}
	}
	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("%w: sync: %v", dberror.ErrIO, err)
	}
	if err := dst.Close(); err != nil {
		return res, fmt.Errorf("%w: close: %v", dberror.ErrIO, err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return res, fmt.Errorf("%w: rename: %v", dberror.ErrIO, err)
	}
	committed = true

	res.BytesWritten = counted.n
	res.Digest = hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(dstPath+DigestSuffix, []byte(res.Digest+"\n"), 0o644); err != nil {
		return res, fmt.Errorf("%w: writing digest: %v", dberror.ErrIO, err)
	}
	return res, nil
}

// OpenCopy returns a reader over the original bytes of a file written by
// CopyThrottled.
func OpenCopy(path string, compressed bool) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", dberror.ErrIO, path, err)
	}
	if !compressed {
		return f, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{snappy.NewReader(bufio.NewReader(f)), f}, nil
}

// VerifyCopy recomputes the digest of a copy and compares it with its sidecar.
func VerifyCopy(path string, compressed bool) error {
	want, err := os.ReadFile(path + DigestSuffix)
	if err != nil {
		return fmt.Errorf("%w: reading digest: %v", dberror.ErrIO, err)
	}
	r, err := OpenCopy(path, compressed)
	if err != nil {
		return err
	}
	defer r.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return fmt.Errorf("%w: reading %s: %v", dberror.ErrCorruption, path, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: %s digest %s, sidecar says %s", dberror.ErrCorruption, path, got, strings.TrimSpace(string(want)))
	}
	return nil
}

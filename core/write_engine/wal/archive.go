package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/common"
)

// ArchiveSuffix is appended to compressed archived segments.
const ArchiveSuffix = ".sz"

// ArchiveBefore retires closed segments whose records all have LSN < keep.
// Segments are copied to the archive directory first when one is configured.
// At least MinSegments segments always stay live. It returns how many
// segments were retired.
func (lm *LogManager) ArchiveBefore(ctx context.Context, keep LSN) (int, error) {
	lm.mu.Lock()
	var victims []segmentInfo
	// the current segment is never a candidate
	limit := len(lm.segments) - lm.opts.MinSegments
	for i := 0; i < limit && i < len(lm.segments)-1; i++ {
		seg := lm.segments[i]
		if seg.maxLSN >= keep {
			break
		}
		victims = append(victims, seg)
	}
	lm.mu.Unlock()
	if len(victims) == 0 {
		return 0, nil
	}

	lm.segMu.Lock()
	defer lm.segMu.Unlock()
	retired := 0
	for _, seg := range victims {
		if lm.opts.ArchiveDir != "" {
			dst := filepath.Join(lm.opts.ArchiveDir, filepath.Base(seg.path))
			if lm.opts.ArchiveCompress {
				dst += ArchiveSuffix
			}
			res, err := common.CopyThrottled(ctx, seg.path, dst, common.CopyOptions{
				RateBytesPerSec: lm.opts.ArchiveRateLimit,
				Compress:        lm.opts.ArchiveCompress,
			})
			if err != nil {
				return retired, fmt.Errorf("archiving segment %d: %w", seg.id, err)
			}
			lm.logger.Info("archived log segment",
				zap.Uint64("segment_id", seg.id),
				zap.String("dst", dst),
				zap.Int64("bytes", res.BytesWritten),
				zap.String("blake3", res.Digest))
		}
		if err := os.Remove(seg.path); err != nil {
			return retired, fmt.Errorf("%w: removing segment %s: %v", dberror.ErrIO, seg.path, err)
		}

		lm.mu.Lock()
		for i := range lm.segments {
			if lm.segments[i].id == seg.id {
				lm.segments = append(lm.segments[:i], lm.segments[i+1:]...)
				break
			}
		}
		lm.mu.Unlock()
		lm.archived.Add(1)
		retired++
	}
	return retired, syncDir(lm.opts.Dir)
}

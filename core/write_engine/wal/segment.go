package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

type segmentInfo struct {
	id     uint64
	path   string
	size   int64
	minLSN LSN
	maxLSN LSN
}

// listSegments returns the log_NNNNN.log files in dir ordered by id.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading log directory %s: %v", dberror.ErrIO, dir, err)
	}
	var segs []segmentInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "log_"), ".log"), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segmentInfo{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

type scanResult struct {
	size   int64
	tornAt int64 // offset of the first unreadable frame, -1 if none
	minLSN LSN
	maxLSN LSN
}

// scanSegment decodes every frame of a segment. It stops at the first frame
// that is truncated or fails its checksum and reports where. A damaged frame
// followed by an intact one is not a torn tail, and fails with
// ErrLogCorrupted.
func scanSegment(path string, fn func(*LogRecord) error) (scanResult, error) {
	res := scanResult{tornAt: -1}
	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("%w: opening log segment %s: %v", dberror.ErrIO, path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("%w: stat %s: %v", dberror.ErrIO, path, err)
	}
	res.size = info.Size()

	r := bufio.NewReaderSize(f, 64<<10)
	var offset int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			res.tornAt = offset
			return res, nil
		}
		n := binary.LittleEndian.Uint32(header)
		if n == 0 || n > maxRecordSize || offset+frameHeaderSize+int64(n) > res.size {
			res.tornAt = offset
			return res, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			res.tornAt = offset
			return res, nil
		}
		rec := &LogRecord{}
		if err := rec.Deserialize(body); err != nil {
			res.tornAt = offset
			if next := offset + frameHeaderSize + int64(n); frameAt(f, next, res.size) {
				return res, fmt.Errorf("%w: segment %s damaged at offset %d with intact records at %d: %v",
					dberror.ErrLogCorrupted, path, offset, next, err)
			}
			return res, nil
		}
		if res.minLSN == InvalidLSN || rec.LSN < res.minLSN {
			res.minLSN = rec.LSN
		}
		if rec.LSN > res.maxLSN {
			res.maxLSN = rec.LSN
		}
		if err := fn(rec); err != nil {
			return res, err
		}
		offset += frameHeaderSize + int64(n)
	}
}

// frameAt reports whether a complete frame with a valid checksum starts at off.
func frameAt(f *os.File, off, size int64) bool {
	if off+frameHeaderSize > size {
		return false
	}
	header := make([]byte, frameHeaderSize)
	if _, err := f.ReadAt(header, off); err != nil {
		return false
	}
	n := int64(binary.LittleEndian.Uint32(header))
	if n == 0 || n > maxRecordSize || off+frameHeaderSize+n > size {
		return false
	}
	body := make([]byte, n)
	if _, err := f.ReadAt(body, off+frameHeaderSize); err != nil {
		return false
	}
	return (&LogRecord{}).Deserialize(body) == nil
}

// readSegments loads every record of every segment in dir ordered by LSN.
func readSegments(dir string) ([]*LogRecord, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var records []*LogRecord
	for i, seg := range segs {
		res, err := scanSegment(seg.path, func(rec *LogRecord) error {
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
		// a tail still being written is fine in the newest segment
		if res.tornAt >= 0 && i != len(segs)-1 {
			return nil, fmt.Errorf("%w: segment %s damaged at offset %d", dberror.ErrLogCorrupted, seg.path, res.tornAt)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LSN < records[j].LSN })
	return records, nil
}

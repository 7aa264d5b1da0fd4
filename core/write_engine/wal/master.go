package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// MasterFileName holds the LSN of the last complete checkpoint's begin record.
const MasterFileName = "CHECKPOINT"

const masterSize = 12 // lsn(8) crc32(4)

func (lm *LogManager) masterPath() string { return filepath.Join(lm.opts.Dir, MasterFileName) }

// ReadMaster returns the LSN recorded by the last WriteMaster, or InvalidLSN
// when no checkpoint has completed yet.
func (lm *LogManager) ReadMaster() (LSN, error) {
	b, err := os.ReadFile(lm.masterPath())
	if errors.Is(err, os.ErrNotExist) {
		return InvalidLSN, nil
	}
	if err != nil {
		return InvalidLSN, fmt.Errorf("%w: reading master record: %v", dberror.ErrIO, err)
	}
	if len(b) != masterSize || crc32.ChecksumIEEE(b[:8]) != binary.LittleEndian.Uint32(b[8:]) {
		return InvalidLSN, fmt.Errorf("%w: master record is damaged", dberror.ErrLogCorrupted)
	}
	return LSN(binary.LittleEndian.Uint64(b)), nil
}

// WriteMaster atomically replaces the master record.
func (lm *LogManager) WriteMaster(lsn LSN) error {
	b := make([]byte, masterSize)
	binary.LittleEndian.PutUint64(b, uint64(lsn))
	binary.LittleEndian.PutUint32(b[8:], crc32.ChecksumIEEE(b[:8]))

	tmp := lm.masterPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: writing master record: %v", dberror.ErrIO, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing master record: %v", dberror.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing master record: %v", dberror.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing master record: %v", dberror.ErrIO, err)
	}
	if err := os.Rename(tmp, lm.masterPath()); err != nil {
		return fmt.Errorf("%w: installing master record: %v", dberror.ErrIO, err)
	}
	return syncDir(lm.opts.Dir)
}

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

// LSN is a log sequence number. LSNs start at 1 and strictly increase.
type LSN = pagemanager.LSN

const InvalidLSN = pagemanager.InvalidLSN

// TxnID identifies a transaction; uuid.Nil means "no transaction".
type TxnID = uuid.UUID

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeBegin LogRecordType = iota + 1
	LogRecordTypeUpdate
	LogRecordTypeCommit
	LogRecordTypeAbort
	LogRecordTypeCheckpointBegin
	LogRecordTypeCheckpointEnd
	LogRecordTypeCLR // compensation record written while undoing an update
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeBegin:
		return "BEGIN"
	case LogRecordTypeUpdate:
		return "UPDATE"
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeAbort:
		return "ABORT"
	case LogRecordTypeCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case LogRecordTypeCheckpointEnd:
		return "CHECKPOINT_END"
	case LogRecordTypeCLR:
		return "CLR"
	}
	return fmt.Sprintf("LogRecordType(%d)", byte(t))
}

// ActiveTxnEntry is one row of the active transaction table stored in a checkpoint.
type ActiveTxnEntry struct {
	TxnID    TxnID
	FirstLSN LSN
	LastLSN  LSN
}

// DirtyPageEntry is one row of the dirty page table stored in a checkpoint.
type DirtyPageEntry struct {
	PageID pagemanager.PageID
	RecLSN LSN
}

// LogRecord represents a single entry in the Write-Ahead Log. Which fields are
// meaningful depends on Type.
type LogRecord struct {
	LSN       LSN
	PrevLSN   LSN   // previous record of the same transaction
	TxnID     TxnID // uuid.Nil for records outside a transaction
	Type      LogRecordType
	Timestamp int64 // unix nanos

	// Begin
	Isolation uint8

	// Update and CLR
	PageID      pagemanager.PageID
	Offset      uint32
	OldData     []byte // before-image (Update only)
	NewData     []byte // after-image, or the restored bytes of a CLR
	UndoNextLSN LSN    // CLR: next record of the transaction still to undo

	// CheckpointBegin
	ScanFromLSN LSN // analysis starts here; taken before the tables were captured
	ActiveTxns  []ActiveTxnEntry
	DirtyPages  []DirtyPageEntry

	// CheckpointEnd
	CheckpointBeginLSN LSN
}

// HasTxn reports whether the record belongs to a transaction.
func (lr *LogRecord) HasTxn() bool { return lr.TxnID != uuid.Nil }

// On disk every record is framed as len(4) | body, where body is
// lsn(8) prevLSN(8) hasTxn(1) [txnID(16)] type(1) timestamp(8) payload crc32(4)
// and the CRC covers the body up to the checksum.
const (
	frameHeaderSize = 4
	maxRecordSize   = 64 << 20
)

func (lr *LogRecord) payloadSize() int {
	switch lr.Type {
	case LogRecordTypeBegin:
		return 1
	case LogRecordTypeUpdate:
		return 8 + 4 + 4 + len(lr.OldData) + 4 + len(lr.NewData)
	case LogRecordTypeCLR:
		return 8 + 4 + 4 + len(lr.NewData) + 8
	case LogRecordTypeCheckpointBegin:
		return 8 + 4 + len(lr.ActiveTxns)*(16+8+8) + 4 + len(lr.DirtyPages)*(8+8)
	case LogRecordTypeCheckpointEnd:
		return 8
	}
	return 0
}

// Size returns the framed on-disk size of the record.
func (lr *LogRecord) Size() int {
	body := 8 + 8 + 1 + 1 + 8 + lr.payloadSize() + 4
	if lr.HasTxn() {
		body += 16
	}
	return frameHeaderSize + body
}

// Serialize converts a LogRecord into its framed byte form.
func (lr *LogRecord) Serialize() ([]byte, error) {
	size := lr.Size()
	if size > maxRecordSize {
		return nil, fmt.Errorf("log record of %d bytes exceeds limit %d", size, maxRecordSize)
	}
	le := binary.LittleEndian
	buf := make([]byte, frameHeaderSize, size)
	le.PutUint32(buf, uint32(size-frameHeaderSize))

	buf = le.AppendUint64(buf, uint64(lr.LSN))
	buf = le.AppendUint64(buf, uint64(lr.PrevLSN))
	if lr.HasTxn() {
		buf = append(buf, 1)
		buf = append(buf, lr.TxnID[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(lr.Type))
	buf = le.AppendUint64(buf, uint64(lr.Timestamp))

	switch lr.Type {
	case LogRecordTypeBegin:
		buf = append(buf, lr.Isolation)
	case LogRecordTypeUpdate:
		buf = le.AppendUint64(buf, uint64(lr.PageID))
		buf = le.AppendUint32(buf, lr.Offset)
		buf = appendBytes(buf, lr.OldData)
		buf = appendBytes(buf, lr.NewData)
	case LogRecordTypeCLR:
		buf = le.AppendUint64(buf, uint64(lr.PageID))
		buf = le.AppendUint32(buf, lr.Offset)
		buf = appendBytes(buf, lr.NewData)
		buf = le.AppendUint64(buf, uint64(lr.UndoNextLSN))
	case LogRecordTypeCheckpointBegin:
		buf = le.AppendUint64(buf, uint64(lr.ScanFromLSN))
		buf = le.AppendUint32(buf, uint32(len(lr.ActiveTxns)))
		for _, e := range lr.ActiveTxns {
			buf = append(buf, e.TxnID[:]...)
			buf = le.AppendUint64(buf, uint64(e.FirstLSN))
			buf = le.AppendUint64(buf, uint64(e.LastLSN))
		}
		buf = le.AppendUint32(buf, uint32(len(lr.DirtyPages)))
		for _, e := range lr.DirtyPages {
			buf = le.AppendUint64(buf, uint64(e.PageID))
			buf = le.AppendUint64(buf, uint64(e.RecLSN))
		}
	case LogRecordTypeCheckpointEnd:
		buf = le.AppendUint64(buf, uint64(lr.CheckpointBeginLSN))
	}
	buf = le.AppendUint32(buf, crc32.ChecksumIEEE(buf[frameHeaderSize:]))
	return buf, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// decoder walks a record body; the first short read sticks.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.b) {
		d.err = fmt.Errorf("%w: record body truncated at offset %d", dberror.ErrLogCorrupted, d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) uuid() (id uuid.UUID) {
	if !d.need(16) {
		return id
	}
	copy(id[:], d.b[d.off:])
	d.off += 16
	return id
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.b[d.off:])
	d.off += n
	return out
}

// Deserialize parses a record body (the bytes after the length prefix).
func (lr *LogRecord) Deserialize(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("%w: record body of %d bytes", dberror.ErrLogCorrupted, len(body))
	}
	crcAt := len(body) - 4
	if got, want := crc32.ChecksumIEEE(body[:crcAt]), binary.LittleEndian.Uint32(body[crcAt:]); got != want {
		return fmt.Errorf("%w: record checksum 0x%08x, expected 0x%08x", dberror.ErrLogCorrupted, got, want)
	}

	d := &decoder{b: body[:crcAt]}
	*lr = LogRecord{}
	lr.LSN = LSN(d.u64())
	lr.PrevLSN = LSN(d.u64())
	if d.u8() == 1 {
		lr.TxnID = d.uuid()
	}
	lr.Type = LogRecordType(d.u8())
	lr.Timestamp = int64(d.u64())

	switch lr.Type {
	case LogRecordTypeBegin:
		lr.Isolation = d.u8()
	case LogRecordTypeUpdate:
		lr.PageID = pagemanager.PageID(d.u64())
		lr.Offset = d.u32()
		lr.OldData = d.bytes()
		lr.NewData = d.bytes()
	case LogRecordTypeCLR:
		lr.PageID = pagemanager.PageID(d.u64())
		lr.Offset = d.u32()
		lr.NewData = d.bytes()
		lr.UndoNextLSN = LSN(d.u64())
	case LogRecordTypeCheckpointBegin:
		lr.ScanFromLSN = LSN(d.u64())
		n := int(d.u32())
		if d.need(n * 32) {
			lr.ActiveTxns = make([]ActiveTxnEntry, n)
			for i := range lr.ActiveTxns {
				lr.ActiveTxns[i] = ActiveTxnEntry{TxnID: d.uuid(), FirstLSN: LSN(d.u64()), LastLSN: LSN(d.u64())}
			}
		}
		m := int(d.u32())
		if d.need(m * 16) {
			lr.DirtyPages = make([]DirtyPageEntry, m)
			for i := range lr.DirtyPages {
				lr.DirtyPages[i] = DirtyPageEntry{PageID: pagemanager.PageID(d.u64()), RecLSN: LSN(d.u64())}
			}
		}
	case LogRecordTypeCheckpointEnd:
		lr.CheckpointBeginLSN = LSN(d.u64())
	case LogRecordTypeCommit, LogRecordTypeAbort:
	default:
		return fmt.Errorf("%w: unknown record type %d", dberror.ErrLogCorrupted, byte(lr.Type))
	}
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.b) {
		return fmt.Errorf("%w: %d trailing bytes in %s record", dberror.ErrLogCorrupted, len(d.b)-d.off, lr.Type)
	}
	return nil
}

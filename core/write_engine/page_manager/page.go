package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// --- Page Layout ---

const (
	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 1 << 20

	// PageHeaderSize is magic(4) + type(1) + pageID(8) + checksum(4) + dataLen(4).
	PageHeaderSize = 21

	// PageMagic marks every page written by this engine ("NQDB").
	PageMagic uint32 = 0x4E514442

	// FreeListPageID is the reserved page holding the free-list head.
	FreeListPageID PageID = 0
	InvalidPageID  PageID = 0

	InvalidLSN LSN = 0
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// LSN is a log sequence number.
type LSN uint64

// PageType tags what a page holds.
type PageType uint8

const (
	PageTypeFree PageType = iota
	PageTypeData
	PageTypeBTreeInternal
	PageTypeBTreeLeaf
	PageTypeOverflow
	PageTypeLog
	PageTypeFreeList
)

func (t PageType) String() string {
	switch t {
	case PageTypeFree:
		return "free"
	case PageTypeData:
		return "data"
	case PageTypeBTreeInternal:
		return "btree-internal"
	case PageTypeBTreeLeaf:
		return "btree-leaf"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeLog:
		return "log"
	case PageTypeFreeList:
		return "free-list"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is a known page type.
func (t PageType) Valid() bool { return t <= PageTypeFreeList }

// PayloadCapacity returns the payload bytes available in a page of pageSize bytes.
func PayloadCapacity(pageSize int) int { return pageSize - PageHeaderSize }

// Page is an in-memory copy of a disk page. The payload buffer always has full
// capacity; dataLen marks how much of it is in use and covered by the checksum.
type Page struct {
	id       PageID
	pageType PageType
	payload  []byte
	dataLen  int
}

// NewPage creates an empty page of the given type.
func NewPage(id PageID, pageType PageType, pageSize int) *Page {
	return &Page{
		id:       id,
		pageType: pageType,
		payload:  make([]byte, PayloadCapacity(pageSize)),
	}
}

func (p *Page) ID() PageID                { return p.id }
func (p *Page) Type() PageType            { return p.pageType }
func (p *Page) SetType(pageType PageType) { p.pageType = pageType }
func (p *Page) DataLen() int              { return p.dataLen }
func (p *Page) Capacity() int             { return len(p.payload) }

// Data returns the used part of the payload.
func (p *Page) Data() []byte { return p.payload[:p.dataLen] }

// Payload returns the whole payload buffer, zero beyond DataLen.
func (p *Page) Payload() []byte { return p.payload }

// WriteAt copies b into the payload at offset, extending the used length if needed.
func (p *Page) WriteAt(offset int, b []byte) error {
	if offset < 0 || offset+len(b) > len(p.payload) {
		return fmt.Errorf("%w: write [%d,%d) outside payload of %d bytes on page %d",
			dberror.ErrInvalidPage, offset, offset+len(b), len(p.payload), p.id)
	}
	copy(p.payload[offset:], b)
	if end := offset + len(b); end > p.dataLen {
		p.dataLen = end
	}
	return nil
}

// SetData replaces the used payload with b.
func (p *Page) SetData(b []byte) error {
	if len(b) > len(p.payload) {
		return fmt.Errorf("%w: %d bytes exceed payload capacity %d", dberror.ErrInvalidPage, len(b), len(p.payload))
	}
	copy(p.payload, b)
	clear(p.payload[len(b):])
	p.dataLen = len(b)
	return nil
}

// Reset clears the payload and retypes the page.
func (p *Page) Reset(pageType PageType) {
	clear(p.payload)
	p.dataLen = 0
	p.pageType = pageType
}

// Clone returns a deep copy.
func (p *Page) Clone() *Page {
	c := &Page{id: p.id, pageType: p.pageType, dataLen: p.dataLen, payload: make([]byte, len(p.payload))}
	copy(c.payload, p.payload)
	return c
}

// Checksum is the CRC32 of the used payload.
func (p *Page) Checksum() uint32 { return crc32.ChecksumIEEE(p.Data()) }

// Encode serializes the page into buf, which must be exactly one page long.
func (p *Page) Encode(buf []byte) error {
	if len(buf) != len(p.payload)+PageHeaderSize {
		return fmt.Errorf("%w: encode buffer %d bytes, page needs %d", dberror.ErrInvalidPage, len(buf), len(p.payload)+PageHeaderSize)
	}
	binary.LittleEndian.PutUint32(buf[0:4], PageMagic)
	buf[4] = byte(p.pageType)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(p.id))
	binary.LittleEndian.PutUint32(buf[13:17], p.Checksum())
	binary.LittleEndian.PutUint32(buf[17:21], uint32(p.dataLen))
	copy(buf[PageHeaderSize:], p.payload[:p.dataLen])
	clear(buf[PageHeaderSize+p.dataLen:])
	return nil
}

// DecodePage parses one page image and validates magic, id, type, length and checksum.
func DecodePage(expected PageID, buf []byte) (*Page, error) {
	if len(buf) < MinPageSize {
		return nil, dberror.NewPageError("decode", uint64(expected), dberror.ErrInvalidPage)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != PageMagic {
		return nil, dberror.NewPageError("decode", uint64(expected),
			fmt.Errorf("%w: bad magic 0x%08x", dberror.ErrCorruption, magic))
	}
	pageType := PageType(buf[4])
	if !pageType.Valid() {
		return nil, dberror.NewPageError("decode", uint64(expected),
			fmt.Errorf("%w: unknown page type %d", dberror.ErrCorruption, buf[4]))
	}
	id := PageID(binary.LittleEndian.Uint64(buf[5:13]))
	if id != expected {
		return nil, dberror.NewPageError("decode", uint64(expected),
			fmt.Errorf("%w: header names page %d", dberror.ErrCorruption, id))
	}
	checksum := binary.LittleEndian.Uint32(buf[13:17])
	dataLen := int(binary.LittleEndian.Uint32(buf[17:21]))
	capacity := len(buf) - PageHeaderSize
	if dataLen > capacity {
		return nil, dberror.NewPageError("decode", uint64(expected),
			fmt.Errorf("%w: data length %d exceeds capacity %d", dberror.ErrCorruption, dataLen, capacity))
	}
	p := &Page{id: id, pageType: pageType, payload: make([]byte, capacity), dataLen: dataLen}
	copy(p.payload, buf[PageHeaderSize:PageHeaderSize+dataLen])
	if got := p.Checksum(); got != checksum {
		return nil, dberror.NewPageError("decode", uint64(expected),
			fmt.Errorf("%w: checksum 0x%08x, expected 0x%08x", dberror.ErrCorruption, got, checksum))
	}
	return p, nil
}

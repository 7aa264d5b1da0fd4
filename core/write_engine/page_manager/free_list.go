package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// freeTrunk is one node of the on-disk free list. Page 0 always holds the head
// trunk; further trunks live in pages that were themselves freed.
//
// Payload layout: next(8) | count(4) | ids[count](8 each).
type freeTrunk struct {
	next PageID
	ids  []PageID
}

const freeTrunkHeader = 12

func trunkCapacity(pageSize int) int {
	return (PayloadCapacity(pageSize) - freeTrunkHeader) / 8
}

func (t *freeTrunk) encode(page *Page) error {
	buf := make([]byte, freeTrunkHeader+8*len(t.ids))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.next))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(t.ids)))
	for i, id := range t.ids {
		binary.LittleEndian.PutUint64(buf[freeTrunkHeader+8*i:], uint64(id))
	}
	page.SetType(PageTypeFreeList)
	return page.SetData(buf)
}

func decodeTrunk(page *Page) (*freeTrunk, error) {
	if page.Type() != PageTypeFreeList {
		return nil, dberror.NewPageError("free-list", uint64(page.ID()),
			fmt.Errorf("%w: expected free-list page, found %s", dberror.ErrCorruption, page.Type()))
	}
	data := page.Data()
	if len(data) < freeTrunkHeader {
		return nil, dberror.NewPageError("free-list", uint64(page.ID()),
			fmt.Errorf("%w: free-list payload too short", dberror.ErrCorruption))
	}
	t := &freeTrunk{next: PageID(binary.LittleEndian.Uint64(data[0:8]))}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	if freeTrunkHeader+8*count > len(data) {
		return nil, dberror.NewPageError("free-list", uint64(page.ID()),
			fmt.Errorf("%w: free-list count %d overruns payload", dberror.ErrCorruption, count))
	}
	t.ids = make([]PageID, count)
	for i := range t.ids {
		t.ids[i] = PageID(binary.LittleEndian.Uint64(data[freeTrunkHeader+8*i:]))
	}
	return t, nil
}

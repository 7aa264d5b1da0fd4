package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// --- BTree Node Serialization/Deserialization ---

// Node payload layout (little endian):
//
//	kind(1) | nkeys(2) | next(8)
//	leaf:     { klen(2) key vlen(2) value } * nkeys
//	internal: child0(8) { klen(2) key child(8) } * nkeys
const (
	nodeKindLeaf     byte = 1
	nodeKindInternal byte = 2

	nodeHeaderSize = 11
)

// Node represents an in-memory copy of one B+Tree page.
type Node struct {
	pageID       pagemanager.PageID
	isLeaf       bool
	keys         [][]byte
	values       [][]byte             // leaves only
	childPageIDs []pagemanager.PageID // internal only, len(keys)+1
	next         pagemanager.PageID   // right sibling of a leaf
}

func (n *Node) pageType() pagemanager.PageType {
	if n.isLeaf {
		return pagemanager.PageTypeBTreeLeaf
	}
	return pagemanager.PageTypeBTreeInternal
}

func leafEntrySize(key, value []byte) int { return 2 + len(key) + 2 + len(value) }
func internalEntrySize(key []byte) int { return 2 + len(key) + 8 }

// size returns the serialized size of the node.
func (n *Node) size() int {
	sz := nodeHeaderSize
	if n.isLeaf {
		for i := range n.keys {
			sz += leafEntrySize(n.keys[i], n.values[i])
		}
		return sz
	}
	sz += 8
	for _, k := range n.keys {
		sz += internalEntrySize(k)
	}
	return sz
}

// search returns the position of key among the node's keys and whether it is
// present there.
func (n *Node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex returns which child of an internal node covers key. A separator
// equals the smallest key of its right subtree.
func (n *Node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
}

func (n *Node) insertLeafEntry(pos int, key, value []byte) {
	n.keys = insertAt(n.keys, pos, key)
	n.values = insertAt(n.values, pos, value)
}

func (n *Node) removeLeafEntry(pos int) {
	n.keys = append(n.keys[:pos], n.keys[pos+1:]...)
	n.values = append(n.values[:pos], n.values[pos+1:]...)
}

// insertChild places separator at idx with child to its right.
func (n *Node) insertChild(idx int, separator []byte, child pagemanager.PageID) {
	n.keys = insertAt(n.keys, idx, separator)
	n.childPageIDs = insertAt(n.childPageIDs, idx+1, child)
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// serialize renders the node into a buffer of exactly capacity bytes, zero
// padded, so that diffing two images yields every byte that changed.
func (n *Node) serialize(capacity int) ([]byte, error) {
	if sz := n.size(); sz > capacity {
		return nil, fmt.Errorf("node on page %d needs %d bytes, page holds %d", n.pageID, sz, capacity)
	}
	le := binary.LittleEndian
	buf := make([]byte, nodeHeaderSize, capacity)
	if n.isLeaf {
		buf[0] = nodeKindLeaf
	} else {
		buf[0] = nodeKindInternal
	}
	le.PutUint16(buf[1:3], uint16(len(n.keys)))
	le.PutUint64(buf[3:11], uint64(n.next))

	if n.isLeaf {
		for i, k := range n.keys {
			buf = le.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = le.AppendUint16(buf, uint16(len(n.values[i])))
			buf = append(buf, n.values[i]...)
		}
	} else {
		buf = le.AppendUint64(buf, uint64(n.childPageIDs[0]))
		for i, k := range n.keys {
			buf = le.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = le.AppendUint64(buf, uint64(n.childPageIDs[i+1]))
		}
	}
	return buf[:capacity], nil
}

// deserialize rebuilds a node from a page payload. Keys and values are copied
// out of the payload, which belongs to the buffer pool frame.
func deserialize(id pagemanager.PageID, payload []byte) (*Node, error) {
	corrupt := func(format string, args ...any) error {
		return dberror.NewPageError("btree-decode", uint64(id),
			fmt.Errorf("%w: %s", dberror.ErrCorruption, fmt.Sprintf(format, args...)))
	}
	if len(payload) < nodeHeaderSize {
		return nil, corrupt("payload of %d bytes", len(payload))
	}
	le := binary.LittleEndian
	n := &Node{pageID: id}
	switch payload[0] {
	case nodeKindLeaf:
		n.isLeaf = true
	case nodeKindInternal:
	default:
		return nil, corrupt("unknown node kind %d", payload[0])
	}
	count := int(le.Uint16(payload[1:3]))
	n.next = pagemanager.PageID(le.Uint64(payload[3:11]))
	off := nodeHeaderSize

	readBytes := func() ([]byte, bool) {
		if off+2 > len(payload) {
			return nil, false
		}
		l := int(le.Uint16(payload[off:]))
		off += 2
		if off+l > len(payload) {
			return nil, false
		}
		b := bytes.Clone(payload[off : off+l])
		if b == nil {
			b = []byte{}
		}
		off += l
		return b, true
	}
	readID := func() (pagemanager.PageID, bool) {
		if off+8 > len(payload) {
			return 0, false
		}
		v := pagemanager.PageID(le.Uint64(payload[off:]))
		off += 8
		return v, true
	}

	n.keys = make([][]byte, 0, count)
	if n.isLeaf {
		n.values = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			k, ok := readBytes()
			if !ok {
				return nil, corrupt("leaf key %d overruns payload", i)
			}
			v, ok := readBytes()
			if !ok {
				return nil, corrupt("leaf value %d overruns payload", i)
			}
			n.keys = append(n.keys, k)
			n.values = append(n.values, v)
		}
		return n, nil
	}

	n.childPageIDs = make([]pagemanager.PageID, 0, count+1)
	child, ok := readID()
	if !ok {
		return nil, corrupt("missing first child")
	}
	n.childPageIDs = append(n.childPageIDs, child)
	for i := 0; i < count; i++ {
		k, ok := readBytes()
		if !ok {
			return nil, corrupt("separator %d overruns payload", i)
		}
		child, ok := readID()
		if !ok {
			return nil, corrupt("child %d overruns payload", i+1)
		}
		n.keys = append(n.keys, k)
		n.childPageIDs = append(n.childPageIDs, child)
	}
	return n, nil
}

// changedRange returns the half-open byte range where cur and next differ.
func changedRange(cur, next []byte) (int, int) {
	lo := 0
	for lo < len(next) && cur[lo] == next[lo] {
		lo++
	}
	if lo == len(next) {
		return lo, lo
	}
	hi := len(next)
	for hi > lo && cur[hi-1] == next[hi-1] {
		hi--
	}
	return lo, hi
}

package btree

import (
	"bytes"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// CommonPrefix returns the bytes a and b start with.
func CommonPrefix(a, b []byte) []byte {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// LongestCommonPrefix returns the prefix shared by every key.
func LongestCommonPrefix(keys [][]byte) []byte {
	if len(keys) == 0 {
		return nil
	}
	prefix := keys[0]
	for _, k := range keys[1:] {
		if prefix = CommonPrefix(prefix, k); len(prefix) == 0 {
			break
		}
	}
	return bytes.Clone(prefix)
}

// KeyDelta stores a key as the length it shares with the key before it and
// the bytes that follow.
type KeyDelta struct {
	Shared int
	Suffix []byte
}

// NewKeyDelta encodes cur relative to prev.
func NewKeyDelta(prev, cur []byte) KeyDelta {
	shared := len(CommonPrefix(prev, cur))
	return KeyDelta{Shared: shared, Suffix: bytes.Clone(cur[shared:])}
}

// Reconstruct rebuilds the key from the one before it.
func (d KeyDelta) Reconstruct(prev []byte) []byte {
	key := make([]byte, 0, d.Shared+len(d.Suffix))
	key = append(key, prev[:d.Shared]...)
	return append(key, d.Suffix...)
}

// Size is the encoded size: a 2-byte shared length plus the suffix.
func (d KeyDelta) Size() int { return 2 + len(d.Suffix) }

// FrontCodedKeys holds a sorted run of keys with the first one in full and
// every later one as a delta against its predecessor.
type FrontCodedKeys struct {
	First  []byte
	Deltas []KeyDelta
}

// NewFrontCodedKeys front-codes keys, which must be non-empty.
func NewFrontCodedKeys(keys [][]byte) FrontCodedKeys {
	fc := FrontCodedKeys{First: bytes.Clone(keys[0]), Deltas: make([]KeyDelta, 0, len(keys)-1)}
	for i := 1; i < len(keys); i++ {
		fc.Deltas = append(fc.Deltas, NewKeyDelta(keys[i-1], keys[i]))
	}
	return fc
}

// Len returns the number of keys.
func (fc FrontCodedKeys) Len() int { return 1 + len(fc.Deltas) }

// Key returns key i, decoding from the first key forward.
func (fc FrontCodedKeys) Key(i int) ([]byte, bool) {
	if i < 0 || i >= fc.Len() {
		return nil, false
	}
	key := fc.First
	for _, d := range fc.Deltas[:i] {
		key = d.Reconstruct(key)
	}
	return bytes.Clone(key), true
}

// Keys decodes every key.
func (fc FrontCodedKeys) Keys() [][]byte {
	out := make([][]byte, 0, fc.Len())
	key := fc.First
	out = append(out, bytes.Clone(key))
	for _, d := range fc.Deltas {
		key = d.Reconstruct(key)
		out = append(out, key)
	}
	return out
}

// Size returns the encoded size in bytes.
func (fc FrontCodedKeys) Size() int {
	n := len(fc.First)
	for _, d := range fc.Deltas {
		n += d.Size()
	}
	return n
}

// KeyStats describes how much the leaf keys would shrink under front coding.
type KeyStats struct {
	Leaves          int
	Keys            int
	KeyBytes        int
	FrontCodedBytes int
}

// Ratio is front-coded size over raw size; 1 for an empty tree.
func (s KeyStats) Ratio() float64 {
	if s.KeyBytes == 0 {
		return 1
	}
	return float64(s.FrontCodedBytes) / float64(s.KeyBytes)
}

// KeyStats front-codes the keys of every leaf and totals the sizes.
func (bt *BTree) KeyStats() (KeyStats, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	var st KeyStats
	leaf, err := bt.findLeaf(nil)
	if err != nil {
		return st, err
	}
	for {
		st.Leaves++
		if len(leaf.keys) > 0 {
			st.Keys += len(leaf.keys)
			for _, k := range leaf.keys {
				st.KeyBytes += len(k)
			}
			st.FrontCodedBytes += NewFrontCodedKeys(leaf.keys).Size()
		}
		if leaf.next == pagemanager.InvalidPageID {
			return st, nil
		}
		if leaf, err = bt.fetchNode(leaf.next); err != nil {
			return st, err
		}
	}
}

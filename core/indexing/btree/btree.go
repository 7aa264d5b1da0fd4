// Package btree implements a page-backed B+Tree over byte-string keys.
package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	bufferpool "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/buffer_pool"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// --- Configuration & Constants ---

const (
	// DefaultOrder is the maximum number of children of an internal node.
	DefaultOrder = 64
	MinOrder     = 3

	// metaMagic marks the tree's meta page ("BPTM").
	metaMagic    uint32 = 0x4250544D
	metaDataSize        = 16
)

// --- Error Definitions ---

var (
	ErrInvalidOrder                = errors.New("btree order must be at least 3")
	ErrBTreeNotInitializedProperly = errors.New("btree not initialized properly")
)

// PageLogger records a byte-range change to a page before it is applied and
// returns the LSN of the record. The tree calls it with the page's frame
// latched, after marking the frame dirty from NextLSN.
type PageLogger interface {
	NextLSN() pagemanager.LSN
	LogPageUpdate(pageID pagemanager.PageID, offset int, before, after []byte) (pagemanager.LSN, error)
}

// Entry is one key/value pair returned by a scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// BTree is a B+Tree whose nodes live in buffer pool pages. The root page id
// and order are kept on a meta page, which is read at the start of every
// operation so that a rolled-back root split is picked up.
//
// One writer at a time holds the tree latch exclusively; readers share it.
type BTree struct {
	mu       sync.RWMutex
	pool     *bufferpool.BufferPoolManager
	metaID   pagemanager.PageID
	order    int
	capacity int
	maxEntry int
	logger   *zap.Logger
}

type treeMeta struct {
	order int
	root  pagemanager.PageID
}

func newTree(pool *bufferpool.BufferPoolManager, metaID pagemanager.PageID, order int, logger *zap.Logger) *BTree {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := pagemanager.PayloadCapacity(pool.PageSize())
	return &BTree{
		pool:     pool,
		metaID:   metaID,
		order:    order,
		capacity: capacity,
		maxEntry: min(capacity/4, math.MaxUint16),
		logger:   logger.Named("btree"),
	}
}

// Create allocates a meta page and an empty root leaf and flushes both.
// Creation is not logged.
func Create(pool *bufferpool.BufferPoolManager, order int, logger *zap.Logger) (*BTree, error) {
	if pool == nil {
		return nil, ErrBTreeNotInitializedProperly
	}
	if order == 0 {
		order = DefaultOrder
	}
	if order < MinOrder {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidOrder, order)
	}

	metaFrame, err := pool.NewPage(pagemanager.PageTypeData)
	if err != nil {
		return nil, fmt.Errorf("allocating btree meta page: %w", err)
	}
	metaID := metaFrame.PageID()
	if err := pool.UnpinPage(metaID, false); err != nil {
		return nil, err
	}
	rootFrame, err := pool.NewPage(pagemanager.PageTypeBTreeLeaf)
	if err != nil {
		return nil, fmt.Errorf("allocating btree root page: %w", err)
	}
	rootID := rootFrame.PageID()
	if err := pool.UnpinPage(rootID, false); err != nil {
		return nil, err
	}

	bt := newTree(pool, metaID, order, logger)
	if err := bt.writeNode(nil, &Node{pageID: rootID, isLeaf: true}); err != nil {
		return nil, err
	}
	if err := bt.writeMeta(nil, treeMeta{order: order, root: rootID}); err != nil {
		return nil, err
	}
	// root before meta, so a torn create never leaves a meta page pointing at garbage
	if err := pool.FlushPage(rootID); err != nil {
		return nil, err
	}
	if err := pool.FlushPage(metaID); err != nil {
		return nil, err
	}
	bt.logger.Info("btree created",
		zap.Uint64("meta_page_id", uint64(metaID)),
		zap.Uint64("root_page_id", uint64(rootID)),
		zap.Int("order", order))
	return bt, nil
}

// Open attaches to a tree whose meta page is metaID.
func Open(pool *bufferpool.BufferPoolManager, metaID pagemanager.PageID, logger *zap.Logger) (*BTree, error) {
	if pool == nil {
		return nil, ErrBTreeNotInitializedProperly
	}
	bt := newTree(pool, metaID, 0, logger)
	meta, err := bt.readMeta()
	if err != nil {
		return nil, err
	}
	bt.order = meta.order
	bt.logger.Info("btree opened",
		zap.Uint64("meta_page_id", uint64(metaID)),
		zap.Uint64("root_page_id", uint64(meta.root)),
		zap.Int("order", meta.order))
	return bt, nil
}

// MetaPageID returns the id of the page holding the tree's root and order.
func (bt *BTree) MetaPageID() pagemanager.PageID { return bt.metaID }

// Order returns the maximum number of children of an internal node.
func (bt *BTree) Order() int { return bt.order }

// Latch exposes the exclusive side of the tree latch. Undo of logged page
// changes takes it so readers never observe a half rolled-back node.
func (bt *BTree) Latch() sync.Locker { return &bt.mu }

// --- Page access ---

func (bt *BTree) readMeta() (treeMeta, error) {
	f, err := bt.pool.FetchPage(bt.metaID)
	if err != nil {
		return treeMeta{}, fmt.Errorf("fetching btree meta page %d: %w", bt.metaID, err)
	}
	f.RLock()
	payload := f.Page().Payload()
	magic := binary.LittleEndian.Uint32(payload[0:4])
	meta := treeMeta{
		order: int(binary.LittleEndian.Uint32(payload[4:8])),
		root:  pagemanager.PageID(binary.LittleEndian.Uint64(payload[8:16])),
	}
	f.RUnlock()
	if err := bt.pool.UnpinPage(bt.metaID, false); err != nil {
		return treeMeta{}, err
	}
	if magic != metaMagic || meta.order < MinOrder || meta.root == pagemanager.InvalidPageID {
		return treeMeta{}, dberror.NewPageError("btree-meta", uint64(bt.metaID),
			fmt.Errorf("%w: not a btree meta page (magic 0x%08x)", dberror.ErrCorruption, magic))
	}
	return meta, nil
}

func (bt *BTree) writeMeta(pl PageLogger, meta treeMeta) error {
	img := make([]byte, metaDataSize)
	binary.LittleEndian.PutUint32(img[0:4], metaMagic)
	binary.LittleEndian.PutUint32(img[4:8], uint32(meta.order))
	binary.LittleEndian.PutUint64(img[8:16], uint64(meta.root))
	return bt.writeImage(pl, bt.metaID, pagemanager.PageTypeData, img)
}

// fetchNode reads a node. The page is unpinned again before returning; the
// node is a private copy.
func (bt *BTree) fetchNode(pageID pagemanager.PageID) (*Node, error) {
	f, err := bt.pool.FetchPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("fetching btree node %d: %w", pageID, err)
	}
	f.RLock()
	n, err := deserialize(pageID, f.Page().Payload())
	f.RUnlock()
	if uerr := bt.pool.UnpinPage(pageID, false); err == nil {
		err = uerr
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (bt *BTree) writeNode(pl PageLogger, n *Node) error {
	img, err := n.serialize(bt.capacity)
	if err != nil {
		return err
	}
	return bt.writeImage(pl, n.pageID, n.pageType(), img)
}

// writeImage brings the page's payload prefix to img. Only the changed byte
// range is logged and written.
func (bt *BTree) writeImage(pl PageLogger, pageID pagemanager.PageID, pageType pagemanager.PageType, img []byte) error {
	f, err := bt.pool.FetchPage(pageID)
	if err != nil {
		return fmt.Errorf("fetching page %d for write: %w", pageID, err)
	}
	defer bt.pool.UnpinPage(pageID, false)

	f.Lock()
	defer f.Unlock()
	page := f.Page()
	page.SetType(pageType)
	cur := page.Payload()
	lo, hi := changedRange(cur, img)
	if lo == hi {
		return nil
	}
	if pl == nil {
		if err := page.WriteAt(lo, img[lo:hi]); err != nil {
			return err
		}
		f.MarkDirty()
		return nil
	}

	f.MarkDirtyFrom(pl.NextLSN())
	lsn, err := pl.LogPageUpdate(pageID, lo, bytes.Clone(cur[lo:hi]), img[lo:hi])
	if err != nil {
		return fmt.Errorf("logging write to page %d: %w", pageID, err)
	}
	if err := page.WriteAt(lo, img[lo:hi]); err != nil {
		return err
	}
	f.SetLSN(lsn)
	return nil
}

func (bt *BTree) allocateNode(leaf bool) (*Node, error) {
	pageType := pagemanager.PageTypeBTreeInternal
	if leaf {
		pageType = pagemanager.PageTypeBTreeLeaf
	}
	f, err := bt.pool.NewPage(pageType)
	if err != nil {
		return nil, fmt.Errorf("allocating btree node: %w", err)
	}
	id := f.PageID()
	if err := bt.pool.UnpinPage(id, false); err != nil {
		return nil, err
	}
	return &Node{pageID: id, isLeaf: leaf}, nil
}

func (bt *BTree) checkEntry(key, value []byte) error {
	if sz := max(leafEntrySize(key, value), internalEntrySize(key)); sz > bt.maxEntry {
		return fmt.Errorf("%w: entry of %d bytes, limit %d", dberror.ErrEntryTooLarge, sz, bt.maxEntry)
	}
	return nil
}

func (bt *BTree) overflows(n *Node) bool {
	if n.isLeaf {
		return len(n.keys) > bt.order-1 || n.size() > bt.capacity
	}
	return len(n.childPageIDs) > bt.order || n.size() > bt.capacity
}

// --- Read operations ---

// findLeaf descends from the root to the leaf covering key. A nil key selects
// the leftmost leaf.
func (bt *BTree) findLeaf(key []byte) (*Node, error) {
	meta, err := bt.readMeta()
	if err != nil {
		return nil, err
	}
	id := meta.root
	for depth := 0; ; depth++ {
		n, err := bt.fetchNode(id)
		if err != nil {
			return nil, err
		}
		if n.isLeaf {
			return n, nil
		}
		if depth > 64 {
			return nil, dberror.NewPageError("btree-descend", uint64(id),
				fmt.Errorf("%w: tree deeper than 64 levels", dberror.ErrCorruption))
		}
		idx := 0
		if key != nil {
			idx = n.childIndex(key)
		}
		id = n.childPageIDs[idx]
	}
}

// Search returns the value stored under key.
func (bt *BTree) Search(key []byte) ([]byte, bool, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	leaf, err := bt.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	if pos, found := leaf.search(key); found {
		return leaf.values[pos], true, nil
	}
	return nil, false, nil
}

// Ascend calls fn for every entry with low <= key <= high in key order,
// following leaf sibling links, until fn returns false. A nil bound is open.
// fn runs with the tree latch held and must not modify the tree.
func (bt *BTree) Ascend(low, high []byte, fn func(key, value []byte) bool) error {
	if low != nil && high != nil && bytes.Compare(low, high) > 0 {
		return nil
	}
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	leaf, err := bt.findLeaf(low)
	if err != nil {
		return err
	}
	pos := 0
	if low != nil {
		pos, _ = leaf.search(low)
	}
	for {
		for ; pos < len(leaf.keys); pos++ {
			if high != nil && bytes.Compare(leaf.keys[pos], high) > 0 {
				return nil
			}
			if !fn(leaf.keys[pos], leaf.values[pos]) {
				return nil
			}
		}
		if leaf.next == pagemanager.InvalidPageID {
			return nil
		}
		if leaf, err = bt.fetchNode(leaf.next); err != nil {
			return err
		}
		pos = 0
	}
}

// RangeScan returns up to limit entries with low <= key <= high (limit <= 0
// means no limit). A truncated scan resumes by re-issuing it with low set just
// past the last key returned.
func (bt *BTree) RangeScan(low, high []byte, limit int) ([]Entry, error) {
	var out []Entry
	err := bt.Ascend(low, high, func(k, v []byte) bool {
		out = append(out, Entry{Key: k, Value: v})
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// Height returns the number of levels; a lone root leaf has height 1.
func (bt *BTree) Height() (int, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	meta, err := bt.readMeta()
	if err != nil {
		return 0, err
	}
	h := 1
	for id := meta.root; ; h++ {
		n, err := bt.fetchNode(id)
		if err != nil {
			return 0, err
		}
		if n.isLeaf {
			return h, nil
		}
		id = n.childPageIDs[0]
	}
}

// --- Write operations ---

// Insert adds key. It fails with ErrDuplicateKey when key is present.
// Page changes are logged through pl; a nil pl writes unlogged.
func (bt *BTree) Insert(pl PageLogger, key, value []byte) error {
	_, err := bt.put(pl, key, value, false)
	return err
}

// Upsert inserts key or replaces its value. It reports whether key was new.
func (bt *BTree) Upsert(pl PageLogger, key, value []byte) (bool, error) {
	return bt.put(pl, key, value, true)
}

type pathEntry struct {
	node *Node
	idx  int // child followed
}

func (bt *BTree) put(pl PageLogger, key, value []byte, replace bool) (bool, error) {
	if err := bt.checkEntry(key, value); err != nil {
		return false, err
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	meta, err := bt.readMeta()
	if err != nil {
		return false, err
	}
	var path []pathEntry
	id := meta.root
	var leaf *Node
	for {
		n, err := bt.fetchNode(id)
		if err != nil {
			return false, err
		}
		if n.isLeaf {
			leaf = n
			break
		}
		idx := n.childIndex(key)
		path = append(path, pathEntry{node: n, idx: idx})
		id = n.childPageIDs[idx]
	}

	pos, found := leaf.search(key)
	if found {
		if !replace {
			return false, fmt.Errorf("%w: %q", dberror.ErrDuplicateKey, key)
		}
		leaf.values[pos] = value
		if bt.overflows(leaf) {
			return false, bt.splitAndPropagate(pl, meta, leaf, path)
		}
		return false, bt.writeNode(pl, leaf)
	}
	leaf.insertLeafEntry(pos, key, value)
	if !bt.overflows(leaf) {
		return true, bt.writeNode(pl, leaf)
	}
	return true, bt.splitAndPropagate(pl, meta, leaf, path)
}

// splitAndPropagate splits an overflowing leaf and carries separators up the
// recorded path, growing a new root when the old root splits.
func (bt *BTree) splitAndPropagate(pl PageLogger, meta treeMeta, leaf *Node, path []pathEntry) error {
	right, err := bt.allocateNode(true)
	if err != nil {
		return err
	}
	m := bt.leafSplitPoint(leaf)
	right.keys = append(right.keys, leaf.keys[m:]...)
	right.values = append(right.values, leaf.values[m:]...)
	right.next = leaf.next
	leaf.keys = leaf.keys[:m:m]
	leaf.values = leaf.values[:m:m]
	leaf.next = right.pageID
	// the new sibling is complete before anything links to it
	if err := bt.writeNode(pl, right); err != nil {
		return err
	}
	if err := bt.writeNode(pl, leaf); err != nil {
		return err
	}
	separator := right.keys[0]
	newChild := right.pageID
	leftmost := leaf.pageID

	for len(path) > 0 {
		parent := path[len(path)-1].node
		idx := path[len(path)-1].idx
		path = path[:len(path)-1]

		parent.insertChild(idx, separator, newChild)
		if !bt.overflows(parent) {
			return bt.writeNode(pl, parent)
		}
		sibling, err := bt.allocateNode(false)
		if err != nil {
			return err
		}
		m := bt.internalSplitPoint(parent)
		up := parent.keys[m]
		sibling.keys = append(sibling.keys, parent.keys[m+1:]...)
		sibling.childPageIDs = append(sibling.childPageIDs, parent.childPageIDs[m+1:]...)
		parent.keys = parent.keys[:m:m]
		parent.childPageIDs = parent.childPageIDs[: m+1 : m+1]
		if err := bt.writeNode(pl, sibling); err != nil {
			return err
		}
		if err := bt.writeNode(pl, parent); err != nil {
			return err
		}
		separator, newChild, leftmost = up, sibling.pageID, parent.pageID
	}

	root, err := bt.allocateNode(false)
	if err != nil {
		return err
	}
	root.keys = [][]byte{separator}
	root.childPageIDs = []pagemanager.PageID{leftmost, newChild}
	if err := bt.writeNode(pl, root); err != nil {
		return err
	}
	meta.root = root.pageID
	if err := bt.writeMeta(pl, meta); err != nil {
		return err
	}
	bt.logger.Debug("btree root split", zap.Uint64("root_page_id", uint64(root.pageID)))
	return nil
}

// leafSplitPoint returns the index of the first entry moving right. The count
// median is used when both halves fit; otherwise the cut balances bytes.
func (bt *BTree) leafSplitPoint(n *Node) int {
	sizes := make([]int, len(n.keys))
	for i := range n.keys {
		sizes[i] = leafEntrySize(n.keys[i], n.values[i])
	}
	return splitPoint(sizes, nodeHeaderSize, bt.capacity, 1, len(sizes)-1, false)
}

// internalSplitPoint returns the index of the separator moving up.
func (bt *BTree) internalSplitPoint(n *Node) int {
	sizes := make([]int, len(n.keys))
	for i, k := range n.keys {
		sizes[i] = internalEntrySize(k)
	}
	return splitPoint(sizes, nodeHeaderSize+8, bt.capacity, 1, len(sizes)-2, true)
}

func splitPoint(sizes []int, fixed, capacity, lo, hi int, dropMiddle bool) int {
	fits := func(m int) bool {
		left, right := fixed, fixed
		for i, s := range sizes {
			switch {
			case i < m:
				left += s
			case i == m && dropMiddle:
			default:
				right += s
			}
		}
		return left <= capacity && right <= capacity
	}
	m := min(max(len(sizes)/2, lo), hi)
	if fits(m) {
		return m
	}
	total := 0
	for _, s := range sizes {
		total += s
	}
	acc := 0
	for m = lo; m < hi; m++ {
		acc += sizes[m-1]
		if 2*acc >= total {
			break
		}
	}
	return m
}

// Delete removes key, failing with ErrNotFound when it is absent. Leaves are
// never merged, so a leaf may end up empty; separators stay in place.
func (bt *BTree) Delete(pl PageLogger, key []byte) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	leaf, err := bt.findLeaf(key)
	if err != nil {
		return err
	}
	pos, found := leaf.search(key)
	if !found {
		return fmt.Errorf("%w: %q", dberror.ErrNotFound, key)
	}
	leaf.removeLeafEntry(pos)
	return bt.writeNode(pl, leaf)
}

// --- Verification ---

// Verify walks the whole tree and checks key order, separator bounds, uniform
// leaf depth, children == keys + 1, node capacity and the leaf chain.
func (bt *BTree) Verify() error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	meta, err := bt.readMeta()
	if err != nil {
		return err
	}
	v := &verifier{bt: bt, leafDepth: -1, seen: make(map[pagemanager.PageID]bool)}
	if err := v.walk(meta.root, nil, nil, 0); err != nil {
		return err
	}
	// the sibling chain must list exactly the leaves, left to right
	for i, id := range v.leaves {
		n, err := bt.fetchNode(id)
		if err != nil {
			return err
		}
		want := pagemanager.InvalidPageID
		if i+1 < len(v.leaves) {
			want = v.leaves[i+1]
		}
		if n.next != want {
			return v.fail(id, "leaf links to %d, next leaf in order is %d", n.next, want)
		}
	}
	return nil
}

type verifier struct {
	bt        *BTree
	leafDepth int
	leaves    []pagemanager.PageID
	seen      map[pagemanager.PageID]bool
}

func (v *verifier) fail(id pagemanager.PageID, format string, args ...any) error {
	return dberror.NewPageError("btree-verify", uint64(id),
		fmt.Errorf("%w: %s", dberror.ErrCorruption, fmt.Sprintf(format, args...)))
}

// walk checks the subtree at id, whose keys must lie in [lo, hi).
func (v *verifier) walk(id pagemanager.PageID, lo, hi []byte, depth int) error {
	if v.seen[id] {
		return v.fail(id, "page reachable twice")
	}
	v.seen[id] = true
	n, err := v.bt.fetchNode(id)
	if err != nil {
		return err
	}
	if n.size() > v.bt.capacity {
		return v.fail(id, "node of %d bytes exceeds capacity %d", n.size(), v.bt.capacity)
	}
	for i, k := range n.keys {
		if i > 0 && bytes.Compare(n.keys[i-1], k) >= 0 {
			return v.fail(id, "keys out of order at %d", i)
		}
		if lo != nil && bytes.Compare(k, lo) < 0 {
			return v.fail(id, "key %q below lower bound %q", k, lo)
		}
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			return v.fail(id, "key %q not below upper bound %q", k, hi)
		}
	}
	if n.isLeaf {
		if len(n.keys) > v.bt.order-1 {
			return v.fail(id, "leaf holds %d keys, order %d", len(n.keys), v.bt.order)
		}
		if v.leafDepth == -1 {
			v.leafDepth = depth
		} else if v.leafDepth != depth {
			return v.fail(id, "leaf at depth %d, others at %d", depth, v.leafDepth)
		}
		v.leaves = append(v.leaves, id)
		return nil
	}
	if len(n.childPageIDs) != len(n.keys)+1 {
		return v.fail(id, "%d children for %d keys", len(n.childPageIDs), len(n.keys))
	}
	if len(n.childPageIDs) > v.bt.order {
		return v.fail(id, "%d children, order %d", len(n.childPageIDs), v.bt.order)
	}
	for i, child := range n.childPageIDs {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}
		if err := v.walk(child, clo, chi, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Package bufferpool caches database pages in a fixed set of frames.
package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// PageStore is the slice of the pager the buffer pool depends on.
type PageStore interface {
	Read(id pagemanager.PageID) (*pagemanager.Page, error)
	Write(page *pagemanager.Page) error
	Allocate(pageType pagemanager.PageType) (pagemanager.PageID, error)
	Deallocate(id pagemanager.PageID) error
	Materialize(id pagemanager.PageID) error
	SyncOnCommit() error
	PageSize() int
}

// LogFlusher makes the log durable up to lsn. It is called before any dirty
// page whose pageLSN is lsn reaches disk.
type LogFlusher interface {
	FlushTo(lsn pagemanager.LSN) error
}

// Options configures a BufferPoolManager.
type Options struct {
	Frames   int
	Policy   string // "lru" or "clock"
	MaxDirty int    // Kick fires once more frames than this are dirty; 0 disables it
}

// Stats is a snapshot of pool state and counters.
type Stats struct {
	Frames    int
	Resident  int
	Pinned    int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Policy    string
}

// BufferPoolManager manages in-memory pages (frames) and interacts with the pager.
type BufferPoolManager struct {
	pager   PageStore
	log     LogFlusher
	policy  EvictionPolicy
	frames  []*Frame
	maxDirt int

	pageTable sync.Map // PageID -> *Frame; hits never take a pool-wide lock

	missMu     sync.Mutex // serializes misses, allocation and eviction
	freeFrames []int

	dirtyCount atomic.Int64
	kick       chan struct{}

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(pager PageStore, logFlusher LogFlusher, opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager, error) {
	if pager == nil {
		return nil, fmt.Errorf("%w: buffer pool needs a pager", dberror.ErrInvalidConfig)
	}
	if opts.Frames <= 0 {
		return nil, fmt.Errorf("%w: buffer pool needs at least one frame, got %d", dberror.ErrInvalidConfig, opts.Frames)
	}
	policy, err := NewEvictionPolicy(opts.Policy, opts.Frames)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		pager:      pager,
		log:        logFlusher,
		policy:     policy,
		frames:     make([]*Frame, opts.Frames),
		maxDirt:    opts.MaxDirty,
		freeFrames: make([]int, 0, opts.Frames),
		kick:       make(chan struct{}, 1),
		logger:     logger.Named("bufferpool"),
		metrics:    internaltelemetry.OrNop(metrics),
	}
	for i := range bpm.frames {
		bpm.frames[i] = &Frame{index: i, pool: bpm}
		// pop from the back, so frame 0 is used first
		bpm.freeFrames = append(bpm.freeFrames, opts.Frames-1-i)
	}
	bpm.logger.Info("buffer pool initialized",
		zap.Int("frames", opts.Frames),
		zap.Int("page_size", pager.PageSize()),
		zap.String("policy", policy.Name()))
	return bpm, nil
}

// SetLogFlusher installs the log used to enforce write-ahead ordering.
func (bpm *BufferPoolManager) SetLogFlusher(l LogFlusher) { bpm.log = l }

// PageSize returns the page size of the underlying pager.
func (bpm *BufferPoolManager) PageSize() int { return bpm.pager.PageSize() }

// Kick is signalled when the number of dirty frames exceeds MaxDirty.
func (bpm *BufferPoolManager) Kick() <-chan struct{} { return bpm.kick }

// DirtyCount returns the number of dirty frames.
func (bpm *BufferPoolManager) DirtyCount() int { return int(bpm.dirtyCount.Load()) }

func (bpm *BufferPoolManager) dirtyAdded() {
	if n := bpm.dirtyCount.Add(1); bpm.maxDirt > 0 && n > int64(bpm.maxDirt) {
		select {
		case bpm.kick <- struct{}{}:
		default:
		}
	}
}

func (bpm *BufferPoolManager) dirtyRemoved() { bpm.dirtyCount.Add(-1) }

// lookup pins the resident frame for id, or returns nil.
func (bpm *BufferPoolManager) lookup(id pagemanager.PageID) *Frame {
	v, ok := bpm.pageTable.Load(id)
	if !ok {
		return nil
	}
	f := v.(*Frame)
	if !f.tryPin() {
		return nil
	}
	if f.PageID() != id {
		// reassigned between Load and pin
		f.pin.Add(-1)
		return nil
	}
	bpm.policy.Touch(f.index)
	return f
}

// FetchPage returns the frame holding id, pinned. Callers must UnpinPage it.
func (bpm *BufferPoolManager) FetchPage(id pagemanager.PageID) (*Frame, error) {
	if id == pagemanager.InvalidPageID {
		return nil, dberror.NewPageError("fetch", uint64(id), dberror.ErrInvalidPage)
	}
	if f := bpm.lookup(id); f != nil {
		bpm.hits.Add(1)
		bpm.metrics.BufferHits.Add(context.Background(), 1)
		return f, nil
	}

	bpm.missMu.Lock()
	defer bpm.missMu.Unlock()
	if f := bpm.lookup(id); f != nil {
		bpm.hits.Add(1)
		bpm.metrics.BufferHits.Add(context.Background(), 1)
		return f, nil
	}
	bpm.misses.Add(1)
	bpm.metrics.BufferMisses.Add(context.Background(), 1)

	page, err := bpm.pager.Read(id)
	if err != nil {
		return nil, err
	}
	f, err := bpm.claimFrame()
	if err != nil {
		return nil, err
	}
	bpm.install(f, page)
	return f, nil
}

// NewPage allocates a page on disk and returns it pinned in a frame.
func (bpm *BufferPoolManager) NewPage(pageType pagemanager.PageType) (*Frame, error) {
	bpm.missMu.Lock()
	defer bpm.missMu.Unlock()

	id, err := bpm.pager.Allocate(pageType)
	if err != nil {
		return nil, err
	}
	f, err := bpm.claimFrame()
	if err != nil {
		if derr := bpm.pager.Deallocate(id); derr != nil {
			bpm.logger.Warn("could not release page after failed frame claim", zap.Uint64("page_id", uint64(id)), zap.Error(derr))
		}
		return nil, err
	}
	bpm.install(f, pagemanager.NewPage(id, pageType, bpm.pager.PageSize()))
	return f, nil
}

// UnpinPage drops one pin on id, marking the frame dirty if isDirty.
func (bpm *BufferPoolManager) UnpinPage(id pagemanager.PageID, isDirty bool) error {
	v, ok := bpm.pageTable.Load(id)
	if !ok {
		return dberror.NewPageError("unpin", uint64(id), dberror.ErrPinUnderflow)
	}
	f := v.(*Frame)
	if isDirty {
		f.MarkDirty()
	}
	for {
		p := f.pin.Load()
		if p <= 0 {
			return dberror.NewPageError("unpin", uint64(id), dberror.ErrPinUnderflow)
		}
		if f.pin.CompareAndSwap(p, p-1) {
			return nil
		}
	}
}

// claimFrame returns a frame with pin == -1 that holds no page. Caller holds missMu.
func (bpm *BufferPoolManager) claimFrame() (*Frame, error) {
	if n := len(bpm.freeFrames); n > 0 {
		f := bpm.frames[bpm.freeFrames[n-1]]
		bpm.freeFrames = bpm.freeFrames[:n-1]
		f.pin.Store(-1)
		return f, nil
	}

	victim := bpm.pickVictim()
	if victim == nil {
		return nil, fmt.Errorf("%w: all %d frames pinned", dberror.ErrPoolExhausted, len(bpm.frames))
	}
	if err := bpm.evict(victim); err != nil {
		victim.pin.Store(0)
		bpm.policy.Touch(victim.index)
		return nil, err
	}
	return victim, nil
}

// pickVictim asks the policy for candidates until one is unpinned, then falls
// back to a scan. The returned frame has pin == -1.
func (bpm *BufferPoolManager) pickVictim() *Frame {
	for attempts := 0; attempts < 2*len(bpm.frames); attempts++ {
		idx, ok := bpm.policy.Victim()
		if !ok {
			break
		}
		f := bpm.frames[idx]
		if f.pin.CompareAndSwap(0, -1) {
			return f
		}
		bpm.policy.Touch(idx)
	}
	for _, f := range bpm.frames {
		if f.PageID() != pagemanager.InvalidPageID && f.pin.CompareAndSwap(0, -1) {
			bpm.policy.Remove(f.index)
			return f
		}
	}
	return nil
}

// evict writes back a dirty victim, log first, and detaches it from the page table.
func (bpm *BufferPoolManager) evict(f *Frame) error {
	id := f.PageID()
	if f.IsDirty() {
		if err := bpm.writeBack(f, f.page, f.PageLSN()); err != nil {
			return fmt.Errorf("flushing victim page %d: %w", id, err)
		}
		f.recLSN.Store(0)
		if f.dirty.Swap(false) {
			bpm.dirtyRemoved()
		}
	}
	bpm.pageTable.CompareAndDelete(id, f)
	f.reset()
	bpm.evictions.Add(1)
	bpm.metrics.BufferEvictions.Add(context.Background(), 1)
	bpm.logger.Debug("evicted page", zap.Uint64("page_id", uint64(id)), zap.Int("frame", f.index))
	return nil
}

func (bpm *BufferPoolManager) install(f *Frame, page *pagemanager.Page) {
	f.page = page
	f.pageID.Store(uint64(page.ID()))
	f.pageLSN.Store(0)
	f.recLSN.Store(0)
	f.pin.Store(1)
	bpm.pageTable.Store(page.ID(), f)
	bpm.policy.Touch(f.index)
}

// writeBack forces the log to lsn and then writes page.
func (bpm *BufferPoolManager) writeBack(f *Frame, page *pagemanager.Page, lsn pagemanager.LSN) error {
	if bpm.log != nil && lsn != pagemanager.InvalidLSN {
		if err := bpm.log.FlushTo(lsn); err != nil {
			return fmt.Errorf("flushing log to %d: %w", lsn, err)
		}
	}
	if err := bpm.pager.Write(page); err != nil {
		return err
	}
	bpm.metrics.PagesFlushed.Add(context.Background(), 1)
	return nil
}

// flushFrame writes a pinned frame back if dirty. Dirty and recLSN stay set
// until the write has landed, so DirtyPageTable keeps reporting the page while
// it is in flight.
func (bpm *BufferPoolManager) flushFrame(f *Frame) error {
	f.RLock()
	if !f.IsDirty() {
		f.RUnlock()
		return nil
	}
	snapshot := f.page.Clone()
	lsn := f.PageLSN()
	version := f.version.Load()
	f.RUnlock()

	if err := bpm.writeBack(f, snapshot, lsn); err != nil {
		return err
	}
	f.markClean(version)
	return nil
}

// FlushPage writes id back to disk if it is resident and dirty.
func (bpm *BufferPoolManager) FlushPage(id pagemanager.PageID) error {
	f := bpm.lookup(id)
	if f == nil {
		return nil
	}
	defer f.pin.Add(-1)
	return bpm.flushFrame(f)
}

// FlushIfUnpinned flushes id only when nobody holds it. It reports whether a
// write was attempted.
func (bpm *BufferPoolManager) FlushIfUnpinned(id pagemanager.PageID) (bool, error) {
	v, ok := bpm.pageTable.Load(id)
	if !ok {
		return false, nil
	}
	f := v.(*Frame)
	if !f.pin.CompareAndSwap(0, 1) {
		return false, nil
	}
	defer f.pin.Add(-1)
	if f.PageID() != id || !f.IsDirty() {
		return false, nil
	}
	return true, bpm.flushFrame(f)
}

// FlushAllPages writes back every dirty frame and syncs the pager. The first
// error is returned after all frames have been attempted.
func (bpm *BufferPoolManager) FlushAllPages() error {
	var firstErr error
	for _, f := range bpm.frames {
		if f.PageID() == pagemanager.InvalidPageID || !f.IsDirty() || !f.tryPin() {
			continue
		}
		if err := bpm.flushFrame(f); err != nil {
			bpm.logger.Error("failed to flush page", zap.Uint64("page_id", uint64(f.PageID())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		f.pin.Add(-1)
	}
	if err := bpm.pager.SyncOnCommit(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage drops id from the pool and returns it to the pager's free list.
func (bpm *BufferPoolManager) DeletePage(id pagemanager.PageID) error {
	bpm.missMu.Lock()
	defer bpm.missMu.Unlock()
	if v, ok := bpm.pageTable.Load(id); ok {
		f := v.(*Frame)
		if !f.pin.CompareAndSwap(0, -1) {
			return dberror.NewPageError("delete", uint64(id), fmt.Errorf("%w: page is pinned", dberror.ErrInvalidPage))
		}
		bpm.pageTable.CompareAndDelete(id, f)
		bpm.policy.Remove(f.index)
		f.reset()
		f.pin.Store(0)
		bpm.freeFrames = append(bpm.freeFrames, f.index)
	}
	return bpm.pager.Deallocate(id)
}

// ApplyImage writes data at offset of page id and stamps lsn. Pages that do
// not exist yet are materialized; recovery relies on this.
func (bpm *BufferPoolManager) ApplyImage(id pagemanager.PageID, offset int, data []byte, lsn pagemanager.LSN) error {
	f, err := bpm.FetchPage(id)
	if errors.Is(err, dberror.ErrPageNotFound) {
		if err = bpm.pager.Materialize(id); err != nil {
			return err
		}
		f, err = bpm.FetchPage(id)
	}
	if err != nil {
		return err
	}
	f.Lock()
	if err = f.page.WriteAt(offset, data); err == nil {
		f.SetLSN(lsn)
	}
	f.Unlock()
	if uerr := bpm.UnpinPage(id, false); err == nil {
		err = uerr
	}
	return err
}

// ApplyLogged latches page id, marks it dirty from floor, calls logFn for the
// record LSN and then writes data at offset. Undo uses it so the log record
// and the page change are atomic with respect to flushing and checkpoints.
func (bpm *BufferPoolManager) ApplyLogged(id pagemanager.PageID, offset int, data []byte, floor pagemanager.LSN,
	logFn func() (pagemanager.LSN, error)) (pagemanager.LSN, error) {
	f, err := bpm.FetchPage(id)
	if errors.Is(err, dberror.ErrPageNotFound) {
		if err = bpm.pager.Materialize(id); err != nil {
			return pagemanager.InvalidLSN, err
		}
		f, err = bpm.FetchPage(id)
	}
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	defer bpm.UnpinPage(id, false)

	f.Lock()
	defer f.Unlock()
	if offset < 0 || offset+len(data) > f.page.Capacity() {
		return pagemanager.InvalidLSN, dberror.NewPageError("apply", uint64(id),
			fmt.Errorf("%w: range [%d,%d) outside payload", dberror.ErrInvalidPage, offset, offset+len(data)))
	}
	f.MarkDirtyFrom(floor)
	lsn, err := logFn()
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	if err := f.page.WriteAt(offset, data); err != nil {
		return pagemanager.InvalidLSN, err
	}
	f.SetLSN(lsn)
	return lsn, nil
}

// DirtyPageTable returns recLSN for every dirty frame.
func (bpm *BufferPoolManager) DirtyPageTable() map[pagemanager.PageID]pagemanager.LSN {
	dpt := make(map[pagemanager.PageID]pagemanager.LSN)
	for _, f := range bpm.frames {
		id := f.PageID()
		if id == pagemanager.InvalidPageID || !f.IsDirty() {
			continue
		}
		if rec := f.RecLSN(); rec != pagemanager.InvalidLSN {
			dpt[id] = rec
		}
	}
	return dpt
}

// DirtyPageIDs lists dirty pages, oldest recLSN first.
func (bpm *BufferPoolManager) DirtyPageIDs() []pagemanager.PageID {
	type entry struct {
		id  pagemanager.PageID
		rec pagemanager.LSN
	}
	var entries []entry
	for _, f := range bpm.frames {
		if id := f.PageID(); id != pagemanager.InvalidPageID && f.IsDirty() {
			entries = append(entries, entry{id, f.RecLSN()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rec < entries[j].rec })
	ids := make([]pagemanager.PageID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Stats returns a snapshot of the pool.
func (bpm *BufferPoolManager) Stats() Stats {
	s := Stats{
		Frames:    len(bpm.frames),
		Hits:      bpm.hits.Load(),
		Misses:    bpm.misses.Load(),
		Evictions: bpm.evictions.Load(),
		Policy:    bpm.policy.Name(),
	}
	for _, f := range bpm.frames {
		if f.PageID() == pagemanager.InvalidPageID {
			continue
		}
		s.Resident++
		if f.PinCount() > 0 {
			s.Pinned++
		}
		if f.IsDirty() {
			s.Dirty++
		}
	}
	return s
}

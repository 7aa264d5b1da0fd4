package bufferpool

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// Frame is one buffer pool slot. A caller holding a pin may read Page under
// RLock and modify it under Lock; the pin only keeps the frame from being
// reassigned to another page.
type Frame struct {
	index int
	pool  *BufferPoolManager

	latch sync.RWMutex
	page  *pagemanager.Page

	pageID  atomic.Uint64
	pin     atomic.Int32 // -1 while the frame is being evicted
	dirty   atomic.Bool
	pageLSN atomic.Uint64 // LSN of the newest change applied in memory
	recLSN  atomic.Uint64 // LSN of the oldest change not yet on disk
	version atomic.Uint64 // bumped by every MarkDirty
}

func (f *Frame) PageID() pagemanager.PageID { return pagemanager.PageID(f.pageID.Load()) }
func (f *Frame) Page() *pagemanager.Page    { return f.page }
func (f *Frame) PinCount() int32            { return f.pin.Load() }
func (f *Frame) IsDirty() bool              { return f.dirty.Load() }
func (f *Frame) PageLSN() pagemanager.LSN   { return pagemanager.LSN(f.pageLSN.Load()) }
func (f *Frame) RecLSN() pagemanager.LSN    { return pagemanager.LSN(f.recLSN.Load()) }

func (f *Frame) Lock()    { f.latch.Lock() }
func (f *Frame) Unlock()  { f.latch.Unlock() }
func (f *Frame) RLock()   { f.latch.RLock() }
func (f *Frame) RUnlock() { f.latch.RUnlock() }

// MarkDirty flags the frame as differing from disk.
func (f *Frame) MarkDirty() {
	f.version.Add(1)
	if f.dirty.CompareAndSwap(false, true) {
		f.pool.dirtyAdded()
	}
}

// SetLSN records that the change logged at lsn has been applied to the page.
// Call it while holding the write latch so a concurrent flush sees the change
// and its LSN together.
func (f *Frame) SetLSN(lsn pagemanager.LSN) {
	for {
		cur := f.pageLSN.Load()
		if uint64(lsn) <= cur || f.pageLSN.CompareAndSwap(cur, uint64(lsn)) {
			break
		}
	}
	f.recLSN.CompareAndSwap(0, uint64(lsn))
	f.MarkDirty()
}

// MarkDirtyFrom marks the frame dirty before a change is logged. floor must
// not exceed the LSN the change will get; it becomes recLSN if none is set,
// so a checkpoint taken in between still covers the change.
func (f *Frame) MarkDirtyFrom(floor pagemanager.LSN) {
	if floor != pagemanager.InvalidLSN {
		f.recLSN.CompareAndSwap(0, uint64(floor))
	}
	f.MarkDirty()
}

func (f *Frame) tryPin() bool {
	for {
		p := f.pin.Load()
		if p < 0 {
			return false
		}
		if f.pin.CompareAndSwap(p, p+1) {
			return true
		}
	}
}

// markClean clears dirty and recLSN after a write of the image taken at
// version. A change made since then keeps the frame dirty with its recLSN, so
// a checkpoint never loses sight of a page whose newest image is not on disk.
func (f *Frame) markClean(version uint64) bool {
	f.latch.Lock()
	defer f.latch.Unlock()
	if f.version.Load() != version {
		return false
	}
	f.recLSN.Store(0)
	if f.dirty.Swap(false) {
		f.pool.dirtyRemoved()
	}
	return true
}

func (f *Frame) reset() {
	f.page = nil
	f.pageID.Store(uint64(pagemanager.InvalidPageID))
	f.pageLSN.Store(0)
	f.recLSN.Store(0)
	if f.dirty.Swap(false) {
		f.pool.dirtyRemoved()
	}
}

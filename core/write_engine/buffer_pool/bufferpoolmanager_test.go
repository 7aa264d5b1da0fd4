package bufferpool

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

const testPageSize = 512

// eventLog records log flushes and page writes in order.
type eventLog struct {
	mu      sync.Mutex
	flushed pagemanager.LSN
	events  []string
}

func (e *eventLog) FlushTo(lsn pagemanager.LSN) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lsn > e.flushed {
		e.flushed = lsn
	}
	e.events = append(e.events, fmt.Sprintf("log:%d", lsn))
	return nil
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type recordingStore struct {
	*pagemanager.Pager
	log *eventLog
}

func (r *recordingStore) Write(page *pagemanager.Page) error {
	r.log.mu.Lock()
	r.log.events = append(r.log.events, fmt.Sprintf("page:%d", page.ID()))
	r.log.mu.Unlock()
	return r.Pager.Write(page)
}

func setupPool(t *testing.T, frames int, policy string) (*BufferPoolManager, *pagemanager.Pager, *eventLog) {
	t.Helper()
	pager, err := pagemanager.Open(filepath.Join(t.TempDir(), "data.db"),
		pagemanager.Options{PageSize: testPageSize}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pager.Close() })

	events := &eventLog{}
	bpm, err := NewBufferPoolManager(&recordingStore{Pager: pager, log: events}, events,
		Options{Frames: frames, Policy: policy}, zap.NewNop(), nil)
	require.NoError(t, err)
	return bpm, pager, events
}

func writePayload(t *testing.T, f *Frame, lsn pagemanager.LSN, data string) {
	t.Helper()
	f.Lock()
	require.NoError(t, f.Page().SetData([]byte(data)))
	f.SetLSN(lsn)
	f.Unlock()
}

func TestFetchHitAndMiss(t *testing.T) {
	bpm, _, _ := setupPool(t, 4, "lru")

	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	id := f.PageID()
	require.Equal(t, int32(1), f.PinCount())
	require.NoError(t, bpm.UnpinPage(id, false))

	again, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Same(t, f, again)
	require.NoError(t, bpm.UnpinPage(id, false))

	stats := bpm.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Zero(t, stats.Misses)
	require.Equal(t, 1, stats.Resident)
	require.Zero(t, stats.Pinned)
}

func TestUnpinUnderflow(t *testing.T) {
	bpm, _, _ := setupPool(t, 2, "lru")
	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(f.PageID(), false))
	require.ErrorIs(t, bpm.UnpinPage(f.PageID(), false), dberror.ErrPinUnderflow)
	require.ErrorIs(t, bpm.UnpinPage(999, false), dberror.ErrPinUnderflow)
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	bpm, pager, _ := setupPool(t, 2, "lru")
	_, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	_, err = bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)

	_, err = bpm.NewPage(pagemanager.PageTypeData)
	require.ErrorIs(t, err, dberror.ErrPoolExhausted)
	require.True(t, dberror.IsCapacity(err))
	// the page allocated for the failed request went back to the free list
	require.Equal(t, uint64(1), pager.FreePages())
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	bpm, _, _ := setupPool(t, 2, "lru")
	a, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	b, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	aID, bID := a.PageID(), b.PageID()
	require.NoError(t, bpm.UnpinPage(aID, false))
	require.NoError(t, bpm.UnpinPage(bID, false))

	_, err = bpm.FetchPage(aID)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(aID, false))

	c, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(c.PageID(), false))

	_, resident := bpm.pageTable.Load(bID)
	require.False(t, resident)
	_, resident = bpm.pageTable.Load(aID)
	require.True(t, resident)
	require.Equal(t, uint64(1), bpm.Stats().Evictions)
}

func TestPinnedFramesAreNeverEvicted(t *testing.T) {
	for _, policy := range []string{"lru", "clock"} {
		t.Run(policy, func(t *testing.T) {
			bpm, _, _ := setupPool(t, 3, policy)
			pinned, err := bpm.NewPage(pagemanager.PageTypeData)
			require.NoError(t, err)
			writePayload(t, pinned, 1, "keep me")

			for i := 0; i < 10; i++ {
				f, err := bpm.NewPage(pagemanager.PageTypeData)
				require.NoError(t, err)
				require.NoError(t, bpm.UnpinPage(f.PageID(), false))
			}
			got, ok := bpm.pageTable.Load(pinned.PageID())
			require.True(t, ok)
			require.Same(t, pinned, got)
			require.Equal(t, []byte("keep me"), pinned.Page().Data())
		})
	}
}

func TestDirtyVictimFlushesLogFirst(t *testing.T) {
	bpm, _, events := setupPool(t, 1, "lru")
	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	id := f.PageID()
	writePayload(t, f, 42, "dirty bytes")
	require.NoError(t, bpm.UnpinPage(id, true))

	other, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(other.PageID(), false))

	require.Equal(t, []string{"log:42", fmt.Sprintf("page:%d", id)}, events.snapshot())

	back, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("dirty bytes"), back.Page().Data())
	require.False(t, back.IsDirty())
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestFlushAllClearsDirtyPageTable(t *testing.T) {
	bpm, _, events := setupPool(t, 4, "clock")
	var ids []pagemanager.PageID
	for i := 1; i <= 3; i++ {
		f, err := bpm.NewPage(pagemanager.PageTypeData)
		require.NoError(t, err)
		writePayload(t, f, pagemanager.LSN(i*10), fmt.Sprintf("v%d", i))
		writePayload(t, f, pagemanager.LSN(i*10+1), fmt.Sprintf("w%d", i))
		require.NoError(t, bpm.UnpinPage(f.PageID(), false))
		ids = append(ids, f.PageID())
	}

	dpt := bpm.DirtyPageTable()
	require.Len(t, dpt, 3)
	require.Equal(t, pagemanager.LSN(10), dpt[ids[0]])
	require.Equal(t, ids, bpm.DirtyPageIDs())
	require.Equal(t, 3, bpm.DirtyCount())

	require.NoError(t, bpm.FlushAllPages())
	require.Empty(t, bpm.DirtyPageTable())
	require.Zero(t, bpm.DirtyCount())
	require.Contains(t, events.snapshot(), "log:21")
}

func TestFlushIfUnpinnedSkipsPinnedFrames(t *testing.T) {
	bpm, _, _ := setupPool(t, 2, "lru")
	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	writePayload(t, f, 5, "x")

	flushed, err := bpm.FlushIfUnpinned(f.PageID())
	require.NoError(t, err)
	require.False(t, flushed)
	require.True(t, f.IsDirty())

	require.NoError(t, bpm.UnpinPage(f.PageID(), false))
	flushed, err = bpm.FlushIfUnpinned(f.PageID())
	require.NoError(t, err)
	require.True(t, flushed)
	require.False(t, f.IsDirty())
	require.Zero(t, f.PinCount())
}

func TestKickFiresAboveDirtyThreshold(t *testing.T) {
	pager, err := pagemanager.Open(filepath.Join(t.TempDir(), "data.db"),
		pagemanager.Options{PageSize: testPageSize}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pager.Close()
	bpm, err := NewBufferPoolManager(pager, nil, Options{Frames: 4, MaxDirty: 1}, zap.NewNop(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f, err := bpm.NewPage(pagemanager.PageTypeData)
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(f.PageID(), true))
	}
	select {
	case <-bpm.Kick():
	default:
		t.Fatal("expected a kick once dirty frames exceeded the threshold")
	}
}

func TestApplyImageMaterializesMissingPage(t *testing.T) {
	bpm, pager, _ := setupPool(t, 2, "lru")
	require.NoError(t, bpm.ApplyImage(7, 3, []byte("BBBB"), 9))
	require.Equal(t, uint64(8), pager.NumPages())

	f, err := bpm.FetchPage(7)
	require.NoError(t, err)
	require.Equal(t, []byte("BBBB"), f.Page().Payload()[3:7])
	require.Equal(t, pagemanager.LSN(9), f.PageLSN())
	require.NoError(t, bpm.UnpinPage(7, false))
}

func TestDeletePage(t *testing.T) {
	bpm, pager, _ := setupPool(t, 2, "lru")
	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	id := f.PageID()
	require.ErrorIs(t, bpm.DeletePage(id), dberror.ErrInvalidPage)

	require.NoError(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.DeletePage(id))
	require.Equal(t, uint64(1), pager.FreePages())
	require.Zero(t, bpm.Stats().Resident)
}

func TestConcurrentFetchUnderEviction(t *testing.T) {
	bpm, _, _ := setupPool(t, 8, "clock")
	const pages = 32
	ids := make([]pagemanager.PageID, pages)
	for i := range ids {
		f, err := bpm.NewPage(pagemanager.PageTypeData)
		require.NoError(t, err)
		writePayload(t, f, pagemanager.LSN(i+1), fmt.Sprintf("page-%02d", i))
		ids[i] = f.PageID()
		require.NoError(t, bpm.UnpinPage(ids[i], false))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				n := rng.Intn(pages)
				f, err := bpm.FetchPage(ids[n])
				if err != nil {
					errs <- err
					return
				}
				f.RLock()
				got := string(f.Page().Data())
				f.RUnlock()
				if want := fmt.Sprintf("page-%02d", n); got != want {
					errs <- fmt.Errorf("page %d: got %q want %q", ids[n], got, want)
					return
				}
				if err := bpm.UnpinPage(ids[n], false); err != nil {
					errs <- err
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestApplyLoggedStampsRecordLSN(t *testing.T) {
	bpm, _, _ := setupPool(t, 2, "lru")
	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	id := f.PageID()
	require.NoError(t, bpm.UnpinPage(id, false))

	var sawDirty bool
	lsn, err := bpm.ApplyLogged(id, 0, []byte("AAAA"), 7, func() (pagemanager.LSN, error) {
		sawDirty = f.IsDirty() && f.RecLSN() == 7
		return 9, nil
	})
	require.NoError(t, err)
	require.Equal(t, pagemanager.LSN(9), lsn)
	require.True(t, sawDirty, "frame must be dirty with the floor before the record is logged")
	require.Equal(t, pagemanager.LSN(9), f.PageLSN())
	require.Equal(t, pagemanager.LSN(7), f.RecLSN())
	require.Equal(t, []byte("AAAA"), f.Page().Data())
	require.Zero(t, f.PinCount())

	_, err = bpm.ApplyLogged(id, testPageSize, []byte("x"), 10, func() (pagemanager.LSN, error) {
		t.Fatal("log must not be written for an out-of-range image")
		return 0, nil
	})
	require.ErrorIs(t, err, dberror.ErrInvalidPage)
}

// slowStore parks every page write until proceed is closed.
type slowStore struct {
	*pagemanager.Pager
	entered chan struct{}
	proceed chan struct{}
}

func (s *slowStore) Write(page *pagemanager.Page) error {
	s.entered <- struct{}{}
	<-s.proceed
	return s.Pager.Write(page)
}

func TestPageStaysDirtyUntilWriteLands(t *testing.T) {
	pager, err := pagemanager.Open(filepath.Join(t.TempDir(), "data.db"),
		pagemanager.Options{PageSize: testPageSize}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pager.Close()
	store := &slowStore{Pager: pager, entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	bpm, err := NewBufferPoolManager(store, nil, Options{Frames: 2}, zap.NewNop(), nil)
	require.NoError(t, err)

	f, err := bpm.NewPage(pagemanager.PageTypeData)
	require.NoError(t, err)
	id := f.PageID()
	writePayload(t, f, 5, "first")
	require.NoError(t, bpm.UnpinPage(id, false))

	done := make(chan error, 1)
	go func() {
		_, err := bpm.FlushIfUnpinned(id)
		done <- err
	}()
	<-store.entered
	require.Equal(t, pagemanager.LSN(5), bpm.DirtyPageTable()[id])

	// a change made while the older image is being written
	f, err = bpm.FetchPage(id)
	require.NoError(t, err)
	writePayload(t, f, 9, "second")
	require.NoError(t, bpm.UnpinPage(id, false))

	close(store.proceed)
	require.NoError(t, <-done)
	require.True(t, f.IsDirty(), "the newer change has not been written")
	require.Equal(t, pagemanager.LSN(5), bpm.DirtyPageTable()[id])

	flushed, err := bpm.FlushIfUnpinned(id)
	require.NoError(t, err)
	require.True(t, flushed)
	require.False(t, f.IsDirty())
	require.Empty(t, bpm.DirtyPageTable())

	page, err := pager.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), page.Data())
}

// Package pagemanager owns the database file: fixed-size checksummed pages,
// the persistent free list and page allocation.
package pagemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	commonutils "github.com/twohreichel/NeuroQuantumDB-sub003/internal/common_utils"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
)

// Options configures a Pager.
type Options struct {
	PageSize    int
	SyncMode    SyncMode
	MaxFileSize int64 // 0 means unlimited
	Retry       commonutils.RetryPolicy
	// ReadParallelism bounds the goroutines used by ReadBatch.
	ReadParallelism int
}

// DefaultOptions returns a 4KB page, on-commit sync configuration.
func DefaultOptions() Options {
	return Options{
		PageSize:        DefaultPageSize,
		SyncMode:        SyncOnCommit,
		Retry:           commonutils.DefaultRetryPolicy,
		ReadParallelism: 8,
	}
}

// Stats is a point-in-time snapshot of the pager.
type Stats struct {
	TotalPages       uint64
	FreePages        uint64
	QuarantinedPages int
	FileSize         int64
	PageSize         int
}

// Pager reads and writes pages of one database file.
type Pager struct {
	path string
	opts Options

	fileMu sync.RWMutex // guards file against Close; positional I/O needs no more
	file   *os.File
	unlock func() error

	allocMu  sync.Mutex // guards head, free and file growth
	head     *freeTrunk
	free     map[PageID]struct{} // every page on the free list, trunks included
	numPages atomic.Uint64

	quarantine sync.Map // PageID -> error

	closed  atomic.Bool
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Open opens or creates the database file at path.
func Open(path string, opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < MinPageSize || opts.PageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: page size %d outside [%d, %d]", dberror.ErrInvalidConfig, opts.PageSize, MinPageSize, MaxPageSize)
	}
	if opts.ReadParallelism <= 0 {
		opts.ReadParallelism = DefaultOptions().ReadParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", dberror.ErrIO, path, err)
	}
	unlock, err := lockFile(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	p := &Pager{
		path:    path,
		opts:    opts,
		file:    file,
		unlock:  unlock,
		free:    make(map[PageID]struct{}),
		logger:  logger.Named("pager"),
		metrics: internaltelemetry.OrNop(metrics),
	}
	if err := p.load(); err != nil {
		unlock()
		file.Close()
		return nil, err
	}
	p.logger.Info("database file opened",
		zap.String("path", path),
		zap.Int("page_size", opts.PageSize),
		zap.Uint64("pages", p.numPages.Load()),
		zap.Int("free_pages", len(p.free)),
		zap.Stringer("sync_mode", opts.SyncMode))
	return p, nil
}

func (p *Pager) load() error {
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", dberror.ErrIO, p.path, err)
	}
	size := info.Size()
	if size == 0 {
		p.head = &freeTrunk{}
		p.numPages.Store(1)
		if err := p.persistHead(); err != nil {
			return err
		}
		return p.file.Sync()
	}

	pageSize := int64(p.opts.PageSize)
	if rem := size % pageSize; rem != 0 {
		// A torn file extension; the partial page is overwritten by the next allocation.
		p.logger.Warn("ignoring partial trailing page", zap.Int64("bytes", rem))
	}
	p.numPages.Store(uint64(size / pageSize))
	if p.numPages.Load() == 0 {
		return fmt.Errorf("%w: %s is shorter than one page", dberror.ErrCorruption, p.path)
	}

	headPage, err := p.readRaw(FreeListPageID)
	if err != nil {
		return fmt.Errorf("reading free-list head: %w", err)
	}
	if p.head, err = decodeTrunk(headPage); err != nil {
		return err
	}

	// Walk the trunk chain to index free pages and catch cycles early.
	p.addFree(p.head.ids...)
	for next := p.head.next; next != InvalidPageID; {
		if _, dup := p.free[next]; dup || uint64(next) >= p.numPages.Load() {
			return fmt.Errorf("%w: free-list chain broken at page %d", dberror.ErrCorruption, next)
		}
		p.addFree(next)
		page, err := p.readRaw(next)
		if err != nil {
			return fmt.Errorf("reading free-list trunk: %w", err)
		}
		trunk, err := decodeTrunk(page)
		if err != nil {
			return err
		}
		p.addFree(trunk.ids...)
		next = trunk.next
	}
	return nil
}

func (p *Pager) addFree(ids ...PageID) {
	for _, id := range ids {
		p.free[id] = struct{}{}
	}
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.opts.PageSize }

// SyncMode returns the configured sync mode.
func (p *Pager) SyncMode() SyncMode { return p.opts.SyncMode }

// NumPages returns the number of pages in the file, page 0 included.
func (p *Pager) NumPages() uint64 { return p.numPages.Load() }

// FreePages returns the number of pages available for reuse.
func (p *Pager) FreePages() uint64 {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	return uint64(len(p.free))
}

// IsQuarantined reports whether id failed an integrity check since open.
func (p *Pager) IsQuarantined(id PageID) bool {
	_, ok := p.quarantine.Load(id)
	return ok
}

// Read loads and validates a page. A page that fails validation is quarantined.
func (p *Pager) Read(id PageID) (*Page, error) {
	if p.closed.Load() {
		return nil, dberror.ErrClosed
	}
	if id == FreeListPageID || uint64(id) >= p.numPages.Load() {
		return nil, dberror.NewPageError("read", uint64(id), dberror.ErrPageNotFound)
	}
	page, err := p.readRaw(id)
	if err != nil {
		if errors.Is(err, dberror.ErrCorruption) {
			p.quarantine.Store(id, err)
			p.logger.Error("page failed integrity check, quarantined", zap.Uint64("page_id", uint64(id)), zap.Error(err))
		}
		return nil, err
	}
	return page, nil
}

// ReadBatch reads several pages concurrently. Results are in the order of ids.
func (p *Pager) ReadBatch(ctx context.Context, ids []PageID) ([]*Page, error) {
	pages := make([]*Page, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ReadParallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, err := p.Read(id)
			if err != nil {
				return err
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// Write stores a page image. The page must have been allocated.
func (p *Pager) Write(page *Page) error {
	if p.closed.Load() {
		return dberror.ErrClosed
	}
	id := page.ID()
	if id == FreeListPageID || uint64(id) >= p.numPages.Load() {
		return dberror.NewPageError("write", uint64(id), dberror.ErrPageNotFound)
	}
	if p.IsQuarantined(id) {
		return dberror.NewPageError("write", uint64(id), dberror.ErrPageQuarantined)
	}
	return p.writeRaw(page)
}

// Allocate returns a fresh page id, reusing a freed page when one is available.
// The new page is written to disk initialized with pageType.
func (p *Pager) Allocate(pageType PageType) (PageID, error) {
	if p.closed.Load() {
		return InvalidPageID, dberror.ErrClosed
	}
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	var id PageID
	switch {
	case len(p.head.ids) > 0:
		n := len(p.head.ids)
		id = p.head.ids[n-1]
		p.head.ids = p.head.ids[:n-1]
		if err := p.persistHead(); err != nil {
			p.head.ids = append(p.head.ids, id)
			return InvalidPageID, err
		}
		delete(p.free, id)
	case p.head.next != InvalidPageID:
		// The head is empty: absorb the next trunk and hand out its page.
		id = p.head.next
		trunkPage, err := p.readRaw(id)
		if err != nil {
			return InvalidPageID, fmt.Errorf("reading free-list trunk: %w", err)
		}
		trunk, err := decodeTrunk(trunkPage)
		if err != nil {
			return InvalidPageID, err
		}
		prev := p.head
		p.head = trunk
		if err := p.persistHead(); err != nil {
			p.head = prev
			return InvalidPageID, err
		}
		delete(p.free, id)
	default:
		id = PageID(p.numPages.Load())
		if p.opts.MaxFileSize > 0 && int64(id+1)*int64(p.opts.PageSize) > p.opts.MaxFileSize {
			return InvalidPageID, fmt.Errorf("%w: file would exceed %d bytes", dberror.ErrDiskFull, p.opts.MaxFileSize)
		}
		if err := p.writeRaw(NewPage(id, pageType, p.opts.PageSize)); err != nil {
			return InvalidPageID, err
		}
		p.numPages.Store(uint64(id) + 1)
		return id, nil
	}

	p.quarantine.Delete(id)
	if err := p.writeRaw(NewPage(id, pageType, p.opts.PageSize)); err != nil {
		return InvalidPageID, err
	}
	return id, nil
}

// Deallocate returns a page to the free list.
func (p *Pager) Deallocate(id PageID) error {
	if p.closed.Load() {
		return dberror.ErrClosed
	}
	if id == FreeListPageID || uint64(id) >= p.numPages.Load() {
		return dberror.NewPageError("deallocate", uint64(id), dberror.ErrPageNotFound)
	}
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	if _, ok := p.free[id]; ok {
		return dberror.NewPageError("deallocate", uint64(id), fmt.Errorf("%w: page already free", dberror.ErrInvalidPage))
	}
	p.quarantine.Delete(id)

	if len(p.head.ids) >= trunkCapacity(p.opts.PageSize) {
		// Spill the full head into the freed page, which becomes the next trunk.
		trunkPage := NewPage(id, PageTypeFreeList, p.opts.PageSize)
		if err := p.head.encode(trunkPage); err != nil {
			return err
		}
		if err := p.writeRaw(trunkPage); err != nil {
			return err
		}
		prev := p.head
		p.head = &freeTrunk{next: id}
		if err := p.persistHead(); err != nil {
			p.head = prev
			return err
		}
		p.addFree(id)
		return nil
	}

	if err := p.writeRaw(NewPage(id, PageTypeFree, p.opts.PageSize)); err != nil {
		return err
	}
	p.head.ids = append(p.head.ids, id)
	if err := p.persistHead(); err != nil {
		p.head.ids = p.head.ids[:len(p.head.ids)-1]
		return err
	}
	p.addFree(id)
	return nil
}

// Materialize grows the file so that id exists. New pages are blank data pages
// and are not placed on the free list; recovery uses this to replay writes to
// pages whose allocation never reached the file.
func (p *Pager) Materialize(id PageID) error {
	if p.closed.Load() {
		return dberror.ErrClosed
	}
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	for n := PageID(p.numPages.Load()); n <= id; n++ {
		if p.opts.MaxFileSize > 0 && int64(n+1)*int64(p.opts.PageSize) > p.opts.MaxFileSize {
			return fmt.Errorf("%w: file would exceed %d bytes", dberror.ErrDiskFull, p.opts.MaxFileSize)
		}
		if err := p.writeRaw(NewPage(n, PageTypeData, p.opts.PageSize)); err != nil {
			return err
		}
		p.numPages.Store(uint64(n) + 1)
	}
	return nil
}

// Sync forces all written pages to stable storage.
func (p *Pager) Sync() error {
	p.fileMu.RLock()
	defer p.fileMu.RUnlock()
	if p.file == nil {
		return dberror.ErrClosed
	}
	return commonutils.Retry(p.opts.Retry, p.retryable, p.logger, "fsync", func() error {
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("%w: fsync %s: %w", dberror.ErrIO, p.path, err)
		}
		return nil
	})
}

// SyncOnCommit fsyncs unless the pager runs with SyncNone. SyncAlways has
// already synced every write, so only SyncOnCommit does real work here.
func (p *Pager) SyncOnCommit() error {
	if p.opts.SyncMode != SyncOnCommit {
		return nil
	}
	return p.Sync()
}

// Stats returns a snapshot of file usage.
func (p *Pager) Stats() Stats {
	quarantined := 0
	p.quarantine.Range(func(_, _ any) bool {
		quarantined++
		return true
	})
	total := p.numPages.Load()
	return Stats{
		TotalPages:       total,
		FreePages:        p.FreePages(),
		QuarantinedPages: quarantined,
		FileSize:         int64(total) * int64(p.opts.PageSize),
		PageSize:         p.opts.PageSize,
	}
}

// Close persists the free list, syncs and releases the file.
func (p *Pager) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.allocMu.Lock()
	err := p.persistHead()
	p.allocMu.Unlock()

	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	if syncErr := p.file.Sync(); syncErr != nil && err == nil {
		err = fmt.Errorf("%w: fsync %s: %v", dberror.ErrIO, p.path, syncErr)
	}
	if unlockErr := p.unlock(); unlockErr != nil && err == nil {
		err = fmt.Errorf("%w: unlock %s: %v", dberror.ErrIO, p.path, unlockErr)
	}
	if closeErr := p.file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("%w: close %s: %v", dberror.ErrIO, p.path, closeErr)
	}
	p.file = nil
	p.logger.Info("database file closed", zap.String("path", p.path))
	return err
}

// --- raw I/O ---

func (p *Pager) retryable(err error) bool {
	if dberror.IsTransient(err) {
		p.metrics.IORetries.Add(context.Background(), 1)
		return true
	}
	return false
}

// persistHead writes page 0. Caller holds allocMu.
func (p *Pager) persistHead() error {
	page := NewPage(FreeListPageID, PageTypeFreeList, p.opts.PageSize)
	if err := p.head.encode(page); err != nil {
		return err
	}
	return p.writeRaw(page)
}

func (p *Pager) readRaw(id PageID) (*Page, error) {
	buf := make([]byte, p.opts.PageSize)
	offset := int64(id) * int64(p.opts.PageSize)

	p.fileMu.RLock()
	defer p.fileMu.RUnlock()
	if p.file == nil {
		return nil, dberror.ErrClosed
	}
	err := commonutils.Retry(p.opts.Retry, p.retryable, p.logger, "read page", func() error {
		n, err := p.file.ReadAt(buf, offset)
		if err == io.EOF && n < len(buf) {
			return dberror.NewPageError("read", uint64(id), fmt.Errorf("%w: short read of %d bytes", dberror.ErrCorruption, n))
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("%w: reading page %d: %w", dberror.ErrIO, id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.metrics.PagesRead.Add(context.Background(), 1)
	return DecodePage(id, buf)
}

func (p *Pager) writeRaw(page *Page) error {
	buf := make([]byte, p.opts.PageSize)
	if err := page.Encode(buf); err != nil {
		return err
	}
	offset := int64(page.ID()) * int64(p.opts.PageSize)

	p.fileMu.RLock()
	defer p.fileMu.RUnlock()
	if p.file == nil {
		return dberror.ErrClosed
	}
	err := commonutils.Retry(p.opts.Retry, p.retryable, p.logger, "write page", func() error {
		if _, err := p.file.WriteAt(buf, offset); err != nil {
			if dberror.IsNoSpace(err) {
				return fmt.Errorf("%w: writing page %d: %v", dberror.ErrDiskFull, page.ID(), err)
			}
			return fmt.Errorf("%w: writing page %d: %w", dberror.ErrIO, page.ID(), err)
		}
		if p.opts.SyncMode == SyncAlways {
			if err := p.file.Sync(); err != nil {
				return fmt.Errorf("%w: fsync %s: %w", dberror.ErrIO, p.path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.metrics.PagesWritten.Add(context.Background(), 1)
	return nil
}

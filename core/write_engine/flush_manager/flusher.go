// Package flushmanager writes dirty buffer pool pages back in the background.
package flushmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
)

// DirtyPageSource is the part of the buffer pool the flusher drives.
type DirtyPageSource interface {
	DirtyPageIDs() []pagemanager.PageID
	FlushIfUnpinned(id pagemanager.PageID) (bool, error)
	Kick() <-chan struct{}
}

// Options configures a Flusher.
type Options struct {
	Interval time.Duration
	// PagesPerSecond caps background write-back; 0 means unlimited.
	PagesPerSecond float64
}

// Flusher periodically writes back dirty, unpinned pages. Pinned pages are
// skipped and picked up on a later pass.
type Flusher struct {
	pool     DirtyPageSource
	interval time.Duration
	limiter  *rate.Limiter

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	flushed atomic.Uint64
	passes  atomic.Uint64
	logger  *zap.Logger
}

// NewFlusher creates a Flusher; call Start to run it.
func NewFlusher(pool DirtyPageSource, opts Options, logger *zap.Logger) *Flusher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flusher{
		pool:     pool,
		interval: opts.Interval,
		stopCh:   make(chan struct{}),
		logger:   logger.Named("flusher"),
	}
	if opts.PagesPerSecond > 0 {
		burst := int(opts.PagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.PagesPerSecond), burst)
	}
	return f
}

// Start launches the background goroutine.
func (f *Flusher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.run(ctx)
	f.logger.Info("background flusher started", zap.Duration("interval", f.interval))
}

func (f *Flusher) run(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		case <-f.pool.Kick():
		}
		if _, err := f.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("background flush pass failed", zap.Error(err))
		}
	}
}

// RunOnce makes one pass over the dirty pages, oldest first. It returns the
// number of pages written.
func (f *Flusher) RunOnce(ctx context.Context) (int, error) {
	f.passes.Add(1)
	var (
		written  int
		firstErr error
	)
	for _, id := range f.pool.DirtyPageIDs() {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return written, err
			}
		} else if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := f.pool.FlushIfUnpinned(id)
		if err != nil {
			f.logger.Warn("failed to flush page", zap.Uint64("page_id", uint64(id)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			written++
		}
	}
	f.flushed.Add(uint64(written))
	if written > 0 {
		f.logger.Debug("flush pass complete", zap.Int("pages", written))
	}
	return written, firstErr
}

// Flushed returns the total number of pages written by the flusher.
func (f *Flusher) Flushed() uint64 { return f.flushed.Load() }

// Stop halts the goroutine and waits for it to exit.
func (f *Flusher) Stop() {
	if f.cancel == nil {
		return
	}
	close(f.stopCh)
	f.cancel()
	f.wg.Wait()
	f.cancel = nil
	f.logger.Info("background flusher stopped", zap.Uint64("pages_flushed", f.flushed.Load()))
}

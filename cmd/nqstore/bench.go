package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/engine"
)

// BenchCmd inserts keys concurrently, then reads them back.
type BenchCmd struct {
	Count   int    `short:"n" help:"Number of keys" default:"10000"`
	Workers int    `short:"w" help:"Concurrent workers" default:"16"`
	Prefix  string `help:"Key prefix" default:"key-"`
	Upsert  bool   `help:"Use upsert so the benchmark can be rerun on the same directory"`
}

type benchResult struct {
	op      string
	n       int
	failed  int64
	elapsed time.Duration
}

func (r benchResult) String() string {
	rate := float64(r.n) / r.elapsed.Seconds()
	return fmt.Sprintf("%-6s %8d ops in %-12s %10.0f ops/s  (%d failed)", r.op, r.n, r.elapsed.Round(time.Microsecond), rate, r.failed)
}

func (c *BenchCmd) Run(g *Globals) error {
	if c.Count <= 0 || c.Workers <= 0 {
		return fmt.Errorf("count and workers must be positive")
	}
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		w, err := c.write(ctx, eng)
		if err != nil {
			return err
		}
		fmt.Println(w)
		r, err := c.read(ctx, eng)
		if err != nil {
			return err
		}
		fmt.Println(r)
		return nil
	})
}

func (c *BenchCmd) key(i int) []byte   { return []byte(c.Prefix + strconv.Itoa(i)) }
func (c *BenchCmd) value(i int) []byte { return []byte("value-" + strconv.Itoa(i)) }

// write runs one autocommit insert per key. Writers to the same index are
// serialized by the index lock, so this measures commit throughput.
func (c *BenchCmd) write(ctx context.Context, eng *engine.Engine) (benchResult, error) {
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers)
	start := time.Now()
	for i := 0; i < c.Count; i++ {
		i := i
		g.Go(func() error {
			var err error
			if c.Upsert {
				_, err = eng.Upsert(gctx, nil, c.key(i), c.value(i))
			} else {
				err = eng.Put(gctx, nil, c.key(i), c.value(i))
			}
			if err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	return benchResult{op: "write", n: c.Count, failed: failed.Load(), elapsed: time.Since(start)}, nil
}

func (c *BenchCmd) read(ctx context.Context, eng *engine.Engine) (benchResult, error) {
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers)
	start := time.Now()
	for i := 0; i < c.Count; i++ {
		i := i
		g.Go(func() error {
			v, found, err := eng.Get(gctx, nil, c.key(i))
			if err != nil || !found || !bytes.Equal(v, c.value(i)) {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	return benchResult{op: "read", n: c.Count, failed: failed.Load(), elapsed: time.Since(start)}, nil
}

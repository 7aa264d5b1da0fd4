package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/engine"
)

// PutCmd inserts a key.
type PutCmd struct {
	Key   string `arg:"" help:"Key"`
	Value string `arg:"" help:"Value"`
}

func (c *PutCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.Put(ctx, nil, []byte(c.Key), []byte(c.Value)); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	})
}

// UpsertCmd inserts or replaces a key.
type UpsertCmd struct {
	Key   string `arg:"" help:"Key"`
	Value string `arg:"" help:"Value"`
}

func (c *UpsertCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		inserted, err := eng.Upsert(ctx, nil, []byte(c.Key), []byte(c.Value))
		if err != nil {
			return err
		}
		if inserted {
			fmt.Println("OK (inserted)")
		} else {
			fmt.Println("OK (replaced)")
		}
		return nil
	})
}

// GetCmd prints the value of a key.
type GetCmd struct {
	Key string `arg:"" help:"Key"`
}

func (c *GetCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		v, found, err := eng.Get(ctx, nil, []byte(c.Key))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", dberror.ErrNotFound, c.Key)
		}
		fmt.Println(string(v))
		return nil
	})
}

// DelCmd deletes a key.
type DelCmd struct {
	Key string `arg:"" help:"Key"`
}

func (c *DelCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.Remove(ctx, nil, []byte(c.Key)); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	})
}

// ScanCmd prints the entries of an inclusive key range.
type ScanCmd struct {
	Low   string `arg:"" optional:"" help:"Lowest key (empty for open)"`
	High  string `arg:"" optional:"" help:"Highest key (empty for open)"`
	Limit int    `short:"n" help:"Maximum number of entries (0 for all)"`
}

func (c *ScanCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		entries, err := eng.Scan(ctx, nil, bound(c.Low), bound(c.High), c.Limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.Key, e.Value)
		}
		fmt.Fprintf(os.Stderr, "(%d entries)\n", len(entries))
		return nil
	})
}

// bound turns an empty range bound into an open one.
func bound(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// CheckpointCmd takes a checkpoint.
type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		lsn, err := eng.Checkpoint(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checkpoint at LSN %d\n", lsn)
		return nil
	})
}

// StatsCmd prints engine statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		stats, err := eng.Stats()
		if err != nil {
			return err
		}
		printStats(os.Stdout, stats)
		return nil
	})
}

func printStats(w io.Writer, s engine.Stats) {
	fmt.Fprintf(w, "pager:       %d pages (%d free, %d quarantined), %d bytes, page size %d\n",
		s.Pager.TotalPages, s.Pager.FreePages, s.Pager.QuarantinedPages, s.Pager.FileSize, s.Pager.PageSize)
	fmt.Fprintf(w, "buffer pool: %d/%d frames resident, %d pinned, %d dirty, %s\n",
		s.BufferPool.Resident, s.BufferPool.Frames, s.BufferPool.Pinned, s.BufferPool.Dirty, s.BufferPool.Policy)
	fmt.Fprintf(w, "             %d hits, %d misses, %d evictions, %d pages flushed in background\n",
		s.BufferPool.Hits, s.BufferPool.Misses, s.BufferPool.Evictions, s.PagesFlushed)
	fmt.Fprintf(w, "wal:         next LSN %d, durable LSN %d, %d segments, %d archived\n",
		s.WAL.NextLSN, s.WAL.DurableLSN, s.WAL.Segments, s.WAL.Archived)
	fmt.Fprintf(w, "checkpoint:  LSN %d\n", s.LastCheckpoint)
	fmt.Fprintf(w, "btree:       height %d, order %d\n", s.TreeHeight, s.TreeOrder)
	fmt.Fprintf(w, "txns:        %d active, %d begun, %d committed, %d aborted\n",
		s.Txn.Active, s.Txn.Begun, s.Txn.Committed, s.Txn.Aborted)
}

// InspectCmd verifies the tree and reports what recovery did on open.
type InspectCmd struct{}

func (c *InspectCmd) Run(g *Globals) error {
	return g.withEngine(func(ctx context.Context, eng *engine.Engine) error {
		rec := eng.LastRecovery()
		fmt.Printf("recovery:    checkpoint LSN %d, scan from %d, redo from %d\n",
			rec.CheckpointLSN, rec.ScanFromLSN, rec.RedoFromLSN)
		fmt.Printf("             %d records scanned, %d redone, %d undone, %d committed, %d rolled back in %s\n",
			rec.RecordsScanned, rec.RecordsRedone, rec.RecordsUndone, rec.Winners, rec.Losers, rec.Duration)
		if err := eng.Verify(); err != nil {
			return fmt.Errorf("tree verification failed: %w", err)
		}
		fmt.Println("tree:        ok")
		keys, err := eng.KeyStats()
		if err != nil {
			return err
		}
		fmt.Printf("keys:        %d in %d leaves, %d bytes, %d front-coded (%.0f%%)\n",
			keys.Keys, keys.Leaves, keys.KeyBytes, keys.FrontCodedBytes, 100*keys.Ratio())
		stats, err := eng.Stats()
		if err != nil {
			return err
		}
		printStats(os.Stdout, stats)
		return nil
	})
}

// Command nqstore operates an nqstore database directory: one-shot key-value
// operations, an interactive shell, checkpoints, inspection and a benchmark.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kong"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/storage_engine/engine"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/logger"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/telemetry"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	DataDir  string `name:"data-dir" short:"d" help:"Database directory (overrides data_dir)" type:"path"`
	LogLevel string `name:"log-level" help:"Log level (overrides logger.level)"`
}

// CLI defines the command-line interface for nqstore.
var CLI struct {
	Globals

	Put        PutCmd        `cmd:"" help:"Insert a key (fails if it exists)"`
	Upsert     UpsertCmd     `cmd:"" help:"Insert or replace a key"`
	Get        GetCmd        `cmd:"" help:"Print the value of a key"`
	Del        DelCmd        `cmd:"" help:"Delete a key"`
	Scan       ScanCmd       `cmd:"" help:"Print keys in an inclusive range"`
	Checkpoint CheckpointCmd `cmd:"" help:"Take a checkpoint and retire old log segments"`
	Stats      StatsCmd      `cmd:"" help:"Print engine statistics"`
	Inspect    InspectCmd    `cmd:"" help:"Verify the tree and report the last recovery"`
	Shell      ShellCmd      `cmd:"" help:"Interactive shell with explicit transactions"`
	Bench      BenchCmd      `cmd:"" help:"Concurrent insert and lookup benchmark"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// loadConfig resolves the configuration from the file and the flags.
func (g *Globals) loadConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig(g.DataDir)
	if g.Config != "" {
		var err error
		if cfg, err = engine.LoadConfig(g.Config); err != nil {
			return engine.Config{}, err
		}
	}
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "nqstore-data"
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	return cfg, nil
}

// open starts logging and telemetry and opens the engine. The returned func
// closes everything again.
func (g *Globals) open(ctx context.Context) (*engine.Engine, func() error, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("starting telemetry: %w", err)
	}
	eng, err := engine.Open(ctx, cfg, engine.Options{Logger: zlogger, Telemetry: tel})
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	closeAll := func() error {
		err := eng.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, shutdown(sctx))
		_ = zlogger.Sync()
		return err
	}
	return eng, closeAll, nil
}

// withEngine runs fn against an open engine and closes it afterwards.
func (g *Globals) withEngine(fn func(ctx context.Context, eng *engine.Engine) error) (err error) {
	ctx := context.Background()
	eng, closeAll, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeAll(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, eng)
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("nqstore %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("nqstore"),
		kong.Description("Embedded transactional key-value store with write-ahead logging"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}

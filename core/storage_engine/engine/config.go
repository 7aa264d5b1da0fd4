package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/indexing/btree"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
	pagemanager "github.com/twohreichel/NeuroQuantumDB-sub003/core/write_engine/page_manager"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/logger"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/telemetry"
)

// Config holds all the configuration for a storage engine instance.
type Config struct {
	// DataDir holds the database file, the log and the master record.
	DataDir string `yaml:"data_dir"`

	PageSize         int           `yaml:"page_size"`
	BufferPoolFrames int           `yaml:"buffer_pool_frames"`
	EvictionPolicy   string        `yaml:"eviction_policy"` // "lru" or "clock"
	PagerSyncMode    string        `yaml:"pager_sync_mode"` // "none", "on_commit" or "always"
	MaxFileSize      int64         `yaml:"max_file_size"`   // 0 means unlimited
	IORetries        int           `yaml:"io_retries"`
	IORetryBackoff   time.Duration `yaml:"io_retry_backoff"`

	WALSyncMode      string        `yaml:"wal_sync_mode"`
	WALSegmentSize   int64         `yaml:"wal_segment_size"`
	WALBufferSize    int           `yaml:"wal_buffer_size"`
	WALFlushInterval time.Duration `yaml:"wal_flush_interval"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"` // 0 disables periodic checkpoints
	MaxDirtyPages      int           `yaml:"max_dirty_pages"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	FlushRateLimit     float64       `yaml:"flush_rate_limit"` // pages per second, 0 means unlimited

	BTreeOrder int `yaml:"btree_order"`

	DefaultIsolation string        `yaml:"default_isolation"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	TxnIdleTimeout   time.Duration `yaml:"txn_idle_timeout"` // 0 never aborts idle transactions

	// Segments the last checkpoint no longer needs are moved here; empty
	// means they are deleted.
	ArchiveDir       string `yaml:"archive_dir"`
	ArchiveRateLimit int64  `yaml:"archive_rate_limit"` // bytes per second
	ArchiveCompress  bool   `yaml:"archive_compress"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used for anything a config file
// leaves out.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:            dataDir,
		PageSize:           pagemanager.DefaultPageSize,
		BufferPoolFrames:   1024,
		EvictionPolicy:     "lru",
		PagerSyncMode:      "on_commit",
		IORetries:          3,
		IORetryBackoff:     5 * time.Millisecond,
		WALSyncMode:        "on_commit",
		WALSegmentSize:     16 << 20,
		WALBufferSize:      1 << 20,
		WALFlushInterval:   100 * time.Millisecond,
		CheckpointInterval: time.Minute,
		MaxDirtyPages:      256,
		FlushInterval:      time.Second,
		BTreeOrder:         btree.DefaultOrder,
		DefaultIsolation:   "read_committed",
		LockTimeout:        5 * time.Second,
		TxnIdleTimeout:     10 * time.Minute,
		Logger:             logger.DefaultConfig(),
		Telemetry:          telemetry.Config{ServiceName: "nqstore", TraceSampleRatio: 1},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown fields are errors.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := DefaultConfig("")
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parsing %s: %v", dberror.ErrInvalidConfig, path, err)
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every option and the enum strings.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(c.DataDir != "", "data_dir is required")
	check(c.PageSize >= pagemanager.MinPageSize && c.PageSize <= pagemanager.MaxPageSize,
		"page_size %d outside [%d, %d]", c.PageSize, pagemanager.MinPageSize, pagemanager.MaxPageSize)
	check(c.BufferPoolFrames > 0, "buffer_pool_frames must be positive")
	check(c.BTreeOrder >= btree.MinOrder, "btree_order must be at least %d", btree.MinOrder)
	check(c.WALSegmentSize > 0, "wal_segment_size must be positive")
	check(c.WALBufferSize > 0, "wal_buffer_size must be positive")
	check(c.MaxDirtyPages >= 0, "max_dirty_pages must not be negative")
	check(c.MaxFileSize >= 0, "max_file_size must not be negative")
	check(c.FlushRateLimit >= 0, "flush_rate_limit must not be negative")
	check(c.ArchiveRateLimit >= 0, "archive_rate_limit must not be negative")
	for name, d := range map[string]time.Duration{
		"wal_flush_interval":  c.WALFlushInterval,
		"checkpoint_interval": c.CheckpointInterval,
		"flush_interval":      c.FlushInterval,
		"lock_timeout":        c.LockTimeout,
		"txn_idle_timeout":    c.TxnIdleTimeout,
		"io_retry_backoff":    c.IORetryBackoff,
	} {
		check(d >= 0, "%s must not be negative", name)
	}
	switch strings.ToLower(c.EvictionPolicy) {
	case "lru", "clock":
	default:
		problems = append(problems, fmt.Sprintf("unknown eviction_policy %q", c.EvictionPolicy))
	}
	if _, err := pagemanager.ParseSyncMode(c.PagerSyncMode); err != nil {
		problems = append(problems, "pager_sync_mode: "+err.Error())
	}
	if _, err := pagemanager.ParseSyncMode(c.WALSyncMode); err != nil {
		problems = append(problems, "wal_sync_mode: "+err.Error())
	}
	if _, err := transaction.ParseIsolationLevel(c.DefaultIsolation); err != nil {
		problems = append(problems, "default_isolation: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", dberror.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

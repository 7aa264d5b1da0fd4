package pagemanager

import (
	"fmt"
	"strings"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// SyncMode controls when writes are forced to stable storage.
type SyncMode uint8

const (
	// SyncNone never fsyncs except on close.
	SyncNone SyncMode = iota
	// SyncOnCommit fsyncs at commit / flush boundaries.
	SyncOnCommit
	// SyncAlways fsyncs after every write.
	SyncAlways
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncOnCommit:
		return "on_commit"
	case SyncAlways:
		return "always"
	}
	return fmt.Sprintf("SyncMode(%d)", uint8(m))
}

// ParseSyncMode accepts none, on_commit (or on-commit, oncommit) and always.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SyncNone, nil
	case "on_commit", "on-commit", "oncommit", "commit", "":
		return SyncOnCommit, nil
	case "always":
		return SyncAlways, nil
	}
	return SyncNone, fmt.Errorf("%w: unknown sync mode %q", dberror.ErrInvalidConfig, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m SyncMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SyncMode) UnmarshalText(b []byte) error {
	parsed, err := ParseSyncMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("page flushed")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"page flushed"`)
	require.Contains(t, string(data), `"service":"nqstore"`)
	require.Contains(t, string(data), `"level":"DEBUG"`)
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(Config{Level: "chatty", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), "shown")
}

func TestNewRejectsUnwritablePath(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}

func TestStaticFieldsAndSampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(Config{
		Level:            "info",
		Format:           "json",
		OutputFile:       path,
		SampleInitial:    2,
		SampleThereafter: 1000,
		Fields:           map[string]string{"node": "n1", "service": "other"},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		log.Info("page evicted")
	}
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "page evicted"))
	require.Contains(t, string(data), `"node":"n1"`)
	require.NotContains(t, string(data), `"service":"other"`)
}

func TestComponentAndStoreFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := Store(zap.New(core), "/var/lib/nqstore")

	Component(base, "wal", zap.Uint64("segment_id", 3)).Info("rolled")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "wal", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	require.Equal(t, "wal", fields["component"])
	require.Equal(t, "/var/lib/nqstore", fields["data_dir"])
	require.Equal(t, uint64(3), fields["segment_id"])

	require.NotNil(t, Component(nil, "x"))
	require.NotNil(t, Store(nil, "d"))
}

package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments for the storage engine.
type StorageMetrics struct {
	BufferHits      metric.Int64Counter
	BufferMisses    metric.Int64Counter
	BufferEvictions metric.Int64Counter
	PagesRead       metric.Int64Counter
	PagesWritten    metric.Int64Counter
	PagesFlushed    metric.Int64Counter
	IORetries       metric.Int64Counter

	WALAppends metric.Int64Counter
	WALBytes   metric.Int64Counter
	WALSyncs   metric.Int64Counter

	TxnBegun     metric.Int64Counter
	TxnCommitted metric.Int64Counter
	TxnAborted   metric.Int64Counter
	LockWaits    metric.Int64Counter
	LockTimeouts metric.Int64Counter

	Checkpoints      metric.Int64Counter
	RecoveryDuration metric.Int64Histogram

	OpsStarted metric.Int64Counter
	OpsHandled metric.Int64Counter
	OpLatency  metric.Int64Histogram
	ActiveOps  metric.Int64UpDownCounter
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewStorageMetrics creates and registers all the metrics for the storage engine.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	counters := []counterSpec{
		{&m.BufferHits, "nqstore.bufferpool.hits_total", "Page fetches served from the buffer pool."},
		{&m.BufferMisses, "nqstore.bufferpool.misses_total", "Page fetches that had to read from disk."},
		{&m.BufferEvictions, "nqstore.bufferpool.evictions_total", "Frames evicted to make room."},
		{&m.PagesRead, "nqstore.pager.reads_total", "Pages read from the database file."},
		{&m.PagesWritten, "nqstore.pager.writes_total", "Pages written to the database file."},
		{&m.PagesFlushed, "nqstore.bufferpool.flushed_total", "Dirty pages written back by the buffer pool."},
		{&m.IORetries, "nqstore.pager.io_retries_total", "Transient I/O failures that were retried."},
		{&m.WALAppends, "nqstore.wal.appends_total", "Records appended to the write-ahead log."},
		{&m.WALBytes, "nqstore.wal.bytes_total", "Bytes appended to the write-ahead log."},
		{&m.WALSyncs, "nqstore.wal.syncs_total", "fsync calls issued on log segments."},
		{&m.TxnBegun, "nqstore.txn.begun_total", "Transactions started."},
		{&m.TxnCommitted, "nqstore.txn.committed_total", "Transactions committed."},
		{&m.TxnAborted, "nqstore.txn.aborted_total", "Transactions aborted or rolled back."},
		{&m.LockWaits, "nqstore.lock.waits_total", "Lock requests that had to wait."},
		{&m.LockTimeouts, "nqstore.lock.timeouts_total", "Lock requests that timed out."},
		{&m.Checkpoints, "nqstore.wal.checkpoints_total", "Completed checkpoints."},
		{&m.OpsStarted, "nqstore.index.started_total", "Index operations started."},
		{&m.OpsHandled, "nqstore.index.handled_total", "Index operations completed."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.RecoveryDuration, err = meter.Int64Histogram(
		"nqstore.recovery.duration",
		metric.WithDescription("Wall time of crash recovery."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.OpLatency, err = meter.Int64Histogram(
		"nqstore.index.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveOps, err = meter.Int64UpDownCounter(
		"nqstore.index.active_ops",
		metric.WithDescription("Number of in-flight index operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NopStorageMetrics returns instruments backed by a no-op meter.
func NopStorageMetrics() *StorageMetrics {
	m, err := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// the noop meter never fails
		panic(err)
	}
	return m
}

// OrNop returns m, or a no-op set when m is nil.
func OrNop(m *StorageMetrics) *StorageMetrics {
	if m == nil {
		return NopStorageMetrics()
	}
	return m
}

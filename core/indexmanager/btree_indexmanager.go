package indexmanager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/indexing/btree"
	"github.com/twohreichel/NeuroQuantumDB-sub003/core/transaction"
	internaltelemetry "github.com/twohreichel/NeuroQuantumDB-sub003/internal/telemetry"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/logger"
	"github.com/twohreichel/NeuroQuantumDB-sub003/pkg/telemetry"
)

// BTreeIndexManager runs index operations against a B+Tree inside
// transactions. Writers lock the whole index exclusively until they finish,
// since tree pages are logged and undone byte for byte; readers lock rows.
type BTreeIndexManager struct {
	name        string
	tree        *btree.BTree
	txns        *transaction.Manager
	tracer      trace.Tracer
	metrics     *internaltelemetry.StorageMetrics
	logger      *zap.Logger
	serviceName string
}

var _ IndexManager = (*BTreeIndexManager)(nil)

func NewBTreeIndexManager(name string, tree *btree.BTree, txns *transaction.Manager, tel *telemetry.Telemetry,
	metrics *internaltelemetry.StorageMetrics, zlog *zap.Logger) *BTreeIndexManager {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &BTreeIndexManager{
		name:        name,
		tree:        tree,
		txns:        txns,
		tracer:      tel.Tracer,
		metrics:     internaltelemetry.OrNop(metrics),
		logger:      logger.Component(zlog, "index", zap.String("index", name)),
		serviceName: "btree_indexmanager",
	}
}

func (m *BTreeIndexManager) Name() string { return m.name }

// Tree returns the underlying tree.
func (m *BTreeIndexManager) Tree() *btree.BTree { return m.tree }

func (m *BTreeIndexManager) lockForWrite(ctx context.Context, txn *transaction.Transaction, key []byte) error {
	if err := m.txns.AcquireWrite(ctx, txn, transaction.IndexResource(m.name)); err != nil {
		return err
	}
	return m.txns.AcquireWrite(ctx, txn, transaction.RowResource(m.name, key))
}

// statement runs one tree write for txn. When it fails part way, for instance
// on a full disk in the middle of a split, the pages it already changed are
// compensated so the transaction can still commit its earlier work.
func (m *BTreeIndexManager) statement(txn *transaction.Transaction, write func(btree.PageLogger) error) error {
	mark := m.txns.StatementMark(txn)
	err := write(m.txns.PageLogger(txn))
	if err == nil || dberror.IsLogical(err) {
		return err
	}
	if rerr := m.txns.RollbackStatement(txn, mark); rerr != nil {
		m.logger.Error("failed to roll back statement",
			zap.Stringer("txn_id", txn.ID), zap.Error(err), zap.NamedError("rollback_error", rerr))
		return errors.Join(err, rerr)
	}
	return err
}

func (m *BTreeIndexManager) Put(ctx context.Context, txn *transaction.Transaction, key, value []byte) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Put", txn)
	defer func() {
		m.EndMetricsAndTrace(ctx, span, startTime, "Put", err)
	}()

	if err = m.lockForWrite(ctx, txn, key); err != nil {
		return err
	}
	return m.statement(txn, func(pl btree.PageLogger) error {
		return m.tree.Insert(pl, key, value)
	})
}

func (m *BTreeIndexManager) Upsert(ctx context.Context, txn *transaction.Transaction, key, value []byte) (inserted bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Upsert", txn)
	defer func() {
		m.EndMetricsAndTrace(ctx, span, startTime, "Upsert", err)
	}()

	if err = m.lockForWrite(ctx, txn, key); err != nil {
		return false, err
	}
	err = m.statement(txn, func(pl btree.PageLogger) error {
		var werr error
		inserted, werr = m.tree.Upsert(pl, key, value)
		return werr
	})
	span.SetAttributes(attribute.Bool("index.inserted", inserted))
	return inserted, err
}

func (m *BTreeIndexManager) Get(ctx context.Context, txn *transaction.Transaction, key []byte) (value []byte, found bool, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Get", txn)
	defer func() {
		m.EndMetricsAndTrace(ctx, span, startTime, "Get", err)
	}()

	release, err := m.txns.AcquireRead(ctx, txn, transaction.RowResource(m.name, key))
	if err != nil {
		return nil, false, err
	}
	defer release()
	return m.tree.Search(key)
}

func (m *BTreeIndexManager) Delete(ctx context.Context, txn *transaction.Transaction, key []byte) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Delete", txn)
	defer func() {
		m.EndMetricsAndTrace(ctx, span, startTime, "Delete", err)
	}()

	if err = m.lockForWrite(ctx, txn, key); err != nil {
		return err
	}
	return m.statement(txn, func(pl btree.PageLogger) error {
		return m.tree.Delete(pl, key)
	})
}

func (m *BTreeIndexManager) GetRange(ctx context.Context, txn *transaction.Transaction, low, high []byte, limit int) (entries []btree.Entry, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "GetRange", txn)
	defer func() {
		span.SetAttributes(attribute.Int("index.entries", len(entries)))
		m.EndMetricsAndTrace(ctx, span, startTime, "GetRange", err)
	}()

	release, err := m.txns.AcquireScan(ctx, txn, m.name)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.tree.RangeScan(low, high, limit)
}

// StartMetricsAndTrace begins the telemetry recording for an index operation.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, op string, txn *transaction.Transaction) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	)
	m.metrics.ActiveOps.Add(ctx, 1, attrs)
	m.metrics.OpsStarted.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, m.serviceName+"/"+op, trace.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
		attribute.String("txn.id", txn.ID.String()),
		attribute.String("txn.isolation", txn.Isolation.String()),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index operation.
// Logical outcomes such as a missing key leave the span status Ok.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	switch {
	case err == nil:
		span.SetStatus(otelcodes.Ok, "Success")
	case dberror.IsLogical(err):
		span.SetStatus(otelcodes.Ok, err.Error())
	default:
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		if !errors.Is(err, dberror.ErrLockTimeout) && !errors.Is(err, context.Canceled) {
			m.logger.Warn("index operation failed", zap.String("op", op), zap.Error(err))
		}
	}
	span.End()

	m.metrics.ActiveOps.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
		attribute.String("index.code", statusCode.String()),
	)
	m.metrics.OpLatency.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.OpsHandled.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}

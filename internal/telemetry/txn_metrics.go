// Package internaltelemetry defines the metric instruments the coordinator,
// the replicas and their gRPC servers record into.
package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TxnMetrics counts protocol events on either side of 2PC.
type TxnMetrics struct {
	started          metric.Int64Counter
	committed        metric.Int64Counter
	aborted          metric.Int64Counter
	votes            metric.Int64Counter
	timeouts         metric.Int64Counter
	terminationPolls metric.Int64Counter
	recovered        metric.Int64Counter
	duration         metric.Float64Histogram
}

// NewTxnMetrics registers the transaction instruments on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	m := &TxnMetrics{}
	var err error
	if m.started, err = meter.Int64Counter("twopc.txn.started",
		metric.WithDescription("Transactions started by the coordinator.")); err != nil {
		return nil, err
	}
	if m.committed, err = meter.Int64Counter("twopc.txn.committed",
		metric.WithDescription("Transactions resolved to commit on this node.")); err != nil {
		return nil, err
	}
	if m.aborted, err = meter.Int64Counter("twopc.txn.aborted",
		metric.WithDescription("Transactions resolved to abort on this node.")); err != nil {
		return nil, err
	}
	if m.votes, err = meter.Int64Counter("twopc.replica.votes",
		metric.WithDescription("Votes cast by a replica.")); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("twopc.replica.timeouts",
		metric.WithDescription("Replica timers that fired and acted.")); err != nil {
		return nil, err
	}
	if m.terminationPolls, err = meter.Int64Counter("twopc.replica.termination_polls",
		metric.WithDescription("transactionState queries sent to the coordinator.")); err != nil {
		return nil, err
	}
	if m.recovered, err = meter.Int64Counter("twopc.recovery.records",
		metric.WithDescription("Transactions reconstructed from the log at startup.")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("twopc.txn.duration",
		metric.WithDescription("Coordinator time from begin to decision."),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// NopTxnMetrics returns instruments backed by a no-op meter.
func NopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *TxnMetrics) Started(ctx context.Context) { m.started.Add(ctx, 1) }

// Resolved records a final decision and, when d > 0, how long it took.
func (m *TxnMetrics) Resolved(ctx context.Context, commit bool, d time.Duration) {
	if commit {
		m.committed.Add(ctx, 1)
	} else {
		m.aborted.Add(ctx, 1)
	}
	if d > 0 {
		m.duration.Record(ctx, float64(d.Microseconds())/1000,
			metric.WithAttributes(attribute.Bool("commit", commit)))
	}
}

func (m *TxnMetrics) Vote(ctx context.Context, yes bool) {
	m.votes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("yes", yes)))
}

// Timeout records a fired timer; kind is "vote" or "termination".
func (m *TxnMetrics) Timeout(ctx context.Context, kind string) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *TxnMetrics) TerminationPoll(ctx context.Context, ok bool) {
	m.terminationPolls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *TxnMetrics) Recovered(ctx context.Context, state string) {
	m.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

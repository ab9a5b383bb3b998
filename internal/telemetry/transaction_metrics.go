package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TransactionMetrics holds the instruments of the transaction manager and
// agent.
type TransactionMetrics struct {
	StartedCounter       metric.Int64Counter
	CommittedCounter     metric.Int64Counter
	AbortedCounter       metric.Int64Counter // "reason" attribute
	ActiveUpDownCounter  metric.Int64UpDownCounter
	BatchSizeHistogram   metric.Int64Histogram // "op" attribute: start, commit, abort
	StepLatencyHistogram metric.Float64Histogram
	LogAppendHistogram   metric.Float64Histogram
	AgentWaitHistogram   metric.Float64Histogram
}

// NewTransactionMetrics creates and registers the transaction metrics.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	started, err := meter.Int64Counter(
		"gojotx.txn.started_total",
		metric.WithDescription("Transactions assigned an id."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter(
		"gojotx.txn.committed_total",
		metric.WithDescription("Transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter(
		"gojotx.txn.aborted_total",
		metric.WithDescription("Transactions aborted, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter(
		"gojotx.txn.active",
		metric.WithDescription("Transactions started and not yet resolved."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram(
		"gojotx.txn.batch_size",
		metric.WithDescription("Requests per manager batch."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	stepLatency, err := meter.Float64Histogram(
		"gojotx.txn.step.duration",
		metric.WithDescription("Time spent in one manager step."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	logAppend, err := meter.Float64Histogram(
		"gojotx.txn.log_append.duration",
		metric.WithDescription("Time spent making a commit batch durable."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	agentWait, err := meter.Float64Histogram(
		"gojotx.agent.wait.duration",
		metric.WithDescription("Time a caller waited for its batch to be answered."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TransactionMetrics{
		StartedCounter:       started,
		CommittedCounter:     committed,
		AbortedCounter:       aborted,
		ActiveUpDownCounter:  active,
		BatchSizeHistogram:   batchSize,
		StepLatencyHistogram: stepLatency,
		LogAppendHistogram:   logAppend,
		AgentWaitHistogram:   agentWait,
	}, nil
}

// NewNoopTransactionMetrics returns instruments that record nothing.
func NewNoopTransactionMetrics() *TransactionMetrics {
	m, _ := NewTransactionMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

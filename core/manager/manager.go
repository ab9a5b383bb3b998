// Package manager implements the transaction manager: the single authority
// that assigns transaction ids and decides commits.
//
// All manager state lives in one goroutine. Public calls hand a step to that
// goroutine and wait for it, so concurrent callers are served one batch at a
// time and validation followed by apply needs no further locking.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// Log is the durable, append-only commit log owned by the manager.
// Append must be durable when it returns.
type Log interface {
	Append(records ...*wal.CommitRecord) (wal.LSN, error)
	ReadFrom(lsn wal.LSN) ([]*wal.CommitRecord, error)
	Close() error
}

const (
	DefaultIDReservationBlock = 1000
	DefaultTimeout            = 30 * time.Second
	DefaultSweepInterval      = time.Second
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	// IDReservationBlock is how many ids one reserve record covers.
	IDReservationBlock uint64
	// DefaultTimeout replaces non-positive timeouts in StartTransactions.
	DefaultTimeout time.Duration
	// SweepInterval is how often expired transactions are dropped from the
	// active set when the manager is idle.
	SweepInterval time.Duration
	Metrics       *internaltelemetry.TransactionMetrics
	Tracer        trace.Tracer
	// Clock is used for start timestamps and deadline checks.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.IDReservationBlock == 0 {
		o.IDReservationBlock = DefaultIDReservationBlock
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Metrics == nil {
		o.Metrics = internaltelemetry.NewNoopTransactionMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	NextID          transaction.ID `json:"next_id"`
	ReservedThrough transaction.ID `json:"reserved_through"`
	Active          int            `json:"active"`
	Resources       int            `json:"resources"`
	LastLSN         wal.LSN        `json:"last_lsn"`
	Committed       uint64         `json:"committed"`
	Aborted         uint64         `json:"aborted"`
}

// Manager assigns transaction ids and validates, logs and applies commit
// batches.
type Manager struct {
	log     Log
	logger  *zap.Logger
	opts    Options
	metrics *internaltelemetry.TransactionMetrics
	tracer  trace.Tracer

	steps     chan func()
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the run loop.
	nextID          transaction.ID
	reservedThrough transaction.ID
	lastLSN         wal.LSN
	table           *table
	active          *activeSet
	committed       uint64
	aborted         uint64
}

// New recovers the manager state from log and starts the run loop. The
// manager owns log from here on and closes it in Close.
func New(log Log, logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	m := &Manager{
		log:     log,
		logger:  logger.Named("manager"),
		opts:    opts,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		steps:   make(chan func()),
		closing: make(chan struct{}),
		nextID:  1,
		table:   newTable(),
		active:  newActiveSet(),
	}
	if err := m.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover transaction manager: %w", err)
	}

	m.wg.Add(1)
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case step := <-m.steps:
			step()
		case <-ticker.C:
			m.sweep(m.opts.Clock())
		case <-m.closing:
			return
		}
	}
}

// do runs fn on the run loop and waits for it. Once the loop accepted fn it
// always runs to completion, so a decision is never lost to a cancelled ctx.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	step := func() {
		defer close(done)
		fn()
	}
	select {
	case m.steps <- step:
	case <-m.closing:
		return transaction.ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Close stops the run loop and closes the log.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closing)
		m.wg.Wait()
		err = m.log.Close()
		m.logger.Info("Transaction manager closed",
			zap.Uint64("next_id", uint64(m.nextID)),
			zap.Uint64("last_lsn", uint64(m.lastLSN)),
		)
	})
	return err
}

// Enabled reports true; see Disabled for the switched-off variant.
func (m *Manager) Enabled() bool { return true }

// StartTransactions assigns one id per timeout, in order. All transactions of
// the batch share the same start timestamp.
func (m *Manager) StartTransactions(ctx context.Context, timeouts []time.Duration) ([]transaction.Started, error) {
	if len(timeouts) == 0 {
		return nil, nil
	}
	ctx, span := m.tracer.Start(ctx, "manager.StartTransactions",
		trace.WithAttributes(attribute.Int("batch.size", len(timeouts))))
	defer span.End()

	var (
		started []transaction.Started
		stepErr error
	)
	err := m.do(ctx, func() {
		began := time.Now()
		started, stepErr = m.startBatch(timeouts)
		m.observeStep("start", len(timeouts), began)
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return started, nil
}

func (m *Manager) startBatch(timeouts []time.Duration) ([]transaction.Started, error) {
	now := m.opts.Clock()
	m.sweep(now)

	last := m.nextID + transaction.ID(len(timeouts)) - 1
	if last > m.reservedThrough {
		if err := m.reserveThrough(last + transaction.ID(m.opts.IDReservationBlock)); err != nil {
			return nil, err
		}
	}

	started := make([]transaction.Started, len(timeouts))
	for i, timeout := range timeouts {
		if timeout <= 0 {
			timeout = m.opts.DefaultTimeout
		}
		id := m.nextID
		m.nextID++
		m.active.add(id, now.Add(timeout))
		started[i] = transaction.Started{ID: id, StartedAt: now}
	}

	bg := context.Background()
	m.metrics.StartedCounter.Add(bg, int64(len(started)))
	m.metrics.ActiveUpDownCounter.Add(bg, int64(len(started)))
	m.logger.Debug("Started transactions",
		zap.Uint64("first_id", uint64(started[0].ID)),
		zap.Int("count", len(started)),
	)
	return started, nil
}

// reserveThrough makes ids up to through durable before they are handed out,
// so a restarted manager never issues them again.
func (m *Manager) reserveThrough(through transaction.ID) error {
	rec := &wal.CommitRecord{
		Type:            wal.RecordTypeReserve,
		Timestamp:       m.opts.Clock().UnixNano(),
		ReservedThrough: through,
	}
	lsn, err := m.log.Append(rec)
	if err != nil {
		m.logger.Error("Failed to reserve transaction ids", zap.Uint64("through", uint64(through)), zap.Error(err))
		return fmt.Errorf("failed to reserve transaction ids: %w", err)
	}
	m.reservedThrough = through
	m.lastLSN = lsn
	m.logger.Debug("Reserved transaction ids", zap.Uint64("through", uint64(through)), zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// AbortTransactions drops ids from the active set without validation and
// without a log record.
func (m *Manager) AbortTransactions(ctx context.Context, ids []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	if len(ids) == 0 {
		return map[transaction.ID]transaction.Outcome{}, nil
	}
	var outcomes map[transaction.ID]transaction.Outcome
	err := m.do(ctx, func() {
		began := time.Now()
		outcomes = make(map[transaction.ID]transaction.Outcome, len(ids))
		for _, id := range ids {
			if m.active.remove(id) {
				m.metrics.ActiveUpDownCounter.Add(context.Background(), -1)
			}
			outcomes[id] = m.abort(id, transaction.ReasonUserRequested)
		}
		m.observeStep("abort", len(ids), began)
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// abort records an abort decision. Aborts leave no commit record; they are
// only logged and counted.
func (m *Manager) abort(id transaction.ID, reason transaction.AbortReason) transaction.Outcome {
	m.aborted++
	m.metrics.AbortedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason.String())))
	m.logger.Debug("Aborted transaction", zap.Uint64("txn_id", uint64(id)), zap.Stringer("reason", reason))
	return transaction.Aborted(id, reason)
}

// sweep drops transactions whose deadline passed.
func (m *Manager) sweep(now time.Time) {
	expired := m.active.expire(now)
	if len(expired) == 0 {
		return
	}
	m.metrics.ActiveUpDownCounter.Add(context.Background(), -int64(len(expired)))
	m.logger.Debug("Expired transactions", zap.Int("count", len(expired)))
}

func (m *Manager) observeStep(op string, size int, began time.Time) {
	bg := context.Background()
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.metrics.BatchSizeHistogram.Record(bg, int64(size), attrs)
	m.metrics.StepLatencyHistogram.Record(bg, float64(time.Since(began).Microseconds())/1000, attrs)
}

// Resource returns the committed state of ref.
func (m *Manager) Resource(ctx context.Context, ref transaction.ResourceRef) (Resource, bool, error) {
	var (
		r  Resource
		ok bool
	)
	err := m.do(ctx, func() { r, ok = m.table.get(ref) })
	return r, ok, err
}

// ResourceVersion returns the committed version of ref, 0 if never written.
func (m *Manager) ResourceVersion(ctx context.Context, ref transaction.ResourceRef) (transaction.Version, error) {
	var v transaction.Version
	err := m.do(ctx, func() { v = m.table.version(ref) })
	return v, err
}

// Resources lists committed resources whose reference starts with prefix.
func (m *Manager) Resources(ctx context.Context, prefix string) ([]Resource, error) {
	var out []Resource
	err := m.do(ctx, func() { out = m.table.withPrefix(prefix) })
	return out, err
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.do(ctx, func() {
		s = Stats{
			NextID:          m.nextID,
			ReservedThrough: m.reservedThrough,
			Active:          m.active.len(),
			Resources:       m.table.len(),
			LastLSN:         m.lastLSN,
			Committed:       m.committed,
			Aborted:         m.aborted,
		}
	})
	return s, err
}

// recover rebuilds the committed table and the id counter from the log. It
// runs before the loop starts.
func (m *Manager) recover() error {
	records, err := m.log.ReadFrom(1)
	if err != nil {
		return err
	}
	var maxTxn transaction.ID
	for _, rec := range records {
		switch rec.Type {
		case wal.RecordTypeCommit:
			for _, w := range rec.Writes {
				if current := m.table.version(w.Resource); w.Version <= current {
					return fmt.Errorf("commit record %d moves %s from version %d to %d", rec.LSN, w.Resource, current, w.Version)
				}
				m.table.put(w.Resource, w.Version, w.Value, rec.LSN)
			}
			if rec.TxnID > maxTxn {
				maxTxn = rec.TxnID
			}
			m.committed++
		case wal.RecordTypeReserve:
			if rec.ReservedThrough > m.reservedThrough {
				m.reservedThrough = rec.ReservedThrough
			}
		default:
			return fmt.Errorf("unknown record type %s at lsn %d", rec.Type, rec.LSN)
		}
		m.lastLSN = rec.LSN
	}

	// Ids of the last reserved block may have been handed out before a crash.
	high := m.reservedThrough
	if maxTxn > high {
		high = maxTxn
	}
	m.nextID = high + 1
	m.reservedThrough = high

	m.logger.Info("Recovered transaction manager",
		zap.Int("records", len(records)),
		zap.Int("resources", m.table.len()),
		zap.Uint64("next_id", uint64(m.nextID)),
		zap.Uint64("last_lsn", uint64(m.lastLSN)),
	)
	return nil
}

// Package agent is the per-node entry point applications use to start and
// resolve transactions. Each call is a single-transaction call; underneath,
// concurrent calls are coalesced into batched round trips to the manager.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// ManagerClient is the manager contract the agent batches against. The
// in-process manager and the gRPC client both implement it.
type ManagerClient interface {
	StartTransactions(ctx context.Context, timeouts []time.Duration) ([]transaction.Started, error)
	CommitTransactions(ctx context.Context, txs []transaction.Snapshot, readOnly []transaction.ID) (map[transaction.ID]transaction.Outcome, error)
	AbortTransactions(ctx context.Context, ids []transaction.ID) (map[transaction.ID]transaction.Outcome, error)
}

const (
	DefaultMaxBatchSize   = 128
	DefaultBatchWindow    = 2 * time.Millisecond
	DefaultQueueSize      = 1024
	DefaultRequestTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
)

// Options tunes an Agent. Zero values select the defaults.
type Options struct {
	MaxBatchSize int
	BatchWindow  time.Duration
	QueueSize    int
	// RequestTimeout bounds one batched round trip to the manager.
	RequestTimeout time.Duration
	// DefaultTimeout replaces non-positive transaction timeouts.
	DefaultTimeout time.Duration
	// StartRateLimit caps transaction starts per second; 0 disables it.
	StartRateLimit float64
	StartBurst     int
	Metrics        *internaltelemetry.TransactionMetrics
}

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.StartBurst <= 0 {
		o.StartBurst = 1
	}
	if o.Metrics == nil {
		o.Metrics = internaltelemetry.NewNoopTransactionMetrics()
	}
}

type commitRequest struct {
	snap     transaction.Snapshot
	readOnly bool
}

// Agent starts and resolves transactions on behalf of application code.
type Agent struct {
	id       string
	disabled bool
	client   ManagerClient
	logger   *zap.Logger
	opts     Options
	limiter  *rate.Limiter

	starts  *batcher[time.Duration, transaction.Started]
	commits *batcher[commitRequest, transaction.Outcome]
	aborts  *batcher[transaction.ID, transaction.Outcome]
}

// New creates an agent that talks to client.
func New(client ManagerClient, logger *zap.Logger, opts Options) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.setDefaults()
	a := &Agent{
		id:     uuid.NewString(),
		client: client,
		opts:   opts,
	}
	a.logger = logger.Named("agent").With(zap.String("agent_id", a.id))
	if opts.StartRateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.StartRateLimit), opts.StartBurst)
	}
	a.starts = newBatcher[time.Duration, transaction.Started]("start", opts, a.logger, a.flushStarts)
	a.commits = newBatcher[commitRequest, transaction.Outcome]("commit", opts, a.logger, a.flushCommits)
	a.aborts = newBatcher[transaction.ID, transaction.Outcome]("abort", opts, a.logger, a.flushAborts)
	a.logger.Info("Transaction agent started",
		zap.Int("max_batch_size", opts.MaxBatchSize),
		zap.Duration("batch_window", opts.BatchWindow),
	)
	return a
}

// NewDisabled returns the agent used when transactions are switched off.
func NewDisabled() *Agent {
	return &Agent{id: uuid.NewString(), disabled: true, logger: zap.NewNop()}
}

func (a *Agent) ID() string { return a.id }

// Enabled reports whether transactional state may be created against this
// agent. An agent in front of a switched-off manager is disabled as well.
func (a *Agent) Enabled() bool {
	if a.disabled {
		return false
	}
	if e, ok := a.client.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}

// StartTransaction begins a transaction whose deadline is timeout after the
// manager's start timestamp.
func (a *Agent) StartTransaction(ctx context.Context, readOnly bool, timeout time.Duration) (*transaction.Info, error) {
	if !a.Enabled() {
		return nil, transaction.ErrTransactionsUnavailable
	}
	if timeout <= 0 {
		timeout = a.opts.DefaultTimeout
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", transaction.ErrTransactionStartFailure, err)
		}
	}

	started, err := a.starts.Submit(ctx, timeout)
	if err != nil {
		if errors.Is(err, transaction.ErrTransactionsUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", transaction.ErrTransactionStartFailure, err)
	}
	return transaction.NewInfo(started.ID, readOnly, started.StartedAt, timeout), nil
}

// ResolveTransaction commits info, or aborts it when abort is set. The Info
// must be Active; a resolved Info cannot be reused.
//
// Once the commit request is queued the manager's decision is always applied
// to info and its participants, even when ctx ends first and the caller gets
// ctx's error. If the manager cannot be reached the outcome is unknown: the
// error is returned, info stays Resolving and participants must resync from
// the manager before their next transaction can validate.
func (a *Agent) ResolveTransaction(ctx context.Context, info *transaction.Info, abort bool) (transaction.Outcome, error) {
	if !a.Enabled() {
		return transaction.Aborted(info.ID(), transaction.ReasonUnavailable), transaction.ErrTransactionsUnavailable
	}
	if info.Expired(time.Now()) {
		a.logger.Debug("Resolving expired transaction", zap.Uint64("txn_id", uint64(info.ID())))
	}
	if err := info.BeginResolve(); err != nil {
		return transaction.Outcome{}, err
	}

	if abort {
		return a.abort(ctx, info)
	}

	defer a.commits.observeWait(time.Now())
	replies := make(chan result[transaction.Outcome], 1)
	err := a.commits.Enqueue(ctx, commitRequest{snap: info.Snapshot(), readOnly: info.ReadOnly()},
		func(out transaction.Outcome, err error) {
			out, err = a.settle(info, out, err)
			replies <- result[transaction.Outcome]{value: out, err: err}
		})
	if err != nil {
		// The manager never saw the commit; it drops the id at the deadline.
		out := transaction.Aborted(info.ID(), transaction.ReasonSystemFailure)
		if ferr := info.Finish(out); ferr != nil {
			return transaction.Outcome{}, ferr
		}
		return out, fmt.Errorf("resolve txn %d: %w", info.ID(), err)
	}

	r, err := a.commits.await(ctx, replies)
	if err != nil {
		return transaction.Outcome{}, fmt.Errorf("resolve txn %d: %w", info.ID(), err)
	}
	return r.value, r.err
}

// settle applies the commit batch's result to info. It runs on the commit
// batcher's goroutine.
func (a *Agent) settle(info *transaction.Info, out transaction.Outcome, err error) (transaction.Outcome, error) {
	switch {
	case err == nil:
	case errors.Is(err, transaction.ErrTransactionsUnavailable):
		out = transaction.Aborted(info.ID(), transaction.ReasonUnavailable)
	case errors.Is(err, ErrAgentClosed):
		// Drained before dispatch, nothing reached the manager.
		out = transaction.Aborted(info.ID(), transaction.ReasonSystemFailure)
	default:
		a.logger.Warn("Commit outcome unknown",
			zap.Uint64("txn_id", uint64(info.ID())),
			zap.Bool("has_writes", info.HasWrites()),
			zap.Error(err),
		)
		return transaction.Outcome{}, fmt.Errorf("resolve txn %d: %w", info.ID(), err)
	}
	if ferr := info.Finish(out); ferr != nil {
		return transaction.Outcome{}, ferr
	}
	return out, err
}

// abort never validates. The outcome is UserRequested even when the manager
// cannot be told; it then drops the id once the deadline passes.
func (a *Agent) abort(ctx context.Context, info *transaction.Info) (transaction.Outcome, error) {
	out := transaction.Aborted(info.ID(), transaction.ReasonUserRequested)
	if _, err := a.aborts.Submit(ctx, info.ID()); err != nil {
		a.logger.Warn("Failed to notify manager of abort",
			zap.Uint64("txn_id", uint64(info.ID())),
			zap.Error(err),
		)
	}
	if err := info.Finish(out); err != nil {
		return transaction.Outcome{}, err
	}
	return out, nil
}

// Close stops the batchers. Calls still queued fail with ErrAgentClosed.
func (a *Agent) Close() {
	if a.disabled {
		return
	}
	a.starts.close()
	a.commits.close()
	a.aborts.close()
	a.logger.Info("Transaction agent closed")
}

func (a *Agent) flushStarts(ctx context.Context, batchID string, timeouts []time.Duration) ([]transaction.Started, error) {
	return a.client.StartTransactions(ctx, timeouts)
}

func (a *Agent) flushCommits(ctx context.Context, batchID string, reqs []commitRequest) ([]transaction.Outcome, error) {
	txs := make([]transaction.Snapshot, len(reqs))
	var readOnly []transaction.ID
	for i, r := range reqs {
		txs[i] = r.snap
		if r.readOnly {
			readOnly = append(readOnly, r.snap.ID)
		}
	}
	outcomes, err := a.client.CommitTransactions(ctx, txs, readOnly)
	if err != nil {
		return nil, err
	}
	return a.collect(batchID, txs, outcomes), nil
}

func (a *Agent) flushAborts(ctx context.Context, batchID string, ids []transaction.ID) ([]transaction.Outcome, error) {
	outcomes, err := a.client.AbortTransactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]transaction.Outcome, len(ids))
	for i, id := range ids {
		out[i] = transaction.Aborted(id, transaction.ReasonUserRequested)
		if o, ok := outcomes[id]; ok {
			out[i] = o
		}
	}
	return out, nil
}

// collect orders the manager's outcomes like the batch. An id the manager did
// not answer for is reported as a system failure.
func (a *Agent) collect(batchID string, txs []transaction.Snapshot, outcomes map[transaction.ID]transaction.Outcome) []transaction.Outcome {
	out := make([]transaction.Outcome, len(txs))
	for i, snap := range txs {
		o, ok := outcomes[snap.ID]
		if !ok {
			a.logger.Error("Manager returned no outcome",
				zap.String("batch_id", batchID),
				zap.Uint64("txn_id", uint64(snap.ID)),
			)
			o = transaction.Aborted(snap.ID, transaction.ReasonSystemFailure)
		}
		out[i] = o
	}
	return out
}

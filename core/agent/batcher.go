package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

var ErrAgentClosed = errors.New("transaction agent is closed")

type result[Resp any] struct {
	value Resp
	err   error
}

// request carries one queued item. done runs exactly once on the batcher
// goroutine with the item's result, whether or not the submitter still waits.
type request[Req, Resp any] struct {
	item Req
	done func(Resp, error)
}

// flushFunc performs one batched round trip. It returns one response per
// item, in item order.
type flushFunc[Req, Resp any] func(ctx context.Context, batchID string, items []Req) ([]Resp, error)

// batcher coalesces single-item calls into batches. A batch closes when
// maxSize items are queued or window elapsed since its first item. Batches
// are flushed one after another by a single goroutine.
type batcher[Req, Resp any] struct {
	name         string
	queue        chan request[Req, Resp]
	flush        flushFunc[Req, Resp]
	maxSize      int
	window       time.Duration
	flushTimeout time.Duration
	logger       *zap.Logger
	metrics      *internaltelemetry.TransactionMetrics

	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func newBatcher[Req, Resp any](name string, opts Options, logger *zap.Logger, flush flushFunc[Req, Resp]) *batcher[Req, Resp] {
	b := &batcher[Req, Resp]{
		name:         name,
		queue:        make(chan request[Req, Resp], opts.QueueSize),
		flush:        flush,
		maxSize:      opts.MaxBatchSize,
		window:       opts.BatchWindow,
		flushTimeout: opts.RequestTimeout,
		logger:       logger.With(zap.String("batcher", name)),
		metrics:      opts.Metrics,
		closing:      make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue queues item and returns once it is accepted. ctx only bounds the
// wait for queue space: after a nil return done is called with the batch
// result even if ctx is cancelled meanwhile. done must not block.
func (b *batcher[Req, Resp]) Enqueue(ctx context.Context, item Req, done func(Resp, error)) error {
	select {
	case <-b.closing:
		return ErrAgentClosed
	default:
	}
	select {
	case b.queue <- request[Req, Resp]{item: item, done: done}:
		return nil
	case <-b.closing:
		return ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues item and waits for its own response. ctx bounds both the wait
// for queue space and the wait for the response.
func (b *batcher[Req, Resp]) Submit(ctx context.Context, item Req) (Resp, error) {
	var zero Resp
	defer b.observeWait(time.Now())

	replies := make(chan result[Resp], 1)
	err := b.Enqueue(ctx, item, func(v Resp, err error) {
		replies <- result[Resp]{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}
	r, err := b.await(ctx, replies)
	if err != nil {
		return zero, err
	}
	return r.value, r.err
}

// await waits for a reply delivered through a request's done callback.
func (b *batcher[Req, Resp]) await(ctx context.Context, replies <-chan result[Resp]) (result[Resp], error) {
	select {
	case r := <-replies:
		return r, nil
	case <-b.stopped:
		select {
		case r := <-replies:
			return r, nil
		default:
			return result[Resp]{}, ErrAgentClosed
		}
	case <-ctx.Done():
		return result[Resp]{}, ctx.Err()
	}
}

func (b *batcher[Req, Resp]) observeWait(began time.Time) {
	b.metrics.AgentWaitHistogram.Record(context.Background(),
		float64(time.Since(began).Microseconds())/1000,
		metric.WithAttributes(attribute.String("op", b.name)))
}

func (b *batcher[Req, Resp]) run() {
	defer close(b.stopped)
	for {
		var first request[Req, Resp]
		select {
		case first = <-b.queue:
		case <-b.closing:
			b.drain()
			return
		}

		batch := []request[Req, Resp]{first}
		timer := time.NewTimer(b.window)
	collect:
		for len(batch) < b.maxSize {
			select {
			case r := <-b.queue:
				batch = append(batch, r)
			case <-timer.C:
				break collect
			case <-b.closing:
				break collect
			}
		}
		timer.Stop()
		b.dispatch(batch)
	}
}

func (b *batcher[Req, Resp]) dispatch(batch []request[Req, Resp]) {
	var zero Resp
	batchID := uuid.NewString()
	items := make([]Req, len(batch))
	for i, r := range batch {
		items[i] = r.item
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()
	resps, err := b.flush(ctx, batchID, items)
	if err == nil && len(resps) != len(items) {
		err = fmt.Errorf("%s batch %s: got %d responses for %d requests", b.name, batchID, len(resps), len(items))
	}
	if err != nil {
		b.logger.Warn("Batch failed", zap.String("batch_id", batchID), zap.Int("size", len(items)), zap.Error(err))
		for _, r := range batch {
			r.done(zero, err)
		}
		return
	}
	b.logger.Debug("Batch flushed", zap.String("batch_id", batchID), zap.Int("size", len(items)))
	for i, r := range batch {
		r.done(resps[i], nil)
	}
}

// drain fails everything still queued at shutdown.
func (b *batcher[Req, Resp]) drain() {
	for {
		select {
		case r := <-b.queue:
			var zero Resp
			r.done(zero, ErrAgentClosed)
		default:
			return
		}
	}
}

func (b *batcher[Req, Resp]) close() {
	b.closeOnce.Do(func() { close(b.closing) })
	<-b.stopped
}

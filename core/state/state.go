package state

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/transaction"
)

// Enabler reports whether transactions are switched on. The agent implements
// it; a disabled agent makes TransactionalState unconstructible.
type Enabler interface {
	Enabled() bool
}

// Source serves the manager's committed copy of a resource. The in-process
// manager and the gRPC client both implement it.
type Source interface {
	Resource(ctx context.Context, ref transaction.ResourceRef) (manager.Resource, bool, error)
}

// Option configures a TransactionalState.
type Option[T any] func(*TransactionalState[T])

// WithCodec replaces the default JSON codec.
func WithCodec[T any](c Codec[T]) Option[T] {
	return func(s *TransactionalState[T]) { s.codec = c }
}

// WithLogger sets the logger used for apply/discard events.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(s *TransactionalState[T]) { s.logger = l }
}

// WithVersion starts the cell at a version other than 0, for actors whose
// state is restored from the manager after a restart.
func WithVersion[T any](v transaction.Version) Option[T] {
	return func(s *TransactionalState[T]) { s.committed.Version = v }
}

// WithSource lets the cell resync from src. With a source set, a version
// conflict marks the cell stale and the next read resyncs before it registers.
func WithSource[T any](src Source) Option[T] {
	return func(s *TransactionalState[T]) { s.source = src }
}

type pendingWrite[T any] struct {
	value T
	info  *transaction.Info
}

// TransactionalState wraps one actor's VersionedResource. Reads register the
// observed version with the transaction carried by the context; writes are
// buffered per transaction and only reach the resource when the manager
// commits them.
//
// The hosting actor runs one operation at a time, but completion callbacks
// arrive from the agent's goroutines, so the cell is guarded by a mutex.
type TransactionalState[T any] struct {
	ref    transaction.ResourceRef
	codec  Codec[T]
	logger *zap.Logger
	source Source

	mu        sync.Mutex
	committed VersionedResource[T]
	pending   map[transaction.ID]pendingWrite[T]
	stale     bool
}

// New creates the transactional state of the actor addressed by ref.
func New[T any](enabler Enabler, ref transaction.ResourceRef, initial T, opts ...Option[T]) (*TransactionalState[T], error) {
	if enabler == nil || !enabler.Enabled() {
		return nil, fmt.Errorf("state %s: %w", ref, transaction.ErrTransactionsUnavailable)
	}
	s := &TransactionalState[T]{
		ref:       ref,
		codec:     JSONCodec[T]{},
		logger:    zap.NewNop(),
		committed: VersionedResource[T]{Value: initial},
		pending:   make(map[transaction.ID]pendingWrite[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("resource", string(ref)))
	return s, nil
}

func (s *TransactionalState[T]) Ref() transaction.ResourceRef { return s.ref }

// Read returns the value seen by the transaction in ctx: its own buffered
// write if there is one, the committed value otherwise.
func (s *TransactionalState[T]) Read(ctx context.Context) (T, error) {
	var zero T
	info, ok := transaction.FromContext(ctx)
	if !ok {
		return zero, fmt.Errorf("read %s: %w", s.ref, transaction.ErrNoTransaction)
	}

	if s.isStale() {
		if err := s.Resync(ctx); err != nil {
			return zero, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[info.ID()]; ok {
		return p.value, nil
	}
	if err := info.RegisterRead(s.ref, s.committed.Version); err != nil {
		return zero, err
	}
	return s.committed.Value, nil
}

// Write buffers v for the transaction in ctx. The resource is not touched
// until the transaction commits.
func (s *TransactionalState[T]) Write(ctx context.Context, v T) error {
	info, ok := transaction.FromContext(ctx)
	if !ok {
		return fmt.Errorf("write %s: %w", s.ref, transaction.ErrNoTransaction)
	}
	encoded, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.ref, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := info.RegisterWrite(s.ref, encoded); err != nil {
		return err
	}
	if _, ok := s.pending[info.ID()]; !ok {
		info.OnComplete(s.Complete)
	}
	s.pending[info.ID()] = pendingWrite[T]{value: v, info: info}
	return nil
}

// Complete settles the buffered write of outcome's transaction. A commit
// applies the value at the version the manager assigned; anything else
// discards it.
func (s *TransactionalState[T]) Complete(outcome transaction.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome.Reason == transaction.ReasonVersionConflict && s.source != nil {
		s.stale = true
	}
	p, ok := s.pending[outcome.ID]
	if !ok {
		return
	}
	delete(s.pending, outcome.ID)

	if outcome.Status != transaction.StatusCommitted {
		s.logger.Debug("Discarded buffered write",
			zap.Uint64("txn_id", uint64(outcome.ID)),
			zap.Stringer("reason", outcome.Reason),
		)
		return
	}
	version, ok := outcome.Versions[s.ref]
	if !ok {
		s.logger.Error("Commit outcome carries no version for written resource",
			zap.Uint64("txn_id", uint64(outcome.ID)))
		return
	}
	if err := s.committed.advance(p.value, version); err != nil {
		s.logger.Error("Failed to apply committed write",
			zap.Uint64("txn_id", uint64(outcome.ID)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Applied committed write",
		zap.Uint64("txn_id", uint64(outcome.ID)),
		zap.Uint64("version", uint64(version)),
	)
}

// Resync adopts the manager's committed copy when it is newer than the local
// one and drops the buffered writes of transactions stuck in Resolving, whose
// outcome was lost with the agent's connection. Writes of Active transactions
// are kept.
func (s *TransactionalState[T]) Resync(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("resync %s: no source", s.ref)
	}
	r, found, err := s.source.Resource(ctx, s.ref)
	if err != nil {
		return fmt.Errorf("resync %s: %w", s.ref, err)
	}
	var value T
	if found {
		if value, err = s.codec.Decode(r.Value); err != nil {
			return fmt.Errorf("decode %s: %w", s.ref, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p.info.Status() == transaction.StatusResolving {
			delete(s.pending, id)
		}
	}
	s.stale = false
	if found && r.Version > s.committed.Version {
		s.logger.Info("Resynced from manager",
			zap.Uint64("from_version", uint64(s.committed.Version)),
			zap.Uint64("version", uint64(r.Version)),
		)
		s.committed = VersionedResource[T]{Value: value, Version: r.Version}
	}
	return nil
}

func (s *TransactionalState[T]) isStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Snapshot returns the committed value and version.
func (s *TransactionalState[T]) Snapshot() VersionedResource[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Pending reports how many transactions hold a buffered write.
func (s *TransactionalState[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

package wal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// StoreLog keeps the transaction log in a raft.LogStore. Every record becomes
// one raft log entry at Index == LSN, so the log can later be handed to a
// replicated store without a format change.
type StoreLog struct {
	store  raft.LogStore
	closer func() error
	logger *zap.Logger

	mu      sync.Mutex
	nextLSN LSN
	closed  bool
}

// NewStoreLog wraps store. closer, if not nil, is called by Close.
func NewStoreLog(store raft.LogStore, closer func() error, logger *zap.Logger) (*StoreLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read last index of log store: %w", err)
	}
	return &StoreLog{
		store:   store,
		closer:  closer,
		logger:  logger.Named("store_log"),
		nextLSN: LSN(last) + 1,
	}, nil
}

// NewBoltLog opens a StoreLog backed by a bolt file at path.
func NewBoltLog(path string, logger *zap.Logger) (*StoreLog, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log store %s: %w", path, err)
	}
	sl, err := NewStoreLog(store, store.Close, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return sl, nil
}

// Append stores records as consecutive entries in one StoreLogs call.
func (s *StoreLog) Append(records ...*CommitRecord) (LSN, error) {
	if len(records) == 0 {
		return InvalidLSN, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return InvalidLSN, ErrLogClosed
	}

	first := s.nextLSN
	now := time.Now()
	logs := make([]*raft.Log, len(records))
	for i, rec := range records {
		rec.LSN = first + LSN(i)
		logs[i] = &raft.Log{
			Index:      uint64(rec.LSN),
			Term:       1,
			Type:       raft.LogCommand,
			Data:       rec.Marshal(),
			AppendedAt: now,
		}
	}
	if err := s.store.StoreLogs(logs); err != nil {
		resetLSNs(records)
		return InvalidLSN, fmt.Errorf("failed to store log records: %w", err)
	}
	s.nextLSN += LSN(len(records))
	return first, nil
}

// ReadFrom returns every record with LSN >= from, in log order.
func (s *StoreLog) ReadFrom(from LSN) ([]*CommitRecord, error) {
	if from == InvalidLSN {
		from = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLogClosed
	}

	var out []*CommitRecord
	for idx := from; idx < s.nextLSN; idx++ {
		var entry raft.Log
		if err := s.store.GetLog(uint64(idx), &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				return nil, fmt.Errorf("%w: missing entry %d", ErrCorruptedLog, idx)
			}
			return nil, fmt.Errorf("failed to read log entry %d: %w", idx, err)
		}
		rec := &CommitRecord{}
		if err := rec.Unmarshal(entry.Data); err != nil {
			return nil, fmt.Errorf("entry %d: %w", idx, err)
		}
		rec.LSN = idx
		out = append(out, rec)
	}
	return out, nil
}

// LastLSN returns the LSN of the last appended record, InvalidLSN if empty.
func (s *StoreLog) LastLSN() LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLSN - 1
}

func (s *StoreLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

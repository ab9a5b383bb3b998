package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/state"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
)

// --- Test Helpers ---

func newTestSetup(t *testing.T, opts Options) (*Agent, *manager.Manager) {
	t.Helper()
	log, err := wal.NewStoreLog(raft.NewInmemStore(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	m, err := manager.New(log, zaptest.NewLogger(t), manager.Options{})
	require.NoError(t, err)
	a := New(m, zaptest.NewLogger(t), opts)
	t.Cleanup(func() {
		a.Close()
		_ = m.Close()
	})
	return a, m
}

// fakeClient records the batches it receives.
type fakeClient struct {
	mu        sync.Mutex
	startErr  error
	nextID    transaction.ID
	startSize []int
	aborted   []transaction.ID
}

func (f *fakeClient) StartTransactions(_ context.Context, timeouts []time.Duration) ([]transaction.Started, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startSize = append(f.startSize, len(timeouts))
	out := make([]transaction.Started, len(timeouts))
	for i := range timeouts {
		f.nextID++
		out[i] = transaction.Started{ID: f.nextID, StartedAt: time.Now()}
	}
	return out, nil
}

func (f *fakeClient) CommitTransactions(_ context.Context, txs []transaction.Snapshot, _ []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	// Answers for nobody.
	return map[transaction.ID]transaction.Outcome{}, nil
}

func (f *fakeClient) AbortTransactions(_ context.Context, ids []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, ids...)
	return nil, errors.New("manager unreachable")
}

// slowLog delays commit appends so a caller's deadline passes mid-batch.
type slowLog struct {
	manager.Log
	delay time.Duration
}

func (l slowLog) Append(records ...*wal.CommitRecord) (wal.LSN, error) {
	for _, r := range records {
		if r.Type == wal.RecordTypeCommit {
			time.Sleep(l.delay)
			break
		}
	}
	return l.Log.Append(records...)
}

// lossyClient commits on the manager but loses the first drop replies.
type lossyClient struct {
	*manager.Manager
	mu   sync.Mutex
	drop int
}

func (c *lossyClient) CommitTransactions(ctx context.Context, txs []transaction.Snapshot, readOnly []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	out, err := c.Manager.CommitTransactions(ctx, txs, readOnly)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.drop > 0 {
		c.drop--
		return nil, errors.New("connection reset by peer")
	}
	return out, err
}

func increment(t *testing.T, a *Agent, cell *state.TransactionalState[int]) (transaction.Outcome, error) {
	t.Helper()
	ctx := context.Background()
	info, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(ctx, info)
	v, err := cell.Read(txCtx)
	require.NoError(t, err)
	require.NoError(t, cell.Write(txCtx, v+1))
	return a.ResolveTransaction(ctx, info, false)
}

// --- Test Cases ---

func TestStartTransaction_CoalescesIntoOneBatch(t *testing.T) {
	fc := &fakeClient{}
	a := New(fc, zaptest.NewLogger(t), Options{MaxBatchSize: 10, BatchWindow: 5 * time.Second})
	defer a.Close()

	var wg sync.WaitGroup
	infos := make([]*transaction.Info, 10)
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := a.StartTransaction(context.Background(), false, time.Second)
			require.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()

	require.Equal(t, []int{10}, fc.startSize)
	seen := make(map[transaction.ID]bool)
	for _, info := range infos {
		require.False(t, seen[info.ID()], "every caller gets its own id")
		seen[info.ID()] = true
	}
}

func TestStartTransaction_ManagerUnreachable(t *testing.T) {
	fc := &fakeClient{startErr: errors.New("connection refused")}
	a := New(fc, zaptest.NewLogger(t), Options{})
	defer a.Close()

	info, err := a.StartTransaction(context.Background(), false, time.Second)
	require.Nil(t, info)
	require.ErrorIs(t, err, transaction.ErrTransactionStartFailure)
}

func TestStartTransaction_RateLimitHonoursContext(t *testing.T) {
	fc := &fakeClient{}
	a := New(fc, zaptest.NewLogger(t), Options{StartRateLimit: 0.001, StartBurst: 1})
	defer a.Close()

	_, err := a.StartTransaction(context.Background(), false, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.StartTransaction(ctx, false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionStartFailure)
}

func TestResolve_MissingOutcomeIsSystemFailure(t *testing.T) {
	fc := &fakeClient{}
	a := New(fc, zaptest.NewLogger(t), Options{})
	defer a.Close()

	info, err := a.StartTransaction(context.Background(), false, time.Second)
	require.NoError(t, err)
	out, err := a.ResolveTransaction(context.Background(), info, false)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonSystemFailure, out.Reason)
}

func TestResolve_AbortIsUserRequestedEvenIfManagerUnreachable(t *testing.T) {
	fc := &fakeClient{}
	a := New(fc, zaptest.NewLogger(t), Options{})
	defer a.Close()

	info, err := a.StartTransaction(context.Background(), false, time.Second)
	require.NoError(t, err)
	out, err := a.ResolveTransaction(context.Background(), info, true)
	require.NoError(t, err)
	require.Equal(t, transaction.Aborted(info.ID(), transaction.ReasonUserRequested), out)
	require.Equal(t, []transaction.ID{info.ID()}, fc.aborted)
	require.Equal(t, transaction.StatusAborted, info.Status())
}

func TestResolve_InfoCannotBeReused(t *testing.T) {
	a, _ := newTestSetup(t, Options{})
	info, err := a.StartTransaction(context.Background(), false, time.Second)
	require.NoError(t, err)

	_, err = a.ResolveTransaction(context.Background(), info, false)
	require.NoError(t, err)
	_, err = a.ResolveTransaction(context.Background(), info, false)
	require.ErrorIs(t, err, transaction.ErrTransactionResolved)
}

func TestResolve_CallerDeadlineStillSettlesParticipants(t *testing.T) {
	log, err := wal.NewStoreLog(raft.NewInmemStore(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	m, err := manager.New(slowLog{Log: log, delay: 50 * time.Millisecond}, zaptest.NewLogger(t), manager.Options{})
	require.NoError(t, err)
	a := New(m, zaptest.NewLogger(t), Options{})
	t.Cleanup(func() {
		a.Close()
		_ = m.Close()
	})

	cell, err := state.New(a, "counter", 0)
	require.NoError(t, err)

	info, err := a.StartTransaction(context.Background(), false, 5*time.Second)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(context.Background(), info)
	require.NoError(t, cell.Write(txCtx, 1))

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.ResolveTransaction(short, info, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The decision still reaches the Info and the cell.
	require.Eventually(t, func() bool { return info.Status().Terminal() }, 2*time.Second, 5*time.Millisecond)
	out, ok := info.Outcome()
	require.True(t, ok)
	require.Equal(t, transaction.StatusCommitted, out.Status)
	require.Equal(t, state.VersionedResource[int]{Value: 1, Version: 1}, cell.Snapshot())
	require.Zero(t, cell.Pending())

	for i := 0; i < 3; i++ {
		out, err := increment(t, a, cell)
		require.NoError(t, err)
		require.Equal(t, transaction.StatusCommitted, out.Status, "retry %d", i)
	}
	require.Equal(t, state.VersionedResource[int]{Value: 4, Version: 4}, cell.Snapshot())
}

func TestResolve_LostReplyResyncsFromManager(t *testing.T) {
	_, m := newTestSetup(t, Options{})
	client := &lossyClient{Manager: m, drop: 1}
	a := New(client, zaptest.NewLogger(t), Options{})
	defer a.Close()

	cell, err := state.New(a, "counter", 0, state.WithSource[int](m))
	require.NoError(t, err)

	_, err = increment(t, a, cell)
	require.Error(t, err)
	require.Equal(t, 1, cell.Pending(), "outcome unknown, write still buffered")
	require.Equal(t, transaction.Version(0), cell.Snapshot().Version)

	// The stale read loses validation once and marks the cell for resync.
	out, err := increment(t, a, cell)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonVersionConflict, out.Reason)

	out, err = increment(t, a, cell)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCommitted, out.Status)
	require.Equal(t, state.VersionedResource[int]{Value: 2, Version: 2}, cell.Snapshot())
	require.Zero(t, cell.Pending())
}

func TestResolve_ClosedBeforeQueueingAborts(t *testing.T) {
	a, _ := newTestSetup(t, Options{})
	cell, err := state.New(a, "A", 0)
	require.NoError(t, err)

	info, err := a.StartTransaction(context.Background(), false, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, cell.Write(transaction.WithTransaction(context.Background(), info), 1))

	a.Close()
	out, err := a.ResolveTransaction(context.Background(), info, false)
	require.ErrorIs(t, err, ErrAgentClosed)
	require.Equal(t, transaction.ReasonSystemFailure, out.Reason)
	require.Zero(t, cell.Pending())
}

func TestTransfer_AtomicAcrossActors(t *testing.T) {
	a, m := newTestSetup(t, Options{})
	ctx := context.Background()

	from, err := state.New(a, "account/from", 100)
	require.NoError(t, err)
	to, err := state.New(a, "account/to", 0)
	require.NoError(t, err)

	info, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(ctx, info)

	balance, err := from.Read(txCtx)
	require.NoError(t, err)
	require.NoError(t, from.Write(txCtx, balance-30))
	credit, err := to.Read(txCtx)
	require.NoError(t, err)
	require.NoError(t, to.Write(txCtx, credit+30))

	out, err := a.ResolveTransaction(ctx, info, false)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCommitted, out.Status)

	require.Equal(t, state.VersionedResource[int]{Value: 70, Version: 1}, from.Snapshot())
	require.Equal(t, state.VersionedResource[int]{Value: 30, Version: 1}, to.Snapshot())

	v, err := m.ResourceVersion(ctx, "account/from")
	require.NoError(t, err)
	require.Equal(t, transaction.Version(1), v)
}

func TestConcurrentWritersOneCommits(t *testing.T) {
	// A long window puts both resolves into one commit batch.
	a, m := newTestSetup(t, Options{MaxBatchSize: 2, BatchWindow: 5 * time.Second})
	ctx := context.Background()

	cell, err := state.New(a, "A", "initial")
	require.NoError(t, err)

	infos := make([]*transaction.Info, 2)
	var wg sync.WaitGroup
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := a.StartTransaction(ctx, false, 10*time.Second)
			require.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()

	for i, info := range infos {
		txCtx := transaction.WithTransaction(ctx, info)
		_, err := cell.Read(txCtx)
		require.NoError(t, err)
		require.NoError(t, cell.Write(txCtx, []string{"t1", "t2"}[i]))
	}

	outcomes := make([]transaction.Outcome, 2)
	for i, info := range infos {
		wg.Add(1)
		go func(i int, info *transaction.Info) {
			defer wg.Done()
			out, err := a.ResolveTransaction(ctx, info, false)
			require.NoError(t, err)
			outcomes[i] = out
		}(i, info)
	}
	wg.Wait()

	var committed, conflicts int
	for _, o := range outcomes {
		switch {
		case o.Status == transaction.StatusCommitted:
			committed++
		case o.Reason == transaction.ReasonVersionConflict:
			conflicts++
		}
	}
	require.Equal(t, 1, committed)
	require.Equal(t, 1, conflicts)

	snap := cell.Snapshot()
	require.Equal(t, transaction.Version(1), snap.Version)
	require.Zero(t, cell.Pending())
	v, err := m.ResourceVersion(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, transaction.Version(1), v)
}

func TestAbortLeavesStateUntouched(t *testing.T) {
	a, m := newTestSetup(t, Options{})
	ctx := context.Background()
	cell, err := state.New(a, "A", 1)
	require.NoError(t, err)

	info, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(ctx, info)
	require.NoError(t, cell.Write(txCtx, 2))

	out, err := a.ResolveTransaction(ctx, info, true)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonUserRequested, out.Reason)
	require.Equal(t, state.VersionedResource[int]{Value: 1, Version: 0}, cell.Snapshot())
	require.Zero(t, cell.Pending())

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Active)
	require.Equal(t, wal.LSN(1), stats.LastLSN, "only the id reservation reached the log")
}

func TestTimeoutScenario(t *testing.T) {
	a, _ := newTestSetup(t, Options{})
	ctx := context.Background()
	cell, err := state.New(a, "A", "v0")
	require.NoError(t, err)

	info, err := a.StartTransaction(ctx, false, time.Millisecond)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(ctx, info)
	require.NoError(t, cell.Write(txCtx, "late"))

	time.Sleep(10 * time.Millisecond)

	out, err := a.ResolveTransaction(ctx, info, false)
	require.NoError(t, err)
	require.Equal(t, transaction.Aborted(info.ID(), transaction.ReasonTimeout), out)
	require.Equal(t, state.VersionedResource[string]{Value: "v0"}, cell.Snapshot())
}

func TestReadOnlySnapshotIsolation(t *testing.T) {
	a, _ := newTestSetup(t, Options{})
	ctx := context.Background()
	cell, err := state.New(a, "R", 10)
	require.NoError(t, err)

	writer, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	reader, err := a.StartTransaction(ctx, true, 5*time.Second)
	require.NoError(t, err)

	wCtx := transaction.WithTransaction(ctx, writer)
	rCtx := transaction.WithTransaction(ctx, reader)

	v, err := cell.Read(wCtx)
	require.NoError(t, err)
	require.NoError(t, cell.Write(wCtx, v+1))

	// The reader sees the committed value, not the writer's buffer.
	seen, err := cell.Read(rCtx)
	require.NoError(t, err)
	require.Equal(t, 10, seen)

	out, err := a.ResolveTransaction(ctx, writer, false)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCommitted, out.Status)

	// The reader's observation is now stale.
	out, err = a.ResolveTransaction(ctx, reader, false)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonVersionConflict, out.Reason)
}

func TestDisabled(t *testing.T) {
	a := NewDisabled()
	require.False(t, a.Enabled())

	_, err := a.StartTransaction(context.Background(), false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)

	info := transaction.NewInfo(1, false, time.Now(), time.Second)
	out, err := a.ResolveTransaction(context.Background(), info, false)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
	require.Equal(t, transaction.ReasonUnavailable, out.Reason)

	_, err = state.New[int](a, "A", 0)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
}

func TestDisabledManagerDisablesAgent(t *testing.T) {
	a := New(manager.Disabled{}, zaptest.NewLogger(t), Options{})
	defer a.Close()

	require.False(t, a.Enabled())
	_, err := a.StartTransaction(context.Background(), false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
}

func TestClosedAgent(t *testing.T) {
	a := New(&fakeClient{}, zaptest.NewLogger(t), Options{})
	a.Close()

	_, err := a.StartTransaction(context.Background(), false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionStartFailure)
	require.ErrorIs(t, err, ErrAgentClosed)
}

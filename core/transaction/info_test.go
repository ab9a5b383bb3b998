package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestInfo(readOnly bool) *Info {
	return NewInfo(7, readOnly, time.Unix(1000, 0), 5*time.Second)
}

func TestInfo_DeadlineFromTimeout(t *testing.T) {
	info := newTestInfo(false)
	require.Equal(t, time.Unix(1005, 0), info.Deadline())
	require.False(t, info.Expired(time.Unix(1005, 0)))
	require.True(t, info.Expired(time.Unix(1005, 1)))
}

func TestInfo_FirstReadWins(t *testing.T) {
	info := newTestInfo(false)
	require.NoError(t, info.RegisterRead("a", 3))
	require.NoError(t, info.RegisterRead("a", 4))

	v, ok := info.ObservedVersion("a")
	require.True(t, ok)
	require.Equal(t, Version(3), v)
	require.Equal(t, []ResourceRef{"a"}, info.Participants())
}

func TestInfo_WriteIntentsAndParticipants(t *testing.T) {
	info := newTestInfo(false)
	require.NoError(t, info.RegisterWrite("b", []byte("1")))
	require.NoError(t, info.RegisterRead("a", 0))
	require.NoError(t, info.RegisterWrite("b", []byte("2")))

	v, ok := info.PendingWrite("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
	require.True(t, info.HasWrites())
	require.Equal(t, []ResourceRef{"b", "a"}, info.Participants())
}

func TestInfo_ReadOnlyRejectsWrites(t *testing.T) {
	info := newTestInfo(true)
	err := info.RegisterWrite("a", []byte("x"))
	require.True(t, errors.Is(err, ErrReadOnlyTransaction))
	require.False(t, info.HasWrites())
}

func TestInfo_StatusMachine(t *testing.T) {
	info := newTestInfo(false)
	require.Equal(t, StatusActive, info.Status())

	// Finishing straight from Active is not allowed.
	require.ErrorIs(t, info.Finish(Committed(7, 1, nil)), ErrInvalidTransition)

	require.NoError(t, info.BeginResolve())
	require.ErrorIs(t, info.BeginResolve(), ErrTransactionResolved)
	require.ErrorIs(t, info.RegisterWrite("a", nil), ErrTransactionResolved)

	require.NoError(t, info.Finish(Aborted(7, ReasonVersionConflict)))
	require.Equal(t, StatusAborted, info.Status())
	require.ErrorIs(t, info.Finish(Committed(7, 1, nil)), ErrInvalidTransition)

	out, done := info.Outcome()
	require.True(t, done)
	require.Equal(t, ReasonVersionConflict, out.Reason)
	require.True(t, out.Retryable())
}

func TestInfo_CompletionCallbacks(t *testing.T) {
	info := newTestInfo(false)
	var got []Outcome
	info.OnComplete(func(o Outcome) { got = append(got, o) })
	info.OnComplete(func(o Outcome) { got = append(got, o) })

	require.NoError(t, info.BeginResolve())
	require.NoError(t, info.Finish(Committed(7, 3, map[ResourceRef]Version{"a": 1})))
	require.Len(t, got, 2)
	require.Equal(t, StatusCommitted, got[0].Status)
	require.Equal(t, Version(1), got[1].Versions["a"])
}

func TestInfo_SnapshotIsDetached(t *testing.T) {
	info := newTestInfo(false)
	require.NoError(t, info.RegisterRead("a", 1))
	require.NoError(t, info.RegisterWrite("a", []byte("v")))

	snap := info.Snapshot()
	require.NoError(t, info.RegisterRead("b", 9))

	require.Equal(t, ID(7), snap.ID)
	require.Len(t, snap.ReadSet, 1)
	require.Equal(t, []byte("v"), snap.WriteSet["a"])
	require.Equal(t, []ResourceRef{"a"}, snap.Participants)
}

func TestInfo_ConcurrentRegistration(t *testing.T) {
	info := newTestInfo(false)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := ResourceRef(string(rune('a' + i%8)))
			_ = info.RegisterRead(ref, Version(i))
			_ = info.RegisterWrite(ref, []byte{byte(i)})
		}(i)
	}
	wg.Wait()
	require.Len(t, info.Participants(), 8)
}

func TestContextPropagation(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	info := newTestInfo(false)
	ctx := WithTransaction(context.Background(), info)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, info, got)
}

func TestOutcome_Strings(t *testing.T) {
	require.Equal(t, "txn 3 Aborted(Timeout)", Aborted(3, ReasonTimeout).String())
	require.Equal(t, "txn 4 Committed", Committed(4, 10, nil).String())
	require.False(t, Aborted(3, ReasonSystemFailure).Retryable())
	require.False(t, Committed(4, 10, nil).Retryable())
}

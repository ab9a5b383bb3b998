package transactionservice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojotx/core/agent"
	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/state"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

// --- Test Helpers ---

type testServer struct {
	client *Client
	reader *sdkmetric.ManualReader
	lis    *bufconn.Listener
}

func startServer(t *testing.T, backend Backend) *testServer {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewRPCMetrics(provider.Meter("test"))
	require.NoError(t, err)

	svc := NewServer(backend, zaptest.NewLogger(t), metrics, nil)
	gs := grpc.NewServer(grpc.UnaryInterceptor(svc.UnaryInterceptor()))
	svc.Register(gs)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testServer{client: NewClient(conn), reader: reader, lis: lis}
}

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	log, err := wal.NewStoreLog(raft.NewInmemStore(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	m, err := manager.New(log, zaptest.NewLogger(t), manager.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// --- Test Cases ---

func TestRemoteTransactionRoundTrip(t *testing.T) {
	m := newManager(t)
	srv := startServer(t, m)
	a := agent.New(srv.client, zaptest.NewLogger(t), agent.Options{})
	defer a.Close()
	ctx := context.Background()

	cell, err := state.New(a, "account/1", 50)
	require.NoError(t, err)

	info, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	txCtx := transaction.WithTransaction(ctx, info)
	v, err := cell.Read(txCtx)
	require.NoError(t, err)
	require.NoError(t, cell.Write(txCtx, v+25))

	out, err := a.ResolveTransaction(ctx, info, false)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusCommitted, out.Status)
	require.Equal(t, transaction.Version(1), out.Versions["account/1"])
	require.Equal(t, state.VersionedResource[int]{Value: 75, Version: 1}, cell.Snapshot())

	resources, err := srv.client.Resources(ctx, "account/")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.JSONEq(t, `75`, string(resources[0].Value))

	// A second writer that observed the old version loses.
	stale, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, stale.RegisterRead("account/1", 0))
	require.NoError(t, stale.RegisterWrite("account/1", []byte("1")))
	out, err = a.ResolveTransaction(ctx, stale, false)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonVersionConflict, out.Reason)

	aborted, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	out, err = a.ResolveTransaction(ctx, aborted, true)
	require.NoError(t, err)
	require.Equal(t, transaction.ReasonUserRequested, out.Reason)
}

func TestRemoteDisabledManager(t *testing.T) {
	srv := startServer(t, manager.Disabled{})
	a := agent.New(srv.client, zaptest.NewLogger(t), agent.Options{})
	defer a.Close()

	require.False(t, a.Enabled())
	_, err := state.New(a, "account/1", 0)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)

	_, err = a.StartTransaction(context.Background(), false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
	require.NotErrorIs(t, err, transaction.ErrTransactionStartFailure)

	_, err = srv.client.CommitTransactions(context.Background(), nil, nil)
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
}

func TestRemoteManagerUnreachable(t *testing.T) {
	srv := startServer(t, newManager(t))
	require.NoError(t, srv.lis.Close())

	a := agent.New(srv.client, zaptest.NewLogger(t), agent.Options{RequestTimeout: time.Second})
	defer a.Close()
	require.True(t, a.Enabled(), "an unreachable manager is not a disabled one")

	_, err := a.StartTransaction(context.Background(), false, time.Second)
	require.ErrorIs(t, err, transaction.ErrTransactionStartFailure)
}

func TestInterceptorRecordsMetrics(t *testing.T) {
	srv := startServer(t, newManager(t))
	_, err := srv.client.StartTransactions(context.Background(), []time.Duration{time.Second})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, srv.reader.Collect(context.Background(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojotx.rpc.server.handled_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			require.Equal(t, int64(1), sum.DataPoints[0].Value)
			found = true
		}
	}
	require.True(t, found)
}

func TestWireCodecRoundTrip(t *testing.T) {
	started := time.Unix(0, 1_700_000_000_123_456_789)
	in := &CommitRequest{
		Transactions: []transaction.Snapshot{{
			ID:           4,
			StartedAt:    started,
			Deadline:     started.Add(5 * time.Second),
			Participants: []transaction.ResourceRef{"b", "a"},
			ReadSet:      map[transaction.ResourceRef]transaction.Version{"a": 2, "b": 0},
			WriteSet:     map[transaction.ResourceRef][]byte{"a": []byte(`"x"`), "c": {}},
		}, {
			ID:       5,
			ReadOnly: true,
			ReadSet:  map[transaction.ResourceRef]transaction.Version{"a": 2},
			WriteSet: map[transaction.ResourceRef][]byte{},
		}},
		ReadOnly: []transaction.ID{5},
	}
	b, err := wireCodec{}.Marshal(in)
	require.NoError(t, err)

	var out CommitRequest
	require.NoError(t, wireCodec{}.Unmarshal(b, &out))
	require.Len(t, out.Transactions, 2)
	got := out.Transactions[0]
	require.Equal(t, transaction.ID(4), got.ID)
	require.True(t, got.StartedAt.Equal(started))
	require.True(t, got.Deadline.Equal(in.Transactions[0].Deadline))
	require.Equal(t, in.Transactions[0].Participants, got.Participants)
	require.Equal(t, in.Transactions[0].ReadSet, got.ReadSet)
	require.Equal(t, in.Transactions[0].WriteSet, got.WriteSet)
	require.True(t, out.Transactions[1].ReadOnly)
	require.True(t, out.Transactions[1].StartedAt.IsZero())
	require.Equal(t, in.ReadOnly, out.ReadOnly)

	outcomes := &OutcomesResponse{Outcomes: []transaction.Outcome{
		transaction.Committed(4, 17, map[transaction.ResourceRef]transaction.Version{"a": 3}),
		transaction.Aborted(5, transaction.ReasonVersionConflict),
	}}
	b, err = wireCodec{}.Marshal(outcomes)
	require.NoError(t, err)
	var gotOutcomes OutcomesResponse
	require.NoError(t, wireCodec{}.Unmarshal(b, &gotOutcomes))
	require.Equal(t, outcomes.Outcomes, gotOutcomes.Outcomes)

	resources := &ResourcesResponse{Resources: []manager.Resource{
		{Ref: "a", Version: 3, Value: []byte("1"), LSN: 17},
		{Ref: "b", Version: 1, Value: []byte{}, LSN: 9},
	}}
	b, err = wireCodec{}.Marshal(resources)
	require.NoError(t, err)
	var gotResources ResourcesResponse
	require.NoError(t, wireCodec{}.Unmarshal(b, &gotResources))
	require.Equal(t, resources.Resources, gotResources.Resources)

	start := &StartRequest{Timeouts: []time.Duration{time.Second, 0, -time.Millisecond}}
	b, err = wireCodec{}.Marshal(start)
	require.NoError(t, err)
	var gotStart StartRequest
	require.NoError(t, wireCodec{}.Unmarshal(b, &gotStart))
	require.Equal(t, start.Timeouts, gotStart.Timeouts)
}

func TestWireCodecRejectsBadInput(t *testing.T) {
	_, err := wireCodec{}.Marshal(struct{}{})
	require.Error(t, err)
	require.Error(t, wireCodec{}.Unmarshal(nil, new(int)))

	b, err := wireCodec{}.Marshal(&ResourcesRequest{Prefix: "account/"})
	require.NoError(t, err)
	var out ResourcesRequest
	err = wireCodec{}.Unmarshal(b[:len(b)-2], &out)
	require.ErrorIs(t, err, errMalformedMessage)
}

func TestWireCodecSkipsUnknownFields(t *testing.T) {
	b, err := wireCodec{}.Marshal(&EnabledResponse{Enabled: true})
	require.NoError(t, err)
	b = appendString(b, 9, "from a newer peer")

	var out EnabledResponse
	require.NoError(t, wireCodec{}.Unmarshal(b, &out))
	require.True(t, out.Enabled)
}

func TestRemoteResource(t *testing.T) {
	m := newManager(t)
	srv := startServer(t, m)
	a := agent.New(srv.client, zaptest.NewLogger(t), agent.Options{})
	defer a.Close()
	ctx := context.Background()

	_, found, err := srv.client.Resource(ctx, "greeting")
	require.NoError(t, err)
	require.False(t, found)

	cell, err := state.New(a, "greeting", "", state.WithSource[string](srv.client))
	require.NoError(t, err)
	info, err := a.StartTransaction(ctx, false, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, cell.Write(transaction.WithTransaction(ctx, info), "hello"))
	_, err = a.ResolveTransaction(ctx, info, false)
	require.NoError(t, err)

	r, found, err := srv.client.Resource(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, transaction.Version(1), r.Version)
	require.JSONEq(t, `"hello"`, string(r.Value))

	// A second actor for the same resource resyncs to the committed copy.
	other, err := state.New(a, "greeting", "", state.WithSource[string](srv.client))
	require.NoError(t, err)
	require.NoError(t, other.Resync(ctx))
	require.Equal(t, state.VersionedResource[string]{Value: "hello", Version: 1}, other.Snapshot())
}

// rejecting reports itself enabled but refuses every call.
type rejecting struct{ manager.Disabled }

func (rejecting) Enabled() bool { return true }

func TestClientDisablesAfterRejectedCall(t *testing.T) {
	srv := startServer(t, rejecting{})
	require.True(t, srv.client.Enabled())

	_, err := srv.client.StartTransactions(context.Background(), []time.Duration{time.Second})
	require.ErrorIs(t, err, transaction.ErrTransactionsUnavailable)
	require.False(t, srv.client.Enabled())
}

// Package transactionservice exposes the transaction manager over gRPC and
// provides the client the agent uses to reach a remote manager.
package transactionservice

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
)

const (
	serviceName = "gojotx.TransactionManager"

	startMethod     = "/" + serviceName + "/StartTransactions"
	commitMethod    = "/" + serviceName + "/CommitTransactions"
	abortMethod     = "/" + serviceName + "/AbortTransactions"
	resourcesMethod = "/" + serviceName + "/Resources"
	resourceMethod  = "/" + serviceName + "/Resource"
	enabledMethod   = "/" + serviceName + "/Enabled"
)

// Backend is the manager contract served over gRPC. *manager.Manager and
// manager.Disabled implement it.
type Backend interface {
	StartTransactions(ctx context.Context, timeouts []time.Duration) ([]transaction.Started, error)
	CommitTransactions(ctx context.Context, txs []transaction.Snapshot, readOnly []transaction.ID) (map[transaction.ID]transaction.Outcome, error)
	AbortTransactions(ctx context.Context, ids []transaction.ID) (map[transaction.ID]transaction.Outcome, error)
	Resources(ctx context.Context, prefix string) ([]manager.Resource, error)
	Resource(ctx context.Context, ref transaction.ResourceRef) (manager.Resource, bool, error)
	Enabled() bool
}

// transactionServer is the handler type checked by grpc.RegisterService.
type transactionServer interface {
	StartTransactions(context.Context, *StartRequest) (*StartResponse, error)
	CommitTransactions(context.Context, *CommitRequest) (*OutcomesResponse, error)
	AbortTransactions(context.Context, *AbortRequest) (*OutcomesResponse, error)
	Resources(context.Context, *ResourcesRequest) (*ResourcesResponse, error)
	Resource(context.Context, *ResourceRequest) (*ResourceResponse, error)
	Enabled(context.Context, *EnabledRequest) (*EnabledResponse, error)
}

// Server adapts a Backend to the gRPC service.
type Server struct {
	backend Backend
	logger  *zap.Logger
	metrics *internaltelemetry.RPCMetrics
	tracer  trace.Tracer
}

// NewServer creates the service. metrics and tracer may be nil.
func NewServer(backend Backend, logger *zap.Logger, metrics *internaltelemetry.RPCMetrics, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Server{
		backend: backend,
		logger:  logger.Named("transaction_service"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// Register adds the service to s.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// UnaryInterceptor records RPC metrics and a span for every call.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span, startTime := s.StartMetricsAndTrace(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		s.EndMetricsAndTrace(ctx, span, startTime, info.FullMethod, status.Code(err))
		return resp, err
	}
}

// StartMetricsAndTrace begins the telemetry of one RPC.
func (s *Server) StartMetricsAndTrace(ctx context.Context, fullMethodName string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("grpc.service", serviceName),
		attribute.String("grpc.method", fullMethodName),
	)
	if s.metrics != nil {
		s.metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
		s.metrics.RpcsStartedCounter.Add(ctx, 1, attrs)
	}
	ctx, span := s.tracer.Start(ctx, fullMethodName, trace.WithAttributes(
		attribute.String("grpc.service", serviceName),
		attribute.String("grpc.method", fullMethodName),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry of one RPC.
func (s *Server) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, fullMethodName string, code codes.Code) {
	if code != codes.OK {
		span.SetStatus(otelcodes.Error, code.String())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	if s.metrics == nil {
		return
	}
	s.metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("grpc.service", serviceName),
		attribute.String("grpc.method", fullMethodName),
	))
	set := attribute.NewSet(
		attribute.String("grpc.service", serviceName),
		attribute.String("grpc.method", fullMethodName),
		attribute.String("grpc.code", code.String()),
	)
	s.metrics.RpcLatencyHistogram.Record(ctx, time.Since(startTime).Milliseconds(), metric.WithAttributeSet(set))
	s.metrics.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(set))
}

func (s *Server) StartTransactions(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	started, err := s.backend.StartTransactions(ctx, req.Timeouts)
	if err != nil {
		return nil, s.toStatus(startMethod, err)
	}
	return &StartResponse{Started: started}, nil
}

func (s *Server) CommitTransactions(ctx context.Context, req *CommitRequest) (*OutcomesResponse, error) {
	outcomes, err := s.backend.CommitTransactions(ctx, req.Transactions, req.ReadOnly)
	if err != nil {
		return nil, s.toStatus(commitMethod, err)
	}
	return &OutcomesResponse{Outcomes: outcomeList(outcomes)}, nil
}

func (s *Server) AbortTransactions(ctx context.Context, req *AbortRequest) (*OutcomesResponse, error) {
	outcomes, err := s.backend.AbortTransactions(ctx, req.IDs)
	if err != nil {
		return nil, s.toStatus(abortMethod, err)
	}
	return &OutcomesResponse{Outcomes: outcomeList(outcomes)}, nil
}

func (s *Server) Resources(ctx context.Context, req *ResourcesRequest) (*ResourcesResponse, error) {
	resources, err := s.backend.Resources(ctx, req.Prefix)
	if err != nil {
		return nil, s.toStatus(resourcesMethod, err)
	}
	return &ResourcesResponse{Resources: resources}, nil
}

func (s *Server) Resource(ctx context.Context, req *ResourceRequest) (*ResourceResponse, error) {
	r, found, err := s.backend.Resource(ctx, req.Ref)
	if err != nil {
		return nil, s.toStatus(resourceMethod, err)
	}
	return &ResourceResponse{Resource: r, Found: found}, nil
}

// Enabled answers the client's availability check. It never fails, also on
// a disabled backend.
func (s *Server) Enabled(context.Context, *EnabledRequest) (*EnabledResponse, error) {
	return &EnabledResponse{Enabled: s.backend.Enabled()}, nil
}

func (s *Server) toStatus(method string, err error) error {
	switch {
	case errors.Is(err, transaction.ErrTransactionsUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transaction.ErrManagerClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		s.logger.Error("Transaction manager call failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transactionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTransactions", Handler: startHandler},
		{MethodName: "CommitTransactions", Handler: commitHandler},
		{MethodName: "AbortTransactions", Handler: abortHandler},
		{MethodName: "Resources", Handler: resourcesHandler},
		{MethodName: "Resource", Handler: resourceHandler},
		{MethodName: "Enabled", Handler: enabledHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transaction_service",
}

func startHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StartRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).StartTransactions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: startMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).StartTransactions(ctx, req.(*StartRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func commitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).CommitTransactions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: commitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).CommitTransactions(ctx, req.(*CommitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AbortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).AbortTransactions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: abortMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).AbortTransactions(ctx, req.(*AbortRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resourcesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResourcesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).Resources(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resourcesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).Resources(ctx, req.(*ResourcesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resourceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResourceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).Resource(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resourceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).Resource(ctx, req.(*ResourceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func enabledHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EnabledRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transactionServer).Enabled(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: enabledMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transactionServer).Enabled(ctx, req.(*EnabledRequest))
	}
	return interceptor(ctx, in, info, handler)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	transactionservice "github.com/sushant-115/gojotx/api/transaction_service"
	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/certs"
	"github.com/sushant-115/gojotx/pkg/config"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	HttpServerStopTimeout = 5 * time.Second
)

// commitLog is a log backend that also reports its last LSN.
type commitLog interface {
	manager.Log
	LastLSN() wal.LSN
}

// backend is what the node serves: the running manager or the disabled one.
type backend interface {
	transactionservice.Backend
	Stats(ctx context.Context) (manager.Stats, error)
	Close() error
}

type node struct {
	cfg     config.Config
	logger  *zap.Logger
	tel     *telemetry.Telemetry
	telStop telemetry.ShutdownFunc
	backend backend
	grpc    *grpc.Server
	http    *http.Server
}

func newNode(cfg config.Config, logger *zap.Logger) (*node, error) {
	tel, telStop, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	n := &node{cfg: cfg, logger: logger, tel: tel, telStop: telStop}

	if cfg.Manager.Disabled {
		logger.Warn("Transactions are disabled; every manager call will fail")
		n.backend = manager.Disabled{}
	} else if err := n.openManager(); err != nil {
		_ = telStop(context.Background())
		return nil, err
	}

	rpcMetrics, err := internaltelemetry.NewRPCMetrics(tel.Meter)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create rpc metrics: %w", err)
	}
	svc := transactionservice.NewServer(n.backend, logger, rpcMetrics, tel.Tracer)
	serverOpts := []grpc.ServerOption{grpc.UnaryInterceptor(svc.UnaryInterceptor())}
	if cfg.Manager.TLS.Enabled() {
		tlsConfig, err := certs.ServerConfig(cfg.Manager.TLS)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		logger.Info("Mutual TLS enabled on the gRPC listener")
	}
	n.grpc = grpc.NewServer(serverOpts...)
	svc.Register(n.grpc)

	n.http = &http.Server{
		Addr:              cfg.Manager.HTTPAddr,
		Handler:           newAdminMux(n.backend, tel.MetricsHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return n, nil
}

func (n *node) openManager() error {
	mcfg := n.cfg.Manager
	if err := os.MkdirAll(mcfg.LogDir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", mcfg.LogDir, err)
	}

	var (
		clog commitLog
		err  error
	)
	switch mcfg.LogBackend {
	case config.LogBackendBolt:
		clog, err = wal.NewBoltLog(filepath.Join(mcfg.LogDir, "commit.bolt"), n.logger)
	default:
		clog, err = wal.NewLogManager(mcfg.LogDir, n.logger, mcfg.WALOptions())
	}
	if err != nil {
		return fmt.Errorf("failed to open %s commit log: %w", mcfg.LogBackend, err)
	}
	n.logger.Info("Commit log opened",
		zap.String("backend", mcfg.LogBackend),
		zap.String("path", mcfg.LogDir),
		zap.Uint64("lastLSN", uint64(clog.LastLSN())),
	)

	opts := mcfg.Options()
	opts.Tracer = n.tel.Tracer
	opts.Metrics, err = internaltelemetry.NewTransactionMetrics(n.tel.Meter)
	if err != nil {
		_ = clog.Close()
		return fmt.Errorf("failed to create transaction metrics: %w", err)
	}
	// The manager owns the log from here on and closes it.
	m, err := manager.New(clog, n.logger, opts)
	if err != nil {
		_ = clog.Close()
		return fmt.Errorf("failed to start transaction manager: %w", err)
	}
	n.backend = m
	return nil
}

// serve runs the gRPC and HTTP servers until ctx is done or one of them fails,
// then shuts everything down.
func (n *node) serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.Manager.GRPCAddr)
	if err != nil {
		n.close()
		return fmt.Errorf("failed to listen for gRPC on %s: %w", n.cfg.Manager.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		n.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))
		if err := n.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()
	go func() {
		n.logger.Info("HTTP server starting", zap.String("address", n.http.Addr))
		if err := n.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		n.logger.Info("Received signal, initiating graceful shutdown")
	case serveErr = <-errCh:
	}
	n.shutdown()
	return serveErr
}

func (n *node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), HttpServerStopTimeout)
	defer cancel()
	if err := n.http.Shutdown(ctx); err != nil {
		n.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		n.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(GrpcServerStopTimeout):
		n.logger.Warn("gRPC graceful stop timed out, forcing stop")
		n.grpc.Stop()
	}
	n.close()
}

func (n *node) close() {
	if n.backend != nil {
		if err := n.backend.Close(); err != nil {
			n.logger.Error("Failed to close transaction manager", zap.Error(err))
		}
	}
	if err := n.telStop(context.Background()); err != nil {
		n.logger.Warn("Failed to shut down telemetry", zap.Error(err))
	}
}

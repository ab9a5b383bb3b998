// Command gojotx_manager runs the transaction manager: it recovers the commit
// log, serves the manager over gRPC and exposes metrics and status over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotx/pkg/config"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	configPath string
	grpcAddr   string
	httpAddr   string
	logDir     string
	logBackend string
	disabled   bool
	logLevel   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gojotx_manager",
		Short:         "Run the gojotx transaction manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runManager,
	}
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	flags.StringVar(&grpcAddr, "grpc_addr", "", "gRPC listen address (overrides manager.grpc_addr)")
	flags.StringVar(&httpAddr, "http_addr", "", "HTTP listen address for /metrics, /status and /resources")
	flags.StringVar(&logDir, "log_dir", "", "Commit log directory (overrides manager.log_dir)")
	flags.StringVar(&logBackend, "log_backend", "", "Commit log backend: segment or bolt")
	flags.BoolVar(&disabled, "disabled", false, "Serve a manager with transactions switched off")
	flags.StringVar(&logLevel, "log_level", "", "Log level (overrides logger.level)")
	cmd.AddCommand(newGenCertsCommand())
	return cmd
}

func runManager(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("CRITICAL: %v", err)
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		log.Printf("CRITICAL: invalid configuration: %v", err)
		return err
	}

	if cfg.Logger.Service == "" {
		cfg.Logger.Service = "gojotx_manager"
	}
	zlogger, _, err := logger.New(cfg.Logger)
	if err != nil {
		log.Printf("CRITICAL: can't initialize zap logger: %v", err)
		return err
	}
	defer func() { _ = zlogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, zlogger)
	if err != nil {
		zlogger.Error("Failed to initialize transaction manager", zap.Error(err))
		return fmt.Errorf("initialize manager: %w", err)
	}
	if err := n.serve(ctx); err != nil {
		zlogger.Error("Transaction manager stopped with error", zap.Error(err))
		return err
	}
	zlogger.Info("gojotx manager shut down gracefully")
	return nil
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("grpc_addr") {
		cfg.Manager.GRPCAddr = grpcAddr
	}
	if flags.Changed("http_addr") {
		cfg.Manager.HTTPAddr = httpAddr
	}
	if flags.Changed("log_dir") {
		cfg.Manager.LogDir = logDir
	}
	if flags.Changed("log_backend") {
		cfg.Manager.LogBackend = logBackend
	}
	if flags.Changed("disabled") {
		cfg.Manager.Disabled = disabled
	}
	if flags.Changed("log_level") {
		cfg.Logger.Level = logLevel
	}
}

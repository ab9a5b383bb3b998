// Command gojotx_cli is an interactive shell that runs transactions against a
// gojotx manager. Resources are hosted in-process as string-valued actors.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	transactionservice "github.com/sushant-115/gojotx/api/transaction_service"
	"github.com/sushant-115/gojotx/core/agent"
	"github.com/sushant-115/gojotx/pkg/certs"
	"github.com/sushant-115/gojotx/pkg/config"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
)

var (
	configPath  string
	managerAddr string
	historyFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gojotx_cli",
		Short:        "Interactive gojotx transaction shell",
		SilenceUsage: true,
		RunE:         runShell,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().StringVar(&managerAddr, "manager_addr", "", "Transaction manager gRPC address (overrides agent.manager_addr)")
	cmd.Flags().StringVar(&historyFile, "history", "/tmp/gojotx_cli.history", "Readline history file")
	return cmd
}

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("manager_addr") {
		cfg.Agent.ManagerAddr = managerAddr
	}
	// Keep the shell readable unless the config asks for more.
	if configPath == "" {
		cfg.Logger.Level = "warn"
		cfg.Logger.Format = "console"
		cfg.Logger.OutputFile = "stderr"
	}
	cfg.Logger.Service = "gojotx_cli"
	zlogger, _, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = zlogger.Sync() }()

	var dialOpts []grpc.DialOption
	if cfg.Agent.TLS.Enabled() {
		tlsConfig, err := certs.ClientConfig(cfg.Agent.TLS, cfg.Agent.ServerName)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}
	conns := connection.NewManager(zlogger, dialOpts...)
	defer conns.Close()
	conn, err := conns.Get(cfg.Agent.ManagerAddr)
	if err != nil {
		return fmt.Errorf("connect to manager %s: %w", cfg.Agent.ManagerAddr, err)
	}
	client := transactionservice.NewClient(conn)

	var a *agent.Agent
	if cfg.Agent.Disabled {
		a = agent.NewDisabled()
	} else {
		a = agent.New(client, zlogger, cfg.Agent.Options())
	}
	defer a.Close()

	sess := newSession(context.Background(), a, client, zlogger, os.Stdout)
	fmt.Printf("Connected to %s as agent %s. Type 'help' for commands.\n", cfg.Agent.ManagerAddr, a.ID())
	return shellLoop(sess)
}

func shellLoop(sess *session) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotx> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	log.SetOutput(l.Stderr())

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if sess.exec(line) {
			break
		}
		l.SetPrompt(sess.prompt())
	}
	sess.close()
	return nil
}

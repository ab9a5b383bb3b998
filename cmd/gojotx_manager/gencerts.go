package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sushant-115/gojotx/pkg/certs"
)

func newGenCertsCommand() *cobra.Command {
	var (
		dir      string
		hosts    []string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gen-certs",
		Short: "Generate a development CA with manager and agent certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, client, err := certs.Generate(dir, hosts, validFor)
			if err != nil {
				return fmt.Errorf("generate certificates: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "manager.tls: ca_file=%s cert_file=%s key_file=%s\n", server.CAFile, server.CertFile, server.KeyFile)
			fmt.Fprintf(out, "agent.tls:   ca_file=%s cert_file=%s key_file=%s\n", client.CAFile, client.CertFile, client.KeyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "Output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "Host names and IPs of the manager certificate")
	cmd.Flags().DurationVar(&validFor, "valid_for", 365*24*time.Hour, "Certificate lifetime")
	return cmd
}

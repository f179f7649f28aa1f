package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sushant-115/twopc/api/rpc"
	"github.com/sushant-115/twopc/config/certs"
	"github.com/sushant-115/twopc/pkg/connection"
)

var (
	masterAddr  string
	timeout     time.Duration
	tlsFiles    certs.Files
	historyFile string
)

func newRootCommand(s *session) *cobra.Command {
	var conns *connection.ConnectionManager
	root := &cobra.Command{
		Use:           "twopc_cli",
		Short:         "Client for a twopc master",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if s.client != nil {
				return nil
			}
			if err := tlsFiles.Validate(); err != nil {
				return err
			}
			creds, err := tlsFiles.ClientCredentials()
			if err != nil {
				return err
			}
			conns = connection.NewConnectionManager(connection.Options{Creds: creds})
			s.client = rpc.NewMasterClient(conns, masterAddr)
			s.timeout = timeout
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if conns != nil {
				conns.Close()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&masterAddr, "master", "m", "127.0.0.1:8000", "Address of the master")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "Deadline for each request")
	flags.StringVar(&tlsFiles.CAFile, "tls_ca", "", "CA certificate for mutual TLS")
	flags.StringVar(&tlsFiles.CertFile, "tls_cert", "", "Client certificate for mutual TLS")
	flags.StringVar(&tlsFiles.KeyFile, "tls_key", "", "Client key for mutual TLS")

	shell := &cobra.Command{
		Use:   "shell",
		Short: "Interactive twopc shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.shellLoop(historyFile)
		},
	}
	shell.Flags().StringVar(&historyFile, "history", filepath.Join(os.TempDir(), "twopc_cli.history"), "Shell history file")

	root.AddCommand(s.dataCommands()...)
	root.AddCommand(shell)
	return root
}

func main() {
	s := &session{out: os.Stdout}
	if err := newRootCommand(s).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

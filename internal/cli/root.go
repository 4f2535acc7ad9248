// Package cli implements the enginectl command line.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultServer is used when neither --server nor ENGINECTL_SERVER is set.
const DefaultServer = "http://localhost:8000"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Timeout time.Duration
	Token   string
	Retries int
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for enginectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	server := os.Getenv("ENGINECTL_SERVER")
	if server == "" {
		server = DefaultServer
	}

	cmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Inspect and operate a compute guard server",
		Long: `enginectl talks to a running compute guard server over HTTP.

It shows the controller status, starts or resizes the worker pool,
requests manual recovery after a terminal failure, resets the circuit
breaker and runs jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", server, "server base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("ENGINECTL_TOKEN"), "operator bearer token")
	cmd.PersistentFlags().IntVar(&opts.Retries, "retries", 2, "reconnect attempts when the server is unreachable")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewThreadsCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewScriptCommand(opts))

	return cmd
}

func (o *RootOptions) client() *Client {
	return NewClient(ClientConfig{
		BaseURL: o.Server,
		Timeout: o.Timeout,
		Token:   o.Token,
		Retries: o.Retries,
	})
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

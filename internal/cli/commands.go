package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the execution controller status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
}

// NewInitCommand creates the init command.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	var (
		threads     int
		skipThreads bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Load the engine and start the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Initialize(cmd.Context(), threads, skipThreads)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().IntVarP(&threads, "threads", "t", 0, "worker count (0 uses the host default)")
	cmd.Flags().BoolVar(&skipThreads, "skip-threads", false, "load without starting a pool")
	return cmd
}

// NewThreadsCommand creates the threads command.
func NewThreadsCommand(opts *RootOptions) *cobra.Command {
	var single bool

	cmd := &cobra.Command{
		Use:   "threads [count]",
		Short: "Start or resize the worker pool",
		Long: `Start or resize the worker pool.

Examples:
  enginectl threads 4
  enginectl threads --single`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 0
			if len(args) == 1 {
				if _, err := fmt.Sscanf(args[0], "%d", &count); err != nil || count < 0 {
					return fmt.Errorf("invalid thread count %q", args[0])
				}
			}
			if single && count > 0 {
				return errors.New("--single and a thread count are mutually exclusive")
			}

			result, err := opts.client().SetThreads(cmd.Context(), count, single)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), result)
			}
			if !result.Threaded {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "threading unavailable on this host, running single-threaded")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "worker pool running %d threads (requested %d)\n",
				result.Lifecycle.EffectiveThreads, result.Lifecycle.RequestedThreads)
			return err
		},
	}

	cmd.Flags().BoolVar(&single, "single", false, "shrink the pool to one worker")
	return cmd
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Request a manual recovery cycle",
		Long: `Request a manual recovery cycle and wait for it to finish.

Manual recovery is the only way out of the terminal state reached when
automatic recovery has been exhausted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Recover(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "recovery succeeded")
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
}

// NewResetCommand creates the reset-breaker command.
func NewResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker",
		Short: "Force the circuit breaker closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			circuit, err := opts.client().ResetBreaker(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), circuit)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "circuit %s\n", circuit.State)
			return err
		},
	}
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recently finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			result, err := opts.client().Jobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), result)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTHREAD\tDURATION\tERROR")
			for _, job := range result.Jobs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					job.ID, job.Type, job.Status, job.Thread, job.Duration, job.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs")
	return cmd
}

// NewScriptCommand creates the script command.
func NewScriptCommand(opts *RootOptions) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "script [source]",
		Short: "Run a sandboxed script job",
		Long: `Run a sandboxed script job. The source is taken from the argument,
from --file, or from stdin when the argument is "-".

Examples:
  enginectl script '1 + 1'
  enginectl script --file job.js --job-timeout 2s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := scriptSource(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			out, err := opts.client().RunScript(cmd.Context(), source, timeout)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			return printOutput(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the script from a file")
	cmd.Flags().DurationVar(&timeout, "job-timeout", 0, "script timeout (0 uses the server default)")
	return cmd
}

func scriptSource(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", errors.New("pass either a source argument or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read script: %w", err)
		}
		return string(data), nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read script from stdin: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", errors.New("a script source is required")
	}
}

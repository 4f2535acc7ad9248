package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/engine"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, status *controller.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(tw, "PHASE\t%s\n", status.Phase)
	_, _ = fmt.Fprintf(tw, "BACKEND\t%s\n", status.Capabilities.Backend)
	_, _ = fmt.Fprintf(tw, "CIRCUIT\t%s (failures %d)\n", status.Circuit.State, status.Circuit.FailureCount)
	if !status.Circuit.OpenUntil.IsZero() {
		_, _ = fmt.Fprintf(tw, "OPEN UNTIL\t%s\n", status.Circuit.OpenUntil.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(tw, "THREADS\t%d (requested %d)\n", status.Lifecycle.EffectiveThreads, status.Lifecycle.RequestedThreads)
	_, _ = fmt.Fprintf(tw, "JOBS\tcompleted %d, failed %d, in flight %d\n",
		status.Jobs.Completed, status.Jobs.Failed, status.Jobs.InFlight)
	_, _ = fmt.Fprintf(tw, "RECOVERY\tattempts %d\n", status.Recovery.Attempts)
	if status.Message != "" {
		_, _ = fmt.Fprintf(tw, "MESSAGE\t%s\n", status.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, s := range status.Suggestions {
		_, _ = fmt.Fprintf(w, "  - %s\n", s)
	}
	return nil
}

func printOutput(w io.Writer, out *engine.Output) error {
	if out.Value != nil {
		_, _ = fmt.Fprintf(w, "%v\n", out.Value)
	}
	for _, line := range out.Console {
		_, _ = fmt.Fprintf(w, "console: %s\n", line)
	}
	_, err := fmt.Fprintf(w, "(%s on worker %d)\n", out.Duration, out.Worker)
	return err
}

// Command enginectl inspects and operates a running compute guard server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/GriffinCanCode/computeguard/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

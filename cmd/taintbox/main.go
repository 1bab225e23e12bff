// Command taintbox runs guest libraries behind a tainted-data boundary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"taintbox/internal/cli"
	"taintbox/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	_ = logger.Close()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

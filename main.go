// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmoradei/portero-cli/cmd"
	"github.com/nmoradei/portero-cli/internal/observability"
)

// main is the entry point for the portero CLI. It installs signal
// handling so an interrupt shuts the engine down cleanly, leaving
// checkpointed sessions on disk for the next invocation to resume.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

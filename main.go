package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grok-bridge/cmd"
	"grok-bridge/internal/bridge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	stop()

	os.Exit(exitStatus(err))
}

func exitStatus(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "shutdown requested, exiting")
		return 0
	case errors.Is(err, bridge.ErrStartup):
		// The fatal line on stdout is the report. A non-zero status makes the
		// host treat the bridge as crashed on top of that line.
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
}

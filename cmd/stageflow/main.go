// cmd/stageflow/main.go
//
// This is the entry point for the stageflow CLI.
// Run it from a project directory; state lives under .stageflow/.
//
// Flow:
// 1. Trap SIGINT/SIGTERM so serve can drain
// 2. Parse the command line with cobra
// 3. Each command loads .stageflow/config.yaml and wires the engine it needs

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

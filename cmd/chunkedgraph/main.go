package main

import (
	"context"
	"fmt"
	"os"

	"github.com/connectomics/chunkedgraph/cmd/chunkedgraph/cmd"
	"github.com/connectomics/chunkedgraph/pkg/telemetry"
)

func main() {
	os.Exit(run())
}

// run wires up telemetry shutdown around the CLI so it still fires when a
// command returns an error, unlike a bare os.Exit in main.
func run() int {
	ctx := context.Background()

	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: failed to initialize, continuing without tracing: %v\n", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry: shutdown failed: %v\n", err)
		}
	}()

	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

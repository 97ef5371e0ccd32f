// Command layerctl manages layered knowledge graphs from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	_ = c.close(context.Background())
	if err != nil {
		stop()
		os.Exit(1)
	}
}

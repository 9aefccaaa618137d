package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"inferbench/internal/cli"
)

func main() {
	// The first signal stops the run after the in-flight call; the report
	// still prints. A second signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	os.Exit(cli.Execute(ctx, os.Args[1:]))
}

// Command echo-server is a minimal TCP echo server demonstrating the
// iomux/async stack end to end: a Multiplexer-backed EventLoop accepting
// connections and echoing each line back to its sender, grounded on
// original_source/examples/echo-server's socket/client/server split and
// its SIGINT/SIGTERM-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/halvorsund/iomux/async"
)

func main() {
	port := flag.Int("port", 8080, "TCP port to listen on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(*port)
	if err != nil {
		slog.Error("could not start server", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("server starting", slog.Int("port", *port))
	if err := async.NewEventLoop().Run(ctx, srv.run); err != nil && ctx.Err() == nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("server shut down")
}

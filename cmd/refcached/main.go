// Spins up the refcache server, a Redis protocol front end over a cache of open file handles.

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nobletooth/refcache/pkg/config"
	"github.com/nobletooth/refcache/pkg/port"
	"github.com/nobletooth/refcache/pkg/utils"
)

var printVersion = flag.Bool("print_version", false, "Print the version and exit.")

func main() {
	configErr := config.InitFlags()
	utils.InitLogging()
	if configErr != nil {
		slog.Error("Failed to load configuration.", "error", configErr)
		os.Exit(2)
	}

	if *printVersion {
		slog.Info("Refcache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := port.NewFileStorage(ctx)
	if err != nil {
		slog.Error("Failed to create file storage.", "error", err)
		os.Exit(1)
	}
	if err := port.RunRedisServer(ctx, store); err != nil {
		slog.Error("Refcache server stopped.", "err", err, "uptime", utils.Uptime())
		os.Exit(1)
	}
	slog.Info("Refcache server stopped.", "uptime", utils.Uptime())
}

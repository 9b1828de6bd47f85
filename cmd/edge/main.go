package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/Meadarsh/LocalLink/internal/edge"
)

func main() {
	configPath := flag.String("config", "", "path to edge configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: slog.LevelInfo,
	})))

	cfg, err := edge.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := edge.NewServer(cfg)
	if err := server.Run(ctx); err != nil {
		slog.Error("edge server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("edge server stopped")
}

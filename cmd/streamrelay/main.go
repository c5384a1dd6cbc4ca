package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/streamrelay/internal/logger"
	"github.com/sebas/streamrelay/internal/relay"
	"github.com/sebas/streamrelay/internal/relay/config"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	slog.Info("Starting streamrelay",
		"stream_bind", cfg.StreamBindAddr,
		"audio_port", cfg.AudioPort,
		"video_port", cfg.VideoPort,
		"viewer_port", cfg.ViewerPort,
		"advertise", cfg.AdvertiseAddr,
		"window", cfg.WindowStart,
		"base_timeout", cfg.BaseTimeout,
	)

	r := relay.New(cfg)
	if err := r.Start(); err != nil {
		slog.Error("Failed to start relay", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Shutdown(ctx)
	slog.Info("streamrelay stopped")
}

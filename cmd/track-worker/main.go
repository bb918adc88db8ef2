package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/TrailBox/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("track-worker starting", "poll_interval_seconds", cfg.TrailBox.WorkerPollIntervalSeconds, "push_enabled", cfg.Push.Enabled)
	if err := RunTrackWorker(ctx, cfg, defaultWorkerFactories()); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

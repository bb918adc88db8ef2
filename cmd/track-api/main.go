package main

import (
	"context"
	"errors"
	"log/slog"
)

func main() {
	app := mustBootstrapTrackAPI()
	defer app.Close()

	slog.Info("track-api starting", "http_addr", app.opts.httpAddr, "topic", app.opts.topic)
	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

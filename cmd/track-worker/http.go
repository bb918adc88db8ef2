package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/TrailBox/config"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/BearBump/TrailBox/internal/services/poller"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	poller   *poller.Poller
	breakers *resilience.Breakers
	ready    func(ctx context.Context) error
	cfg      *config.Config
}

type runRequest struct {
	ShipmentIDs []uint64 `json:"shipment_ids"`
}

type runFunc func(ctx context.Context, ids []uint64) (*models.RunSummary, error)

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		out := map[string]any{"poller": opts.poller.Stats()}
		if opts.breakers != nil {
			out["breakers"] = opts.breakers.Status()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational worker settings.
		tb := opts.cfg.TrailBox
		out := map[string]any{
			"pollIntervalSeconds":         tb.WorkerPollIntervalSeconds,
			"batchSize":                   tb.WorkerBatchSize,
			"concurrency":                 tb.WorkerConcurrency,
			"rateLimitPerMinute":          tb.WorkerRateLimitPerMinute,
			"lockTTLSeconds":              tb.WorkerLockTTLSeconds,
			"defaultFetchIntervalSeconds": tb.WorkerDefaultFetchIntervalSeconds,
			"settleDelaySeconds":          tb.WorkerSettleDelaySeconds,
			"settleJitterSeconds":         tb.WorkerSettleJitterSeconds,
			"lastmileIntervalSeconds":     tb.WorkerLastmileIntervalSeconds,
			"stopMaxAgeDays":              tb.StopMaxAgeDays,
			"stopStaleDays":               tb.StopStaleDays,
			"stopTerminalCode":            tb.StopTerminalCode,
			"lastmileEnabled":             opts.cfg.Lastmile.Token != "",
			"pushEnabled":                 opts.cfg.Push.Enabled,
			"pushBatchSize":               opts.cfg.Push.BatchSize,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		opts.poller.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.poller != nil {
		p := opts.poller
		r.Post("/v1/run/headhaul", runHandler(p, poller.KindHeadhaul, p.RunHeadhaul))
		r.Post("/v1/run/lastmile", runHandler(p, poller.KindLastmile, p.RunLastmile))
		r.Post("/v1/run/sweep", runHandler(p, poller.KindSweep, p.RunSweep))
		r.Post("/v1/run/push", runHandler(p, poller.KindPush, p.RunPush))
	}

	r.Handle("/metrics", promhttp.Handler())

	// Serve swagger with no-cache + cachebuster.
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

// runHandler runs one pass synchronously, optionally limited to the given
// shipments, and returns its summary.
func runHandler(p *poller.Poller, kind string, run runFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var req runRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &req)
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad json: " + err.Error()})
			return
		}

		sum, err := run(r.Context(), req.ShipmentIDs)
		p.Observe(kind, sum, err)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(sum)
	}
}

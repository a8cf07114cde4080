package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/bootstrap"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/httpserver"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/worker"
	"golang.org/x/sync/errgroup"
)

const service = "worker"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("WORKER_HTTP_ADDR", ":8090")
	shutdownTimeout, err := env.Duration("WORKER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	bootCfg, err := bootstrap.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	if bootCfg.Store == bootstrap.StoreMemory {
		logger.Error("standalone worker needs a shared store", "env", "ENGINE_STORE")
		os.Exit(2)
	}
	workerCfg, err := worker.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}

	m := metrics.New()
	rt, err := bootstrap.Open(ctx, bootCfg, logger, m)
	if err != nil {
		logger.Error("dependency unavailable", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	jobSvc := rt.JobService(bootCfg.Jobs, m, logger)
	w := worker.New(jobSvc, rt.Workflows, rt.ExecutionService(logger), logger, workerCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, rt.ReadinessChecks()...))
	mux.Handle("GET /metrics", m.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		cfg := httpserver.Config{Service: service, Addr: addr, ShutdownTimeout: shutdownTimeout}
		err := httpserver.Run(gctx, logger, cfg, httpserver.Wrap(logger, service, m, mux))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

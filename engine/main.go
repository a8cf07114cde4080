package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blockflow-labs/blockflow-go/api"
	"github.com/blockflow-labs/blockflow-go/internal/bootstrap"
	"github.com/blockflow-labs/blockflow-go/internal/execution/syncqueue"
	"github.com/blockflow-labs/blockflow-go/internal/platform/apispec"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/httpserver"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/ratelimit"
	"github.com/blockflow-labs/blockflow-go/internal/service/webhooks"
	"github.com/blockflow-labs/blockflow-go/internal/service/workflows"
	"github.com/blockflow-labs/blockflow-go/internal/usage"
	"github.com/blockflow-labs/blockflow-go/internal/worker"
	"golang.org/x/sync/errgroup"
)

const service = "engine"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ENGINE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ENGINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	embeddedWorkers, err := env.Bool("ENGINE_EMBEDDED_WORKERS", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	bootCfg, err := bootstrap.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	rateCfg, err := ratelimit.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid rate limit config", "error", err)
		os.Exit(2)
	}
	hookCfg, err := webhooks.ConfigFromEnv(rateCfg)
	if err != nil {
		logger.Error("invalid webhook config", "error", err)
		os.Exit(2)
	}
	syncCfg, err := syncqueue.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sync pool config", "error", err)
		os.Exit(2)
	}
	workerCfg, err := worker.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(2)
	}
	schedCfg, err := scheduleConfigFromEnv()
	if err != nil {
		logger.Error("invalid schedule config", "error", err)
		os.Exit(2)
	}
	policy := usage.DefaultPolicy()
	if path := usage.ConfigFromEnv().PolicyPath; path != "" {
		policy, err = usage.LoadPolicy(path)
		if err != nil {
			logger.Error("invalid limits policy", "path", path, "error", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	rt, err := bootstrap.Open(ctx, bootCfg, logger, m)
	if err != nil {
		logger.Error("dependency unavailable", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	authenticator, err := buildAuthenticator(ctx, authCfg, rt, logger)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}

	spec, err := apispec.Load(ctx, api.OpenAPI)
	if err != nil {
		logger.Error("invalid openapi document", "error", err)
		os.Exit(2)
	}

	var limiter ratelimit.Limiter = ratelimit.NewLocalLimiter()
	if rateCfg.UseRedis && rt.Redis != nil {
		redisLimiter := ratelimit.NewRedisLimiter(rt.Redis, rt.RedisKey("ratelimit"))
		if rateCfg.RedisFailOpen {
			limiter = ratelimit.Fallback{Primary: redisLimiter, Secondary: limiter, Logger: logger}
		} else {
			limiter = redisLimiter
		}
	}

	jobSvc := rt.JobService(bootCfg.Jobs, m, logger)
	workflowSvc := workflows.New(rt.Workflows, rt.Permissions, rt.Audit, logger)
	execSvc := rt.ExecutionService(logger)
	tracker := usage.NewTracker(policy, rt.Usage)

	engine := newEngineAPI(logger, m)
	engine.jobs = jobSvc
	engine.workflows = workflowSvc
	engine.executions = execSvc
	engine.events = rt.Events
	engine.syncPool = syncqueue.New(syncCfg, m)
	engine.limiter = limiter
	engine.rateCfg = rateCfg
	engine.usage = tracker
	engine.cronSecret = strings.TrimSpace(env.String("CRON_SECRET", ""))
	engine.hooks = webhooks.NewManager(rt.Webhooks, workflowSvc, rt.Audit, logger)
	engine.processor = webhooks.NewProcessor(webhooks.Deps{
		Webhooks:  rt.Webhooks,
		Workflows: rt.Workflows,
		Logs:      rt.Logs,
		Jobs:      jobSvc,
		Limiter:   limiter,
		Usage:     tracker,
		Audit:     rt.Audit,
		Metrics:   m,
		Logger:    logger,
	}, hookCfg)

	apiMux := http.NewServeMux()
	engine.register(apiMux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Audit:         auditlog.AuthDenyFunc(rt.Audit, service),
		SkipPrefixes:  []string{"/webhooks/trigger/", "/cron/"},
	}.Wrap(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, rt.ReadinessChecks()...))
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("GET /openapi.yaml", spec.Handler())
	mux.Handle("/", handler)

	maintenance, err := newMaintenance(schedCfg, jobSvc, rt.Events, logger)
	if err != nil {
		logger.Error("invalid schedule config", "error", err)
		os.Exit(2)
	}
	maintenance.Start()
	defer func() { <-maintenance.Stop().Done() }()

	logger.Info("engine starting",
		"addr", addr,
		"store", bootCfg.Store,
		"auth_mode", authCfg.Mode,
		"api_version", spec.Version(),
		"embedded_workers", embeddedWorkers,
	)

	g, gctx := errgroup.WithContext(ctx)
	if embeddedWorkers {
		w := worker.New(jobSvc, rt.Workflows, execSvc, logger, workerCfg)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		cfg := httpserver.Config{Service: service, Addr: addr, ShutdownTimeout: shutdownTimeout}
		err := httpserver.Run(gctx, logger, cfg, httpserver.Wrap(logger, service, m, mux))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func buildAuthenticator(ctx context.Context, cfg auth.Config, rt *bootstrap.Runtime, logger *slog.Logger) (auth.Authenticator, error) {
	keys := &auth.APIKeyAuthenticator{Keys: rt.APIKeys, Logger: logger}
	switch cfg.Mode {
	case auth.ModeDev:
		return auth.NewDevAuthenticator(cfg), nil
	case auth.ModeAPIKey:
		return keys, nil
	case auth.ModeOIDC:
		oidc, err := auth.NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.AcceptAPIKeys {
			return auth.Chain{oidc, keys}, nil
		}
		return oidc, nil
	case auth.ModeDisabled:
		// Jobs and grants are still scoped per user, so every request acts as
		// the dev subject.
		logger.Warn("auth disabled; requests run as the dev subject", "subject", cfg.DevSubject)
		return auth.NewDevAuthenticator(cfg), nil
	default:
		return nil, errors.New("unsupported auth mode: " + string(cfg.Mode))
	}
}

// Package bootstrap assembles the stores and execution runtime shared by the
// engine and worker binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/cancelflag"
	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/execution/runtime"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/httpserver"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/platform/objectstore"
	"github.com/blockflow-labs/blockflow-go/internal/platform/postgres"
	"github.com/blockflow-labs/blockflow-go/internal/platform/redisclient"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
	pgrepo "github.com/blockflow-labs/blockflow-go/internal/repo/postgres"
	"github.com/blockflow-labs/blockflow-go/internal/service/executions"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/blockflow-labs/blockflow-go/internal/storage/outputs"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const checkTimeout = 750 * time.Millisecond

type Config struct {
	Store          string
	Database       postgres.Config
	Redis          redisclient.Config
	Objects        objectstore.Config
	Outputs        outputs.Config
	Jobs           jobs.Config
	Events         eventstream.Config
	CancelTTL      time.Duration
	MaxParallelism int
	HTTPTimeout    time.Duration
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error
	cfg.Store = strings.ToLower(strings.TrimSpace(env.String("ENGINE_STORE", StorePostgres)))
	if cfg.Store == StorePostgres {
		if cfg.Database, err = postgres.ConfigFromEnv(); err != nil {
			return Config{}, fmt.Errorf("database: %w", err)
		}
	}
	if cfg.Redis, err = redisclient.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("redis: %w", err)
	}
	if cfg.Objects, err = objectstore.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("objectstore: %w", err)
	}
	if cfg.Outputs, err = outputs.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("outputs: %w", err)
	}
	if cfg.Jobs, err = jobs.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("jobs: %w", err)
	}
	if cfg.Events, err = eventstream.ConfigFromEnv(); err != nil {
		return Config{}, fmt.Errorf("event buffer: %w", err)
	}
	if cfg.CancelTTL, err = env.Duration("CANCEL_FLAG_TTL", cancelflag.DefaultTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxParallelism, err = env.Int("EXECUTOR_MAX_PARALLELISM", 10); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = env.Duration("EXECUTOR_HTTP_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("ENGINE_STORE must be postgres or memory (got %q)", c.Store)
	}
	if c.CancelTTL <= 0 {
		return errors.New("CANCEL_FLAG_TTL must be positive")
	}
	if c.MaxParallelism <= 0 {
		return errors.New("EXECUTOR_MAX_PARALLELISM must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("EXECUTOR_HTTP_TIMEOUT must be positive")
	}
	return nil
}

// Runtime holds the opened dependencies. DB, Redis and MinIO are nil when the
// corresponding backend is not configured.
type Runtime struct {
	DB    *sql.DB
	Redis *redis.Client
	MinIO *minio.Client

	Jobs        repo.JobRepository
	Webhooks    repo.WebhookRepository
	Workflows   repo.WorkflowRepository
	Permissions repo.PermissionRepository
	Logs        repo.ExecutionLogRepository
	APIKeys     repo.APIKeyRepository
	Usage       repo.UsageRepository

	Events   eventstream.Buffer
	Flags    cancelflag.Store
	Local    *cancelflag.Registry
	Outputs  *outputs.Store
	Audit    auditlog.Recorder
	Executor *runtime.Executor

	redisKeys redisclient.Config
	objects   objectstore.Config
}

// Open connects every configured backend. Errors mean a dependency is
// unavailable; configuration problems are reported by ConfigFromEnv.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Runtime, error) {
	rt := &Runtime{Local: cancelflag.NewRegistry(), redisKeys: cfg.Redis, objects: cfg.Objects}

	if cfg.Store == StorePostgres {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		rt.DB = db
		if cfg.Database.AutoMigrate {
			if err := pgrepo.Migrate(ctx, db); err != nil {
				rt.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		rt.Jobs = pgrepo.NewJobStore(db)
		rt.Webhooks = pgrepo.NewWebhookStore(db)
		rt.Workflows = pgrepo.NewWorkflowStore(db)
		rt.Permissions = pgrepo.NewPermissionStore(db)
		rt.Logs = pgrepo.NewExecutionLogStore(db)
		rt.APIKeys = pgrepo.NewAPIKeyStore(db)
		rt.Usage = pgrepo.NewUsageStore(db)
		rt.Audit = auditlog.NewSQLRecorder(db)
	} else {
		logger.Warn("using in-memory stores; state is lost on restart")
		rt.Jobs = memory.NewJobStore()
		rt.Webhooks = memory.NewWebhookStore()
		rt.Workflows = memory.NewWorkflowStore()
		rt.Permissions = memory.NewPermissionStore()
		rt.Logs = memory.NewExecutionLogStore()
		rt.APIKeys = memory.NewAPIKeyStore()
		rt.Usage = memory.NewUsageStore()
		rt.Audit = auditlog.NewLogRecorder(logger)
	}

	client, err := redisclient.Open(ctx, cfg.Redis)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	rt.Redis = client
	if client != nil {
		rt.Events = eventstream.NewRedisBuffer(client, cfg.Redis.Key("exec"), cfg.Events)
		rt.Flags = cancelflag.NewRedisStore(client, cfg.Redis.Key("cancel"), cfg.CancelTTL)
	} else {
		logger.Warn("redis not configured; event buffer and cancel flags are process-local")
		rt.Events = eventstream.NewMemoryBuffer(cfg.Events)
		rt.Flags = cancelflag.NewMemoryStore(cfg.CancelTTL)
	}

	var blob outputs.Blob
	if cfg.Objects.Enabled() {
		mc, err := objectstore.NewMinIOClient(cfg.Objects)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("objectstore: %w", err)
		}
		if err := objectstore.EnsureBuckets(ctx, mc, cfg.Objects); err != nil {
			rt.Close()
			return nil, fmt.Errorf("objectstore: %w", err)
		}
		rt.MinIO = mc
		blob = outputs.NewMinIOBlob(mc, cfg.Objects.BucketOutputs)
	}
	rt.Outputs = outputs.NewStore(blob, cfg.Outputs)

	registry := runtime.DefaultRegistry(runtime.NewHTTPHandler(&http.Client{Timeout: cfg.HTTPTimeout}))
	rt.Executor = runtime.NewExecutor(registry, rt.Events, rt.Flags, rt.Local, m, logger, runtime.Config{MaxParallelism: cfg.MaxParallelism})
	return rt, nil
}

// JobService builds the async queue service over the opened job store.
func (rt *Runtime) JobService(cfg jobs.Config, m *metrics.Metrics, logger *slog.Logger) *jobs.Service {
	return jobs.New(rt.Jobs, cfg,
		jobs.WithOutputs(rt.Outputs),
		jobs.WithAudit(rt.Audit),
		jobs.WithMetrics(m),
		jobs.WithLogger(logger),
	)
}

func (rt *Runtime) ExecutionService(logger *slog.Logger) *executions.Service {
	return executions.New(executions.Deps{
		Executor: rt.Executor,
		Logs:     rt.Logs,
		Flags:    rt.Flags,
		Local:    rt.Local,
		Audit:    rt.Audit,
		Logger:   logger,
	})
}

// ReadinessChecks returns one check per opened backend.
func (rt *Runtime) ReadinessChecks() []httpserver.ReadinessCheck {
	var checks []httpserver.ReadinessCheck
	if rt.DB != nil {
		db := rt.DB
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, checkTimeout)
			},
		})
	}
	if rt.Redis != nil {
		client := rt.Redis
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				return client.Ping(checkCtx).Err()
			},
		})
	}
	if rt.MinIO != nil {
		mc, objects := rt.MinIO, rt.objects
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, mc, objects)
			},
		})
	}
	return checks
}

// RedisKey prefixes parts with the configured redis key prefix.
func (rt *Runtime) RedisKey(parts ...string) string {
	return rt.redisKeys.Key(parts...)
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.DB != nil {
		_ = rt.DB.Close()
	}
}

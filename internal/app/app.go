package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/config"
	"github.com/orbitflow/taskengine/internal/coordinator"
	"github.com/orbitflow/taskengine/internal/dependency/graphview"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/executor"
	"github.com/orbitflow/taskengine/internal/executor/health"
	"github.com/orbitflow/taskengine/internal/finalizer"
	"github.com/orbitflow/taskengine/internal/httpapi"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/jobqueue/sqlqueue"
	"github.com/orbitflow/taskengine/internal/jobqueue/temporalqueue"
	"github.com/orbitflow/taskengine/internal/platform/database"
	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/platform/neo4jdb"
	"github.com/orbitflow/taskengine/internal/platform/tracing"
	"github.com/orbitflow/taskengine/internal/registry"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/store"

	temporalsdkclient "go.temporal.io/sdk/client"
)

// App is the process composition root: every collaborator the engine needs,
// wired from environment/config, exposing a New/Start/Run/Close lifecycle.
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Engine *Engine
	Router *gin.Engine

	registry *registry.Registry
	cfg      *config.Config

	publisher   events.Publisher
	neo4jClient *neo4jdb.Client
	temporalCli temporalsdkclient.Client
	redisClient *redis.Client

	sqlWorker      *sqlqueue.Worker
	temporalRunner *temporalqueue.Runner

	shutdownTracing func(context.Context) error
	cancel          context.CancelFunc
}

// Registry exposes the handler dispatch table so the embedding program can
// register TaskHandlers before calling Start.
func (a *App) Registry() *registry.Registry { return a.registry }

func New() (*App, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := database.Open(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	shutdownTracing := tracing.Init(context.Background(), log, tracing.Config{
		ServiceName: "taskengine",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", ""),
	})

	publisher, err := wirePublisher(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init event publisher: %w", err)
	}

	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("neo4j unavailable, dependency graph projection disabled", "error", err)
	}
	projector := graphview.New(neo4jClient, log)

	reg := registry.New().WithProjector(projector)

	temporalCli, err := temporalqueue.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init temporal client: %w", err)
	}

	var queue jobqueue.Queue
	if temporalCli != nil {
		queue = temporalqueue.NewQueue(temporalCli, log)
	} else {
		queue = sqlqueue.NewQueue(db)
	}

	calc := retry.NewCalculator(retry.PolicyFromBackoffSeconds(cfg.Backoff.DefaultBackoffSeconds, cfg.Backoff.JitterFactor, cfg.Backoff.MaxBackoffSeconds))

	engine := NewEngine(db, reg, queue, publisher, projector, cfg, calc, log)

	redisClient := wireRedisClient()
	var concurrency executor.Concurrency = executor.StaticConcurrency(cfg.Execution.MaxConcurrentStepsLimit)
	if redisClient != nil {
		concurrency = health.NewGauge(db, redisClient,
			int64(cfg.Execution.MinConcurrentSteps), int64(cfg.Execution.MaxConcurrentStepsLimit),
			secondsToDuration(cfg.Execution.ConcurrencyCacheDurationSeconds), log)
	}
	exec := executor.New(db, reg, publisher, concurrency, log,
		executor.WithStepTimeout(secondsToDuration(cfg.Execution.PerStepTimeoutSeconds)),
		executor.WithCalculator(calc))
	fin := finalizer.New(db, queue, publisher, finalizer.Delays{
		Processing:             secondsToDuration(cfg.Backoff.Reenqueue.ProcessingSeconds),
		WaitingForDependencies: secondsToDuration(cfg.Backoff.Reenqueue.WaitingForDependenciesSeconds),
		MaxReenqueue:           secondsToDuration(cfg.Backoff.Reenqueue.MaxReenqueueSeconds),
	})
	coord := coordinator.New(db, exec, fin, publisher, log,
		coordinator.WithCalculator(calc),
		coordinator.WithStaleClaimThreshold(time.Duration(cfg.Health.StaleClaimMinutes)*time.Minute))

	var sqlWorker *sqlqueue.Worker
	var temporalRunner *temporalqueue.Runner
	if temporalCli != nil {
		temporalRunner, err = temporalqueue.NewRunner(log, temporalCli, coord)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init temporal worker: %w", err)
		}
	} else {
		sqlWorker = sqlqueue.NewWorker(queue.(*sqlqueue.Queue), coord, log)
	}

	router := httpapi.NewRouter(httpapi.Config{Engine: engine, Log: log})

	return &App{
		Log:             log,
		DB:              db,
		Engine:          engine,
		Router:          router,
		registry:        reg,
		cfg:             cfg,
		publisher:       publisher,
		neo4jClient:     neo4jClient,
		temporalCli:     temporalCli,
		redisClient:     redisClient,
		sqlWorker:       sqlWorker,
		temporalRunner:  temporalRunner,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Start launches background components. runServer is accepted for
// symmetry with runWorker; the gin router itself is started separately by
// Run.
func (a *App) Start(runServer, runWorker bool) {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if !runWorker {
		return
	}
	if a.sqlWorker != nil {
		a.sqlWorker.Start(ctx)
	}
	if a.temporalRunner != nil {
		if err := a.temporalRunner.Start(ctx); err != nil {
			a.Log.Warn("temporal worker failed to start", "error", err)
		}
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.neo4jClient != nil {
		_ = a.neo4jClient.Close(context.Background())
	}
	if a.temporalCli != nil {
		a.temporalCli.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func wirePublisher(log *logger.Logger) (events.Publisher, error) {
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return events.NewMemoryPublisher(), nil
	}
	channel := envutil.String("REDIS_EVENTS_CHANNEL", "taskengine")
	return events.NewRedisPublisher(log, addr, channel)
}

// wireRedisClient returns a client for the executor's concurrency-bound
// cache, or nil when REDIS_ADDR isn't configured (no gauge is built then, and
// the executor uses the static max_concurrent_steps_limit bound).
func wireRedisClient() *redis.Client {
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// Command strandd runs a strand agent worker: it consumes queued runs from
// the shared pool, drives the agent loop against the configured model
// provider, and serves the HTTP API with the live run event stream.
//
// Multiple strandd processes sharing the same Redis and Mongo form a worker
// cluster. Any worker may pick up any run; the execution lock guarantees a
// run executes on at most one worker at a time, and any worker can serve the
// event stream for any run.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/strandlabs/strand/config"
	brokerpulse "github.com/strandlabs/strand/features/broker/pulse"
	lockredis "github.com/strandlabs/strand/features/lock/redis"
	"github.com/strandlabs/strand/features/model/anthropic"
	"github.com/strandlabs/strand/features/model/middleware"
	"github.com/strandlabs/strand/features/model/openai"
	notifyredis "github.com/strandlabs/strand/features/notify/redis"
	runmongo "github.com/strandlabs/strand/features/run/mongo"
	runclients "github.com/strandlabs/strand/features/run/mongo/clients/mongo"
	runsearch "github.com/strandlabs/strand/features/run/mongo/search"
	runlogredis "github.com/strandlabs/strand/features/runlog/redis"
	threadmongo "github.com/strandlabs/strand/features/thread/mongo"
	threadclients "github.com/strandlabs/strand/features/thread/mongo/clients/mongo"
	"github.com/strandlabs/strand/runtime/agent/compactor"
	"github.com/strandlabs/strand/runtime/agent/model"
	"github.com/strandlabs/strand/runtime/agent/runtime"
	"github.com/strandlabs/strand/runtime/agent/stream"
	"github.com/strandlabs/strand/runtime/agent/telemetry"
	"github.com/strandlabs/strand/runtime/agent/tools"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and handlers")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *dbgF || cfg.Logging.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, cfg, *dbgF || cfg.Logging.Debug); err != nil {
		log.Fatalf(ctx, err, "strandd exited")
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		return cfg, nil
	}
	cfg = config.Default()
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, dbg bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	// Redis backs the lock, event log, notifications and the worker pool.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn(ctx, "close redis", "err", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Mongo backs the run and thread stores.
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "disconnect mongo", "err", err)
		}
	}()

	runClient, err := runclients.New(runclients.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("build run client: %w", err)
	}
	runs, err := runmongo.NewStore(runClient)
	if err != nil {
		return fmt.Errorf("build run store: %w", err)
	}
	searchRepo, err := runsearch.NewRepository(runsearch.RepositoryOptions{
		Runs: runsearch.WrapRuns(mongoClient.Database(cfg.Mongo.Database).Collection(runclients.RunsCollection)),
	})
	if err != nil {
		return fmt.Errorf("build run search repository: %w", err)
	}
	threadClient, err := threadclients.New(threadclients.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		return fmt.Errorf("build thread client: %w", err)
	}
	threads, err := threadmongo.NewStore(threadClient)
	if err != nil {
		return fmt.Errorf("build thread store: %w", err)
	}

	locker, err := lockredis.NewLocker(lockredis.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("build locker: %w", err)
	}
	liveness, err := lockredis.NewLiveness(lockredis.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("build liveness: %w", err)
	}
	runLog, err := runlogredis.NewStore(runlogredis.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("build run log: %w", err)
	}
	bus, err := notifyredis.NewBus(notifyredis.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("build notify bus: %w", err)
	}
	broker, err := brokerpulse.New(ctx, brokerpulse.Options{
		Redis:    rdb,
		PoolName: cfg.Runtime.PoolName,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("join worker pool: %w", err)
	}
	defer func() {
		if err := broker.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "close worker pool", "err", err)
		}
	}()

	modelClient, err := buildModelClient(ctx, cfg, rdb)
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}

	registry := tools.NewRegistry()
	if err := registry.RegisterToolset(builtinToolset, builtinRegistrations()); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	coordinator, err := runtime.New(runtime.Deps{
		Model:     modelClient,
		Registry:  registry,
		Threads:   threads,
		Runs:      runs,
		Log:       runLog,
		Locker:    locker,
		Liveness:  liveness,
		Bus:       bus,
		Broker:    broker,
		Compactor: compactor.New(cfg.CompactorOptions()),
		Budgets:   cfg.BudgetTable(),
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	}, cfg.RuntimeConfig())
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	subscriber := stream.NewSubscriber(runLog, bus, runs, stream.WithSubscriberLogger(logger))

	api := &api{
		coordinator: coordinator,
		threads:     threads,
		search:      searchRepo,
		sse:         stream.SSEHandler(subscriber),
		pingers:     []pinger{runClient, threadClient, redisPinger{rdb: rdb}},
		logger:      logger,
	}
	handler := api.handler(ctx, dbg)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

	errc := make(chan error, 2)
	go func() {
		log.Printf(ctx, "worker %s consuming pool %s", cfg.Runtime.WorkerID, cfg.Runtime.PoolName)
		errc <- coordinator.Work(ctx)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown", "err", err)
	}
	return nil
}

// buildModelClient constructs the configured provider client wrapped with the
// adaptive rate limiter when a TPM budget is configured.
func buildModelClient(ctx context.Context, cfg *config.Config, rdb *goredis.Client) (model.Client, error) {
	provider := cfg.ActiveProvider()
	var (
		client model.Client
		err    error
	)
	switch cfg.Providers.Default {
	case "openai":
		client, err = openai.NewFromAPIKey(provider.APIKey, provider.DefaultModel)
	default:
		client, err = anthropic.NewFromAPIKey(provider.APIKey, provider.DefaultModel)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit.TPM <= 0 {
		return client, nil
	}
	var m *rmap.Map
	if cfg.RateLimit.ClusterKey != "" {
		m, err = rmap.Join(ctx, "strand:ratelimit", rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, m, cfg.RateLimit.ClusterKey,
		cfg.RateLimit.TPM, cfg.RateLimit.MaxTPM)
	return limiter.Middleware()(client), nil
}

type redisPinger struct {
	rdb *goredis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

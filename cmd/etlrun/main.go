package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jfourny/etlrun/internal/analytics"
	"github.com/jfourny/etlrun/internal/api"
	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/config"
	"github.com/jfourny/etlrun/internal/controller"
	"github.com/jfourny/etlrun/internal/engine"
	"github.com/jfourny/etlrun/internal/eventbus"
	"github.com/jfourny/etlrun/internal/jobfile"
	"github.com/jfourny/etlrun/internal/metrics"
	"github.com/jfourny/etlrun/internal/orchestrator"
	"github.com/jfourny/etlrun/internal/pipeline"
	"github.com/jfourny/etlrun/internal/scheduler"
	"github.com/jfourny/etlrun/internal/store/memory"
	"github.com/jfourny/etlrun/internal/store/postgres"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// appStore is the union of store capabilities the wired components need.
// Both the memory and postgres drivers satisfy it.
type appStore interface {
	engine.Store
	orchestrator.Store
	scheduler.Store
	api.Store
	jobfile.Store
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`etlrun - ETL job execution engine

Usage:
  etlrun <command>

Commands:
  serve      Start the engine, scheduler and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_DRIVER              Persistence driver: memory or postgres (default: "memory")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  REDIS_ADDR                Redis address for outcome analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  JOBS_FILE                 YAML file of job definitions seeded at startup (optional)

  TICK_INTERVAL             Scheduler tick interval (default: "30s")
  MAX_CONCURRENT            Concurrent execution limit (default: "4")
  CHUNK_SIZE                Pipeline chunk size in rows (default: "500")
  EXECUTION_TIMEOUT         Per-attempt timeout, 0 disables (default: "10m")
  SUBSCRIBER_BUFFER         Event bus buffer per subscriber (default: "64")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  ENGINE_DRAIN_TIMEOUT      In-flight execution drain timeout (default: "30s")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  ANALYTICS_WINDOW          Outcome counter bucket width (default: "1h")
  ANALYTICS_RETENTION       Outcome counter TTL (default: "720h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx := context.Background()
	clk := clock.New()
	registry := pipeline.NewDefaultRegistry()

	var store appStore
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		pg := postgres.New(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply schema: %v\n", err)
			return exitRuntimeError
		}
		store = pg
		log.Printf("etlrun: postgres store ready (max_open=%d, max_idle=%d, max_lifetime=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	default:
		store = memory.New()
		log.Println("etlrun: using in-memory store; state is lost on restart")
	}

	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("etlrun: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("etlrun: METRICS_ENABLED not set; metrics disabled")
	}

	busOpts := []eventbus.Option{eventbus.WithSubscriberBuffer(cfg.SubscriberBuffer)}
	if metricsSink != nil {
		busOpts = append(busOpts, eventbus.WithMetrics(metricsSink))
	}
	bus := eventbus.New(busOpts...)

	orch := orchestrator.New(registry, store, bus, clk,
		orchestrator.WithChunkSize(cfg.ChunkSize),
		orchestrator.WithTimeout(cfg.ExecutionTimeout),
	)

	ctrl := controller.New(cfg.MaxConcurrent)

	eng := engine.New(store, orch, bus, ctrl, clk)
	if metricsSink != nil {
		eng = eng.WithMetrics(metricsSink)
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, clk,
			analytics.WithWindow(cfg.AnalyticsWindow),
			analytics.WithRetention(cfg.AnalyticsRetention),
		)
		eng = eng.WithAnalytics(sink)
		log.Printf("etlrun: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("etlrun: REDIS_ADDR not set; analytics disabled")
	}

	// Close out executions a previous process left behind before anything
	// new is admitted.
	recovered, err := eng.Recover(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to recover orphaned executions: %v\n", err)
		return exitRuntimeError
	}
	if recovered > 0 {
		log.Printf("etlrun: recovered %d orphaned execution(s)", recovered)
	}

	if cfg.JobsFile != "" {
		seeder := jobfile.NewSeeder(store, registry, clk)
		created, err := seeder.SeedFromFile(ctx, cfg.JobsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed jobs file: %v\n", err)
			return exitInvalidConfig
		}
		log.Printf("etlrun: jobs file %s seeded (%d created)", cfg.JobsFile, created)
	}

	schedOpts := []scheduler.Option{scheduler.WithTickInterval(cfg.TickInterval)}
	if metricsSink != nil {
		schedOpts = append(schedOpts, scheduler.WithMetrics(metricsSink))
	}
	sched := scheduler.New(store, eng, clk, schedOpts...)

	apiHandler := api.NewHandler(store, eng, registry, clk)

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler.Router())

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("etlrun: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("etlrun: http server error: %v", err)
		}
	}()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	log.Printf("etlrun: started (tick=%s, max_concurrent=%d, http=%s)",
		cfg.TickInterval, cfg.MaxConcurrent, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("etlrun: received signal %v, shutting down", received)

	// Phase 1: stop the scheduler so no new runs are dispatched.
	log.Println("etlrun: stopping scheduler...")
	cancelSched()
	<-schedDone
	log.Println("etlrun: scheduler stopped")

	// Phase 2: stop the HTTP server so no new runs arrive via the API.
	log.Println("etlrun: stopping http server...")
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		log.Printf("etlrun: http server shutdown error: %v", err)
	}
	log.Println("etlrun: http server stopped")

	// Phase 3: drain in-flight executions, cancelling whatever is still
	// running when the drain timeout expires.
	log.Println("etlrun: draining engine...")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.EngineDrainTimeout)
	defer cancelDrain()
	if err := eng.Close(drainCtx); err != nil {
		log.Printf("etlrun: engine drain incomplete: %v", err)
	}
	log.Println("etlrun: engine stopped")

	log.Println("etlrun: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("etlrun version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

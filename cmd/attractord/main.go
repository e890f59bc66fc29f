// Command attractord is the attractor control plane daemon. It serves the
// HTTP API, dispatches queued runs to the embedded worker, and hosts the
// background watchdogs. All configuration is via environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/attractor-dev/attractor/internal/api"
	"github.com/attractor-dev/attractor/internal/attractors"
	"github.com/attractor-dev/attractor/internal/auth"
	"github.com/attractor-dev/attractor/internal/cache"
	"github.com/attractor-dev/attractor/internal/config"
	"github.com/attractor-dev/attractor/internal/domain"
	"github.com/attractor-dev/attractor/internal/engine"
	"github.com/attractor-dev/attractor/internal/leader"
	"github.com/attractor-dev/attractor/internal/lifecycle"
	"github.com/attractor-dev/attractor/internal/llm"
	"github.com/attractor-dev/attractor/internal/postgres"
	"github.com/attractor-dev/attractor/internal/ratelimit"
	"github.com/attractor-dev/attractor/internal/reaper"
	"github.com/attractor-dev/attractor/internal/redisq"
	"github.com/attractor-dev/attractor/internal/scheduler"
	"github.com/attractor-dev/attractor/internal/scm"
	"github.com/attractor-dev/attractor/internal/storage"
	"github.com/attractor-dev/attractor/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// "attractord healthcheck" probes a running daemon and exits. Used as
	// the container HEALTHCHECK command.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck())
	}

	logger := newLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("attractord exited with error", "error", err)
		os.Exit(1)
	}
}

// runHealthcheck hits the local /health endpoint and returns a process exit
// code. It intentionally avoids any daemon wiring.
func runHealthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}

// newLogger builds the process-wide JSON logger. LOG_LEVEL accepts
// debug/info/warn/error, defaulting to info.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func run(logger *slog.Logger) error {
	if err := validateEnv(); err != nil {
		return err
	}
	warnDefaultCredentials(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres is the system of record; the daemon cannot serve without it.
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	projectStore := postgres.NewProjectStore(pool)
	envStore := postgres.NewEnvironmentStore(pool)
	defStore := postgres.NewAttractorStore(pool)
	runStore := postgres.NewRunStore(pool)
	eventStore := postgres.NewEventStore(pool)
	checkpointStore := postgres.NewCheckpointStore(pool)
	questionStore := postgres.NewQuestionStore(pool)
	reviewStore := postgres.NewReviewStore(pool)
	artifactStore := postgres.NewArtifactStore(pool)
	bundleStore := postgres.NewSpecBundleStore(pool)
	scheduleStore := postgres.NewScheduleStore(pool)

	// LISTEN/NOTIFY fan-out for SSE. Falls back to the in-process bus when
	// the dedicated listen connection cannot be established; SSE then only
	// sees events published by this replica.
	var bus api.EventBus
	pgBus := postgres.NewPgEventBus(pool)
	if err := pgBus.Start(ctx); err != nil {
		logger.Warn("postgres event bus unavailable, using in-process bus", "error", err)
		bus = postgres.NewMemoryEventBus()
	} else {
		bus = pgBus
		defer pgBus.Stop()
	}

	// Redis carries the dispatch queue, cancel markers, and branch locks.
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	queue := redisq.New(rdb)
	if err := queue.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	// Object storage holds attractor content versions, spec bundles, and
	// run artifacts.
	objects, err := newObjectStore(ctx)
	if err != nil {
		return err
	}

	catalogPath := config.ResolvePath()
	catalog, err := config.Load(catalogPath)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	if catalogPath != "" {
		logger.Info("model catalog loaded", "path", catalogPath)
	}

	router := llm.NewRouter(logger)
	for provider := range catalog.Providers {
		if !catalog.SecretPresent(provider) {
			logger.Warn("provider secret not set, provider unavailable", "provider", provider)
			continue
		}
		client, err := llm.NewClient(provider, os.Getenv(catalog.Providers[provider].APIKeyEnv))
		if err != nil {
			return fmt.Errorf("provider %s: %w", provider, err)
		}
		router.Register(provider, client)
	}

	contentSvc := attractors.NewService(defStore, objects, logger)

	scmClient := scm.NewHTTPClient(os.Getenv("GITHUB_TOKEN"), os.Getenv("GITHUB_BASE_URL"))
	var writeback *scm.Writeback
	if os.Getenv("GITHUB_TOKEN") != "" {
		writeback = scm.NewWriteback(scmClient, logger)
	} else {
		logger.Warn("GITHUB_TOKEN not set, review writeback and PR creation disabled")
	}

	lifecycleSvc := lifecycle.NewService(lifecycle.Config{
		Runs:               runStore,
		Projects:           projectStore,
		Environments:       envStore,
		Defs:               defStore,
		Bundles:            bundleStore,
		Attractors:         contentSvc,
		Catalog:            catalog,
		Coordinator:        queue,
		Logger:             logger,
		DefaultRunnerImage: os.Getenv("DEFAULT_RUNNER_IMAGE"),
	})

	eng := engine.New(engine.Config{
		Model:       router,
		Checkpoints: checkpointStore,
		Questions:   questionStore,
		Events:      eventStore,
		Cancels:     queue,
		Logger:      logger,
	})

	gitToken := os.Getenv("GIT_TOKEN")
	if gitToken == "" {
		gitToken = os.Getenv("GITHUB_TOKEN")
	}
	wrk := worker.New(worker.Config{
		Projects:   projectStore,
		Runs:       runStore,
		Artifacts:  artifactStore,
		Bundles:    bundleStore,
		Events:     eventStore,
		Attractors: contentSvc,
		Objects:    objects,
		Engine:     eng,
		SCM:        scmClient,
		Logger:     logger,
		CloneRoot:  os.Getenv("CLONE_ROOT"),
		GitToken:   gitToken,
	})

	srv := &api.Server{
		Projects:     projectStore,
		Environments: envStore,
		Defs:         defStore,
		Content:      contentSvc,
		Runs:         runStore,
		Events:       eventStore,
		Bus:          bus,
		Outcomes:     checkpointStore,
		Questions:    questionStore,
		Reviews:      reviewStore,
		Artifacts:    artifactStore,
		Bundles:      bundleStore,
		Schedules:    scheduleStore,
		Objects:      objects,
		Lifecycle:    lifecycleSvc,
		Writeback:    writeback,

		DBHealth:    postgres.NewHealthChecker(pool),
		QueueHealth: api.HealthCheckFunc(queue.Ping),

		ProjectCache: cache.New[string, *domain.Project](cache.Options{
			TTL:        30 * time.Second,
			MaxEntries: 10000,
		}),
	}
	if s3, ok := objects.(*storage.S3Store); ok {
		srv.ObjectHealth = storage.NewHealthChecker(s3)
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		srv.CORSOrigins = splitAndTrim(origins)
	}

	switch {
	case os.Getenv("RATE_LIMIT") == "0":
		logger.Warn("rate limiting disabled via RATE_LIMIT=0")
	case envBool("RATE_LIMIT_DISTRIBUTED"):
		srv.DistLimiter = ratelimit.NewRedisLimiter(rdb, ratelimit.DefaultConfig())
		logger.Info("distributed rate limiting enabled")
	default:
		cfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &cfg
	}

	// Dispatcher and reaper run only on the leader so that multiple
	// replicas never double-dispatch or double-reap.
	startWorkers := func(ctx context.Context) (stopFn func()) {
		wctx, cancel := context.WithCancel(ctx)

		dispatcher := lifecycle.NewDispatcher(runStore, lifecycleSvc, queue, wrk, logger)
		dispatcherDone := make(chan struct{})
		go func() {
			defer close(dispatcherDone)
			dispatcher.Run(wctx)
		}()

		rp := reaper.New(runStore, lifecycleSvc, reaperInterval(), reaperDeadline(), logger)
		rp.Start(wctx)

		var schedInterval time.Duration
		if d, ok := durationEnv("SCHEDULER_INTERVAL"); ok {
			schedInterval = d
		}
		sched := scheduler.New(scheduleStore, lifecycleSvc, schedInterval, logger)
		sched.Start(wctx)

		return func() {
			cancel()
			sched.Stop()
			rp.Stop()
			<-dispatcherDone
		}
	}

	var elector *leader.Elector
	if envBoolDefault("DISPATCHER_ENABLED", true) {
		elector = leader.New(func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}, leader.RetryInterval, startWorkers)
		elector.Start(ctx)
	} else {
		logger.Warn("dispatcher disabled via DISPATCHER_ENABLED=false, runs will queue but not execute")
	}

	apiToken := os.Getenv("API_TOKEN")
	addr := listenAddr()
	if apiToken == "" && (strings.HasPrefix(addr, "0.0.0.0") || strings.HasPrefix(addr, ":")) {
		logger.Warn("listening on all interfaces without API_TOKEN; put attractord behind an authenticating proxy", "addr", addr)
	}

	var handler http.Handler = api.NewRouter(srv)
	handler = auth.APIKey(apiToken)(handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams are long-lived
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("attractord listening", "addr", addr, "version", api.Version)
		certFile, keyFile := os.Getenv("TLS_CERT_FILE"), os.Getenv("TLS_KEY_FILE")
		if certFile != "" && keyFile != "" {
			errCh <- httpServer.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if elector != nil {
		elector.Stop()
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}
	logger.Info("shutdown complete")
	return nil
}

// newObjectStore builds the S3/MinIO-backed object store from S3_* env vars.
func newObjectStore(ctx context.Context) (storage.Store, error) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("S3_ENDPOINT is required")
	}
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		bucket = "attractor"
	}
	cfg := storage.S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Bucket:    bucket,
		UseSSL:    envBool("S3_USE_SSL"),
	}
	if d, ok := durationEnv("S3_METADATA_TIMEOUT"); ok {
		cfg.MetadataTimeout = d
	}
	if d, ok := durationEnv("S3_DATA_TIMEOUT"); ok {
		cfg.DataTimeout = d
	}
	store, err := storage.NewS3StoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	return store, nil
}

// validateEnv fails fast on malformed configuration instead of surfacing the
// problem as a confusing runtime error later.
func validateEnv() error {
	for _, name := range []string{"DATABASE_URL", "REDIS_URL"} {
		v := os.Getenv(name)
		if v == "" {
			continue // presence is checked at wiring time with a clearer error
		}
		if _, err := url.Parse(v); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
	}
	for _, name := range []string{"S3_METADATA_TIMEOUT", "S3_DATA_TIMEOUT", "REAPER_INTERVAL", "REAPER_DEADLINE", "SCHEDULER_INTERVAL"} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s is not a valid duration (e.g. 30s, 5m): %w", name, err)
		}
	}
	if img := os.Getenv("DEFAULT_RUNNER_IMAGE"); img != "" && !domain.DigestPinned(img) {
		return fmt.Errorf("DEFAULT_RUNNER_IMAGE must be digest-pinned (image@sha256:...)")
	}
	if addr := os.Getenv("ATTRACTOR_LISTEN_ADDR"); addr != "" {
		if !strings.Contains(addr, ":") {
			return fmt.Errorf("ATTRACTOR_LISTEN_ADDR must be host:port, got %q", addr)
		}
	}
	return nil
}

// warnDefaultCredentials flags well-known development credentials so they
// are never silently carried into production.
func warnDefaultCredentials(logger *slog.Logger) {
	if os.Getenv("S3_ACCESS_KEY") == "minioadmin" || os.Getenv("S3_SECRET_KEY") == "minioadmin" {
		logger.Warn("S3 credentials are the MinIO defaults; change them outside development")
	}
	if db := os.Getenv("DATABASE_URL"); strings.Contains(db, "postgres:postgres@") {
		logger.Warn("DATABASE_URL uses default postgres credentials; change them outside development")
	}
}

// listenAddr resolves the bind address: ATTRACTOR_LISTEN_ADDR wins, then
// PORT (bound on all interfaces, the container case), then localhost:8080.
func listenAddr() string {
	if addr := os.Getenv("ATTRACTOR_LISTEN_ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return "0.0.0.0:" + port
	}
	return "127.0.0.1:8080"
}

func reaperInterval() time.Duration {
	if d, ok := durationEnv("REAPER_INTERVAL"); ok {
		return d
	}
	return reaper.DefaultInterval
}

func reaperDeadline() time.Duration {
	if d, ok := durationEnv("REAPER_DEADLINE"); ok {
		return d
	}
	return reaper.DefaultDeadline
}

func durationEnv(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envBoolDefault(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return envBool(name)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

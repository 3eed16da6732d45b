package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/FluxGuard/control_plane/aggregator"
	"github.com/itskum47/FluxGuard/control_plane/auth"
	"github.com/itskum47/FluxGuard/control_plane/config"
	"github.com/itskum47/FluxGuard/control_plane/coordination"
	"github.com/itskum47/FluxGuard/control_plane/health"
	"github.com/itskum47/FluxGuard/control_plane/idempotency"
	"github.com/itskum47/FluxGuard/control_plane/incident"
	"github.com/itskum47/FluxGuard/control_plane/lifecycle"
	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/scheduler"
	"github.com/itskum47/FluxGuard/control_plane/scoring"
	"github.com/itskum47/FluxGuard/control_plane/store"
	"github.com/itskum47/FluxGuard/control_plane/streaming"
)

// leaderLeaseTTL is the scheduler leadership lease; renewals run every third of it.
const (
	leaderLeaseTTL      = 15 * time.Second
	emitterDrainTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $FLUXGUARD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluxguard: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if err := run(cfg, logger); err != nil {
		logger.Error("control plane exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	// Events: log + dashboards always, brokers when configured.
	hub := NewStreamHub(logger)
	fanout := streaming.NewFanout().
		Add("log", streaming.NewLogPublisher(logger)).
		Add("dashboard", hub)
	if redisClient != nil {
		fanout.Add("redis", streaming.NewRedisPublisher(redisClient, cfg.Redis.EventsChannel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		fanout.Add("kafka", streaming.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	defer fanout.Close()
	emitter := streaming.NewEmitter(fanout, logger, true)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), emitterDrainTimeout)
		defer cancel()
		if err := emitter.Close(drainCtx); err != nil {
			logger.Warn("event queue not drained", "error", err, "dropped", emitter.Dropped())
		}
	}()

	if err := seedServices(ctx, st, cfg.Services, time.Now()); err != nil {
		return err
	}

	// Health
	prober := health.NewHTTPProber(&http.Client{})
	deriver := health.NewDeriver(st, health.Thresholds{
		WarningErrorRate:   cfg.Health.WarningErrorRate,
		CriticalErrorRate:  cfg.Health.CriticalErrorRate,
		WarningLatencyMs:   cfg.Health.WarningLatencyMs,
		CriticalLatencyMs:  cfg.Health.CriticalLatencyMs,
		StalenessWindow:    cfg.Health.StalenessWindow,
		CriticalComponents: cfg.Health.CriticalComponents,
	}, emitter, logger)
	incidents := incident.NewManager(st, emitter, logger)

	// Metrics
	var sinks []aggregator.Sink
	if cfg.Influx.URL != "" {
		sinks = append(sinks, aggregator.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket))
		logger.Info("mirroring metrics to influxdb", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}
	agg := aggregator.New(st, logger, sinks...)
	defer agg.Close()

	// Scoring
	var analyzer scoring.Analyzer
	if cfg.Scoring.AnalyzerURL != "" {
		analyzer = scoring.NewHTTPAnalyzer(cfg.Scoring.AnalyzerURL, &http.Client{})
	}
	scorer := scoring.NewScorer(st, analyzer,
		scoring.NewCircuitBreaker(cfg.Scoring.BreakerThreshold, cfg.Scoring.BreakerCooldown),
		scoring.Config{
			Window:          cfg.Scoring.Window,
			StabilityWindow: cfg.Scoring.StabilityWindow,
			TrendDelta:      cfg.Scoring.TrendDelta,
			AnalyzerTimeout: cfg.Scoring.AnalyzerTimeout,
			Reference: scoring.RiskReference{
				ErrorRate: cfg.Health.CriticalErrorRate,
				LatencyMs: cfg.Health.CriticalLatencyMs,
				CPU:       100,
			},
		}, logger)

	// Lifecycle
	var locker lifecycle.Locker = lifecycle.NewLocalLocker()
	if redisClient != nil {
		locker = lifecycle.NewDistributedLocker(store.NewRedisLocker(redisClient), cfg.Redis.LockTTL)
	}
	policy := lifecycle.DefaultPolicy()
	policy.RestartCooldown = cfg.Lifecycle.RestartCooldown
	policy.RestartWindow = cfg.Lifecycle.RestartWindow
	policy.MaxRestartAttempts = cfg.Lifecycle.MaxRestartAttempts
	policy.ExecutorTimeout = cfg.Lifecycle.ExecutorTimeout
	policy.MaxInstances = cfg.Lifecycle.MaxInstances
	controller := lifecycle.NewController(st, lifecycle.NewAgentExecutor(&http.Client{}), locker, policy, emitter, logger)

	// Scheduler
	dashboard := NewDashboardService(st, emitter)
	sched, err := scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Store:       st,
		Prober:      prober,
		Deriver:     deriver,
		Incidents:   incidents,
		Aggregator:  agg,
		Scorer:      scorer,
		Broadcaster: dashboard,
	}, logger)
	if err != nil {
		return err
	}

	var elector *coordination.LeaderElector
	if redisClient != nil {
		elector = coordination.NewLeaderElector(store.NewRedisLocker(redisClient), leaderLeaseTTL, logger)
		elector.SetCallbacks(
			func() { logger.Info("elected leader, scheduler ticks active") },
			func() { logger.Warn("lost leadership, scheduler ticks paused") },
		)
		sched.WithLeaderGate(elector.IsLeader)
		elector.Start(ctx)
	} else {
		logger.Warn("redis disabled, running the scheduler standalone (unsafe with several replicas)")
		observability.LeaderStatus.Set(1)
	}
	dashboard.Attach(sched, elector)

	go hub.Run(ctx)
	sched.Start(ctx)

	var verifier *auth.Verifier
	if cfg.Server.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.Server.JWTSecret)
		if err != nil {
			return err
		}
		logger.Info("bearer token authentication enabled")
	}

	api := NewAPI(APIDeps{
		Store:       st,
		Controller:  controller,
		Incidents:   incidents,
		Aggregator:  agg,
		Scheduler:   sched,
		Dashboard:   dashboard,
		Hub:         hub,
		Verifier:    verifier,
		Idempotency: idempotency.NewStore(cfg.Server.IdempotencyTTL),
	}, cfg.Server.RateLimit, cfg.Server.RateBurst, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("FluxGuard control plane listening",
			"addr", cfg.Server.Address,
			"store", cfg.Storage.Backend,
			"services", len(cfg.Services),
			"redis", cfg.Redis.Enabled,
			"kafka", len(cfg.Kafka.Brokers) > 0,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sched.Stop()
	if elector != nil {
		elector.Wait()
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Backend != "postgres" {
		logger.Info("using in-memory store (state is lost on restart)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	logger.Info("using postgres store")
	return pg, pg.Close, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		BackendHealthInterval:  cfg.Scheduler.BackendHealthInterval,
		FrontendHealthInterval: cfg.Scheduler.FrontendHealthInterval,
		MetricsInterval:        cfg.Scheduler.MetricsInterval,
		AnomalyInterval:        cfg.Scheduler.AnomalyInterval,
		StabilityInterval:      cfg.Scheduler.StabilityInterval,
		RetentionInterval:      cfg.Scheduler.RetentionInterval,
		BroadcastInterval:      cfg.Scheduler.BroadcastInterval,
		MaxConcurrency:         cfg.Scheduler.MaxConcurrency,
		ProbeTimeout:           cfg.Scheduler.ProbeTimeout,
		UnitTimeout:            cfg.Scheduler.UnitTimeout,
		ProbeRatePerHost:       cfg.Scheduler.ProbeRatePerHost,
		ProbeBurstPerHost:      cfg.Scheduler.ProbeBurstPerHost,
		RetentionHorizon:       cfg.Retention.Horizon,
		IncidentAutoClose:      cfg.Retention.IncidentAutoClose,
	}
}

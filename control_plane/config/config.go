package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minJWTSecretLength mirrors auth.MinSecretLength.
const minJWTSecretLength = 32

// Config is the immutable runtime configuration of the control plane.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Health    HealthConfig    `yaml:"health"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Influx    InfluxConfig    `yaml:"influx"`
	Logging   LoggingConfig   `yaml:"logging"`
	Services  []ServiceConfig `yaml:"services"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// RateLimit and RateBurst bound mutating API calls (storm protection).
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
	// JWTSecret switches identity from proxy headers to HS256 bearer tokens.
	JWTSecret      string        `yaml:"jwtSecret"`
	IdempotencyTTL time.Duration `yaml:"idempotencyTTL"`
}

// SchedulerConfig holds tick intervals and fan-out limits.
type SchedulerConfig struct {
	BackendHealthInterval  time.Duration `yaml:"backendHealthInterval"`
	FrontendHealthInterval time.Duration `yaml:"frontendHealthInterval"`
	MetricsInterval        time.Duration `yaml:"metricsInterval"`
	AnomalyInterval        time.Duration `yaml:"anomalyInterval"`
	StabilityInterval      time.Duration `yaml:"stabilityInterval"`
	RetentionInterval      time.Duration `yaml:"retentionInterval"`
	BroadcastInterval      time.Duration `yaml:"broadcastInterval"`
	MaxConcurrency         int           `yaml:"maxConcurrency"`
	ProbeTimeout           time.Duration `yaml:"probeTimeout"`
	UnitTimeout            time.Duration `yaml:"unitTimeout"`
	ProbeRatePerHost       float64       `yaml:"probeRatePerHost"`
	ProbeBurstPerHost      int           `yaml:"probeBurstPerHost"`
}

// HealthConfig holds the global derivation thresholds.
type HealthConfig struct {
	WarningErrorRate   float64       `yaml:"warningErrorRate"`
	CriticalErrorRate  float64       `yaml:"criticalErrorRate"`
	WarningLatencyMs   float64       `yaml:"warningLatencyMs"`
	CriticalLatencyMs  float64       `yaml:"criticalLatencyMs"`
	StalenessWindow    time.Duration `yaml:"stalenessWindow"`
	CriticalComponents []string      `yaml:"criticalComponents"`
}

// ScoringConfig controls risk, stability and trend computation.
type ScoringConfig struct {
	Window           time.Duration `yaml:"window"`
	StabilityWindow  time.Duration `yaml:"stabilityWindow"`
	TrendDelta       float64       `yaml:"trendDelta"`
	AnalyzerURL      string        `yaml:"analyzerURL"`
	AnalyzerTimeout  time.Duration `yaml:"analyzerTimeout"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// LifecycleConfig holds the safety policy for lifecycle actions.
type LifecycleConfig struct {
	RestartCooldown    time.Duration `yaml:"restartCooldown"`
	MaxRestartAttempts int           `yaml:"maxRestartAttempts"`
	RestartWindow      time.Duration `yaml:"restartWindow"`
	ExecutorTimeout    time.Duration `yaml:"executorTimeout"`
	MaxInstances       int           `yaml:"maxInstances"`
}

// RetentionConfig controls purging of historical records.
type RetentionConfig struct {
	Horizon           time.Duration `yaml:"horizon"`
	IncidentAutoClose time.Duration `yaml:"incidentAutoClose"`
}

// StorageConfig selects the Store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory | postgres
	PostgresDSN string `yaml:"postgresDSN"`
}

// RedisConfig enables the distributed action lock and the Redis event channel.
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	LockTTL       time.Duration `yaml:"lockTTL"`
	EventsChannel string        `yaml:"eventsChannel"`
}

// KafkaConfig enables the Kafka event publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// InfluxConfig enables mirroring of metrics snapshots when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServiceConfig seeds the registry at startup.
type ServiceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Scheme      string `yaml:"scheme"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	HealthPath  string `yaml:"healthPath"`
	MetricsPath string `yaml:"metricsPath"`
	AgentURL    string `yaml:"agentURL"`
	Disabled    bool   `yaml:"disabled"`

	WarningErrorRate  float64 `yaml:"warningErrorRate"`
	CriticalErrorRate float64 `yaml:"criticalErrorRate"`
	WarningLatencyMs  float64 `yaml:"warningLatencyMs"`
	CriticalLatencyMs float64 `yaml:"criticalLatencyMs"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLUXGUARD_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GracefulTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
			IdempotencyTTL:  time.Hour,
		},
		Scheduler: SchedulerConfig{
			BackendHealthInterval:  15 * time.Second,
			FrontendHealthInterval: 60 * time.Second,
			MetricsInterval:        30 * time.Second,
			AnomalyInterval:        2 * time.Minute,
			StabilityInterval:      5 * time.Minute,
			RetentionInterval:      time.Hour,
			BroadcastInterval:      5 * time.Second,
			MaxConcurrency:         8,
			ProbeTimeout:           5 * time.Second,
			UnitTimeout:            20 * time.Second,
			ProbeRatePerHost:       5,
			ProbeBurstPerHost:      5,
		},
		Health: HealthConfig{
			WarningErrorRate:   5,
			CriticalErrorRate:  20,
			WarningLatencyMs:   1000,
			CriticalLatencyMs:  5000,
			StalenessWindow:    3 * time.Minute,
			CriticalComponents: []string{"datastore", "db", "database"},
		},
		Scoring: ScoringConfig{
			Window:           time.Hour,
			StabilityWindow:  24 * time.Hour,
			TrendDelta:       5,
			AnalyzerTimeout:  3 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			RestartCooldown:    60 * time.Second,
			MaxRestartAttempts: 3,
			RestartWindow:      time.Hour,
			ExecutorTimeout:    2 * time.Minute,
			MaxInstances:       20,
		},
		Retention: RetentionConfig{
			Horizon:           168 * time.Hour,
			IncidentAutoClose: 24 * time.Hour,
		},
		Storage: StorageConfig{Backend: "memory"},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			LockTTL:       3 * time.Minute,
			EventsChannel: "fluxguard:events:lifecycle",
		},
		Kafka:   KafkaConfig{Topic: "fluxguard.events"},
		Influx:  InfluxConfig{Bucket: "fluxguard"},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

// Validate rejects non-positive intervals and inverted thresholds.
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]time.Duration{
		"scheduler.backendHealthInterval":  c.Scheduler.BackendHealthInterval,
		"scheduler.frontendHealthInterval": c.Scheduler.FrontendHealthInterval,
		"scheduler.metricsInterval":        c.Scheduler.MetricsInterval,
		"scheduler.anomalyInterval":        c.Scheduler.AnomalyInterval,
		"scheduler.stabilityInterval":      c.Scheduler.StabilityInterval,
		"scheduler.retentionInterval":      c.Scheduler.RetentionInterval,
		"scheduler.broadcastInterval":      c.Scheduler.BroadcastInterval,
		"scheduler.probeTimeout":           c.Scheduler.ProbeTimeout,
		"scheduler.unitTimeout":            c.Scheduler.UnitTimeout,
		"health.stalenessWindow":           c.Health.StalenessWindow,
		"scoring.window":                   c.Scoring.Window,
		"scoring.stabilityWindow":          c.Scoring.StabilityWindow,
		"scoring.analyzerTimeout":          c.Scoring.AnalyzerTimeout,
		"lifecycle.restartWindow":          c.Lifecycle.RestartWindow,
		"lifecycle.executorTimeout":        c.Lifecycle.ExecutorTimeout,
		"retention.horizon":                c.Retention.Horizon,
		"server.idempotencyTTL":            c.Server.IdempotencyTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Lifecycle.RestartCooldown < 0 {
		errs = append(errs, fmt.Errorf("lifecycle.restartCooldown must not be negative"))
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Errorf("server.jwtSecret must be at least %d bytes", minJWTSecretLength))
	}
	if c.Redis.Enabled && c.Redis.LockTTL <= c.Lifecycle.ExecutorTimeout {
		errs = append(errs, fmt.Errorf("redis.lockTTL (%s) must exceed lifecycle.executorTimeout (%s)", c.Redis.LockTTL, c.Lifecycle.ExecutorTimeout))
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.maxConcurrency must be positive"))
	}
	if c.Lifecycle.MaxRestartAttempts <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.maxRestartAttempts must be positive"))
	}
	if c.Lifecycle.MaxInstances <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.maxInstances must be positive"))
	}
	if c.Health.WarningErrorRate > c.Health.CriticalErrorRate {
		errs = append(errs, fmt.Errorf("health.warningErrorRate (%v) exceeds criticalErrorRate (%v)", c.Health.WarningErrorRate, c.Health.CriticalErrorRate))
	}
	if c.Health.WarningLatencyMs > c.Health.CriticalLatencyMs {
		errs = append(errs, fmt.Errorf("health.warningLatencyMs (%v) exceeds criticalLatencyMs (%v)", c.Health.WarningLatencyMs, c.Health.CriticalLatencyMs))
	}
	if c.Scoring.TrendDelta < 0 {
		errs = append(errs, fmt.Errorf("scoring.trendDelta must not be negative"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgresDSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, postgres", c.Storage.Backend))
	}

	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("services[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.WarningErrorRate > 0 && s.CriticalErrorRate > 0 && s.WarningErrorRate > s.CriticalErrorRate {
			errs = append(errs, fmt.Errorf("services[%d]: warningErrorRate exceeds criticalErrorRate", i))
		}
		if s.WarningLatencyMs > 0 && s.CriticalLatencyMs > 0 && s.WarningLatencyMs > s.CriticalLatencyMs {
			errs = append(errs, fmt.Errorf("services[%d]: warningLatencyMs exceeds criticalLatencyMs", i))
		}
	}

	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLUXGUARD_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FLUXGUARD_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("FLUXGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLUXGUARD_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLUXGUARD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FLUXGUARD_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("FLUXGUARD_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("FLUXGUARD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FLUXGUARD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FLUXGUARD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("FLUXGUARD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FLUXGUARD_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("FLUXGUARD_INFLUX_URL"); v != "" {
		cfg.Influx.URL = v
	}
	if v := os.Getenv("FLUXGUARD_INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
	if v := os.Getenv("FLUXGUARD_INFLUX_ORG"); v != "" {
		cfg.Influx.Org = v
	}
	if v := os.Getenv("FLUXGUARD_INFLUX_BUCKET"); v != "" {
		cfg.Influx.Bucket = v
	}
	if v := os.Getenv("FLUXGUARD_ANALYZER_URL"); v != "" {
		cfg.Scoring.AnalyzerURL = v
	}
	if v := os.Getenv("FLUXGUARD_ANALYZER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scoring.AnalyzerTimeout = d
		}
	}
	if v := os.Getenv("FLUXGUARD_BACKEND_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.BackendHealthInterval = d
		}
	}
	if v := os.Getenv("FLUXGUARD_FRONTEND_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.FrontendHealthInterval = d
		}
	}
	if v := os.Getenv("FLUXGUARD_RESTART_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.RestartCooldown = d
		}
	}
	if v := os.Getenv("FLUXGUARD_MAX_RESTART_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.MaxRestartAttempts = n
		}
	}
	if v := os.Getenv("FLUXGUARD_RETENTION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.Horizon = d
		}
	}
}

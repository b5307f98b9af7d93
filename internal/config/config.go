package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Money        MoneyConfig        `yaml:"money"`
	Workers      WorkersConfig      `yaml:"workers"`
	Sweepers     SweepersConfig     `yaml:"sweepers"`
	Verification VerificationConfig `yaml:"verification"`
	Proof        ProofConfig        `yaml:"proof"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "production" hides request ids and raw codes
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MoneyConfig struct {
	LeaseTTLSeconds      int `yaml:"lease_ttl_seconds"`
	ProcessorTimeoutSecs int `yaml:"processor_timeout_seconds"`
	PlatformFeeBps       int `yaml:"platform_fee_bps"`
	ReleaseXP            int `yaml:"release_xp"`
}

type WorkersConfig struct {
	Concurrency  int `yaml:"concurrency"`
	MaxAttempts  int `yaml:"max_attempts"`
	BaseDelaySec int `yaml:"base_delay_seconds"`
}

type SweepersConfig struct {
	IntervalMinutes     int `yaml:"interval_minutes"`
	PendingThresholdMin int `yaml:"pending_threshold_minutes"`
}

type VerificationConfig struct {
	CodeTTLMinutes int `yaml:"code_ttl_minutes"`
	MaxAttempts    int `yaml:"max_attempts"`
	SendsPerHour   int `yaml:"sends_per_hour"`
}

type ProofConfig struct {
	MaxRequestsPerTask int     `yaml:"max_requests_per_task"`
	MinConfidence      float64 `yaml:"min_confidence"`
	AITimeoutSeconds   int     `yaml:"ai_timeout_seconds"`
}

type WebhookConfig struct {
	SigningSecret   string `yaml:"signing_secret"`
	ToleranceSecond int    `yaml:"tolerance_seconds"`
}

type OutboxConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type MonitoringConfig struct {
	LedgerDriftAlertCents int64 `yaml:"ledger_drift_alert_cents"`
	DLQDepthAlert         int   `yaml:"dlq_depth_alert"`
	LatencyAlertMs        int   `yaml:"latency_alert_ms"`
}

// Load reads the YAML config at path and overlays environment variables.
// Env vars win so containers can override the checked-in defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	overlayEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Money: MoneyConfig{
			LeaseTTLSeconds:      30,
			ProcessorTimeoutSecs: 30,
			PlatformFeeBps:       1000,
			ReleaseXP:            500,
		},
		Workers:  WorkersConfig{Concurrency: 4, MaxAttempts: 5, BaseDelaySec: 2},
		Sweepers: SweepersConfig{IntervalMinutes: 5, PendingThresholdMin: 15},
		Verification: VerificationConfig{
			CodeTTLMinutes: 10,
			MaxAttempts:    5,
			SendsPerHour:   5,
		},
		Proof: ProofConfig{
			MaxRequestsPerTask: 3,
			MinConfidence:      0.6,
			AITimeoutSeconds:   30,
		},
		Webhook: WebhookConfig{ToleranceSecond: 300},
		Monitoring: MonitoringConfig{
			LedgerDriftAlertCents: 1,
			DLQDepthAlert:         10,
			LatencyAlertMs:        2000,
		},
	}
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.Webhook.SigningSecret = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		cfg.Outbox.PubSubProject = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		cfg.Outbox.PubSubTopic = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Concurrency = n
		}
	}
}

// ProcessorTimeout returns the hard deadline for external processor calls.
func (c *Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.Money.ProcessorTimeoutSecs) * time.Second
}

// LeaseTTL returns the advisory lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Money.LeaseTTLSeconds) * time.Second
}

// IsProduction reports whether sanitized error output is required.
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	AI         AIConfig         `mapstructure:"ai"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AIConfig selects the provider and tunes the shared request queue.
type AIConfig struct {
	Provider             string        `mapstructure:"provider"`
	APIKey               string        `mapstructure:"api_key"`
	Model                string        `mapstructure:"model"`
	BaseURL              string        `mapstructure:"base_url"`
	RateLimit            AIRateLimit   `mapstructure:"rate_limit"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RateLimitBackoffBase time.Duration `mapstructure:"rate_limit_backoff_base"`
	TransientBackoffBase time.Duration `mapstructure:"transient_backoff_base"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MultimodalTimeout    time.Duration `mapstructure:"multimodal_timeout"`
}

// AIRateLimit is the token bucket admitting provider calls.
type AIRateLimit struct {
	Requests       int           `mapstructure:"requests"`
	Window         time.Duration `mapstructure:"window"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// EvaluationConfig holds the overall score weights keyed by evaluator name.
type EvaluationConfig struct {
	Weights map[string]float64 `mapstructure:"weights"`
}

// WorkerConfig toggles the in-process audit worker.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// QueueConfig selects and tunes the job queue backend. Backend may force a
// kind; empty selects redis, webhook or memory by which settings are present.
type QueueConfig struct {
	Name    string        `mapstructure:"name"`
	Backend string        `mapstructure:"backend"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Memory  MemoryConfig  `mapstructure:"memory"`
}

// RedisConfig configures the broker backend.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Lease        time.Duration `mapstructure:"lease"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WebhookConfig configures the push backend.
type WebhookConfig struct {
	DispatchURL        string        `mapstructure:"dispatch_url"`
	Token              string        `mapstructure:"token"`
	CallbackURL        string        `mapstructure:"callback_url"`
	SigningKey         string        `mapstructure:"signing_key"`
	NextSigningKey     string        `mapstructure:"next_signing_key"`
	Retries            int           `mapstructure:"retries"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
}

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	// SelfFeed re-enqueues pending records after each job and at startup.
	SelfFeed bool `mapstructure:"self_feed"`
}

// ReaperConfig schedules the stale job sweep.
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Jitter   time.Duration `mapstructure:"jitter"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig controls access to Postgres. An empty DSN uses the memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects where report artifacts are written.
type StorageConfig struct {
	Backend string    `mapstructure:"backend"`
	Prefix  string    `mapstructure:"prefix"`
	Local   LocalBlob `mapstructure:"local"`
	GCS     GCSBlob   `mapstructure:"gcs"`
}

// LocalBlob configures the filesystem blob store.
type LocalBlob struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSBlob configures the Cloud Storage blob store.
type GCSBlob struct {
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
}

// PubSubConfig holds metadata for completion notifications. Without a
// project the in-memory publisher is used.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig throttles submissions per client.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AnalyzerConfig tunes site fetching and screenshots.
type AnalyzerConfig struct {
	UserAgent    string           `mapstructure:"user_agent"`
	IgnoreRobots bool             `mapstructure:"ignore_robots"`
	Timeout      time.Duration    `mapstructure:"timeout"`
	MaxAttempts  int              `mapstructure:"max_attempts"`
	Screenshots  ScreenshotConfig `mapstructure:"screenshots"`
}

// ScreenshotConfig configures the headless browser.
type ScreenshotConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.rate_limit.requests", 5)
	v.SetDefault("ai.rate_limit.window", 60*time.Second)
	v.SetDefault("ai.rate_limit.refill_interval", time.Second)
	v.SetDefault("ai.max_retries", 2)
	v.SetDefault("ai.rate_limit_backoff_base", 10*time.Second)
	v.SetDefault("ai.transient_backoff_base", 2*time.Second)
	v.SetDefault("ai.max_backoff", 60*time.Second)
	v.SetDefault("ai.request_timeout", 60*time.Second)
	v.SetDefault("ai.multimodal_timeout", 120*time.Second)

	v.SetDefault("evaluation.weights", map[string]float64{
		"seo":           0.3,
		"content":       0.3,
		"accessibility": 0.2,
		"design":        0.2,
	})
	v.SetDefault("worker.enabled", true)

	v.SetDefault("queue.name", "audits")
	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.redis.addr", "")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.prefix", "siteaudit")
	v.SetDefault("queue.redis.max_attempts", 3)
	v.SetDefault("queue.redis.backoff_base", 30*time.Second)
	v.SetDefault("queue.redis.max_backoff", 10*time.Minute)
	v.SetDefault("queue.redis.lease", 15*time.Minute)
	v.SetDefault("queue.redis.poll_interval", time.Second)
	v.SetDefault("queue.webhook.dispatch_url", "")
	v.SetDefault("queue.webhook.token", "")
	v.SetDefault("queue.webhook.callback_url", "")
	v.SetDefault("queue.webhook.signing_key", "")
	v.SetDefault("queue.webhook.next_signing_key", "")
	v.SetDefault("queue.webhook.retries", 3)
	v.SetDefault("queue.webhook.timestamp_tolerance", 5*time.Minute)
	v.SetDefault("queue.memory.self_feed", true)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 10m")
	v.SetDefault("reaper.jitter", 30*time.Second)
	v.SetDefault("reaper.timeout", 30*time.Minute)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "audits")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local.base_dir", "./data/reports")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.endpoint", "")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "audit-events")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("analyzer.user_agent", "site-audit-bot/1.0")
	v.SetDefault("analyzer.ignore_robots", false)
	v.SetDefault("analyzer.timeout", 20*time.Second)
	v.SetDefault("analyzer.max_attempts", 3)
	v.SetDefault("analyzer.screenshots.enabled", false)
	v.SetDefault("analyzer.screenshots.max_parallel", 1)
	v.SetDefault("analyzer.screenshots.navigation_timeout", 45*time.Second)

	v.SetDefault("tracing.service_name", "site-audit")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.AI.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not supported", c.AI.Provider))
	}
	if c.AI.RateLimit.Requests <= 0 || c.AI.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ai.rate_limit.requests and ai.rate_limit.window must be > 0"))
	}
	if c.AI.MaxRetries < 0 {
		errs = append(errs, errors.New("ai.max_retries must be >= 0"))
	}
	total := 0.0
	for name, w := range c.Evaluation.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("evaluation.weights.%s must be >= 0", name))
		}
		total += w
	}
	if len(c.Evaluation.Weights) > 0 && total == 0 {
		errs = append(errs, errors.New("evaluation.weights must not all be zero"))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	switch c.Queue.Backend {
	case "", "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, errors.New("queue.redis.addr is required for the redis backend"))
		}
	case "webhook":
		if c.Queue.Webhook.DispatchURL == "" || c.Queue.Webhook.SigningKey == "" {
			errs = append(errs, errors.New("queue.webhook.dispatch_url and signing_key are required for the webhook backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}
	if c.Queue.Webhook.DispatchURL != "" && c.Queue.Webhook.CallbackURL == "" {
		errs = append(errs, errors.New("queue.webhook.callback_url is required with a dispatch url"))
	}
	if c.Reaper.Enabled && c.Reaper.Timeout <= 0 {
		errs = append(errs, errors.New("reaper.timeout must be > 0"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for local storage"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.Analyzer.Screenshots.Enabled && c.Analyzer.Screenshots.MaxParallel <= 0 {
		errs = append(errs, errors.New("analyzer.screenshots.max_parallel must be > 0 when screenshots are enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// QueueKind resolves the backend, applying the redis > webhook > memory
// priority when none is forced.
func (c Config) QueueKind() jobqueue.Kind {
	if c.Queue.Backend != "" {
		return jobqueue.Kind(c.Queue.Backend)
	}
	return jobqueue.SelectKind(c.Queue.Redis.Addr, c.Queue.Webhook.DispatchURL, c.Queue.Webhook.SigningKey)
}

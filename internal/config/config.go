// Package config provides configuration loading for turnd.
//
// Configuration comes from an optional YAML file overlaid with TURND_*
// environment variables. See LoadWithFile for precedence and mapping.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete turnd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Engine        EngineConfig        `koanf:"engine"`
	Oracle        OracleConfig        `koanf:"oracle"`
	Store         StoreConfig         `koanf:"store"`
	Cache         CacheConfig         `koanf:"cache"`
	Jobs          JobsConfig          `koanf:"jobs"`
	Events        EventsConfig        `koanf:"events"`
	Catalog       CatalogConfig       `koanf:"catalog"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EngineConfig tunes the turn orchestrator.
type EngineConfig struct {
	// PoolSize bounds concurrent evaluator calls across all turns.
	PoolSize int `koanf:"pool_size"`

	// SupervisionInterval runs a quality review every N messages.
	SupervisionInterval int `koanf:"supervision_interval"`

	// SessionReviewInterval runs a session review every N messages from phase 2 on.
	SessionReviewInterval int `koanf:"session_review_interval"`

	EvaluationTimeout Duration `koanf:"evaluation_timeout"`
	ReplyTimeout      Duration `koanf:"reply_timeout"`
	JobTimeout        Duration `koanf:"job_timeout"`

	// HistoryLimit caps the messages loaded per turn by the HTTP adapter.
	HistoryLimit int `koanf:"history_limit"`
}

// OracleConfig selects and tunes the generation backend.
type OracleConfig struct {
	// Provider is one of "gemini", "vertex" or "openai".
	Provider    string   `koanf:"provider"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	BaseURL     string   `koanf:"base_url"`
	Project     string   `koanf:"project"`
	Location    string   `koanf:"location"`
	Temperature float64  `koanf:"temperature"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
	MaxRetries  int      `koanf:"max_retries"`
	Timeout     Duration `koanf:"timeout"`
}

// StoreConfig selects the session repository engine.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// CacheConfig tunes the session snapshot cache.
type CacheConfig struct {
	TTL        Duration `koanf:"ttl"`
	MaxEntries int      `koanf:"max_entries"`
}

// JobsConfig tunes the background job scheduler.
type JobsConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// EventsConfig configures NATS event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CatalogConfig points at an optional YAML technique catalog.
type CatalogConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Engine.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("engine.pool_size must be >= 1, got %d", c.Engine.PoolSize))
	}
	if c.Engine.SupervisionInterval < 1 {
		errs = append(errs, fmt.Errorf("engine.supervision_interval must be >= 1, got %d", c.Engine.SupervisionInterval))
	}
	if c.Engine.SessionReviewInterval < 1 {
		errs = append(errs, fmt.Errorf("engine.session_review_interval must be >= 1, got %d", c.Engine.SessionReviewInterval))
	}

	switch c.Oracle.Provider {
	case "gemini", "openai":
		if !c.Oracle.APIKey.IsSet() {
			errs = append(errs, fmt.Errorf("oracle.api_key is required for provider %q", c.Oracle.Provider))
		}
	case "vertex":
		if c.Oracle.Project == "" || c.Oracle.Location == "" {
			errs = append(errs, errors.New("oracle.project and oracle.location are required for provider \"vertex\""))
		}
	default:
		errs = append(errs, fmt.Errorf("oracle.provider must be gemini, vertex or openai, got %q", c.Oracle.Provider))
	}
	if c.Oracle.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("oracle.rate_limit must be > 0, got %v", c.Oracle.RateLimit))
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_retries must be >= 0, got %d", c.Oracle.MaxRetries))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver))
	}

	if c.Cache.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries))
	}
	if c.Jobs.Workers < 1 || c.Jobs.QueueSize < 1 {
		errs = append(errs, errors.New("jobs.workers and jobs.queue_size must be >= 1"))
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be between 0 and 1, got %v", c.Observability.SampleRate))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Engine.PoolSize == 0 {
		cfg.Engine.PoolSize = 3
	}
	if cfg.Engine.SupervisionInterval == 0 {
		cfg.Engine.SupervisionInterval = 3
	}
	if cfg.Engine.SessionReviewInterval == 0 {
		cfg.Engine.SessionReviewInterval = 6
	}
	if cfg.Engine.EvaluationTimeout == 0 {
		cfg.Engine.EvaluationTimeout = Duration(30 * time.Second)
	}
	if cfg.Engine.ReplyTimeout == 0 {
		cfg.Engine.ReplyTimeout = Duration(60 * time.Second)
	}
	if cfg.Engine.JobTimeout == 0 {
		cfg.Engine.JobTimeout = Duration(2 * time.Minute)
	}
	if cfg.Engine.HistoryLimit == 0 {
		cfg.Engine.HistoryLimit = 50
	}

	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "gemini"
	}
	if cfg.Oracle.Model == "" {
		switch cfg.Oracle.Provider {
		case "openai":
			cfg.Oracle.Model = "gpt-4o-mini"
		default:
			cfg.Oracle.Model = "gemini-2.5-flash"
		}
	}
	if cfg.Oracle.Temperature == 0 {
		cfg.Oracle.Temperature = 0.7
	}
	if cfg.Oracle.RateLimit == 0 {
		cfg.Oracle.RateLimit = 5
	}
	if cfg.Oracle.Burst == 0 {
		cfg.Oracle.Burst = 3
	}
	if cfg.Oracle.MaxRetries == 0 {
		cfg.Oracle.MaxRetries = 3
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = Duration(60 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(30 * time.Minute)
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}

	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 64
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "turnd"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "turnd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

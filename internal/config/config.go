// Package config loads and validates service configuration from a YAML file
// and MAESTRO_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Bus           BusConfig           `yaml:"bus"`
	Engine        EngineConfig        `yaml:"engine"`
	Workflows     WorkflowsConfig     `yaml:"workflows"`
	Schemas       SchemasConfig       `yaml:"schemas"`
	Nodes         NodesConfig         `yaml:"nodes"`
	Authorization AuthorizationConfig `yaml:"authorization"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
}

// LoggingConfig describes structured logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// StorageConfig describes request and workflow persistence settings. The DSN
// itself is read from the environment variable named by dsn_env so that
// credentials stay out of config files.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	DSNEnv   string `yaml:"dsn_env"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig describes the processed-result dedup store.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	AddrEnv  string        `yaml:"addr_env"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// BusConfig describes the message bus connection. Topic names are part of
// the worker wire contract and are compiled in, not configured.
type BusConfig struct {
	Driver        string        `yaml:"driver"`
	URLEnv        string        `yaml:"url_env"`
	Name          string        `yaml:"name"`
	QueueGroup    string        `yaml:"queue_group"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// EngineConfig describes orchestration engine tuning.
type EngineConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	BackoffInitial       time.Duration `yaml:"backoff_initial"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	DispatchTimeout      time.Duration `yaml:"dispatch_timeout"`
	LockStripes          int           `yaml:"lock_stripes"`
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`
	RetrySweepInterval   time.Duration `yaml:"retry_sweep_interval"`
	WorkerStaleAfter     time.Duration `yaml:"worker_stale_after"`
	ResultPoolSize       int           `yaml:"result_pool_size"`
}

// WorkflowsConfig describes where extra workflow definition files live. The
// compiled-in catalog is always loaded first.
type WorkflowsConfig struct {
	Directories []string `yaml:"directories"`
}

// SchemasConfig describes the task payload schema document.
type SchemasConfig struct {
	Path string `yaml:"path"`
}

// NodesConfig describes the Kubernetes worker node manager.
type NodesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	InCluster  bool   `yaml:"in_cluster"`
}

// AuthorizationConfig describes capability policy settings.
type AuthorizationConfig struct {
	PolicyFile string        `yaml:"policy_file"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Tracing: TracingConfig{
			Exporter:     "otlp",
			SamplingRate: 0.1,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			DSNEnv:   "MAESTRO_POSTGRES_DSN",
			MaxConns: 8,
		},
		Redis: RedisConfig{
			AddrEnv:  "MAESTRO_REDIS_ADDR",
			DedupTTL: 1 * time.Hour,
		},
		Bus: BusConfig{
			Driver:        "memory",
			URLEnv:        "MAESTRO_NATS_URL",
			Name:          "maestro",
			QueueGroup:    "maestro",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Engine: EngineConfig{
			MaxRetries:           3,
			BackoffInitial:       2 * time.Second,
			BackoffMax:           2 * time.Minute,
			DispatchTimeout:      5 * time.Minute,
			LockStripes:          64,
			TimeoutSweepInterval: 30 * time.Second,
			RetrySweepInterval:   5 * time.Second,
			WorkerStaleAfter:     90 * time.Second,
			ResultPoolSize:       32,
		},
		Nodes: NodesConfig{
			Namespace: "default",
		},
		Authorization: AuthorizationConfig{
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid. Problems
// are collected so one run reports every mistake.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, postgres", c.Storage.Driver))
	}
	switch c.Bus.Driver {
	case "memory", "nats":
	default:
		errs = append(errs, fmt.Sprintf("bus.driver %q is not one of memory, nats", c.Bus.Driver))
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter %q is not one of otlp, stdout", c.Tracing.Exporter))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, "engine.max_retries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads MAESTRO_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAESTRO_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAESTRO_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("MAESTRO_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("MAESTRO_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MAESTRO_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MAESTRO_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("MAESTRO_NODES_NAMESPACE"); v != "" {
		cfg.Nodes.Namespace = v
	}
}

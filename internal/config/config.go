// Package config loads deckflow configuration: defaults, then an optional
// TOML file, then DECKFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/petrijr/deckflow/internal/retry"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all process configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Storage   Storage   `toml:"storage"`
	Queue     Queue     `toml:"queue"`
	Redis     Redis     `toml:"redis"`
	Mongo     Mongo     `toml:"mongo"`
	Worker    Worker    `toml:"worker"`
	Policy    Policy    `toml:"policy"`
	Layout    Layout    `toml:"layout"`
	OpenAI    OpenAI    `toml:"openai"`
	Telemetry Telemetry `toml:"telemetry"`
	Log       Log       `toml:"log"`
}

type Server struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// Storage selects where runs, steps, events and artifacts live.
type Storage struct {
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Queue selects the job queue. The sqlite queue shares the sqlite store's
// database.
type Queue struct {
	Backend string `toml:"backend"`
}

type Redis struct {
	Addr   string `toml:"addr"`
	Prefix string `toml:"prefix"`
	// MeasureCacheTTL enables the shared text measurement cache when
	// positive.
	MeasureCacheTTL time.Duration `toml:"measure_cache_ttl"`
}

// Mongo, when URI is set, moves artifact versions to MongoDB.
type Mongo struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type Worker struct {
	Concurrency int           `toml:"concurrency"`
	Lease       time.Duration `toml:"lease"`
}

// Policy holds the engine-wide defaults copied into each run's snapshot.
type Policy struct {
	MaxFixLoops          int  `toml:"max_fix_loops"`
	RequireApproval      bool `toml:"require_approval"`
	AllowExternalNetwork bool `toml:"allow_external_network"`
}

type Layout struct {
	// PresetPath is a YAML or JSON preset package. Empty means the builtin
	// package.
	PresetPath string `toml:"preset_path"`
}

// OpenAI configures the model-backed agents. Without an API key the
// deterministic agents are used.
type OpenAI struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

type Telemetry struct {
	// Endpoint is an OTLP/HTTP host:port. Empty disables export.
	Endpoint    string `toml:"endpoint"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Storage: Storage{Backend: BackendMemory, SQLitePath: "deckflow.db"},
		Queue:   Queue{Backend: BackendMemory},
		Redis:   Redis{Addr: "localhost:6379", Prefix: "deckflow:"},
		Mongo:   Mongo{Database: "deckflow"},
		Worker:  Worker{Concurrency: 4, Lease: 5 * time.Minute},
		Policy:  Policy{MaxFixLoops: 3},
		OpenAI:  OpenAI{Model: "gpt-4o-mini"},
		Telemetry: Telemetry{
			ServiceName: "deckflow",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path names an optional TOML file; keys
// it does not know are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envStr("DECKFLOW_ADDR", c.Server.Addr)
	c.Server.ReadTimeout = envDuration("DECKFLOW_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.ShutdownTimeout = envDuration("DECKFLOW_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MaxBodyBytes = int64(envInt("DECKFLOW_MAX_BODY_BYTES", int(c.Server.MaxBodyBytes)))

	c.Storage.Backend = envStr("DECKFLOW_STORAGE", c.Storage.Backend)
	c.Storage.SQLitePath = envStr("DECKFLOW_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = envStr("DECKFLOW_POSTGRES_DSN", envStr("DATABASE_URL", c.Storage.PostgresDSN))
	c.Queue.Backend = envStr("DECKFLOW_QUEUE", c.Queue.Backend)

	c.Redis.Addr = envStr("DECKFLOW_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Prefix = envStr("DECKFLOW_REDIS_PREFIX", c.Redis.Prefix)
	c.Redis.MeasureCacheTTL = envDuration("DECKFLOW_MEASURE_CACHE_TTL", c.Redis.MeasureCacheTTL)
	c.Mongo.URI = envStr("DECKFLOW_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envStr("DECKFLOW_MONGO_DATABASE", c.Mongo.Database)

	c.Worker.Concurrency = envInt("DECKFLOW_WORKERS", c.Worker.Concurrency)
	c.Worker.Lease = envDuration("DECKFLOW_WORKER_LEASE", c.Worker.Lease)

	c.Policy.MaxFixLoops = envInt("DECKFLOW_MAX_FIX_LOOPS", c.Policy.MaxFixLoops)
	c.Policy.RequireApproval = envBool("DECKFLOW_REQUIRE_APPROVAL", c.Policy.RequireApproval)
	c.Policy.AllowExternalNetwork = envBool("DECKFLOW_ALLOW_EXTERNAL_NETWORK", c.Policy.AllowExternalNetwork)

	c.Layout.PresetPath = envStr("DECKFLOW_PRESETS", c.Layout.PresetPath)

	c.OpenAI.APIKey = envStr("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = envStr("DECKFLOW_OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = envStr("DECKFLOW_OPENAI_MODEL", c.OpenAI.Model)

	c.Telemetry.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Insecure = envBool("DECKFLOW_OTEL_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)

	c.Log.Level = envStr("DECKFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("DECKFLOW_LOG_FORMAT", c.Log.Format)
}

// Validate checks that the backends are known and their settings present.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("config: storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Backend != BackendSQLite {
			return fmt.Errorf("config: the sqlite queue needs the sqlite storage backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if c.Worker.Lease <= 0 {
		return fmt.Errorf("config: worker.lease must be positive")
	}
	// A job whose lease ends while its step may still run gets redelivered
	// to a second worker.
	if longest := maxStepTimeout(); c.Worker.Lease <= longest {
		return fmt.Errorf("config: worker.lease %s must exceed the longest step timeout %s", c.Worker.Lease, longest)
	}
	if c.Policy.MaxFixLoops < 0 {
		return fmt.Errorf("config: policy.max_fix_loops must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.max_body_bytes must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func maxStepTimeout() time.Duration {
	var longest time.Duration
	for _, p := range retry.Defaults() {
		longest = max(longest, p.Timeout)
	}
	return longest
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

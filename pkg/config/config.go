package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxMemoryMB  = 48
	DefaultTopologyFile = "./configs/topology.yaml"
	DefaultDataDir      = "./data/tinyflow"
)

// Aggregation ticks
const (
	DefaultTickInterval = 1 * time.Minute
	DefaultFlushLag     = 2 * time.Minute
	DefaultTopN         = 10
	DefaultWorkers      = 1
)

// Flow cache TTLs
const (
	LastValueTTL = 5 * time.Minute
	MinuteTTL    = 65 * time.Minute
	HourTTL      = 48 * time.Hour
	DayTTL       = 48 * time.Hour
)

// Partition rotation
const (
	DefaultPartitionGrid  = 24 * time.Hour
	DefaultPartitionPhase = 5 * time.Minute
)

// Ingest limits
const (
	IngestTimeout        = 5 * time.Second
	MaxFlowsPerRequest   = 5000
	DefaultNATSSubject   = "tinyflow.lanes"
	ReadAPITimeout       = 10 * time.Second
	DefaultStatusPageLen = 500
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the top-level configuration for the tinyflow server.
type Config struct {
	Port         string          `yaml:"port"`
	TopologyFile string          `yaml:"topology_file"`
	Log          LogConfig       `yaml:"log"`
	Aggregation  AggregationConf `yaml:"aggregation"`
	Cache        CacheConfig     `yaml:"cache"`
	Store        StoreConfig     `yaml:"store"`
	Partition    PartitionConfig `yaml:"partition"`
	NATS         NATSConfig      `yaml:"nats"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AggregationConf holds the section aggregator and city engine tunables.
type AggregationConf struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// FlushLag is subtracted from each tick before lane data is read, so
	// the ingestion buffer has time to land the minute.
	FlushLag time.Duration `yaml:"flush_lag"`
	Workers  int           `yaml:"workers"`
	TopN     int           `yaml:"top_n"`
	Timezone string        `yaml:"timezone"`
}

// CacheConfig selects the flow cache backend.
type CacheConfig struct {
	Backend     string `yaml:"backend"` // "memory" or "badger"
	Path        string `yaml:"path"`
	MaxMemoryMB int64  `yaml:"max_memory_mb"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Driver     string           `yaml:"driver"` // "memory", "postgres" or "clickhouse"
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// PostgresConfig holds the PostgreSQL connection string.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PartitionConfig controls the time grid used for table rotation.
type PartitionConfig struct {
	Grid  time.Duration `yaml:"grid"`
	Phase time.Duration `yaml:"phase"`
}

// NATSConfig enables the NATS lane-flow subscriber when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns a configuration that runs entirely in memory.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		TopologyFile: DefaultTopologyFile,
		Log:          LogConfig{Level: "info"},
		Aggregation: AggregationConf{
			TickInterval: DefaultTickInterval,
			FlushLag:     DefaultFlushLag,
			Workers:      DefaultWorkers,
			TopN:         DefaultTopN,
			Timezone:     "Local",
		},
		Cache: CacheConfig{
			Backend:     "memory",
			Path:        DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
		},
		Store: StoreConfig{
			Driver: "memory",
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
		},
		Partition: PartitionConfig{
			Grid:  DefaultPartitionGrid,
			Phase: DefaultPartitionPhase,
		},
		NATS: NATSConfig{Subject: DefaultNATSSubject},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// TINYFLOW_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using system environment")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the aggregation pipeline cannot run with.
func (c Config) Validate() error {
	if c.Aggregation.TickInterval <= 0 {
		return fmt.Errorf("aggregation tick_interval must be positive")
	}
	if c.Aggregation.FlushLag < 0 {
		return fmt.Errorf("aggregation flush_lag must not be negative")
	}
	if c.Partition.Grid <= 0 {
		return fmt.Errorf("partition grid must be positive")
	}
	if c.Partition.Phase < 0 || c.Partition.Phase >= c.Partition.Grid {
		return fmt.Errorf("partition phase must be within [0, grid)")
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Store.Driver {
	case "memory", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Location resolves the configured timezone used for day and hour buckets.
func (c Config) Location() *time.Location {
	if c.Aggregation.Timezone == "" || c.Aggregation.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Aggregation.Timezone)
	if err != nil {
		logrus.WithError(err).Warnf("Unknown timezone %q, using local time", c.Aggregation.Timezone)
		return time.Local
	}
	return loc
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.TopologyFile = getEnv("TINYFLOW_TOPOLOGY_FILE", cfg.TopologyFile)
	cfg.Log.Level = getEnv("TINYFLOW_LOG_LEVEL", cfg.Log.Level)
	cfg.Aggregation.FlushLag = getEnvDuration("TINYFLOW_FLUSH_LAG", cfg.Aggregation.FlushLag)
	cfg.Aggregation.Workers = int(getEnvInt64("TINYFLOW_WORKERS", int64(cfg.Aggregation.Workers)))
	cfg.Cache.Backend = getEnv("TINYFLOW_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.MaxMemoryMB = getEnvInt64("TINYFLOW_MAX_MEMORY_MB", cfg.Cache.MaxMemoryMB)
	cfg.Store.Driver = getEnv("TINYFLOW_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Postgres.DSN = getEnv("DATABASE_URL", cfg.Store.Postgres.DSN)
	cfg.NATS.URL = getEnv("TINYFLOW_NATS_URL", cfg.NATS.URL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid value for %s: %q, using default %v", key, val, defaultValue)
	}
	return defaultValue
}

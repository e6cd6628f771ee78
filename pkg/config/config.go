// Package config loads service configuration from a YAML file, an optional
// .env file and environment overrides, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Per-session utterance rate limit.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// NATSConfig configures the message bus. An empty URL disables NATS.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Neo4jConfig holds connection details for Neo4j.
type Neo4jConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Database string `yaml:"database"`
}

// QdrantConfig holds connection details for the Qdrant gRPC API.
type QdrantConfig struct {
	Addr       string `yaml:"addr"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

// StoreConfig selects the dialogue store: memory, sqlite or neo4j.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

// CatalogConfig selects the provider catalog: file or qdrant.
type CatalogConfig struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	// PrefilterKm, when positive, bounds nearby lookups to providers within
	// this distance before strict radius matching. It must be at least the
	// largest service radius in the catalog.
	PrefilterKm float64 `yaml:"prefilter_km"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	Capacity     int           `yaml:"capacity"`
	CatalogTTL   time.Duration `yaml:"catalog_ttl"`
	ProximityTTL time.Duration `yaml:"proximity_ttl"`
}

// TierConfig describes one position acquisition tier.
type TierConfig struct {
	Name              string        `yaml:"name"`
	Mode              string        `yaml:"mode"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxCachedAge      time.Duration `yaml:"max_cached_age"`
	MinAccuracyMeters float64       `yaml:"min_accuracy_m"`
}

// PositionConfig configures position acquisition. Empty Tiers means the
// built-in gps/balanced/network ladder.
type PositionConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
	// DeviceSensor enables the NATS device sensor after the client-reported fix.
	DeviceSensor bool `yaml:"device_sensor"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	NATS       NATSConfig     `yaml:"nats"`
	Neo4j      Neo4jConfig    `yaml:"neo4j"`
	Qdrant     QdrantConfig   `yaml:"qdrant"`
	Store      StoreConfig    `yaml:"store"`
	Catalog    CatalogConfig  `yaml:"catalog"`
	Cache      CacheConfig    `yaml:"cache"`
	Position   PositionConfig `yaml:"position"`
	Vocabulary []string       `yaml:"vocabulary"`
	Log        LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path (a missing file yields defaults), loads any .env files
// given, then applies environment overrides and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) || path == "":
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Port == "" {
		s.Port = "8080"
	}
	if s.CORSOrigin == "" {
		s.CORSOrigin = "*"
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Second
	}
	// Must cover the full tier ladder plus matching.
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 60 * time.Second
	}
	if s.RateLimitRPS == 0 {
		s.RateLimitRPS = 2
	}
	if s.RateLimitBurst == 0 {
		s.RateLimitBurst = 5
	}
	if cfg.Neo4j.URL == "" {
		cfg.Neo4j.URL = "neo4j://localhost:7687"
	}
	if cfg.Neo4j.User == "" {
		cfg.Neo4j.User = "neo4j"
	}
	if cfg.Qdrant.Addr == "" {
		cfg.Qdrant.Addr = "localhost:6334"
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = "providers"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "locus.db"
	}
	if cfg.Catalog.Source == "" {
		cfg.Catalog.Source = "file"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "providers.yaml"
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 1024
	}
	if cfg.Cache.CatalogTTL == 0 {
		cfg.Cache.CatalogTTL = 10 * time.Minute
	}
	if cfg.Cache.ProximityTTL == 0 {
		cfg.Cache.ProximityTTL = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyEnv(cfg *Config) error {
	cfg.Server.Port = envOr("PORT", cfg.Server.Port)
	cfg.Server.CORSOrigin = envOr("CORS_ORIGIN", cfg.Server.CORSOrigin)
	cfg.NATS.URL = envOr("NATS_URL", cfg.NATS.URL)
	cfg.Neo4j.URL = envOr("NEO4J_URL", cfg.Neo4j.URL)
	cfg.Neo4j.User = envOr("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Pass = envOr("NEO4J_PASS", cfg.Neo4j.Pass)
	cfg.Qdrant.Addr = envOr("QDRANT_ADDR", cfg.Qdrant.Addr)
	cfg.Qdrant.APIKey = envOr("QDRANT_API_KEY", cfg.Qdrant.APIKey)
	cfg.Qdrant.Collection = envOr("QDRANT_COLLECTION", cfg.Qdrant.Collection)
	cfg.Store.Driver = envOr("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = envOr("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Catalog.Source = envOr("CATALOG_SOURCE", cfg.Catalog.Source)
	cfg.Catalog.Path = envOr("CATALOG_PATH", cfg.Catalog.Path)
	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)

	if v := os.Getenv("CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CACHE_CAPACITY: %w", err)
		}
		cfg.Cache.Capacity = n
	}
	for key, dst := range map[string]*time.Duration{
		"CACHE_CATALOG_TTL":   &cfg.Cache.CatalogTTL,
		"CACHE_PROXIMITY_TTL": &cfg.Cache.ProximityTTL,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks enumerations and the cache TTL ordering.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "neo4j":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Catalog.Source {
	case "file", "qdrant":
	default:
		return fmt.Errorf("config: unknown catalog source %q", c.Catalog.Source)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.ProximityTTL > c.Cache.CatalogTTL {
		return fmt.Errorf("config: proximity ttl %s exceeds catalog ttl %s", c.Cache.ProximityTTL, c.Cache.CatalogTTL)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	for i, t := range c.Position.Tiers {
		if t.Name == "" || t.Timeout <= 0 || t.MinAccuracyMeters <= 0 {
			return fmt.Errorf("config: position tier %d needs name, timeout and min_accuracy_m", i)
		}
		switch t.Mode {
		case "high", "balanced", "coarse":
		default:
			return fmt.Errorf("config: position tier %q has unknown mode %q", t.Name, t.Mode)
		}
	}
	return nil
}

// NewLogger builds a slog logger writing to w in the configured format.
// Unparseable levels fall back to info.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

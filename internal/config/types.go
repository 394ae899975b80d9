package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs of the nearcache process.
type ServerConfig struct {
	Listen     ListenConfig     `koanf:"listen"`
	Logging    LoggingConfig    `koanf:"logging"`
	Cache      CacheConfig      `koanf:"cache"`
	DataSource DataSourceConfig `koanf:"datasource"`
	Events     EventsConfig     `koanf:"events"`
	Preload    PreloadConfig    `koanf:"preload"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig sizes the proximity result cache.
type CacheConfig struct {
	TTL           string  `koanf:"ttl"`
	MaxEntries    int     `koanf:"maxEntries"`
	Precision     int     `koanf:"precision"`
	EvictFraction float64 `koanf:"evictFraction"`
	Coalesce      bool    `koanf:"coalesce"`
}

// TTLDuration parses TTL.
func (c CacheConfig) TTLDuration() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.TTL))
	if err != nil {
		return 0, fmt.Errorf("config: server.cache.ttl invalid: %w", err)
	}
	return d, nil
}

type DataSourceConfig struct {
	Backend string        `koanf:"backend"`
	SQLite  SQLiteConfig  `koanf:"sqlite"`
	Catalog CatalogConfig `koanf:"catalog"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// CatalogConfig points at a YAML seed file. Derived maps attribute names to
// CEL expressions computed from each stored record. Filters maps extra filter keys
// to CEL predicates over `record` and `value`.
type CatalogConfig struct {
	File    string            `koanf:"file"`
	Filters map[string]string `koanf:"filters"`
	Derived map[string]string `koanf:"derived"`
}

type EventsConfig struct {
	Backend string            `koanf:"backend"`
	Redis   RedisEventsConfig `koanf:"redis"`
}

type RedisEventsConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	Channel  string         `koanf:"channel"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PreloadConfig names a file of queries to warm the cache with at startup.
type PreloadConfig struct {
	File  string `koanf:"file"`
	Watch bool   `koanf:"watch"`
}

// Data source and event backends.
const (
	BackendSQLite  = "sqlite"
	BackendCatalog = "catalog"
	BackendNone    = "none"
	BackendRedis   = "redis"
)

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	cache := c.Server.Cache
	ttl, err := cache.TTLDuration()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("config: server.cache.ttl must be positive: %s", cache.TTL)
	}
	if cache.MaxEntries <= 0 {
		return fmt.Errorf("config: server.cache.maxEntries invalid: %d", cache.MaxEntries)
	}
	if cache.Precision < 1 || cache.Precision > 10 {
		return fmt.Errorf("config: server.cache.precision invalid: %d", cache.Precision)
	}
	if !(cache.EvictFraction > 0 && cache.EvictFraction <= 1) {
		return fmt.Errorf("config: server.cache.evictFraction invalid: %v", cache.EvictFraction)
	}

	switch normalize(c.Server.DataSource.Backend) {
	case BackendSQLite:
		if strings.TrimSpace(c.Server.DataSource.SQLite.Path) == "" {
			return errors.New("config: server.datasource.sqlite.path required for sqlite backend")
		}
	case BackendCatalog:
		if strings.TrimSpace(c.Server.DataSource.Catalog.File) == "" {
			return errors.New("config: server.datasource.catalog.file required for catalog backend")
		}
	default:
		return fmt.Errorf("config: server.datasource.backend unsupported: %s", c.Server.DataSource.Backend)
	}

	switch normalize(c.Server.Events.Backend) {
	case "", BackendNone:
	case BackendRedis:
		if strings.TrimSpace(c.Server.Events.Redis.Address) == "" {
			return errors.New("config: server.events.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.events.backend unsupported: %s", c.Server.Events.Backend)
	}

	if c.Server.Preload.Watch && strings.TrimSpace(c.Server.Preload.File) == "" {
		return errors.New("config: server.preload.watch requires server.preload.file")
	}
	return nil
}

// DataSourceBackend returns the normalized data source backend name.
func (c Config) DataSourceBackend() string { return normalize(c.Server.DataSource.Backend) }

// EventsBackend returns the normalized events backend name, "none" when unset.
func (c Config) EventsBackend() string {
	if b := normalize(c.Server.Events.Backend); b != "" {
		return b
	}
	return BackendNone
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: CacheConfig{
				TTL:           "10m",
				MaxEntries:    1000,
				Precision:     4,
				EvictFraction: 0.2,
			},
			DataSource: DataSourceConfig{
				Backend: BackendSQLite,
				SQLite:  SQLiteConfig{Path: "./data/nearcache.db"},
			},
			Events: EventsConfig{
				Backend: BackendNone,
				Redis:   RedisEventsConfig{Channel: "nearcache:entity-changed"},
			},
		},
	}
}

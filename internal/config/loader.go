package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and YAML files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then files in order, then env.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"server.cache.maxentries":          "server.cache.maxEntries",
			"server.cache.evictfraction":       "server.cache.evictFraction",
			"server.events.redis.tls.cafile":   "server.events.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (NEARCACHE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so MAX_ENTRIES collapses into maxentries.
			key = strings.ReplaceAll(key, "_", "")
			lower = strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"ttl":           cfg.Server.Cache.TTL,
				"maxEntries":    cfg.Server.Cache.MaxEntries,
				"precision":     cfg.Server.Cache.Precision,
				"evictFraction": cfg.Server.Cache.EvictFraction,
				"coalesce":      cfg.Server.Cache.Coalesce,
			},
			"datasource": map[string]any{
				"backend": cfg.Server.DataSource.Backend,
				"sqlite": map[string]any{
					"path": cfg.Server.DataSource.SQLite.Path,
				},
				"catalog": map[string]any{
					"file": cfg.Server.DataSource.Catalog.File,
				},
			},
			"events": map[string]any{
				"backend": cfg.Server.Events.Backend,
				"redis": map[string]any{
					"address":  cfg.Server.Events.Redis.Address,
					"username": cfg.Server.Events.Redis.Username,
					"password": cfg.Server.Events.Redis.Password,
					"db":       cfg.Server.Events.Redis.DB,
					"channel":  cfg.Server.Events.Redis.Channel,
					"tls": map[string]any{
						"enabled": cfg.Server.Events.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Events.Redis.TLS.CAFile,
					},
				},
			},
			"preload": map[string]any{
				"file":  cfg.Server.Preload.File,
				"watch": cfg.Server.Preload.Watch,
			},
		},
	}
}

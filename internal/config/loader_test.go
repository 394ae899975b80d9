package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "10m", cfg.Server.Cache.TTL)
				require.Equal(t, "nearcache:entity-changed", cfg.Server.Events.Redis.Channel)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\n  cache:\n    ttl: 30s\n    maxEntries: 50\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "30s", cfg.Server.Cache.TTL)
				require.Equal(t, 50, cfg.Server.Cache.MaxEntries)
				require.Equal(t, 4, cfg.Server.Cache.Precision)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("NEARCACHE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("NEARCACHE_SERVER__CACHE__MAXENTRIES", "77")
				t.Setenv("NEARCACHE_SERVER__CACHE__EVICT_FRACTION", "0.5")
				t.Setenv("NEARCACHE_SERVER__CACHE__COALESCE", "true")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, 77, cfg.Server.Cache.MaxEntries)
				require.InDelta(t, 0.5, cfg.Server.Cache.EvictFraction, 1e-9)
				require.True(t, cfg.Server.Cache.Coalesce)
			},
		},
		{
			name: "reads catalog block with predicates",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				contents := "server:\n  datasource:\n    backend: catalog\n    catalog:\n      file: /tmp/seed.yaml\n      filters:\n        maxRating: record.rating <= value\n      derived:\n        doubled: record.rating * 2.0\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, BackendCatalog, cfg.DataSourceBackend())
				require.Equal(t, "/tmp/seed.yaml", cfg.Server.DataSource.Catalog.File)
				require.Equal(t, "record.rating <= value", cfg.Server.DataSource.Catalog.Filters["maxRating"])
				require.Equal(t, "record.rating * 2.0", cfg.Server.DataSource.Catalog.Derived["doubled"])
			},
		},
		{
			name: "env configures redis events",
			setup: func(t *testing.T) []string {
				t.Setenv("NEARCACHE_SERVER__EVENTS__BACKEND", "redis")
				t.Setenv("NEARCACHE_SERVER__EVENTS__REDIS__ADDRESS", "cache:6379")
				t.Setenv("NEARCACHE_SERVER__EVENTS__REDIS__TLS__CAFILE", "/etc/ca.pem")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, BackendRedis, cfg.EventsBackend())
				require.Equal(t, "cache:6379", cfg.Server.Events.Redis.Address)
				require.Equal(t, "/etc/ca.pem", cfg.Server.Events.Redis.TLS.CAFile)
			},
		},
		{
			name: "missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "invalid values fail validation",
			setup: func(t *testing.T) []string {
				t.Setenv("NEARCACHE_SERVER__CACHE__TTL", "-1m")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("NEARCACHE", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("NEARCACHE", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

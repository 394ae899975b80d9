// Package events consumes entity mutation notifications from Redis pub/sub.
// Whatever writes to the store of record publishes the changed entity id; this
// process only listens.
package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/nearcache/internal/proximity"
	valkey "github.com/valkey-io/valkey-go"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "nearcache:entity-changed"

// SourceName tags invalidations triggered by this package.
const SourceName = "redis"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Channel  string
	TLS      RedisTLSConfig
}

// Subscriber listens for entity ids on a Redis channel and hands each one to
// an Invalidator.
type Subscriber struct {
	client      valkey.Client
	channel     string
	invalidator proximity.Invalidator
	logger      *slog.Logger
	closeOnce   sync.Once
}

// NewSubscriber connects to Redis and verifies the connection with PING.
func NewSubscriber(cfg RedisConfig, invalidator proximity.Invalidator, logger *slog.Logger) (*Subscriber, error) {
	if cfg.Address == "" {
		return nil, errors.New("events: redis address required")
	}
	if invalidator == nil {
		return nil, errors.New("events: invalidator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("events: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}

	return &Subscriber{
		client:      client,
		channel:     channel,
		invalidator: invalidator,
		logger:      logger.With(slog.String("agent", "events"), slog.String("channel", channel)),
	}, nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("events: read redis ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("events: redis ca file contains no certificates")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Channel returns the subscribed channel name.
func (s *Subscriber) Channel() string { return s.channel }

// Run subscribes and blocks until ctx is canceled or the connection fails.
// Cancellation is not reported as an error.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "event subscriber started")
	tagged := proximity.WithEventSource(ctx, SourceName)
	err := s.client.Receive(ctx, s.client.B().Subscribe().Channel(s.channel).Build(), func(msg valkey.PubSubMessage) {
		s.handle(tagged, msg.Message)
	})
	if err != nil && ctx.Err() != nil {
		s.logger.InfoContext(ctx, "event subscriber stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", s.channel, err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	id := strings.TrimSpace(payload)
	if id == "" {
		s.logger.WarnContext(ctx, "ignoring empty entity event")
		return
	}
	removed := s.invalidator.Invalidate(ctx, id)
	s.logger.DebugContext(ctx, "entity event applied",
		slog.String("entity_id", id),
		slog.Int("removed", removed),
	)
}

// Close releases the Redis client.
func (s *Subscriber) Close() {
	s.closeOnce.Do(s.client.Close)
}

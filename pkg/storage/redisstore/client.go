// Package redisstore keeps each session's operation log in a Redis stream so
// a session can be rebuilt after its last participant leaves or the server
// restarts.
package redisstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// Config represents the Redis connection and stream settings
type Config struct {
	Addresses    []string      `mapstructure:"addresses"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`

	TLSEnabled bool        `mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `mapstructure:"-"`

	ClusterEnabled bool `mapstructure:"cluster_enabled"`

	// StreamPrefix namespaces the per-session stream keys
	StreamPrefix string `mapstructure:"stream_prefix"`
	// MaxLen is how many entries Compact keeps once a session is archived;
	// 0 keeps the full history
	MaxLen int64 `mapstructure:"max_len"`
}

// DefaultConfig returns a single-node configuration on localhost
func DefaultConfig() Config {
	return Config{
		Addresses:    []string{"localhost:6379"},
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		StreamPrefix: "timeline:ops:",
	}
}

// NewClient connects and pings Redis
func NewClient(ctx context.Context, cfg Config, logger observability.Logger) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no Redis addresses configured")
	}
	tlsConfig := cfg.TLSConfig
	if cfg.TLSEnabled && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var client redis.UniversalClient
	if cfg.ClusterEnabled {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Username:     cfg.Username,
			Password:     cfg.Password,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			TLSConfig:    tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			TLSConfig:    tlsConfig,
		})
	}

	timeout := cfg.DialTimeout + cfg.ReadTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	mode := "single"
	if cfg.ClusterEnabled {
		mode = "cluster"
	}
	logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      mode,
		"addresses": cfg.Addresses,
	})
	return client, nil
}

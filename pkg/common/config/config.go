package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ServerConfig defines the HTTP listener configuration
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig holds WebSocket server configuration
type WebSocketConfig struct {
	MaxConnections  int                      `mapstructure:"max_connections" validate:"gte=1"`
	PingInterval    time.Duration            `mapstructure:"ping_interval" validate:"gt=0"`
	PongTimeout     time.Duration            `mapstructure:"pong_timeout" validate:"gt=0"`
	MaxMessageSize  int64                    `mapstructure:"max_message_size" validate:"gte=1024"`
	SendQueueSize   int                      `mapstructure:"send_queue_size" validate:"gte=1"`
	SendRetryBudget time.Duration            `mapstructure:"send_retry_budget" validate:"gt=0"`
	AllowedOrigins  []string                 `mapstructure:"allowed_origins"`
	RateLimit       WebSocketRateLimitConfig `mapstructure:"rate_limit"`
}

// WebSocketRateLimitConfig holds per-connection inbound limits
type WebSocketRateLimitConfig struct {
	OperationsPerSecond float64 `mapstructure:"operations_per_second" validate:"gt=0"`
	OperationsBurst     int     `mapstructure:"operations_burst" validate:"gte=1"`
	PresencePerSecond   float64 `mapstructure:"presence_per_second" validate:"gt=0"`
	PresenceBurst       int     `mapstructure:"presence_burst" validate:"gte=1"`
}

// SyncConfig tunes the replica and conflict resolution
type SyncConfig struct {
	MaxPending       int      `mapstructure:"max_pending" validate:"gte=1"`
	EntityRingSize   int      `mapstructure:"entity_ring_size" validate:"gte=1"`
	CausalCacheSize  int      `mapstructure:"causal_cache_size" validate:"gte=16"`
	ConflictStrategy string   `mapstructure:"conflict_strategy" validate:"oneof=last_write_wins user_priority manual"`
	PriorityRanking  []string `mapstructure:"priority_ranking" validate:"dive,uuid"`
	CommandQueueSize int      `mapstructure:"command_queue_size" validate:"gte=1"`
}

// PresenceConfig holds presence expiry settings
type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Retain        time.Duration `mapstructure:"retain" validate:"gtefield=TTL"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// AuthConfig holds websocket handshake authentication
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required_if=Enabled true"`
	Issuer    string `mapstructure:"issuer"`
}

// RedisConfig holds the operation stream store configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	StreamPrefix string        `mapstructure:"stream_prefix"`
	MaxLen       int64         `mapstructure:"max_len" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ArchiveConfig holds the S3 archive configuration
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
	// ZstdLevel is one of the klauspost encoder levels 1-4
	ZstdLevel int `mapstructure:"zstd_level" validate:"gte=1,lte=4"`
}

// Config holds the complete application configuration
type Config struct {
	Environment string                      `mapstructure:"environment"`
	Server      ServerConfig                `mapstructure:"server"`
	WebSocket   WebSocketConfig             `mapstructure:"websocket"`
	Sync        SyncConfig                  `mapstructure:"sync"`
	Presence    PresenceConfig              `mapstructure:"presence"`
	Auth        AuthConfig                  `mapstructure:"auth"`
	Redis       RedisConfig                 `mapstructure:"redis"`
	Database    DatabaseConfig              `mapstructure:"database"`
	Archive     ArchiveConfig               `mapstructure:"archive"`
	Logging     observability.LoggingConfig `mapstructure:"logging"`
	Metrics     observability.MetricsConfig `mapstructure:"metrics"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("TLSYNC_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	// Read from environment variables prefixed with TLSYNC_
	v.SetEnvPrefix("TLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common container variables that don't follow the prefix
	_ = v.BindEnv("redis.address", "TLSYNC_REDIS_ADDRESS", "REDIS_ADDR")
	_ = v.BindEnv("database.dsn", "TLSYNC_DATABASE_DSN", "DATABASE_URL")

	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional when the environment carries everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks field ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.WebSocket.PongTimeout > c.WebSocket.PingInterval*3 {
		return fmt.Errorf("invalid configuration: websocket.pong_timeout %s exceeds three ping intervals", c.WebSocket.PongTimeout)
	}
	return nil
}

// processEnvExpansion processes environment variable expansions in config values
// Supports ${VAR} and ${VAR:-default} syntax
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}

		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			if expanded := expandEnvVars(value); expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands ${VAR} and ${VAR:-default} references in a string
func expandEnvVars(value string) string {
	result := value

	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}

		rel := strings.Index(result[start:], "}")
		if rel == -1 {
			break
		}
		end := start + rel

		varRef := result[start+2 : end]

		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}

		result = result[:start] + envVal + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// Server defaults
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	// WebSocket defaults
	v.SetDefault("websocket.max_connections", 1000)
	v.SetDefault("websocket.ping_interval", 10*time.Second)
	v.SetDefault("websocket.pong_timeout", 10*time.Second)
	v.SetDefault("websocket.max_message_size", 1048576) // 1MB
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.send_retry_budget", 5*time.Second)
	v.SetDefault("websocket.rate_limit.operations_per_second", 200.0)
	v.SetDefault("websocket.rate_limit.operations_burst", 400)
	v.SetDefault("websocket.rate_limit.presence_per_second", 30.0)
	v.SetDefault("websocket.rate_limit.presence_burst", 30)

	// Sync defaults
	v.SetDefault("sync.max_pending", 1024)
	v.SetDefault("sync.entity_ring_size", 64)
	v.SetDefault("sync.causal_cache_size", 4096)
	v.SetDefault("sync.conflict_strategy", "last_write_wins")
	v.SetDefault("sync.command_queue_size", 1024)

	// Presence defaults
	v.SetDefault("presence.ttl", 30*time.Second)
	v.SetDefault("presence.retain", 5*time.Minute)
	v.SetDefault("presence.sweep_interval", 5*time.Second)

	// Auth defaults - No default values for secrets
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "timeline-sync")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.stream_prefix", "timeline:ops:")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	// Archive defaults
	awsRegion := os.Getenv("AWS_REGION")
	if awsRegion == "" {
		awsRegion = "us-west-2"
	}
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.region", awsRegion)
	v.SetDefault("archive.prefix", "sessions")
	v.SetDefault("archive.zstd_level", 2)

	// Observability defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "timeline_sync")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "timeline-sync")
	v.SetDefault("tracing.endpoint", "localhost:4317")
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev" || c.Environment == "development"
}

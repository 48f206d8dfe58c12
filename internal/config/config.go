package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "FISHMARKET"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "fishmarket.db"
	defaultLogLevel          = "info"
	defaultPartitionKey      = "fishmarket"
	defaultIssuer            = "fishmarket-auth"
	defaultAudience          = "fishmarket-api"
	defaultTokenTTLMinutes   = 30
	defaultCookieName        = "fishmarket_session"
	defaultRedisChannel      = "fishmarket"
	defaultHeartbeatSeconds  = 25
	defaultSettleTimeoutSecs = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	PartitionKey       string
	SigningSecret      string
	Issuer             string
	Audience           string
	TokenTTL           time.Duration
	CookieName         string
	RedisAddress       string
	RedisChannelPrefix string
	AllowedOrigins     []string
	HeartbeatInterval  time.Duration
	SettleTimeout      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("partition.key", defaultPartitionKey)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("feed.redis_address", "")
	configViper.SetDefault("feed.redis_channel_prefix", defaultRedisChannel)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("stream.settle_timeout_seconds", defaultSettleTimeoutSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		PartitionKey:       strings.TrimSpace(configViper.GetString("partition.key")),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:           strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CookieName:         strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		RedisAddress:       strings.TrimSpace(configViper.GetString("feed.redis_address")),
		RedisChannelPrefix: strings.TrimSpace(configViper.GetString("feed.redis_channel_prefix")),
		AllowedOrigins:     splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		HeartbeatInterval:  time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
		SettleTimeout:      time.Duration(configViper.GetInt("stream.settle_timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesRedisFeed reports whether change events should fan out through Redis.
func (c AppConfig) UsesRedisFeed() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PartitionKey == "" {
		return fmt.Errorf("partition.key is required")
	}
	if strings.Contains(c.PartitionKey, "/") {
		return fmt.Errorf("partition.key must not contain '/'")
	}
	if c.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.CookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be positive")
	}
	if c.SettleTimeout <= 0 {
		return fmt.Errorf("stream.settle_timeout_seconds must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

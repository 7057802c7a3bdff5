package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PARLEY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "parley.db"
	defaultClientDatabasePath = "parley-client.db"
	defaultServerURL          = "http://127.0.0.1:8080"
	defaultLogLevel           = "info"
	defaultIssuer             = "parley-auth"
	defaultAudience           = "parley-api"
	defaultTokenTTL           = 12 * time.Hour
	defaultRedisChannel       = "parley:notifications"
	defaultRequestTimeout     = 15 * time.Second
	defaultPassTimeout        = 60 * time.Second
	defaultSignalingTimeout   = 10 * time.Second
	defaultCooldown           = 5 * time.Second
	defaultPeriodicInterval   = 5 * time.Minute
	defaultOutboxBaseDelay    = time.Second
	defaultOutboxMaxDelay     = 5 * time.Minute
)

// AuthConfig configures identity tokens.
type AuthConfig struct {
	SigningSecret   string
	Issuer          string
	Audience        string
	TokenTTL        time.Duration
	BootstrapSecret string
}

// ServerConfig captures runtime configuration for the record store server.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string
	Auth           AuthConfig
	RedisAddress   string
	RedisChannel   string
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	ServerURL        string
	Token            string
	DatabasePath     string
	LogLevel         string
	RequestTimeout   time.Duration
	PassTimeout      time.Duration
	SignalingTimeout time.Duration
	Cooldown         time.Duration
	PeriodicInterval time.Duration
	OutboxBaseDelay  time.Duration
	OutboxMaxDelay   time.Duration
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

	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)

	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("remote.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.pass_timeout", defaultPassTimeout)
	configViper.SetDefault("sync.cooldown", defaultCooldown)
	configViper.SetDefault("sync.periodic_interval", defaultPeriodicInterval)
	configViper.SetDefault("signaling.timeout", defaultSignalingTimeout)
	configViper.SetDefault("outbox.base_delay", defaultOutboxBaseDelay)
	configViper.SetDefault("outbox.max_delay", defaultOutboxMaxDelay)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Auth:           loadAuth(configViper),
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:   configViper.GetString("redis.channel"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadAuth parses only the token settings, for commands that mint tokens offline.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := loadAuth(configViper)
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("client.server_url")), "/"),
		Token:            strings.TrimSpace(configViper.GetString("client.token")),
		DatabasePath:     configViper.GetString("client.database_path"),
		LogLevel:         configViper.GetString("log.level"),
		RequestTimeout:   configViper.GetDuration("remote.request_timeout"),
		PassTimeout:      configViper.GetDuration("sync.pass_timeout"),
		SignalingTimeout: configViper.GetDuration("signaling.timeout"),
		Cooldown:         configViper.GetDuration("sync.cooldown"),
		PeriodicInterval: configViper.GetDuration("sync.periodic_interval"),
		OutboxBaseDelay:  configViper.GetDuration("outbox.base_delay"),
		OutboxMaxDelay:   configViper.GetDuration("outbox.max_delay"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadAuth(configViper *viper.Viper) AuthConfig {
	return AuthConfig{
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		Issuer:          configViper.GetString("auth.issuer"),
		Audience:        configViper.GetString("auth.audience"),
		TokenTTL:        configViper.GetDuration("auth.token_ttl"),
		BootstrapSecret: configViper.GetString("auth.bootstrap_secret"),
	}
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return c.Auth.validate()
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("client.server_url must be an absolute URL")
	}
	if c.Token == "" {
		return fmt.Errorf("client.token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	for key, value := range map[string]time.Duration{
		"remote.request_timeout": c.RequestTimeout,
		"sync.pass_timeout":      c.PassTimeout,
		"signaling.timeout":      c.SignalingTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full engine configuration.
type Config struct {
	// Programs maps a DEX identifier to the program ids monitored for it,
	// e.g. "raydium_v4" -> ["675kPX9..."].
	Programs map[string][]string `mapstructure:"programs"`

	WebSocketURL          string   `mapstructure:"websocket_url"`
	FallbackWebSocketURLs []string `mapstructure:"fallback_websocket_urls"`
	RPCURL                string   `mapstructure:"rpc_url"`
	FallbackRPCURLs       []string `mapstructure:"fallback_rpc_urls"`

	ConnectTimeoutSec      int `mapstructure:"connect_timeout_sec"`
	HealthCheckIntervalSec int `mapstructure:"health_check_interval_sec"`
	MaxReconnectAttempts   int `mapstructure:"max_reconnect_attempts"`

	BreakerMaxFailures   int `mapstructure:"breaker_max_failures"`
	BreakerCooldownSec   int `mapstructure:"breaker_cooldown_sec"`
	AggregateIntervalSec int `mapstructure:"aggregate_interval_sec"`
	PricePollSec         int `mapstructure:"price_poll_sec"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
}

const (
	DefaultConnectTimeout      = 30
	DefaultHealthCheckInterval = 30
	DefaultMaxReconnects       = 5
	DefaultBreakerMaxFailures  = 3
	DefaultBreakerCooldown     = 120
	DefaultAggregateInterval   = 60
	DefaultPricePoll           = 30
)

// Load reads and validates the configuration from path, with DEXFEED_
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"connect_timeout_sec":       DefaultConnectTimeout,
		"health_check_interval_sec": DefaultHealthCheckInterval,
		"max_reconnect_attempts":    DefaultMaxReconnects,
		"breaker_max_failures":      DefaultBreakerMaxFailures,
		"breaker_cooldown_sec":      DefaultBreakerCooldown,
		"aggregate_interval_sec":    DefaultAggregateInterval,
		"price_poll_sec":            DefaultPricePoll,
		"log_file":                  "dexfeed.log",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, Validate(&cfg)
}

// Validate checks the configuration for fatal errors. Per the engine
// contract, a bad config fails initialization rather than crashing later.
func Validate(cfg *Config) error {
	if len(cfg.Programs) == 0 {
		return errors.New("no monitored programs configured")
	}
	for dexID, programs := range cfg.Programs {
		if dexID == "" {
			return errors.New("empty DEX identifier in programs map")
		}
		if len(programs) == 0 {
			return fmt.Errorf("no program ids configured for DEX %s", dexID)
		}
	}
	if cfg.WebSocketURL == "" {
		return errors.New("websocket_url is required")
	}
	if err := validateURLWithCache(cfg.WebSocketURL, "ws"); err != nil {
		return errors.New("invalid WebSocket URL protocol")
	}
	for _, fallback := range cfg.FallbackWebSocketURLs {
		if err := validateURLWithCache(fallback, "ws"); err != nil {
			return errors.New("invalid fallback WebSocket URL protocol")
		}
	}
	if cfg.RPCURL != "" {
		if err := validateURLWithCache(cfg.RPCURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	for _, fallback := range cfg.FallbackRPCURLs {
		if err := validateURLWithCache(fallback, "http"); err != nil {
			return errors.New("invalid fallback RPC URL protocol")
		}
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.ConnectTimeoutSec <= 0 {
		return errors.New("invalid connect_timeout_sec")
	}
	if cfg.HealthCheckIntervalSec <= 0 {
		return errors.New("invalid health_check_interval_sec")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return errors.New("invalid max_reconnect_attempts")
	}
	if cfg.BreakerMaxFailures <= 0 {
		return errors.New("invalid breaker_max_failures")
	}
	if cfg.BreakerCooldownSec <= 0 {
		return errors.New("invalid breaker_cooldown_sec")
	}
	if cfg.AggregateIntervalSec <= 0 {
		return errors.New("invalid aggregate_interval_sec")
	}
	if cfg.PricePollSec <= 0 {
		return errors.New("invalid price_poll_sec")
	}
	return nil
}

// ConnectTimeout returns the dial timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// HealthCheckInterval returns the health check period as a duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// BreakerCooldown returns the circuit breaker open window as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSec) * time.Second
}

// AggregateInterval returns the comparison report period as a duration.
func (c *Config) AggregateInterval() time.Duration {
	return time.Duration(c.AggregateIntervalSec) * time.Second
}

// PricePollInterval returns the REST price feed period as a duration.
func (c *Config) PricePollInterval() time.Duration {
	return time.Duration(c.PricePollSec) * time.Second
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("DEXFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envWS := v.GetString("WEBSOCKET_URL")
	if envWS != "" {
		cfg.WebSocketURL = envWS
	}

	envFallbacks := v.GetString("FALLBACK_WEBSOCKET_URLS")
	if envFallbacks != "" {
		urls := strings.Split(envFallbacks, ",")
		var clean []string
		for _, u := range urls {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		if len(clean) > 0 {
			cfg.FallbackWebSocketURLs = clean
		}
	}

	envRPC := v.GetString("RPC_URL")
	if envRPC != "" {
		cfg.RPCURL = envRPC
	}
	return nil
}

// MaskURL hides api-key query parameters for logging.
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	if query.Has("api-key") {
		query.Set("api-key", "***")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

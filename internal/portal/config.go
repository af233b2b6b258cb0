package portal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/wardgate/internal/realtime"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Config struct {
	APIURL      string `mapstructure:"WARDGATE_API_URL"`      // Required: base URL of the portal REST backend
	RealtimeURL string `mapstructure:"WARDGATE_REALTIME_URL"` // Optional: ws(s) URL of the push service; empty disables realtime

	TabID      string        `mapstructure:"WARDGATE_TAB_ID"`      // Optional: scopes stored tokens (default: random per process)
	Store      string        `mapstructure:"WARDGATE_STORE"`       // memory, sqlite or redis (default: memory)
	SQLitePath string        `mapstructure:"WARDGATE_SQLITE_PATH"` // default: ./wardgate.db
	RedisURL   string        `mapstructure:"WARDGATE_REDIS_URL"`   // Required for the redis store
	StoreKey   string        `mapstructure:"WARDGATE_STORE_KEY"`   // Key material sealing tokens at rest
	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`          // default: 12h

	VerifyTimeout  time.Duration `mapstructure:"VERIFY_TIMEOUT"`  // default: 10s
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"` // default: 10s

	RealtimeMaxRetries uint64        `mapstructure:"REALTIME_MAX_RETRIES"` // default: 5; 0 disables reconnecting
	RealtimeRetryDelay time.Duration `mapstructure:"REALTIME_RETRY_DELAY"` // default: 1s

	APIRateLimitRPS      float64 `mapstructure:"API_RATE_LIMIT_RPS"`       // 0 disables client-side throttling
	APIRateLimitBurst    int     `mapstructure:"API_RATE_LIMIT_BURST"`     // default: 20
	LoginRateLimitPerMin int     `mapstructure:"LOGIN_RATE_LIMIT_PER_MIN"` // default: 5

	Port                int           `mapstructure:"PORT"`                  // default: 8080
	ShutdownGracePeriod time.Duration `mapstructure:"SHUTDOWN_GRACE_PERIOD"` // default: 10s
	PurgeInterval       time.Duration `mapstructure:"PURGE_INTERVAL"`        // default: 1h

	Env       string `mapstructure:"ENV"`        // dev, staging, prod (default: dev)
	LogLevel  string `mapstructure:"LOG_LEVEL"`  // default: info
	LogFormat string `mapstructure:"LOG_FORMAT"` // json or text (default: json)
}

var configKeys = []string{
	"WARDGATE_API_URL", "WARDGATE_REALTIME_URL", "WARDGATE_TAB_ID", "WARDGATE_STORE",
	"WARDGATE_SQLITE_PATH", "WARDGATE_REDIS_URL", "WARDGATE_STORE_KEY", "SESSION_TTL",
	"VERIFY_TIMEOUT", "REQUEST_TIMEOUT", "REALTIME_MAX_RETRIES", "REALTIME_RETRY_DELAY",
	"API_RATE_LIMIT_RPS", "API_RATE_LIMIT_BURST", "LOGIN_RATE_LIMIT_PER_MIN",
	"PORT", "SHUTDOWN_GRACE_PERIOD", "PURGE_INTERVAL", "ENV", "LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads the environment, optionally layered over envFile (a
// dotenv file; a missing file is not an error), and validates the result.
func LoadConfig(envFile string) (Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("WARDGATE_STORE", StoreMemory)
	v.SetDefault("WARDGATE_SQLITE_PATH", "wardgate.db")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("VERIFY_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("REALTIME_MAX_RETRIES", realtime.DefaultMaxRetries)
	v.SetDefault("REALTIME_RETRY_DELAY", "1s")
	v.SetDefault("API_RATE_LIMIT_RPS", 0)
	v.SetDefault("API_RATE_LIMIT_BURST", 20)
	v.SetDefault("LOGIN_RATE_LIMIT_PER_MIN", 5)
	v.SetDefault("PORT", 8080)
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", "10s")
	v.SetDefault("PURGE_INTERVAL", "1h")
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// Bind explicitly so Unmarshal sees keys that only exist in the environment.
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	if envFile != "" {
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("WARDGATE_API_URL is required")
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("WARDGATE_API_URL must be an http(s) URL, got %q", c.APIURL)
	}

	if c.RealtimeURL != "" {
		if u, err := url.Parse(c.RealtimeURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("WARDGATE_REALTIME_URL must be a ws(s) URL, got %q", c.RealtimeURL)
		}
	}

	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("WARDGATE_SQLITE_PATH is required for the sqlite store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("WARDGATE_REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("WARDGATE_STORE must be one of memory, sqlite, redis, got %q", c.Store)
	}

	// A random sealing key cannot open records written by a previous process.
	if c.Store != StoreMemory && c.StoreKey == "" && !c.IsDev() {
		return fmt.Errorf("WARDGATE_STORE_KEY is required for the %s store outside dev", c.Store)
	}

	if c.SessionTTL <= 0 || c.VerifyTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("SESSION_TTL, VERIFY_TIMEOUT and REQUEST_TIMEOUT must be positive")
	}
	if c.APIRateLimitRPS < 0 {
		return errors.New("API_RATE_LIMIT_RPS must not be negative")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	return nil
}

func (c Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "development"
}

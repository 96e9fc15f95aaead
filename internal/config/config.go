package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the relaycopy server.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Session   SessionConfig
	Copy      CopyConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type LogConfig struct {
	Level string
	File  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// GatewayConfig points at the protocol gateway that speaks to the messaging network.
type GatewayConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SessionConfig struct {
	MonitorInterval time.Duration
	Expiry          time.Duration
	GracePeriod     time.Duration
	TouchInterval   time.Duration
	Dir             string
	AgeIdentity     string
}

type CopyConfig struct {
	MaxRetries      int
	RealTimeRetries int
	RetryStep       time.Duration
	ProgressEvery   int
	JitterMin       time.Duration
	JitterMax       time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RELAYCOPY_PORT", 8080),
			Env:  envString("RELAYCOPY_ENV", "development"),
		},
		Log: LogConfig{
			Level: strings.ToLower(envString("LOG_LEVEL", "info")),
			File:  os.Getenv("LOG_FILE"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Gateway: GatewayConfig{
			BaseURL: strings.TrimRight(os.Getenv("GATEWAY_BASE_URL"), "/"),
			Timeout: envDuration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		Session: SessionConfig{
			MonitorInterval: envDurationSecs("SESSION_MONITOR_INTERVAL_SECS", 60*time.Second),
			Expiry:          envDuration("SESSION_EXPIRY", 7*24*time.Hour),
			GracePeriod:     envDuration("SESSION_GRACE_PERIOD", 5*time.Minute),
			TouchInterval:   envDuration("SESSION_TOUCH_INTERVAL", 5*time.Minute),
			Dir:             envString("SESSION_DIR", "sessions"),
			AgeIdentity:     os.Getenv("SESSION_AGE_IDENTITY"),
		},
		Copy: CopyConfig{
			MaxRetries:      envInt("COPY_MAX_RETRIES", 2),
			RealTimeRetries: envInt("COPY_REALTIME_RETRIES", 1),
			RetryStep:       envDuration("COPY_RETRY_STEP", time.Second),
			ProgressEvery:   envInt("COPY_PROGRESS_EVERY", 10),
			JitterMin:       envDuration("COPY_JITTER_MIN", 1100*time.Millisecond),
			JitterMax:       envDuration("COPY_JITTER_MAX", 1500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Gateway.BaseURL, "http://") && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		return fmt.Errorf("GATEWAY_BASE_URL must start with http:// or https://, got %q", c.Gateway.BaseURL)
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if c.Session.MonitorInterval <= 0 {
		return fmt.Errorf("SESSION_MONITOR_INTERVAL_SECS must be positive")
	}
	if c.Session.Expiry <= 0 {
		return fmt.Errorf("SESSION_EXPIRY must be positive")
	}
	if c.Session.AgeIdentity != "" && !strings.HasPrefix(c.Session.AgeIdentity, "AGE-SECRET-KEY-") {
		return fmt.Errorf("SESSION_AGE_IDENTITY must be an age X25519 identity (AGE-SECRET-KEY-...)")
	}

	if c.Copy.MaxRetries < 0 || c.Copy.RealTimeRetries < 0 {
		return fmt.Errorf("COPY_MAX_RETRIES and COPY_REALTIME_RETRIES must not be negative")
	}
	if c.Copy.ProgressEvery <= 0 {
		return fmt.Errorf("COPY_PROGRESS_EVERY must be positive, got %d", c.Copy.ProgressEvery)
	}
	if c.Copy.JitterMin < 0 || c.Copy.JitterMax < c.Copy.JitterMin {
		return fmt.Errorf("COPY_JITTER_MIN must be >= 0 and <= COPY_JITTER_MAX")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

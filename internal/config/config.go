package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ALKYH/HospitalManage/internal/platform/events"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	ServiceName    string        `mapstructure:"SERVICE_NAME"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeout  time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	EventBackend   string        `mapstructure:"EVENT_BACKEND"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RedisChannel   string        `mapstructure:"REDIS_CHANNEL"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	OTLPEndpoint   string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "SERVICE_NAME",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_LOCK_TIMEOUT",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS",
	"EVENT_BACKEND", "AMQP_URL", "AMQP_EXCHANGE", "REDIS_URL", "REDIS_CHANNEL",
	"JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_NAME", "registrar")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_LOCK_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EVENT_BACKEND", events.BackendLog)
	v.SetDefault("AMQP_EXCHANGE", "registration.events")
	v.SetDefault("REDIS_CHANNEL", "registration.events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.EventBackend = strings.ToLower(strings.TrimSpace(cfg.EventBackend))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesJWT reports whether requester identity comes from signed bearer tokens
// rather than the trusted X-Requester-ID header.
func (c *Config) UsesJWT() bool {
	return c.JWTSecret != ""
}

// EventOptions maps the event settings onto the publisher factory.
func (c *Config) EventOptions() events.Options {
	return events.Options{
		Backend:      c.EventBackend,
		AMQPURL:      c.AMQPURL,
		AMQPExchange: c.AMQPExchange,
		RedisURL:     c.RedisURL,
		RedisChannel: c.RedisChannel,
	}
}

// Validate checks that the configuration is safe to run. Production refuses
// the header-based identity mode.
func (c *Config) Validate() error {
	if c.DBLockTimeout <= 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT must be positive, got %s", c.DBLockTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool size: min %d, max %d", c.DBMinConns, c.DBMaxConns)
	}

	switch c.EventBackend {
	case events.BackendLog:
	case events.BackendAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when EVENT_BACKEND is %q", c.EventBackend)
		}
		if c.AMQPExchange == "" {
			return fmt.Errorf("AMQP_EXCHANGE must not be empty")
		}
	case events.BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENT_BACKEND is %q", c.EventBackend)
		}
	default:
		return fmt.Errorf("EVENT_BACKEND must be %q, %q or %q, got %q",
			events.BackendLog, events.BackendAMQP, events.BackendRedis, c.EventBackend)
	}

	if c.IsProduction() && !c.UsesJWT() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.UsesJWT() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	return nil
}

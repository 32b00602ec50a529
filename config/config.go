package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

var ErrMissingSecret = errors.New("CAMPUS_SESSION_SECRET must be set")

type Config struct {
	Port             int           `env:"CAMPUS_PORT"              envDefault:"3215"`
	DBPath           string        `env:"CAMPUS_DB_PATH"           envDefault:"campus.db"`
	ReadTimeout      time.Duration `env:"CAMPUS_READ_TIMEOUT"      envDefault:"120s"`
	WriteTimeout     time.Duration `env:"CAMPUS_WRITE_TIMEOUT"     envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"CAMPUS_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	SendBuffer       int           `env:"CAMPUS_SEND_BUFFER"       envDefault:"128"`

	SessionSecret  string        `env:"CAMPUS_SESSION_SECRET"`
	SessionTTL     time.Duration `env:"CAMPUS_SESSION_TTL"     envDefault:"24h"`
	SessionSliding bool          `env:"CAMPUS_SESSION_SLIDING" envDefault:"true"`
	SweepInterval  time.Duration `env:"CAMPUS_SWEEP_INTERVAL"  envDefault:"10m"`

	CookieName    string `env:"CAMPUS_COOKIE_NAME"     envDefault:"campus_session"`
	CookieHashKey string `env:"CAMPUS_COOKIE_HASH_KEY"`
	CookieSecure  bool   `env:"CAMPUS_COOKIE_SECURE"   envDefault:"false"`

	ControlSocket string `env:"CAMPUS_CONTROL_SOCKET" envDefault:"/tmp/campus.sock"`
	LogLevel      string `env:"CAMPUS_LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"CAMPUS_LOG_FORMAT"     envDefault:"text"`
}

// Load reads the configuration from CAMPUS_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SessionSecret == "" {
		return ErrMissingSecret
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// HashKey returns the cookie signing key, falling back to the session secret.
func (c *Config) HashKey() []byte {
	if c.CookieHashKey != "" {
		return []byte(c.CookieHashKey)
	}
	return []byte(c.SessionSecret)
}

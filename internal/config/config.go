package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid marks every configuration error. Configuration errors are fatal
// at startup and cause a reload to be discarded at runtime.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the portalwatch server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Portal       PortalConfig
	Session      SessionConfig
	Analytics    AnalyticsConfig
	Orchestrator Orchestrator

	// PolicyFile is an optional YAML overlay for Orchestrator. It is
	// watched and re-applied between ticks.
	PolicyFile string `env:"POLICY_FILE"`

	envOrchestrator Orchestrator
}

type ServerConfig struct {
	Port            int    `env:"PORT"                   envDefault:"8080"`
	Env             string `env:"APP_ENV"                envDefault:"development"`
	APIKeyHash      string `env:"API_KEY_HASH"`
	RateLimitPerMin int    `env:"API_RATE_LIMIT_PER_MIN" envDefault:"60"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsDir   string        `env:"MIGRATIONS_DIR"             envDefault:"migrations"`
	ConnectTimeout  time.Duration `env:"DATABASE_CONNECT_TIMEOUT"   envDefault:"30s"`
	Retention       time.Duration `env:"RETENTION"                  envDefault:"168h"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type PortalConfig struct {
	BaseURL         string        `env:"PORTAL_BASE_URL"`
	Username        string        `env:"PORTAL_USERNAME"`
	Password        string        `env:"PORTAL_PASSWORD"`
	Timeout         time.Duration `env:"PORTAL_TIMEOUT"            envDefault:"30s"`
	RateLimitPerSec float64       `env:"PORTAL_RATE_LIMIT_PER_SEC" envDefault:"2"`
	RateBurst       int           `env:"PORTAL_RATE_BURST"         envDefault:"1"`
}

type SessionConfig struct {
	Name                string        `env:"SESSION_NAME"          envDefault:"portalwatch"`
	GateTimeout         time.Duration `env:"GATE_TIMEOUT"          envDefault:"30s"`
	CallTimeout         time.Duration `env:"CALL_TIMEOUT"          envDefault:"20s"`
	LoginMaxRetries     int           `env:"LOGIN_MAX_RETRIES"     envDefault:"5"`
	LoginBackoffInitial time.Duration `env:"LOGIN_BACKOFF_INITIAL" envDefault:"2s"`
	LoginBackoffMax     time.Duration `env:"LOGIN_BACKOFF_MAX"     envDefault:"1m"`
}

type AnalyticsConfig struct {
	Window time.Duration `env:"ANALYTICS_WINDOW" envDefault:"4h"`
	Tick   time.Duration `env:"ANALYTICS_TICK"   envDefault:"1m"`
}

// Load reads configuration from environment variables, applies the policy
// file overlay if one is configured, and returns a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.envOrchestrator = cfg.Orchestrator
	if cfg.PolicyFile != "" {
		orch, err := LoadPolicyFile(cfg.PolicyFile, cfg.Orchestrator)
		if err != nil {
			return nil, err
		}
		cfg.Orchestrator = orch
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PolicyBase returns the orchestrator settings from the environment alone,
// before the policy file overlay. Reloads overlay the file on this value.
func (c *Config) PolicyBase() Orchestrator {
	return c.envOrchestrator
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return invalid("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return invalid("REDIS_URL is required")
	}

	if c.Server.APIKeyHash == "" {
		return invalid("API_KEY_HASH is required")
	}
	if !strings.HasPrefix(c.Server.APIKeyHash, "$2") {
		return invalid("API_KEY_HASH must be a bcrypt hash")
	}

	if c.Portal.BaseURL == "" {
		return invalid("PORTAL_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Portal.BaseURL, "http://") && !strings.HasPrefix(c.Portal.BaseURL, "https://") {
		return invalid("PORTAL_BASE_URL must start with http:// or https://, got %q", c.Portal.BaseURL)
	}
	if c.Portal.Username == "" || c.Portal.Password == "" {
		return invalid("PORTAL_USERNAME and PORTAL_PASSWORD are required")
	}
	if c.Portal.RateLimitPerSec <= 0 {
		return invalid("PORTAL_RATE_LIMIT_PER_SEC must be > 0, got %v", c.Portal.RateLimitPerSec)
	}
	if c.Portal.RateBurst < 1 {
		return invalid("PORTAL_RATE_BURST must be >= 1, got %d", c.Portal.RateBurst)
	}

	if c.Session.GateTimeout <= 0 {
		return invalid("GATE_TIMEOUT must be > 0, got %s", c.Session.GateTimeout)
	}
	if c.Session.CallTimeout <= 0 {
		return invalid("CALL_TIMEOUT must be > 0, got %s", c.Session.CallTimeout)
	}
	if c.Session.LoginMaxRetries < 0 {
		return invalid("LOGIN_MAX_RETRIES must be >= 0, got %d", c.Session.LoginMaxRetries)
	}
	if c.Session.LoginBackoffInitial <= 0 || c.Session.LoginBackoffMax < c.Session.LoginBackoffInitial {
		return invalid("LOGIN_BACKOFF_INITIAL must be > 0 and <= LOGIN_BACKOFF_MAX")
	}

	if c.Analytics.Window <= 0 {
		return invalid("ANALYTICS_WINDOW must be > 0, got %s", c.Analytics.Window)
	}
	if c.Analytics.Tick <= 0 {
		return invalid("ANALYTICS_TICK must be > 0, got %s", c.Analytics.Tick)
	}

	return c.Orchestrator.Validate()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

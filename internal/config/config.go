// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then environment variables. Values from .env files fill
// in variables the real environment does not set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxBodyBytes is 10 MiB.
const defaultMaxBodyBytes = 10 << 20

// Config holds the complete application configuration.
type Config struct {
	Environment string          `yaml:"environment" env:"APP_ENV"`
	HTTP        HTTPConfig      `yaml:"http"`
	SMTP        SMTPConfig      `yaml:"smtp"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	CORS        CORSConfig      `yaml:"cors"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Listen          string        `yaml:"listen" env:"HTTP_LISTEN"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy" env:"HTTP_TRUST_PROXY"`
}

// SMTPConfig holds the outbound relay settings.
type SMTPConfig struct {
	Host        string        `yaml:"host" env:"SMTP_HOST"`
	Port        int           `yaml:"port" env:"SMTP_PORT"`
	Username    string        `yaml:"username" env:"SMTP_USERNAME"`
	Password    string        `yaml:"password" env:"SMTP_PASSWORD"`
	SenderName  string        `yaml:"sender_name" env:"SMTP_SENDER_NAME"`
	TLSInsecure bool          `yaml:"tls_insecure" env:"SMTP_TLS_INSECURE"`
	Timeout     time.Duration `yaml:"timeout" env:"SMTP_TIMEOUT"`
	LocalName   string        `yaml:"local_name" env:"SMTP_LOCAL_NAME"`
}

// RateLimitConfig holds the per-IP request limit.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" env:"API_RATE_LIMIT_MAX_REQUESTS"`
	Window      time.Duration `yaml:"window"`
}

// CORSConfig holds the allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Load builds the configuration. path is an optional YAML file. envFiles are
// loaded into the environment first; with none given, ./.env is used when
// present.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables always override YAML values.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.applyFallbacks(); err != nil {
		return nil, err
	}

	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RelayConfigured returns true if both relay username and password are set.
func (c *Config) RelayConfigured() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Environment = "development"

	c.HTTP.Listen = ":3000"
	c.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	c.HTTP.RequestTimeout = 60 * time.Second
	c.HTTP.ShutdownTimeout = 30 * time.Second

	c.SMTP.Host = "smtp.gmail.com"
	c.SMTP.Port = 587
	c.SMTP.SenderName = "Email Service"
	c.SMTP.TLSInsecure = true
	c.SMTP.Timeout = 30 * time.Second

	c.RateLimit.MaxRequests = 100
	c.RateLimit.Window = 15 * time.Minute

	c.CORS.AllowedOrigins = []string{"*"}

	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyFallbacks honours the variable names the service has historically
// used. They apply only when the primary variable is unset.
func (c *Config) applyFallbacks() error {
	if v := os.Getenv("NODE_ENV"); v != "" && os.Getenv("APP_ENV") == "" {
		c.Environment = v
	}
	if v := os.Getenv("PORT"); v != "" && os.Getenv("HTTP_LISTEN") == "" {
		c.HTTP.Listen = ":" + v
	}
	if c.SMTP.Username == "" {
		c.SMTP.Username = os.Getenv("GMAIL_USER")
	}
	if c.SMTP.Password == "" {
		c.SMTP.Password = os.Getenv("GMAIL_PASS")
	}
	if v := os.Getenv("API_RATE_LIMIT_WINDOW_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid API_RATE_LIMIT_WINDOW_MS %q: %w", v, err)
		}
		c.RateLimit.Window = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", c.SMTP.Port))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, errors.New("smtp timeout must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http max body bytes must be positive"))
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

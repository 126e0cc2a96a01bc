package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/fx-ledger/internal/exchange"
)

// Config holds the application configuration.
type Config struct {
	Environment string `yaml:"env"`
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	RedisAddr   string `yaml:"redis_addr"`
	AuditSink   string `yaml:"audit_sink"`
	LogLevel    string `yaml:"log_level"`

	Exchange ExchangeConfig `yaml:"exchange"`
	Auth     AuthConfig     `yaml:"auth"`
	API      APIConfig      `yaml:"api"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ExchangeConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type AuthConfig struct {
	SigningKeyFile string        `yaml:"signing_key_file"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

type APIConfig struct {
	RateLimitCapacity     int      `yaml:"rate_limit_capacity"`
	RateLimitRefillPerSec float64  `yaml:"rate_limit_refill_per_sec"`
	MaxBodyBytes          int64    `yaml:"max_body_bytes"`
	IPAllowlist           []string `yaml:"ip_allowlist"`
}

type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`
	RequireClientAuth bool   `yaml:"require_client_auth"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		DatabaseURL: "sqlite://fx-ledger.db",
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		LogLevel:    "info",
		Exchange: ExchangeConfig{
			BaseURL:     exchange.DefaultBaseURL,
			MaxAttempts: exchange.DefaultMaxAttempts,
			Backoff:     exchange.DefaultBackoff,
			Timeout:     exchange.DefaultTimeout,
			CacheTTL:    exchange.DefaultTTL,
		},
		Auth: AuthConfig{
			Issuer:         "fx-ledger",
			AccessTokenTTL: 15 * time.Minute,
		},
		API: APIConfig{
			RateLimitCapacity:     60,
			RateLimitRefillPerSec: 1,
			MaxBodyBytes:          1 << 20,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE and the environment, in that order. A .env file in the working
// directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &c.Environment)
	str("DATABASE_URL", &c.DatabaseURL)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("REDIS_ADDR", &c.RedisAddr)
	str("AUDIT_SINK", &c.AuditSink)
	str("LOG_LEVEL", &c.LogLevel)

	str("EXCHANGE_API_BASE_URL", &c.Exchange.BaseURL)
	num("EXCHANGE_MAX_ATTEMPTS", &c.Exchange.MaxAttempts)
	dur("EXCHANGE_BACKOFF", &c.Exchange.Backoff)
	dur("EXCHANGE_TIMEOUT", &c.Exchange.Timeout)
	dur("RATE_CACHE_TTL", &c.Exchange.CacheTTL)

	str("JWT_SIGNING_KEY_FILE", &c.Auth.SigningKeyFile)
	str("JWT_ISSUER", &c.Auth.Issuer)
	dur("ACCESS_TOKEN_TTL", &c.Auth.AccessTokenTTL)

	num("API_RATE_LIMIT_CAPACITY", &c.API.RateLimitCapacity)
	if v, ok := os.LookupEnv("API_RATE_LIMIT_REFILL_PER_SEC"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_RATE_LIMIT_REFILL_PER_SEC: %w", err))
		} else {
			c.API.RateLimitRefillPerSec = f
		}
	}
	if v, ok := os.LookupEnv("API_MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_MAX_BODY_BYTES: %w", err))
		} else {
			c.API.MaxBodyBytes = n
		}
	}
	if v, ok := os.LookupEnv("API_IP_ALLOWLIST"); ok {
		c.API.IPAllowlist = strings.Split(v, ",")
	}

	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)
	str("TLS_CA_FILE", &c.TLS.CAFile)
	if v, ok := os.LookupEnv("TLS_REQUIRE_CLIENT_CERT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TLS_REQUIRE_CLIENT_CERT: %w", err))
		} else {
			c.TLS.RequireClientAuth = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	// Outside development the ledger must be durable and tokens must survive restarts.
	if c.IsProduction() {
		if c.Auth.SigningKeyFile == "" {
			missing = append(missing, "JWT_SIGNING_KEY_FILE")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
		if !isPostgresURL(c.DatabaseURL) {
			return errors.New("DATABASE_URL must be a postgres:// URL in " + c.Environment)
		}
	}

	if c.Exchange.MaxAttempts < 1 {
		return errors.New("EXCHANGE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Exchange.Timeout <= 0 || c.Exchange.CacheTTL <= 0 || c.Exchange.Backoff < 0 {
		return errors.New("exchange timeout and cache TTL must be positive")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func isPostgresURL(val string) bool {
	prefixes := []string{"postgres://", "postgresql://"}
	for _, p := range prefixes {
		if strings.HasPrefix(val, p) {
			return true
		}
	}
	return false
}

// Package config loads forumd configuration from the environment, an optional
// .env file and the YAML tuning file for the database layer.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	ServiceName string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	DatabaseURL       string
	DatabaseAuthToken string
	// DatabaseConfigPath is the YAML file overlaying Tuning.
	DatabaseConfigPath string

	JWTSecret        string
	JWTPublicKeyFile string

	// JWTIssuer and JWTAudience are enforced on admin tokens when set.
	JWTIssuer   string
	JWTAudience string

	AdminRateLimit float64
	AdminRateBurst int

	ShutdownTimeout time.Duration
	// AuditLogFile receives admin actions as JSON lines when set.
	AuditLogFile string

	Tuning *DatabaseFile
}

type envConfig struct {
	ServiceName string `env:"SERVICE_NAME,default=forumd"`
	HTTPAddr    string `env:"HTTP_ADDR,default=:8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`

	DatabaseURL        string `env:"DATABASE_URL"`
	DatabaseAuthToken  string `env:"DATABASE_AUTH_TOKEN"`
	DatabaseConfigPath string `env:"DATABASE_CONFIG,default=config/database.yaml"`

	JWTSecret        string `env:"JWT_SECRET"`
	JWTPublicKeyFile string `env:"JWT_PUBLIC_KEY_FILE"`
	JWTIssuer        string `env:"JWT_ISSUER"`
	JWTAudience      string `env:"JWT_AUDIENCE"`

	AdminRateLimit float64 `env:"ADMIN_RATE_LIMIT,default=5"`
	AdminRateBurst int     `env:"ADMIN_RATE_BURST,default=10"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	AuditLogFile    string        `env:"AUDIT_LOG_FILE"`
}

// Load reads envFiles (missing files are ignored), decodes the environment
// and applies the database tuning file.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg := &Config{
		ServiceName:        env.ServiceName,
		HTTPAddr:           env.HTTPAddr,
		LogLevel:           env.LogLevel,
		LogFormat:          env.LogFormat,
		DatabaseURL:        env.DatabaseURL,
		DatabaseAuthToken:  env.DatabaseAuthToken,
		DatabaseConfigPath: env.DatabaseConfigPath,
		JWTSecret:          env.JWTSecret,
		JWTPublicKeyFile:   env.JWTPublicKeyFile,
		JWTIssuer:          env.JWTIssuer,
		JWTAudience:        env.JWTAudience,
		AdminRateLimit:     env.AdminRateLimit,
		AdminRateBurst:     env.AdminRateBurst,
		ShutdownTimeout:    env.ShutdownTimeout,
		AuditLogFile:       env.AuditLogFile,
	}

	tuning, err := loadDatabaseFileOrDefault(env.DatabaseConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "libsql", "https", "http", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_URL: unsupported scheme %q", u.Scheme)
	}

	if c.JWTSecret == "" && c.JWTPublicKeyFile == "" {
		return errors.New("one of JWT_SECRET or JWT_PUBLIC_KEY_FILE is required")
	}
	if c.AdminRateLimit <= 0 || c.AdminRateBurst <= 0 {
		return fmt.Errorf("admin rate limit must be positive, got %v/s burst %d", c.AdminRateLimit, c.AdminRateBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	if c.Tuning == nil {
		return errors.New("database tuning is missing")
	}
	return c.Tuning.Validate()
}

// StoreKind reports which transport DatabaseURL selects: "libsql" or "postgres".
func (c *Config) StoreKind() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "libsql"
	}
}

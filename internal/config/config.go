// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Env        string `env:"ENV" envDefault:"development"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	DBHost        string `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort        int    `env:"DB_PORT" envDefault:"5432"`
	DBName        string `env:"DB_NAME" envDefault:"secretmsg"`
	DBUser        string `env:"DB_USER" envDefault:"secretmsg_app"`
	DBPassword    string `env:"DB_PASSWORD"`
	DBSSLMode     string `env:"DB_SSLMODE" envDefault:"disable"`
	DBSSLRootCert string `env:"DB_SSLROOTCERT"`

	// ServerSecret and the two salts feed key derivation. The salts are
	// fixed per purpose; rotating any of them orphans stored secrets.
	ServerSecret string `env:"SECRET_KEY"`
	SaltKey      string `env:"SALT_KEY"`
	SaltText     string `env:"SALT_TEXT"`

	KDFIterations   int           `env:"KDF_ITERATIONS" envDefault:"2500"`
	DefaultLifetime time.Duration `env:"DEFAULT_LIFETIME" envDefault:"1h"`

	// RequestsPerMinute is the per-IP rate limit applied to both endpoints.
	RequestsPerMinute int `env:"REQUEST_LIMIT" envDefault:"600"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30m"`
}

// LoadDotEnvIfPresent loads a .env file into the process environment for
// local development. Existing variables are not overwritten; a missing
// file is not an error.
func LoadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if cfg.DBPort <= 0 || cfg.DBPort > 65535 {
		return Config{}, fmt.Errorf("invalid DB_PORT %d", cfg.DBPort)
	}
	if cfg.KDFIterations <= 0 {
		return Config{}, fmt.Errorf("invalid KDF_ITERATIONS %d", cfg.KDFIterations)
	}
	if cfg.DefaultLifetime <= 0 {
		return Config{}, fmt.Errorf("invalid DEFAULT_LIFETIME %s", cfg.DefaultLifetime)
	}
	if cfg.RequestsPerMinute <= 0 {
		return Config{}, fmt.Errorf("invalid REQUEST_LIMIT %d", cfg.RequestsPerMinute)
	}

	if cfg.Env == "production" {
		if cfg.ServerSecret == "" {
			return Config{}, errors.New("SECRET_KEY is required in production")
		}
		if cfg.SaltKey == "" || cfg.SaltText == "" {
			return Config{}, errors.New("SALT_KEY and SALT_TEXT are required in production")
		}
	}

	return cfg, nil
}

func (c Config) PostgresURL() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}

	missing := make([]string, 0, 4)
	if c.DBHost == "" {
		missing = append(missing, "DB_HOST")
	}
	if c.DBName == "" {
		missing = append(missing, "DB_NAME")
	}
	if c.DBUser == "" {
		missing = append(missing, "DB_USER")
	}
	if c.DBSSLMode == "" {
		missing = append(missing, "DB_SSLMODE")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing env vars: %s", strings.Join(missing, ", "))
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := u.Query()
	q.Set("sslmode", c.DBSSLMode)
	if c.DBSSLRootCert != "" {
		q.Set("sslrootcert", c.DBSSLRootCert)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

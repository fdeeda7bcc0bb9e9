// Package config resolves runtime configuration from an optional YAML file
// plus environment overrides, so local and deployed runs share one path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PostgresDSN string
	RedisURL    string

	// SigningKeys is ordered: the first key signs, every key verifies.
	SigningKeys []string
	Issuer      string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration
	ClockSkew  time.Duration
	OpTimeout  time.Duration

	LoginRateBurst     int
	LoginRatePerSecond int

	MigrationsDir string
	SeedsDir      string

	// DevLogResetTokens writes password-reset tokens to the process log for
	// deployments without a mail dispatcher. Never enable in production.
	DevLogResetTokens bool
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`
	Dependencies struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Tokens struct {
		SigningKeys []string `yaml:"signing_keys"`
		Issuer      string   `yaml:"issuer"`
		AccessTTL   string   `yaml:"access_ttl"`
		RefreshTTL  string   `yaml:"refresh_ttl"`
		ResetTTL    string   `yaml:"reset_ttl"`
		ClockSkew   string   `yaml:"clock_skew"`
	} `yaml:"tokens"`
	Limits struct {
		OpTimeout          string `yaml:"op_timeout"`
		LoginRateBurst     int    `yaml:"login_rate_burst"`
		LoginRatePerSecond int    `yaml:"login_rate_per_second"`
	} `yaml:"limits"`
	Migrations struct {
		Dir      string `yaml:"dir"`
		SeedsDir string `yaml:"seeds_dir"`
	} `yaml:"migrations"`
}

// Load reads the YAML file at path (skipped when empty or missing) and then
// applies AUTH_* environment overrides. Validation fails fast on a missing
// signing key so a misconfigured instance never starts issuing tokens.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		Issuer:             "gravityauth",
		AccessTTL:          60 * time.Minute,
		RefreshTTL:         7 * 24 * time.Hour,
		ResetTTL:           15 * time.Minute,
		ClockSkew:          30 * time.Second,
		OpTimeout:          3 * time.Second,
		LoginRateBurst:     10,
		LoginRatePerSecond: 5,
		MigrationsDir:      "migrations",
		SeedsDir:           "migrations/seeds",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// File-less runs configure via environment only.
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			var file configFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			applyFile(&cfg, file)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.SigningKeys) == 0 {
		return Config{}, errors.New("config: at least one signing key is required (AUTH_SIGNING_KEYS)")
	}
	return cfg, nil
}

func applyFile(cfg *Config, file configFile) {
	setString(&cfg.HTTPAddr, file.Server.HTTPAddr)
	setString(&cfg.GRPCAddr, file.Server.GRPCAddr)
	setString(&cfg.PostgresDSN, file.Dependencies.PostgresDSN)
	setString(&cfg.RedisURL, file.Dependencies.RedisURL)
	if len(file.Tokens.SigningKeys) > 0 {
		cfg.SigningKeys = file.Tokens.SigningKeys
	}
	setString(&cfg.Issuer, file.Tokens.Issuer)
	setDuration(&cfg.AccessTTL, file.Tokens.AccessTTL)
	setDuration(&cfg.RefreshTTL, file.Tokens.RefreshTTL)
	setDuration(&cfg.ResetTTL, file.Tokens.ResetTTL)
	setDuration(&cfg.ClockSkew, file.Tokens.ClockSkew)
	setDuration(&cfg.OpTimeout, file.Limits.OpTimeout)
	if file.Limits.LoginRateBurst > 0 {
		cfg.LoginRateBurst = file.Limits.LoginRateBurst
	}
	if file.Limits.LoginRatePerSecond > 0 {
		cfg.LoginRatePerSecond = file.Limits.LoginRatePerSecond
	}
	setString(&cfg.MigrationsDir, file.Migrations.Dir)
	setString(&cfg.SeedsDir, file.Migrations.SeedsDir)
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, os.Getenv("AUTH_HTTP_ADDR"))
	setString(&cfg.GRPCAddr, os.Getenv("AUTH_GRPC_ADDR"))
	setString(&cfg.PostgresDSN, os.Getenv("AUTH_PG_DSN"))
	setString(&cfg.RedisURL, os.Getenv("AUTH_REDIS_URL"))
	setString(&cfg.Issuer, os.Getenv("AUTH_ISSUER"))
	setString(&cfg.MigrationsDir, os.Getenv("AUTH_MIGRATIONS_DIR"))
	setString(&cfg.SeedsDir, os.Getenv("AUTH_SEEDS_DIR"))

	if raw := strings.TrimSpace(os.Getenv("AUTH_SIGNING_KEYS")); raw != "" {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.SigningKeys = keys
	}

	for _, entry := range []struct {
		env string
		dst *time.Duration
	}{
		{"AUTH_ACCESS_TTL", &cfg.AccessTTL},
		{"AUTH_REFRESH_TTL", &cfg.RefreshTTL},
		{"AUTH_RESET_TTL", &cfg.ResetTTL},
		{"AUTH_CLOCK_SKEW", &cfg.ClockSkew},
		{"AUTH_OP_TIMEOUT", &cfg.OpTimeout},
	} {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", entry.env, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", entry.env)
		}
		*entry.dst = d
	}

	for _, entry := range []struct {
		env string
		dst *int
	}{
		{"AUTH_LOGIN_RATE_BURST", &cfg.LoginRateBurst},
		{"AUTH_LOGIN_RATE_PER_SECOND", &cfg.LoginRatePerSecond},
	} {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: %s must be a positive integer", entry.env)
		}
		*entry.dst = n
	}

	if raw := strings.TrimSpace(os.Getenv("AUTH_DEV_LOG_RESET_TOKENS")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: parse AUTH_DEV_LOG_RESET_TOKENS: %w", err)
		}
		cfg.DevLogResetTokens = b
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type CameraMode string

const (
	CameraModeSnapshot  CameraMode = "snapshot"
	CameraModeDirectory CameraMode = "directory"
)

type Config struct {
	Port                   int        `env:"PORT" envDefault:"8080"`
	Environment            string     `env:"APP_ENV" envDefault:"development"`
	BackendURL             string     `env:"BACKEND_URL,required"`
	DatabaseURL            string     `env:"DATABASE_URL,required"`
	RedisURL               string     `env:"REDIS_URL,required"`
	EncryptionKey          string     `env:"ENCRYPTION_KEY"`
	LogLevel               string     `env:"LOG_LEVEL" envDefault:"info"`
	CameraMode             CameraMode `env:"CAMERA_MODE" envDefault:"snapshot"`
	CameraURL              string     `env:"CAMERA_URL"`
	CameraDir              string     `env:"CAMERA_DIR"`
	SampleIntervalMs       int        `env:"SAMPLE_INTERVAL_MS" envDefault:"200"`
	TargetWidth            int        `env:"TARGET_WIDTH" envDefault:"640"`
	EncodeQuality          int        `env:"ENCODE_QUALITY" envDefault:"70"`
	CooldownSeconds        int        `env:"COOLDOWN_SECONDS" envDefault:"8"`
	AccessTokenTTLSeconds  int        `env:"ACCESS_TOKEN_TTL_SECONDS" envDefault:"3600"`
	RefreshTokenTTLSeconds int        `env:"REFRESH_TOKEN_TTL_SECONDS" envDefault:"604800"`
	DetectionRetentionDays int        `env:"DETECTION_RETENTION_DAYS" envDefault:"30"`
	AnalyzeRateLimitPerMin int        `env:"ANALYZE_RATE_LIMIT_PER_MIN" envDefault:"600"`
	SecureCookies          bool       `env:"SECURE_COOKIES" envDefault:"false"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSeconds) * time.Second
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLSeconds) * time.Second
}

func (c *Config) DetectionRetention() time.Duration {
	return time.Duration(c.DetectionRetentionDays) * 24 * time.Hour
}

func (c *Config) Validate(isProduction bool) error {
	parsed, err := url.Parse(c.BackendURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
	}

	switch c.CameraMode {
	case CameraModeSnapshot:
		if c.CameraURL == "" {
			return fmt.Errorf("CAMERA_URL is required when CAMERA_MODE=snapshot")
		}
	case CameraModeDirectory:
		if c.CameraDir == "" {
			return fmt.Errorf("CAMERA_DIR is required when CAMERA_MODE=directory")
		}
	default:
		return fmt.Errorf("CAMERA_MODE must be one of snapshot, directory")
	}

	if c.SampleIntervalMs <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL_MS must be positive")
	}
	if c.TargetWidth <= 0 {
		return fmt.Errorf("TARGET_WIDTH must be positive")
	}
	if c.EncodeQuality < 1 || c.EncodeQuality > 100 {
		return fmt.Errorf("ENCODE_QUALITY must be between 1 and 100")
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex chars (generate with: openssl rand -hex 32)")
	}

	if isProduction {
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: refresh tokens will be stored in plaintext")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if !c.SecureCookies {
			log.Warn().Msg("SECURE_COOKIES is off in production: principal cookie will be sent over plain HTTP")
		}
	}

	return nil
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

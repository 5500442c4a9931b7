package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries all runtime settings, populated from the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	// JWTSecret signs API bearer tokens and export download URLs.
	JWTSecret string `env:"JWT_SECRET,required"`

	// ExportKeyHex is the hex-encoded 32-byte export encryption key. It is
	// held only in memory and never written beside ciphertext.
	ExportKeyHex string `env:"EXPORT_ENCRYPTION_KEY,required"`
	ExportKeyID  string `env:"EXPORT_ENCRYPTION_KEY_ID" envDefault:"primary"`

	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	ExportDir  string `env:"EXPORT_DIR" envDefault:"/var/lib/companyflow/exports"`

	GracePeriodDefault time.Duration `env:"GRACE_PERIOD_DEFAULT" envDefault:"720h"` // 30 days
	GracePeriodMax     time.Duration `env:"GRACE_PERIOD_MAX" envDefault:"2160h"`    // 90 days

	DownloadLinkTTL  time.Duration `env:"DOWNLOAD_LINK_TTL" envDefault:"168h"` // 7 days
	ExportRetention  time.Duration `env:"EXPORT_RETENTION" envDefault:"720h"`  // 30 days
	RetentionMonths  int           `env:"RETENTION_MONTHS" envDefault:"12"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"30s"`
	StepTimeout        time.Duration `env:"STEP_TIMEOUT" envDefault:"2m"`
}

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if _, err := cfg.ExportKey(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExportKey decodes and validates the export encryption key.
func (c Config) ExportKey() ([]byte, error) {
	key, err := hex.DecodeString(c.ExportKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: decode export key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: export key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Package config loads environment-based configuration for canvas-mcp.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

// Config holds all environment-based configuration.
type Config struct {
	// Environment controls log format ("production" uses JSON).
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// ServerURL is the external URL clients reach this server at. It is
	// the OAuth issuer identifier and the base for magic links.
	ServerURL string `env:"SERVER_URL"`

	// DBPath is the SQLite database location.
	DBPath string `env:"DB_PATH" envDefault:"canvas-mcp.db"`

	// EncryptionKey protects Canvas tokens at rest. Hex or standard
	// base64; must decode to exactly 32 bytes.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// SMTP relay for magic-link mail. When SMTPAddr is empty, links are
	// logged instead of mailed (development only).
	SMTPAddr     string `env:"SMTP_ADDR"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	// Credential lifetimes. Defaults follow current policy: 15-minute
	// verification cache and magic links, 5-minute magic-link cooldown,
	// 24-hour OAuth tokens, 30-day sessions.
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"15m"`
	MagicLinkTTL      time.Duration `env:"MAGIC_LINK_TTL" envDefault:"15m"`
	MagicLinkCooldown time.Duration `env:"MAGIC_LINK_COOLDOWN" envDefault:"5m"`
	OAuthTokenTTL     time.Duration `env:"OAUTH_TOKEN_TTL" envDefault:"24h"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"720h"`

	// UsageLogRetention bounds how long per-tool usage rows are kept.
	UsageLogRetention time.Duration `env:"USAGE_LOG_RETENTION" envDefault:"2160h"`

	// SweepInterval controls the expired-record cleanup timer.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the encryption key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if _, err := c.DecodeEncryptionKey(); err != nil {
		return err
	}

	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_ADDR is set")
	}

	return nil
}

// DecodeEncryptionKey decodes ENCRYPTION_KEY and enforces the 32-byte
// requirement. A missing or malformed key is fatal at startup; the
// server must never silently degrade to plaintext token storage.
func (c *Config) DecodeEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY is required", bridgeerrors.ErrConfiguration)
	}

	if key, err := hex.DecodeString(c.EncryptionKey); err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY must decode to 32 bytes, got %d",
				bridgeerrors.ErrConfiguration, len(key))
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY is neither hex nor base64", bridgeerrors.ErrConfiguration)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY must decode to 32 bytes, got %d",
			bridgeerrors.ErrConfiguration, len(key))
	}

	return key, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

func validKeyHex(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return hex.EncodeToString(key)
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_URL", "https://bridge.example.com")
	t.Setenv("ENCRYPTION_KEY", validKeyHex(t))
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "canvas-mcp.db", cfg.DBPath)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.MagicLinkTTL)
	assert.Equal(t, 5*time.Minute, cfg.MagicLinkCooldown)
	assert.Equal(t, 24*time.Hour, cfg.OAuthTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.UsageLogRetention)
	assert.False(t, cfg.IsProduction())
}

func TestLoadRequiresServerURL(t *testing.T) {
	t.Setenv("SERVER_URL", "")
	t.Setenv("ENCRYPTION_KEY", validKeyHex(t))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_URL")
}

func TestEncryptionKeyHex(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	key, err := cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestEncryptionKeyBase64(t *testing.T) {
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	t.Setenv("SERVER_URL", "https://bridge.example.com")
	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(raw))

	cfg, err := Load()
	require.NoError(t, err)

	key, err := cfg.DecodeEncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestEncryptionKeyRejected(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"too short hex", hex.EncodeToString(make([]byte, 16))},
		{"too long hex", hex.EncodeToString(make([]byte, 48))},
		{"garbage", "not-a-key-at-all!!"},
		{"short base64", base64.StdEncoding.EncodeToString(make([]byte, 8))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVER_URL", "https://bridge.example.com")
			t.Setenv("ENCRYPTION_KEY", tt.key)

			_, err := Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, bridgeerrors.ErrConfiguration)
		})
	}
}

func TestSMTPFromRequiredWithAddr(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SMTP_ADDR", "smtp.example.com:587")
	t.Setenv("SMTP_FROM", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP_FROM")
}

func TestProductionFlag(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

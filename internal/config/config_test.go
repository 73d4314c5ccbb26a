package config

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDevelopmentDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "dev-secret-that-is-long-enough")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CHAT_ENCRYPTION_KEY", "")
	t.Setenv("TRUST_PROXY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Hardened)
	assert.Equal(t, "/api", cfg.HTTP.BasePath)
	assert.Equal(t, 5*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, int64(1000), cfg.Quota.FreeDailyTokens)
	assert.Equal(t, int64(10000), cfg.Quota.PaidDailyTokens)
	assert.Equal(t, 700, cfg.Model.MaxOutputTokens)
	assert.Equal(t, 3000, cfg.Model.MaxInputTokens)
	assert.Equal(t, ProviderMock, cfg.Model.Provider, "no api key falls back to mock")
	assert.True(t, cfg.Crypto.Ephemeral)
	assert.Len(t, cfg.Crypto.Keys[cfg.Crypto.CurrentKeyID], 32)
	assert.NotEmpty(t, cfg.Warnings)
	assert.False(t, cfg.HTTP.TrustProxy)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.ErrorIs(t, err, ErrMissingJWTSecret)
}

func TestLoadHardenedRejectsInsecureSettings(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	base := map[string]string{
		"APP_ENV":             "production",
		"JWT_SECRET":          strings.Repeat("s", 32),
		"BOT_TOKEN":           "123:abc",
		"WEBHOOK_SECRET":      "hook",
		"OPENAI_API_KEY":      "sk-test",
		"CHAT_ENCRYPTION_KEY": key,
	}

	cases := []struct {
		name     string
		override map[string]string
		want     error
	}{
		{name: "weak secret", override: map[string]string{"JWT_SECRET": "short"}, want: ErrWeakJWTSecret},
		{name: "mock auth", override: map[string]string{"ALLOW_MOCK_AUTH": "1"}, want: ErrMockAuthInProduction},
		{name: "no bot token", override: map[string]string{"BOT_TOKEN": ""}, want: ErrMissingBotToken},
		{name: "no webhook secret", override: map[string]string{"WEBHOOK_SECRET": ""}, want: ErrMissingWebhookSecret},
		{name: "no model key", override: map[string]string{"OPENAI_API_KEY": ""}, want: ErrMissingModelKey},
		{name: "no encryption key", override: map[string]string{"CHAT_ENCRYPTION_KEY": ""}, want: ErrMissingEncryptionKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range base {
				t.Setenv(k, v)
			}
			for k, v := range tc.override {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("valid", func(t *testing.T) {
		for k, v := range base {
			t.Setenv(k, v)
		}
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.Hardened)
		assert.False(t, cfg.Crypto.Ephemeral)
		assert.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	})
}

func TestLoadRotationKeys(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret-that-is-long-enough")
	t.Setenv("CHAT_ENCRYPTION_KEY", hex.EncodeToString(make([]byte, 32)))
	t.Setenv("CHAT_ENCRYPTION_KEY_ID", "k2")
	t.Setenv("CHAT_ENCRYPTION_OLD_KEYS_JSON", `{"k1":"`+base64.StdEncoding.EncodeToString(make([]byte, 32))+`"}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "k2", cfg.Crypto.CurrentKeyID)
	assert.Len(t, cfg.Crypto.Keys, 2)
}

func TestParseKey(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}

	got, err := ParseKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = ParseKey(base64.StdEncoding.EncodeToString(raw[:16]))
	require.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = ParseKey("not a key!")
	require.Error(t, err)
}

func TestEmptyBasePathServesAtRoot(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret-that-is-long-enough")
	t.Setenv("API_BASE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.HTTP.BasePath)
}

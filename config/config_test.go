package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "test")

	cfg := LoadConfig()

	assert.Equal(t, "CocoGuard", cfg.AppName)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 6, cfg.Verification.CodeLength)
	assert.Equal(t, 10*time.Minute, cfg.Verification.CodeTTL)
	assert.Equal(t, 5, cfg.Verification.IssueLimit)
	assert.Equal(t, time.Hour, cfg.Verification.IssueWindow)
	assert.Equal(t, "+63", cfg.Verification.DefaultCountryCode)
	assert.Equal(t, "Asia/Manila", cfg.Analytics.Timezone)
	assert.Equal(t, int64(5<<20), cfg.Storage.MaxUploadBytes)
	assert.False(t, cfg.Database.InMemory)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("JWT_SECRET", "  s3cret  ")
	t.Setenv("JWT_TTL", "2h")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	t.Setenv("DB_IN_MEMORY", "yes")
	t.Setenv("VERIFICATION_ISSUE_LIMIT", "0")
	t.Setenv("STORAGE_BACKEND", "MinIO")
	t.Setenv("APP_TIMEZONE", "UTC")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.Database.InMemory)
	assert.Zero(t, cfg.Verification.IssueLimit)
	assert.Equal(t, "minio", cfg.Storage.Backend)
	assert.Equal(t, "UTC", cfg.Analytics.Timezone)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("JWT_TTL", "forever")
	t.Setenv("LOG_JSON", "maybe")
	t.Setenv("ALLOWED_ORIGINS", " , ")

	assert.Equal(t, 8080, getEnvInt("SERVER_PORT", 8080))
	assert.Equal(t, time.Hour, getEnvDuration("JWT_TTL", time.Hour))
	assert.True(t, getEnvBool("LOG_JSON", true))
	assert.Equal(t, []string{"*"}, getEnvList("ALLOWED_ORIGINS", []string{"*"}))
}

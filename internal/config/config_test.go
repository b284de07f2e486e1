package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

var securityKeys = []string{
	"MAX_LOGIN_ATTEMPTS",
	"LOCKOUT_DURATION_MINUTES",
	"SESSION_TIMEOUT_MINUTES",
	"PIN_LENGTH",
	"REQUIRE_PIN_FOR_ACTIONS",
	"PASSWORD_MIN_LENGTH",
	"REQUIRE_SPECIAL_CHARS",
	"MAX_PIN_STRIKES",
	"STATE_BACKEND",
	"TRUSTED_PROXY_CIDRS",
	"PORT",
	"SERVER_PORT",
}

func resetEnv(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range securityKeys {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_DefaultsMatchDefaultSecuritySettings(t *testing.T) {
	resetEnv(t)

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, BackendMemory, cfg.StateBackend)
	assert.Equal(t, "security_events", cfg.SecurityEventsExchange)
	assert.Equal(t, 3, cfg.MaxPinStrikes)
	assert.Equal(t, "@every 5m", cfg.SessionRefreshSchedule)
	assert.Equal(t, "@every 60m", cfg.LedgerMaintenanceSchedule)
	assert.Equal(t, domain.DefaultSecuritySettings(), cfg.SecuritySettings())
	assert.Empty(t, cfg.TrustedProxies, "forwarded headers are ignored unless proxies are configured")
	assert.Empty(t, cfg.Warnings)
}

func TestLoadConfig_ParsesTrustedProxies(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.1.7 ,not-a-range,fd00::/8")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
		netip.MustParsePrefix("fd00::/8"),
	}, cfg.TrustedProxies)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "not-a-range")
}

func TestLoadConfig_ReadsSecurityPolicyFromEnv(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "MAX_LOGIN_ATTEMPTS", "3")
	setEnvWithCleanup(t, "LOCKOUT_DURATION_MINUTES", "30")
	setEnvWithCleanup(t, "PIN_LENGTH", "6")
	setEnvWithCleanup(t, "REQUIRE_PIN_FOR_ACTIONS", " reports, security_settings ,")
	setEnvWithCleanup(t, "REQUIRE_SPECIAL_CHARS", "false")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	settings := cfg.SecuritySettings()
	assert.Equal(t, 3, settings.MaxLoginAttempts)
	assert.Equal(t, 30, settings.LockoutDuration)
	assert.Equal(t, 6, settings.PinLength)
	assert.Equal(t, []string{"reports", "security_settings"}, settings.RequirePinForActions)
	assert.False(t, settings.RequireSpecialChars)
	assert.NoError(t, settings.Validate())
}

func TestLoadConfig_CoercesOutOfRangeValues(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "PIN_LENGTH", "9")
	setEnvWithCleanup(t, "MAX_LOGIN_ATTEMPTS", "2")
	setEnvWithCleanup(t, "MAX_PIN_STRIKES", "4")
	setEnvWithCleanup(t, "STATE_BACKEND", "cassandra")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.PinLength)
	assert.Equal(t, 2, cfg.MaxPinStrikes, "strike limit never exceeds the lock threshold")
	assert.Equal(t, BackendMemory, cfg.StateBackend)
	assert.Len(t, cfg.Warnings, 3)
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.ServerPort)
}

func TestLoadConfig_PostgresBackendRequiresDatabaseURL(t *testing.T) {
	resetEnv(t)
	unsetEnvWithCleanup(t, "DATABASE_URL")
	setEnvWithCleanup(t, "STATE_BACKEND", "postgres")

	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	resetEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SESSION_TIMEOUT_MINUTES=60\n"), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.SessionTimeoutMinutes)
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.False(t, cfg.Testing())
	assert.False(t, cfg.Debug())
	assert.Equal(t, ":8080", cfg.ListenAddress())
	assert.Equal(t, "info", cfg.LogLevel())
	assert.Equal(t, []string{"127.0.0.1"}, cfg.TrustedProxies())
	assert.Equal(t, "postgres", cfg.DatabaseDriver())
}

func TestNewOverrides(t *testing.T) {
	cfg, err := New(WithOverrides(map[string]any{
		KeyServerListenAddress: ":9090",
		"custom.key":           42,
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddress())
	assert.Equal(t, 42, cfg.GetInt("custom.key"))
}

func TestKeysAreCaseInsensitive(t *testing.T) {
	cfg, err := New(WithOverrides(map[string]any{"Custom.Key": "value"}))
	require.NoError(t, err)

	assert.Equal(t, "value", cfg.GetString("custom.key"))
	assert.Equal(t, "value", cfg.GetString("CUSTOM.KEY"))
}

func TestSettingsFileFromEnvVar(t *testing.T) {
	path := writeSettings(t, "server:\n  listen_address: \":7070\"\nlog:\n  level: debug\n")
	t.Setenv(SettingsEnvVar, path)

	cfg, err := New(WithOverrides(map[string]any{KeyServerListenAddress: ":9090"}))
	require.NoError(t, err)

	// The settings file overrides programmatic overrides.
	assert.Equal(t, ":7070", cfg.ListenAddress())
	assert.Equal(t, "debug", cfg.LogLevel())
}

func TestSettingsFileMissing(t *testing.T) {
	t.Setenv(SettingsEnvVar, filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := New()
	assert.Error(t, err)
}

func TestSettingsFileExplicitPath(t *testing.T) {
	path := writeSettings(t, "custom:\n  key: from-file\n")

	cfg, err := New(WithFile(path))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.GetString("custom.key"))
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeSettings(t, "server:\n  listen_address: \":7070\"\n")
	t.Setenv(SettingsEnvVar, path)
	t.Setenv("MOGIN_SERVER_LISTEN_ADDRESS", ":6060")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.ListenAddress())
}

func TestTestingOverrides(t *testing.T) {
	overrides := map[string]any{
		"database.dsn":      "postgres://real",
		"test.database.dsn": "postgres://test",
	}

	t.Run("ignored outside testing mode", func(t *testing.T) {
		cfg, err := New(WithOverrides(overrides))
		require.NoError(t, err)
		assert.False(t, cfg.Testing())
		assert.Equal(t, "postgres://real", cfg.DatabaseDSN())
	})

	t.Run("applied in testing mode", func(t *testing.T) {
		cfg, err := New(WithOverrides(overrides), WithTesting())
		require.NoError(t, err)
		assert.True(t, cfg.Testing())
		assert.Equal(t, "postgres://test", cfg.DatabaseDSN())
	})

	t.Run("nested namespaces flatten", func(t *testing.T) {
		path := writeSettings(t, "mail:\n  host: smtp.example.com\ntest:\n  mail:\n    host: localhost\n    suppress_send: true\n")
		cfg, err := New(WithFile(path), WithTesting())
		require.NoError(t, err)
		assert.Equal(t, "localhost", cfg.GetString(KeyMailHost))
		assert.True(t, cfg.GetBool(KeyMailSuppressSend))
	})
}

func TestTestingFlagIsExposed(t *testing.T) {
	cfg, err := New(WithTesting())
	require.NoError(t, err)
	assert.True(t, cfg.GetBool(KeyTesting))
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, "ledgercache.yaml", `
cache:
  maxSize: 250
  maxAgeSeconds: 60
invalidation:
  debounceMs: 40
watcher:
  patterns:
    - "/ws/**/*.journal"
`)
	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 250, cfg.Cache.MaxSize)
	require.Equal(t, time.Minute, cfg.Cache.MaxAge())
	require.Equal(t, 40*time.Millisecond, cfg.Invalidation.Debounce())
	require.Equal(t, []string{"/ws/**/*.journal"}, cfg.Watcher.Patterns)
	// Untouched sections keep their defaults.
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, ":9477", cfg.Metrics.Address)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfig(t, "ledgercache.json", `{
  "logging": {"level": "debug", "format": "text"},
  "metrics": {"enabled": false}
}`)
	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeConfig(t, "ledgercache.toml", `
[cache]
maxSize = 42

[invalidation]
enableCascading = false
`)
	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Cache.MaxSize)
	require.False(t, cfg.Invalidation.EnableCascading)
	require.True(t, cfg.Invalidation.EnableSmartInvalidation)
}

func TestLaterFilesOverrideEarlier(t *testing.T) {
	base := writeConfig(t, "base.yaml", "cache:\n  maxSize: 100\n")
	override := writeConfig(t, "override.yaml", "cache:\n  maxSize: 500\n")

	cfg, err := NewLoader("", base, override).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Cache.MaxSize)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "ledgercache.yaml", "cache:\n  maxSize: 100\n")
	t.Setenv("LEDGERCACHE_CACHE__MAX_SIZE", "900")
	t.Setenv("LEDGERCACHE_LOGGING__LEVEL", "warn")

	cfg, err := NewLoader("LEDGERCACHE", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 900, cfg.Cache.MaxSize)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvBooleanAndNestedKeys(t *testing.T) {
	t.Setenv("LEDGERCACHE_INVALIDATION__ENABLE_CASCADING", "false")
	t.Setenv("LEDGERCACHE_WATCHER__MAX_EVENTS", "7")

	cfg, err := NewLoader("LEDGERCACHE").Load(context.Background())
	require.NoError(t, err)
	require.False(t, cfg.Invalidation.EnableCascading)
	require.Equal(t, 7, cfg.Watcher.MaxEvents)
}

func TestMissingFileFails(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestEmptyFilePathSkipped(t *testing.T) {
	cfg, err := NewLoader("", "").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestUnsupportedFormatFails(t *testing.T) {
	path := writeConfig(t, "ledgercache.ini", "[cache]\nmaxSize=1\n")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported file format")
}

func TestInvalidFileContentsRejected(t *testing.T) {
	path := writeConfig(t, "ledgercache.yaml", "cache:\n  maxSize: -5\n")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "maxSize must be positive")
}

func TestLoadHonorsContextCancellation(t *testing.T) {
	path := writeConfig(t, "ledgercache.yaml", "cache:\n  maxSize: 10\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

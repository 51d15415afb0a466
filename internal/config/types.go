package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every option the cache daemon understands once the loader has
// applied defaults, file contents, and environment overrides.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Cache        CacheConfig        `koanf:"cache"`
	Invalidation InvalidationConfig `koanf:"invalidation"`
	Watcher      WatcherConfig      `koanf:"watcher"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig collects the per-store knobs. Every registered entry store is
// built from this block unless the application overrides it programmatically.
type CacheConfig struct {
	MaxSize       int `koanf:"maxSize"`
	MaxAgeSeconds int `koanf:"maxAgeSeconds"`
	// EnableCompression and EnablePersistence are accepted for forward
	// compatibility with an on-disk cache format; neither changes the byte
	// layout of stored entries today.
	EnableCompression bool `koanf:"enableCompression"`
	EnablePersistence bool `koanf:"enablePersistence"`
	// Validator is an optional CEL boolean expression evaluated against each
	// entry on read and during validation scans. Entries for which the
	// expression yields false are dropped.
	Validator string `koanf:"validator"`
}

// MaxAge converts the configured TTL into a duration. Zero means entries
// never expire.
func (c CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// InvalidationConfig tunes the invalidation manager's batching behavior.
type InvalidationConfig struct {
	DebounceMs              int  `koanf:"debounceMs"`
	MaxBatchSize            int  `koanf:"maxBatchSize"`
	EnableSmartInvalidation bool `koanf:"enableSmartInvalidation"`
	EnableCascading         bool `koanf:"enableCascading"`
	MaxCacheAgeSeconds      int  `koanf:"maxCacheAgeSeconds"`
}

// Debounce converts the configured batching window into a duration.
func (c InvalidationConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// MaxCacheAge is the fallback TTL applied to stores the daemon constructs
// when the cache block leaves maxAgeSeconds unset.
func (c InvalidationConfig) MaxCacheAge() time.Duration {
	return time.Duration(c.MaxCacheAgeSeconds) * time.Second
}

// WatcherConfig announces which workspace files feed the invalidation
// pipeline.
type WatcherConfig struct {
	Patterns        []string `koanf:"patterns"`
	ExcludePatterns []string `koanf:"excludePatterns"`
	DebounceMs      int      `koanf:"debounceMs"`
	MaxEvents       int      `koanf:"maxEvents"`
	EnableRecursive bool     `koanf:"enableRecursive"`
}

// Debounce converts the per-path quiet window into a duration.
func (c WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// DefaultConfig mirrors the documented defaults so a bare daemon start still
// behaves sensibly inside a ledger workspace.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			MaxSize:       1000,
			MaxAgeSeconds: 300,
		},
		Invalidation: InvalidationConfig{
			DebounceMs:              100,
			MaxBatchSize:            50,
			EnableSmartInvalidation: true,
			EnableCascading:         true,
			MaxCacheAgeSeconds:      300,
		},
		Watcher: WatcherConfig{
			Patterns:        []string{"**/*.journal", "**/*.hledger", "**/*.ledger"},
			ExcludePatterns: []string{"**/.git/**", "**/node_modules/**"},
			DebounceMs:      250,
			MaxEvents:       100,
			EnableRecursive: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9477",
		},
	}
}

// Validate rejects option combinations the engine cannot honor.
func (c Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unsupported logging level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unsupported logging format %q", c.Logging.Format)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("config: cache maxSize must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Cache.MaxAgeSeconds < 0 {
		return fmt.Errorf("config: cache maxAgeSeconds must not be negative, got %d", c.Cache.MaxAgeSeconds)
	}
	if c.Invalidation.DebounceMs < 0 {
		return fmt.Errorf("config: invalidation debounceMs must not be negative, got %d", c.Invalidation.DebounceMs)
	}
	if c.Invalidation.MaxBatchSize <= 0 {
		return fmt.Errorf("config: invalidation maxBatchSize must be positive, got %d", c.Invalidation.MaxBatchSize)
	}
	if c.Invalidation.MaxCacheAgeSeconds < 0 {
		return fmt.Errorf("config: invalidation maxCacheAgeSeconds must not be negative, got %d", c.Invalidation.MaxCacheAgeSeconds)
	}
	if c.Watcher.DebounceMs < 0 {
		return fmt.Errorf("config: watcher debounceMs must not be negative, got %d", c.Watcher.DebounceMs)
	}
	if c.Watcher.MaxEvents <= 0 {
		return fmt.Errorf("config: watcher maxEvents must be positive, got %d", c.Watcher.MaxEvents)
	}
	if len(c.Watcher.Patterns) == 0 {
		return fmt.Errorf("config: watcher requires at least one pattern")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Address) == "" {
		return fmt.Errorf("config: metrics listener requires an address")
	}
	return nil
}

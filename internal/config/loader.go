package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the daemon configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Files are optional; empty paths are
// skipped so callers can pass flag values straight through.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot using the documented
// precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.maxsize":                        "cache.maxSize",
			"cache.maxageseconds":                  "cache.maxAgeSeconds",
			"cache.enablecompression":              "cache.enableCompression",
			"cache.enablepersistence":              "cache.enablePersistence",
			"invalidation.debouncems":              "invalidation.debounceMs",
			"invalidation.maxbatchsize":            "invalidation.maxBatchSize",
			"invalidation.enablesmartinvalidation": "invalidation.enableSmartInvalidation",
			"invalidation.enablecascading":         "invalidation.enableCascading",
			"invalidation.maxcacheageseconds":      "invalidation.maxCacheAgeSeconds",
			"watcher.excludepatterns":              "watcher.excludePatterns",
			"watcher.debouncems":                   "watcher.debounceMs",
			"watcher.maxevents":                    "watcher.maxEvents",
			"watcher.enablerecursive":              "watcher.enableRecursive",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__MAX_SIZE ->
			// cache.maxsize -> cache.maxSize).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parserForFile selects the koanf parser by extension; yaml is the default
// for extensionless paths.
func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"cache": map[string]any{
			"maxSize":           cfg.Cache.MaxSize,
			"maxAgeSeconds":     cfg.Cache.MaxAgeSeconds,
			"enableCompression": cfg.Cache.EnableCompression,
			"enablePersistence": cfg.Cache.EnablePersistence,
			"validator":         cfg.Cache.Validator,
		},
		"invalidation": map[string]any{
			"debounceMs":              cfg.Invalidation.DebounceMs,
			"maxBatchSize":            cfg.Invalidation.MaxBatchSize,
			"enableSmartInvalidation": cfg.Invalidation.EnableSmartInvalidation,
			"enableCascading":         cfg.Invalidation.EnableCascading,
			"maxCacheAgeSeconds":      cfg.Invalidation.MaxCacheAgeSeconds,
		},
		"watcher": map[string]any{
			"patterns":        cfg.Watcher.Patterns,
			"excludePatterns": cfg.Watcher.ExcludePatterns,
			"debounceMs":      cfg.Watcher.DebounceMs,
			"maxEvents":       cfg.Watcher.MaxEvents,
			"enableRecursive": cfg.Watcher.EnableRecursive,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"address": cfg.Metrics.Address,
		},
	}
}

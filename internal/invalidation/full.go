package invalidation

import (
	"log/slog"
	"time"
)

const (
	fullImpactFloor        = 20
	fullCacheSizeThreshold = 10000
)

// wildcardKey addresses every entry in every registered store. Mirrors the
// store package's reserved key.
const wildcardKey = "*"

// FullStrategy flushes everything. It applies when the change is too
// disruptive or too widespread for targeted invalidation to be trustworthy.
type FullStrategy struct {
	logger *slog.Logger
}

// NewFullStrategy constructs the full strategy.
func NewFullStrategy(logger *slog.Logger) *FullStrategy {
	return &FullStrategy{logger: logger}
}

// Name implements Strategy.
func (s *FullStrategy) Name() string { return StrategyFull }

// Priority implements Strategy.
func (s *FullStrategy) Priority() int { return selectionPriorityFull }

// CanHandle accepts high-impact changes, configuration changes, oversized
// caches, and edits to a workspace's main file.
func (s *FullStrategy) CanHandle(ctx *Context) bool {
	return ctx.ImpactScore() >= fullImpactFloor ||
		ctx.Event.Type == EventConfigChanged ||
		ctx.TotalCacheSize > fullCacheSizeThreshold ||
		IsMainFile(ctx.Event.FilePath)
}

// Execute yields the single wildcard key. Affected files are reported as
// cascaded for bookkeeping.
func (s *FullStrategy) Execute(ctx *Context) (Result, error) {
	start := time.Now()

	if s.logger != nil {
		s.logger.Debug("full invalidation",
			slog.String("event_type", string(ctx.Event.Type)),
			slog.Int("cache_size", ctx.TotalCacheSize))
	}
	return Result{
		Strategy:        StrategyFull,
		InvalidatedKeys: []string{wildcardKey},
		CascadedFiles:   dedupe(ctx.AffectedFiles),
		Elapsed:         time.Since(start),
	}, nil
}

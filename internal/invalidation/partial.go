package invalidation

import (
	"log/slog"
	"time"
)

const (
	partialImpactCeiling = 10
	partialMaxFiles      = 5
)

// PartialStrategy invalidates only the keys derived from the files that
// actually changed. It is the cheapest option and applies to small, low
// impact edits.
type PartialStrategy struct {
	logger *slog.Logger
}

// NewPartialStrategy constructs the partial strategy.
func NewPartialStrategy(logger *slog.Logger) *PartialStrategy {
	return &PartialStrategy{logger: logger}
}

// Name implements Strategy.
func (s *PartialStrategy) Name() string { return StrategyPartial }

// Priority implements Strategy.
func (s *PartialStrategy) Priority() int { return selectionPriorityPartial }

// CanHandle accepts small modification events with low impact.
func (s *PartialStrategy) CanHandle(ctx *Context) bool {
	return ctx.ImpactScore() < partialImpactCeiling &&
		ctx.Event.Type == EventModified &&
		len(ctx.AffectedFiles) <= partialMaxFiles
}

// Execute derives key variants from the affected files alone; nothing
// cascades.
func (s *PartialStrategy) Execute(ctx *Context) (Result, error) {
	start := time.Now()

	var keys []string
	for _, file := range ctx.AffectedFiles {
		keys = append(keys, KeysForFile(file)...)
	}
	keys = dedupe(keys)

	if s.logger != nil {
		s.logger.Debug("partial invalidation",
			slog.Int("files", len(ctx.AffectedFiles)),
			slog.Int("keys", len(keys)))
	}
	return Result{
		Strategy:        StrategyPartial,
		InvalidatedKeys: keys,
		Elapsed:         time.Since(start),
	}, nil
}

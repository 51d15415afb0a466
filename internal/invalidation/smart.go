package invalidation

import (
	"log/slog"
	"time"
)

// smartDampWindow keeps a burst of invalidations from flapping between
// aggressive strategies: anything within the window is forced down to
// partial.
const smartDampWindow = 5 * time.Second

// SmartStrategy delegates to one of the concrete strategies based on recency,
// file role, and the delegates' own applicability checks. It always applies,
// which makes it the registry's safety net.
type SmartStrategy struct {
	logger  *slog.Logger
	full    Strategy
	cascade Strategy // nil when cascading is disabled
	partial Strategy
}

// NewSmartStrategy constructs the smart strategy over its delegates. Cascade
// may be nil.
func NewSmartStrategy(logger *slog.Logger, full, cascade, partial Strategy) *SmartStrategy {
	return &SmartStrategy{logger: logger, full: full, cascade: cascade, partial: partial}
}

// Name implements Strategy.
func (s *SmartStrategy) Name() string { return StrategySmart }

// Priority implements Strategy. The high selection priority makes Smart the
// default pick; merge ordering is handled separately by mergeRank.
func (s *SmartStrategy) Priority() int { return selectionPrioritySmart }

// CanHandle always accepts.
func (s *SmartStrategy) CanHandle(*Context) bool { return true }

// Execute picks a delegate and re-labels its result as smart while keeping
// the computed keys and cascaded files.
func (s *SmartStrategy) Execute(ctx *Context) (Result, error) {
	delegate := s.pick(ctx)

	result, err := delegate.Execute(ctx)
	if err != nil {
		return Result{Strategy: StrategySmart}, err
	}
	if s.logger != nil {
		s.logger.Debug("smart delegation", slog.String("delegate", delegate.Name()))
	}
	result.Strategy = StrategySmart
	return result, nil
}

func (s *SmartStrategy) pick(ctx *Context) Strategy {
	// Damp flapping: do the cheapest thing when invalidations come fast.
	if ctx.SinceLastInvalidation >= 0 && ctx.SinceLastInvalidation < smartDampWindow {
		return s.partial
	}
	// Include files ripple; only the graph walk catches the ripple.
	if s.cascade != nil && IsIncludeFile(ctx.Event.FilePath) {
		return s.cascade
	}
	ordered := []Strategy{s.full, s.cascade, s.partial}
	for _, candidate := range ordered {
		if candidate == nil {
			continue
		}
		if candidate.CanHandle(ctx) {
			return candidate
		}
	}
	return s.partial
}

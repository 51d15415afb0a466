package invalidation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Strategy names as reported in results and statistics.
const (
	StrategyPartial = "partial"
	StrategyCascade = "cascade"
	StrategyFull    = "full"
	StrategySmart   = "smart"
)

// Selection priorities rank strategies when the registry picks a candidate.
// They are used for selection only; combining per-group results inside one
// batch uses mergeRank, a separate ordering, so Smart's always-applicable
// priority never leaks into merge comparisons.
const (
	selectionPriorityPartial = 100
	selectionPriorityCascade = 200
	selectionPriorityFull    = 300
	selectionPrioritySmart   = 1000
)

// mergeRank orders reported strategies by how sweeping their effect is. A
// batch that executed both a Full and a Smart group reports Full.
func mergeRank(name string) int {
	switch name {
	case StrategyFull:
		return 3
	case StrategyCascade:
		return 2
	case StrategySmart:
		return 1
	case StrategyPartial:
		return 0
	default:
		return -1
	}
}

// Strategy computes which cache keys a change invalidates. Implementations
// must be safe for concurrent use.
type Strategy interface {
	Name() string
	// Priority is the selection priority; higher wins when several
	// strategies claim the same context.
	Priority() int
	CanHandle(ctx *Context) bool
	Execute(ctx *Context) (Result, error)
}

// ErrNoStrategy is reported when no registered strategy claims a context.
// The default registry cannot hit this because Smart always applies; it
// guards custom registries.
var ErrNoStrategy = errors.New("invalidation: no strategy claims the context")

// Registry holds the available strategies. It is an explicit instance owned
// by the manager, never process-global, so tests stay isolated.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// RegistryOptions tunes the built-in strategy set.
type RegistryOptions struct {
	Logger *slog.Logger
	// EnableCascading controls whether the cascade strategy participates.
	EnableCascading bool
}

// NewRegistry pre-registers the built-in strategies: partial, full, smart,
// and (unless disabled) cascade. Smart delegates to the other instances.
func NewRegistry(opts RegistryOptions) *Registry {
	partial := NewPartialStrategy(opts.Logger)
	full := NewFullStrategy(opts.Logger)

	// The cascade delegate stays a nil interface when disabled so Smart can
	// test for its absence directly.
	var cascade Strategy
	if opts.EnableCascading {
		cascade = NewCascadeStrategy(opts.Logger)
	}
	smart := NewSmartStrategy(opts.Logger, full, cascade, partial)

	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(partial)
	r.Register(full)
	if cascade != nil {
		r.Register(cascade)
	}
	r.Register(smart)
	return r
}

// Register adds or replaces a strategy by name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Strategy looks up a registered strategy by name.
func (r *Registry) Strategy(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// FindBestStrategy returns the highest-priority strategy whose CanHandle
// accepts the context.
func (r *Registry) FindBestStrategy(ctx *Context) (Strategy, error) {
	r.mu.RLock()
	candidates := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if s.CanHandle(ctx) {
			candidates = append(candidates, s)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: event %s (%s)", ErrNoStrategy, ctx.Event.ID, ctx.Event.Type)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority() != candidates[j].Priority() {
			return candidates[i].Priority() > candidates[j].Priority()
		}
		return candidates[i].Name() < candidates[j].Name()
	})
	return candidates[0], nil
}

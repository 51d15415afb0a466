package invalidation

import (
	"log/slog"
	"time"
)

const cascadeImpactFloor = 3

// CascadeStrategy walks the dependency graph outward from the affected files
// and invalidates the full transitive closure. It covers the include-file
// case where editing one journal changes everything that pulls it in.
type CascadeStrategy struct {
	logger *slog.Logger
}

// NewCascadeStrategy constructs the cascade strategy.
func NewCascadeStrategy(logger *slog.Logger) *CascadeStrategy {
	return &CascadeStrategy{logger: logger}
}

// Name implements Strategy.
func (s *CascadeStrategy) Name() string { return StrategyCascade }

// Priority implements Strategy.
func (s *CascadeStrategy) Priority() int { return selectionPriorityCascade }

// CanHandle accepts any context with a populated dependency graph and either
// a non-trivial impact or a plain modification.
func (s *CascadeStrategy) CanHandle(ctx *Context) bool {
	if len(ctx.DependencyGraph) == 0 {
		return false
	}
	return ctx.ImpactScore() >= cascadeImpactFloor || ctx.Event.Type == EventModified
}

// Execute computes the transitive closure over both forward dependencies and
// reverse dependents, then derives keys for every file in the closure.
func (s *CascadeStrategy) Execute(ctx *Context) (Result, error) {
	start := time.Now()

	closure := s.closure(ctx.AffectedFiles, ctx.DependencyGraph)

	var keys []string
	for _, file := range closure {
		keys = append(keys, KeysForFile(file)...)
	}
	keys = dedupe(keys)

	if s.logger != nil {
		s.logger.Debug("cascade invalidation",
			slog.Int("seed_files", len(ctx.AffectedFiles)),
			slog.Int("cascaded_files", len(closure)),
			slog.Int("keys", len(keys)))
	}
	return Result{
		Strategy:        StrategyCascade,
		InvalidatedKeys: keys,
		CascadedFiles:   closure,
		Elapsed:         time.Since(start),
	}, nil
}

// closure breadth-first traverses forward edges and reverse edges from the
// seed files. The result includes the seeds themselves.
func (s *CascadeStrategy) closure(seeds []string, graph map[string][]string) []string {
	reverse := make(map[string][]string, len(graph))
	for from, targets := range graph {
		for _, to := range targets {
			reverse[to] = append(reverse[to], from)
		}
	}

	visited := make(map[string]struct{}, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if _, ok := visited[seed]; ok {
			continue
		}
		visited[seed] = struct{}{}
		queue = append(queue, seed)
	}

	var result []string
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		result = append(result, file)

		for _, next := range graph[file] {
			if _, ok := visited[next]; !ok {
				visited[next] = struct{}{}
				queue = append(queue, next)
			}
		}
		for _, next := range reverse[file] {
			if _, ok := visited[next]; !ok {
				visited[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	return dedupe(result)
}

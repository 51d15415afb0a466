package invalidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func modifiedContext(files ...string) *Context {
	path := ""
	if len(files) > 0 {
		path = files[0]
	}
	return &Context{
		Event:                 Event{Type: EventModified, FilePath: path},
		AffectedFiles:         files,
		SinceLastInvalidation: time.Hour,
	}
}

func TestPartialHandlesSmallModifications(t *testing.T) {
	s := NewPartialStrategy(nil)
	require.True(t, s.CanHandle(modifiedContext("/ws/2024.journal")))
}

func TestPartialRejectsNonModifyEvents(t *testing.T) {
	s := NewPartialStrategy(nil)
	ctx := modifiedContext("/ws/2024.journal")
	ctx.Event.Type = EventDeleted
	require.False(t, s.CanHandle(ctx))
}

func TestPartialRejectsWideChanges(t *testing.T) {
	s := NewPartialStrategy(nil)
	ctx := modifiedContext("/ws/a.journal", "/ws/b.journal", "/ws/c.journal", "/ws/d.journal", "/ws/e.journal", "/ws/f.journal")
	require.False(t, s.CanHandle(ctx))
}

func TestPartialExecuteDerivesKeysWithoutCascading(t *testing.T) {
	s := NewPartialStrategy(nil)
	result, err := s.Execute(modifiedContext("/ws/a.journal"))
	require.NoError(t, err)
	require.Equal(t, StrategyPartial, result.Strategy)
	require.Contains(t, result.InvalidatedKeys, "a.journal:parse")
	require.Empty(t, result.CascadedFiles)
}

func TestCascadeRequiresGraph(t *testing.T) {
	s := NewCascadeStrategy(nil)
	require.False(t, s.CanHandle(modifiedContext("/ws/a.journal")))

	ctx := modifiedContext("/ws/a.journal")
	ctx.DependencyGraph = map[string][]string{"/ws/a.journal": {"/ws/b.journal"}}
	require.True(t, s.CanHandle(ctx))
}

func TestCascadeExecuteWalksBothDirections(t *testing.T) {
	s := NewCascadeStrategy(nil)
	ctx := modifiedContext("/ws/b.journal")
	// a includes b, b includes c; editing b must reach both neighbors.
	ctx.DependencyGraph = map[string][]string{
		"/ws/a.journal": {"/ws/b.journal"},
		"/ws/b.journal": {"/ws/c.journal"},
	}

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, StrategyCascade, result.Strategy)
	require.ElementsMatch(t, []string{"/ws/a.journal", "/ws/b.journal", "/ws/c.journal"}, result.CascadedFiles)
	require.Contains(t, result.InvalidatedKeys, "a.journal:parse")
	require.Contains(t, result.InvalidatedKeys, "c.journal:parse")
}

func TestCascadeClosureIsTransitive(t *testing.T) {
	s := NewCascadeStrategy(nil)
	ctx := modifiedContext("/ws/a.journal")
	ctx.DependencyGraph = map[string][]string{
		"/ws/a.journal": {"/ws/b.journal"},
		"/ws/b.journal": {"/ws/c.journal"},
		"/ws/c.journal": {"/ws/d.journal"},
		"/ws/x.journal": {"/ws/y.journal"},
	}

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"/ws/a.journal", "/ws/b.journal", "/ws/c.journal", "/ws/d.journal"},
		result.CascadedFiles)
	require.NotContains(t, result.CascadedFiles, "/ws/x.journal")
}

func TestFullWildcardRegardlessOfContext(t *testing.T) {
	s := NewFullStrategy(nil)
	contexts := []*Context{
		{},
		modifiedContext("/ws/a.journal"),
		{Event: Event{Type: EventConfigChanged}, AffectedFiles: []string{"/ws/a.journal", "/ws/b.journal"}},
	}
	for _, ctx := range contexts {
		result, err := s.Execute(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"*"}, result.InvalidatedKeys)
	}
}

func TestFullCanHandleTriggers(t *testing.T) {
	s := NewFullStrategy(nil)

	require.True(t, s.CanHandle(&Context{Event: Event{Type: EventConfigChanged}}))
	require.True(t, s.CanHandle(&Context{Event: Event{Type: EventModified, FilePath: "/ws/main.journal"}}))
	require.True(t, s.CanHandle(&Context{Event: Event{Type: EventModified}, TotalCacheSize: 20000}))
	// delete=10 doubled for a main file crosses the impact floor.
	require.True(t, s.CanHandle(&Context{Event: Event{Type: EventDeleted, FilePath: "/ws/all.journal"}}))
	require.False(t, s.CanHandle(modifiedContext("/ws/2024.journal")))
}

func TestSmartAlwaysApplies(t *testing.T) {
	registry := NewRegistry(RegistryOptions{EnableCascading: true})
	smart, ok := registry.Strategy(StrategySmart)
	require.True(t, ok)
	require.True(t, smart.CanHandle(&Context{}))
	require.True(t, smart.CanHandle(modifiedContext("/ws/a.journal")))
}

func TestSmartDampsRapidInvalidations(t *testing.T) {
	registry := NewRegistry(RegistryOptions{EnableCascading: true})
	smart, _ := registry.Strategy(StrategySmart)

	// Config change would normally be a full flush; recency forces partial.
	ctx := &Context{
		Event:                 Event{Type: EventConfigChanged, FilePath: "/ws/a.journal"},
		AffectedFiles:         []string{"/ws/a.journal"},
		SinceLastInvalidation: time.Second,
	}
	result, err := smart.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, StrategySmart, result.Strategy)
	require.NotContains(t, result.InvalidatedKeys, "*")
}

func TestSmartForcesCascadeForIncludeFiles(t *testing.T) {
	registry := NewRegistry(RegistryOptions{EnableCascading: true})
	smart, _ := registry.Strategy(StrategySmart)

	ctx := &Context{
		Event:                 Event{Type: EventModified, FilePath: "/ws/includes/accounts.journal"},
		AffectedFiles:         []string{"/ws/includes/accounts.journal"},
		SinceLastInvalidation: time.Hour,
		DependencyGraph: map[string][]string{
			"/ws/main.journal": {"/ws/includes/accounts.journal"},
		},
	}
	result, err := smart.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, StrategySmart, result.Strategy)
	require.Contains(t, result.CascadedFiles, "/ws/main.journal")
}

func TestSmartDelegatesToFullForConfigChanges(t *testing.T) {
	registry := NewRegistry(RegistryOptions{EnableCascading: true})
	smart, _ := registry.Strategy(StrategySmart)

	ctx := &Context{
		Event:                 Event{Type: EventConfigChanged},
		SinceLastInvalidation: time.Hour,
	}
	result, err := smart.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"*"}, result.InvalidatedKeys)
	require.Equal(t, StrategySmart, result.Strategy)
}

func TestSmartFallsBackToPartialWithoutCascade(t *testing.T) {
	registry := NewRegistry(RegistryOptions{EnableCascading: false})
	smart, _ := registry.Strategy(StrategySmart)

	ctx := &Context{
		Event:                 Event{Type: EventModified, FilePath: "/ws/includes/accounts.journal"},
		AffectedFiles:         []string{"/ws/includes/accounts.journal"},
		SinceLastInvalidation: time.Hour,
		DependencyGraph: map[string][]string{
			"/ws/main.journal": {"/ws/includes/accounts.journal"},
		},
	}
	result, err := smart.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, StrategySmart, result.Strategy)
	require.Empty(t, result.CascadedFiles)
}

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Accounts int `json:"accounts"`
}

func newTestStore(t *testing.T, cfg Config[payload]) *Store[payload] {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config[payload]{}, nil, nil)
	require.Error(t, err)
}

func TestGetSetRoundtrip(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("a.journal:parse", payload{Accounts: 3}, []string{"/ws/a.journal"}, []string{"parse"}))

	got, ok := s.Get("a.journal:parse")
	require.True(t, ok)
	require.Equal(t, 3, got.Accounts)
	require.True(t, s.Has("a.journal:parse"))

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestSetReplacesPriorEntryAndIndexes(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("k", payload{Accounts: 1}, []string{"/ws/old.journal"}, []string{"old"}))
	require.NoError(t, s.Set("k", payload{Accounts: 2}, []string{"/ws/new.journal"}, []string{"new"}))

	require.Empty(t, s.InvalidateByDependencies([]string{"/ws/old.journal"}))
	require.Equal(t, []string{"k"}, s.InvalidateByDependencies([]string{"/ws/new.journal"}))
}

func TestDeleteReportsRemoval(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("k", payload{}, nil, nil))
	require.True(t, s.Delete("k"))
	require.False(t, s.Delete("k"))
	require.False(t, s.Has("k"))
}

func TestClearIsIdempotent(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("a", payload{}, []string{"/ws/a.journal"}, []string{"t"}))
	require.NoError(t, s.Set("b", payload{}, nil, nil))

	s.Clear()
	require.Equal(t, 0, s.Len())
	s.Clear()
	require.Equal(t, 0, s.Len())

	m := s.GetMetrics()
	require.Zero(t, m.TotalHits)
	require.Zero(t, m.TotalMisses)
}

func TestEvictionBound(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 20})

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), payload{Accounts: i}, nil, nil))
		require.LessOrEqual(t, s.Len(), 20)
	}
}

func TestEvictionPrefersUnaccessedEntries(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 5})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), payload{Accounts: i}, nil, nil))
	}
	// Touch two entries so they outrank the untouched ones.
	_, ok := s.Get("k0")
	require.True(t, ok)
	_, ok = s.Get("k1")
	require.True(t, ok)

	require.NoError(t, s.Set("k5", payload{Accounts: 5}, nil, nil))

	require.True(t, s.Has("k0"))
	require.True(t, s.Has("k1"))
	require.True(t, s.Has("k5"))
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10, MaxAge: 50 * time.Millisecond})

	require.NoError(t, s.Set("k", payload{}, nil, nil))
	require.True(t, s.Has("k"))

	time.Sleep(100 * time.Millisecond)
	require.False(t, s.Has("k"))
}

func TestSweepReclaimsExpiredEntries(t *testing.T) {
	s := newTestStore(t, Config[payload]{
		MaxSize:       10,
		MaxAge:        20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	require.NoError(t, s.Set("k", payload{}, nil, nil))

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, time.Second, 5*time.Millisecond, "sweep should reclaim the expired entry without a read")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10, MaxAge: time.Minute})
	s.Close()
	s.Close()
}

func TestInvalidateByDependencies(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("k", payload{Accounts: 1}, []string{"/ws/f.journal"}, nil))
	require.NoError(t, s.Set("other", payload{Accounts: 2}, []string{"/ws/g.journal"}, nil))

	removed := s.InvalidateByDependencies([]string{"/ws/f.journal"})
	require.Equal(t, []string{"k"}, removed)

	_, ok := s.Get("k")
	require.False(t, ok)
	require.True(t, s.Has("other"))
}

func TestInvalidateByDependenciesSharedFile(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("a", payload{}, []string{"/ws/shared.journal"}, nil))
	require.NoError(t, s.Set("b", payload{}, []string{"/ws/shared.journal", "/ws/b.journal"}, nil))

	removed := s.InvalidateByDependencies([]string{"/ws/shared.journal"})
	require.ElementsMatch(t, []string{"a", "b"}, removed)
	require.Equal(t, 0, s.Len())
}

func TestInvalidateByTags(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("a", payload{}, nil, []string{"accounts"}))
	require.NoError(t, s.Set("b", payload{}, nil, []string{"payees"}))

	removed := s.InvalidateByTags([]string{"accounts"})
	require.Equal(t, []string{"a"}, removed)
	require.False(t, s.Has("a"))
	require.True(t, s.Has("b"))
}

func TestGetMetrics(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("k", payload{Accounts: 1}, nil, nil))
	s.Get("k")
	s.Get("k")
	s.Get("missing")

	m := s.GetMetrics()
	require.EqualValues(t, 2, m.TotalHits)
	require.EqualValues(t, 1, m.TotalMisses)
	require.InDelta(t, 2.0/3.0, m.HitRate, 0.001)
	require.InDelta(t, 1.0/3.0, m.MissRate, 0.001)
	require.Equal(t, 1, m.EntryCount)
	require.Positive(t, m.ApproxMemoryBytes)
}

func TestSetSerializerFailureIsValidationError(t *testing.T) {
	s, err := New(Config[any]{Name: "raw", MaxSize: 10}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	err = s.Set("bad", func() {}, nil, nil)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "bad", verr.Key)
	require.Equal(t, 0, s.Len())
}

func TestValidatorRejectionOnGet(t *testing.T) {
	s := newTestStore(t, Config[payload]{
		MaxSize: 10,
		Validator: func(info EntryInfo) bool {
			return info.Key != "doomed"
		},
	})

	require.NoError(t, s.Set("doomed", payload{}, nil, nil))
	require.NoError(t, s.Set("fine", payload{}, nil, nil))

	_, ok := s.Get("doomed")
	require.False(t, ok)
	require.Equal(t, 1, s.Len())
	require.True(t, s.Has("fine"))
}

func TestDependencyGraphProjection(t *testing.T) {
	s := newTestStore(t, Config[payload]{MaxSize: 10})

	require.NoError(t, s.Set("k", payload{}, []string{"/ws/main.journal", "/ws/2024.journal"}, nil))

	graph := s.DependencyGraph()
	require.Contains(t, graph["/ws/main.journal"], "/ws/2024.journal")
	require.Contains(t, graph["/ws/2024.journal"], "/ws/main.journal")
}

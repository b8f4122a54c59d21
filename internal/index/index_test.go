package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func rule(id string, priority int, created time.Duration) *models.Rule {
	return &models.Rule{
		ID:            id,
		Name:          "rule " + id,
		ProjectID:     "p",
		EnvironmentID: "e",
		Protocol:      models.ProtocolHTTP,
		MatchType:     models.MatchTypeSimple,
		Priority:      priority,
		Enabled:       true,
		MatchCondition: models.MatchCondition{
			Method: []string{"get"},
			Path:   "/x",
		},
		Response: models.ResponseDefinition{
			Type:    models.ResponseTypeStatic,
			Content: models.ResponseContent{StatusCode: 200},
		},
		CreatedAt: epoch.Add(created),
		UpdatedAt: epoch.Add(created),
	}
}

func ids(snap *Snapshot) []string {
	result := make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		result = append(result, e.Rule.ID)
	}
	return result
}

func TestCompile_Strategies(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		r := rule("a", 100, 0)
		r.MatchCondition.IPWhitelist = []string{"10.0.0.0/8", "192.168.1.1"}
		entry, err := Compile(r)
		require.NoError(t, err)

		m, ok := entry.Match.(models.SimpleMatch)
		require.True(t, ok)
		assert.Equal(t, []string{"GET"}, m.Methods)
		assert.Equal(t, "/x", m.Path)
		assert.Len(t, m.Whitelist, 2)
		assert.True(t, m.Whitelist.Allows("10.9.9.9"))
		assert.True(t, m.Whitelist.Allows("192.168.1.1"))
		assert.IsType(t, models.StaticResponse{}, entry.Response)
		assert.Nil(t, entry.Delay)
	})

	t.Run("regex is anchored", func(t *testing.T) {
		r := rule("a", 100, 0)
		r.MatchType = models.MatchTypeRegex
		r.MatchCondition.Path = "/api/users/.*"
		r.MatchCondition.Headers = map[string]string{"X-Version": "v[0-9]+"}
		entry, err := Compile(r)
		require.NoError(t, err)

		m := entry.Match.(models.RegexMatch)
		assert.True(t, m.Path.MatchString("/api/users/42"))
		assert.False(t, m.Path.MatchString("/api/orders/1"))
		assert.False(t, m.Path.MatchString("/v2/api/users/1"))
		assert.True(t, m.Headers["X-Version"].MatchString("v2"))
		assert.False(t, m.Headers["X-Version"].MatchString("v2-beta"))
	})

	t.Run("script", func(t *testing.T) {
		r := rule("a", 100, 0)
		r.MatchType = models.MatchTypeScript
		r.MatchCondition.Script = "true"
		entry, err := Compile(r)
		require.NoError(t, err)
		assert.Equal(t, models.ScriptMatch{Source: "true"}, entry.Match)
	})

	t.Run("response and delay variants", func(t *testing.T) {
		r := rule("a", 100, 0)
		r.Response = models.ResponseDefinition{
			Type:      models.ResponseTypeProxy,
			TimeoutMs: 300,
			Content:   models.ResponseContent{Headers: map[string]string{"X-Mock": "1"}},
		}
		r.Delay = &models.DelayDefinition{Type: models.DelayTypeStep, Base: 10, Step: 5, Limit: 50}
		entry, err := Compile(r)
		require.NoError(t, err)

		assert.Equal(t, models.ProxyResponse{Headers: map[string]string{"X-Mock": "1"}, Timeout: 300}, entry.Response)
		assert.Equal(t, models.StepDelay{BaseMs: 10, StepMs: 5, LimitMs: 50}, entry.Delay)
	})
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.Rule)
	}{
		{"script without body", func(r *models.Rule) { r.MatchType = models.MatchTypeScript }},
		{"bad regex", func(r *models.Rule) {
			r.MatchType = models.MatchTypeRegex
			r.MatchCondition.Path = "/api/(unclosed"
		}},
		{"bad header regex", func(r *models.Rule) {
			r.MatchType = models.MatchTypeRegex
			r.MatchCondition.Headers = map[string]string{"X": "[z-a]"}
		}},
		{"bad whitelist", func(r *models.Rule) { r.MatchCondition.IPWhitelist = []string{"300.1.1.1"} }},
		{"priority out of range", func(r *models.Rule) { r.Priority = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("bad", 100, 0)
			tt.mutate(r)
			_, err := Compile(r)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidRule)
		})
	}
}

func TestBuild_Ordering(t *testing.T) {
	low := rule("low", 10, 0)
	highLate := rule("high-late", 900, 2*time.Second)
	highEarly := rule("high-early", 900, time.Second)
	mid := rule("mid", 500, 0)

	snap := Build("p", "e", []*models.Rule{low, highLate, mid, highEarly}, nil)

	assert.Equal(t, []string{"high-early", "high-late", "mid", "low"}, ids(snap))
}

func TestBuild_SequenceBreaksTimestampTies(t *testing.T) {
	a := rule("a", 100, 0)
	a.Sequence = 2
	b := rule("b", 100, 0)
	b.Sequence = 1

	snap := Build("p", "e", []*models.Rule{a, b}, nil)
	assert.Equal(t, []string{"b", "a"}, ids(snap))

	// deterministic across rebuilds regardless of input order
	again := Build("p", "e", []*models.Rule{b, a}, snap)
	assert.Equal(t, ids(snap), ids(again))
}

func TestBuild_SequenceWinsOverSkewedTimestamps(t *testing.T) {
	// first stored, but its writer's clock ran ahead
	first := rule("first", 100, time.Minute)
	first.Sequence = 1
	second := rule("second", 100, 0)
	second.Sequence = 2
	unassigned := rule("unassigned", 100, 2*time.Minute)

	snap := Build("p", "e", []*models.Rule{second, unassigned, first}, nil)
	assert.Equal(t, []string{"first", "second"}, ids(snap)[:2])
	assert.Equal(t, "unassigned", ids(snap)[2])
}

func TestBuild_FiltersAndExcludes(t *testing.T) {
	disabled := rule("disabled", 999, 0)
	disabled.Enabled = false
	otherEnv := rule("other", 999, 0)
	otherEnv.EnvironmentID = "e2"
	invalid := rule("invalid", 999, 0)
	invalid.MatchType = models.MatchTypeScript
	ok := rule("ok", 1, 0)

	snap := Build("p", "e", []*models.Rule{disabled, otherEnv, invalid, ok, nil}, nil)

	assert.Equal(t, []string{"ok"}, ids(snap))
	require.Len(t, snap.Excluded, 1)
	assert.Equal(t, "invalid", snap.Excluded[0].RuleID)
	assert.Contains(t, snap.Excluded[0].Reason, "InvalidRuleDefinition")
}

func TestBuild_CounterCarryOver(t *testing.T) {
	r := rule("a", 100, 0)
	first := Build("p", "e", []*models.Rule{r}, nil)
	first.Entries[0].NextInvocation()
	first.Entries[0].NextInvocation()

	unchanged := Build("p", "e", []*models.Rule{r}, first)
	assert.Equal(t, int64(2), unchanged.Entries[0].Invocations())

	edited := *r
	edited.UpdatedAt = r.UpdatedAt.Add(time.Minute)
	changed := Build("p", "e", []*models.Rule{&edited}, unchanged)
	assert.Equal(t, int64(0), changed.Entries[0].Invocations())
}

func TestEntry_NextInvocation(t *testing.T) {
	entry, err := Compile(rule("a", 100, 0))
	require.NoError(t, err)

	assert.Equal(t, int64(0), entry.NextInvocation())
	assert.Equal(t, int64(1), entry.NextInvocation())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry.NextInvocation()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(102), entry.Invocations())
}

type fakeSource struct {
	mu    sync.Mutex
	rules []*models.Rule
	fails int
	calls atomic.Int32
	wait  chan struct{}
	// hold stalls only the first call, after it has read the rules
	hold chan struct{}
}

func (f *fakeSource) GetEnabledRules(ctx context.Context, projectID, environmentID string) ([]*models.Rule, error) {
	n := f.calls.Add(1)
	if f.wait != nil {
		<-f.wait
	}
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("source unavailable")
	}
	rules := f.rules
	f.mu.Unlock()

	if n == 1 && f.hold != nil {
		<-f.hold
	}
	return rules, nil
}

func (f *fakeSource) set(rules ...*models.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = rules
}

func TestManager_LazyBuildAndSwap(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("a", 100, 0)}}
	m := NewManager(src, Options{Attempts: 1})

	assert.Nil(t, m.Current("p", "e"))

	snap, err := m.RulesFor(context.Background(), "p", "e")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(snap))

	// cached until rebuilt
	src.set(rule("b", 100, 0))
	again, err := m.RulesFor(context.Background(), "p", "e")
	require.NoError(t, err)
	assert.Same(t, snap, again)

	rebuilt, err := m.Rebuild(context.Background(), "p", "e")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(rebuilt))

	// the old snapshot is untouched
	assert.Equal(t, []string{"a"}, ids(snap))
	assert.Same(t, rebuilt, m.Current("p", "e"))
}

func TestManager_RetriesSource(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("a", 100, 0)}, fails: 2}
	m := NewManager(src, Options{Attempts: 3, Delay: time.Millisecond})

	snap, err := m.Rebuild(context.Background(), "p", "e")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestManager_FailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("a", 100, 0)}}
	m := NewManager(src, Options{Attempts: 2, Delay: time.Millisecond})

	before, err := m.Rebuild(context.Background(), "p", "e")
	require.NoError(t, err)

	src.mu.Lock()
	src.fails = 5
	src.mu.Unlock()

	_, err = m.Rebuild(context.Background(), "p", "e")
	require.Error(t, err)
	assert.Same(t, before, m.Current("p", "e"))
}

func TestManager_CoalescesConcurrentFirstBuilds(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("a", 100, 0)}, wait: make(chan struct{})}
	m := NewManager(src, Options{Attempts: 1})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RulesFor(context.Background(), "p", "e")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(src.wait)
	wg.Wait()

	assert.Less(t, src.calls.Load(), int32(10))
	assert.NotNil(t, m.Current("p", "e"))
}

func TestManager_RebuildAfterWriteSeesNewRules(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("old", 100, 0)}, hold: make(chan struct{})}
	m := NewManager(src, Options{Attempts: 1})

	// a lazy build reads the old rules and stalls
	lazy := make(chan *Snapshot, 1)
	go func() {
		snap, _ := m.RulesFor(context.Background(), "p", "e")
		lazy <- snap
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	// a write lands and triggers a rebuild while the lazy build is in flight
	src.set(rule("new", 100, 0))
	rebuilt, err := m.Rebuild(context.Background(), "p", "e")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(rebuilt))
	assert.Equal(t, []string{"new"}, ids(m.Current("p", "e")))

	// the stale fetch finishing late must not win
	close(src.hold)
	late := <-lazy
	assert.Equal(t, []string{"new"}, ids(late))
	assert.Equal(t, []string{"new"}, ids(m.Current("p", "e")))
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestManager_Drop(t *testing.T) {
	src := &fakeSource{rules: []*models.Rule{rule("a", 100, 0)}}
	m := NewManager(src, Options{})

	_, err := m.RulesFor(context.Background(), "p", "e")
	require.NoError(t, err)

	m.Drop("p", "e")
	assert.Nil(t, m.Current("p", "e"))
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prasenjit/go-mockengine/internal/models"
)

func newRule(id, project, env string, enabled bool) *models.Rule {
	now := time.Now()
	return &models.Rule{
		ID:            id,
		Name:          "rule " + id,
		ProjectID:     project,
		EnvironmentID: env,
		Protocol:      models.ProtocolHTTP,
		MatchType:     models.MatchTypeSimple,
		Priority:      100,
		Enabled:       enabled,
		MatchCondition: models.MatchCondition{
			Method:  []string{"GET"},
			Path:    "/users",
			Headers: map[string]string{"X-Env": env},
		},
		Response: models.ResponseDefinition{
			Type:    models.ResponseTypeStatic,
			Content: models.ResponseContent{StatusCode: 200, Body: "ok"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	if s == nil {
		t.Fatal("NewMemoryStorage returned nil")
	}
	if s.rules == nil || s.environments == nil {
		t.Fatal("Storage maps not initialized")
	}
}

// Rule tests
func TestCreateRule(t *testing.T) {
	s := NewMemoryStorage()

	rule := newRule("rule-1", "p1", "e1", true)
	if err := s.CreateRule(rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if rule.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", rule.Sequence)
	}

	if err := s.CreateRule(rule); err == nil {
		t.Error("Expected error when creating duplicate rule")
	}
}

func TestCreateRule_SequenceIsMonotonic(t *testing.T) {
	s := NewMemoryStorage()

	var last int64
	for _, id := range []string{"a", "b", "c"} {
		rule := newRule(id, "p1", "e1", true)
		_ = s.CreateRule(rule)
		if rule.Sequence <= last {
			t.Errorf("Expected sequence above %d, got %d", last, rule.Sequence)
		}
		last = rule.Sequence
	}

	_ = s.DeleteRule("c")
	rule := newRule("d", "p1", "e1", true)
	_ = s.CreateRule(rule)
	if rule.Sequence != 4 {
		t.Errorf("Expected sequence 4 after a delete, got %d", rule.Sequence)
	}
}

func TestGetRule(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("rule-1", "p1", "e1", true))

	result, err := s.GetRule("rule-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if result.Name != "rule rule-1" {
		t.Errorf("Expected name 'rule rule-1', got %q", result.Name)
	}

	_, err = s.GetRule("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGetRule_ReturnsCopy(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("rule-1", "p1", "e1", true))

	first, _ := s.GetRule("rule-1")
	first.Name = "mutated"
	first.MatchCondition.Headers["X-Env"] = "mutated"
	first.MatchCondition.Method[0] = "DELETE"

	second, _ := s.GetRule("rule-1")
	if second.Name != "rule rule-1" {
		t.Errorf("Expected stored name to be unchanged, got %q", second.Name)
	}
	if second.MatchCondition.Headers["X-Env"] != "e1" {
		t.Errorf("Expected stored headers to be unchanged, got %q", second.MatchCondition.Headers["X-Env"])
	}
	if second.MatchCondition.Method[0] != "GET" {
		t.Errorf("Expected stored methods to be unchanged, got %q", second.MatchCondition.Method[0])
	}
}

func TestCreateRule_StoresCopy(t *testing.T) {
	s := NewMemoryStorage()
	rule := newRule("rule-1", "p1", "e1", true)
	_ = s.CreateRule(rule)

	rule.Enabled = false

	stored, _ := s.GetRule("rule-1")
	if !stored.Enabled {
		t.Error("Expected caller mutation after create not to reach storage")
	}
}

func TestListRules(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("a", "p1", "e1", true))
	_ = s.CreateRule(newRule("b", "p1", "e2", true))
	_ = s.CreateRule(newRule("c", "p2", "e1", false))

	tests := []struct {
		name     string
		project  string
		env      string
		expected int
	}{
		{"all", "", "", 3},
		{"project", "p1", "", 2},
		{"environment", "", "e1", 2},
		{"both", "p1", "e1", 1},
		{"none", "p9", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := s.ListRules(tt.project, tt.env)
			if err != nil {
				t.Fatalf("ListRules failed: %v", err)
			}
			if len(rules) != tt.expected {
				t.Errorf("Expected %d rules, got %d", tt.expected, len(rules))
			}
		})
	}
}

func TestGetEnabledRules(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("a", "p1", "e1", true))
	_ = s.CreateRule(newRule("b", "p1", "e1", false))
	_ = s.CreateRule(newRule("c", "p1", "e1", true))
	_ = s.CreateRule(newRule("d", "p1", "e2", true))

	rules, err := s.GetEnabledRules(context.Background(), "p1", "e1")
	if err != nil {
		t.Fatalf("GetEnabledRules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 enabled rules, got %d", len(rules))
	}
	if rules[0].ID != "a" || rules[1].ID != "c" {
		t.Errorf("Expected creation order [a c], got [%s %s]", rules[0].ID, rules[1].ID)
	}
}

func TestGetEnabledRules_CancelledContext(t *testing.T) {
	s := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.GetEnabledRules(ctx, "p1", "e1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestUpdateRule(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("rule-1", "p1", "e1", true))

	updated := newRule("rule-1", "p1", "e1", false)
	updated.Sequence = 99
	if err := s.UpdateRule(updated); err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}

	result, _ := s.GetRule("rule-1")
	if result.Enabled {
		t.Error("Expected rule to be disabled")
	}
	if result.Sequence != 1 {
		t.Errorf("Expected sequence to be kept at 1, got %d", result.Sequence)
	}

	if err := s.UpdateRule(newRule("nonexistent", "p1", "e1", true)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRule(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("rule-1", "p1", "e1", true))

	if err := s.DeleteRule("rule-1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := s.GetRule("rule-1"); err == nil {
		t.Error("Expected error after deleting rule")
	}
	if err := s.DeleteRule("rule-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRulesByEnvironment(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateRule(newRule("a", "p1", "e1", true))
	_ = s.CreateRule(newRule("b", "p1", "e1", true))
	_ = s.CreateRule(newRule("c", "p1", "e2", true))

	if err := s.DeleteRulesByEnvironment("e1"); err != nil {
		t.Fatalf("DeleteRulesByEnvironment failed: %v", err)
	}

	rules, _ := s.ListRules("", "")
	if len(rules) != 1 || rules[0].ID != "c" {
		t.Errorf("Expected only rule 'c' to remain, got %d rules", len(rules))
	}
}

// Environment tests
func TestEnvironmentCRUD(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	env := &models.Environment{
		ID:        "e1",
		ProjectID: "p1",
		Name:      "staging",
		BaseURL:   "http://upstream.local",
		Variables: map[string]string{"region": "eu"},
	}
	if err := s.CreateEnvironment(env); err != nil {
		t.Fatalf("CreateEnvironment failed: %v", err)
	}
	if err := s.CreateEnvironment(env); err == nil {
		t.Error("Expected error when creating duplicate environment")
	}

	baseURL, err := s.GetEnvironmentBaseURL(ctx, "e1")
	if err != nil || baseURL != "http://upstream.local" {
		t.Errorf("Expected base URL, got %q (%v)", baseURL, err)
	}

	vars, _ := s.GetEnvironmentVariables(ctx, "e1")
	vars["region"] = "mutated"
	again, _ := s.GetEnvironmentVariables(ctx, "e1")
	if again["region"] != "eu" {
		t.Errorf("Expected variables to be copied, got %q", again["region"])
	}

	env.BaseURL = "http://other.local"
	if err := s.UpdateEnvironment(env); err != nil {
		t.Fatalf("UpdateEnvironment failed: %v", err)
	}
	result, _ := s.GetEnvironment("e1")
	if result.BaseURL != "http://other.local" {
		t.Errorf("Expected updated base URL, got %q", result.BaseURL)
	}

	if err := s.DeleteEnvironment("e1"); err != nil {
		t.Fatalf("DeleteEnvironment failed: %v", err)
	}
	if _, err := s.GetEnvironmentBaseURL(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListEnvironments(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.CreateEnvironment(&models.Environment{ID: "e2", ProjectID: "p1", Name: "prod"})
	_ = s.CreateEnvironment(&models.Environment{ID: "e1", ProjectID: "p1", Name: "dev"})
	_ = s.CreateEnvironment(&models.Environment{ID: "e3", ProjectID: "p2", Name: "dev"})

	envs, _ := s.ListEnvironments("p1")
	if len(envs) != 2 {
		t.Fatalf("Expected 2 environments, got %d", len(envs))
	}
	if envs[0].Name != "dev" || envs[1].Name != "prod" {
		t.Errorf("Expected environments sorted by name, got %s, %s", envs[0].Name, envs[1].Name)
	}

	all, _ := s.ListEnvironments("")
	if len(all) != 3 {
		t.Errorf("Expected 3 environments, got %d", len(all))
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.CreateRule(newRule(string(rune('A'+i)), "p1", "e1", true))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = s.GetEnabledRules(ctx, "p1", "e1")
		}()
	}
	wg.Wait()

	rules, _ := s.GetEnabledRules(ctx, "p1", "e1")
	if len(rules) != 50 {
		t.Errorf("Expected 50 rules, got %d", len(rules))
	}
	seen := make(map[int64]bool)
	for _, rule := range rules {
		if seen[rule.Sequence] {
			t.Errorf("Duplicate sequence %d", rule.Sequence)
		}
		seen[rule.Sequence] = true
	}
}

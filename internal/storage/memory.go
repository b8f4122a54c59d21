package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// MemoryStorage implements Storage interface with in-memory storage
type MemoryStorage struct {
	mu           sync.RWMutex
	rules        map[string]*models.Rule
	environments map[string]*models.Environment
	sequence     int64
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		rules:        make(map[string]*models.Rule),
		environments: make(map[string]*models.Environment),
	}
}

// CreateRule stores a new rule and assigns its creation sequence
func (m *MemoryStorage) CreateRule(rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	m.sequence++
	rule.Sequence = m.sequence
	m.rules[rule.ID] = rule.Clone()
	return nil
}

// GetRule retrieves a rule by ID
func (m *MemoryStorage) GetRule(id string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, exists := m.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	return rule.Clone(), nil
}

// ListRules retrieves rules, optionally narrowed to a project and environment
func (m *MemoryStorage) ListRules(projectID, environmentID string) ([]*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*models.Rule, 0)
	for _, rule := range m.rules {
		if projectID != "" && rule.ProjectID != projectID {
			continue
		}
		if environmentID != "" && rule.EnvironmentID != environmentID {
			continue
		}
		rules = append(rules, rule.Clone())
	}

	sortRules(rules)
	return rules, nil
}

// GetEnabledRules retrieves the enabled rules of one (project, environment)
func (m *MemoryStorage) GetEnabledRules(ctx context.Context, projectID, environmentID string) ([]*models.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*models.Rule, 0)
	for _, rule := range m.rules {
		if rule.Enabled && rule.ProjectID == projectID && rule.EnvironmentID == environmentID {
			rules = append(rules, rule.Clone())
		}
	}

	sortRules(rules)
	return rules, nil
}

// UpdateRule replaces a rule, keeping its creation sequence
func (m *MemoryStorage) UpdateRule(rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}

	rule.Sequence = existing.Sequence
	m.rules[rule.ID] = rule.Clone()
	return nil
}

// DeleteRule deletes a rule
func (m *MemoryStorage) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	delete(m.rules, id)
	return nil
}

// DeleteRulesByEnvironment deletes all rules of an environment
func (m *MemoryStorage) DeleteRulesByEnvironment(environmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rule := range m.rules {
		if rule.EnvironmentID == environmentID {
			delete(m.rules, id)
		}
	}

	return nil
}

// CreateEnvironment creates a new environment
func (m *MemoryStorage) CreateEnvironment(env *models.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.environments[env.ID]; exists {
		return fmt.Errorf("environment with ID %s already exists", env.ID)
	}

	m.environments[env.ID] = env.Clone()
	return nil
}

// GetEnvironment retrieves an environment by ID
func (m *MemoryStorage) GetEnvironment(id string) (*models.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, exists := m.environments[id]
	if !exists {
		return nil, fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}

	return env.Clone(), nil
}

// ListEnvironments retrieves environments, optionally of one project
func (m *MemoryStorage) ListEnvironments(projectID string) ([]*models.Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	envs := make([]*models.Environment, 0, len(m.environments))
	for _, env := range m.environments {
		if projectID != "" && env.ProjectID != projectID {
			continue
		}
		envs = append(envs, env.Clone())
	}

	sort.Slice(envs, func(i, j int) bool {
		if envs[i].ProjectID != envs[j].ProjectID {
			return envs[i].ProjectID < envs[j].ProjectID
		}
		return envs[i].Name < envs[j].Name
	})

	return envs, nil
}

// UpdateEnvironment updates an environment
func (m *MemoryStorage) UpdateEnvironment(env *models.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.environments[env.ID]; !exists {
		return fmt.Errorf("environment %s: %w", env.ID, ErrNotFound)
	}

	m.environments[env.ID] = env.Clone()
	return nil
}

// DeleteEnvironment deletes an environment
func (m *MemoryStorage) DeleteEnvironment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.environments[id]; !exists {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}

	delete(m.environments, id)
	return nil
}

// GetEnvironmentBaseURL returns the upstream of an environment
func (m *MemoryStorage) GetEnvironmentBaseURL(ctx context.Context, environmentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	env, exists := m.environments[environmentID]
	if !exists {
		return "", fmt.Errorf("environment %s: %w", environmentID, ErrNotFound)
	}
	return env.BaseURL, nil
}

// GetEnvironmentVariables returns a copy of an environment's variables
func (m *MemoryStorage) GetEnvironmentVariables(ctx context.Context, environmentID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	env, exists := m.environments[environmentID]
	if !exists {
		return nil, fmt.Errorf("environment %s: %w", environmentID, ErrNotFound)
	}
	return env.Clone().Variables, nil
}

// Close closes the storage (no-op for memory storage)
func (m *MemoryStorage) Close() error {
	return nil
}

// sortRules orders rules by creation sequence
func sortRules(rules []*models.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Sequence < rules[j].Sequence
	})
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// FileStorage implements Storage interface with file-based persistence.
// Reads are served from memory; every write is mirrored to one JSON file
// per record.
type FileStorage struct {
	mu       sync.Mutex
	basePath string
	memory   *MemoryStorage
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(basePath string) (*FileStorage, error) {
	dirs := []string{
		basePath,
		filepath.Join(basePath, "rules"),
		filepath.Join(basePath, "environments"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fs := &FileStorage{
		basePath: basePath,
		memory:   NewMemoryStorage(),
	}

	if err := fs.loadAll(); err != nil {
		return nil, err
	}

	return fs, nil
}

// loadAll loads all data from disk. Unreadable files are skipped.
func (f *FileStorage) loadAll() error {
	var rules []*models.Rule
	err := readDir(filepath.Join(f.basePath, "rules"), func(data []byte) {
		var rule models.Rule
		if json.Unmarshal(data, &rule) == nil && rule.ID != "" {
			rules = append(rules, &rule)
		}
	})
	if err != nil {
		return err
	}

	// hand-written files may lack a sequence; they go after the known ones
	// in creation order
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if (a.Sequence == 0) != (b.Sequence == 0) {
			return b.Sequence == 0
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, rule := range rules {
		if rule.Sequence == 0 {
			rule.Sequence = f.memory.sequence + 1
		}
		if rule.Sequence > f.memory.sequence {
			f.memory.sequence = rule.Sequence
		}
		f.memory.rules[rule.ID] = rule
	}

	return readDir(filepath.Join(f.basePath, "environments"), func(data []byte) {
		var env models.Environment
		if json.Unmarshal(data, &env) == nil && env.ID != "" {
			f.memory.environments[env.ID] = &env
		}
	})
}

func readDir(dir string, load func(data []byte)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		load(data)
	}
	return nil
}

// save writes v atomically as <kind>/<id>.json
func (f *FileStorage) save(kind, id string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(f.basePath, kind, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStorage) remove(kind, id string) error {
	err := os.Remove(filepath.Join(f.basePath, kind, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateRule creates a new rule
func (f *FileStorage) CreateRule(rule *models.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.CreateRule(rule); err != nil {
		return err
	}

	return f.save("rules", rule.ID, rule)
}

// GetRule retrieves a rule by ID
func (f *FileStorage) GetRule(id string) (*models.Rule, error) {
	return f.memory.GetRule(id)
}

// ListRules retrieves rules, optionally narrowed to a project and environment
func (f *FileStorage) ListRules(projectID, environmentID string) ([]*models.Rule, error) {
	return f.memory.ListRules(projectID, environmentID)
}

// GetEnabledRules retrieves the enabled rules of one (project, environment)
func (f *FileStorage) GetEnabledRules(ctx context.Context, projectID, environmentID string) ([]*models.Rule, error) {
	return f.memory.GetEnabledRules(ctx, projectID, environmentID)
}

// UpdateRule updates a rule
func (f *FileStorage) UpdateRule(rule *models.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.UpdateRule(rule); err != nil {
		return err
	}

	return f.save("rules", rule.ID, rule)
}

// DeleteRule deletes a rule
func (f *FileStorage) DeleteRule(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.DeleteRule(id); err != nil {
		return err
	}

	return f.remove("rules", id)
}

// DeleteRulesByEnvironment deletes all rules of an environment
func (f *FileStorage) DeleteRulesByEnvironment(environmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rules, _ := f.memory.ListRules("", environmentID)

	if err := f.memory.DeleteRulesByEnvironment(environmentID); err != nil {
		return err
	}

	for _, rule := range rules {
		if err := f.remove("rules", rule.ID); err != nil {
			return err
		}
	}

	return nil
}

// CreateEnvironment creates a new environment
func (f *FileStorage) CreateEnvironment(env *models.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.CreateEnvironment(env); err != nil {
		return err
	}

	return f.save("environments", env.ID, env)
}

// GetEnvironment retrieves an environment by ID
func (f *FileStorage) GetEnvironment(id string) (*models.Environment, error) {
	return f.memory.GetEnvironment(id)
}

// ListEnvironments retrieves environments, optionally of one project
func (f *FileStorage) ListEnvironments(projectID string) ([]*models.Environment, error) {
	return f.memory.ListEnvironments(projectID)
}

// UpdateEnvironment updates an environment
func (f *FileStorage) UpdateEnvironment(env *models.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.UpdateEnvironment(env); err != nil {
		return err
	}

	return f.save("environments", env.ID, env)
}

// DeleteEnvironment deletes an environment
func (f *FileStorage) DeleteEnvironment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.memory.DeleteEnvironment(id); err != nil {
		return err
	}

	return f.remove("environments", id)
}

// GetEnvironmentBaseURL returns the upstream of an environment
func (f *FileStorage) GetEnvironmentBaseURL(ctx context.Context, environmentID string) (string, error) {
	return f.memory.GetEnvironmentBaseURL(ctx, environmentID)
}

// GetEnvironmentVariables returns a copy of an environment's variables
func (f *FileStorage) GetEnvironmentVariables(ctx context.Context, environmentID string) (map[string]string, error) {
	return f.memory.GetEnvironmentVariables(ctx, environmentID)
}

// Close closes the storage
func (f *FileStorage) Close() error {
	return nil
}

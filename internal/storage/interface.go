package storage

import (
	"context"
	"errors"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// ErrNotFound is returned when a rule or environment does not exist
var ErrNotFound = errors.New("not found")

// Storage defines the interface for data persistence. Every rule and
// environment handed out is a copy; mutating it never affects stored state.
type Storage interface {
	// Rule operations
	CreateRule(rule *models.Rule) error
	GetRule(id string) (*models.Rule, error)
	ListRules(projectID, environmentID string) ([]*models.Rule, error)
	UpdateRule(rule *models.Rule) error
	DeleteRule(id string) error
	DeleteRulesByEnvironment(environmentID string) error

	// GetEnabledRules returns the enabled rules of one (project, environment)
	GetEnabledRules(ctx context.Context, projectID, environmentID string) ([]*models.Rule, error)

	// Environment operations
	CreateEnvironment(env *models.Environment) error
	GetEnvironment(id string) (*models.Environment, error)
	ListEnvironments(projectID string) ([]*models.Environment, error)
	UpdateEnvironment(env *models.Environment) error
	DeleteEnvironment(id string) error

	GetEnvironmentBaseURL(ctx context.Context, environmentID string) (string, error)
	GetEnvironmentVariables(ctx context.Context, environmentID string) (map[string]string, error)

	// Utility
	Close() error
}

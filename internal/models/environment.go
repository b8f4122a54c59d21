package models

import (
	"time"
)

// Environment is a deployment target of a project. BaseURL is the upstream
// used by Proxy responses.
type Environment struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId" validate:"required"`
	Name      string            `json:"name" validate:"required,max=100"`
	BaseURL   string            `json:"baseUrl,omitempty" validate:"omitempty,url"`
	Variables map[string]string `json:"variables,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// EnvironmentInput represents input for creating/updating an environment
type EnvironmentInput struct {
	ProjectID string            `json:"projectId"`
	Name      string            `json:"name"`
	BaseURL   string            `json:"baseUrl"`
	Variables map[string]string `json:"variables"`
}

// Clone returns a deep copy of the environment
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	c := *e
	c.Variables = cloneStrings(e.Variables)
	return &c
}

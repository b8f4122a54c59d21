package models

import (
	"time"
)

// Outcome is how an evaluation ended
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// MockInteraction is the history record of one evaluation
type MockInteraction struct {
	ID            string              `json:"id"`
	ProjectID     string              `json:"projectId"`
	EnvironmentID string              `json:"environmentId"`
	Timestamp     time.Time           `json:"timestamp"`
	DurationMs    int64               `json:"durationMs"`
	DelayMs       int64               `json:"delayMs"`
	Request       InteractionRequest  `json:"request"`
	Response      InteractionResponse `json:"response"`
	MatchedRuleID string              `json:"matchedRuleId,omitempty"`
	MatchedRule   string              `json:"matchedRule,omitempty"` // name of the matched rule
	State         string              `json:"state"`
	Outcome       Outcome             `json:"outcome"`
	ErrorKind     ErrorKind           `json:"errorKind,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// InteractionRequest is the captured request
type InteractionRequest struct {
	ID       string              `json:"id"`
	Protocol Protocol            `json:"protocol"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    map[string][]string `json:"query,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     string              `json:"body,omitempty"`
	SourceIP string              `json:"sourceIp"`
}

// InteractionResponse is the captured response
type InteractionResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// IsError reports whether the interaction should count as an error
func (m *MockInteraction) IsError() bool {
	return m.Outcome != OutcomeDone || m.Response.StatusCode >= 500
}

// InteractionFilter represents filters for querying interactions
type InteractionFilter struct {
	ProjectID     string    `json:"projectId,omitempty"`
	EnvironmentID string    `json:"environmentId,omitempty"`
	RuleID        string    `json:"ruleId,omitempty"`
	Method        string    `json:"method,omitempty"`
	Path          string    `json:"path,omitempty"`
	StatusCode    int       `json:"statusCode,omitempty"`
	Unmatched     bool      `json:"unmatched,omitempty"`
	StartTime     time.Time `json:"startTime,omitempty"`
	EndTime       time.Time `json:"endTime,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

package models

import (
	"time"
)

// Protocol is the transport a rule applies to
type Protocol string

const (
	ProtocolHTTP      Protocol = "HTTP"
	ProtocolHTTPS     Protocol = "HTTPS"
	ProtocolWebSocket Protocol = "WebSocket"
)

// MatchType selects how a rule's condition is evaluated
type MatchType string

const (
	MatchTypeSimple MatchType = "Simple"
	MatchTypeRegex  MatchType = "Regex"
	MatchTypeScript MatchType = "Script"
)

// ResponseType selects how the outbound response is built
type ResponseType string

const (
	ResponseTypeStatic  ResponseType = "Static"
	ResponseTypeDynamic ResponseType = "Dynamic"
	ResponseTypeProxy   ResponseType = "Proxy"
	ResponseTypeScript  ResponseType = "Script"
)

// ContentType describes the configured body encoding
type ContentType string

const (
	ContentTypeJSON   ContentType = "JSON"
	ContentTypeXML    ContentType = "XML"
	ContentTypeHTML   ContentType = "HTML"
	ContentTypeText   ContentType = "Text"
	ContentTypeBinary ContentType = "Binary"
)

// DelayType selects the delay algorithm
type DelayType string

const (
	DelayTypeFixed  DelayType = "fixed"
	DelayTypeRandom DelayType = "random"
	DelayTypeNormal DelayType = "normal"
	DelayTypeStep   DelayType = "step"
)

// Rule is a configured condition -> response mapping
type Rule struct {
	ID             string             `json:"id"`
	Name           string             `json:"name" validate:"required,max=200"`
	ProjectID      string             `json:"projectId" validate:"required"`
	EnvironmentID  string             `json:"environmentId" validate:"required"`
	Protocol       Protocol           `json:"protocol" validate:"required,oneof=HTTP HTTPS WebSocket"`
	MatchType      MatchType          `json:"matchType" validate:"required,oneof=Simple Regex Script"`
	Priority       int                `json:"priority" validate:"min=1,max=999"`
	Enabled        bool               `json:"enabled"`
	Tags           []string           `json:"tags,omitempty"`
	Description    string             `json:"description,omitempty"`
	MatchCondition MatchCondition     `json:"matchCondition"`
	Response       ResponseDefinition `json:"response"`
	Delay          *DelayDefinition   `json:"delay,omitempty"`
	Sequence       int64              `json:"sequence"` // creation order, used to break priority ties
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// MatchCondition holds the structured condition fields and the script source.
// Which of them is meaningful depends on the rule's MatchType.
type MatchCondition struct {
	Method      []string          `json:"method,omitempty" validate:"dive,required"`
	Path        string            `json:"path,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	IPWhitelist []string          `json:"ipWhitelist,omitempty" validate:"dive,ip|cidr"`
	Script      string            `json:"script,omitempty"`
}

// ResponseDefinition configures how the response is synthesized
type ResponseDefinition struct {
	Type      ResponseType    `json:"type" validate:"required,oneof=Static Dynamic Proxy Script"`
	Content   ResponseContent `json:"content"`
	Script    string          `json:"script,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty" validate:"min=0"` // proxy only, may only shorten the global ceiling
}

// ResponseContent is the static shape of a response
type ResponseContent struct {
	StatusCode  int               `json:"statusCode" validate:"omitempty,min=100,max=599"`
	ContentType ContentType       `json:"contentType,omitempty" validate:"omitempty,oneof=JSON XML HTML Text Binary"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"` // base64 when ContentType is Binary
}

// DelayDefinition configures artificial latency. Values are milliseconds.
type DelayDefinition struct {
	Type   DelayType `json:"type" validate:"required,oneof=fixed random normal step"`
	Fixed  int       `json:"fixed,omitempty" validate:"min=0"`
	Min    int       `json:"min,omitempty" validate:"min=0"`
	Max    int       `json:"max,omitempty" validate:"min=0"`
	Mean   int       `json:"mean,omitempty" validate:"min=0"`
	StdDev int       `json:"stdDev,omitempty" validate:"min=0"`
	Base   int       `json:"base,omitempty" validate:"min=0"`
	Step   int       `json:"step,omitempty" validate:"min=0"`
	Limit  int       `json:"limit,omitempty" validate:"min=0"`
}

// AcceptsProtocol reports whether a rule of this protocol applies to a request
// arriving over p. HTTP rules also serve HTTPS traffic.
func (r *Rule) AcceptsProtocol(p Protocol) bool {
	if r.Protocol == p {
		return true
	}
	return r.Protocol == ProtocolHTTP && p == ProtocolHTTPS
}

// CreateRuleInput represents input for creating a rule
type CreateRuleInput struct {
	Name           string             `json:"name"`
	ProjectID      string             `json:"projectId"`
	EnvironmentID  string             `json:"environmentId"`
	Protocol       Protocol           `json:"protocol"`
	MatchType      MatchType          `json:"matchType"`
	Priority       int                `json:"priority"`
	Enabled        bool               `json:"enabled"`
	Tags           []string           `json:"tags"`
	Description    string             `json:"description"`
	MatchCondition MatchCondition     `json:"matchCondition"`
	Response       ResponseDefinition `json:"response"`
	Delay          *DelayDefinition   `json:"delay"`
}

// ToRule builds a rule from the input. Unset protocol defaults to HTTP and
// unset priority to 100.
func (in *CreateRuleInput) ToRule(id string, now time.Time) *Rule {
	protocol := in.Protocol
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	priority := in.Priority
	if priority == 0 {
		priority = 100
	}

	return &Rule{
		ID:             id,
		Name:           in.Name,
		ProjectID:      in.ProjectID,
		EnvironmentID:  in.EnvironmentID,
		Protocol:       protocol,
		MatchType:      in.MatchType,
		Priority:       priority,
		Enabled:        in.Enabled,
		Tags:           append([]string(nil), in.Tags...),
		Description:    in.Description,
		MatchCondition: in.MatchCondition,
		Response:       in.Response,
		Delay:          in.Delay,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RuleUpdate represents a partial rule update
type RuleUpdate struct {
	Name           *string             `json:"name,omitempty"`
	Protocol       *Protocol           `json:"protocol,omitempty"`
	MatchType      *MatchType          `json:"matchType,omitempty"`
	Priority       *int                `json:"priority,omitempty"`
	Enabled        *bool               `json:"enabled,omitempty"`
	Tags           *[]string           `json:"tags,omitempty"`
	Description    *string             `json:"description,omitempty"`
	MatchCondition *MatchCondition     `json:"matchCondition,omitempty"`
	Response       *ResponseDefinition `json:"response,omitempty"`
	Delay          *DelayDefinition    `json:"delay,omitempty"`
	ClearDelay     bool                `json:"clearDelay,omitempty"`
}

// Apply copies the set fields onto rule and bumps UpdatedAt
func (u *RuleUpdate) Apply(rule *Rule, now time.Time) {
	if u.Name != nil {
		rule.Name = *u.Name
	}
	if u.Protocol != nil {
		rule.Protocol = *u.Protocol
	}
	if u.MatchType != nil {
		rule.MatchType = *u.MatchType
	}
	if u.Priority != nil {
		rule.Priority = *u.Priority
	}
	if u.Enabled != nil {
		rule.Enabled = *u.Enabled
	}
	if u.Tags != nil {
		rule.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.Description != nil {
		rule.Description = *u.Description
	}
	if u.MatchCondition != nil {
		rule.MatchCondition = *u.MatchCondition
	}
	if u.Response != nil {
		rule.Response = *u.Response
	}
	if u.Delay != nil {
		rule.Delay = u.Delay
	}
	if u.ClearDelay {
		rule.Delay = nil
	}
	rule.UpdatedAt = now
}

// Clone returns a deep copy of the rule
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.MatchCondition = r.MatchCondition.clone()
	c.Response.Content.Headers = cloneStrings(r.Response.Content.Headers)
	if r.Delay != nil {
		d := *r.Delay
		c.Delay = &d
	}
	return &c
}

func (m MatchCondition) clone() MatchCondition {
	m.Method = append([]string(nil), m.Method...)
	m.IPWhitelist = append([]string(nil), m.IPWhitelist...)
	m.Query = cloneStrings(m.Query)
	m.Headers = cloneStrings(m.Headers)
	return m
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

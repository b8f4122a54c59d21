package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures
type ErrorKind string

const (
	KindInvalidRule   ErrorKind = "InvalidRuleDefinition"
	KindScriptSyntax  ErrorKind = "ScriptSyntaxError"
	KindScriptRuntime ErrorKind = "ScriptRuntimeError"
	KindScriptTimeout ErrorKind = "ScriptTimeout"
	KindScriptResult  ErrorKind = "ScriptResultError"
	KindUpstreamProxy ErrorKind = "UpstreamProxyError"
	KindConfigRange   ErrorKind = "ConfigurationRangeError"
)

// EngineError is a classified engine failure. Two engine errors are equal
// under errors.Is when their kinds match, so the Err* values below work as
// sentinels.
type EngineError struct {
	Kind    ErrorKind
	RuleID  string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := string(e.Kind)
	if e.RuleID != "" {
		msg += " (rule " + e.RuleID + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRule   = &EngineError{Kind: KindInvalidRule}
	ErrScriptSyntax  = &EngineError{Kind: KindScriptSyntax}
	ErrScriptRuntime = &EngineError{Kind: KindScriptRuntime}
	ErrScriptTimeout = &EngineError{Kind: KindScriptTimeout}
	ErrScriptResult  = &EngineError{Kind: KindScriptResult}
	ErrUpstreamProxy = &EngineError{Kind: KindUpstreamProxy}
	ErrConfigRange   = &EngineError{Kind: KindConfigRange}
)

// NewEngineError builds a classified error
func NewEngineError(kind ErrorKind, ruleID string, err error, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Kind:    kind,
		RuleID:  ruleID,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the engine error kind in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithRule returns a copy of err tagged with a rule id when it is an engine
// error without one. Other errors are returned unchanged.
func WithRule(err error, ruleID string) error {
	var e *EngineError
	if !errors.As(err, &e) || e.RuleID != "" {
		return err
	}
	tagged := *e
	tagged.RuleID = ruleID
	return &tagged
}

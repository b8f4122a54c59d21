package condition

import (
	"context"
	"strconv"
	"strings"

	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/prasenjit/go-mockengine/internal/sandbox"
	"github.com/sirupsen/logrus"
)

// ScriptRunner runs match predicates
type ScriptRunner interface {
	EvalMatch(ctx context.Context, source string, b sandbox.Bindings) (bool, error)
}

// Evaluator tests a request against one rule's compiled condition
type Evaluator struct {
	scripts ScriptRunner
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewEvaluator creates a new condition evaluator
func NewEvaluator(scripts ScriptRunner, m *metrics.Metrics, log *logrus.Entry) *Evaluator {
	return &Evaluator{
		scripts: scripts,
		metrics: m,
		log:     logging.OrDiscard(log, "condition"),
	}
}

// Evaluate reports whether req satisfies the rule's condition. Script
// failures count as no match and are logged. The only error returned is the
// context's, when the request was cancelled during a script.
func (e *Evaluator) Evaluate(ctx context.Context, req *models.MockRequest, rule *models.Rule, strategy models.MatchStrategy) (bool, error) {
	if !rule.AcceptsProtocol(req.Protocol) {
		return false, nil
	}

	switch s := strategy.(type) {
	case models.SimpleMatch:
		return e.simple(req, s), nil
	case models.RegexMatch:
		return e.regex(req, s), nil
	case models.ScriptMatch:
		return e.script(ctx, req, rule, s)
	default:
		return false, nil
	}
}

func (e *Evaluator) simple(req *models.MockRequest, s models.SimpleMatch) bool {
	if !matchMethod(req.Method, s.Methods) {
		return false
	}
	if s.Path != "" && !matchPath(req.Path, s.Path) {
		return false
	}
	for key, expected := range s.Query {
		if actual, ok := req.QueryValue(key); !ok || actual != expected {
			return false
		}
	}
	for key, expected := range s.Headers {
		if actual, ok := req.HeaderValue(key); !ok || actual != expected {
			return false
		}
	}
	return s.Whitelist.Allows(req.SourceIP)
}

func (e *Evaluator) regex(req *models.MockRequest, s models.RegexMatch) bool {
	if !matchMethod(req.Method, s.Methods) {
		return false
	}
	if s.Path != nil && !s.Path.MatchString(req.Path) {
		return false
	}
	for key, re := range s.Query {
		if actual, ok := req.QueryValue(key); !ok || !re.MatchString(actual) {
			return false
		}
	}
	for key, re := range s.Headers {
		if actual, ok := req.HeaderValue(key); !ok || !re.MatchString(actual) {
			return false
		}
	}
	return s.Whitelist.Allows(req.SourceIP)
}

func (e *Evaluator) script(ctx context.Context, req *models.MockRequest, rule *models.Rule, s models.ScriptMatch) (bool, error) {
	if e.scripts == nil {
		return false, nil
	}

	matched, err := e.scripts.EvalMatch(ctx, s.Source, sandbox.Bindings{Request: req, Rule: rule})
	if err == nil {
		return matched, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	kind := models.KindOf(err)
	e.metrics.ScriptError(string(kind))
	e.log.WithFields(logrus.Fields{
		"ruleId":    rule.ID,
		"kind":      kind,
		"requestId": req.ID,
	}).WithError(err).Warn("Match script failed, treating as no match")
	return false, nil
}

// Captures returns the path parameters a matched rule exposes: named groups
// of a regex path, or :name segments of a simple path. Every segment of the
// request path is also available under its 0-based index.
func Captures(strategy models.MatchStrategy, path string) map[string]string {
	params := make(map[string]string)
	segments := splitPath(path)
	for i, seg := range segments {
		params[strconv.Itoa(i)] = seg
	}

	switch s := strategy.(type) {
	case models.SimpleMatch:
		pattern := splitPath(s.Path)
		if len(pattern) != len(segments) {
			break
		}
		for i, part := range pattern {
			if name, ok := strings.CutPrefix(part, ":"); ok && name != "" {
				params[name] = segments[i]
			}
		}
	case models.RegexMatch:
		if s.Path == nil {
			break
		}
		match := s.Path.FindStringSubmatch(path)
		if match == nil {
			break
		}
		for i, name := range s.Path.SubexpNames() {
			if i > 0 && name != "" {
				params[name] = match[i]
			}
		}
	}

	return params
}

// matchMethod is case-insensitive; an empty set matches any method
func matchMethod(method string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchPath compares literally, with :name segments matching any single segment
func matchPath(requestPath, rulePath string) bool {
	if requestPath == rulePath {
		return true
	}
	if !strings.Contains(rulePath, "/:") {
		return false
	}

	ruleParts := strings.Split(rulePath, "/")
	reqParts := strings.Split(requestPath, "/")
	if len(ruleParts) != len(reqParts) {
		return false
	}
	for i, part := range ruleParts {
		if strings.HasPrefix(part, ":") && len(part) > 1 && reqParts[i] != "" {
			continue
		}
		if part != reqParts[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

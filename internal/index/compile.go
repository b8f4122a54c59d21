package index

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// Entry is one compiled rule in evaluation order. Strategies are built once
// here so the hot path never parses patterns or switches on string tags.
type Entry struct {
	Rule     *models.Rule
	Match    models.MatchStrategy
	Response models.ResponseStrategy
	Delay    models.DelayPolicy // nil when the rule adds no latency

	invocations *atomic.Int64
}

// NextInvocation returns how many times the rule matched before this call
// and counts this one
func (e *Entry) NextInvocation() int64 {
	return e.invocations.Add(1) - 1
}

// Invocations returns the number of matched invocations so far
func (e *Entry) Invocations() int64 {
	return e.invocations.Load()
}

// Compile validates a rule and builds its strategies. Any problem is
// reported as an InvalidRuleDefinition.
func Compile(rule *models.Rule) (*Entry, error) {
	if rule == nil {
		return nil, models.NewEngineError(models.KindInvalidRule, "", nil, "nil rule")
	}
	if err := rule.Validate(); err != nil {
		return nil, models.NewEngineError(models.KindInvalidRule, rule.ID, err, "validation failed")
	}

	match, err := compileMatch(rule)
	if err != nil {
		return nil, models.NewEngineError(models.KindInvalidRule, rule.ID, err, "bad match condition")
	}

	return &Entry{
		Rule:        rule,
		Match:       match,
		Response:    compileResponse(rule.Response),
		Delay:       compileDelay(rule.Delay),
		invocations: new(atomic.Int64),
	}, nil
}

func compileMatch(rule *models.Rule) (models.MatchStrategy, error) {
	cond := rule.MatchCondition

	switch rule.MatchType {
	case models.MatchTypeScript:
		return models.ScriptMatch{Source: cond.Script}, nil

	case models.MatchTypeRegex:
		whitelist, err := ParseWhitelist(cond.IPWhitelist)
		if err != nil {
			return nil, err
		}
		m := models.RegexMatch{
			Methods:   normalizeMethods(cond.Method),
			Whitelist: whitelist,
		}
		if cond.Path != "" {
			if m.Path, err = anchored(cond.Path); err != nil {
				return nil, fmt.Errorf("path: %w", err)
			}
		}
		if m.Query, err = compileValues(cond.Query); err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		if m.Headers, err = compileValues(cond.Headers); err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
		return m, nil

	case models.MatchTypeSimple:
		whitelist, err := ParseWhitelist(cond.IPWhitelist)
		if err != nil {
			return nil, err
		}
		return models.SimpleMatch{
			Methods:   normalizeMethods(cond.Method),
			Path:      cond.Path,
			Query:     copyMap(cond.Query),
			Headers:   copyMap(cond.Headers),
			Whitelist: whitelist,
		}, nil
	}

	return nil, fmt.Errorf("unknown match type %q", rule.MatchType)
}

func compileResponse(def models.ResponseDefinition) models.ResponseStrategy {
	content := def.Content
	content.Headers = copyMap(def.Content.Headers)

	switch def.Type {
	case models.ResponseTypeDynamic:
		return models.DynamicResponse{Content: content}
	case models.ResponseTypeProxy:
		return models.ProxyResponse{Headers: content.Headers, Timeout: def.TimeoutMs}
	case models.ResponseTypeScript:
		return models.ScriptResponse{Source: def.Script}
	default:
		return models.StaticResponse{Content: content}
	}
}

func compileDelay(def *models.DelayDefinition) models.DelayPolicy {
	if def == nil {
		return nil
	}

	switch def.Type {
	case models.DelayTypeFixed:
		return models.FixedDelay{Ms: def.Fixed}
	case models.DelayTypeRandom:
		return models.RandomDelay{MinMs: def.Min, MaxMs: def.Max}
	case models.DelayTypeNormal:
		return models.NormalDelay{MeanMs: def.Mean, StdDevMs: def.StdDev}
	case models.DelayTypeStep:
		return models.StepDelay{BaseMs: def.Base, StepMs: def.Step, LimitMs: def.Limit}
	}
	return nil
}

// ParseWhitelist turns CIDR and literal address entries into prefixes
func ParseWhitelist(entries []string) (models.IPWhitelist, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	list := make(models.IPWhitelist, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("ip whitelist entry %q: %w", entry, err)
			}
			if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
				prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
			}
			list = append(list, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("ip whitelist entry %q: %w", entry, err)
		}
		addr = addr.Unmap()
		list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// anchored compiles a pattern that must match the whole input
func anchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

func compileValues(values map[string]string) (map[string]*regexp.Regexp, error) {
	if len(values) == 0 {
		return nil, nil
	}
	compiled := make(map[string]*regexp.Regexp, len(values))
	for key, pattern := range values {
		re, err := anchored(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		compiled[key] = re
	}
	return compiled, nil
}

func normalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return nil
	}
	result := make([]string, 0, len(methods))
	for _, m := range methods {
		result = append(result, strings.ToUpper(strings.TrimSpace(m)))
	}
	return result
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

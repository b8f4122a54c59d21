package models

import (
	"net/netip"
	"regexp"
)

// MatchStrategy is the compiled form of a rule's condition. The concrete
// types are SimpleMatch, RegexMatch and ScriptMatch.
type MatchStrategy interface {
	matchStrategy()
}

// ResponseStrategy is the compiled form of a rule's response. The concrete
// types are StaticResponse, DynamicResponse, ProxyResponse and ScriptResponse.
type ResponseStrategy interface {
	responseStrategy()
}

// DelayPolicy is the compiled form of a rule's delay. The concrete types are
// FixedDelay, RandomDelay, NormalDelay and StepDelay. A nil policy adds no latency.
type DelayPolicy interface {
	delayPolicy()
}

// IPWhitelist is a set of allowed source prefixes. Literal addresses are
// stored as single-address prefixes.
type IPWhitelist []netip.Prefix

// Allows reports whether ip is inside the whitelist. An empty list allows everything.
func (w IPWhitelist) Allows(ip string) bool {
	if len(w) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range w {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// SimpleMatch compares method, literal path, query and headers for equality
type SimpleMatch struct {
	Methods   []string
	Path      string
	Query     map[string]string
	Headers   map[string]string
	Whitelist IPWhitelist
}

// RegexMatch is SimpleMatch with anchored patterns for path, query and header values
type RegexMatch struct {
	Methods   []string
	Path      *regexp.Regexp
	Query     map[string]*regexp.Regexp
	Headers   map[string]*regexp.Regexp
	Whitelist IPWhitelist
}

// ScriptMatch runs a sandboxed predicate
type ScriptMatch struct {
	Source string
}

func (SimpleMatch) matchStrategy() {}
func (RegexMatch) matchStrategy()  {}
func (ScriptMatch) matchStrategy() {}

// StaticResponse returns the configured content as is
type StaticResponse struct {
	Content ResponseContent
}

// DynamicResponse substitutes request-derived placeholders in headers and body
type DynamicResponse struct {
	Content ResponseContent
}

// ProxyResponse forwards the request to the environment's base URL
type ProxyResponse struct {
	Headers map[string]string // applied over the relayed upstream headers
	Timeout int               // milliseconds, zero means the global ceiling
}

// ScriptResponse builds the response in the sandbox
type ScriptResponse struct {
	Source string
}

func (StaticResponse) responseStrategy()  {}
func (DynamicResponse) responseStrategy() {}
func (ProxyResponse) responseStrategy()   {}
func (ScriptResponse) responseStrategy()  {}

// FixedDelay waits a constant number of milliseconds
type FixedDelay struct {
	Ms int
}

// RandomDelay samples uniformly from [MinMs, MaxMs]
type RandomDelay struct {
	MinMs int
	MaxMs int
}

// NormalDelay samples from a Gaussian, clamped to zero
type NormalDelay struct {
	MeanMs   int
	StdDevMs int
}

// StepDelay grows by StepMs per matched invocation, capped at LimitMs.
// Rule validation requires a positive LimitMs.
type StepDelay struct {
	BaseMs  int
	StepMs  int
	LimitMs int
}

func (FixedDelay) delayPolicy()  {}
func (RandomDelay) delayPolicy() {}
func (NormalDelay) delayPolicy() {}
func (StepDelay) delayPolicy()   {}

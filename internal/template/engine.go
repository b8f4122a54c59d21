package template

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/tidwall/gjson"
)

// Engine processes template strings with variable substitution
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	seed := uint64(time.Now().UnixNano())
	return &Engine{
		rng: rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Context contains all data available for template rendering
type Context struct {
	PathParams  map[string]string
	QueryParams map[string][]string
	Headers     map[string][]string
	Body        string
	Request     RequestInfo
	Rule        RuleInfo
	Env         map[string]string // environment variables

	xmlOnce sync.Once
	xmlDoc  *xmlquery.Node
}

// RequestInfo is the request metadata exposed as {{request.*}}
type RequestInfo struct {
	ID       string
	Method   string
	Path     string
	IP       string
	Protocol string
}

// RuleInfo is the matched rule exposed as {{rule.*}}
type RuleInfo struct {
	ID       string
	Name     string
	Priority int
}

// NewContext builds a render context for a matched request
func NewContext(req *models.MockRequest, rule *models.Rule, pathParams, env map[string]string) *Context {
	ctx := &Context{
		PathParams:  pathParams,
		QueryParams: req.Query,
		Headers:     req.Headers,
		Body:        req.Body,
		Request: RequestInfo{
			ID:       req.ID,
			Method:   req.Method,
			Path:     req.Path,
			IP:       req.SourceIP,
			Protocol: string(req.Protocol),
		},
		Env: env,
	}
	if rule != nil {
		ctx.Rule = RuleInfo{ID: rule.ID, Name: rule.Name, Priority: rule.Priority}
	}
	return ctx
}

// xml parses the body as XML on first use
func (c *Context) xml() *xmlquery.Node {
	c.xmlOnce.Do(func() {
		if strings.TrimSpace(c.Body) == "" {
			return
		}
		doc, err := xmlquery.Parse(strings.NewReader(c.Body))
		if err == nil {
			c.xmlDoc = doc
		}
	})
	return c.xmlDoc
}

// templateVarPattern matches template variables like {{variable}}
var templateVarPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Process processes a template string and replaces all variables
func (e *Engine) Process(template string, ctx *Context) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		// Extract variable name (remove {{ and }})
		varName := strings.TrimSpace(match[2 : len(match)-2])
		return e.resolveVariable(varName, ctx)
	})
}

// ProcessHeaders processes all headers and replaces template variables
func (e *Engine) ProcessHeaders(headers map[string]string, ctx *Context) map[string]string {
	result := make(map[string]string)
	for key, value := range headers {
		result[key] = e.Process(value, ctx)
	}
	return result
}

// resolveVariable resolves a single variable to its value
func (e *Engine) resolveVariable(varName string, ctx *Context) string {
	// Handle optional leading dot (e.g., both "path.id" and ".path.id" are valid)
	varName = strings.TrimPrefix(varName, ".")

	parts := strings.SplitN(varName, ".", 2)
	source := parts[0]
	var key string
	if len(parts) > 1 {
		key = parts[1]
	}

	switch source {
	case "path":
		if key != "" && ctx.PathParams != nil {
			if val, ok := ctx.PathParams[key]; ok {
				return val
			}
		}
	case "query":
		if key != "" && ctx.QueryParams != nil {
			if vals, ok := ctx.QueryParams[key]; ok && len(vals) > 0 {
				return vals[0]
			}
		}
	case "header":
		if key != "" && ctx.Headers != nil {
			// Headers are case-insensitive
			for k, vals := range ctx.Headers {
				if strings.EqualFold(k, key) && len(vals) > 0 {
					return vals[0]
				}
			}
		}
	case "body":
		if key == "" {
			return ctx.Body
		}
		if ctx.Body != "" {
			result := gjson.Get(ctx.Body, key)
			if result.Exists() {
				return result.String()
			}
		}
	case "xml":
		if key != "" {
			return resolveXML(ctx, key)
		}
	case "request":
		return resolveRequest(ctx.Request, key)
	case "rule":
		return resolveRule(ctx.Rule, key)
	case "env":
		if key != "" && ctx.Env != nil {
			return ctx.Env[key]
		}
	case "random":
		return e.generate(randomGenerators, key, nil)
	case "timestamp":
		return e.generate(timestampGenerators, key, unixSeconds)
	}

	return ""
}

func resolveXML(ctx *Context, expr string) string {
	doc := ctx.xml()
	if doc == nil {
		return ""
	}
	node, err := xmlquery.Query(doc, expr)
	if err != nil || node == nil {
		return ""
	}
	return node.InnerText()
}

func resolveRequest(req RequestInfo, key string) string {
	switch key {
	case "id":
		return req.ID
	case "method":
		return req.Method
	case "path":
		return req.Path
	case "ip":
		return req.IP
	case "protocol":
		return req.Protocol
	}
	return ""
}

func resolveRule(rule RuleInfo, key string) string {
	switch key {
	case "id":
		return rule.ID
	case "name":
		return rule.Name
	case "priority":
		return strconv.Itoa(rule.Priority)
	}
	return ""
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	maxCallStack    = 1024
	maxCachedScript = 1024
)

// errTimedOut is the interrupt value used when the deadline fires
var errTimedOut = errors.New("script deadline exceeded")

// MatchInfo is exposed to response scripts as the `match` binding
type MatchInfo struct {
	RuleID  string `json:"ruleId"`
	DelayMs int64  `json:"delayMs"`
}

// Bindings is the read-only data a script can see
type Bindings struct {
	Request *models.MockRequest
	Rule    *models.Rule
	Match   *MatchInfo // response scripts only
}

// Sandbox runs match predicates and response builders in goja. Every call
// gets a fresh runtime; only compiled programs are shared.
type Sandbox struct {
	timeout  time.Duration
	log      *logrus.Entry
	programs sync.Map // source -> *goja.Program
	cached   atomic.Int64
}

// New creates a sandbox with the given execution ceiling
func New(timeout time.Duration, log *logrus.Entry) *Sandbox {
	return &Sandbox{
		timeout: timeout,
		log:     logging.OrDiscard(log, "sandbox"),
	}
}

// Check compiles source without running it
func (s *Sandbox) Check(source string) error {
	_, err := s.compile(source)
	return err
}

// EvalMatch runs a match predicate. The script must produce a boolean.
func (s *Sandbox) EvalMatch(ctx context.Context, source string, b Bindings) (bool, error) {
	val, err := s.run(ctx, source, b)
	if err != nil {
		return false, err
	}

	matched, ok := val.Export().(bool)
	if !ok {
		return false, models.NewEngineError(models.KindScriptResult, "", nil,
			"match script returned %s, expected boolean", describe(val))
	}
	return matched, nil
}

// EvalResponse runs a response builder. The script must produce an object
// with optional statusCode (or status_code), headers and body.
func (s *Sandbox) EvalResponse(ctx context.Context, source string, b Bindings) (*models.MockResponse, error) {
	val, err := s.run(ctx, source, b)
	if err != nil {
		return nil, err
	}

	obj, ok := val.Export().(map[string]interface{})
	if !ok {
		return nil, models.NewEngineError(models.KindScriptResult, "", nil,
			"response script returned %s, expected object", describe(val))
	}
	return toResponse(obj)
}

func (s *Sandbox) run(ctx context.Context, source string, b Bindings) (goja.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prog, err := s.compile(source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(maxCallStack)
	s.install(vm, b)

	timer := time.AfterFunc(s.timeout, func() { vm.Interrupt(errTimedOut) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	val, err := vm.RunProgram(prog)
	if err == nil {
		if fn, ok := goja.AssertFunction(val); ok {
			args := []goja.Value{vm.Get("request"), vm.Get("rule")}
			if b.Match != nil {
				args = append(args, vm.Get("match"))
			}
			val, err = fn(goja.Undefined(), args...)
		}
	}
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return val, nil
}

// compile parses source once. Bare function expressions are not valid
// statements, so a failed parse is retried as a parenthesized expression.
// Sources opening with a brace are tried as an expression first, otherwise
// a one-key object literal would parse as a labeled block.
func (s *Sandbox) compile(source string) (*goja.Program, error) {
	if cached, ok := s.programs.Load(source); ok {
		return cached.(*goja.Program), nil
	}

	if strings.TrimSpace(source) == "" {
		return nil, models.NewEngineError(models.KindScriptSyntax, "", nil, "empty script")
	}

	prog, err := compileEither(source, strings.HasPrefix(strings.TrimSpace(source), "{"))
	if err != nil {
		return nil, models.NewEngineError(models.KindScriptSyntax, "", err, "compile failed")
	}

	if s.cached.Add(1) > maxCachedScript {
		s.programs.Clear()
		s.cached.Store(1)
	}
	s.programs.Store(source, prog)
	return prog, nil
}

// compileEither tries source as statements and as a parenthesized
// expression, in that order unless expressionFirst. The statement form's
// error is reported when both fail.
func compileEither(source string, expressionFirst bool) (*goja.Program, error) {
	asExpression := "(" + source + "\n)"
	if expressionFirst {
		if prog, err := goja.Compile("script", asExpression, false); err == nil {
			return prog, nil
		}
		return goja.Compile("script", source, false)
	}
	prog, err := goja.Compile("script", source, false)
	if err == nil {
		return prog, nil
	}
	if prog, retryErr := goja.Compile("script", asExpression, false); retryErr == nil {
		return prog, nil
	}
	return nil, err
}

func (s *Sandbox) classify(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == errTimedOut {
			return models.NewEngineError(models.KindScriptTimeout, "", nil, "exceeded %s", s.timeout)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return models.NewEngineError(models.KindScriptRuntime, "", nil, "%s", exception.Value().String())
	}
	return models.NewEngineError(models.KindScriptRuntime, "", err, "execution failed")
}

// install sets the globals a script may use and removes the dynamic
// evaluation entry points
func (s *Sandbox) install(vm *goja.Runtime, b Bindings) {
	global := vm.GlobalObject()
	for _, name := range []string{"eval", "Function", "require"} {
		_ = global.Delete(name)
	}

	req := b.Request
	if req == nil {
		req = &models.MockRequest{}
	}
	_ = vm.Set("request", requestBinding(req))
	_ = vm.Set("rule", ruleBinding(b.Rule))
	if b.Match != nil {
		_ = vm.Set("match", map[string]interface{}{
			"ruleId":  b.Match.RuleID,
			"delayMs": b.Match.DelayMs,
		})
	}

	ruleID := ""
	if b.Rule != nil {
		ruleID = b.Rule.ID
	}
	logger := s.log.WithField("ruleId", ruleID)

	_ = vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		logger.Info(strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("hasHeader", func(name string) bool {
		_, ok := req.HeaderValue(name)
		return ok
	})
	_ = vm.Set("getHeader", func(name string) interface{} {
		if v, ok := req.HeaderValue(name); ok {
			return v
		}
		return nil
	})
	_ = vm.Set("hasQuery", func(name string) bool {
		_, ok := req.QueryValue(name)
		return ok
	})
	_ = vm.Set("getQuery", func(name string) interface{} {
		if v, ok := req.QueryValue(name); ok {
			return v
		}
		return nil
	})
}

func requestBinding(req *models.MockRequest) map[string]interface{} {
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"id":       req.ID,
		"protocol": string(req.Protocol),
		"method":   req.Method,
		"path":     req.Path,
		"query":    req.FlatQuery(),
		"headers":  req.FlatHeaders(),
		"body":     req.Body,
		"sourceIp": req.SourceIP,
		"metadata": metadata,
	}
}

func ruleBinding(rule *models.Rule) map[string]interface{} {
	if rule == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":            rule.ID,
		"name":          rule.Name,
		"projectId":     rule.ProjectID,
		"environmentId": rule.EnvironmentID,
		"priority":      rule.Priority,
	}
}

func toResponse(obj map[string]interface{}) (*models.MockResponse, error) {
	resp := &models.MockResponse{StatusCode: 200, Headers: map[string]string{}}

	status, ok := obj["statusCode"]
	if !ok {
		status, ok = obj["status_code"]
	}
	if ok && status != nil {
		code, isNum := toInt(status)
		if !isNum || code < 100 || code > 599 {
			return nil, models.NewEngineError(models.KindScriptResult, "", nil, "invalid status code %v", status)
		}
		resp.StatusCode = code
	}

	if raw, ok := obj["headers"]; ok && raw != nil {
		headers, isMap := raw.(map[string]interface{})
		if !isMap {
			return nil, models.NewEngineError(models.KindScriptResult, "", nil, "headers must be an object")
		}
		for k, v := range headers {
			resp.Headers[k] = fmt.Sprint(v)
		}
	}

	switch body := obj["body"].(type) {
	case nil:
	case string:
		resp.Body = []byte(body)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, models.NewEngineError(models.KindScriptResult, "", err, "body is not serializable")
		}
		resp.Body = data
		if _, set := resp.Headers["Content-Type"]; !set {
			resp.Headers["Content-Type"] = "application/json"
		}
	}

	return resp, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func describe(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}
	if goja.IsNull(val) {
		return "null"
	}
	return fmt.Sprintf("%T", val.Export())
}

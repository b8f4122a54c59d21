package response

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prasenjit/go-mockengine/internal/condition"
	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/prasenjit/go-mockengine/internal/sandbox"
	"github.com/prasenjit/go-mockengine/internal/template"
	"github.com/sirupsen/logrus"
)

// ScriptRunner runs response builders
type ScriptRunner interface {
	EvalResponse(ctx context.Context, source string, b sandbox.Bindings) (*models.MockResponse, error)
}

// Environments resolves per-environment settings
type Environments interface {
	GetEnvironmentBaseURL(ctx context.Context, environmentID string) (string, error)
	GetEnvironmentVariables(ctx context.Context, environmentID string) (map[string]string, error)
}

// Input is a matched request ready for its response
type Input struct {
	Request *models.MockRequest
	Entry   *index.Entry
	DelayMs int64
}

// Synthesizer builds the outbound response of a matched rule
type Synthesizer struct {
	scripts   ScriptRunner
	envs      Environments
	templates *template.Engine
	forwarder *Forwarder
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// Options configures a Synthesizer
type Options struct {
	Forwarder *Forwarder
	Metrics   *metrics.Metrics
	Logger    *logrus.Entry
}

// NewSynthesizer creates a response synthesizer
func NewSynthesizer(scripts ScriptRunner, envs Environments, templates *template.Engine, opts Options) *Synthesizer {
	if templates == nil {
		templates = template.NewEngine()
	}
	return &Synthesizer{
		scripts:   scripts,
		envs:      envs,
		templates: templates,
		forwarder: opts.Forwarder,
		metrics:   opts.Metrics,
		log:       logging.OrDiscard(opts.Logger, "response"),
	}
}

// Build returns the response for in. It always returns a response: when the
// strategy fails, a deterministic fallback (500 for scripts, 502 for proxy)
// comes back together with the error to record. A cancelled ctx is returned
// as is.
func (s *Synthesizer) Build(ctx context.Context, in Input) (*models.MockResponse, error) {
	rule := in.Entry.Rule

	switch strategy := in.Entry.Response.(type) {
	case models.StaticResponse:
		return s.static(strategy.Content, rule), nil

	case models.DynamicResponse:
		return s.dynamic(ctx, in, strategy.Content), nil

	case models.ProxyResponse:
		resp, err := s.proxy(ctx, in, strategy)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return errorResponse(http.StatusInternalServerError, "request cancelled", ""), err
		}
		err = models.WithRule(err, rule.ID)
		s.metrics.UpstreamError()
		s.log.WithFields(logrus.Fields{"ruleId": rule.ID, "requestId": in.Request.ID}).
			WithError(err).Error("Upstream proxy failed")
		return errorResponse(http.StatusBadGateway, "upstream proxy failed", models.KindUpstreamProxy), err

	case models.ScriptResponse:
		resp, err := s.script(ctx, in, strategy)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return errorResponse(http.StatusInternalServerError, "request cancelled", ""), err
		}
		err = models.WithRule(err, rule.ID)
		kind := models.KindOf(err)
		s.metrics.ScriptError(string(kind))
		s.log.WithFields(logrus.Fields{"ruleId": rule.ID, "kind": kind, "requestId": in.Request.ID}).
			WithError(err).Warn("Response script failed, using fallback")
		return errorResponse(http.StatusInternalServerError, "response script failed", kind), err
	}

	return errorResponse(http.StatusInternalServerError, "unsupported response type", ""), nil
}

func (s *Synthesizer) static(content models.ResponseContent, rule *models.Rule) *models.MockResponse {
	headers := make(map[string]string, len(content.Headers)+1)
	for k, v := range content.Headers {
		headers[k] = v
	}
	return s.finish(content.StatusCode, content.ContentType, headers, content.Body, rule)
}

func (s *Synthesizer) dynamic(ctx context.Context, in Input, content models.ResponseContent) *models.MockResponse {
	rule := in.Entry.Rule
	params := condition.Captures(in.Entry.Match, in.Request.Path)
	tctx := template.NewContext(in.Request, rule, params, s.variables(ctx, rule.EnvironmentID))

	headers := s.templates.ProcessHeaders(content.Headers, tctx)
	body := s.templates.Process(content.Body, tctx)
	return s.finish(content.StatusCode, content.ContentType, headers, body, rule)
}

func (s *Synthesizer) proxy(ctx context.Context, in Input, strategy models.ProxyResponse) (*models.MockResponse, error) {
	if s.forwarder == nil || s.envs == nil {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", nil, "proxying is not configured")
	}
	baseURL, err := s.envs.GetEnvironmentBaseURL(ctx, in.Entry.Rule.EnvironmentID)
	if err != nil {
		return nil, models.NewEngineError(models.KindUpstreamProxy, "", err, "cannot resolve base URL")
	}
	return s.forwarder.Forward(ctx, in.Request, baseURL, strategy)
}

func (s *Synthesizer) script(ctx context.Context, in Input, strategy models.ScriptResponse) (*models.MockResponse, error) {
	if s.scripts == nil {
		return nil, models.NewEngineError(models.KindScriptRuntime, "", nil, "scripting is not configured")
	}
	return s.scripts.EvalResponse(ctx, strategy.Source, sandbox.Bindings{
		Request: in.Request,
		Rule:    in.Entry.Rule,
		Match:   &sandbox.MatchInfo{RuleID: in.Entry.Rule.ID, DelayMs: in.DelayMs},
	})
}

// finish decodes binary bodies and fills the default Content-Type
func (s *Synthesizer) finish(status int, ct models.ContentType, headers map[string]string, body string, rule *models.Rule) *models.MockResponse {
	if status == 0 {
		status = http.StatusOK
	}

	data := []byte(body)
	if ct == models.ContentTypeBinary && body != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
		if err != nil {
			s.log.WithField("ruleId", rule.ID).WithError(err).Warn("Binary body is not valid base64, sending raw")
		} else {
			data = decoded
		}
	}

	if !hasHeader(headers, "Content-Type") {
		if mime := contentTypeHeader(ct); mime != "" {
			headers["Content-Type"] = mime
		}
	}

	return &models.MockResponse{StatusCode: status, Headers: headers, Body: data}
}

func (s *Synthesizer) variables(ctx context.Context, environmentID string) map[string]string {
	if s.envs == nil {
		return nil
	}
	vars, err := s.envs.GetEnvironmentVariables(ctx, environmentID)
	if err != nil {
		s.log.WithField("environmentId", environmentID).WithError(err).Debug("No environment variables")
		return nil
	}
	return vars
}

func contentTypeHeader(ct models.ContentType) string {
	switch ct {
	case models.ContentTypeJSON:
		return "application/json"
	case models.ContentTypeXML:
		return "application/xml"
	case models.ContentTypeHTML:
		return "text/html; charset=utf-8"
	case models.ContentTypeText:
		return "text/plain; charset=utf-8"
	case models.ContentTypeBinary:
		return "application/octet-stream"
	}
	return ""
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func errorResponse(status int, message string, kind models.ErrorKind) *models.MockResponse {
	payload := map[string]string{"error": message}
	if kind != "" {
		payload["kind"] = string(kind)
	}
	body, _ := json.Marshal(payload)
	return &models.MockResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

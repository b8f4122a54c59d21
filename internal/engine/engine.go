package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prasenjit/go-mockengine/internal/delay"
	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/matcher"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/prasenjit/go-mockengine/internal/response"
	"github.com/sirupsen/logrus"
)

// StatusClientClosed is returned when the caller went away mid-evaluation
const StatusClientClosed = 499

// State is a step of one evaluation
type State string

const (
	StateReceived      State = "received"
	StateMatching      State = "matching"
	StateMatched       State = "matched"
	StateUnmatched     State = "unmatched"
	StateDelayApplied  State = "delay_applied"
	StateResponseBuilt State = "response_built"
	StateLogged        State = "logged"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// RuleIndex hands out rule snapshots
type RuleIndex interface {
	RulesFor(ctx context.Context, projectID, environmentID string) (*index.Snapshot, error)
	Rebuild(ctx context.Context, projectID, environmentID string) (*index.Snapshot, error)
}

// Matcher selects the first matching entry of a snapshot
type Matcher interface {
	Match(ctx context.Context, req *models.MockRequest, snap *index.Snapshot) (matcher.Result, error)
}

// Delays computes the wait of a matched entry
type Delays interface {
	ForEntry(entry *index.Entry) (time.Duration, error)
}

// Responses synthesizes the response of a matched entry
type Responses interface {
	Build(ctx context.Context, in response.Input) (*models.MockResponse, error)
}

// Recorder takes finished interactions. It must not block.
type Recorder interface {
	Record(interaction *models.MockInteraction)
}

// Options configures an Engine
type Options struct {
	UnmatchedStatus int // defaults to 404
	Recorder        Recorder
	Metrics         *metrics.Metrics
	Logger          *logrus.Entry
}

// Result is what the caller gets back from one evaluation
type Result struct {
	RequestID     string              `json:"requestId"`
	StatusCode    int                 `json:"statusCode"`
	Headers       map[string]string   `json:"headers,omitempty"`
	Repeated      map[string][]string `json:"repeatedHeaders,omitempty"`
	Body          []byte              `json:"-"`
	MatchedRuleID string              `json:"matchedRuleId,omitempty"`
	MatchedRule   string              `json:"matchedRule,omitempty"`
	DurationMs    int64               `json:"durationMs"`
	DelayMs       int64               `json:"delayMs"`
	State         State               `json:"state"`
	States        []State             `json:"states"`
	Outcome       models.Outcome      `json:"outcome"`
	ErrorKind     models.ErrorKind    `json:"errorKind,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func (r *Result) enter(s State) {
	r.State = s
	r.States = append(r.States, s)
}

func (r *Result) fail(err error) {
	r.Outcome = models.OutcomeFailed
	r.ErrorKind = models.KindOf(err)
	r.Error = err.Error()
}

func (r *Result) respond(resp *models.MockResponse) {
	r.StatusCode = resp.StatusCode
	r.Headers = resp.Headers
	r.Repeated = resp.Repeated
	r.Body = resp.Body
}

// Engine is the mock session orchestrator. It evaluates each request once:
// match, delay, synthesize, record. It holds no per-request state and can
// serve any number of requests concurrently.
type Engine struct {
	rules           RuleIndex
	matcher         Matcher
	delays          Delays
	responses       Responses
	recorder        Recorder
	unmatchedStatus int
	upgrader        websocket.Upgrader
	metrics         *metrics.Metrics
	log             *logrus.Entry
}

// New creates a new engine
func New(rules RuleIndex, m Matcher, delays Delays, responses Responses, opts Options) *Engine {
	if opts.UnmatchedStatus == 0 {
		opts.UnmatchedStatus = http.StatusNotFound
	}
	return &Engine{
		rules:           rules,
		matcher:         m,
		delays:          delays,
		responses:       responses,
		recorder:        opts.Recorder,
		unmatchedStatus: opts.UnmatchedStatus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: opts.Metrics,
		log:     logging.OrDiscard(opts.Logger, "engine"),
	}
}

// Evaluate runs req against the rules of (projectID, environmentID). It
// never fails: unmatched requests, broken rules and cancellation all come
// back as a Result with a status code, and every call is recorded.
func (e *Engine) Evaluate(ctx context.Context, req *models.MockRequest, projectID, environmentID string) *Result {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}

	res := &Result{RequestID: req.ID, Outcome: models.OutcomeDone}
	res.enter(StateReceived)

	e.evaluate(ctx, req, projectID, environmentID, res)

	res.DurationMs = time.Since(start).Milliseconds()
	final := StateDone
	if res.Outcome != models.OutcomeDone {
		final = StateFailed
	}

	res.enter(StateLogged)
	e.record(req, projectID, environmentID, res, final)
	res.enter(final)

	e.metrics.ObserveEvaluation(string(res.Outcome), time.Since(start))
	return res
}

func (e *Engine) evaluate(ctx context.Context, req *models.MockRequest, projectID, environmentID string, res *Result) {
	res.enter(StateMatching)

	snap, err := e.rules.RulesFor(ctx, projectID, environmentID)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelled(ctx, req, res)
			return
		}
		e.log.WithFields(logrus.Fields{
			"projectId":     projectID,
			"environmentId": environmentID,
			"requestId":     req.ID,
		}).WithError(err).Error("Rule index unavailable")
		res.fail(err)
		res.respond(jsonResponse(http.StatusServiceUnavailable, map[string]string{"error": "rule index unavailable"}))
		return
	}

	match, err := e.matcher.Match(ctx, req, snap)
	if err != nil {
		e.cancelled(ctx, req, res)
		return
	}
	e.metrics.ObserveMatch(match.Matched())

	if !match.Matched() {
		res.enter(StateUnmatched)
		res.enter(StateDelayApplied)
		res.respond(jsonResponse(e.unmatchedStatus, map[string]string{
			"error":         "no rule matched",
			"projectId":     projectID,
			"environmentId": environmentID,
			"method":        req.Method,
			"path":          req.Path,
		}))
		res.enter(StateResponseBuilt)
		return
	}

	entry := match.Entry
	res.enter(StateMatched)
	res.MatchedRuleID = entry.Rule.ID
	res.MatchedRule = entry.Rule.Name

	wait, err := e.delays.ForEntry(entry)
	if err != nil {
		// clamped and continued; kept on the record without failing it
		res.ErrorKind = models.KindOf(err)
		res.Error = err.Error()
	}
	res.DelayMs = wait.Milliseconds()
	if err := delay.Wait(ctx, wait); err != nil {
		e.cancelled(ctx, req, res)
		return
	}
	res.enter(StateDelayApplied)

	resp, err := e.responses.Build(ctx, response.Input{
		Request: req,
		Entry:   entry,
		DelayMs: res.DelayMs,
	})
	if ctx.Err() != nil {
		e.cancelled(ctx, req, res)
		return
	}
	if err != nil {
		res.fail(err)
	}
	res.respond(resp)
	res.enter(StateResponseBuilt)
}

func (e *Engine) cancelled(ctx context.Context, req *models.MockRequest, res *Result) {
	res.Outcome = models.OutcomeCancelled
	res.ErrorKind = ""
	res.Error = context.Cause(ctx).Error()
	res.respond(jsonResponse(StatusClientClosed, map[string]string{"error": "request cancelled"}))

	fields := logrus.Fields{"requestId": req.ID, "path": req.Path, "state": res.State}
	if res.MatchedRuleID != "" {
		fields["ruleId"] = res.MatchedRuleID
	}
	entry := e.log.WithFields(fields)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		entry.Info("Evaluation deadline exceeded")
		return
	}
	entry.Info("Evaluation cancelled")
}

func (e *Engine) record(req *models.MockRequest, projectID, environmentID string, res *Result, final State) {
	if e.recorder == nil {
		return
	}

	e.recorder.Record(&models.MockInteraction{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Timestamp:     req.ReceivedAt,
		DurationMs:    res.DurationMs,
		DelayMs:       res.DelayMs,
		Request: models.InteractionRequest{
			ID:       req.ID,
			Protocol: req.Protocol,
			Method:   req.Method,
			Path:     req.Path,
			Query:    req.Query,
			Headers:  req.Headers,
			Body:     req.Body,
			SourceIP: req.SourceIP,
		},
		Response: models.InteractionResponse{
			StatusCode: res.StatusCode,
			Headers:    res.Headers,
			Body:       string(res.Body),
		},
		MatchedRuleID: res.MatchedRuleID,
		MatchedRule:   res.MatchedRule,
		State:         string(final),
		Outcome:       res.Outcome,
		ErrorKind:     res.ErrorKind,
		Error:         res.Error,
	})
}

// ReloadRules rebuilds the index of one (project, environment) from the
// rule source and swaps it in. Evaluations already running keep the old one.
func (e *Engine) ReloadRules(ctx context.Context, projectID, environmentID string) error {
	_, err := e.rules.Rebuild(ctx, projectID, environmentID)
	return err
}

func jsonResponse(status int, body interface{}) *models.MockResponse {
	data, _ := json.Marshal(body)
	return &models.MockResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       data,
	}
}

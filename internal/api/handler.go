package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prasenjit/go-mockengine/internal/engine"
	"github.com/prasenjit/go-mockengine/internal/history"
	"github.com/prasenjit/go-mockengine/internal/importer"
	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/prasenjit/go-mockengine/internal/stats"
	"github.com/prasenjit/go-mockengine/internal/storage"
	"github.com/sirupsen/logrus"
)

// Services are the collaborators the admin API works on
type Services struct {
	Store    storage.Storage
	Engine   *engine.Engine
	Index    *index.Manager
	History  *history.Store
	Stats    *stats.Collector
	Metrics  *metrics.Metrics
	Recorder *history.Recorder // optional, reported by the health check
	Importer *importer.Importer
	Logger   *logrus.Entry
}

// Handler handles API requests
type Handler struct {
	store    storage.Storage
	engine   *engine.Engine
	index    *index.Manager
	history  *history.Store
	stats    *stats.Collector
	recorder *history.Recorder
	importer *importer.Importer
	log      *logrus.Entry
}

// NewHandler creates a new API handler
func NewHandler(s Services) *Handler {
	if s.Importer == nil {
		s.Importer = importer.New()
	}
	return &Handler{
		store:    s.Store,
		engine:   s.Engine,
		index:    s.Index,
		history:  s.History,
		stats:    s.Stats,
		recorder: s.Recorder,
		importer: s.Importer,
		log:      logging.OrDiscard(s.Logger, "api"),
	}
}

// respondError maps storage misses to 404 and everything else to 500
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// reload swaps in a fresh index for a pair whose rules changed. The write
// has already succeeded, so a failed rebuild is only logged; the next
// rebuild picks the change up.
func (h *Handler) reload(c *gin.Context, projectID, environmentID string) {
	if err := h.engine.ReloadRules(c.Request.Context(), projectID, environmentID); err != nil {
		h.log.WithFields(logrus.Fields{
			"projectId":     projectID,
			"environmentId": environmentID,
		}).WithError(err).Warn("Rule index reload failed")
	}
}

// Environments

// ListEnvironments returns environments, optionally of one project
func (h *Handler) ListEnvironments(c *gin.Context) {
	envs, err := h.store.ListEnvironments(c.Query("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

// CreateEnvironment creates a new environment
func (h *Handler) CreateEnvironment(c *gin.Context) {
	var input models.EnvironmentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	now := time.Now()
	env := &models.Environment{
		ID:        uuid.New().String(),
		ProjectID: input.ProjectID,
		Name:      input.Name,
		BaseURL:   input.BaseURL,
		Variables: input.Variables,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := env.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.store.CreateEnvironment(env); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, env)
}

// GetEnvironment returns a single environment
func (h *Handler) GetEnvironment(c *gin.Context) {
	env, err := h.store.GetEnvironment(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// UpdateEnvironment replaces the name, base URL and variables of an
// environment. The owning project never changes.
func (h *Handler) UpdateEnvironment(c *gin.Context) {
	env, err := h.store.GetEnvironment(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var input models.EnvironmentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	if input.Name != "" {
		env.Name = input.Name
	}
	env.BaseURL = input.BaseURL
	env.Variables = input.Variables
	env.UpdatedAt = time.Now()

	if err := env.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.UpdateEnvironment(env); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, env)
}

// DeleteEnvironment deletes an environment together with its rules, its
// index and its recorded interactions
func (h *Handler) DeleteEnvironment(c *gin.Context) {
	env, err := h.store.GetEnvironment(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.store.DeleteRulesByEnvironment(env.ID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.store.DeleteEnvironment(env.ID); err != nil {
		respondError(c, err)
		return
	}

	h.index.Drop(env.ProjectID, env.ID)
	h.history.ClearEnvironment(env.ProjectID, env.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Environment deleted"})
}

// Rules

// ListRules returns rules in creation order, optionally narrowed by the
// projectId and environmentId query parameters
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.store.ListRules(c.Query("projectId"), c.Query("environmentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule validates and stores a new rule, then rebuilds its index
func (h *Handler) CreateRule(c *gin.Context) {
	var input models.CreateRuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	rule := input.ToRule(uuid.New().String(), time.Now())
	if err := rule.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := index.Compile(rule); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.store.CreateRule(rule); err != nil {
		respondError(c, err)
		return
	}
	h.reload(c, rule.ProjectID, rule.EnvironmentID)

	c.JSON(http.StatusCreated, rule)
}

// GetRule returns a single rule
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.store.GetRule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule applies a partial update to a rule
func (h *Handler) UpdateRule(c *gin.Context) {
	var update models.RuleUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}

	h.modifyRule(c, func(rule *models.Rule) {
		update.Apply(rule, time.Now())
	})
}

// EnableRule enables a rule
func (h *Handler) EnableRule(c *gin.Context) {
	h.modifyRule(c, func(rule *models.Rule) {
		rule.Enabled = true
		rule.UpdatedAt = time.Now()
	})
}

// DisableRule disables a rule
func (h *Handler) DisableRule(c *gin.Context) {
	h.modifyRule(c, func(rule *models.Rule) {
		rule.Enabled = false
		rule.UpdatedAt = time.Now()
	})
}

// UpdateRulePriority moves a rule in the evaluation order
func (h *Handler) UpdateRulePriority(c *gin.Context) {
	var input struct {
		Priority int `json:"priority" binding:"required,min=1,max=999"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	h.modifyRule(c, func(rule *models.Rule) {
		rule.Priority = input.Priority
		rule.UpdatedAt = time.Now()
	})
}

// modifyRule loads the rule named by the id parameter, applies change,
// validates and stores the result and rebuilds every index it touched
func (h *Handler) modifyRule(c *gin.Context, change func(rule *models.Rule)) {
	rule, err := h.store.GetRule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	projectID, environmentID := rule.ProjectID, rule.EnvironmentID

	change(rule)
	rule.ProjectID, rule.EnvironmentID = projectID, environmentID

	if err := rule.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := index.Compile(rule); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.UpdateRule(rule); err != nil {
		respondError(c, err)
		return
	}
	h.reload(c, projectID, environmentID)

	c.JSON(http.StatusOK, rule)
}

// DeleteRule deletes a rule
func (h *Handler) DeleteRule(c *gin.Context) {
	rule, err := h.store.GetRule(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.store.DeleteRule(rule.ID); err != nil {
		respondError(c, err)
		return
	}
	h.reload(c, rule.ProjectID, rule.EnvironmentID)

	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted"})
}

// ImportRequest is the body of an OpenAPI import
type ImportRequest struct {
	Content       string `json:"content" binding:"required"`
	ProjectID     string `json:"projectId" binding:"required"`
	EnvironmentID string `json:"environmentId" binding:"required"`
	BasePath      string `json:"basePath"`
	Priority      int    `json:"priority"`
	Enabled       *bool  `json:"enabled"` // defaults to true
}

// ImportOpenAPI creates one Static rule per operation of an OpenAPI document
func (h *Handler) ImportOpenAPI(c *gin.Context) {
	var input ImportRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	result, err := h.importer.Import(input.Content, importer.Options{
		ProjectID:     input.ProjectID,
		EnvironmentID: input.EnvironmentID,
		BasePath:      input.BasePath,
		Priority:      input.Priority,
		Enabled:       enabled,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OpenAPI document: " + err.Error()})
		return
	}

	now := time.Now()
	created := make([]*models.Rule, 0, len(result.Rules))
	for i := range result.Rules {
		rule := result.Rules[i].ToRule(uuid.New().String(), now)
		if err := h.store.CreateRule(rule); err != nil {
			// roll back what this import already stored
			for _, r := range created {
				_ = h.store.DeleteRule(r.ID)
			}
			respondError(c, err)
			return
		}
		created = append(created, rule)
	}
	h.reload(c, input.ProjectID, input.EnvironmentID)

	c.JSON(http.StatusCreated, gin.H{
		"title":     result.Title,
		"version":   result.Version,
		"ruleCount": len(created),
		"rules":     created,
	})
}

// Index

// IndexEntry is one rule of an index view, in evaluation order
type IndexEntry struct {
	Position     int                 `json:"position"`
	RuleID       string              `json:"ruleId"`
	Name         string              `json:"name"`
	Priority     int                 `json:"priority"`
	Sequence     int64               `json:"sequence"`
	Protocol     models.Protocol     `json:"protocol"`
	MatchType    models.MatchType    `json:"matchType"`
	ResponseType models.ResponseType `json:"responseType"`
	Invocations  int64               `json:"invocations"`
}

// IndexView describes the installed snapshot of one (project, environment)
type IndexView struct {
	ProjectID     string           `json:"projectId"`
	EnvironmentID string           `json:"environmentId"`
	BuiltAt       time.Time        `json:"builtAt"`
	Entries       []IndexEntry     `json:"entries"`
	Excluded      []index.Excluded `json:"excluded"`
}

func newIndexView(snap *index.Snapshot) *IndexView {
	view := &IndexView{
		ProjectID:     snap.ProjectID,
		EnvironmentID: snap.EnvironmentID,
		BuiltAt:       snap.BuiltAt,
		Entries:       make([]IndexEntry, len(snap.Entries)),
		Excluded:      snap.Excluded,
	}
	if view.Excluded == nil {
		view.Excluded = make([]index.Excluded, 0)
	}
	for i, e := range snap.Entries {
		view.Entries[i] = IndexEntry{
			Position:     i + 1,
			RuleID:       e.Rule.ID,
			Name:         e.Rule.Name,
			Priority:     e.Rule.Priority,
			Sequence:     e.Rule.Sequence,
			Protocol:     e.Rule.Protocol,
			MatchType:    e.Rule.MatchType,
			ResponseType: e.Rule.Response.Type,
			Invocations:  e.Invocations(),
		}
	}
	return view
}

// GetIndex returns the evaluation order of one (project, environment)
func (h *Handler) GetIndex(c *gin.Context) {
	snap, err := h.index.RulesFor(c.Request.Context(), c.Param("projectId"), c.Param("environmentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIndexView(snap))
}

// RebuildIndex reloads the rules of one (project, environment)
func (h *Handler) RebuildIndex(c *gin.Context) {
	snap, err := h.index.Rebuild(c.Request.Context(), c.Param("projectId"), c.Param("environmentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newIndexView(snap))
}

// Mock-test console

// EvaluateRequest describes a request for the mock-test console
type EvaluateRequest struct {
	ProjectID     string            `json:"projectId" binding:"required"`
	EnvironmentID string            `json:"environmentId" binding:"required"`
	Protocol      models.Protocol   `json:"protocol"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         map[string]string `json:"query"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	SourceIP      string            `json:"sourceIp"`
}

// EvaluateResponse is the console's view of an evaluation
type EvaluateResponse struct {
	*engine.Result
	Body string `json:"body"`
}

// Evaluate runs a described request through the engine and returns the
// result instead of serving it
func (h *Handler) Evaluate(c *gin.Context) {
	var input EvaluateRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}

	req := &models.MockRequest{
		Protocol: input.Protocol,
		Method:   strings.ToUpper(input.Method),
		Path:     input.Path,
		Query:    make(map[string][]string, len(input.Query)),
		Headers:  make(map[string][]string, len(input.Headers)),
		Body:     input.Body,
		SourceIP: input.SourceIP,
		Metadata: map[string]string{"source": "console"},
	}
	if req.Protocol == "" {
		req.Protocol = models.ProtocolHTTP
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		req.Path = "/" + req.Path
	}
	if req.SourceIP == "" {
		req.SourceIP = c.ClientIP()
	}
	for k, v := range input.Query {
		req.Query[k] = []string{v}
	}
	for k, v := range input.Headers {
		req.Headers[http.CanonicalHeaderKey(k)] = []string{v}
	}

	res := h.engine.Evaluate(c.Request.Context(), req, input.ProjectID, input.EnvironmentID)
	c.JSON(http.StatusOK, EvaluateResponse{Result: res, Body: string(res.Body)})
}

// History

// ListInteractions returns recorded interactions, newest first
func (h *Handler) ListInteractions(c *gin.Context) {
	filter := &models.InteractionFilter{
		ProjectID:     c.Query("projectId"),
		EnvironmentID: c.Query("environmentId"),
		RuleID:        c.Query("ruleId"),
		Method:        c.Query("method"),
		Path:          c.Query("path"),
		Unmatched:     c.Query("unmatched") == "true",
		Limit:         100,
	}
	if v := c.Query("statusCode"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid statusCode"})
			return
		}
		filter.StatusCode = code
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	for name, target := range map[string]*time.Time{"since": &filter.StartTime, "until": &filter.EndTime} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
				return
			}
			*target = t
		}
	}

	c.JSON(http.StatusOK, h.history.List(filter))
}

// GetInteraction returns a single interaction
func (h *Handler) GetInteraction(c *gin.Context) {
	interaction := h.history.Get(c.Param("id"))
	if interaction == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Interaction not found"})
		return
	}
	c.JSON(http.StatusOK, interaction)
}

// ClearInteractions clears the history, or the part of one environment
func (h *Handler) ClearInteractions(c *gin.Context) {
	projectID, environmentID := c.Query("projectId"), c.Query("environmentId")
	switch {
	case projectID != "" && environmentID != "":
		h.history.ClearEnvironment(projectID, environmentID)
	case projectID != "" || environmentID != "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and environmentId go together"})
		return
	default:
		h.history.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"message": "Interactions cleared"})
}

// Stats

// GetGlobalStats returns global statistics
func (h *Handler) GetGlobalStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.GetGlobalStats())
}

// GetEnvironmentStats returns statistics of one (project, environment)
func (h *Handler) GetEnvironmentStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.GetEnvironmentStats(c.Param("projectId"), c.Param("environmentId")))
}

// GetRuleStats returns statistics for a rule
func (h *Handler) GetRuleStats(c *gin.Context) {
	stat := h.stats.GetRuleStats(c.Param("id"))
	if stat == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No statistics available"})
		return
	}
	c.JSON(http.StatusOK, stat)
}

// ResetStats resets all statistics
func (h *Handler) ResetStats(c *gin.Context) {
	h.stats.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "Statistics reset"})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"history":   h.history.Stats(),
	}
	if h.recorder != nil {
		body["recorder"] = gin.H{
			"running": h.recorder.Running(),
			"dropped": h.recorder.Dropped(),
		}
	}
	c.JSON(http.StatusOK, body)
}

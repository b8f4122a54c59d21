package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// Collector aggregates interactions into per-rule and global statistics
type Collector struct {
	mu             sync.RWMutex
	startTime      time.Time
	rules          map[string]*models.AtomicRuleStat // ruleID -> stats
	envs           map[string]*envCounter            // project/env -> totals
	recentErrors   []models.ErrorStat
	hourlyStats    map[string]*hourlyCounter // "YYYY-MM-DD-HH" -> counter
	maxErrors      int
	maxHourlySlots int

	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	totalTimeNs   atomic.Int64
	matched       atomic.Int64
	unmatched     atomic.Int64
	cancelled     atomic.Int64
}

type hourlyCounter struct {
	Hour     string
	Requests int64
	Errors   int64
}

type envCounter struct {
	requests int64
	errors   int64
	timeNs   int64
}

// NewCollector creates a new statistics collector
func NewCollector() *Collector {
	return &Collector{
		startTime:      time.Now(),
		rules:          make(map[string]*models.AtomicRuleStat),
		envs:           make(map[string]*envCounter),
		recentErrors:   make([]models.ErrorStat, 0),
		hourlyStats:    make(map[string]*hourlyCounter),
		maxErrors:      100,
		maxHourlySlots: 168, // 7 days
	}
}

// Record implements history.Sink
func (c *Collector) Record(_ context.Context, interaction *models.MockInteraction) error {
	c.RecordInteraction(interaction)
	return nil
}

// RecordInteraction folds one interaction into the statistics
func (c *Collector) RecordInteraction(interaction *models.MockInteraction) {
	duration := time.Duration(interaction.DurationMs) * time.Millisecond
	isError := interaction.IsError()

	c.totalRequests.Add(1)
	c.totalTimeNs.Add(duration.Nanoseconds())
	if isError {
		c.totalErrors.Add(1)
	}
	switch {
	case interaction.Outcome == models.OutcomeCancelled:
		c.cancelled.Add(1)
	case interaction.MatchedRuleID != "":
		c.matched.Add(1)
	default:
		c.unmatched.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	envKey := interaction.ProjectID + "/" + interaction.EnvironmentID
	env, ok := c.envs[envKey]
	if !ok {
		env = &envCounter{}
		c.envs[envKey] = env
	}
	env.requests++
	env.timeNs += duration.Nanoseconds()
	if isError {
		env.errors++
	}

	if interaction.MatchedRuleID != "" {
		c.recordRule(interaction, duration, isError)
	}

	if isError {
		c.recordError(interaction)
	}

	hourKey := interaction.Timestamp.Format("2006-01-02-15")
	if interaction.Timestamp.IsZero() {
		hourKey = time.Now().Format("2006-01-02-15")
	}
	hourly, ok := c.hourlyStats[hourKey]
	if !ok {
		hourly = &hourlyCounter{Hour: hourKey}
		c.hourlyStats[hourKey] = hourly
		c.cleanupOldHourlyStats()
	}
	hourly.Requests++
	if isError {
		hourly.Errors++
	}
}

func (c *Collector) recordRule(interaction *models.MockInteraction, duration time.Duration, isError bool) {
	ruleStats, ok := c.rules[interaction.MatchedRuleID]
	if !ok {
		ruleStats = &models.AtomicRuleStat{
			RuleID:        interaction.MatchedRuleID,
			RuleName:      interaction.MatchedRule,
			ProjectID:     interaction.ProjectID,
			EnvironmentID: interaction.EnvironmentID,
		}
		ruleStats.MinTimeNs.Store(duration.Nanoseconds())
		c.rules[interaction.MatchedRuleID] = ruleStats
	}

	ruleStats.TotalRequests.Add(1)
	ruleStats.TotalTimeNs.Add(duration.Nanoseconds())
	ruleStats.LastRequestTime.Store(time.Now())

	durationNs := duration.Nanoseconds()
	for {
		currentMin := ruleStats.MinTimeNs.Load()
		if durationNs >= currentMin || ruleStats.MinTimeNs.CompareAndSwap(currentMin, durationNs) {
			break
		}
	}
	for {
		currentMax := ruleStats.MaxTimeNs.Load()
		if durationNs <= currentMax || ruleStats.MaxTimeNs.CompareAndSwap(currentMax, durationNs) {
			break
		}
	}

	if isError {
		ruleStats.TotalErrors.Add(1)
	}
}

func (c *Collector) recordError(interaction *models.MockInteraction) {
	message := interaction.Error
	if message == "" {
		message = string(interaction.Outcome)
	}

	c.recentErrors = append(c.recentErrors, models.ErrorStat{
		Timestamp:     interaction.Timestamp,
		ProjectID:     interaction.ProjectID,
		EnvironmentID: interaction.EnvironmentID,
		RuleID:        interaction.MatchedRuleID,
		Path:          interaction.Request.Path,
		Method:        interaction.Request.Method,
		StatusCode:    interaction.Response.StatusCode,
		Kind:          interaction.ErrorKind,
		Error:         message,
	})
	if len(c.recentErrors) > c.maxErrors {
		c.recentErrors = c.recentErrors[1:]
	}
}

// cleanupOldHourlyStats removes hourly stats older than maxHourlySlots
func (c *Collector) cleanupOldHourlyStats() {
	if len(c.hourlyStats) <= c.maxHourlySlots {
		return
	}

	keys := make([]string, 0, len(c.hourlyStats))
	for k := range c.hourlyStats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	toRemove := len(keys) - c.maxHourlySlots
	for i := 0; i < toRemove; i++ {
		delete(c.hourlyStats, keys[i])
	}
}

// GetGlobalStats returns global statistics
func (c *Collector) GetGlobalStats() *models.GlobalStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ruleStats := make([]models.RuleStat, 0, len(c.rules))
	for _, r := range c.rules {
		ruleStats = append(ruleStats, r.ToRuleStat())
	}

	sort.Slice(ruleStats, func(i, j int) bool {
		if ruleStats[i].TotalRequests != ruleStats[j].TotalRequests {
			return ruleStats[i].TotalRequests > ruleStats[j].TotalRequests
		}
		return ruleStats[i].RuleID < ruleStats[j].RuleID
	})

	topRules := ruleStats
	if len(topRules) > 10 {
		topRules = topRules[:10]
	}

	totalRequests := c.totalRequests.Load()
	var avgResponseTimeMs float64
	if totalRequests > 0 {
		avgResponseTimeMs = float64(c.totalTimeNs.Load()) / float64(totalRequests) / 1e6
	}

	uptime := time.Since(c.startTime).Seconds()
	var requestsPerSecond float64
	if uptime > 0 {
		requestsPerSecond = float64(totalRequests) / uptime
	}

	recentErrors := make([]models.ErrorStat, len(c.recentErrors))
	copy(recentErrors, c.recentErrors)

	return &models.GlobalStats{
		TotalRequests:     totalRequests,
		TotalErrors:       c.totalErrors.Load(),
		MatchedRequests:   c.matched.Load(),
		UnmatchedRequests: c.unmatched.Load(),
		CancelledRequests: c.cancelled.Load(),
		AvgResponseTimeMs: avgResponseTimeMs,
		RequestsPerSecond: requestsPerSecond,
		StartTime:         c.startTime,
		Uptime:            formatDuration(time.Since(c.startTime)),
		TopRules:          topRules,
		RecentErrors:      recentErrors,
		RequestsByHour:    c.buildHourlyStats(),
	}
}

// GetEnvironmentStats returns statistics for one (project, environment)
func (c *Collector) GetEnvironmentStats(projectID, environmentID string) *models.EnvironmentStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := &models.EnvironmentStats{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Rules:         make([]models.RuleStat, 0),
	}

	if env, ok := c.envs[projectID+"/"+environmentID]; ok {
		result.TotalRequests = env.requests
		result.TotalErrors = env.errors
		if env.requests > 0 {
			result.AvgResponseTimeMs = float64(env.timeNs) / float64(env.requests) / 1e6
		}
	}

	for _, r := range c.rules {
		if r.ProjectID == projectID && r.EnvironmentID == environmentID {
			result.Rules = append(result.Rules, r.ToRuleStat())
		}
	}
	sort.Slice(result.Rules, func(i, j int) bool {
		return result.Rules[i].TotalRequests > result.Rules[j].TotalRequests
	})

	return result
}

// GetRuleStats returns statistics for a specific rule
func (c *Collector) GetRuleStats(ruleID string) *models.RuleStat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if r, ok := c.rules[ruleID]; ok {
		stat := r.ToRuleStat()
		return &stat
	}

	return nil
}

// buildHourlyStats builds the last 24 hourly buckets, oldest first
func (c *Collector) buildHourlyStats() []models.HourlyStat {
	now := time.Now()
	stats := make([]models.HourlyStat, 0, 24)

	for i := 23; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour)
		stat := models.HourlyStat{
			Hour: hour.Format("15:00"),
		}

		if hourly, ok := c.hourlyStats[hour.Format("2006-01-02-15")]; ok {
			stat.Requests = hourly.Requests
			stat.Errors = hourly.Errors
		}

		stats = append(stats, stat)
	}

	return stats
}

// Reset resets all statistics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.rules = make(map[string]*models.AtomicRuleStat)
	c.envs = make(map[string]*envCounter)
	c.recentErrors = make([]models.ErrorStat, 0)
	c.hourlyStats = make(map[string]*hourlyCounter)
	c.totalRequests.Store(0)
	c.totalErrors.Store(0)
	c.totalTimeNs.Store(0)
	c.matched.Store(0)
	c.unmatched.Store(0)
	c.cancelled.Store(0)
}

// formatDuration formats a duration in a human-readable format
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return d.Round(time.Minute).String()
	case d >= time.Minute:
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}

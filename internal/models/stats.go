package models

import (
	"sync/atomic"
	"time"
)

// GlobalStats represents global statistics
type GlobalStats struct {
	TotalRequests     int64        `json:"totalRequests"`
	TotalErrors       int64        `json:"totalErrors"`
	MatchedRequests   int64        `json:"matchedRequests"`
	UnmatchedRequests int64        `json:"unmatchedRequests"`
	CancelledRequests int64        `json:"cancelledRequests"`
	AvgResponseTimeMs float64      `json:"avgResponseTimeMs"`
	RequestsPerSecond float64      `json:"requestsPerSecond"`
	StartTime         time.Time    `json:"startTime"`
	Uptime            string       `json:"uptime"`
	TopRules          []RuleStat   `json:"topRules"`
	RecentErrors      []ErrorStat  `json:"recentErrors"`
	RequestsByHour    []HourlyStat `json:"requestsByHour"`
}

// EnvironmentStats represents statistics for one (project, environment)
type EnvironmentStats struct {
	ProjectID         string     `json:"projectId"`
	EnvironmentID     string     `json:"environmentId"`
	TotalRequests     int64      `json:"totalRequests"`
	TotalErrors       int64      `json:"totalErrors"`
	AvgResponseTimeMs float64    `json:"avgResponseTimeMs"`
	Rules             []RuleStat `json:"rules"`
}

// RuleStat represents statistics for a specific rule
type RuleStat struct {
	RuleID            string  `json:"ruleId"`
	RuleName          string  `json:"ruleName"`
	ProjectID         string  `json:"projectId"`
	EnvironmentID     string  `json:"environmentId"`
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	MinResponseTimeMs float64 `json:"minResponseTimeMs"`
	MaxResponseTimeMs float64 `json:"maxResponseTimeMs"`
	LastRequestTime   string  `json:"lastRequestTime,omitempty"`
}

// ErrorStat represents an error occurrence
type ErrorStat struct {
	Timestamp     time.Time `json:"timestamp"`
	ProjectID     string    `json:"projectId"`
	EnvironmentID string    `json:"environmentId"`
	RuleID        string    `json:"ruleId,omitempty"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	StatusCode    int       `json:"statusCode"`
	Kind          ErrorKind `json:"kind,omitempty"`
	Error         string    `json:"error"`
}

// HourlyStat represents hourly request statistics
type HourlyStat struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
	Errors   int64  `json:"errors"`
}

// AtomicRuleStat is a thread-safe version of rule statistics
type AtomicRuleStat struct {
	RuleID          string
	RuleName        string
	ProjectID       string
	EnvironmentID   string
	TotalRequests   atomic.Int64
	TotalErrors     atomic.Int64
	TotalTimeNs     atomic.Int64
	MinTimeNs       atomic.Int64
	MaxTimeNs       atomic.Int64
	LastRequestTime atomic.Value // stores time.Time
}

// ToRuleStat converts to a regular RuleStat
func (a *AtomicRuleStat) ToRuleStat() RuleStat {
	totalReqs := a.TotalRequests.Load()
	totalTimeNs := a.TotalTimeNs.Load()
	var avgMs float64
	if totalReqs > 0 {
		avgMs = float64(totalTimeNs) / float64(totalReqs) / 1e6
	}

	var lastReqTime string
	if t, ok := a.LastRequestTime.Load().(time.Time); ok && !t.IsZero() {
		lastReqTime = t.Format(time.RFC3339)
	}

	return RuleStat{
		RuleID:            a.RuleID,
		RuleName:          a.RuleName,
		ProjectID:         a.ProjectID,
		EnvironmentID:     a.EnvironmentID,
		TotalRequests:     totalReqs,
		TotalErrors:       a.TotalErrors.Load(),
		AvgResponseTimeMs: avgMs,
		MinResponseTimeMs: float64(a.MinTimeNs.Load()) / 1e6,
		MaxResponseTimeMs: float64(a.MaxTimeNs.Load()) / 1e6,
		LastRequestTime:   lastReqTime,
	}
}

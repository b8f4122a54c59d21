package index

import (
	"sort"
	"time"

	"github.com/prasenjit/go-mockengine/internal/models"
)

// Excluded is a rule left out of a snapshot because it did not compile
type Excluded struct {
	RuleID string `json:"ruleId"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Snapshot is the immutable, ordered rule set of one (project, environment)
type Snapshot struct {
	ProjectID     string
	EnvironmentID string
	Entries       []*Entry
	Excluded      []Excluded
	BuiltAt       time.Time
}

// Rules returns the rules in evaluation order
func (s *Snapshot) Rules() []*models.Rule {
	rules := make([]*models.Rule, len(s.Entries))
	for i, e := range s.Entries {
		rules[i] = e.Rule
	}
	return rules
}

// Len returns the number of evaluable rules
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// Build filters rules to the enabled ones of (projectID, environmentID),
// compiles them and sorts by priority descending with creation order as the
// tie-breaker. Invocation counters of rules unchanged since prev carry over.
func Build(projectID, environmentID string, rules []*models.Rule, prev *Snapshot) *Snapshot {
	snap := &Snapshot{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Entries:       make([]*Entry, 0, len(rules)),
		BuiltAt:       time.Now(),
	}

	previous := make(map[string]*Entry)
	if prev != nil {
		for _, e := range prev.Entries {
			previous[e.Rule.ID] = e
		}
	}

	for _, rule := range rules {
		if rule == nil || !rule.Enabled || rule.ProjectID != projectID || rule.EnvironmentID != environmentID {
			continue
		}

		entry, err := Compile(rule)
		if err != nil {
			snap.Excluded = append(snap.Excluded, Excluded{RuleID: rule.ID, Name: rule.Name, Reason: err.Error()})
			continue
		}
		if old, ok := previous[rule.ID]; ok && old.Rule.UpdatedAt.Equal(rule.UpdatedAt) {
			entry.invocations = old.invocations
		}
		snap.Entries = append(snap.Entries, entry)
	}

	sort.SliceStable(snap.Entries, func(i, j int) bool {
		return less(snap.Entries[i].Rule, snap.Entries[j].Rule)
	})

	return snap
}

func less(a, b *models.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	// Sequence is the store's creation order; zero means never assigned
	if a.Sequence != 0 && b.Sequence != 0 && a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

package matcher

import (
	"context"

	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/models"
)

// ConditionEvaluator tests one request against one compiled rule
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, req *models.MockRequest, rule *models.Rule, strategy models.MatchStrategy) (bool, error)
}

// Result is the outcome of a match. Entry is nil when nothing matched.
type Result struct {
	Entry     *index.Entry
	Evaluated int // rules tested before deciding
}

// Matched reports whether a rule was selected
func (r Result) Matched() bool {
	return r.Entry != nil
}

// Matcher walks a snapshot in order and returns the first rule whose
// condition holds. An earlier coarse rule wins over a later specific one.
type Matcher struct {
	conditions ConditionEvaluator
}

// New creates a new matcher
func New(conditions ConditionEvaluator) *Matcher {
	return &Matcher{conditions: conditions}
}

// Match returns the first matching entry of snap. The only error is the
// context's, when the request is cancelled mid-scan.
func (m *Matcher) Match(ctx context.Context, req *models.MockRequest, snap *index.Snapshot) (Result, error) {
	var result Result
	if snap == nil {
		return result, nil
	}

	for _, entry := range snap.Entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Evaluated++
		ok, err := m.conditions.Evaluate(ctx, req, entry.Rule, entry.Match)
		if err != nil {
			return result, err
		}
		if ok {
			result.Entry = entry
			return result, nil
		}
	}

	return result, nil
}

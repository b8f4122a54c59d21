package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RuleSource supplies the authoritative rule list for a rebuild
type RuleSource interface {
	GetEnabledRules(ctx context.Context, projectID, environmentID string) ([]*models.Rule, error)
}

// Options configures a Manager
type Options struct {
	Attempts uint          // rule source attempts per rebuild
	Delay    time.Duration // wait between attempts
	Metrics  *metrics.Metrics
	Logger   *logrus.Entry
}

// Manager owns one snapshot per (project, environment). Readers load the
// current snapshot without locking; a rebuild replaces it atomically so
// in-flight evaluations finish on the snapshot they started with.
type Manager struct {
	source    RuleSource
	snapshots sync.Map // key -> *slot
	group     singleflight.Group
	gen       atomic.Uint64
	attempts  uint
	delay     time.Duration
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewManager creates a new index manager
func NewManager(source RuleSource, opts Options) *Manager {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Manager{
		source:   source,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		metrics:  opts.Metrics,
		log:      logging.OrDiscard(opts.Logger, "index"),
	}
}

// slot holds the installed snapshot of one pair and the generation of the
// fetch that produced it
type slot struct {
	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[Snapshot]
}

// RulesFor returns the current snapshot, building it on first use.
// Concurrent first uses share one fetch.
func (m *Manager) RulesFor(ctx context.Context, projectID, environmentID string) (*Snapshot, error) {
	if snap := m.Current(projectID, environmentID); snap != nil {
		return snap, nil
	}
	return m.build(ctx, projectID, environmentID)
}

// Current returns the installed snapshot or nil if none was built yet
func (m *Manager) Current(projectID, environmentID string) *Snapshot {
	if s, ok := m.snapshots.Load(key(projectID, environmentID)); ok {
		return s.(*slot).current.Load()
	}
	return nil
}

// Rebuild fetches the rules again and swaps in a new snapshot. It never
// joins a fetch that started earlier, so rules written before the call are
// always seen; callers arriving while it runs share its fetch.
func (m *Manager) Rebuild(ctx context.Context, projectID, environmentID string) (*Snapshot, error) {
	m.group.Forget(key(projectID, environmentID))
	return m.build(ctx, projectID, environmentID)
}

func (m *Manager) build(ctx context.Context, projectID, environmentID string) (*Snapshot, error) {
	k := key(projectID, environmentID)

	v, err, _ := m.group.Do(k, func() (interface{}, error) {
		generation := m.gen.Add(1)

		var rules []*models.Rule
		err := retry.Do(
			func() error {
				var fetchErr error
				rules, fetchErr = m.source.GetEnabledRules(ctx, projectID, environmentID)
				return fetchErr
			},
			retry.Context(ctx),
			retry.Attempts(m.attempts),
			retry.Delay(m.delay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			m.metrics.IndexRebuild("error")
			return nil, fmt.Errorf("failed to load rules for %s/%s: %w", projectID, environmentID, err)
		}

		snap, installed := m.install(k, generation, projectID, environmentID, rules)
		if !installed {
			// a fetch that started later already installed newer rules
			return snap, nil
		}
		m.metrics.IndexRebuild("ok")

		for _, ex := range snap.Excluded {
			m.log.WithFields(logrus.Fields{
				"projectId":     projectID,
				"environmentId": environmentID,
				"ruleId":        ex.RuleID,
				"reason":        ex.Reason,
			}).Warn("Rule excluded from index")
		}
		m.log.WithFields(logrus.Fields{
			"projectId":     projectID,
			"environmentId": environmentID,
			"rules":         len(snap.Entries),
			"excluded":      len(snap.Excluded),
		}).Debug("Rule index rebuilt")

		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Drop forgets the snapshot of a pair; the next RulesFor rebuilds it
func (m *Manager) Drop(projectID, environmentID string) {
	m.snapshots.Delete(key(projectID, environmentID))
}

// install swaps in a snapshot of rules unless the slot already holds one
// from a later generation, in which case that one is returned
func (m *Manager) install(k string, generation uint64, projectID, environmentID string, rules []*models.Rule) (*Snapshot, bool) {
	v, _ := m.snapshots.LoadOrStore(k, &slot{})
	s := v.(*slot)

	s.mu.Lock()
	defer s.mu.Unlock()

	if generation < s.generation {
		return s.current.Load(), false
	}
	snap := Build(projectID, environmentID, rules, s.current.Load())
	s.current.Store(snap)
	s.generation = generation
	return snap, true
}

func key(projectID, environmentID string) string {
	return projectID + "\x00" + environmentID
}

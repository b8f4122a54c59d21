package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prasenjit/go-mockengine/internal/models"
)

// Store keeps the most recent interactions in memory and fans them out to
// live subscribers
type Store struct {
	mu              sync.RWMutex
	interactions    []*models.MockInteraction
	maxInteractions int
	retention       time.Duration
	subscribers     map[string]chan *models.MockInteraction
	now             func() time.Time
}

// NewStore creates an interaction store. retention <= 0 keeps interactions
// until they are pushed out by newer ones.
func NewStore(maxInteractions int, retention time.Duration) *Store {
	if maxInteractions <= 0 {
		maxInteractions = 1000
	}

	return &Store{
		interactions:    make([]*models.MockInteraction, 0),
		maxInteractions: maxInteractions,
		retention:       retention,
		subscribers:     make(map[string]chan *models.MockInteraction),
		now:             time.Now,
	}
}

// Record implements Sink
func (s *Store) Record(_ context.Context, interaction *models.MockInteraction) error {
	s.Add(interaction)
	return nil
}

// Add stores an interaction and notifies subscribers
func (s *Store) Add(interaction *models.MockInteraction) {
	s.mu.Lock()

	if interaction.ID == "" {
		interaction.ID = uuid.New().String()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = s.now()
	}

	s.interactions = append(s.interactions, interaction)
	if len(s.interactions) > s.maxInteractions {
		s.interactions = s.interactions[len(s.interactions)-s.maxInteractions:]
	}
	s.expireLocked()

	subscribers := make([]chan *models.MockInteraction, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subscribers = append(subscribers, ch)
	}

	s.mu.Unlock()

	// slow subscribers miss interactions rather than stall recording
	for _, ch := range subscribers {
		select {
		case ch <- interaction:
		default:
		}
	}
}

// expireLocked drops interactions older than the retention window
func (s *Store) expireLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	i := 0
	for i < len(s.interactions) && s.interactions[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.interactions = append(s.interactions[:0:0], s.interactions[i:]...)
	}
}

// List returns interactions matching the filter, newest first
func (s *Store) List(filter *models.InteractionFilter) []*models.MockInteraction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.MockInteraction, 0)

	for i := len(s.interactions) - 1; i >= 0; i-- {
		interaction := s.interactions[i]
		if !Matches(filter, interaction) {
			continue
		}

		result = append(result, interaction)

		if filter != nil && filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}

	return result
}

// Matches reports whether an interaction passes the filter. A nil filter
// passes everything.
func Matches(filter *models.InteractionFilter, interaction *models.MockInteraction) bool {
	if filter == nil {
		return true
	}
	if filter.ProjectID != "" && interaction.ProjectID != filter.ProjectID {
		return false
	}
	if filter.EnvironmentID != "" && interaction.EnvironmentID != filter.EnvironmentID {
		return false
	}
	if filter.RuleID != "" && interaction.MatchedRuleID != filter.RuleID {
		return false
	}
	if filter.Unmatched && interaction.MatchedRuleID != "" {
		return false
	}
	if filter.Method != "" && interaction.Request.Method != filter.Method {
		return false
	}
	if filter.Path != "" && interaction.Request.Path != filter.Path {
		return false
	}
	if filter.StatusCode != 0 && interaction.Response.StatusCode != filter.StatusCode {
		return false
	}
	if !filter.StartTime.IsZero() && interaction.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && interaction.Timestamp.After(filter.EndTime) {
		return false
	}
	return true
}

// Get returns a single interaction by ID
func (s *Store) Get(id string) *models.MockInteraction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, interaction := range s.interactions {
		if interaction.ID == id {
			return interaction
		}
	}

	return nil
}

// Clear removes all interactions
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions = make([]*models.MockInteraction, 0)
}

// ClearEnvironment removes the interactions of one (project, environment)
func (s *Store) ClearEnvironment(projectID, environmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]*models.MockInteraction, 0, len(s.interactions))
	for _, interaction := range s.interactions {
		if interaction.ProjectID == projectID && interaction.EnvironmentID == environmentID {
			continue
		}
		filtered = append(filtered, interaction)
	}
	s.interactions = filtered
}

// Subscribe creates a subscription for live interactions
func (s *Store) Subscribe() (string, chan *models.MockInteraction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan *models.MockInteraction, 100)
	s.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes a subscription
func (s *Store) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Stats returns store statistics
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"totalInteractions": len(s.interactions),
		"maxInteractions":   s.maxInteractions,
		"retention":         s.retention.String(),
		"activeSubscribers": len(s.subscribers),
	}
}

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry is the concurrency-safe store of live call sessions, keyed by the
// provider-assigned call ID. It is the only state shared across per-call
// workers; every mutation funnels through Upsert so that racing callbacks
// for paired legs cannot lose updates.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "session-registry"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for a call leg. If a session with the same
// ID already exists it is returned unchanged; provider acknowledgments can
// be delivered more than once.
func (r *Registry) Create(id string, role Role, lead LeadInfo) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing.clone()
	}

	s := &Session{
		ID:        id,
		Role:      role,
		Status:    StatusInitiated,
		Lead:      lead,
		CreatedAt: time.Now(),
	}
	r.sessions[id] = s

	r.logger.Info("session created", "call_id", id, "role", string(role))
	return s.clone()
}

// Get returns a snapshot of the session, or false if untracked. Absence is
// not an error: provider callbacks may reference calls the registry never
// tracked (replayed webhooks), and callers treat that as a no-op.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Upsert applies an atomic read-modify-write to the session. It reports
// whether the session existed; the mutator is not called for untracked IDs.
func (r *Registry) Upsert(id string, mutate func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	mutate(s)
	return true
}

// UpsertPair applies one atomic mutation across both legs of a transaction.
// Both sessions must exist; otherwise no mutation occurs. The mutator
// receives the sessions in the order the IDs were given.
func (r *Registry) UpsertPair(idA, idB string, mutate func(a, b *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, okA := r.sessions[idA]
	b, okB := r.sessions[idB]
	if !okA || !okB {
		return false
	}
	mutate(a, b)
	return true
}

// Pair links two sessions as the lead and sales legs of one transaction.
func (r *Registry) Pair(leadID, salesID string) bool {
	return r.UpsertPair(leadID, salesID, func(lead, sales *Session) {
		lead.PairedID = sales.ID
		sales.PairedID = lead.ID
	})
}

// Remove evicts a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.logger.Debug("session removed", "call_id", id)
	}
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByStatus returns session counts grouped by status, for metrics.
func (r *Registry) CountByStatus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[string(s.Status)]++
	}
	return counts
}

// Sweep evicts sessions that are safe to forget: both the session and its
// paired leg (if any) are terminal, and either dispatch finished or the
// session has been terminal for longer than maxAge. It returns the evicted
// IDs. Eviction is memory hygiene, never correctness: a session is only
// consulted while its call is live or its report is pending.
func (r *Registry) Sweep(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var evicted []string
	for id, s := range r.sessions {
		if !s.Status.Terminal() {
			continue
		}
		if pair, ok := r.sessions[s.PairedID]; ok && !pair.Status.Terminal() {
			continue
		}
		aged := !s.EndedAt.IsZero() && now.Sub(s.EndedAt) > maxAge
		if !s.DispatchDone && !aged {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}

	if len(evicted) > 0 {
		r.logger.Info("swept terminal sessions", "count", len(evicted))
	}
	return evicted
}

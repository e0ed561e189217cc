// Package session implements the Session/Context Tracker (C9): a
// rolling per-agent record of context-window usage, accumulated cost,
// and activity recency, updated by usage deltas reported off the
// Execution Queue and read back through the stats endpoint.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// degradedThreshold is the context-window occupancy ratio past which a
// session is reported degraded instead of idle/busy, so operators get a
// signal before an agent's next request is rejected for running out of
// context entirely.
const degradedThreshold = 0.9

// Store persists Session rows; implemented by internal/persistence.
type Store interface {
	Get(ctx context.Context, agentID string) (*domain.Session, error)
	Upsert(ctx context.Context, s *domain.Session) error
}

// UsageDelta is one reported increment of context/cost consumption for
// an in-flight or just-completed execution.
type UsageDelta struct {
	AgentID           string
	ContextTokensUsed int64 // absolute, not incremental: the agent reports its running total
	ContextTokensMax  int64
	CostDelta         float64
}

// Tracker owns the in-memory Session rows and their persistence.
type Tracker struct {
	store Store
	mu    sync.Map // agentID -> *sync.Mutex
	cache sync.Map // agentID -> *domain.Session
}

// New builds a Tracker backed by store.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) lockFor(agentID string) *sync.Mutex {
	actual, _ := t.mu.LoadOrStore(agentID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (t *Tracker) load(ctx context.Context, agentID string) (*domain.Session, error) {
	if cached, ok := t.cache.Load(agentID); ok {
		cp := *cached.(*domain.Session)
		return &cp, nil
	}
	s, err := t.store.Get(ctx, agentID)
	if err != nil {
		return &domain.Session{AgentID: agentID, CurrentStatus: domain.SessionStatusIdle}, nil
	}
	return s, nil
}

func (t *Tracker) save(agentID string, s *domain.Session) {
	cp := *s
	t.cache.Store(agentID, &cp)
}

// ApplyUsageDelta folds one usage report into the agent's rolling
// session, recomputing current_status from the new occupancy ratio.
func (t *Tracker) ApplyUsageDelta(ctx context.Context, delta UsageDelta) error {
	lock := t.lockFor(delta.AgentID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, delta.AgentID)
	if err != nil {
		return err
	}

	s.ContextTokensUsed = delta.ContextTokensUsed
	if delta.ContextTokensMax > 0 {
		s.ContextTokensMax = delta.ContextTokensMax
	}
	s.CostAccumulated += delta.CostDelta
	s.LastActivityAt = time.Now().UTC()
	s.CurrentStatus = t.statusFor(s, s.CurrentStatus == domain.SessionStatusBusy)

	if err := t.store.Upsert(ctx, s); err != nil {
		return err
	}
	t.save(delta.AgentID, s)
	return nil
}

// MarkBusy records that a request started executing for agentID.
func (t *Tracker) MarkBusy(ctx context.Context, agentID string) error {
	return t.setBusy(ctx, agentID, true)
}

// MarkIdle records that the in-flight request for agentID has finished.
func (t *Tracker) MarkIdle(ctx context.Context, agentID string) error {
	return t.setBusy(ctx, agentID, false)
}

func (t *Tracker) setBusy(ctx context.Context, agentID string, busy bool) error {
	lock := t.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	s, err := t.load(ctx, agentID)
	if err != nil {
		return err
	}
	s.LastActivityAt = time.Now().UTC()
	s.CurrentStatus = t.statusFor(s, busy)

	if err := t.store.Upsert(ctx, s); err != nil {
		return err
	}
	t.save(agentID, s)
	return nil
}

// statusFor derives current_status from context occupancy, with
// "degraded" overriding whatever busy/idle state the caller reports:
// an agent can be busy-and-degraded, but degraded is the one Trinity
// surfaces so operators notice before the next request is rejected.
func (t *Tracker) statusFor(s *domain.Session, busy bool) domain.SessionStatus {
	if s.ContextTokensMax > 0 && float64(s.ContextTokensUsed)/float64(s.ContextTokensMax) >= degradedThreshold {
		return domain.SessionStatusDegraded
	}
	if busy {
		return domain.SessionStatusBusy
	}
	return domain.SessionStatusIdle
}

// Get returns the current session record for agentID.
func (t *Tracker) Get(ctx context.Context, agentID string) (*domain.Session, error) {
	return t.load(ctx, agentID)
}

// Package activity implements the Activity Stream (C8): an append-only
// event log that every other component publishes through, fanned out to
// subscribers with server-side filtering and a background retention
// sweep.
package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/eventbus"
)

// busSubject is the single subject every activity is published under;
// subscriber-side filtering (agent/kind/visibility) happens in this
// package, not in the bus.
const busSubject = "activity"

// subscriberBuffer bounds how many events a slow subscriber can lag by
// before Trinity starts dropping for them instead of blocking producers.
const subscriberBuffer = 256

// Store persists activities past process restart and serves history
// reads; implemented by internal/persistence.
type Store interface {
	Append(ctx context.Context, a *domain.Activity) error
	ListSince(ctx context.Context, agentName string, since time.Time, limit int) ([]domain.Activity, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Filter selects which published activities reach a given subscriber.
type Filter struct {
	AgentName string              // "" or "all" means no agent restriction
	Kinds     []domain.ActivityKind
	Visible   func(agentName string) bool // nil means everything passes
}

func (f Filter) matches(a domain.Activity) bool {
	if f.AgentName != "" && f.AgentName != "all" && f.AgentName != a.AgentName {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Visible != nil && !f.Visible(a.AgentName) {
		return false
	}
	return true
}

// Subscription is a live, filtered view onto the stream.
type Subscription struct {
	Events  <-chan domain.Activity
	Dropped func() int64 // cumulative count of events dropped for overflow

	stream  *Stream
	id      uint64
	dropped atomic.Int64
}

// Close detaches the subscription from the stream.
func (s *Subscription) Close() {
	s.stream.unsubscribe(s.id)
}

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan domain.Activity
	dropc  *atomic.Int64
}

// Stream is the process-local Activity Stream: it assigns monotone IDs,
// persists, fans out to subscribers, and periodically sweeps expired
// rows per the configured retention window.
type Stream struct {
	bus    eventbus.Bus
	store  Store
	logger *logger.Logger
	cfg    config.RetentionConfig

	nextID      atomic.Int64
	nextSubID   atomic.Uint64
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber

	stopSweep context.CancelFunc
}

// New builds a Stream. bus may be nil to skip cross-process fan-out
// (single in-process deployments can rely solely on local subscribers).
func New(bus eventbus.Bus, store Store, cfg config.RetentionConfig, log *logger.Logger) *Stream {
	s := &Stream{
		bus:         bus,
		store:       store,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "activity")),
		subscribers: make(map[uint64]*subscriber),
	}
	return s
}

// Publish assigns a to the next monotone ID, persists it, and fans it
// out to every matching subscriber.
func (s *Stream) Publish(ctx context.Context, a domain.Activity) error {
	a.ID = s.nextID.Add(1)
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if len(a.Payload) > 0 {
		a.Truncated = estimatePayloadSize(a.Payload) > domain.MaxActivityPayloadBytes
	}

	if s.store != nil {
		if err := s.store.Append(ctx, &a); err != nil {
			s.logger.Error("persist activity failed", zap.Error(err))
		}
	}

	s.fanOut(a)

	if s.bus != nil {
		payload := map[string]any{
			"id": a.ID, "agent": a.AgentName, "kind": string(a.Kind), "payload": a.Payload,
		}
		if a.ExecutionID != nil {
			payload["execution_id"] = *a.ExecutionID
		}
		if err := s.bus.Publish(ctx, busSubject, eventbus.NewMessage(busSubject, payload)); err != nil {
			s.logger.Warn("bus publish failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Stream) fanOut(a domain.Activity) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if !sub.filter.matches(a) {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			sub.dropc.Add(1)
		}
	}
}

// Subscribe registers a filtered view onto future activities. Existing
// history should be read separately via History.
func (s *Stream) Subscribe(filter Filter) *Subscription {
	id := s.nextSubID.Add(1)
	sub := &subscriber{id: id, filter: filter, ch: make(chan domain.Activity, subscriberBuffer), dropc: &atomic.Int64{}}

	s.mu.Lock()
	s.subscribers[id] = sub
	s.mu.Unlock()

	out := &Subscription{Events: sub.ch, stream: s, id: id}
	out.Dropped = func() int64 { return sub.dropc.Load() }
	return out
}

func (s *Stream) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// History returns persisted activities for an agent since a point in
// time, oldest first, bounded by limit.
func (s *Stream) History(ctx context.Context, agentName string, since time.Time, limit int) ([]domain.Activity, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSince(ctx, agentName, since, limit)
}

// StartRetentionSweep launches the background ticker that deletes
// activities older than the configured window, distinct from the
// executions sweep which uses its own window (§8).
func (s *Stream) StartRetentionSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel

	interval := time.Duration(s.cfg.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *Stream) sweepOnce(ctx context.Context) {
	if s.store == nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.ActivityWindowHours) * time.Hour)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("activity retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("activity retention sweep", zap.Int64("deleted", n))
	}
}

// Stop halts the retention sweep goroutine, if running.
func (s *Stream) Stop() {
	if s.stopSweep != nil {
		s.stopSweep()
	}
}

func estimatePayloadSize(payload map[string]any) int {
	total := 0
	for k, v := range payload {
		total += len(k)
		if s, ok := v.(string); ok {
			total += len(s)
		} else {
			total += 32
		}
	}
	return total
}

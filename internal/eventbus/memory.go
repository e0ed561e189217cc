package eventbus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

// MemoryBus implements Bus with in-process goroutines and channels; the
// right transport for a single trinityd process.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	queue   string
	mu      sync.Mutex
	active  bool
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	delivered := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		if !subjectMatches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}

			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if delivered[key] {
					continue
				}
				delivered[key] = true
				b.deliverToQueue(ctx, key, subject, msg)
				continue
			}

			go func(s *memorySubscription) {
				if err := s.handler(ctx, msg); err != nil {
					b.logger.Error("event handler error", zap.String("subject", subject), zap.Error(err))
				}
			}(sub)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{bus: b, subject: subject, pattern: compilePattern(subject), handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{bus: b, subject: subject, pattern: compilePattern(subject), handler: handler, queue: queue, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	key := queue + ":" + subject
	qg, ok := b.queues[key]
	if !ok {
		qg = &queueGroup{}
		b.queues[key] = qg
	}
	qg.subscribers = append(qg.subscribers, sub)
	return sub, nil
}

func (b *MemoryBus) deliverToQueue(ctx context.Context, key, subject string, msg *Message) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	if len(qg.subscribers) == 0 {
		return
	}

	start := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (start + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.subscribers)
		go func(s *memorySubscription) {
			if err := s.handler(ctx, msg); err != nil {
				b.logger.Error("queue event handler error", zap.String("subject", subject), zap.String("queue", key), zap.Error(err))
			}
		}(sub)
		return
	}
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		key := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches reports whether subject matches pattern, using exact
// equality when pattern has no wildcard tokens.
func subjectMatches(subject, pattern string) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	re := compilePattern(pattern)
	return re != nil && re.MatchString(subject)
}

// compilePattern turns a NATS-style subject pattern (`*` matches one
// dot-delimited token, `>` matches the remaining tokens) into a regexp.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}

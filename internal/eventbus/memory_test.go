package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

func TestMemoryBusExactSubjectDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Message, 1)
	_, err := b.Subscribe("agent.svc-a.activity", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.svc-a.activity", NewMessage("agent.svc-a.activity", map[string]any{"x": 1})))

	select {
	case msg := <-received:
		require.Equal(t, "agent.svc-a.activity", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBusWildcardDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Message, 1)
	_, err := b.Subscribe("agent.*.activity", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.svc-b.activity", NewMessage("agent.svc-b.activity", nil)))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscription did not receive message")
	}
}

func TestMemoryBusQueueGroupRoundRobin(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[int]int{}
	for i := 0; i < 3; i++ {
		idx := i
		_, err := b.QueueSubscribe("jobs", "workers", func(ctx context.Context, msg *Message) error {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 9; i++ {
		require.NoError(t, b.Publish(context.Background(), "jobs", NewMessage("jobs", nil)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, c := range counts {
			total += c
		}
		return total == 9
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, 3)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	defer b.Close()

	received := make(chan *Message, 2)
	sub, err := b.Subscribe("topic", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", NewMessage("topic", nil)))
	select {
	case <-received:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosedRejectsOperations(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	b.Close()
	require.False(t, b.IsConnected())

	_, err := b.Subscribe("topic", func(ctx context.Context, msg *Message) error { return nil })
	require.Error(t, err)

	err = b.Publish(context.Background(), "topic", NewMessage("topic", nil))
	require.Error(t, err)
}

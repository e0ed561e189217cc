// Package eventbus provides the publish/subscribe transport every
// Trinity component fans activity and lifecycle notifications out
// through, with an in-memory implementation for single-host deployments
// and a NATS-backed one for multi-process deployments sharing a
// database.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one envelope carried on the bus.
type Message struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewMessage builds a Message with a fresh ID and the current time.
func NewMessage(subject string, data map[string]any) *Message {
	return &Message{ID: uuid.NewString(), Subject: subject, Timestamp: time.Now().UTC(), Data: data}
}

// Handler processes one delivered Message.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is an active registration on the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the publish/subscribe surface every Trinity component depends
// on through this interface, never a concrete transport.
type Bus interface {
	// Publish delivers msg to every subscriber whose pattern matches subject.
	Publish(ctx context.Context, subject string, msg *Message) error
	// Subscribe registers handler for every message on a matching subject.
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe registers handler as one member of a load-balanced
	// group: each message goes to exactly one live member.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

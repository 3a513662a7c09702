// Package events implements the per-document change channel: an in-process
// hub with bounded per-subscriber queues, and relays that carry events
// between server replicas.
package events

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/huddle/internal/model"
)

var (
	// ErrSlowSubscriber closes a subscription whose queue overflowed.
	ErrSlowSubscriber = errors.New("events: subscriber queue full")

	// ErrBusClosed closes subscriptions when the hub shuts down.
	ErrBusClosed = errors.New("events: bus closed")

	// ErrOutboxFull is returned by Publish when the relay has fallen behind.
	ErrOutboxFull = errors.New("events: relay outbox full")
)

// Handler receives the events of one document in publish order. It runs on
// the subscription's own goroutine and may block without stalling publishers.
type Handler func(ev *model.ChangeEvent)

// Publisher publishes change events.
type Publisher interface {
	Publish(ctx context.Context, ev *model.ChangeEvent) error
}

// Bus is the document channel: events published for a document reach every
// subscriber of that document and nobody else. There is no backlog replay.
type Bus interface {
	Publisher
	Subscribe(documentID string, h Handler) (*Subscription, error)
}

// Relay carries events between hubs on different server replicas.
type Relay interface {
	// Publish forwards an event that originated on this replica.
	Publish(ctx context.Context, ev *model.ChangeEvent) error

	// Run passes events received from the relay to deliver until ctx is done.
	Run(ctx context.Context, deliver func(*model.ChangeEvent)) error

	Close() error
}

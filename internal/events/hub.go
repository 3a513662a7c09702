package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/huddle/internal/idgen"
	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

const (
	// DefaultQueueSize is the per-subscriber buffer used when HubConfig.QueueSize is zero.
	DefaultQueueSize = 64

	// DefaultOutboxSize bounds events waiting to be forwarded to the relay.
	DefaultOutboxSize = 1024

	relayPublishTimeout = 5 * time.Second

	// relayHealthyAfter is how long Relay.Run must last before a later
	// failure restarts it without waiting.
	relayHealthyAfter = time.Minute
)

// HubConfig configures a Hub.
type HubConfig struct {
	// NodeID identifies this replica in event Origin fields. Generated when empty.
	NodeID string

	// QueueSize bounds each subscriber's pending events. A subscriber whose
	// queue is full when an event arrives is disconnected.
	QueueSize int

	// Relay forwards events to other replicas. Nil means single replica.
	Relay Relay

	// OutboxSize bounds events queued for the relay. Publish fails with a
	// TransportError rather than wait when it is full.
	OutboxSize int

	// RelayBackOff paces restarts of a relay whose Run returned early.
	// Defaults to exponential growth from 1s capped at 30s.
	RelayBackOff func() backoff.BackOff
}

// Hub is the in-process Bus. Subscriber sets are kept per document, each
// behind its own lock, so traffic on one document never waits on another.
type Hub struct {
	nodeID       string
	queueSize    int
	relay        Relay
	outbox       chan *model.ChangeEvent
	relayBackOff func() backoff.BackOff
	onRemote     func(*model.ChangeEvent)

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	relayCancel context.CancelFunc
	relayWG     sync.WaitGroup
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

var _ Bus = (*Hub)(nil)

// NewHub returns a Hub. Call Start to begin consuming the relay.
func NewHub(cfg HubConfig) *Hub {
	if cfg.NodeID == "" {
		cfg.NodeID = idgen.MustGenerate(idgen.NodePrefix)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.RelayBackOff == nil {
		cfg.RelayBackOff = defaultRelayBackOff
	}
	return &Hub{
		nodeID:       cfg.NodeID,
		queueSize:    cfg.QueueSize,
		relay:        cfg.Relay,
		outbox:       make(chan *model.ChangeEvent, cfg.OutboxSize),
		relayBackOff: cfg.RelayBackOff,
		topics:       make(map[string]*topic),
	}
}

func defaultRelayBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NodeID returns the replica id stamped on locally published events.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// OnRemote sets fn to see every event that arrives from another replica,
// before local subscribers get it. Call it before Start.
func (h *Hub) OnRemote(fn func(*model.ChangeEvent)) {
	h.onRemote = fn
}

// Start forwards published events to the relay and consumes events from it
// in the background until Close or ctx ends.
func (h *Hub) Start(ctx context.Context) {
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.relayCancel = cancel
	h.relayWG.Add(2)
	go func() {
		defer h.relayWG.Done()
		h.forward(ctx)
	}()
	go func() {
		defer h.relayWG.Done()
		h.consume(ctx)
	}()
}

// forward drains the outbox into the relay, one event at a time.
func (h *Hub) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.outbox:
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			err := h.relay.Publish(pctx, ev)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.Warn("events: relay publish failed",
					"document", ev.DocumentID, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// consume runs the relay's receive loop, restarting it with backoff each
// time it returns before ctx ends.
func (h *Hub) consume(ctx context.Context) {
	b := h.relayBackOff()
	b.Reset()
	for {
		started := time.Now()
		err := h.relay.Run(ctx, h.receive)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= relayHealthyAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			slog.Error("events: relay stopped", "error", err)
			return
		}
		metrics.RelayErrors.WithLabelValues("hub", "restart").Inc()
		slog.Error("events: relay stopped, restarting", "in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// receive handles an event from the relay. Events that originated on this
// hub are skipped since they were delivered at publish time.
func (h *Hub) receive(ev *model.ChangeEvent) {
	if ev.Origin == h.nodeID {
		return
	}
	if h.onRemote != nil {
		h.onRemote(ev)
	}
	h.deliver(ev)
}

// Publish stamps ev and fans it out to local subscribers of ev.DocumentID,
// then queues it for the relay. It never blocks on a subscriber or on the
// relay.
func (h *Hub) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	if ev.DocumentID == "" {
		return model.NewValidationError("documentId", "is required")
	}
	if !ev.Kind.IsValid() {
		return model.NewValidationError("kind", fmt.Sprintf("invalid value %q", ev.Kind))
	}
	if ev.ID == "" {
		id, err := idgen.GenerateWithPrefix(idgen.EventPrefix)
		if err != nil {
			return err
		}
		ev.ID = id
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	if ev.Origin == "" {
		ev.Origin = h.nodeID
	}

	metrics.EventsPublished.WithLabelValues(ev.Kind.String()).Inc()
	h.deliver(ev)

	if h.relay == nil {
		return nil
	}
	select {
	case h.outbox <- ev:
		return nil
	default:
		metrics.RelayErrors.WithLabelValues("hub", "outbox_full").Inc()
		return &model.TransportError{Op: "relay publish", Err: ErrOutboxFull}
	}
}

// deliver enqueues ev for every subscriber of its document. Subscribers
// whose queue is full are closed after the topic lock is released.
func (h *Hub) deliver(ev *model.ChangeEvent) {
	h.mu.RLock()
	t := h.topics[ev.DocumentID]
	h.mu.RUnlock()
	if t == nil {
		return
	}

	var slow []*Subscription
	t.mu.Lock()
	for sub := range t.subs {
		select {
		case sub.queue <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range slow {
		slog.Warn("events: dropping slow subscriber",
			"document", ev.DocumentID, "subscription", sub.id)
		metrics.SubscribersDropped.Inc()
		sub.closeWithErr(ErrSlowSubscriber)
	}
}

// Subscribe registers h to receive every event published for documentID
// from now on.
func (h *Hub) Subscribe(documentID string, handler Handler) (*Subscription, error) {
	if documentID == "" {
		return nil, model.NewValidationError("documentId", "is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("events: nil handler")
	}
	id, err := idgen.GenerateWithPrefix(idgen.SubscriptionPrefix)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:         id,
		documentID: documentID,
		hub:        h,
		handler:    handler,
		queue:      make(chan *model.ChangeEvent, h.queueSize),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrBusClosed
	}
	t := h.topics[documentID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[documentID] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	go sub.run()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[sub.documentID]
	if t == nil {
		return
	}
	t.mu.Lock()
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		metrics.Subscribers.Dec()
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(h.topics, sub.documentID)
	}
}

// SubscriberCount returns the number of live subscriptions for documentID.
func (h *Hub) SubscriberCount(documentID string) int {
	h.mu.RLock()
	t := h.topics[documentID]
	h.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close disconnects every subscriber and stops the relay.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, t := range h.topics {
		t.mu.Lock()
		for sub := range t.subs {
			all = append(all, sub)
		}
		t.mu.Unlock()
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeWithErr(ErrBusClosed)
	}

	if h.relayCancel != nil {
		h.relayCancel()
		h.relayWG.Wait()
	}
	if h.relay != nil {
		return h.relay.Close()
	}
	return nil
}

// Subscription is a handle on one document subscription.
type Subscription struct {
	id         string
	documentID string
	hub        *Hub
	handler    Handler
	queue      chan *model.ChangeEvent
	done       chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// DocumentID returns the document this subscription listens to.
func (s *Subscription) DocumentID() string { return s.documentID }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after Close, ErrSlowSubscriber
// or ErrBusClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeWithErr(nil)
}

func (s *Subscription) closeWithErr(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.hub.remove(s)
	})
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
		}
	}
}

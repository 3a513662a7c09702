// Package syncagent keeps a local view of one document's presence and
// comments in step with the server. It takes a baseline snapshot, follows
// the document's change stream, sends heartbeats, and falls back to polling
// with backoff-driven resubscription when the stream is lost.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultStableAfter       = 10 * time.Second

	leaveTimeout = 2 * time.Second
)

// Config configures an Agent. Client, Streamer and DocumentID are required.
type Config struct {
	Client     client.Client
	Streamer   client.Streamer
	DocumentID string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// Activity and SlideIndex seed the first heartbeat.
	Activity   model.ActivityType
	SlideIndex *int

	// NewBackOff builds the resubscribe policy. Defaults to exponential
	// growth from 1s, doubling, capped at 30s, never giving up.
	NewBackOff func() backoff.BackOff

	// StableAfter is how long a stream must stay up, without delivering
	// anything, before the resubscribe backoff starts over. A stream that
	// delivers an event resets it immediately.
	StableAfter time.Duration

	// OnChange is called with a fresh snapshot after every merge or
	// refetch. It runs on the agent's goroutines and must not block.
	OnChange func(Snapshot)
}

// Snapshot is the agent's local view of a document.
type Snapshot struct {
	DocumentID string
	// Presence is ordered most recently seen first.
	Presence []*model.Presence
	// Comments are threaded top-level comments with their replies.
	Comments []*model.Comment
	// Live is false while the change stream is down and the view is
	// maintained by polling.
	Live bool
}

// Agent synchronizes one open document view.
type Agent struct {
	cfg Config

	mu       sync.Mutex
	presence map[string]*model.Presence
	comments map[int64]*model.Comment
	live     bool
	activity model.ActivityType
	slide    *int
	cursor   *model.Point

	kick chan struct{}
}

// DefaultBackOff is the resubscribe policy used when Config.NewBackOff is nil.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// New creates an agent. Call Run to start it.
func New(cfg Config) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = DefaultBackOff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	activity := cfg.Activity
	if activity == "" {
		activity = model.ActivityViewing
	}
	return &Agent{
		cfg:      cfg,
		presence: make(map[string]*model.Presence),
		comments: make(map[int64]*model.Comment),
		activity: activity,
		slide:    cfg.SlideIndex,
		kick:     make(chan struct{}, 1),
	}
}

// Run opens the view and keeps it synchronized until ctx is cancelled.
// It returns an error only if the baseline cannot be loaded or the server
// rejects the subscription outright; ctx cancellation returns nil.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Refetch(ctx); err != nil {
		return fmt.Errorf("loading %s: %w", a.cfg.DocumentID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
		a.leave()
	}()

	b := a.cfg.NewBackOff()
	b.Reset()
	var lost error
	for {
		stream, err := a.connect(ctx, b, lost)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.setLive(true)
		// Changes made between the last read and the subscription going
		// live are only visible to a read taken after subscribing.
		if err := a.Refetch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("syncagent: resync failed", "document", a.cfg.DocumentID, "error", err)
		}

		opened := time.Now()
		delivered, err := a.consume(ctx, stream)
		stream.Close()
		a.setLive(false)
		if ctx.Err() != nil {
			return nil
		}
		if delivered > 0 || time.Since(opened) >= a.cfg.StableAfter {
			b.Reset()
		}
		slog.Warn("syncagent: stream lost", "document", a.cfg.DocumentID, "delivered", delivered, "error", err)
		lost = err
		if lost == nil {
			lost = errStreamEnded
		}
	}
}

var errStreamEnded = errors.New("stream ended")

// connect subscribes to the document, retrying with backoff and polling
// while the stream is unavailable. A non-nil lost is the error that ended
// the previous stream; connect waits out one backoff step before trying
// again so a stream that keeps dying right after opening cannot spin.
func (a *Agent) connect(ctx context.Context, b backoff.BackOff, lost error) (client.Stream, error) {
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	cause := lost
	for {
		if cause != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return nil, fmt.Errorf("subscribing to %s: giving up: %w", a.cfg.DocumentID, cause)
			}
			slog.Info("syncagent: resubscribing", "document", a.cfg.DocumentID, "in", wait, "error", cause)
			if err := a.sleep(ctx, wait, poll.C); err != nil {
				return nil, err
			}
		}

		stream, err := a.cfg.Streamer.Subscribe(ctx, a.cfg.DocumentID)
		if err == nil {
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !client.IsRetryable(err) {
			return nil, fmt.Errorf("subscribing to %s: %w", a.cfg.DocumentID, err)
		}
		cause = err
	}
}

// sleep waits for d, refetching on every poll tick in the meantime.
func (a *Agent) sleep(ctx context.Context, d time.Duration, poll <-chan time.Time) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll:
			if err := a.Refetch(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("syncagent: poll failed", "document", a.cfg.DocumentID, "error", err)
			}
		case <-timer.C:
			return nil
		}
	}
}

// consume applies events from stream until it fails or ctx ends, and
// reports how many events arrived.
func (a *Agent) consume(ctx context.Context, stream client.Stream) (int, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stop:
		}
	}()

	n := 0
	for {
		ev, err := stream.Recv()
		if err != nil {
			return n, err
		}
		n++
		if err := a.Apply(ev); err != nil {
			var stale *model.StaleReadError
			if !errors.As(err, &stale) {
				slog.Warn("syncagent: bad event", "document", a.cfg.DocumentID, "kind", ev.Kind, "error", err)
			}
			if err := a.Refetch(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("syncagent: refetch failed", "document", a.cfg.DocumentID, "error", err)
			}
		}
	}
}

// Refetch replaces the local view with a fresh read of the document.
func (a *Agent) Refetch(ctx context.Context) error {
	people, err := a.cfg.Client.ListPresence(ctx, a.cfg.DocumentID)
	if err != nil {
		return err
	}
	threads, err := a.cfg.Client.ListComments(ctx, a.cfg.DocumentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.presence = make(map[string]*model.Presence, len(people))
	for _, p := range people {
		a.presence[p.UserID] = p.Clone()
	}
	a.comments = make(map[int64]*model.Comment)
	for _, c := range model.Flatten(threads) {
		a.comments[c.ID] = c
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(snap)
	return nil
}

// Apply merges one change event into the local view. Events for other
// documents are ignored. A payload that cannot be decoded returns an error
// and leaves the view unchanged; the caller should refetch.
func (a *Agent) Apply(ev *model.ChangeEvent) error {
	if ev.DocumentID != a.cfg.DocumentID {
		return nil
	}

	a.mu.Lock()
	err := a.applyLocked(ev)
	var snap Snapshot
	if err == nil {
		snap = a.snapshotLocked()
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	a.notify(snap)
	return nil
}

func (a *Agent) applyLocked(ev *model.ChangeEvent) error {
	switch ev.Kind {
	case model.EventPresenceUpsert:
		p, err := ev.Presence()
		if err != nil {
			return err
		}
		if prev, ok := a.presence[p.UserID]; ok && p.LastSeenAt.Before(prev.LastSeenAt) {
			return nil
		}
		a.presence[p.UserID] = p
	case model.EventPresenceExpire:
		p, err := ev.Presence()
		if err != nil {
			return err
		}
		// A newer heartbeat may already have arrived.
		if prev, ok := a.presence[p.UserID]; ok && !prev.LastSeenAt.After(p.LastSeenAt) {
			delete(a.presence, p.UserID)
		}
	case model.EventCommentCreated, model.EventCommentResolved:
		c, err := ev.Comment()
		if err != nil {
			return err
		}
		c.Replies = nil
		a.comments[c.ID] = c
	case model.EventCommentDeleted:
		d, err := ev.Deletion()
		if err != nil {
			return err
		}
		ids := d.DeletedIDs
		if len(ids) == 0 {
			ids = []int64{d.ID}
		}
		for _, id := range ids {
			delete(a.comments, id)
		}
	default:
		return &model.StaleReadError{Resource: "event", Reason: "unknown kind " + string(ev.Kind)}
	}
	return nil
}

// Snapshot returns a copy of the current local view.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	people := make([]*model.Presence, 0, len(a.presence))
	for _, p := range a.presence {
		people = append(people, p.Clone())
	}
	sort.Slice(people, func(i, j int) bool {
		if !people[i].LastSeenAt.Equal(people[j].LastSeenAt) {
			return people[i].LastSeenAt.After(people[j].LastSeenAt)
		}
		return people[i].UserID < people[j].UserID
	})

	flat := make([]*model.Comment, 0, len(a.comments))
	for _, c := range a.comments {
		flat = append(flat, c)
	}
	return Snapshot{
		DocumentID: a.cfg.DocumentID,
		Presence:   people,
		Comments:   model.Thread(flat),
		Live:       a.live,
	}
}

func (a *Agent) setLive(live bool) {
	a.mu.Lock()
	if a.live == live {
		a.mu.Unlock()
		return
	}
	a.live = live
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.notify(snap)
}

func (a *Agent) notify(snap Snapshot) {
	if a.cfg.OnChange != nil {
		a.cfg.OnChange(snap)
	}
}

// SetActivity changes the local user's activity and heartbeats right away
// if it differs from the current one.
func (a *Agent) SetActivity(activity model.ActivityType) {
	a.mu.Lock()
	changed := a.activity != activity
	a.activity = activity
	a.mu.Unlock()
	if changed {
		a.poke()
	}
}

// SetSlide changes the slide the local user is on and heartbeats right away
// if it differs from the current one.
func (a *Agent) SetSlide(index int) {
	a.mu.Lock()
	changed := a.slide == nil || *a.slide != index
	a.slide = &index
	a.mu.Unlock()
	if changed {
		a.poke()
	}
}

// SetCursor records the local cursor. It rides along on the next heartbeat.
func (a *Agent) SetCursor(p *model.Point) {
	a.mu.Lock()
	a.cursor = p
	a.mu.Unlock()
}

func (a *Agent) poke() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.kick:
			ticker.Reset(a.cfg.HeartbeatInterval)
		}
		a.heartbeat(ctx)
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	a.mu.Lock()
	req := &client.HeartbeatRequest{Activity: a.activity}
	if a.slide != nil {
		idx := *a.slide
		req.SlideIndex = &idx
	}
	if a.cursor != nil {
		pt := *a.cursor
		req.Cursor = &pt
	}
	a.mu.Unlock()

	p, err := a.cfg.Client.Heartbeat(ctx, a.cfg.DocumentID, req)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("syncagent: heartbeat failed", "document", a.cfg.DocumentID, "error", err)
		}
		return
	}
	// Keep the local view current even while the stream is down.
	a.mu.Lock()
	if prev, ok := a.presence[p.UserID]; !ok || !p.LastSeenAt.Before(prev.LastSeenAt) {
		a.presence[p.UserID] = p.Clone()
	}
	a.mu.Unlock()
}

func (a *Agent) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := a.cfg.Client.Leave(ctx, a.cfg.DocumentID); err != nil {
		slog.Debug("syncagent: leave failed", "document", a.cfg.DocumentID, "error", err)
	}
}

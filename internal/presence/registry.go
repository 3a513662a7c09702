// Package presence tracks who is on which document and what they are doing.
//
// The Registry holds one in-memory record per (document, user), refreshed by
// heartbeats. Records older than the stale timeout are hidden from ListActive
// immediately and physically removed by a background sweeper, which publishes
// a presence_expire event for each removal. Nothing here is persisted.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/huddle/internal/events"
	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

const (
	DefaultStaleTimeout  = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Config configures a Registry.
type Config struct {
	// StaleTimeout is how long a record survives without a heartbeat.
	// Default: 30 seconds.
	StaleTimeout time.Duration

	// SweepInterval is how often the sweeper scans for expired records.
	// Default: 10 seconds.
	SweepInterval time.Duration

	// Publisher receives presence_upsert and presence_expire events.
	// Nil disables publishing.
	Publisher events.Publisher

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Update is one heartbeat from a participant.
type Update struct {
	DocumentID string
	Activity   model.ActivityType
	SlideIndex *int
	Cursor     *model.Point
}

// Registry is the presence store. Each document has its own shard and lock.
type Registry struct {
	staleTimeout  time.Duration
	sweepInterval time.Duration
	pub           events.Publisher
	now           func() time.Time

	mu   sync.RWMutex
	docs map[string]*shard

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*model.Presence
	remote  map[string]struct{} // users whose record came from another replica
	dropped bool                // unlinked from Registry.docs; writers must re-fetch
}

// New creates a registry.
func New(cfg Config) *Registry {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		staleTimeout:  cfg.StaleTimeout,
		sweepInterval: cfg.SweepInterval,
		pub:           cfg.Publisher,
		now:           cfg.Now,
		docs:          make(map[string]*shard),
	}
}

// StaleTimeout returns the configured staleness timeout.
func (r *Registry) StaleTimeout() time.Duration {
	return r.staleTimeout
}

// Upsert records a heartbeat for who on u.DocumentID, creating the record if
// needed. Mutable fields are overwritten and lastSeenAt never moves backwards.
func (r *Registry) Upsert(ctx context.Context, who model.Identity, u Update) (*model.Presence, error) {
	if u.Activity == "" {
		u.Activity = model.ActivityViewing
	}
	rec := &model.Presence{
		DocumentID:  u.DocumentID,
		UserID:      who.UserID,
		DisplayName: who.Name(),
		AvatarColor: who.Color(),
		Activity:    u.Activity,
		SlideIndex:  u.SlideIndex,
		Cursor:      u.Cursor,
	}
	if err := model.ValidatePresence(rec); err != nil {
		return nil, err
	}
	rec = rec.Clone()

	now := r.now().UTC()
	s := r.shard(u.DocumentID, true)
	s.mu.Lock()
	for s.dropped {
		s.mu.Unlock()
		s = r.shard(u.DocumentID, true)
		s.mu.Lock()
	}
	if prev, ok := s.records[who.UserID]; ok && prev.LastSeenAt.After(now) {
		now = prev.LastSeenAt
	}
	rec.LastSeenAt = now
	s.records[who.UserID] = rec
	delete(s.remote, who.UserID)
	out := rec.Clone()
	s.mu.Unlock()

	r.publish(ctx, model.EventPresenceUpsert, out)
	return out, nil
}

// ListActive returns the live records of documentID, most recently seen
// first. Records past the stale timeout are excluded even if the sweeper
// has not removed them yet.
func (r *Registry) ListActive(documentID string) []*model.Presence {
	s := r.shard(documentID, false)
	if s == nil {
		return []*model.Presence{}
	}
	now := r.now()

	s.mu.RLock()
	out := make([]*model.Presence, 0, len(s.records))
	for _, rec := range s.records {
		if r.live(rec, now) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Leave removes userID's record from documentID and publishes
// presence_expire. It reports whether a record was removed.
func (r *Registry) Leave(ctx context.Context, documentID, userID string) bool {
	s := r.shard(documentID, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	rec, ok := s.records[userID]
	if ok {
		delete(s.records, userID)
		delete(s.remote, userID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.dropIfEmpty(documentID)
	slog.Debug("presence: left", "document", documentID, "user", userID)
	r.publish(ctx, model.EventPresenceExpire, rec)
	return true
}

// Count returns the number of records held, live or not yet swept.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.docs {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}

// StartSweeper launches a background goroutine that periodically removes
// expired records. Call Stop to shut it down.
func (r *Registry) StartSweeper() {
	r.sweepStop = make(chan struct{})
	r.sweepDone = make(chan struct{})

	go r.sweepLoop()
	slog.Info("presence: sweeper started",
		"stale_timeout", r.staleTimeout,
		"sweep_interval", r.sweepInterval)
}

// Stop shuts down the sweeper goroutine.
func (r *Registry) Stop() {
	if r.sweepStop != nil {
		close(r.sweepStop)
		<-r.sweepDone
		r.sweepStop = nil
		r.sweepDone = nil
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.SweepExpired(context.Background())
		}
	}
}

// SweepExpired removes every record past the stale timeout and publishes
// presence_expire for each. It returns the removed records.
func (r *Registry) SweepExpired(ctx context.Context) []*model.Presence {
	now := r.now()

	r.mu.RLock()
	shards := make(map[string]*shard, len(r.docs))
	for doc, s := range r.docs {
		shards[doc] = s
	}
	r.mu.RUnlock()

	var expired []*model.Presence
	for doc, s := range shards {
		s.mu.Lock()
		for user, rec := range s.records {
			if r.live(rec, now) {
				continue
			}
			delete(s.records, user)
			if _, ok := s.remote[user]; ok {
				// The replica that owns the heartbeat announces the expiry.
				delete(s.remote, user)
				continue
			}
			expired = append(expired, rec)
		}
		s.mu.Unlock()
		r.dropIfEmpty(doc)
	}

	for _, rec := range expired {
		slog.Info("presence: expired",
			"document", rec.DocumentID,
			"user", rec.UserID,
			"last_seen", rec.LastSeenAt)
		metrics.PresenceExpired.Inc()
		r.publish(ctx, model.EventPresenceExpire, rec)
	}
	return expired
}

// ApplyRemote folds a presence event published by another replica into the
// local records so ListActive agrees across replicas. Nothing is published:
// local subscribers get the event from the hub itself. Older records never
// replace newer ones, and events without a payload are ignored.
func (r *Registry) ApplyRemote(ev *model.ChangeEvent) {
	if !ev.Kind.IsPresence() {
		return
	}
	rec, err := ev.Presence()
	if err != nil {
		slog.Debug("presence: ignoring remote event", "document", ev.DocumentID, "error", err)
		return
	}
	if rec.DocumentID == "" || rec.UserID == "" {
		return
	}

	if ev.Kind == model.EventPresenceExpire {
		s := r.shard(rec.DocumentID, false)
		if s == nil {
			return
		}
		s.mu.Lock()
		prev, ok := s.records[rec.UserID]
		removed := ok && !prev.LastSeenAt.After(rec.LastSeenAt)
		if removed {
			delete(s.records, rec.UserID)
			delete(s.remote, rec.UserID)
		}
		s.mu.Unlock()
		if removed {
			r.dropIfEmpty(rec.DocumentID)
		}
		return
	}

	if !r.live(rec, r.now()) {
		return
	}
	s := r.shard(rec.DocumentID, true)
	s.mu.Lock()
	for s.dropped {
		s.mu.Unlock()
		s = r.shard(rec.DocumentID, true)
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.UserID]; ok && prev.LastSeenAt.After(rec.LastSeenAt) {
		return
	}
	s.records[rec.UserID] = rec
	if s.remote == nil {
		s.remote = make(map[string]struct{})
	}
	s.remote[rec.UserID] = struct{}{}
}

func (r *Registry) live(rec *model.Presence, now time.Time) bool {
	return now.Sub(rec.LastSeenAt) < r.staleTimeout
}

func (r *Registry) shard(documentID string, create bool) *shard {
	r.mu.RLock()
	s := r.docs[documentID]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.docs[documentID]; s == nil {
		s = &shard{records: make(map[string]*model.Presence)}
		r.docs[documentID] = s
	}
	return s
}

// dropIfEmpty forgets a document shard once its last record is gone.
func (r *Registry) dropIfEmpty(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.docs[documentID]
	if s == nil {
		return
	}
	s.mu.Lock()
	if len(s.records) == 0 {
		s.dropped = true
		delete(r.docs, documentID)
	}
	s.mu.Unlock()
}

func (r *Registry) publish(ctx context.Context, kind model.EventKind, rec *model.Presence) {
	if r.pub == nil {
		return
	}
	ev, err := model.NewChangeEvent(rec.DocumentID, kind, rec, r.now().UTC())
	if err == nil {
		err = r.pub.Publish(ctx, ev)
	}
	if err != nil {
		slog.Warn("presence: publish failed",
			"document", rec.DocumentID,
			"user", rec.UserID,
			"kind", kind,
			"error", err)
	}
}

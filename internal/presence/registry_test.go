package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *model.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestRegistry() (*Registry, *fakeClock, *recordingPublisher) {
	clock := newFakeClock()
	pub := &recordingPublisher{}
	r := New(Config{
		StaleTimeout: 30 * time.Second,
		Publisher:    pub,
		Now:          clock.Now,
	})
	return r, clock, pub
}

func intPtr(v int) *int { return &v }

var alice = model.Identity{UserID: "alice", DisplayName: "Alice", AvatarColor: "#FF6B6B"}

func TestUpsert_CreatesRecord(t *testing.T) {
	r, clock, pub := newTestRegistry()

	rec, err := r.Upsert(context.Background(), alice, Update{
		DocumentID: "deck-1",
		Activity:   model.ActivityViewing,
		SlideIndex: intPtr(0),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !rec.LastSeenAt.Equal(clock.Now()) {
		t.Errorf("expected lastSeenAt %v, got %v", clock.Now(), rec.LastSeenAt)
	}

	active := r.ListActive("deck-1")
	if len(active) != 1 {
		t.Fatalf("expected 1 active record, got %d", len(active))
	}
	got := active[0]
	if got.UserID != "alice" || got.DisplayName != "Alice" || got.Activity != model.ActivityViewing {
		t.Errorf("unexpected record %+v", got)
	}
	if got.SlideIndex == nil || *got.SlideIndex != 0 {
		t.Errorf("expected slideIndex 0, got %v", got.SlideIndex)
	}

	kinds := pub.kinds()
	if len(kinds) != 1 || kinds[0] != model.EventPresenceUpsert {
		t.Fatalf("expected one presence_upsert event, got %v", kinds)
	}
	payload, err := pub.events[0].Presence()
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.UserID != "alice" || payload.DocumentID != "deck-1" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestUpsert_Defaults(t *testing.T) {
	r, _, _ := newTestRegistry()

	rec, err := r.Upsert(context.Background(), model.Identity{UserID: "bob"}, Update{DocumentID: "deck-1"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if rec.Activity != model.ActivityViewing {
		t.Errorf("expected default activity viewing, got %s", rec.Activity)
	}
	if rec.DisplayName != "bob" {
		t.Errorf("expected display name to fall back to user id, got %q", rec.DisplayName)
	}
	if rec.AvatarColor != model.AvatarColorFor("bob") {
		t.Errorf("expected derived avatar color, got %q", rec.AvatarColor)
	}
}

func TestUpsert_Validation(t *testing.T) {
	r, _, pub := newTestRegistry()

	tests := []struct {
		name string
		who  model.Identity
		u    Update
	}{
		{"missing document", alice, Update{}},
		{"missing user", model.Identity{}, Update{DocumentID: "deck-1"}},
		{"bad activity", alice, Update{DocumentID: "deck-1", Activity: "dancing"}},
		{"negative slide", alice, Update{DocumentID: "deck-1", SlideIndex: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Upsert(context.Background(), tt.who, tt.u)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if n := len(pub.kinds()); n != 0 {
		t.Fatalf("expected no events for rejected upserts, got %d", n)
	}
}

func TestUpsert_IdempotentHeartbeat(t *testing.T) {
	r, clock, _ := newTestRegistry()
	u := Update{DocumentID: "deck-1", Activity: model.ActivityEditing, SlideIndex: intPtr(3), Cursor: &model.Point{X: 1, Y: 2}}

	first, err := r.Upsert(context.Background(), alice, u)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	clock.Advance(10 * time.Second)
	second, err := r.Upsert(context.Background(), alice, u)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if !first.SameState(second) {
		t.Errorf("expected identical state, got %+v vs %+v", first, second)
	}
	if !second.LastSeenAt.After(first.LastSeenAt) {
		t.Errorf("expected lastSeenAt to advance")
	}
	if n := len(r.ListActive("deck-1")); n != 1 {
		t.Fatalf("expected 1 record after repeated heartbeats, got %d", n)
	}
}

func TestUpsert_LastSeenNeverMovesBackwards(t *testing.T) {
	r, clock, _ := newTestRegistry()
	first, _ := r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})

	clock.Advance(-5 * time.Second)
	second, err := r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1", Activity: model.ActivityIdle})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if second.LastSeenAt.Before(first.LastSeenAt) {
		t.Fatalf("lastSeenAt went backwards: %v -> %v", first.LastSeenAt, second.LastSeenAt)
	}
	if second.Activity != model.ActivityIdle {
		t.Errorf("expected last write to win, got %s", second.Activity)
	}
}

func TestListActive_ExcludesStaleRecords(t *testing.T) {
	r, clock, _ := newTestRegistry()

	if _, err := r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1", SlideIndex: intPtr(0)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n := len(r.ListActive("deck-1")); n != 1 {
		t.Fatalf("expected 1 active record, got %d", n)
	}

	clock.Advance(35 * time.Second)
	if n := len(r.ListActive("deck-1")); n != 0 {
		t.Fatalf("expected stale record to be excluded, got %d", n)
	}
	// Not yet swept: still held physically.
	if r.Count() != 1 {
		t.Fatalf("expected record to remain until swept, count=%d", r.Count())
	}
}

func TestListActive_BoundaryAndOrder(t *testing.T) {
	r, clock, _ := newTestRegistry()
	bob := model.Identity{UserID: "bob"}

	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})
	clock.Advance(5 * time.Second)
	r.Upsert(context.Background(), bob, Update{DocumentID: "deck-1"})

	active := r.ListActive("deck-1")
	if len(active) != 2 || active[0].UserID != "bob" || active[1].UserID != "alice" {
		t.Fatalf("expected [bob alice], got %v", active)
	}

	// Exactly at the timeout the record is gone.
	clock.Advance(25 * time.Second)
	active = r.ListActive("deck-1")
	if len(active) != 1 || active[0].UserID != "bob" {
		t.Fatalf("expected only bob at alice's timeout, got %v", active)
	}
}

func TestListActive_IsolatesDocuments(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})

	if n := len(r.ListActive("deck-2")); n != 0 {
		t.Fatalf("expected no records on deck-2, got %d", n)
	}
	if got := r.ListActive("unknown"); got == nil {
		t.Fatal("expected empty slice, not nil")
	}
}

func TestListActive_ReturnsCopies(t *testing.T) {
	r, _, _ := newTestRegistry()
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1", SlideIndex: intPtr(1)})

	first := r.ListActive("deck-1")[0]
	*first.SlideIndex = 99
	first.Activity = model.ActivityIdle

	again := r.ListActive("deck-1")[0]
	if *again.SlideIndex != 1 || again.Activity != model.ActivityViewing {
		t.Fatalf("registry state was mutated through a returned record: %+v", again)
	}
}

func TestSweepExpired_RemovesAndPublishes(t *testing.T) {
	r, clock, pub := newTestRegistry()
	bob := model.Identity{UserID: "bob"}

	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})
	r.Upsert(context.Background(), bob, Update{DocumentID: "deck-2"})
	clock.Advance(20 * time.Second)
	r.Upsert(context.Background(), bob, Update{DocumentID: "deck-2"})
	clock.Advance(15 * time.Second)

	expired := r.SweepExpired(context.Background())
	if len(expired) != 1 || expired[0].UserID != "alice" || expired[0].DocumentID != "deck-1" {
		t.Fatalf("expected alice on deck-1 to expire, got %v", expired)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 remaining record, got %d", r.Count())
	}

	var expire *model.ChangeEvent
	for _, ev := range pub.events {
		if ev.Kind == model.EventPresenceExpire {
			if expire != nil {
				t.Fatal("expected exactly one presence_expire event")
			}
			expire = ev
		}
	}
	if expire == nil {
		t.Fatal("expected a presence_expire event")
	}
	if expire.DocumentID != "deck-1" {
		t.Errorf("expected event for deck-1, got %s", expire.DocumentID)
	}
	rec, err := expire.Presence()
	if err != nil || rec.UserID != "alice" {
		t.Fatalf("expected expire payload for alice, got %+v (%v)", rec, err)
	}

	if again := r.SweepExpired(context.Background()); len(again) != 0 {
		t.Fatalf("second sweep should find nothing, got %v", again)
	}
}

func TestLeave(t *testing.T) {
	r, _, pub := newTestRegistry()
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})

	if !r.Leave(context.Background(), "deck-1", "alice") {
		t.Fatal("expected Leave to remove the record")
	}
	if n := len(r.ListActive("deck-1")); n != 0 {
		t.Fatalf("expected no active records, got %d", n)
	}
	if r.Leave(context.Background(), "deck-1", "alice") {
		t.Fatal("expected second Leave to be a no-op")
	}
	kinds := pub.kinds()
	if len(kinds) != 2 || kinds[1] != model.EventPresenceExpire {
		t.Fatalf("expected upsert then expire, got %v", kinds)
	}
}

func TestUpsert_PublishFailureKeepsRecord(t *testing.T) {
	r, _, pub := newTestRegistry()
	pub.err = &model.TransportError{Op: "relay publish", Err: errors.New("down")}

	if _, err := r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"}); err != nil {
		t.Fatalf("expected upsert to succeed despite relay failure, got %v", err)
	}
	if n := len(r.ListActive("deck-1")); n != 1 {
		t.Fatalf("expected record to be stored, got %d", n)
	}
}

func TestUpsert_ConcurrentDocuments(t *testing.T) {
	r, _, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := []string{"deck-1", "deck-2"}[i%2]
			who := model.Identity{UserID: string(rune('a' + i))}
			for j := 0; j < 50; j++ {
				if _, err := r.Upsert(context.Background(), who, Update{DocumentID: doc}); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
				if j%10 == 0 {
					r.SweepExpired(context.Background())
				}
			}
		}(i)
	}
	wg.Wait()

	if got := len(r.ListActive("deck-1")) + len(r.ListActive("deck-2")); got != 20 {
		t.Fatalf("expected 20 live records, got %d", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	r := New(Config{StaleTimeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})
	r.StartSweeper()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for r.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired record")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func remotePresence(t *testing.T, kind model.EventKind, userID string, seen time.Time) *model.ChangeEvent {
	t.Helper()
	rec := &model.Presence{
		DocumentID: "deck-1",
		UserID:     userID,
		Activity:   model.ActivityViewing,
		LastSeenAt: seen,
	}
	ev, err := model.NewChangeEvent("deck-1", kind, rec, seen)
	if err != nil {
		t.Fatalf("NewChangeEvent: %v", err)
	}
	ev.Origin = "node-b"
	return ev
}

func TestApplyRemote(t *testing.T) {
	r, clock, pub := newTestRegistry()
	now := clock.Now()

	r.ApplyRemote(remotePresence(t, model.EventPresenceUpsert, "bob", now))
	active := r.ListActive("deck-1")
	if len(active) != 1 || active[0].UserID != "bob" {
		t.Fatalf("expected bob from the other replica, got %v", active)
	}
	if n := len(pub.kinds()); n != 0 {
		t.Fatalf("expected remote records not to be republished, got %d events", n)
	}

	// An out-of-order older heartbeat must not roll lastSeenAt back.
	r.ApplyRemote(remotePresence(t, model.EventPresenceUpsert, "bob", now.Add(-5*time.Second)))
	if got := r.ListActive("deck-1")[0].LastSeenAt; !got.Equal(now) {
		t.Fatalf("expected lastSeenAt %v, got %v", now, got)
	}

	// An expire for an older heartbeat leaves the newer record alone.
	r.ApplyRemote(remotePresence(t, model.EventPresenceExpire, "bob", now.Add(-5*time.Second)))
	if n := len(r.ListActive("deck-1")); n != 1 {
		t.Fatalf("expected stale expire to be ignored, got %d records", n)
	}

	r.ApplyRemote(remotePresence(t, model.EventPresenceExpire, "bob", now))
	if r.Count() != 0 {
		t.Fatalf("expected bob removed, got %d records", r.Count())
	}
}

func TestApplyRemote_IgnoresStaleAndStrippedEvents(t *testing.T) {
	r, clock, _ := newTestRegistry()

	r.ApplyRemote(remotePresence(t, model.EventPresenceUpsert, "bob", clock.Now().Add(-time.Minute)))
	stripped := remotePresence(t, model.EventPresenceUpsert, "carol", clock.Now())
	stripped.Payload = nil
	r.ApplyRemote(stripped)

	if r.Count() != 0 {
		t.Fatalf("expected nothing applied, got %d records", r.Count())
	}
}

func TestSweepExpired_RemoteRecordsExpireQuietly(t *testing.T) {
	r, clock, pub := newTestRegistry()
	r.ApplyRemote(remotePresence(t, model.EventPresenceUpsert, "bob", clock.Now()))
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})
	clock.Advance(31 * time.Second)

	expired := r.SweepExpired(context.Background())
	if len(expired) != 1 || expired[0].UserID != "alice" {
		t.Fatalf("expected only the local record reported, got %v", expired)
	}
	if r.Count() != 0 {
		t.Fatalf("expected both records removed, got %d", r.Count())
	}
	kinds := pub.kinds()
	if len(kinds) != 2 || kinds[1] != model.EventPresenceExpire {
		t.Fatalf("expected one upsert and one expire, got %v", kinds)
	}
}

func TestUpsert_LocalHeartbeatOwnsRemoteRecord(t *testing.T) {
	r, clock, pub := newTestRegistry()
	r.ApplyRemote(remotePresence(t, model.EventPresenceUpsert, "alice", clock.Now()))
	r.Upsert(context.Background(), alice, Update{DocumentID: "deck-1"})
	clock.Advance(31 * time.Second)

	if expired := r.SweepExpired(context.Background()); len(expired) != 1 {
		t.Fatalf("expected the locally refreshed record to expire loudly, got %v", expired)
	}
	if kinds := pub.kinds(); len(kinds) != 2 {
		t.Fatalf("expected upsert then expire, got %v", kinds)
	}
}

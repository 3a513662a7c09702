package syncagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/huddle/internal/client"
	"github.com/alfredjeanlab/huddle/internal/model"
)

const doc = "deck-1"

// fakeClient serves canned list results and records writes.
type fakeClient struct {
	mu         sync.Mutex
	presence   []*model.Presence
	comments   []*model.Comment
	listCalls  int
	heartbeats []*client.HeartbeatRequest
	leaves     int
	listErr    error
}

func (f *fakeClient) ListPresence(_ context.Context, _ string) ([]*model.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*model.Presence, len(f.presence))
	for i, p := range f.presence {
		out[i] = p.Clone()
	}
	return out, nil
}

func (f *fakeClient) Heartbeat(_ context.Context, documentID string, req *client.HeartbeatRequest) (*model.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return &model.Presence{DocumentID: documentID, UserID: "me", Activity: req.Activity, SlideIndex: req.SlideIndex, LastSeenAt: time.Now()}, nil
}

func (f *fakeClient) Leave(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeClient) ListComments(context.Context, string) ([]*model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Thread(f.comments), nil
}

func (f *fakeClient) CreateComment(context.Context, string, *client.CreateCommentRequest) (*model.Comment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) GetComment(context.Context, int64) (*model.Comment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) ResolveComment(context.Context, int64, bool) (*model.Comment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) DeleteComment(context.Context, int64) (*model.CommentDeletion, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Health(context.Context) (string, error) { return "ok", nil }
func (f *fakeClient) Close() error                           { return nil }

func (f *fakeClient) counts() (lists, heartbeats, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, len(f.heartbeats), f.leaves
}

func (f *fakeClient) lastHeartbeat() *client.HeartbeatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heartbeats) == 0 {
		return nil
	}
	return f.heartbeats[len(f.heartbeats)-1]
}

// fakeStream delivers events pushed onto its channel; closing the channel
// simulates a lost connection.
type fakeStream struct {
	events chan *model.ChangeEvent
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *model.ChangeEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv() (*model.ChangeEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, &model.TransportError{Op: "recv", Err: errors.New("connection reset")}
		}
		return ev, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeStreamer hands out queued results in order, then blocks failing.
type fakeStreamer struct {
	mu      sync.Mutex
	results []any // *fakeStream or error
	calls   int
	opened  chan *fakeStream

	// onSubscribe runs before each subscription is handed out.
	onSubscribe func()
}

func newFakeStreamer(results ...any) *fakeStreamer {
	return &fakeStreamer{results: results, opened: make(chan *fakeStream, 8)}
}

func (f *fakeStreamer) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStreamer) Subscribe(context.Context, string) (client.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onSubscribe != nil {
		f.onSubscribe()
	}
	if len(f.results) == 0 {
		return nil, &model.TransportError{Op: "subscribe", Err: errors.New("unavailable")}
	}
	r := f.results[0]
	f.results = f.results[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	s := r.(*fakeStream)
	f.opened <- s
	return s, nil
}

func event(t *testing.T, kind model.EventKind, payload any) *model.ChangeEvent {
	t.Helper()
	ev, err := model.NewChangeEvent(doc, kind, payload, time.Now())
	if err != nil {
		t.Fatalf("NewChangeEvent: %v", err)
	}
	return ev
}

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startAgent(t *testing.T, cfg Config) (*Agent, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.DocumentID == "" {
		cfg.DocumentID = doc
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = fastBackOff
	}
	a := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return a, cancel, done
}

func TestDefaultBackOff_Sequence(t *testing.T) {
	b := DefaultBackOff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Fatalf("step %d: expected %v, got %v", i, w*time.Second, got)
		}
	}
}

func TestApply_MergesByKind(t *testing.T) {
	a := New(Config{Client: &fakeClient{}, DocumentID: doc})
	now := time.Now()
	slide := 1

	steps := []struct {
		ev           *model.ChangeEvent
		wantPeople   int
		wantThreads  int
		wantResolved bool
	}{
		{event(t, model.EventPresenceUpsert, &model.Presence{DocumentID: doc, UserID: "bob", Activity: model.ActivityViewing, LastSeenAt: now}), 1, 0, false},
		{event(t, model.EventPresenceUpsert, &model.Presence{DocumentID: doc, UserID: "bob", Activity: model.ActivityEditing, SlideIndex: &slide, LastSeenAt: now.Add(time.Second)}), 1, 0, false},
		{event(t, model.EventCommentCreated, &model.Comment{ID: 1, DocumentID: doc, Content: "top", CreatedAt: now}), 1, 1, false},
		{event(t, model.EventCommentCreated, &model.Comment{ID: 2, DocumentID: doc, Content: "reply", ParentID: ptr(int64(1)), CreatedAt: now.Add(time.Second)}), 1, 1, false},
		{event(t, model.EventCommentResolved, &model.Comment{ID: 1, DocumentID: doc, Content: "top", Resolved: true, CreatedAt: now}), 1, 1, true},
		{event(t, model.EventPresenceExpire, &model.Presence{DocumentID: doc, UserID: "bob", LastSeenAt: now.Add(time.Second)}), 0, 1, true},
		{event(t, model.EventCommentDeleted, &model.CommentDeletion{ID: 1, DocumentID: doc, DeletedIDs: []int64{1, 2}}), 0, 0, false},
	}
	for i, s := range steps {
		if err := a.Apply(s.ev); err != nil {
			t.Fatalf("step %d (%s): %v", i, s.ev.Kind, err)
		}
		snap := a.Snapshot()
		if len(snap.Presence) != s.wantPeople || len(snap.Comments) != s.wantThreads {
			t.Fatalf("step %d (%s): expected %d people / %d threads, got %d / %d",
				i, s.ev.Kind, s.wantPeople, s.wantThreads, len(snap.Presence), len(snap.Comments))
		}
		if s.wantThreads > 0 && snap.Comments[0].Resolved != s.wantResolved {
			t.Fatalf("step %d: expected resolved=%v", i, s.wantResolved)
		}
		if i == 3 && len(snap.Comments[0].Replies) != 1 {
			t.Fatalf("expected reply nested under its parent, got %+v", snap.Comments[0])
		}
		if i == 1 && snap.Presence[0].Activity != model.ActivityEditing {
			t.Fatalf("expected upsert to replace the record, got %s", snap.Presence[0].Activity)
		}
	}
}

func TestApply_IgnoresOtherDocuments(t *testing.T) {
	a := New(Config{Client: &fakeClient{}, DocumentID: doc})
	ev, _ := model.NewChangeEvent("deck-2", model.EventPresenceUpsert, &model.Presence{DocumentID: "deck-2", UserID: "bob", LastSeenAt: time.Now()}, time.Now())
	if err := a.Apply(ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.Snapshot().Presence) != 0 {
		t.Fatal("event for another document leaked into the view")
	}
}

func TestApply_StaleExpireKeepsNewerHeartbeat(t *testing.T) {
	a := New(Config{Client: &fakeClient{}, DocumentID: doc})
	now := time.Now()
	a.Apply(event(t, model.EventPresenceUpsert, &model.Presence{DocumentID: doc, UserID: "bob", LastSeenAt: now.Add(time.Minute)}))
	a.Apply(event(t, model.EventPresenceExpire, &model.Presence{DocumentID: doc, UserID: "bob", LastSeenAt: now}))
	if len(a.Snapshot().Presence) != 1 {
		t.Fatal("an expire for an older heartbeat must not remove a newer record")
	}
}

func TestApply_StrippedPayloadIsStaleRead(t *testing.T) {
	a := New(Config{Client: &fakeClient{}, DocumentID: doc})
	ev := &model.ChangeEvent{DocumentID: doc, Kind: model.EventCommentCreated}
	err := a.Apply(ev)
	var stale *model.StaleReadError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleReadError, got %v", err)
	}
}

func TestRun_BaselineThenStream(t *testing.T) {
	fc := &fakeClient{
		presence: []*model.Presence{{DocumentID: doc, UserID: "bob", LastSeenAt: time.Now()}},
		comments: []*model.Comment{{ID: 1, DocumentID: doc, Content: "hi", CreatedAt: time.Now()}},
	}
	stream := newFakeStream()
	fs := newFakeStreamer(stream)

	var mu sync.Mutex
	var last Snapshot
	a, cancel, done := startAgent(t, Config{Client: fc, Streamer: fs, OnChange: func(s Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	}})

	<-fs.opened
	waitFor(t, "live", func() bool { return a.Snapshot().Live })
	snap := a.Snapshot()
	if len(snap.Comments) != 1 {
		t.Fatalf("expected baseline comment, got %d", len(snap.Comments))
	}

	stream.events <- event(t, model.EventCommentCreated, &model.Comment{ID: 2, DocumentID: doc, Content: "second", CreatedAt: time.Now()})
	waitFor(t, "merged comment", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Comments) == 2
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, _, leaves := fc.counts(); leaves != 1 {
		t.Fatalf("expected a best-effort leave on close, got %d", leaves)
	}
}

func TestRun_StaleEventTriggersRefetch(t *testing.T) {
	fc := &fakeClient{}
	stream := newFakeStream()
	_, _, _ = startAgent(t, Config{Client: fc, Streamer: newFakeStreamer(stream)})

	// Baseline plus the read taken once the subscription is live.
	waitFor(t, "baseline and resync", func() bool { lists, _, _ := fc.counts(); return lists == 2 })
	stream.events <- &model.ChangeEvent{DocumentID: doc, Kind: model.EventPresenceUpsert}
	waitFor(t, "refetch", func() bool { lists, _, _ := fc.counts(); return lists == 3 })
}

func TestRun_ChangeDuringSubscribeIsNotLost(t *testing.T) {
	fc := &fakeClient{}
	fs := newFakeStreamer(newFakeStream())
	// The comment lands after the baseline read but before the stream is
	// live, so no event for it will ever arrive.
	fs.onSubscribe = func() {
		fc.mu.Lock()
		fc.comments = []*model.Comment{{ID: 7, DocumentID: doc, Content: "raced", CreatedAt: time.Now()}}
		fc.mu.Unlock()
	}
	a, _, _ := startAgent(t, Config{Client: fc, Streamer: fs})

	waitFor(t, "converged view", func() bool {
		snap := a.Snapshot()
		return snap.Live && len(snap.Comments) == 1 && snap.Comments[0].ID == 7
	})
}

func TestRun_ResubscribesAndResyncs(t *testing.T) {
	fc := &fakeClient{}
	first, second := newFakeStream(), newFakeStream()
	fs := newFakeStreamer(first, &model.TransportError{Op: "subscribe", Err: errors.New("refused")}, second)
	a, _, _ := startAgent(t, Config{Client: fc, Streamer: fs})

	<-fs.opened
	waitFor(t, "live", func() bool { return a.Snapshot().Live })

	fc.mu.Lock()
	fc.comments = []*model.Comment{{ID: 9, DocumentID: doc, Content: "missed", CreatedAt: time.Now()}}
	fc.mu.Unlock()
	close(first.events)

	<-fs.opened
	waitFor(t, "resync after reconnect", func() bool {
		snap := a.Snapshot()
		return snap.Live && len(snap.Comments) == 1
	})
	if calls := fs.subscribeCalls(); calls != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %d", calls)
	}
}

// flappingStreamer opens streams that die on the first Recv.
type flappingStreamer struct {
	mu    sync.Mutex
	calls int
}

func (f *flappingStreamer) Subscribe(context.Context, string) (client.Stream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	s := newFakeStream()
	close(s.events)
	return s, nil
}

func (f *flappingStreamer) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRun_FlappingStreamBacksOff(t *testing.T) {
	fc := &fakeClient{}
	fs := &flappingStreamer{}
	_, cancel, done := startAgent(t, Config{
		Client:     fc,
		Streamer:   fs,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(50 * time.Millisecond) },
	})

	time.Sleep(225 * time.Millisecond)
	cancel()
	<-done

	// One subscribe right away, then at most one per 50ms backoff step.
	if calls := fs.subscribeCalls(); calls < 2 || calls > 6 {
		t.Fatalf("expected 2..6 subscribe attempts in 225ms, got %d", calls)
	}
	if lists, _, _ := fc.counts(); lists > 8 {
		t.Fatalf("expected bounded refetches, got %d", lists)
	}
}

// countingBackOff counts resets of a constant backoff.
type countingBackOff struct {
	backoff.BackOff
	mu     sync.Mutex
	resets int
}

func (c *countingBackOff) Reset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
	c.BackOff.Reset()
}

func (c *countingBackOff) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func TestRun_BackOffResetsOnlyAfterHealthyStream(t *testing.T) {
	fc := &fakeClient{}
	quiet, busy := newFakeStream(), newFakeStream()
	fs := newFakeStreamer(quiet, busy, newFakeStream())
	cb := &countingBackOff{BackOff: backoff.NewConstantBackOff(5 * time.Millisecond)}
	_, _, _ = startAgent(t, Config{
		Client:      fc,
		Streamer:    fs,
		StableAfter: time.Hour,
		NewBackOff:  func() backoff.BackOff { return cb },
	})

	<-fs.opened
	if n := cb.count(); n != 1 {
		t.Fatalf("expected one reset when Run starts, got %d", n)
	}
	// A stream that dies without delivering anything keeps the backoff.
	close(quiet.events)
	<-fs.opened
	if n := cb.count(); n != 1 {
		t.Fatalf("expected no reset after a silent stream, got %d", n)
	}

	busy.events <- event(t, model.EventCommentCreated, &model.Comment{ID: 1, DocumentID: doc, Content: "hi", CreatedAt: time.Now()})
	close(busy.events)
	<-fs.opened
	if n := cb.count(); n != 2 {
		t.Fatalf("expected a reset after a stream delivered events, got %d", n)
	}
}

func TestRun_PollsWhileDisconnected(t *testing.T) {
	fc := &fakeClient{}
	// No streams queued: every subscribe fails with a transport error.
	fs := newFakeStreamer()
	a, _, _ := startAgent(t, Config{
		Client:       fc,
		Streamer:     fs,
		PollInterval: 5 * time.Millisecond,
		NewBackOff:   func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) },
	})

	waitFor(t, "polling", func() bool { lists, _, _ := fc.counts(); return lists >= 3 })
	if a.Snapshot().Live {
		t.Fatal("expected view to be marked not live while polling")
	}
}

func TestRun_RejectedSubscriptionStops(t *testing.T) {
	fc := &fakeClient{}
	fs := newFakeStreamer(&client.APIError{StatusCode: 403, Message: "forbidden"})
	_, _, done := startAgent(t, Config{Client: fc, Streamer: fs})

	select {
	case err := <-done:
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, _, leaves := fc.counts(); leaves != 1 {
		t.Fatalf("expected leave after stopping, got %d", leaves)
	}
}

func TestRun_BaselineFailure(t *testing.T) {
	fc := &fakeClient{listErr: &client.APIError{StatusCode: 404, Message: "not found"}}
	a := New(Config{Client: fc, Streamer: newFakeStreamer(), DocumentID: doc})
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected baseline error")
	}
}

func TestHeartbeat_ImmediateOnChange(t *testing.T) {
	fc := &fakeClient{}
	stream := newFakeStream()
	a, _, _ := startAgent(t, Config{Client: fc, Streamer: newFakeStreamer(stream), HeartbeatInterval: time.Hour})

	waitFor(t, "first heartbeat", func() bool { _, n, _ := fc.counts(); return n == 1 })
	if hb := fc.lastHeartbeat(); hb.Activity != model.ActivityViewing {
		t.Fatalf("expected first heartbeat to be viewing, got %s", hb.Activity)
	}

	a.SetSlide(4)
	waitFor(t, "slide heartbeat", func() bool { _, n, _ := fc.counts(); return n == 2 })
	if hb := fc.lastHeartbeat(); hb.SlideIndex == nil || *hb.SlideIndex != 4 {
		t.Fatalf("expected slide 4, got %+v", hb.SlideIndex)
	}

	a.SetActivity(model.ActivityCommenting)
	waitFor(t, "activity heartbeat", func() bool { _, n, _ := fc.counts(); return n == 3 })
	if hb := fc.lastHeartbeat(); hb.Activity != model.ActivityCommenting {
		t.Fatalf("expected commenting, got %s", hb.Activity)
	}

	// Repeating the current values is not a transition.
	a.SetActivity(model.ActivityCommenting)
	a.SetSlide(4)
	time.Sleep(20 * time.Millisecond)
	if _, n, _ := fc.counts(); n != 3 {
		t.Fatalf("expected no extra heartbeat, got %d", n)
	}
}

func TestHeartbeat_Periodic(t *testing.T) {
	fc := &fakeClient{}
	_, _, _ = startAgent(t, Config{Client: fc, Streamer: newFakeStreamer(newFakeStream()), HeartbeatInterval: 5 * time.Millisecond})
	waitFor(t, "periodic heartbeats", func() bool { _, n, _ := fc.counts(); return n >= 3 })
}

func ptr[T any](v T) *T { return &v }

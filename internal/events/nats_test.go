package events

import (
	"context"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

// startRelayHub returns a started hub relaying over NATS at url, once its
// relay subscription is registered on the server.
func startRelayHub(t *testing.T, url, nodeID string) *Hub {
	t.Helper()
	relay, err := NewNATSRelay(url)
	if err != nil {
		t.Fatalf("NewNATSRelay: %v", err)
	}
	h := NewHub(HubConfig{NodeID: nodeID, Relay: relay})
	h.Start(context.Background())
	t.Cleanup(func() { h.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for relay.conn.NumSubscriptions() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := relay.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return h
}

func TestNATSSubject_SafeForAnyDocumentID(t *testing.T) {
	for _, doc := range []string{"deck-1", "a.b.c", "team/*", "x > y"} {
		subj := NATSSubject(doc)
		rest := strings.TrimPrefix(subj, natsSubjectPrefix)
		if strings.ContainsAny(rest, ".*> ") {
			t.Errorf("NATSSubject(%q) = %q has reserved characters after prefix", doc, subj)
		}
	}
	if NATSSubject("a") == NATSSubject("b") {
		t.Fatal("distinct documents must map to distinct subjects")
	}
}

func TestNATSRelay_CrossReplicaDelivery(t *testing.T) {
	url := startTestNATS(t)
	a := startRelayHub(t, url, "node-a")
	b := startRelayHub(t, url, "node-b")

	onA, onB, otherDoc := newCollector(), newCollector(), newCollector()
	mustSubscribe(t, a, "deck-1", onA.handle)
	mustSubscribe(t, b, "deck-1", onB.handle)
	mustSubscribe(t, b, "deck-2", otherDoc.handle)

	if err := a.Publish(context.Background(), testEvent(t, "deck-1", model.EventCommentCreated)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := onB.waitFor(t, 1)
	if got[0].Origin != "node-a" || got[0].Kind != model.EventCommentCreated {
		t.Fatalf("unexpected relayed event %+v", got[0])
	}
	onA.waitFor(t, 1)

	time.Sleep(100 * time.Millisecond)
	if onA.count() != 1 {
		t.Fatalf("origin replica delivered %d copies, want 1", onA.count())
	}
	if otherDoc.count() != 0 {
		t.Fatalf("deck-2 subscriber received %d deck-1 events", otherDoc.count())
	}
}

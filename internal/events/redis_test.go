package events

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// startRedisRelayHub returns a started hub relaying over srv, once its
// pattern subscription is registered.
func startRedisRelayHub(t *testing.T, srv *miniredis.Miniredis, nodeID string) *Hub {
	t.Helper()
	want := srv.PubSubNumPat() + 1
	relay, err := NewRedisRelay(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	h := NewHub(HubConfig{NodeID: nodeID, Relay: relay})
	h.Start(context.Background())
	t.Cleanup(func() { h.Close() })

	waitUntil(t, "redis pattern subscription", func() bool { return srv.PubSubNumPat() >= want })
	return h
}

func TestRedisRelay_CrossReplicaDelivery(t *testing.T) {
	srv := miniredis.RunT(t)
	a := startRedisRelayHub(t, srv, "node-a")
	b := startRedisRelayHub(t, srv, "node-b")

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

func TestRedisRelay_SkipsUndecodablePayloads(t *testing.T) {
	srv := miniredis.RunT(t)
	h := startRedisRelayHub(t, srv, "node-a")
	c := newCollector()
	mustSubscribe(t, h, "deck-1", c.handle)

	srv.Publish(RedisChannel("deck-1"), "not json")
	remote := testEvent(t, "deck-1", model.EventCommentDeleted)
	remote.Origin = "node-b"
	data, err := json.Marshal(remote)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	srv.Publish(RedisChannel("deck-1"), string(data))

	got := c.waitFor(t, 1)
	if got[0].Kind != model.EventCommentDeleted {
		t.Fatalf("expected the valid event after a bad one, got %+v", got[0])
	}
}

func TestNewRedisRelay_Unreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	if _, err := NewRedisRelay(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
}

// TestKafkaRelay_CrossReplicaDelivery needs a real broker; set
// HUDDLE_TEST_KAFKA_BROKERS (comma separated) to run it.
func TestKafkaRelay_CrossReplicaDelivery(t *testing.T) {
	brokers := os.Getenv("HUDDLE_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("HUDDLE_TEST_KAFKA_BROKERS not set")
	}
	topic := "huddle-test-" + strings.ToLower(t.Name())
	ra := NewKafkaRelay(strings.Split(brokers, ","), topic, "node-a")
	rb := NewKafkaRelay(strings.Split(brokers, ","), topic, "node-b")
	a := NewHub(HubConfig{NodeID: "node-a", Relay: ra, RelayBackOff: fastRelayBackOff})
	b := NewHub(HubConfig{NodeID: "node-b", Relay: rb, RelayBackOff: fastRelayBackOff})
	a.Start(context.Background())
	b.Start(context.Background())
	defer a.Close()
	defer b.Close()

	onB := newCollector()
	mustSubscribe(t, b, "deck-1", onB.handle)

	// Readers start at the last offset, so keep publishing until one lands.
	deadline := time.Now().Add(20 * time.Second)
	for onB.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no event crossed the kafka relay")
		}
		if err := a.Publish(context.Background(), testEvent(t, "deck-1", model.EventCommentCreated)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
	if got := onB.waitFor(t, 1); got[0].Origin != "node-a" {
		t.Fatalf("unexpected relayed event %+v", got[0])
	}
}

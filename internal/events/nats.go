package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

// natsSubjectPrefix roots every document subject. Document ids are base64url
// encoded so dots and wildcards in ids cannot change the subject shape.
const natsSubjectPrefix = "huddle.doc."

// NATSSubject returns the subject carrying events for documentID.
func NATSSubject(documentID string) string {
	return natsSubjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(documentID))
}

// NATSRelay relays change events between replicas over NATS core subjects.
type NATSRelay struct {
	conn *nats.Conn
}

var _ Relay = (*NATSRelay)(nil)

// NewNATSRelay connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSRelay(url string, opts ...nats.Option) (*NATSRelay, error) {
	defaults := []nats.Option{
		nats.Name("huddle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("events: nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("events: nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSRelay{conn: nc}, nil
}

func (r *NATSRelay) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := r.conn.Publish(NATSSubject(ev.DocumentID), data); err != nil {
		metrics.RelayErrors.WithLabelValues("nats", "publish").Inc()
		return err
	}
	return nil
}

func (r *NATSRelay) Run(ctx context.Context, deliver func(*model.ChangeEvent)) error {
	ch, cancel, err := r.subscribe(natsSubjectPrefix + ">")
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				metrics.RelayErrors.WithLabelValues("nats", "decode").Inc()
				slog.Warn("events: bad nats payload", "error", err)
				continue
			}
			deliver(&ev)
		}
	}
}

// subscribe returns a channel that receives raw event payloads for the given
// subject (supports NATS wildcards). Call the returned cancel function to
// unsubscribe and close the channel.
func (r *NATSRelay) subscribe(subject string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 256)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			// Drop rather than block the NATS client; delivery is best-effort.
			metrics.RelayErrors.WithLabelValues("nats", "overflow").Inc()
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

func (r *NATSRelay) Close() error {
	r.conn.Close()
	return nil
}

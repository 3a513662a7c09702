package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

const (
	// PGChannel is the LISTEN/NOTIFY channel shared by all replicas.
	PGChannel = "huddle_events"

	// maxNotifyPayload stays under the server's 8000 byte NOTIFY limit.
	maxNotifyPayload = 7900
)

// PGRelay relays change events through Postgres LISTEN/NOTIFY, so replicas
// that already share the comment database need no extra broker.
type PGRelay struct {
	db          *sql.DB
	listenerDSN string
}

var _ Relay = (*PGRelay)(nil)

// NewPGRelay publishes on db and listens with a dedicated connection to dsn.
func NewPGRelay(db *sql.DB, dsn string) *PGRelay {
	return &PGRelay{db: db, listenerDSN: dsn}
}

// notifyPayload encodes ev for NOTIFY. Events too large for the channel are
// sent without their payload; receivers treat that as a cue to refetch.
func notifyPayload(ev *model.ChangeEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshaling event: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}
	stripped := *ev
	stripped.Payload = nil
	data, err = json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("marshaling event: %w", err)
	}
	return string(data), nil
}

func (r *PGRelay) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	payload, err := notifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, PGChannel, payload); err != nil {
		metrics.RelayErrors.WithLabelValues("pg", "publish").Inc()
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (r *PGRelay) Run(ctx context.Context, deliver func(*model.ChangeEvent)) error {
	l := pq.NewListener(r.listenerDSN, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			slog.Warn("events: pg listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("events: pg listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			slog.Warn("events: pg listener connect failed", "error", err)
		}
	})
	defer l.Close()

	if err := l.Listen(PGChannel); err != nil {
		return fmt.Errorf("listen %s: %w", PGChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-l.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				// Sent after a reconnect; notifications may have been lost.
				continue
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				metrics.RelayErrors.WithLabelValues("pg", "decode").Inc()
				slog.Warn("events: bad notify payload", "error", err)
				continue
			}
			deliver(&ev)
		case <-time.After(90 * time.Second):
			go l.Ping()
		}
	}
}

// Close is a no-op; the database handle belongs to the store.
func (r *PGRelay) Close() error {
	return nil
}

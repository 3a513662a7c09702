package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

// redisChannelPrefix roots the pub/sub channel of every document.
const redisChannelPrefix = "huddle:doc:"

// RedisChannel returns the pub/sub channel carrying events for documentID.
func RedisChannel(documentID string) string {
	return redisChannelPrefix + documentID
}

// RedisRelay relays change events between replicas over Redis pub/sub.
type RedisRelay struct {
	rdb *redis.Client
}

var _ Relay = (*RedisRelay)(nil)

// NewRedisRelay connects to the Redis server at url (redis://host:port/db).
func NewRedisRelay(ctx context.Context, url string) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opt.Addr, err)
	}
	return &RedisRelay{rdb: rdb}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := r.rdb.Publish(ctx, RedisChannel(ev.DocumentID), data).Err(); err != nil {
		metrics.RelayErrors.WithLabelValues("redis", "publish").Inc()
		return err
	}
	return nil
}

// Run pattern-subscribes to every document channel. go-redis re-establishes
// the subscription after a dropped connection.
func (r *RedisRelay) Run(ctx context.Context, deliver func(*model.ChangeEvent)) error {
	ps := r.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to redis: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				metrics.RelayErrors.WithLabelValues("redis", "decode").Inc()
				slog.Warn("events: bad redis payload", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(&ev)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// RedisPublisher fans events out over a Redis pub/sub channel: a single
// client, a single channel, fire-and-forget publish. Publish never returns
// an error to the caller — a dropped event must not stall the coordinator
// loop, so failures are logged and swallowed, and slow publishes are
// bounded by publishTimeout.
type RedisPublisher struct {
	log            *logger.Logger
	rdb            *goredis.Client
	channel        string
	publishTimeout time.Duration
}

func NewRedisPublisher(log *logger.Logger, addr, channel string) (*RedisPublisher, error) {
	if addr == "" {
		return nil, fmt.Errorf("events: missing redis address")
	}
	if channel == "" {
		channel = "taskengine"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}
	return &RedisPublisher{
		log:            log.With("component", "RedisEventPublisher"),
		rdb:            rdb,
		channel:        channel,
		publishTimeout: 2 * time.Second,
	}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.rdb == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("failed to marshal event", "kind", ev.Kind, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(pubCtx, p.channel, raw).Err(); err != nil {
		p.log.Warn("failed to publish event", "kind", ev.Kind, "task_id", ev.TaskID, "error", err)
	}
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}

// Subscribe starts a forwarding goroutine delivering decoded Events to onMsg
// until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, onMsg func(Event)) error {
	if p == nil || p.rdb == nil {
		return fmt.Errorf("events: redis publisher not initialized")
	}
	sub := p.rdb.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("events: redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					p.log.Warn("bad event payload", "error", err)
					continue
				}
				onMsg(ev)
			}
		}
	}()
	return nil
}

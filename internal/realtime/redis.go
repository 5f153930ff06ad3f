package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultStreamPrefix prefixes every per-table stream name.
const DefaultStreamPrefix = "ringside:changes"

// RedisStream is a Channel reading one Redis stream per table. Each
// stream entry carries the JSON event in its "data" field.
//
// A subscription starts after the newest entry present when Subscribe
// returns, so events published afterwards are never missed.
type RedisStream struct {
	client *redis.Client
	prefix string
	block  time.Duration
	retry  time.Duration
	logger *slog.Logger
}

var _ Channel = (*RedisStream)(nil)

// RedisOption configures a RedisStream.
type RedisOption func(*RedisStream)

// WithStreamPrefix overrides DefaultStreamPrefix.
func WithStreamPrefix(prefix string) RedisOption {
	return func(r *RedisStream) { r.prefix = prefix }
}

// WithBlock sets how long each XREAD waits for new entries. It bounds how
// long Unsubscribe takes.
func WithBlock(d time.Duration) RedisOption {
	return func(r *RedisStream) { r.block = d }
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *RedisStream) { r.logger = l }
}

// NewRedisStream creates a RedisStream over client.
func NewRedisStream(client *redis.Client, opts ...RedisOption) *RedisStream {
	r := &RedisStream{
		client: client,
		prefix: DefaultStreamPrefix,
		block:  time.Second,
		retry:  time.Second,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StreamName returns the stream that carries events for table.
func (r *RedisStream) StreamName(table string) string {
	return r.prefix + ":" + table
}

// Publish appends ev to its table's stream and returns the entry id.
func (r *RedisStream) Publish(ctx context.Context, ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("publish: marshal event: %w", err)
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.StreamName(ev.Table),
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", r.StreamName(ev.Table), err)
	}
	return id, nil
}

func (r *RedisStream) Subscribe(ctx context.Context, table string, h Handler) (Subscription, error) {
	stream := r.StreamName(table)

	last := "0-0"
	newest, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", stream, err)
	}
	if len(newest) > 0 {
		last = newest[0].ID
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		r.readLoop(subCtx, stream, table, last, h)
	}()
	return sub, nil
}

func (r *RedisStream) readLoop(ctx context.Context, stream, table, last string, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, last},
			Count:   100,
			Block:   r.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("change stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retry):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				last = msg.ID
				raw, _ := msg.Values["data"].(string)
				ev, err := DecodeEvent([]byte(raw), table)
				if err != nil {
					r.logger.Warn("dropping malformed change event", "stream", stream, "id", msg.ID, "error", err)
					continue
				}
				h(ev)
			}
		}
	}
}

// loopSubscription stops a reader goroutine and waits for it to exit.
type loopSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *loopSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

var _ Subscription = (*loopSubscription)(nil)

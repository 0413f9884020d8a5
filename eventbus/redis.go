package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	// Group is the consumer group name shared by all subscribers of this
	// process.
	Group string

	// Consumer identifies this process within the group.
	Consumer string

	// Block bounds how long a read waits before re-polling.
	Block time.Duration

	// BatchSize is the maximum number of entries claimed per read.
	BatchSize int64

	Logger *slog.Logger
}

// RedisBus implements Bus on Redis Streams. Each topic maps to one stream,
// consumed through a consumer group so delivery is at-least-once: an entry is
// acknowledged only after every handler for the topic has run.
//
// A single stream is totally ordered, which subsumes the per-partition-key
// ordering guarantee the Bus contract requires.
type RedisBus struct {
	client *redis.Client
	opts   RedisBusOptions

	mu       sync.Mutex
	handlers map[string][]Handler
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
	closed   bool
}

// NewRedisBus wraps an existing client. The caller owns the client lifecycle.
func NewRedisBus(client *redis.Client, opts RedisBusOptions) *RedisBus {
	if opts.Group == "" {
		opts.Group = "fulfillment"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-1"
	}
	if opts.Block <= 0 {
		opts.Block = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		opts:     opts,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish appends the envelope to the topic's stream.
func (b *RedisBus) Publish(ctx context.Context, topic, partitionKey, idempotencyKey string, payload any) error {
	env, err := NewEnvelope(topic, partitionKey, idempotencyKey, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(topic),
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler and, on the first handler for a topic, creates
// the consumer group and starts the read loop.
func (b *RedisBus) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %s: bus closed", topic)
	}

	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)
	if !first {
		return nil
	}

	stream := streamName(topic)
	err := b.client.XGroupCreateMkStream(b.ctx, stream, b.opts.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group for %s: %w", topic, err)
	}

	b.wg.Add(1)
	go b.consume(topic, stream)
	return nil
}

// Close stops all read loops.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *RedisBus) consume(topic, stream string) {
	defer b.wg.Done()
	for {
		if b.ctx.Err() != nil {
			return
		}

		streams, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || b.ctx.Err() != nil {
				continue
			}
			b.opts.Logger.Warn("xreadgroup_error", "topic", topic, "error", err)
			select {
			case <-time.After(b.opts.Block):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.deliver(topic, stream, msg)
			}
		}
	}
}

func (b *RedisBus) deliver(topic, stream string, msg redis.XMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		b.opts.Logger.Warn("malformed_entry", "topic", topic, "id", msg.ID)
		b.client.XAck(b.ctx, stream, b.opts.Group, msg.ID)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.opts.Logger.Warn("malformed_envelope", "topic", topic, "id", msg.ID, "error", err)
		b.client.XAck(b.ctx, stream, b.opts.Group, msg.ID)
		return
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	failed := false
	for _, h := range handlers {
		if err := h(b.ctx, env); err != nil {
			failed = true
			b.opts.Logger.Warn("handler_error",
				"topic", topic,
				"partition_key", env.PartitionKey,
				"error", err,
			)
		}
	}

	// Unacked entries stay pending and are redelivered; handlers are required
	// to be idempotent for exactly this reason.
	if !failed {
		if err := b.client.XAck(b.ctx, stream, b.opts.Group, msg.ID).Err(); err != nil && b.ctx.Err() == nil {
			b.opts.Logger.Warn("xack_error", "topic", topic, "id", msg.ID, "error", err)
		}
	}
}

func streamName(topic string) string {
	return "bus:" + topic
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

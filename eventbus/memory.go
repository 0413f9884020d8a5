package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

const defaultPartitions = 8

// MemoryBusOptions configures a MemoryBus.
type MemoryBusOptions struct {
	// Partitions is the number of delivery lanes. Envelopes are assigned to a
	// lane by hashing their partition key, so ordering holds per key while
	// distinct keys are delivered concurrently.
	Partitions int

	// Buffer is the initial per-lane queue capacity. Lanes grow on demand and
	// Publish never blocks, so a handler may publish back to its own lane.
	Buffer int

	Logger *slog.Logger
}

// MemoryBus is an in-process Bus with per-partition-key ordering. Each lane
// is drained by a single goroutine, which is what provides the ordering
// guarantee for keys hashed to that lane.
type MemoryBus struct {
	opts     MemoryBusOptions
	lanes    []*busLane
	handlers map[string][]Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

// busLane is a growable FIFO queue; ready carries at most one wake token for
// the drain goroutine.
type busLane struct {
	mu    sync.Mutex
	queue []Envelope
	ready chan struct{}
}

func (l *busLane) push(env Envelope) {
	l.mu.Lock()
	l.queue = append(l.queue, env)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *busLane) pop() (Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Envelope{}, false
	}
	env := l.queue[0]
	l.queue = l.queue[1:]
	return env, true
}

// NewMemoryBus starts a MemoryBus and its lane goroutines.
func NewMemoryBus(opts MemoryBusOptions) *MemoryBus {
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &MemoryBus{
		opts:     opts,
		lanes:    make([]*busLane, opts.Partitions),
		handlers: make(map[string][]Handler),
		closed:   make(chan struct{}),
	}
	for i := range b.lanes {
		b.lanes[i] = &busLane{
			queue: make([]Envelope, 0, opts.Buffer),
			ready: make(chan struct{}, 1),
		}
		b.wg.Add(1)
		go b.drain(b.lanes[i])
	}
	return b
}

// Publish marshals payload and enqueues it on the lane owning partitionKey.
// It never blocks, so handlers running on a lane goroutine may publish to any
// lane, including their own.
func (b *MemoryBus) Publish(_ context.Context, topic, partitionKey, idempotencyKey string, payload any) error {
	env, err := NewEnvelope(topic, partitionKey, idempotencyKey, payload)
	if err != nil {
		return err
	}

	select {
	case <-b.closed:
		return fmt.Errorf("publish %s: bus closed", topic)
	default:
	}

	b.lanes[b.partition(partitionKey)].push(env)
	return nil
}

// Subscribe registers handler for topic.
func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", topic)
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
	return nil
}

// Close stops the lanes after flushing what was already enqueued.
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	b.wg.Wait()
	return nil
}

func (b *MemoryBus) drain(l *busLane) {
	defer b.wg.Done()
	for {
		if env, ok := l.pop(); ok {
			b.deliver(env)
			continue
		}
		select {
		case <-l.ready:
		case <-b.closed:
			if env, ok := l.pop(); ok {
				b.deliver(env)
				continue
			}
			return
		}
	}
}

func (b *MemoryBus) deliver(env Envelope) {
	b.mu.RLock()
	handlers := b.handlers[env.Topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(context.Background(), env); err != nil {
			// At-least-once semantics: the consumer side owns retries and
			// idempotency, so a handler error is logged, not requeued.
			b.opts.Logger.Warn("handler_error",
				"topic", env.Topic,
				"partition_key", env.PartitionKey,
				"error", err,
			)
		}
	}
}

func (b *MemoryBus) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.lanes)))
}

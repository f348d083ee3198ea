package commbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InMemoryBus is an in-memory implementation of Bus.
//
// Thread-safe topic bus for single-process deployments and tests.
//
// Features:
//   - Consumer groups: one queue per (topic, group), competing consumers
//   - Fan-out across groups: each group receives every payload
//   - Middleware chain on the publish path
//   - Bounded queues to surface backpressure instead of unbounded growth
//
// Usage:
//
//	bus := NewInMemoryBus(logger, 1024)
//
//	consumer, _ := bus.Subscribe(TopicFlow, "flow-service")
//	go func() {
//		for {
//			payload, err := consumer.Receive(ctx)
//			...
//		}
//	}()
//
//	bus.Publish(ctx, TopicFlow, payload)
type InMemoryBus struct {
	logger     *zap.Logger
	queueSize  int
	queues     map[string]map[string]chan []byte
	middleware []Middleware
	mu         sync.RWMutex
}

// NewInMemoryBus creates a new InMemoryBus. queueSize bounds each
// (topic, group) queue; Publish fails with ErrQueueFull when a queue
// is saturated.
func NewInMemoryBus(logger *zap.Logger, queueSize int) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &InMemoryBus{
		logger:     logger,
		queueSize:  queueSize,
		queues:     make(map[string]map[string]chan []byte),
		middleware: make([]Middleware, 0),
	}
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Publish sends one payload to every consumer group on a topic.
// Publishing to a topic with no subscriptions is not an error; the
// payload is dropped, matching broker semantics for unconsumed topics.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	processed, err := b.runMiddlewareBefore(ctx, topic, payload)
	if err != nil {
		b.runMiddlewareAfter(ctx, topic, payload, err)
		return err
	}
	if processed == nil {
		b.logger.Debug("payload dropped by middleware", zap.String("topic", topic))
		return nil
	}

	b.mu.RLock()
	groups := make([]chan []byte, 0, len(b.queues[topic]))
	for _, q := range b.queues[topic] {
		groups = append(groups, q)
	}
	b.mu.RUnlock()

	if len(groups) == 0 {
		b.logger.Debug("no consumer groups for topic", zap.String("topic", topic))
		b.runMiddlewareAfter(ctx, topic, processed, nil)
		return nil
	}

	// Each group gets its own copy so consumers cannot alias the slice.
	var publishErr error
	for _, q := range groups {
		dup := make([]byte, len(processed))
		copy(dup, processed)
		select {
		case q <- dup:
		default:
			publishErr = NewQueueFullError(topic, b.queueSize)
			b.logger.Warn("queue full, payload not enqueued",
				zap.String("topic", topic),
				zap.Int("queue_size", b.queueSize))
		}
		if publishErr != nil {
			break
		}
	}

	b.runMiddlewareAfter(ctx, topic, processed, publishErr)
	return publishErr
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscribe creates (or joins) a consumer group on a topic.
func (b *InMemoryBus) Subscribe(topic, group string) (Consumer, error) {
	if topic == "" || group == "" {
		return nil, NewSubscriptionError(topic, group)
	}

	b.mu.Lock()
	if _, exists := b.queues[topic]; !exists {
		b.queues[topic] = make(map[string]chan []byte)
	}
	q, exists := b.queues[topic][group]
	if !exists {
		q = make(chan []byte, b.queueSize)
		b.queues[topic][group] = q
	}
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("topic", topic),
		zap.String("group", group))

	return &memoryConsumer{queue: q, done: make(chan struct{})}, nil
}

// AddMiddleware adds middleware to the publish path.
// Middleware is executed in registration order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear drops all subscriptions and middleware. Useful for testing.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = make(map[string]map[string]chan []byte)
	b.middleware = make([]Middleware, 0)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryBus) runMiddlewareBefore(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	current := payload
	for _, mw := range middlewareCopy {
		result, err := mw.Before(ctx, topic, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryBus) runMiddlewareAfter(ctx context.Context, topic string, payload []byte, err error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	for i := len(middlewareCopy) - 1; i >= 0; i-- {
		middlewareCopy[i].After(ctx, topic, payload, err)
	}
}

// memoryConsumer reads from one consumer group queue.
type memoryConsumer struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Receive blocks until a payload is available, ctx is done, or Close
// was called.
func (c *memoryConsumer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.queue:
		return payload, nil
	case <-c.done:
		return nil, ErrConsumerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks pending Receive calls. Idempotent.
func (c *memoryConsumer) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Ensure implementations satisfy the protocols.
var (
	_ Bus      = (*InMemoryBus)(nil)
	_ Consumer = (*memoryConsumer)(nil)
)

// Package commbus provides the topic bus protocols and the in-memory
// implementation.
//
// This module defines the CANONICAL transport contract for the platform.
// All services depend on these protocols, not implementations: production
// deployments back them with a real broker, single-process deployments and
// tests use the in-memory bus.
//
// Delivery semantics the services are built against:
//   - At-least-once delivery per consumer group
//   - One copy of each payload per group, competing consumers within a group
//   - Per-topic FIFO ordering within a single producer
package commbus

import (
	"context"
)

// =============================================================================
// CANONICAL TOPICS
// =============================================================================

// Topic names shared by all services.
const (
	TopicChannel   = "channel"
	TopicLanguage  = "language"
	TopicFlow      = "flow"
	TopicRetrieval = "retrieval"
)

// =============================================================================
// BUS PROTOCOLS
// =============================================================================

// Producer publishes payloads to topics.
type Producer interface {
	// Publish sends one payload to a topic. Payloads are opaque bytes;
	// envelope validation happens at the consumer's decode boundary.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Consumer pulls payloads from one (topic, group) subscription.
type Consumer interface {
	// Receive blocks until a payload is available, ctx is done, or the
	// consumer is closed.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the subscription. Pending Receive calls unblock
	// with ErrConsumerClosed.
	Close() error
}

// Bus is the full transport protocol: publish plus consumer-group
// subscription.
type Bus interface {
	Producer

	// Subscribe creates (or joins) a consumer group on a topic.
	// Consumers in the same group compete for payloads; distinct groups
	// each receive every payload.
	Subscribe(topic, group string) (Consumer, error)

	// AddMiddleware adds middleware to the publish path.
	// Middleware is executed in registration order.
	AddMiddleware(middleware Middleware)
}

// Middleware intercepts payloads on the publish path.
// Used for logging, metrics, and payload rewriting.
type Middleware interface {
	// Before is called before the payload is enqueued.
	// Returns the (possibly modified) payload, or nil to drop it.
	Before(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// After is called once the payload was enqueued (or failed).
	After(ctx context.Context, topic string, payload []byte, err error)
}

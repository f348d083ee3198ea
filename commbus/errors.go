package commbus

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrConsumerClosed is returned by Receive after the consumer was closed.
var ErrConsumerClosed = errors.New("consumer closed")

// QueueFullError is returned when a consumer group queue is saturated.
type QueueFullError struct {
	Topic     string
	QueueSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full for topic %s (capacity %d)", e.Topic, e.QueueSize)
}

// NewQueueFullError creates a new QueueFullError.
func NewQueueFullError(topic string, queueSize int) *QueueFullError {
	return &QueueFullError{Topic: topic, QueueSize: queueSize}
}

// SubscriptionError is returned for invalid subscription parameters.
type SubscriptionError struct {
	Topic string
	Group string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("invalid subscription: topic=%q group=%q", e.Topic, e.Group)
}

// NewSubscriptionError creates a new SubscriptionError.
func NewSubscriptionError(topic, group string) *SubscriptionError {
	return &SubscriptionError{Topic: topic, Group: group}
}

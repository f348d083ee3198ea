// Bus middleware implementations.
//
// Middleware intercepts payloads on the publish path for cross-cutting
// concerns. Available middleware:
//   - LoggingMiddleware: structured logging of all published payloads
//   - MetricsMiddleware: per-topic publish counters
package commbus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all publish traffic.
type LoggingMiddleware struct {
	logger *zap.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger *zap.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs the outgoing payload.
func (m *LoggingMiddleware) Before(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	m.logger.Debug("publishing",
		zap.String("topic", topic),
		zap.Int("bytes", len(payload)))
	return payload, nil
}

// After logs the publish outcome.
func (m *LoggingMiddleware) After(ctx context.Context, topic string, payload []byte, err error) {
	if err != nil {
		m.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// =============================================================================
// METRICS MIDDLEWARE
// =============================================================================

// MetricsMiddleware counts published payloads per topic and outcome.
// The counter vector must have "topic" and "outcome" labels.
type MetricsMiddleware struct {
	published *prometheus.CounterVec
}

// NewMetricsMiddleware creates a new MetricsMiddleware.
func NewMetricsMiddleware(published *prometheus.CounterVec) *MetricsMiddleware {
	return &MetricsMiddleware{published: published}
}

// Before passes the payload through untouched.
func (m *MetricsMiddleware) Before(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	return payload, nil
}

// After records the publish outcome.
func (m *MetricsMiddleware) After(ctx context.Context, topic string, payload []byte, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.published.WithLabelValues(topic, outcome).Inc()
}

// Ensure all middleware types implement the Middleware protocol.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*MetricsMiddleware)(nil)
)

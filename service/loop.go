package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/observability"
)

// HandlerFunc processes one raw envelope payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Consume pulls payloads from a consumer until ctx is done or the
// consumer closes. Every payload is handled inside a containment
// boundary: errors and panics are logged and counted, and the loop
// moves on to the next payload.
func Consume(ctx context.Context, logger *zap.Logger, consumer commbus.Consumer, name string, handle HandlerFunc) error {
	for {
		payload, err := consumer.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, commbus.ErrConsumerClosed) {
				return nil
			}
			return err
		}
		handleContained(ctx, logger, name, payload, handle)
	}
}

// handleContained runs one handler call and absorbs its failure modes.
func handleContained(ctx context.Context, logger *zap.Logger, name string, payload []byte, handle HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("envelope handler panicked",
				zap.String("service", name),
				zap.Any("panic", r))
			observability.RecordEnvelope(name, "panic")
		}
	}()

	if err := handle(ctx, payload); err != nil {
		logger.Error("envelope failed",
			zap.String("service", name),
			zap.Error(err))
		observability.RecordEnvelope(name, "error")
		return
	}
	observability.RecordEnvelope(name, "success")
}

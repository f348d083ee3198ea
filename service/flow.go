package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/orchestrator"
)

// FlowService consumes the flow topic and hands every envelope to the
// turn orchestrator.
type FlowService struct {
	bus          commbus.Bus
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewFlowService creates a FlowService.
func NewFlowService(bus commbus.Bus, o *orchestrator.Orchestrator, logger *zap.Logger) *FlowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowService{bus: bus, orchestrator: o, logger: logger}
}

// Run reinstalls every active bot, then consumes the flow topic until
// ctx is done. Reinstalling first means a fresh host can serve bots
// installed before it existed.
func (s *FlowService) Run(ctx context.Context) error {
	if err := s.orchestrator.ReinstallActiveBots(ctx); err != nil {
		return err
	}

	consumer, err := s.bus.Subscribe(commbus.TopicFlow, "flow-service")
	if err != nil {
		return err
	}
	defer consumer.Close()

	s.logger.Info("flow service started")
	return Consume(ctx, s.logger, consumer, "flow", s.handle)
}

func (s *FlowService) handle(ctx context.Context, payload []byte) error {
	var env envelope.Flow
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	return s.orchestrator.HandleFlow(ctx, &env)
}

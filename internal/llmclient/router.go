package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// Router implements schemas.LLMClient and dispatches requests to the client
// configured for the requested tier. With a single provider both tiers share
// one client and differ only in model name, but the indirection keeps mixed
// deployments possible.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

var _ schemas.LLMClient = (*Router)(nil)

// NewRouter creates a router with a client per tier.
func NewRouter(logger *zap.Logger, fast, powerful schemas.LLMClient) (*Router, error) {
	if fast == nil || powerful == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fast,
			schemas.TierPowerful: powerful,
		},
	}, nil
}

func (r *Router) pick(tier schemas.ModelTier) (schemas.LLMClient, error) {
	if tier == "" {
		tier = schemas.TierPowerful
	}
	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}
	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client, nil
}

func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Generate(ctx, req)
}

func (r *Router) ProposeToolCalls(ctx context.Context, req schemas.ToolCallRequest) ([]schemas.ToolCall, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return nil, err
	}
	return client.ProposeToolCalls(ctx, req)
}

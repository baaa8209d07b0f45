// Package llmclient provides the Gemini-backed language-model service the
// core consumes: structured generation and tool-call decoding, with bounded
// exponential backoff on rate limits.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/config"
)

// GeminiClient implements schemas.LLMClient against the Gemini API.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMConfig
	logger *zap.Logger
}

var _ schemas.LLMClient = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. The API key is required.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}

	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

func (c *GeminiClient) model(tier schemas.ModelTier) string {
	if tier == schemas.TierFast {
		return c.cfg.FastModel
	}
	return c.cfg.PowerfulModel
}

// temperature resolves the sampling temperature: an explicit per-request
// value wins, otherwise the configured default applies.
func (c *GeminiClient) temperature(opts schemas.GenerationOptions) float32 {
	if opts.Temperature > 0 {
		return opts.Temperature
	}
	return c.cfg.Temperature
}

// Generate sends the prompt pair to the API and returns the generated text.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.temperature(req.Options)),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}

	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	if len(req.ImagePNG) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.ImagePNG, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var text string
	err := c.withRetry(ctx, func(callCtx context.Context) error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.model(req.Tier), contents, genCfg)
		if err != nil {
			return err
		}
		out := resp.Text()
		if out == "" {
			return backoff.Permanent(ErrEmptyResponse)
		}
		c.logger.Debug("LLM generation complete",
			zap.String("model", c.model(req.Tier)),
			zap.Duration("duration", time.Since(start)))
		text = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// ProposeToolCalls performs a tool-call decode: the model must ground its
// answer in the supplied descriptors. Zero returned calls is not an error
// here; the caller owns that policy.
func (c *GeminiClient) ProposeToolCalls(ctx context.Context, req schemas.ToolCallRequest) ([]schemas.ToolCall, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
		Tools:       []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(req.Tools)}},
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	var calls []schemas.ToolCall
	err := c.withRetry(ctx, func(callCtx context.Context) error {
		resp, err := c.client.Models.GenerateContent(callCtx, c.model(req.Tier), genai.Text(req.UserPrompt), genCfg)
		if err != nil {
			return err
		}
		calls = fromFunctionCalls(resp.FunctionCalls())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return calls, nil
}

// withRetry wraps a single API call with the rate-limit retry policy: doubling
// delay from the configured base, at most MaxRetries attempts. Any non-throttle
// error propagates immediately.
func (c *GeminiClient) withRetry(ctx context.Context, operation func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := func() error {
		callCtx := ctx
		if c.cfg.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
			defer cancel()
		}
		err := operation(callCtx)
		if err == nil {
			return nil
		}
		if isRateLimit(err) {
			c.logger.Warn("LLM rate limited, backing off", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
}

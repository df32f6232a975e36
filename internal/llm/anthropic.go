package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cexll/agentsdk-go/pkg/model"
)

// AnthropicPrefix selects the Anthropic generator for a tier name.
const AnthropicPrefix = "anthropic:"

const defaultAnthropicMaxTokens = 4096

// ModelFactory builds a model for one Anthropic model name.
type ModelFactory func(ctx context.Context, name string) (model.Model, error)

type AnthropicGenerator struct {
	factory ModelFactory
}

func NewAnthropicGenerator(apiKey, baseURL string) *AnthropicGenerator {
	return &AnthropicGenerator{
		factory: func(ctx context.Context, name string) (model.Model, error) {
			provider := &model.AnthropicProvider{
				APIKey:    apiKey,
				BaseURL:   baseURL,
				ModelName: name,
				MaxTokens: defaultAnthropicMaxTokens,
				// Zero means the SDK default of ten; tier fallback handles throttling.
				MaxRetries: 1,
			}
			return provider.Model(ctx)
		},
	}
}

// NewAnthropicGeneratorWithFactory is used by tests to substitute the model.
func NewAnthropicGeneratorWithFactory(factory ModelFactory) *AnthropicGenerator {
	return &AnthropicGenerator{factory: factory}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	name := strings.TrimPrefix(req.Model, AnthropicPrefix)
	m, err := g.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	if len(req.Blobs) > 0 {
		return nil, fmt.Errorf("anthropic tier %s: inline media is not supported", name)
	}

	mreq := model.Request{
		Model:    name,
		System:   req.System,
		Messages: []model.Message{{Role: "user", Content: req.Content}},
	}
	if req.MaxOutputTokens != nil {
		mreq.MaxTokens = int(*req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		t := float64(*req.Temperature)
		mreq.Temperature = &t
	}

	resp, err := m.Complete(ctx, mreq)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if resp == nil {
		return &Response{}, nil
	}
	return &Response{
		Text: resp.Message.Content,
		Usage: Usage{
			PromptTokens: resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}

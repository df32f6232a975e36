package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router sends each request to the generator that owns its model name.
type Router struct {
	Gemini    Generator
	Anthropic Generator
}

func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	gen := r.Gemini
	if strings.HasPrefix(req.Model, AnthropicPrefix) {
		gen = r.Anthropic
	}
	if gen == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoGenerator, req.Model)
	}
	return gen.Generate(ctx, req)
}

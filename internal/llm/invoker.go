package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/metrics"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeExhausted means every tier was rate limited.
	OutcomeExhausted
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "exhausted"
}

type Result struct {
	Outcome Outcome
	Text    string
	Usage   Usage
	Tier    string
}

// Invoker tries model tiers in order, moving on only when a tier is rate limited.
type Invoker struct {
	gen    Generator
	logger zerolog.Logger
}

func NewInvoker(gen Generator, logger zerolog.Logger) *Invoker {
	return &Invoker{
		gen:    gen,
		logger: logger.With().Str("component", "invoker").Logger(),
	}
}

// Invoke runs req against each tier in turn. Any error other than a rate limit
// stops the walk and is returned. A nil error with OutcomeExhausted means no
// tier accepted the request.
func (inv *Invoker) Invoke(ctx context.Context, purpose string, tiers []string, req Request) (Result, error) {
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		attempt := req
		attempt.Model = tier
		resp, err := inv.gen.Generate(ctx, attempt)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				metrics.GenerationAttempts.WithLabelValues(purpose, tier, "rate_limited").Inc()
				inv.logger.Warn().Str("purpose", purpose).Str("tier", tier).Msg("rate limited, trying next tier")
				continue
			}
			metrics.GenerationAttempts.WithLabelValues(purpose, tier, "error").Inc()
			return Result{}, fmt.Errorf("%s on %s: %w", purpose, tier, err)
		}

		if resp == nil {
			resp = &Response{}
		}
		metrics.GenerationAttempts.WithLabelValues(purpose, tier, "ok").Inc()
		metrics.GenerationTokens.WithLabelValues(purpose, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.GenerationTokens.WithLabelValues(purpose, "output").Add(float64(resp.Usage.OutputTokens))
		inv.logger.Debug().
			Str("purpose", purpose).
			Str("tier", tier).
			Int("prompt_tokens", resp.Usage.PromptTokens).
			Int("output_tokens", resp.Usage.OutputTokens).
			Msg("generation complete")

		return Result{
			Outcome: OutcomeSuccess,
			Text:    resp.Text,
			Usage:   resp.Usage,
			Tier:    tier,
		}, nil
	}

	inv.logger.Warn().Str("purpose", purpose).Int("tiers", len(tiers)).Msg("all tiers rate limited")
	return Result{Outcome: OutcomeExhausted}, nil
}

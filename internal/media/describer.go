package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/llm"
	"github.com/aqua-lzma/theory/internal/metrics"
)

const describePrompt = "Concisely summarise this %s in 3 sentences."

type DescriberConfig struct {
	Model      string
	MaxTokens  int
	RetryDelay time.Duration
}

// Describer summarises media through the describe model. It never falls back
// to another model; rate limits are waited out.
type Describer struct {
	gen     llm.Generator
	fetcher Fetcher
	cfg     DescriberConfig
	logger  zerolog.Logger
}

func NewDescriber(gen llm.Generator, fetcher Fetcher, cfg DescriberConfig, logger zerolog.Logger) *Describer {
	return &Describer{
		gen:     gen,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("component", "describer").Logger(),
	}
}

// Describe returns a one-paragraph description of data, or mime itself when the
// type is not one the model accepts.
func (d *Describer) Describe(ctx context.Context, mime string, data []byte) (string, error) {
	kind, ok := KindFor(mime)
	if !ok {
		return mime, nil
	}

	req := llm.Request{
		Model:   d.cfg.Model,
		Content: fmt.Sprintf(describePrompt, kind),
		Blobs:   []llm.Blob{{MIMEType: BaseType(mime), Data: data}},
		Safety:  llm.SafetyOff(),
	}
	if d.cfg.MaxTokens > 0 {
		req.MaxOutputTokens = llm.Int32(int32(d.cfg.MaxTokens))
	}

	for {
		resp, err := d.gen.Generate(ctx, req)
		if err == nil {
			text := ""
			if resp != nil {
				text = resp.Text
			}
			return strings.ReplaceAll(text, "\n", " "), nil
		}
		if !errors.Is(err, llm.ErrRateLimited) {
			return "", fmt.Errorf("describe %s: %w", kind, err)
		}

		metrics.DescribeRetries.Inc()
		d.logger.Warn().Str("mime", mime).Dur("delay", d.cfg.RetryDelay).Msg("describe rate limited, waiting")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.cfg.RetryDelay):
		}
	}
}

// DescribeURL fetches url and describes it. A non-empty declared type wins over
// the one reported by the server.
func (d *Describer) DescribeURL(ctx context.Context, url, declared string) (string, error) {
	payload, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	mime := payload.ContentType
	if strings.TrimSpace(declared) != "" {
		mime = declared
	}
	return d.Describe(ctx, mime, payload.Data)
}

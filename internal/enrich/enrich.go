// Package enrich builds history records from platform messages, resolving
// replies, reactions, attachments and embeds.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/media"
	"github.com/aqua-lzma/theory/internal/normalize"
)

const fallbackContentType = "application/octet-stream"

// Describer is the part of media.Describer the enricher needs.
type Describer interface {
	Describe(ctx context.Context, mime string, data []byte) (string, error)
}

type Config struct {
	TruncateLength int
	// SettleDelay is how long to wait before refetching a message whose
	// link previews may not be attached yet.
	SettleDelay time.Duration
}

type Enricher struct {
	describer Describer
	fetcher   media.Fetcher
	cfg       Config
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(describer Describer, fetcher media.Fetcher, cfg Config, logger zerolog.Logger) *Enricher {
	return &Enricher{
		describer: describer,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "enrich").Logger(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Build turns msg into a record. When a media step fails the record built so
// far is returned together with the error; callers may still store it.
func (e *Enricher) Build(ctx context.Context, p bus.Platform, msg *bus.Message) (history.Record, error) {
	rec := history.Record{
		ID:        msg.ID,
		Channel:   msg.ChannelName,
		Author:    msg.AuthorName,
		Created:   normalize.FormatTime(msg.Created),
		Body:      normalize.ResolveMentions(msg.Body, msg.Mentions),
		Reactions: []history.Reaction{},
	}
	logger := e.logger.With().Str("platform", p.Name()).Str("message", msg.ID).Logger()

	if msg.Reference != nil {
		if reply, err := e.reference(ctx, p, msg); err != nil {
			logger.Warn().Err(err).Str("reference", msg.Reference.MessageID).Msg("reply target unavailable")
		} else if reply != nil {
			rec.ReplyTo = &history.ReplyTo{
				Author:  reply.AuthorName,
				Message: normalize.Truncate(normalize.ResolveMentions(reply.Body, reply.Mentions), e.cfg.TruncateLength),
			}
		}
	}

	rec.Reactions = e.reactions(ctx, p, msg, logger)

	attachments, err := e.attachments(ctx, msg.Attachments)
	rec.Attachments = attachments
	if err != nil {
		return rec, fmt.Errorf("attachments of %s: %w", msg.ID, err)
	}

	if normalize.HasURL(msg.Body) {
		embeds, err := e.embeds(ctx, p, msg, logger)
		rec.Embeds = embeds
		if err != nil {
			return rec, fmt.Errorf("embeds of %s: %w", msg.ID, err)
		}
	}

	return rec, nil
}

func (e *Enricher) reference(ctx context.Context, p bus.Platform, msg *bus.Message) (*bus.Message, error) {
	ref := msg.Reference
	if ref.Message != nil {
		return ref.Message, nil
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = msg.ChannelID
	}
	return p.FetchMessage(ctx, channelID, ref.MessageID)
}

// reactions lists every (user, emoji) pair on msg once. Failures drop that
// emoji only.
func (e *Enricher) reactions(ctx context.Context, p bus.Platform, msg *bus.Message, logger zerolog.Logger) []history.Reaction {
	out := []history.Reaction{}
	seen := make(map[history.Reaction]bool)
	for _, r := range msg.Reactions {
		users, err := p.ReactionUsers(ctx, msg.ChannelID, msg.ID, r)
		if err != nil {
			if !errors.Is(err, bus.ErrUnsupported) {
				logger.Warn().Err(err).Str("emoji", r.Emoji).Msg("list reaction users")
			}
			continue
		}
		for _, u := range users {
			pair := history.Reaction{User: u, Emoji: r.Emoji}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			out = append(out, pair)
		}
	}
	return out
}

func (e *Enricher) attachments(ctx context.Context, atts []bus.Attachment) ([]string, error) {
	var out []string
	for _, a := range atts {
		declared := strings.TrimSpace(a.ContentType)
		if declared == "" {
			declared = fallbackContentType
		}
		if _, ok := media.KindFor(declared); !ok {
			out = append(out, declared)
			continue
		}
		payload, err := e.fetcher.Fetch(ctx, a.URL)
		if err != nil {
			return out, err
		}
		desc, err := e.describer.Describe(ctx, declared, payload.Data)
		if err != nil {
			return out, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func (e *Enricher) embeds(ctx context.Context, p bus.Platform, msg *bus.Message, logger zerolog.Logger) ([]string, error) {
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}

	source := msg
	fresh, err := p.FetchMessage(ctx, msg.ChannelID, msg.ID)
	switch {
	case err == nil && fresh != nil:
		source = fresh
	case err != nil && !errors.Is(err, bus.ErrUnsupported):
		logger.Warn().Err(err).Msg("refetch for embeds failed, using original")
	}

	var out []string
	for _, em := range source.Embeds {
		text, err := e.embed(ctx, em)
		if err != nil {
			return out, err
		}
		out = append(out, text)
	}
	return out, nil
}

func (e *Enricher) embed(ctx context.Context, em bus.Embed) (string, error) {
	var parts []string
	for _, s := range []string{em.Author, em.Title, em.Description} {
		if s != "" {
			parts = append(parts, s)
		}
	}

	if em.Thumbnail != nil && em.Image == nil && em.Video == nil {
		desc, err := e.describeURL(ctx, em.Thumbnail.URL)
		if err != nil {
			return "", err
		}
		parts = append(parts, "[THUMBNAIL] "+desc)
	}
	if em.Image != nil {
		desc, err := e.describeURL(ctx, em.Image.URL)
		if err != nil {
			return "", err
		}
		parts = append(parts, "[IMAGE] "+desc)
	}
	if em.Video != nil {
		desc, err := e.describeURL(ctx, em.Video.URL)
		if err != nil {
			return "", err
		}
		parts = append(parts, "[VIDEO] "+desc)
	}

	return strings.Join(parts, "\n"), nil
}

// describeURL describes an embed resource using the type the server reports,
// falling back to the type itself when it cannot be described.
func (e *Enricher) describeURL(ctx context.Context, url string) (string, error) {
	payload, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return e.describer.Describe(ctx, payload.ContentType, payload.Data)
}

package channel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
)

// Channel is a platform adapter the manager can start and stop.
type Channel interface {
	bus.Platform
	Start(ctx context.Context) error
	Stop() error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    zerolog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, logger zerolog.Logger) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allow,
		logger:    logger.With().Str("component", name).Logger(),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may be recorded. An empty allow list
// admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

func (c *BaseChannel) publish(ctx context.Context, ev bus.Event) {
	ev.Platform = c.name
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("kind", ev.Kind.String()).Msg("drop event")
	}
}

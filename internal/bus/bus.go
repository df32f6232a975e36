package bus

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by a Platform for operations it cannot perform.
var ErrUnsupported = errors.New("operation not supported by platform")

// Platform is the chat service a scope lives on.
type Platform interface {
	Name() string
	SelfID() string
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)
	// ReactionUsers returns the display names of everyone who reacted with r.
	ReactionUsers(ctx context.Context, channelID, messageID string, r ReactionSummary) ([]string, error)
	MemberName(ctx context.Context, groupID, userID string) (string, error)
	Send(ctx context.Context, channelID, text string) (*Message, error)
	SendTyping(ctx context.Context, channelID string) error
}

type MessageBus struct {
	Inbound chan Event
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound: make(chan Event, bufSize),
	}
}

// Publish enqueues ev, blocking until there is room or ctx is done.
func (b *MessageBus) Publish(ctx context.Context, ev Event) error {
	select {
	case b.Inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

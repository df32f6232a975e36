package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   zerolog.Logger
}

func NewChannelManager(cfg *config.Config, b *bus.MessageBus, logger zerolog.Logger) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.With().Str("component", "channel-mgr").Logger(),
	}

	if cfg.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Discord, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init discord channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.channels[ch.Name()] = ch
	}

	return m, nil
}

// Add registers ch, replacing any channel with the same name.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			m.logger.Error().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

// Platform returns the adapter registered under name.
func (m *ChannelManager) Platform(name string) (bus.Platform, bool) {
	ch, ok := m.channels[name]
	if !ok {
		return nil, false
	}
	return ch, true
}

// Platforms returns every adapter keyed by name.
func (m *ChannelManager) Platforms() map[string]bus.Platform {
	out := make(map[string]bus.Platform, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch
	}
	return out
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

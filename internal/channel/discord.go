package channel

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/config"
)

const (
	discordChannelName   = "discord"
	discordReactionPage  = 100
	// discordMaxMessageLen is the API limit in characters; chunks are cut in
	// bytes, which never exceeds it.
	discordMaxMessageLen = 2000
)

var channelMentionPattern = regexp.MustCompile(`<#(\d+)>`)

// DiscordSession is the subset of discordgo.Session the adapter uses.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	SelfID() string
	ChannelMessage(channelID, messageID string) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string) (*discordgo.Message, error)
	ChannelTyping(channelID string) error
	MessageReactions(channelID, messageID, emojiID string, limit int, beforeID, afterID string) ([]*discordgo.User, error)
	Channel(channelID string) (*discordgo.Channel, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	Role(guildID, roleID string) (*discordgo.Role, error)
}

// dgSession wraps discordgo.Session, preferring the state cache over REST.
type dgSession struct {
	s *discordgo.Session
}

func (w *dgSession) AddHandler(handler interface{}) func() { return w.s.AddHandler(handler) }
func (w *dgSession) Open() error                           { return w.s.Open() }
func (w *dgSession) Close() error                          { return w.s.Close() }

func (w *dgSession) SelfID() string {
	if w.s.State == nil || w.s.State.User == nil {
		return ""
	}
	return w.s.State.User.ID
}

func (w *dgSession) ChannelMessage(channelID, messageID string) (*discordgo.Message, error) {
	return w.s.ChannelMessage(channelID, messageID)
}

func (w *dgSession) ChannelMessageSend(channelID, content string) (*discordgo.Message, error) {
	return w.s.ChannelMessageSend(channelID, content)
}

func (w *dgSession) ChannelTyping(channelID string) error {
	return w.s.ChannelTyping(channelID)
}

func (w *dgSession) MessageReactions(channelID, messageID, emojiID string, limit int, beforeID, afterID string) ([]*discordgo.User, error) {
	return w.s.MessageReactions(channelID, messageID, emojiID, limit, beforeID, afterID)
}

func (w *dgSession) Channel(channelID string) (*discordgo.Channel, error) {
	if c, err := w.s.State.Channel(channelID); err == nil {
		return c, nil
	}
	return w.s.Channel(channelID)
}

func (w *dgSession) Member(guildID, userID string) (*discordgo.Member, error) {
	if m, err := w.s.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	m, err := w.s.GuildMember(guildID, userID)
	if err != nil {
		return nil, err
	}
	_ = w.s.State.MemberAdd(m)
	return m, nil
}

func (w *dgSession) Role(guildID, roleID string) (*discordgo.Role, error) {
	return w.s.State.Role(guildID, roleID)
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent
	// Handlers run on the gateway reader in delivery order; they only translate
	// and publish, so nothing blocks for long.
	s.SyncEvents = true
	return &dgSession{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token    string
	session  DiscordSession
	factory  SessionFactory
	ctx      context.Context
	cancel   context.CancelFunc
	removers []func()
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus, logger zerolog.Logger) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, b, logger, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, b *bus.MessageBus, logger zerolog.Logger, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, nil, logger),
		token:       cfg.Token,
		factory:     factory,
		ctx:         context.Background(),
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	d.session = session
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.removers = append(d.removers,
		session.AddHandler(d.onMessageCreate),
		session.AddHandler(d.onMessageUpdate),
		session.AddHandler(d.onReactionAdd),
		session.AddHandler(d.onReactionRemove),
	)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	d.logger.Info().Str("self", session.SelfID()).Msg("connected")
	return nil
}

func (d *DiscordChannel) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	for _, remove := range d.removers {
		remove()
	}
	d.removers = nil
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	d.logger.Info().Msg("stopped")
	return nil
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

func (d *DiscordChannel) SelfID() string {
	if d.session == nil {
		return ""
	}
	return d.session.SelfID()
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.handleCreate(m.Message)
}

func (d *DiscordChannel) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	d.handleUpdate(m.Message)
}

func (d *DiscordChannel) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	d.handleReaction(bus.ReactionAdded, r.MessageReaction)
}

func (d *DiscordChannel) onReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	d.handleReaction(bus.ReactionRemoved, r.MessageReaction)
}

func (d *DiscordChannel) handleCreate(m *discordgo.Message) {
	if m == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	d.publish(d.ctx, bus.Event{
		Kind:    bus.MessageCreated,
		GroupID: m.GuildID,
		Message: d.convert(m, true),
	})
}

func (d *DiscordChannel) handleUpdate(m *discordgo.Message) {
	// Embed-only updates arrive without an author or content.
	if m == nil || m.GuildID == "" || m.Author == nil {
		return
	}
	d.publish(d.ctx, bus.Event{
		Kind:    bus.MessageUpdated,
		GroupID: m.GuildID,
		Message: d.convert(m, true),
	})
}

func (d *DiscordChannel) handleReaction(kind bus.EventKind, r *discordgo.MessageReaction) {
	if r == nil || r.GuildID == "" {
		return
	}
	d.publish(d.ctx, bus.Event{
		Kind:      kind,
		GroupID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.MessageFormat(),
	})
}

// convert builds a bus message, resolving names from the state cache.
// withReference controls whether a preloaded reply target is converted too.
func (d *DiscordChannel) convert(m *discordgo.Message, withReference bool) *bus.Message {
	msg := &bus.Message{
		ID:          m.ID,
		GroupID:     m.GuildID,
		ChannelID:   m.ChannelID,
		ChannelName: d.channelName(m.ChannelID),
		Body:        m.Content,
		Created:     m.Timestamp,
		Mentions: bus.Mentions{
			Users:    make(map[string]string),
			Roles:    make(map[string]string),
			Channels: make(map[string]string),
		},
	}

	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		member := m.Member
		if member == nil && m.GuildID != "" {
			member, _ = d.session.Member(m.GuildID, m.Author.ID)
		}
		msg.AuthorName = displayName(member, m.Author)
		if member != nil {
			msg.AuthorRoles = append(msg.AuthorRoles, member.Roles...)
		}
	}

	self := d.SelfID()
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		var member *discordgo.Member
		if m.GuildID != "" {
			member, _ = d.session.Member(m.GuildID, u.ID)
		}
		msg.Mentions.Users[u.ID] = displayName(member, u)
		if u.ID == self {
			msg.MentionsSelf = true
		}
	}
	for _, roleID := range m.MentionRoles {
		if role, err := d.session.Role(m.GuildID, roleID); err == nil {
			msg.Mentions.Roles[roleID] = role.Name
		}
	}
	for _, match := range channelMentionPattern.FindAllStringSubmatch(m.Content, -1) {
		if name := d.channelName(match[1]); name != "" {
			msg.Mentions.Channels[match[1]] = name
		}
	}

	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.Reference = &bus.Reference{
			ChannelID: m.MessageReference.ChannelID,
			MessageID: m.MessageReference.MessageID,
		}
		if withReference && m.ReferencedMessage != nil {
			if m.ReferencedMessage.GuildID == "" {
				m.ReferencedMessage.GuildID = m.GuildID
			}
			msg.Reference.Message = d.convert(m.ReferencedMessage, false)
		}
	}

	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:         a.URL,
			ContentType: a.ContentType,
			Filename:    a.Filename,
		})
	}
	for _, e := range m.Embeds {
		msg.Embeds = append(msg.Embeds, convertEmbed(e))
	}
	for _, r := range m.Reactions {
		if r == nil || r.Emoji == nil {
			continue
		}
		msg.Reactions = append(msg.Reactions, bus.ReactionSummary{
			Emoji: r.Emoji.MessageFormat(),
			Key:   r.Emoji.APIName(),
		})
	}
	return msg
}

func convertEmbed(e *discordgo.MessageEmbed) bus.Embed {
	out := bus.Embed{Title: e.Title, Description: e.Description}
	if e.Author != nil {
		out.Author = e.Author.Name
	}
	if e.Thumbnail != nil && e.Thumbnail.URL != "" {
		out.Thumbnail = &bus.EmbedMedia{URL: e.Thumbnail.URL}
	}
	if e.Image != nil && e.Image.URL != "" {
		out.Image = &bus.EmbedMedia{URL: e.Image.URL}
	}
	if e.Video != nil && e.Video.URL != "" {
		out.Video = &bus.EmbedMedia{URL: e.Video.URL}
	}
	return out
}

// displayName prefers the guild nickname, then the global name, then the
// username.
func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil && member != nil {
		user = member.User
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func (d *DiscordChannel) channelName(channelID string) string {
	if d.session == nil {
		return ""
	}
	c, err := d.session.Channel(channelID)
	if err != nil {
		d.logger.Debug().Err(err).Str("channel", channelID).Msg("channel lookup failed")
		return ""
	}
	return c.Name
}

func (d *DiscordChannel) guildOf(channelID string) string {
	c, err := d.session.Channel(channelID)
	if err != nil {
		return ""
	}
	return c.GuildID
}

func (d *DiscordChannel) FetchMessage(_ context.Context, channelID, messageID string) (*bus.Message, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}
	m, err := d.session.ChannelMessage(channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch discord message %s: %w", messageID, err)
	}
	// REST messages carry no guild id.
	if m.GuildID == "" {
		m.GuildID = d.guildOf(channelID)
	}
	return d.convert(m, true), nil
}

// ReactionUsers pages through every user who reacted with r.
func (d *DiscordChannel) ReactionUsers(ctx context.Context, channelID, messageID string, r bus.ReactionSummary) ([]string, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}
	key := r.Key
	if key == "" {
		key = r.Emoji
	}
	guildID := d.guildOf(channelID)

	var names []string
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return names, err
		}
		users, err := d.session.MessageReactions(channelID, messageID, key, discordReactionPage, "", after)
		if err != nil {
			return names, fmt.Errorf("list reactions %s on %s: %w", r.Emoji, messageID, err)
		}
		for _, u := range users {
			var member *discordgo.Member
			if guildID != "" {
				member, _ = d.session.Member(guildID, u.ID)
			}
			names = append(names, displayName(member, u))
		}
		if len(users) < discordReactionPage {
			return names, nil
		}
		after = users[len(users)-1].ID
	}
}

func (d *DiscordChannel) MemberName(_ context.Context, groupID, userID string) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord session not initialized")
	}
	member, err := d.session.Member(groupID, userID)
	if err != nil {
		return "", fmt.Errorf("lookup member %s: %w", userID, err)
	}
	return displayName(member, member.User), nil
}

func (d *DiscordChannel) Send(_ context.Context, channelID, text string) (*bus.Message, error) {
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized")
	}
	var first *discordgo.Message
	for _, chunk := range splitMessage(text, discordMaxMessageLen) {
		m, err := d.session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return nil, fmt.Errorf("send discord message: %w", err)
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return nil, fmt.Errorf("send discord message: empty text")
	}
	if first.GuildID == "" {
		first.GuildID = d.guildOf(channelID)
	}
	return d.convert(first, false), nil
}

func (d *DiscordChannel) SendTyping(_ context.Context, channelID string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not initialized")
	}
	return d.session.ChannelTyping(channelID)
}

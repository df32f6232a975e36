package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/config"
)

const (
	telegramChannelName = "telegram"
	// Telegram has a 4096 char limit per message
	telegramMaxLen = 4000
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

func (w *tgBotWrapper) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return w.bot.GetChatMember(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel records group chats. Each chat is its own scope, and
// Telegram has no reactions API for bots, so reaction lookups are unsupported.
type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger zerolog.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom, logger),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info().Str("self", bot.GetSelf().UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				switch {
				case update.Message != nil:
					t.handleMessage(ctx, bus.MessageCreated, update.Message)
				case update.EditedMessage != nil:
					t.handleMessage(ctx, bus.MessageUpdated, update.EditedMessage)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info().Msg("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, kind bus.EventKind, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.logger.Debug().Str("sender", senderID).Str("username", msg.From.UserName).Msg("rejected message")
		return
	}

	converted := t.convert(msg)
	if msg.ReplyToMessage != nil {
		converted.Reference.Message = t.convert(msg.ReplyToMessage)
	}
	t.publish(ctx, bus.Event{
		Kind:    kind,
		GroupID: converted.GroupID,
		Message: converted,
	})
}

func (t *TelegramChannel) convert(msg *tgbotapi.Message) *bus.Message {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	out := &bus.Message{
		ID:          strconv.Itoa(msg.MessageID),
		GroupID:     chatID,
		ChannelID:   chatID,
		ChannelName: chatTitle(msg.Chat),
		Body:        body,
		Created:     msg.Time(),
	}
	if msg.From != nil {
		out.AuthorID = strconv.FormatInt(msg.From.ID, 10)
		out.AuthorName = telegramName(msg.From)
	}

	if t.bot != nil {
		self := t.bot.GetSelf()
		if self.UserName != "" && strings.Contains(body, "@"+self.UserName) {
			out.MentionsSelf = true
		}
		if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == self.ID {
			out.MentionsSelf = true
		}
	}

	if msg.ReplyToMessage != nil {
		out.Reference = &bus.Reference{
			ChannelID: chatID,
			MessageID: strconv.Itoa(msg.ReplyToMessage.MessageID),
		}
	}

	out.Attachments = t.attachments(msg)
	return out
}

func (t *TelegramChannel) attachments(msg *tgbotapi.Message) []bus.Attachment {
	type file struct {
		id, mime, name string
	}
	var files []file
	if len(msg.Photo) > 0 {
		// Photos arrive in several sizes; the last is the largest.
		files = append(files, file{id: msg.Photo[len(msg.Photo)-1].FileID, mime: "image/jpeg"})
	}
	if msg.Document != nil {
		files = append(files, file{id: msg.Document.FileID, mime: msg.Document.MimeType, name: msg.Document.FileName})
	}
	if msg.Video != nil {
		files = append(files, file{id: msg.Video.FileID, mime: msg.Video.MimeType, name: msg.Video.FileName})
	}
	if msg.Audio != nil {
		files = append(files, file{id: msg.Audio.FileID, mime: msg.Audio.MimeType, name: msg.Audio.FileName})
	}
	if msg.Voice != nil {
		files = append(files, file{id: msg.Voice.FileID, mime: msg.Voice.MimeType})
	}

	var out []bus.Attachment
	for _, f := range files {
		link, err := t.fileLink(f.id)
		if err != nil {
			t.logger.Warn().Err(err).Str("file", f.id).Msg("resolve attachment")
			continue
		}
		out = append(out, bus.Attachment{URL: link, ContentType: f.mime, Filename: f.name})
	}
	return out
}

func (t *TelegramChannel) fileLink(fileID string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get telegram file: %w", err)
	}
	return file.Link(t.token), nil
}

func chatTitle(c *tgbotapi.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return c.UserName
}

func telegramName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.UserName
	}
	return name
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info().Msg("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) SelfID() string {
	if t.bot == nil {
		return ""
	}
	return strconv.FormatInt(t.bot.GetSelf().ID, 10)
}

func (t *TelegramChannel) FetchMessage(context.Context, string, string) (*bus.Message, error) {
	return nil, bus.ErrUnsupported
}

func (t *TelegramChannel) ReactionUsers(context.Context, string, string, bus.ReactionSummary) ([]string, error) {
	return nil, bus.ErrUnsupported
}

func (t *TelegramChannel) MemberName(_ context.Context, groupID, userID string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", groupID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	member, err := t.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: uid},
	})
	if err != nil {
		return "", fmt.Errorf("get chat member: %w", err)
	}
	if member.User == nil {
		return "", fmt.Errorf("chat member %s has no user", userID)
	}
	return telegramName(member.User), nil
}

func (t *TelegramChannel) SendTyping(_ context.Context, channelID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

// Send delivers text in chunks and returns the first message sent, which
// stands for the whole reply in the history.
func (t *TelegramChannel) Send(_ context.Context, channelID, text string) (*bus.Message, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}

	var first *bus.Message
	for _, chunk := range splitMessage(text, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		sent, err := t.bot.Send(tgMsg)
		if err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if sent, err = t.bot.Send(tgMsg); err != nil {
				return first, fmt.Errorf("send telegram message: %w", err)
			}
		}
		if first == nil {
			if sent.Chat == nil {
				sent.Chat = &tgbotapi.Chat{ID: chatID}
			}
			first = t.convert(&sent)
		}
	}
	return first, nil
}

// splitMessage cuts s into pieces of at most max bytes, preferring the last
// newline before the limit.
func splitMessage(s string, max int) []string {
	var out []string
	for len(s) > max {
		cut := strings.LastIndex(s[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
	s = replacePairs(s, "```", func(code string) string {
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			lang := strings.TrimSpace(code[:nl])
			if lang != "" && !strings.Contains(lang, " ") {
				code = code[nl+1:]
			}
		}
		return "<pre>" + code + "</pre>"
	})
	s = replacePairs(s, "`", wrap("code"))
	s = replacePairs(s, "**", wrap("b"))
	return replacePairs(s, "*", wrap("i"))
}

func wrap(tag string) func(string) string {
	return func(inner string) string {
		return "<" + tag + ">" + inner + "</" + tag + ">"
	}
}

// replacePairs rewrites every delim...delim span with fn(inner), left to
// right. An unmatched delimiter is left as is.
func replacePairs(s, delim string, fn func(string) string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(fn(s[start+len(delim) : end]))
		s = s[end+len(delim):]
	}
	b.WriteString(s)
	return b.String()
}

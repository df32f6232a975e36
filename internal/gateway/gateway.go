package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/channel"
	"github.com/aqua-lzma/theory/internal/config"
	"github.com/aqua-lzma/theory/internal/cron"
	"github.com/aqua-lzma/theory/internal/enrich"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/llm"
	"github.com/aqua-lzma/theory/internal/media"
	"github.com/aqua-lzma/theory/internal/memory"
	"github.com/aqua-lzma/theory/internal/metrics"
	"github.com/aqua-lzma/theory/internal/normalize"
)

const shutdownTimeout = 5 * time.Second

var ErrNoGenerator = errors.New("no gemini or anthropic api key configured")

// Options for creating a Gateway
type Options struct {
	// Generator replaces the Gemini/Anthropic router built from the config.
	Generator llm.Generator
	Fetcher   media.Fetcher
	// Channels are registered next to the ones enabled in the config.
	Channels []channel.Channel
	// Offline skips the platforms enabled in the config. One-shot commands use it.
	Offline    bool
	SignalChan chan os.Signal // for testing signal handling
	// Rand returns the reply sampling draw in [0,1).
	Rand func() float64
}

type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	channels  *channel.ChannelManager
	store     *history.SQLiteStore
	memories  *memory.Store
	enricher  *enrich.Enricher
	invoker   *llm.Invoker
	compactor *memory.Compactor
	cron      *cron.Service
	prompts   Prompts
	rand      func() float64
	logger    zerolog.Logger

	mu   sync.Mutex
	logs map[string]*history.Log

	dumpMu    sync.Mutex
	compactWG sync.WaitGroup

	httpSrv      *http.Server
	closers      []func() error
	shutdownOnce sync.Once
	signalChan   chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, logger zerolog.Logger, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		logs:       make(map[string]*history.Log),
		rand:       opts.Rand,
		logger:     logger.With().Str("component", "gateway").Logger(),
		signalChan: opts.SignalChan,
	}
	if g.rand == nil {
		g.rand = rand.Float64
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	prompts, err := LoadPrompts(cfg)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	g.prompts = prompts

	store, err := history.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	g.store = store
	g.memories = memory.NewStore(cfg.MemoryDir(), cfg.ArchiveDir())

	gen := opts.Generator
	if gen == nil {
		gen, err = g.defaultGenerator()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = media.NewHTTPFetcher(nil)
	}

	describer := media.NewDescriber(gen, fetcher, media.DescriberConfig{
		Model:      cfg.Generation.DescribeModel,
		MaxTokens:  cfg.Generation.DescribeMaxTokens,
		RetryDelay: cfg.DescribeRetryDelay(),
	}, logger)
	g.enricher = enrich.New(describer, fetcher, enrich.Config{
		TruncateLength: cfg.History.TruncateLength,
		SettleDelay:    cfg.EmbedSettleDelay(),
	}, logger)

	g.invoker = llm.NewInvoker(gen, logger)
	g.compactor = memory.NewCompactor(g.invoker, g.memories, memory.CompactorConfig{
		HighWater: cfg.History.HighWater,
		LowWater:  cfg.History.LowWater,
		Tiers:     cfg.MemoryModels(),
		Prompt:    prompts.Memory,
	}, logger)

	// Cron
	g.cron = cron.NewService(logger)
	if strings.TrimSpace(cfg.Compaction.Sweep) != "" {
		if err := g.cron.AddJob(cron.CompactionSweep(cfg.Compaction.Sweep, g.bus, store.Scopes)); err != nil {
			g.closeResources()
			return nil, fmt.Errorf("schedule compaction sweep: %w", err)
		}
	}

	// Channels
	chCfg := cfg
	if opts.Offline {
		offline := *cfg
		offline.Discord.Enabled = false
		offline.Telegram.Enabled = false
		chCfg = &offline
	}
	chMgr, err := channel.NewChannelManager(chCfg, g.bus, logger)
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, ch := range opts.Channels {
		chMgr.Add(ch)
	}
	g.channels = chMgr

	return g, nil
}

// defaultGenerator routes plain model names to Gemini and prefixed ones to
// Anthropic, building only the clients that have a key.
func (g *Gateway) defaultGenerator() (llm.Generator, error) {
	router := &llm.Router{}
	if key := strings.TrimSpace(g.cfg.Gemini.APIKey); key != "" {
		gem, err := llm.NewGeminiGenerator(context.Background(), key)
		if err != nil {
			return nil, err
		}
		router.Gemini = gem
		g.closers = append(g.closers, gem.Close)
	}
	if key := strings.TrimSpace(g.cfg.Anthropic.APIKey); key != "" {
		router.Anthropic = llm.NewAnthropicGenerator(key, g.cfg.Anthropic.BaseURL)
	}
	if router.Gemini == nil && router.Anthropic == nil {
		return nil, ErrNoGenerator
	}
	return router, nil
}

// logFor returns the log of scope, loading it on first use.
func (g *Gateway) logFor(scope string) (*history.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.logs[scope]; ok {
		return l, nil
	}
	l, err := history.Open(scope, g.store)
	if err != nil {
		return nil, err
	}
	g.logs[scope] = l
	metrics.HistoryRecords.WithLabelValues(scope).Set(float64(l.Len()))
	return l, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("cron start failed")
	}

	if g.cfg.Status.Enabled {
		if err := g.startStatusServer(); err != nil {
			g.logger.Warn().Err(err).Msg("status server not started")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.processLoop(ctx)
	}()

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info().Msg("shutting down")
	cancel()
	<-done
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case ev := <-g.bus.Inbound:
			g.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, ev bus.Event) {
	metrics.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()

	if ev.Kind == bus.Compact {
		l, err := g.logFor(ev.ScopeKey())
		if err != nil {
			g.logger.Error().Err(err).Str("scope", ev.ScopeKey()).Msg("open log")
			return
		}
		g.maybeCompact(ctx, l)
		return
	}

	p, ok := g.channels.Platform(ev.Platform)
	if !ok {
		g.logger.Warn().Str("platform", ev.Platform).Str("kind", ev.Kind.String()).Msg("event from unknown platform")
		return
	}

	switch ev.Kind {
	case bus.MessageCreated:
		g.handleCreate(ctx, p, ev)
	case bus.MessageUpdated:
		g.handleUpdate(ctx, p, ev)
	case bus.ReactionAdded, bus.ReactionRemoved:
		g.handleReaction(ctx, p, ev)
	}
}

func (g *Gateway) handleCreate(ctx context.Context, p bus.Platform, ev bus.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}
	if msg.AuthorID != "" && msg.AuthorID == p.SelfID() {
		return
	}

	scope := ev.ScopeKey()
	logger := g.logger.With().Str("scope", scope).Str("message", msg.ID).Logger()
	l, err := g.logFor(scope)
	if err != nil {
		logger.Error().Err(err).Msg("open log")
		return
	}

	rec, err := g.enricher.Build(ctx, p, msg)
	if err != nil {
		logger.Error().Err(err).Msg("enrichment incomplete, storing partial record")
	}
	if err := l.Append(rec); err != nil {
		if errors.Is(err, history.ErrDuplicateID) {
			logger.Debug().Msg("message already in log")
			return
		}
		logger.Error().Err(err).Msg("append failed")
		return
	}
	logger.Debug().Int("records", l.Len()).Msg("message stored")
	g.afterMutation(l)

	if g.shouldReply(ev.Platform, msg) {
		g.reply(ctx, p, l, msg, logger)
	}

	g.maybeCompact(ctx, l)
}

// shouldReply samples the reply chance. A mention forces a reply when the
// author holds the platform's reply role, or always when no role is set.
func (g *Gateway) shouldReply(platform string, msg *bus.Message) bool {
	if g.rand() < g.cfg.Generation.ReplyChance {
		return true
	}
	if !msg.MentionsSelf {
		return false
	}
	role := ""
	if platform == "discord" {
		role = strings.TrimSpace(g.cfg.Discord.ReplyRoleID)
	}
	return role == "" || slices.Contains(msg.AuthorRoles, role)
}

func (g *Gateway) reply(ctx context.Context, p bus.Platform, l *history.Log, msg *bus.Message, logger zerolog.Logger) {
	if err := p.SendTyping(ctx, msg.ChannelID); err != nil {
		logger.Warn().Err(err).Msg("typing indicator failed")
	}

	mem, err := g.memories.Read(l.Scope())
	if err != nil {
		logger.Error().Err(err).Msg("read memory")
		return
	}

	res, err := g.invoker.Invoke(ctx, "reply", g.cfg.Generation.Models, llm.Request{
		System:      g.prompts.Reply + "\n" + mem,
		Content:     history.Render(l.Records()),
		Temperature: llm.Float32(float32(g.cfg.Generation.Temperature)),
		Safety:      llm.SafetyOff(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("reply generation failed")
		return
	}
	if res.Outcome == llm.OutcomeExhausted {
		logger.Warn().Msg("reply tiers exhausted, not replying")
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		logger.Warn().Str("tier", res.Tier).Msg("empty reply from model")
		return
	}

	sent, err := p.Send(ctx, msg.ChannelID, text)
	if err != nil {
		logger.Error().Err(err).Msg("send reply failed")
		return
	}
	if sent == nil {
		return
	}

	bot := history.Record{
		ID:        sent.ID,
		Channel:   sent.ChannelName,
		Author:    sent.AuthorName,
		Created:   normalize.FormatTime(sent.Created),
		Body:      text,
		Reactions: []history.Reaction{},
	}
	if bot.Channel == "" {
		bot.Channel = msg.ChannelName
	}
	if err := l.Append(bot); err != nil {
		logger.Error().Err(err).Str("reply", sent.ID).Msg("append reply failed")
		return
	}
	g.afterMutation(l)
	logger.Info().
		Str("tier", res.Tier).
		Str("reply", sent.ID).
		Int("prompt_tokens", res.Usage.PromptTokens).
		Int("output_tokens", res.Usage.OutputTokens).
		Msg("replied")
}

// handleUpdate replaces a stored record when its text changed. Reactions are
// tracked by their own events and carried over.
func (g *Gateway) handleUpdate(ctx context.Context, p bus.Platform, ev bus.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}
	scope := ev.ScopeKey()
	logger := g.logger.With().Str("scope", scope).Str("message", msg.ID).Logger()
	l, err := g.logFor(scope)
	if err != nil {
		logger.Error().Err(err).Msg("open log")
		return
	}

	existing, ok := l.Get(msg.ID)
	if !ok {
		return
	}
	if normalize.ResolveMentions(msg.Body, msg.Mentions) == existing.Body {
		return
	}

	rec, err := g.enricher.Build(ctx, p, msg)
	if err != nil {
		logger.Error().Err(err).Msg("enrichment incomplete, storing partial edit")
	}
	rec.Reactions = existing.Reactions
	if rec.Channel == "" {
		rec.Channel = existing.Channel
	}
	if rec.Author == "" {
		rec.Author = existing.Author
	}
	if msg.Created.IsZero() {
		rec.Created = existing.Created
	}

	if _, err := l.UpdateByID(msg.ID, rec); err != nil {
		logger.Error().Err(err).Msg("update failed")
		return
	}
	logger.Debug().Msg("message edited")
	g.afterMutation(l)
}

func (g *Gateway) handleReaction(ctx context.Context, p bus.Platform, ev bus.Event) {
	scope := ev.ScopeKey()
	logger := g.logger.With().Str("scope", scope).Str("message", ev.MessageID).Logger()
	l, err := g.logFor(scope)
	if err != nil {
		logger.Error().Err(err).Msg("open log")
		return
	}
	if _, ok := l.Get(ev.MessageID); !ok {
		return
	}

	user, err := p.MemberName(ctx, ev.GroupID, ev.UserID)
	if err != nil {
		logger.Warn().Err(err).Str("user", ev.UserID).Msg("resolve reacting member")
		return
	}

	var changed bool
	if ev.Kind == bus.ReactionAdded {
		changed, err = l.AddReaction(ev.MessageID, user, ev.Emoji)
	} else {
		changed, err = l.RemoveReaction(ev.MessageID, user, ev.Emoji)
	}
	if err != nil {
		logger.Error().Err(err).Str("kind", ev.Kind.String()).Msg("reaction update failed")
		return
	}
	if changed {
		g.afterMutation(l)
	}
}

// maybeCompact starts a background compaction once l is past the high water mark.
func (g *Gateway) maybeCompact(ctx context.Context, l *history.Log) {
	if !g.compactor.Due(l) {
		return
	}
	g.compactWG.Add(1)
	go func() {
		defer g.compactWG.Done()
		if _, err := g.compact(ctx, l); err != nil && !errors.Is(err, memory.ErrInFlight) {
			g.logger.Error().Err(err).Str("scope", l.Scope()).Msg("compaction failed")
		}
	}()
}

func (g *Gateway) compact(ctx context.Context, l *history.Log) (memory.Report, error) {
	report, err := g.compactor.Compact(ctx, l)
	if errors.Is(err, memory.ErrInFlight) {
		g.logger.Debug().Str("scope", l.Scope()).Msg("compaction already running")
		return report, err
	}
	if report.Outcome != memory.OutcomeSkipped || err != nil {
		g.afterMutation(l)
	}
	return report, err
}

// CompactScope runs one compaction of scope and waits for it.
func (g *Gateway) CompactScope(ctx context.Context, scope string) (memory.Report, error) {
	l, err := g.logFor(scope)
	if err != nil {
		return memory.Report{}, err
	}
	return g.compact(ctx, l)
}

// afterMutation refreshes the record gauge and the readable dump of l.
func (g *Gateway) afterMutation(l *history.Log) {
	metrics.HistoryRecords.WithLabelValues(l.Scope()).Set(float64(l.Len()))
	if !g.cfg.History.ReadableDump {
		return
	}
	g.dumpMu.Lock()
	defer g.dumpMu.Unlock()
	if err := history.WriteReadable(ReadablePath(g.cfg, l.Scope()), l.Records()); err != nil {
		g.logger.Warn().Err(err).Str("scope", l.Scope()).Msg("readable dump failed")
	}
}

// ReadablePath is where the transcript dump of scope is written.
func ReadablePath(cfg *config.Config, scope string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(scope)
	return filepath.Join(cfg.ReadableDir(), name+".log")
}

func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		g.compactWG.Wait()
		_ = g.channels.StopAll()
		if g.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := g.httpSrv.Shutdown(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("status server shutdown")
			}
			cancel()
		}
		g.closeResources()
		g.logger.Info().Msg("shutdown complete")
	})
	return nil
}

func (g *Gateway) closeResources() {
	for _, closeFn := range g.closers {
		if err := closeFn(); err != nil {
			g.logger.Warn().Err(err).Msg("close generator")
		}
	}
	g.closers = nil
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("close history store")
		}
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/channel"
	"github.com/aqua-lzma/theory/internal/config"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/llm"
	"github.com/aqua-lzma/theory/internal/memory"
)

// mockPlatform implements channel.Channel for testing
type mockPlatform struct {
	name     string
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	sent    []string
	typing  int
	members map[string]string
	sendFn  func(channelID, text string) (*bus.Message, error)
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		name:    "discord",
		members: map[string]string{"u1": "Ally", "u2": "Bobby"},
	}
}

func (m *mockPlatform) Name() string   { return m.name }
func (m *mockPlatform) SelfID() string { return "bot" }

func (m *mockPlatform) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return m.startErr
}

func (m *mockPlatform) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockPlatform) FetchMessage(context.Context, string, string) (*bus.Message, error) {
	return nil, bus.ErrUnsupported
}

func (m *mockPlatform) ReactionUsers(context.Context, string, string, bus.ReactionSummary) ([]string, error) {
	return nil, nil
}

func (m *mockPlatform) MemberName(_ context.Context, _, userID string) (string, error) {
	name, ok := m.members[userID]
	if !ok {
		return "", fmt.Errorf("member %s not found", userID)
	}
	return name, nil
}

func (m *mockPlatform) Send(_ context.Context, channelID, text string) (*bus.Message, error) {
	m.mu.Lock()
	m.sent = append(m.sent, text)
	n := len(m.sent)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(channelID, text)
	}
	return &bus.Message{
		ID:          fmt.Sprintf("reply-%d", n),
		ChannelID:   channelID,
		ChannelName: "general",
		AuthorID:    "bot",
		AuthorName:  "theory",
		Body:        text,
		Created:     time.Date(2024, 1, 1, 10, 5, 0, 0, time.Local),
	}, nil
}

func (m *mockPlatform) SendTyping(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

func (m *mockPlatform) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type mockGenerator struct {
	mu         sync.Mutex
	requests   []llm.Request
	generateFn func(req llm.Request) (*llm.Response, error)
}

func (m *mockGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.generateFn == nil {
		return &llm.Response{Text: "ok"}, nil
	}
	return m.generateFn(req)
}

func (m *mockGenerator) calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("THEORY_HOME", tmpDir)

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.History.HighWater = 4
	cfg.History.LowWater = 2
	cfg.Generation.ReplyChance = 0.5
	cfg.Generation.EmbedSettleDelay = ""
	cfg.Compaction.Sweep = ""
	cfg.Status.Enabled = false
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, gen llm.Generator, draw float64) (*Gateway, *mockPlatform) {
	t.Helper()
	p := newMockPlatform()
	g, err := NewWithOptions(cfg, zerolog.Nop(), Options{
		Generator: gen,
		Channels:  []channel.Channel{p},
		Rand:      func() float64 { return draw },
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { g.Shutdown() })
	return g, p
}

func created(id, author, body string) bus.Event {
	return bus.Event{
		Kind:     bus.MessageCreated,
		Platform: "discord",
		GroupID:  "g1",
		Message: &bus.Message{
			ID:          id,
			GroupID:     "g1",
			ChannelID:   "c1",
			ChannelName: "general",
			AuthorID:    author,
			AuthorName:  "Ally",
			Body:        body,
			Created:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local),
		},
	}
}

func records(t *testing.T, g *Gateway) []history.Record {
	t.Helper()
	l, err := g.logFor("discord:g1")
	if err != nil {
		t.Fatalf("logFor error: %v", err)
	}
	return l.Records()
}

func TestNewWithOptions_NoGenerator(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, zerolog.Nop(), Options{Offline: true})
	if !errors.Is(err, ErrNoGenerator) {
		t.Errorf("err = %v, want ErrNoGenerator", err)
	}
}

func TestNewWithOptions_InvalidSweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compaction.Sweep = "every now and then"
	_, err := NewWithOptions(cfg, zerolog.Nop(), Options{Generator: &mockGenerator{}, Offline: true})
	if err == nil {
		t.Error("expected error for invalid sweep schedule")
	}
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	_, err := NewWithOptions(cfg, zerolog.Nop(), Options{Generator: &mockGenerator{}})
	if err == nil {
		t.Error("expected error for telegram without token")
	}

	// Offline ignores enabled platforms.
	g, err := NewWithOptions(cfg, zerolog.Nop(), Options{Generator: &mockGenerator{}, Offline: true})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.Shutdown()
}

func TestGateway_HandleCreate_Stores(t *testing.T) {
	cfg := testConfig(t)
	gen := &mockGenerator{}
	g, p := newTestGateway(t, cfg, gen, 0.99)

	g.handle(context.Background(), created("m1", "u1", "hello <@u2>"))

	recs := records(t, g)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].ID != "m1" || recs[0].Channel != "general" || recs[0].Created != "2024-01-01 10:00" {
		t.Errorf("record = %+v", recs[0])
	}
	if len(gen.calls()) != 0 || len(p.sentTexts()) != 0 {
		t.Error("no reply expected above the reply chance")
	}

	dump, err := os.ReadFile(ReadablePath(cfg, "discord:g1"))
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if !strings.Contains(string(dump), "[Ally] 2024-01-01 10:00") {
		t.Errorf("readable dump = %q", dump)
	}

	// Redelivery of the same message is ignored.
	g.handle(context.Background(), created("m1", "u1", "hello again"))
	if n := len(records(t, g)); n != 1 {
		t.Errorf("records after duplicate = %d, want 1", n)
	}
}

func TestGateway_HandleCreate_IgnoresOwnMessages(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &mockGenerator{}, 0)

	g.handle(context.Background(), created("m1", "bot", "my own words"))

	if n := len(records(t, g)); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestGateway_UnknownPlatform(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &mockGenerator{}, 0)

	ev := created("m1", "u1", "hi")
	ev.Platform = "irc"
	g.handle(context.Background(), ev)

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.logs) != 0 {
		t.Error("events from unknown platforms should not open a log")
	}
}

func TestGateway_Reply_Sampled(t *testing.T) {
	cfg := testConfig(t)
	gen := &mockGenerator{generateFn: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "  nice one  "}, nil
	}}
	g, p := newTestGateway(t, cfg, gen, 0.1)

	g.handle(context.Background(), created("m1", "u1", "hello"))

	if sent := p.sentTexts(); len(sent) != 1 || sent[0] != "nice one" {
		t.Fatalf("sent = %q", sent)
	}
	if p.typing != 1 {
		t.Errorf("typing = %d, want 1", p.typing)
	}

	calls := gen.calls()
	if len(calls) != 1 {
		t.Fatalf("generate calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Model != cfg.Generation.Models[0] {
		t.Errorf("model = %q, want strongest tier", req.Model)
	}
	if req.System != DefaultReplyPrompt+"\n"+memory.DefaultText {
		t.Errorf("system = %q", req.System)
	}
	if !strings.HasPrefix(req.Content, "[MESSAGES]\n#general\n[Ally]") {
		t.Errorf("content = %q", req.Content)
	}
	if req.Temperature == nil || *req.Temperature != float32(cfg.Generation.Temperature) {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if len(req.Safety) == 0 {
		t.Error("safety settings should be sent")
	}

	recs := records(t, g)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	bot := recs[1]
	if bot.ID != "reply-1" || bot.Author != "theory" || bot.Body != "nice one" || bot.Created != "2024-01-01 10:05" {
		t.Errorf("bot record = %+v", bot)
	}
}

func TestGateway_Reply_ForcedByMention(t *testing.T) {
	tests := []struct {
		name      string
		role      string
		roles     []string
		mentioned bool
		want      bool
	}{
		{"no mention", "r1", []string{"r1"}, false, false},
		{"mention with role", "r1", []string{"r0", "r1"}, true, true},
		{"mention without role", "r1", []string{"r0"}, true, false},
		{"mention no role configured", "", nil, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Discord.ReplyRoleID = tt.role
			g, p := newTestGateway(t, cfg, &mockGenerator{}, 0.99)

			ev := created("m1", "u1", "hey bot")
			ev.Message.MentionsSelf = tt.mentioned
			ev.Message.AuthorRoles = tt.roles
			g.handle(context.Background(), ev)

			if got := len(p.sentTexts()) == 1; got != tt.want {
				t.Errorf("replied = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateway_Reply_ForcedOnRolelessPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discord.ReplyRoleID = "r1"
	gen := &mockGenerator{}
	g, p := newTestGateway(t, cfg, gen, 0.99)
	p.name = "telegram"
	g.channels.Add(p)

	ev := created("m1", "u1", "@testbot hi")
	ev.Platform = "telegram"
	ev.Message.MentionsSelf = true
	g.handle(context.Background(), ev)

	if len(p.sentTexts()) != 1 {
		t.Error("a mention on a platform without roles should force a reply")
	}
}

func TestGateway_Reply_TiersExhausted(t *testing.T) {
	gen := &mockGenerator{generateFn: func(req llm.Request) (*llm.Response, error) {
		return nil, llm.ErrRateLimited
	}}
	cfg := testConfig(t)
	g, p := newTestGateway(t, cfg, gen, 0)

	g.handle(context.Background(), created("m1", "u1", "hello"))

	if len(gen.calls()) != len(cfg.Generation.Models) {
		t.Errorf("generate calls = %d, want one per tier", len(gen.calls()))
	}
	if len(p.sentTexts()) != 0 {
		t.Error("nothing should be sent when every tier is rate limited")
	}
	if n := len(records(t, g)); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestGateway_Reply_EmptyAndSendFailure(t *testing.T) {
	gen := &mockGenerator{generateFn: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "   "}, nil
	}}
	g, p := newTestGateway(t, testConfig(t), gen, 0)

	g.handle(context.Background(), created("m1", "u1", "hello"))
	if len(p.sentTexts()) != 0 {
		t.Error("empty model text should not be sent")
	}

	gen.generateFn = func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "hi"}, nil
	}
	p.sendFn = func(string, string) (*bus.Message, error) {
		return nil, errors.New("missing permissions")
	}
	g.handle(context.Background(), created("m2", "u1", "hello?"))
	if n := len(records(t, g)); n != 2 {
		t.Errorf("records = %d, want 2 (no bot record after failed send)", n)
	}
}

func TestGateway_HandleUpdate(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &mockGenerator{}, 0.99)
	ctx := context.Background()

	g.handle(ctx, created("m1", "u1", "helo"))
	g.handle(ctx, bus.Event{Kind: bus.ReactionAdded, Platform: "discord", GroupID: "g1", MessageID: "m1", UserID: "u2", Emoji: "👍"})

	edit := created("m1", "u1", "hello")
	edit.Kind = bus.MessageUpdated
	edit.Message.ChannelName = ""
	g.handle(ctx, edit)

	recs := records(t, g)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Body != "hello" {
		t.Errorf("body = %q, want hello", recs[0].Body)
	}
	if recs[0].Channel != "general" {
		t.Errorf("channel = %q, want the stored one", recs[0].Channel)
	}
	if len(recs[0].Reactions) != 1 || recs[0].Reactions[0].User != "Bobby" {
		t.Errorf("reactions = %+v, want carried over", recs[0].Reactions)
	}

	// Edits of unknown messages are ignored.
	unknown := created("m9", "u1", "ghost")
	unknown.Kind = bus.MessageUpdated
	g.handle(ctx, unknown)
	if n := len(records(t, g)); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestGateway_Reactions(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &mockGenerator{}, 0.99)
	ctx := context.Background()
	g.handle(ctx, created("m1", "u1", "react to me"))

	react := func(kind bus.EventKind, user, emoji string) {
		g.handle(ctx, bus.Event{Kind: kind, Platform: "discord", GroupID: "g1", ChannelID: "c1", MessageID: "m1", UserID: user, Emoji: emoji})
	}
	react(bus.ReactionAdded, "u1", "👍")
	react(bus.ReactionAdded, "u1", "👍")
	react(bus.ReactionAdded, "u2", "<:pog:77>")
	react(bus.ReactionAdded, "nobody", "👍")

	recs := records(t, g)
	want := []history.Reaction{{User: "Ally", Emoji: "👍"}, {User: "Bobby", Emoji: "<:pog:77>"}}
	if len(recs[0].Reactions) != len(want) {
		t.Fatalf("reactions = %+v, want %+v", recs[0].Reactions, want)
	}
	for i := range want {
		if recs[0].Reactions[i] != want[i] {
			t.Errorf("reactions[%d] = %+v, want %+v", i, recs[0].Reactions[i], want[i])
		}
	}

	react(bus.ReactionRemoved, "u1", "👍")
	recs = records(t, g)
	if len(recs[0].Reactions) != 1 || recs[0].Reactions[0].User != "Bobby" {
		t.Errorf("reactions after remove = %+v", recs[0].Reactions)
	}
}

func memoryGenerator(text string) *mockGenerator {
	return &mockGenerator{generateFn: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.System, DefaultMemoryPrompt) {
			return &llm.Response{Text: text}, nil
		}
		return &llm.Response{Text: "reply"}, nil
	}}
}

func TestGateway_CompactsPastHighWater(t *testing.T) {
	cfg := testConfig(t)
	gen := memoryGenerator("they like puns")
	g, _ := newTestGateway(t, cfg, gen, 0.99)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.handle(ctx, created(fmt.Sprintf("m%d", i), "u1", fmt.Sprintf("message %d", i)))
	}
	g.compactWG.Wait()

	recs := records(t, g)
	if len(recs) != cfg.History.LowWater {
		t.Fatalf("records = %d, want %d", len(recs), cfg.History.LowWater)
	}
	if recs[0].ID != "m3" || recs[1].ID != "m4" {
		t.Errorf("kept = %s, %s; want m3, m4", recs[0].ID, recs[1].ID)
	}

	text, err := g.memories.Read("discord:g1")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if text != "they like puns" {
		t.Errorf("memory = %q", text)
	}

	for _, req := range gen.calls() {
		if req.Model == cfg.Generation.Models[len(cfg.Generation.Models)-1] {
			t.Error("memory writing should not use the weakest tier")
		}
	}

	dump, err := os.ReadFile(ReadablePath(cfg, "discord:g1"))
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if strings.Contains(string(dump), "message 0") {
		t.Error("readable dump should reflect the trimmed log")
	}
}

func TestGateway_CompactEventAndCompactScope(t *testing.T) {
	cfg := testConfig(t)
	gen := memoryGenerator("summary")
	g, _ := newTestGateway(t, cfg, gen, 0.99)

	// Fill the log directly, below the gateway, so nothing triggers on append.
	l, err := g.logFor("discord:g1")
	if err != nil {
		t.Fatalf("logFor error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Append(history.Record{ID: fmt.Sprintf("m%d", i), Channel: "general", Author: "Ally", Body: "x"}); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	report, err := g.CompactScope(context.Background(), "discord:g1")
	if err != nil {
		t.Fatalf("CompactScope error: %v", err)
	}
	if report.Outcome != memory.OutcomeCompacted || report.Extracted != 3 || report.Remaining != 2 {
		t.Errorf("report = %+v", report)
	}

	// A sweep event on a log below high water is a no-op.
	g.handle(context.Background(), bus.Event{Kind: bus.Compact, Scope: "discord:g1"})
	g.compactWG.Wait()
	if l.Len() != 2 {
		t.Errorf("len = %d, want 2", l.Len())
	}

	for i := 5; i < 10; i++ {
		_ = l.Append(history.Record{ID: fmt.Sprintf("m%d", i), Channel: "general", Author: "Ally", Body: "x"})
	}
	g.handle(context.Background(), bus.Event{Kind: bus.Compact, Scope: "discord:g1"})
	g.compactWG.Wait()
	if l.Len() != 2 {
		t.Errorf("len after sweep = %d, want 2", l.Len())
	}
}

func TestGateway_CompactionRestoredWhenExhausted(t *testing.T) {
	cfg := testConfig(t)
	gen := &mockGenerator{generateFn: func(req llm.Request) (*llm.Response, error) {
		return nil, llm.ErrRateLimited
	}}
	g, _ := newTestGateway(t, cfg, gen, 0.99)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.handle(ctx, created(fmt.Sprintf("m%d", i), "u1", "hi"))
	}
	g.compactWG.Wait()

	recs := records(t, g)
	if len(recs) != 5 {
		t.Fatalf("records = %d, want all 5 restored", len(recs))
	}
	for i, r := range recs {
		if r.ID != fmt.Sprintf("m%d", i) {
			t.Errorf("records[%d] = %s, want m%d", i, r.ID, i)
		}
	}
	if text, _ := g.memories.Read("discord:g1"); text != memory.DefaultText {
		t.Errorf("memory = %q, want unchanged", text)
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)
	p := newMockPlatform()

	g, err := NewWithOptions(cfg, zerolog.Nop(), Options{
		Generator:  &mockGenerator{},
		Channels:   []channel.Channel{p},
		SignalChan: sigCh,
		Rand:       func() float64 { return 0.99 },
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	// Run in goroutine
	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	if err := g.bus.Publish(context.Background(), created("m1", "u1", "queued")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := g.store.Count("discord:g1"); n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Send shutdown signal
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after signal")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || !p.stopped {
		t.Errorf("started = %v, stopped = %v", p.started, p.stopped)
	}
}

func TestGateway_Run_ChannelStartError(t *testing.T) {
	cfg := testConfig(t)
	p := newMockPlatform()
	p.startErr = errors.New("invalid token")

	g, err := NewWithOptions(cfg, zerolog.Nop(), Options{
		Generator:  &mockGenerator{},
		Channels:   []channel.Channel{p},
		SignalChan: make(chan os.Signal, 1),
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	if err := g.Run(context.Background()); err == nil {
		t.Error("expected error from channel start")
	}
}

func TestGateway_Run_ContextCancelled(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t), &mockGenerator{}, 0.99)
	g.signalChan = make(chan os.Signal, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestGateway_Router(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compaction.Sweep = "@every 1m"
	g, _ := newTestGateway(t, cfg, &mockGenerator{}, 0.99)
	g.handle(context.Background(), created("m1", "u1", "hello"))
	if err := g.memories.Write("discord:g1", "remembered"); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	router := g.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/status status = %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if len(st.Scopes) != 1 || st.Scopes[0].Scope != "discord:g1" || st.Scopes[0].Records != 1 || st.Scopes[0].MemoryBytes != len("remembered") {
		t.Errorf("scopes = %+v", st.Scopes)
	}
	if len(st.Channels) != 1 || st.Channels[0] != "discord" {
		t.Errorf("channels = %v", st.Channels)
	}
	if len(st.Jobs) != 1 || st.Jobs[0].Name != "compaction-sweep" {
		t.Errorf("jobs = %+v", st.Jobs)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "theory_events_total") {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestLoadPrompts(t *testing.T) {
	cfg := testConfig(t)

	prompts, err := LoadPrompts(cfg)
	if err != nil {
		t.Fatalf("LoadPrompts error: %v", err)
	}
	if prompts.Reply != DefaultReplyPrompt || prompts.Memory != DefaultMemoryPrompt {
		t.Error("missing prompt files should fall back to the built-in prompts")
	}

	if err := os.MkdirAll(cfg.PromptsDir(), 0755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.PromptsDir(), ReplyPromptFile), []byte("be brief\n"), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	custom := filepath.Join(t.TempDir(), "summary.txt")
	if err := os.WriteFile(custom, []byte("summarise"), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	cfg.Prompts.MemoryPath = custom

	prompts, err = LoadPrompts(cfg)
	if err != nil {
		t.Fatalf("LoadPrompts error: %v", err)
	}
	if prompts.Reply != "be brief" || prompts.Memory != "summarise" {
		t.Errorf("prompts = %+v", prompts)
	}

	cfg.Prompts.MemoryPath = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := LoadPrompts(cfg); err == nil {
		t.Error("expected error for a configured prompt file that does not exist")
	}
}

func TestWriteDefaultPrompts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReplyPromptFile), []byte("mine"), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	if err := WriteDefaultPrompts(dir); err != nil {
		t.Fatalf("WriteDefaultPrompts error: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, ReplyPromptFile))
	if string(data) != "mine" {
		t.Error("existing prompt was overwritten")
	}
	data, _ = os.ReadFile(filepath.Join(dir, MemoryPromptFile))
	if !strings.HasPrefix(string(data), DefaultMemoryPrompt) {
		t.Errorf("memory prompt = %q", data)
	}
}

func TestReadablePath(t *testing.T) {
	cfg := testConfig(t)
	got := ReadablePath(cfg, "telegram:-100")
	want := filepath.Join(cfg.ReadableDir(), "telegram_-100.log")
	if got != want {
		t.Errorf("ReadablePath = %q, want %q", got, want)
	}
}

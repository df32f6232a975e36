package enrich

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aqua-lzma/theory/internal/bus"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/media"
)

type mockPlatform struct {
	fetchFn     func(channelID, messageID string) (*bus.Message, error)
	reactionsFn func(r bus.ReactionSummary) ([]string, error)
	fetches     int
}

func (m *mockPlatform) Name() string   { return "test" }
func (m *mockPlatform) SelfID() string { return "bot" }

func (m *mockPlatform) FetchMessage(_ context.Context, channelID, messageID string) (*bus.Message, error) {
	m.fetches++
	if m.fetchFn == nil {
		return nil, bus.ErrUnsupported
	}
	return m.fetchFn(channelID, messageID)
}

func (m *mockPlatform) ReactionUsers(_ context.Context, _, _ string, r bus.ReactionSummary) ([]string, error) {
	if m.reactionsFn == nil {
		return nil, bus.ErrUnsupported
	}
	return m.reactionsFn(r)
}

func (m *mockPlatform) MemberName(context.Context, string, string) (string, error) {
	return "", bus.ErrUnsupported
}

func (m *mockPlatform) Send(context.Context, string, string) (*bus.Message, error) {
	return nil, bus.ErrUnsupported
}

func (m *mockPlatform) SendTyping(context.Context, string) error { return nil }

type mockDescriber struct {
	calls      []string
	describeFn func(mime string, data []byte) (string, error)
}

func (m *mockDescriber) Describe(_ context.Context, mime string, data []byte) (string, error) {
	m.calls = append(m.calls, mime)
	if m.describeFn != nil {
		return m.describeFn(mime, data)
	}
	if _, ok := media.KindFor(mime); !ok {
		return mime, nil
	}
	return "desc of " + string(data), nil
}

type mockFetcher struct {
	payloads map[string]media.Payload
	fetched  []string
}

func (m *mockFetcher) Fetch(_ context.Context, url string) (media.Payload, error) {
	m.fetched = append(m.fetched, url)
	p, ok := m.payloads[url]
	if !ok {
		return media.Payload{}, errors.New("not found: " + url)
	}
	return p, nil
}

func newTestEnricher(d Describer, f media.Fetcher) *Enricher {
	e := New(d, f, Config{TruncateLength: 10, SettleDelay: time.Second}, zerolog.Nop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func baseMessage() *bus.Message {
	return &bus.Message{
		ID:          "100",
		ChannelID:   "c1",
		ChannelName: "general",
		AuthorName:  "alice",
		Body:        "hi <@2>",
		Created:     time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local),
		Mentions:    bus.Mentions{Users: map[string]string{"2": "bob"}},
	}
}

func TestBuild_CoreFields(t *testing.T) {
	e := newTestEnricher(&mockDescriber{}, &mockFetcher{})
	rec, err := e.Build(context.Background(), &mockPlatform{}, baseMessage())
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	want := history.Record{
		ID:        "100",
		Channel:   "general",
		Author:    "alice",
		Created:   "2024-05-01 09:30",
		Body:      "hi @bob",
		Reactions: []history.Reaction{},
	}
	if !reflect.DeepEqual(rec, want) {
		t.Errorf("record = %+v, want %+v", rec, want)
	}
}

func TestBuild_ReplyPreloadedAndFetched(t *testing.T) {
	e := newTestEnricher(&mockDescriber{}, &mockFetcher{})

	msg := baseMessage()
	msg.Reference = &bus.Reference{MessageID: "99", Message: &bus.Message{AuthorName: "carol", Body: "a very long original message"}}
	rec, err := e.Build(context.Background(), &mockPlatform{}, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if rec.ReplyTo == nil || rec.ReplyTo.Author != "carol" || rec.ReplyTo.Message != "a very ..." {
		t.Errorf("reply = %+v", rec.ReplyTo)
	}

	p := &mockPlatform{fetchFn: func(channelID, messageID string) (*bus.Message, error) {
		if channelID != "c1" || messageID != "98" {
			t.Errorf("fetch %s/%s", channelID, messageID)
		}
		return &bus.Message{AuthorName: "dave", Body: "short"}, nil
	}}
	msg = baseMessage()
	msg.Reference = &bus.Reference{MessageID: "98"}
	rec, err = e.Build(context.Background(), p, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if rec.ReplyTo == nil || rec.ReplyTo.Author != "dave" || rec.ReplyTo.Message != "short" {
		t.Errorf("fetched reply = %+v", rec.ReplyTo)
	}
}

func TestBuild_ReplyFetchFailureIsNotFatal(t *testing.T) {
	p := &mockPlatform{fetchFn: func(string, string) (*bus.Message, error) {
		return nil, errors.New("unknown message")
	}}
	msg := baseMessage()
	msg.Reference = &bus.Reference{MessageID: "1"}

	rec, err := newTestEnricher(&mockDescriber{}, &mockFetcher{}).Build(context.Background(), p, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if rec.ReplyTo != nil {
		t.Errorf("reply = %+v, want none", rec.ReplyTo)
	}
}

func TestBuild_ReactionsDeduplicated(t *testing.T) {
	p := &mockPlatform{reactionsFn: func(r bus.ReactionSummary) ([]string, error) {
		if r.Emoji == "👍" {
			return []string{"bob", "carol", "bob"}, nil
		}
		return []string{"bob"}, nil
	}}
	msg := baseMessage()
	msg.Reactions = []bus.ReactionSummary{{Emoji: "👍"}, {Emoji: "🔥"}}

	rec, err := newTestEnricher(&mockDescriber{}, &mockFetcher{}).Build(context.Background(), p, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	want := []history.Reaction{{User: "bob", Emoji: "👍"}, {User: "carol", Emoji: "👍"}, {User: "bob", Emoji: "🔥"}}
	if !reflect.DeepEqual(rec.Reactions, want) {
		t.Errorf("reactions = %+v, want %+v", rec.Reactions, want)
	}
}

func TestBuild_Attachments(t *testing.T) {
	f := &mockFetcher{payloads: map[string]media.Payload{
		"https://cdn/cat.png": {Data: []byte("cat"), ContentType: "image/png"},
	}}
	d := &mockDescriber{}
	msg := baseMessage()
	msg.Attachments = []bus.Attachment{
		{URL: "https://cdn/cat.png", ContentType: "image/png"},
		{URL: "https://cdn/doc.pdf", ContentType: "application/pdf"},
		{URL: "https://cdn/blob"},
	}

	rec, err := newTestEnricher(d, f).Build(context.Background(), &mockPlatform{}, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	want := []string{"desc of cat", "application/pdf", "application/octet-stream"}
	if !reflect.DeepEqual(rec.Attachments, want) {
		t.Errorf("attachments = %v, want %v", rec.Attachments, want)
	}
	if len(f.fetched) != 1 {
		t.Errorf("fetched = %v, unsupported types should not be downloaded", f.fetched)
	}
}

func TestBuild_AttachmentFailureReturnsPartial(t *testing.T) {
	f := &mockFetcher{payloads: map[string]media.Payload{
		"https://cdn/a.png": {Data: []byte("a"), ContentType: "image/png"},
	}}
	msg := baseMessage()
	msg.Body = "see https://example.com"
	msg.Attachments = []bus.Attachment{
		{URL: "https://cdn/a.png", ContentType: "image/png"},
		{URL: "https://cdn/missing.png", ContentType: "image/png"},
	}
	p := &mockPlatform{}

	rec, err := newTestEnricher(&mockDescriber{}, f).Build(context.Background(), p, msg)
	if err == nil {
		t.Fatal("expected error for failed attachment")
	}
	if !reflect.DeepEqual(rec.Attachments, []string{"desc of a"}) {
		t.Errorf("partial attachments = %v", rec.Attachments)
	}
	if rec.ID != "100" || rec.Body != "see https://example.com" {
		t.Errorf("core fields missing from partial record: %+v", rec)
	}
	if p.fetches != 0 {
		t.Error("embed step should not run after a failed attachment")
	}
}

func TestBuild_Embeds(t *testing.T) {
	f := &mockFetcher{payloads: map[string]media.Payload{
		"https://cdn/thumb.jpg": {Data: []byte("thumb"), ContentType: "image/jpeg"},
		"https://cdn/big.png":   {Data: []byte("big"), ContentType: "image/png"},
		"https://cdn/clip.mp4":  {Data: []byte("clip"), ContentType: "video/mp4"},
		"https://cdn/skip.jpg":  {Data: []byte("skip"), ContentType: "image/jpeg"},
	}}
	fresh := &bus.Message{Embeds: []bus.Embed{
		{Author: "site", Title: "A page", Description: "about", Thumbnail: &bus.EmbedMedia{URL: "https://cdn/thumb.jpg"}},
		{Title: "Pic", Image: &bus.EmbedMedia{URL: "https://cdn/big.png"}, Thumbnail: &bus.EmbedMedia{URL: "https://cdn/skip.jpg"}},
		{Video: &bus.EmbedMedia{URL: "https://cdn/clip.mp4"}},
	}}
	p := &mockPlatform{fetchFn: func(string, string) (*bus.Message, error) { return fresh, nil }}

	msg := baseMessage()
	msg.Body = "look https://example.com"
	rec, err := newTestEnricher(&mockDescriber{}, f).Build(context.Background(), p, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	want := []string{
		"site\nA page\nabout\n[THUMBNAIL] desc of thumb",
		"Pic\n[IMAGE] desc of big",
		"[VIDEO] desc of clip",
	}
	if !reflect.DeepEqual(rec.Embeds, want) {
		t.Errorf("embeds = %q, want %q", rec.Embeds, want)
	}
	for _, u := range f.fetched {
		if u == "https://cdn/skip.jpg" {
			t.Error("thumbnail fetched although an image is present")
		}
	}
}

func TestBuild_EmbedsUseOriginalWhenRefetchUnsupported(t *testing.T) {
	f := &mockFetcher{payloads: map[string]media.Payload{
		"https://cdn/page.html": {Data: []byte("<html>"), ContentType: "text/html"},
	}}
	msg := baseMessage()
	msg.Body = "http://example.com"
	msg.Embeds = []bus.Embed{{Title: "Example", Image: &bus.EmbedMedia{URL: "https://cdn/page.html"}}}

	rec, err := newTestEnricher(&mockDescriber{}, f).Build(context.Background(), &mockPlatform{}, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if !reflect.DeepEqual(rec.Embeds, []string{"Example\n[IMAGE] text/html"}) {
		t.Errorf("embeds = %q", rec.Embeds)
	}
}

func TestBuild_NoURLSkipsEmbeds(t *testing.T) {
	p := &mockPlatform{fetchFn: func(string, string) (*bus.Message, error) {
		t.Fatal("message should not be refetched")
		return nil, nil
	}}
	msg := baseMessage()
	msg.Embeds = []bus.Embed{{Title: "ignored"}}

	rec, err := newTestEnricher(&mockDescriber{}, &mockFetcher{}).Build(context.Background(), p, msg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(rec.Embeds) != 0 {
		t.Errorf("embeds = %v", rec.Embeds)
	}
}

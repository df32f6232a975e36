package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

const (
	defaultFetchTimeout = 60 * time.Second
	// maxFetchBytes caps a single download; larger bodies are rejected.
	maxFetchBytes = 20 << 20
)

type Payload struct {
	Data        []byte
	ContentType string
}

// Fetcher downloads attachment and embed resources.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Payload, error)
}

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Payload, error) {
	where := redactURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("build request for %s: %w", where, unwrapURLError(err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch %s: %w", where, unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Payload{}, fmt.Errorf("fetch %s: unexpected status %d", where, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return Payload{}, fmt.Errorf("read %s: %w", where, unwrapURLError(err))
	}
	if len(data) > maxFetchBytes {
		return Payload{}, fmt.Errorf("fetch %s: body exceeds %d bytes", where, maxFetchBytes)
	}

	contentType := BaseType(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = BaseType(http.DetectContentType(data))
	}
	return Payload{Data: data, ContentType: contentType}, nil
}

// redactURL keeps the host and file name of a download URL. Platform file
// links can carry credentials in the path (Telegram puts the bot token there)
// or the query, and fetch errors end up in logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/.../" + name
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the full URL.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

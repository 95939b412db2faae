// Package fastdl implements the content fetcher against a downloader API.
package fastdl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// Config controls collector behavior.
type Config struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements relay.Fetcher by asking a downloader endpoint to
// resolve a source URL into direct media links.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// apiResponse is the downloader endpoint's JSON payload.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Caption string `json:"caption"`
	Medias  []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"medias"`
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch resolves the source URL through the downloader endpoint. Every error
// is retryable from the pipeline's point of view.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (relay.FetchResult, error) {
	if f.cfg.Endpoint == "" {
		return relay.FetchResult{}, fmt.Errorf("fetcher endpoint is not configured")
	}

	var (
		result   relay.FetchResult
		fetchErr error
	)
	collector := f.buildCollector(&result, &fetchErr)

	target := fmt.Sprintf("%s?url=%s", f.cfg.Endpoint, url.QueryEscape(sourceURL))
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return relay.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(result *relay.FetchResult, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		parsed, err := parseResponse(r.Body)
		if err != nil {
			*fetchErr = err
			return
		}
		*result = parsed
	})
	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("downloader visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("downloader response failed: %w", *fetchErr)
		}
		return nil
	}
}

func parseResponse(body []byte) (relay.FetchResult, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return relay.FetchResult{}, fmt.Errorf("decode downloader payload: %w", err)
	}
	if resp.Status != "ok" {
		return relay.FetchResult{}, fmt.Errorf("downloader rejected request: %s", resp.Message)
	}
	if len(resp.Medias) == 0 {
		return relay.FetchResult{}, fmt.Errorf("downloader returned no media")
	}

	items := make([]relay.MediaItem, 0, len(resp.Medias))
	for _, m := range resp.Medias {
		kind, err := mediaKind(m.Type)
		if err != nil {
			return relay.FetchResult{}, err
		}
		if m.URL == "" {
			return relay.FetchResult{}, fmt.Errorf("downloader media entry missing url")
		}
		items = append(items, relay.MediaItem{Kind: kind, URL: m.URL})
	}

	kind := items[0].Kind
	if len(items) > 1 {
		kind = relay.KindAlbum
	}
	return relay.FetchResult{
		MediaKind: kind,
		Caption:   resp.Caption,
		Items:     items,
	}, nil
}

func mediaKind(t string) (relay.MediaKind, error) {
	switch t {
	case "video":
		return relay.KindVideo, nil
	case "image", "photo":
		return relay.KindImage, nil
	default:
		return "", fmt.Errorf("unknown media type %q", t)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package headless contains a fetcher that resolves media via a browser.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/media-relay/internal/relay"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements relay.Fetcher using chromedp and headless Chrome.
// It renders the source page and reads the OpenGraph media tags, covering
// sources the downloader endpoint cannot resolve.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

type pageMeta struct {
	Video   string `json:"video"`
	Image   string `json:"image"`
	Caption string `json:"caption"`
}

const metaExtractJS = `({
	video: document.querySelector('meta[property="og:video"]')?.content
		|| document.querySelector('meta[property="og:video:url"]')?.content
		|| "",
	image: document.querySelector('meta[property="og:image"]')?.content || "",
	caption: document.querySelector('meta[property="og:description"]')?.content
		|| document.querySelector('meta[property="og:title"]')?.content
		|| "",
})`

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the source page and maps its OpenGraph tags to a result.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (relay.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return relay.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta, err := f.runHeadless(taskCtx, sourceURL)
	if err != nil {
		return relay.FetchResult{}, err
	}
	return resultFromMeta(meta)
}

func (f *Fetcher) runHeadless(ctx context.Context, sourceURL string) (pageMeta, error) {
	var meta pageMeta
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(sourceURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate(metaExtractJS, &meta),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return pageMeta{}, fmt.Errorf("chromedp run: %w", err)
	}
	return meta, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("headless acquire canceled: %w", ctx.Err())
	case f.limiter <- struct{}{}:
		return nil
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	<-f.limiter
}

func resultFromMeta(meta pageMeta) (relay.FetchResult, error) {
	switch {
	case meta.Video != "":
		return relay.FetchResult{
			MediaKind: relay.KindVideo,
			Caption:   meta.Caption,
			Items:     []relay.MediaItem{{Kind: relay.KindVideo, URL: meta.Video}},
		}, nil
	case meta.Image != "":
		return relay.FetchResult{
			MediaKind: relay.KindImage,
			Caption:   meta.Caption,
			Items:     []relay.MediaItem{{Kind: relay.KindImage, URL: meta.Image}},
		}, nil
	default:
		return relay.FetchResult{}, fmt.Errorf("page exposes no media tags")
	}
}

// Package headless renders the source page in headless Chrome when a plain
// fetch is turned away or returns a script shell.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const (
	defaultRenderTimeout = 45 * time.Second
	defaultLinkWait      = 10 * time.Second
)

// Config controls the headless renderer.
type Config struct {
	// Slots bounds concurrent renders. Zero means unbounded.
	Slots         int
	UserAgent     string
	Headers       map[string]string
	RenderTimeout time.Duration
	// LinkSelector is awaited for up to LinkWait before the DOM is captured.
	// A page without the link is still returned so the resolver can report it.
	LinkSelector string
	LinkWait     time.Duration
}

// Fetcher implements monitor.Fetcher using chromedp.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp prepares a Chrome allocator. The browser itself starts on the
// first render.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.Slots < 0 {
		return nil, fmt.Errorf("headless slots must be >= 0")
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = defaultRenderTimeout
	}
	if cfg.LinkWait <= 0 {
		cfg.LinkWait = defaultLinkWait
	}
	f := &Fetcher{cfg: cfg}
	if cfg.Slots > 0 {
		f.slots = make(chan struct{}, cfg.Slots)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// LinkSelector builds a CSS attribute selector for an exact attribute value.
func LinkSelector(attribute, value string) string {
	if attribute == "" || value == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`[%s="%s"]`, attribute, escaped)
}

// Fetch renders request.URL and returns the resulting DOM.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return monitor.FetchResponse{}, &monitor.FetchError{URL: request.URL, Err: err}
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.RenderTimeout)
	defer cancel()
	// Stop the render when the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		return monitor.FetchResponse{}, &monitor.FetchError{URL: request.URL, Err: err}
	}
	status, headers, finalURL := doc.result(request.URL, page.location)
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return monitor.FetchResponse{}, &monitor.FetchError{URL: request.URL, StatusCode: status}
	}

	return monitor.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(page.html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request monitor.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(f.headers(request.Headers)),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return page, fmt.Errorf("navigate: %w", err)
	}
	if f.cfg.LinkSelector != "" {
		f.waitForLink(ctx)
	}
	err = chromedp.Run(ctx,
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return page, fmt.Errorf("capture dom: %w", err)
	}
	return page, nil
}

// waitForLink gives client-side rendering a bounded chance to insert the link.
// Timing out is not an error: the page is captured either way.
func (f *Fetcher) waitForLink(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.LinkWait)
	defer cancel()
	_ = chromedp.Run(waitCtx, chromedp.WaitVisible(f.cfg.LinkSelector, chromedp.ByQuery))
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key := range headers {
			extra[key] = headers.Get(key)
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
		return nil
	})
}

// headers layers per-request headers over the configured browser signature.
// User-Agent is applied through emulation instead.
func (f *Fetcher) headers(override http.Header) http.Header {
	out := http.Header{}
	for k, v := range f.cfg.Headers {
		out.Set(k, v)
	}
	for k := range override {
		out.Set(k, override.Get(k))
	}
	out.Del("User-Agent")
	return out
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for render slot: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

// documentResponse remembers the last top-level document response of a tab.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for k, v := range resp.Response.Headers {
		headers.Set(k, fmt.Sprint(v))
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
	d.mu.Unlock()
}

// result reports what the browser saw. A tab that never surfaced a document
// response is treated as 200 at its current location.
func (d *documentResponse) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, headers, finalURL := d.status, d.headers, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	if finalURL == "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = requested
	}
	return status, headers, finalURL
}

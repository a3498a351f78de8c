// Package resolver locates the pickup-list document link on the source page.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

// Config selects the anchor that carries the document link.
type Config struct {
	// Label must equal the value of MatchAttribute exactly.
	Label          string
	MatchAttribute string
	LinkAttribute  string
	Headers        http.Header
	// Promoter, when set with a fallback, re-renders a fetched page headless
	// if the link is missing and the page looks client-rendered.
	Promoter Promoter
}

// Promoter judges whether a fetched page needs a headless render.
type Promoter interface {
	ShouldPromote(resp monitor.FetchResponse) bool
}

// Resolver implements monitor.Resolver over a plain fetcher with an optional
// headless fallback.
type Resolver struct {
	cfg      Config
	fetcher  monitor.Fetcher
	fallback monitor.Fetcher
	logger   *zap.Logger
}

// New builds a Resolver. fallback may be nil.
func New(cfg Config, fetcher monitor.Fetcher, fallback monitor.Fetcher, logger *zap.Logger) (*Resolver, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Label == "" {
		return nil, fmt.Errorf("link label is required")
	}
	if cfg.MatchAttribute == "" {
		cfg.MatchAttribute = "title"
	}
	if cfg.LinkAttribute == "" {
		cfg.LinkAttribute = "href"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, fetcher: fetcher, fallback: fallback, logger: logger}, nil
}

// Resolve fetches pageURL once and returns the absolute URL of the labelled link.
func (r *Resolver) Resolve(ctx context.Context, pageURL string) (monitor.Resolution, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return monitor.Resolution{}, monitor.Errorf(monitor.ErrInvalidInput, "resolve", "page url %q is not absolute", pageURL)
	}

	resp, err := r.fetchPage(ctx, pageURL)
	if err != nil {
		return monitor.Resolution{}, err
	}

	href, err := r.findLink(resp.Body)
	if err != nil && r.shouldPromote(resp, err) {
		r.logger.Info("document link missing from script-rendered page, rendering headless")
		if rendered, ferr := r.fallback.Fetch(ctx, monitor.FetchRequest{URL: pageURL, Headers: r.cfg.Headers}); ferr == nil {
			rendered.UsedHeadless = true
			resp = rendered
			href, err = r.findLink(resp.Body)
		} else {
			metrics.ObserveResolution("headless", "error")
			r.logger.Warn("headless render failed", zap.Error(ferr))
		}
	}
	headless := resp.UsedHeadless
	if err != nil {
		metrics.ObserveResolution(method(headless), "not_found")
		return monitor.Resolution{}, err
	}

	resolved, err := Normalize(base, href)
	if err != nil {
		metrics.ObserveResolution(method(headless), "not_found")
		return monitor.Resolution{}, err
	}
	metrics.ObserveResolution(method(headless), "ok")
	r.logger.Debug("document link resolved",
		zap.String("href", href),
		zap.String("document_url", resolved),
		zap.Bool("headless", headless),
	)
	return monitor.Resolution{DocumentURL: resolved, Href: href, Headless: headless}, nil
}

func (r *Resolver) shouldPromote(resp monitor.FetchResponse, findErr error) bool {
	return r.fallback != nil && r.cfg.Promoter != nil && !resp.UsedHeadless &&
		errors.Is(findErr, monitor.ErrNotFound) && r.cfg.Promoter.ShouldPromote(resp)
}

func (r *Resolver) fetchPage(ctx context.Context, pageURL string) (monitor.FetchResponse, error) {
	req := monitor.FetchRequest{URL: pageURL, Headers: r.cfg.Headers}
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil {
		resp.UsedHeadless = false
		return resp, nil
	}
	metrics.ObserveResolution("fetch", "error")
	if r.fallback == nil || !errors.Is(err, monitor.ErrFetch) || ctx.Err() != nil {
		return monitor.FetchResponse{}, fmt.Errorf("fetch source page: %w", err)
	}

	r.logger.Warn("source page fetch failed, rendering headless", zap.Error(err))
	rendered, ferr := r.fallback.Fetch(ctx, req)
	if ferr != nil {
		metrics.ObserveResolution("headless", "error")
		return monitor.FetchResponse{}, fmt.Errorf("fetch source page: %w (headless: %v)", err, ferr)
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

func (r *Resolver) findLink(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", monitor.Wrap(monitor.ErrParse, "parse source page", err)
	}

	matches := doc.Find("[" + r.cfg.MatchAttribute + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr(r.cfg.MatchAttribute)
		return v == r.cfg.Label
	})
	if matches.Length() == 0 {
		return "", monitor.Errorf(monitor.ErrNotFound, "find document link", "no element with %s=%q", r.cfg.MatchAttribute, r.cfg.Label)
	}
	if matches.Length() > 1 {
		r.logger.Warn("multiple elements carry the link label, using the first",
			zap.Int("count", matches.Length()),
			zap.String("label", r.cfg.Label),
		)
	}

	href, ok := matches.First().Attr(r.cfg.LinkAttribute)
	if !ok || strings.TrimSpace(href) == "" {
		return "", monitor.Errorf(monitor.ErrNotFound, "find document link", "labelled element has no %s", r.cfg.LinkAttribute)
	}
	return strings.TrimSpace(href), nil
}

// Normalize resolves href against the page URL following RFC 3986. Only http
// and https results are accepted; fragments are dropped.
func Normalize(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", monitor.Wrap(monitor.ErrNotFound, "normalize document link", err)
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", monitor.Errorf(monitor.ErrNotFound, "normalize document link", "unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}

func method(headless bool) string {
	if headless {
		return "headless"
	}
	return "fetch"
}

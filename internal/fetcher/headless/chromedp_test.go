package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{Slots: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{Slots: 2})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	assert.Equal(t, 2, cap(f.slots))
	assert.Equal(t, defaultRenderTimeout, f.cfg.RenderTimeout)
	assert.Equal(t, defaultLinkWait, f.cfg.LinkWait)

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	assert.Nil(t, unbounded.slots)
}

func TestLinkSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attr, value, want string
	}{
		{"title", "Liste der abholbereiten Pässe", `[title="Liste der abholbereiten Pässe"]`},
		{"title", `say "hi"`, `[title="say \"hi\""]`},
		{"data-label", `a\b`, `[data-label="a\\b"]`},
		{"", "x", ""},
		{"title", "", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, LinkSelector(tc.attr, tc.value))
	}
}

func TestHeadersOverrideAndDropUserAgent(t *testing.T) {
	t.Parallel()

	f := &Fetcher{cfg: Config{Headers: map[string]string{
		"Accept-Language": "de-DE,de;q=0.9,en;q=0.8",
		"Referer":         "https://belgrad.diplo.de/",
		"User-Agent":      "Mozilla/5.0",
	}}}
	got := f.headers(http.Header{"Referer": {"https://other.example/"}})

	assert.Equal(t, "de-DE,de;q=0.9,en;q=0.8", got.Get("Accept-Language"))
	assert.Equal(t, []string{"https://other.example/"}, got.Values("Referer"))
	assert.Empty(t, got.Get("User-Agent"))
}

func TestDocumentResponseObserve(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.com/pickup",
			Headers: network.Headers{"Content-Type": "text/html"},
		},
	})
	doc.observe("not an event")

	status, headers, finalURL := doc.result("https://example.com/req", "https://example.com/loc")
	assert.Equal(t, 403, status)
	assert.Equal(t, "text/html", headers.Get("Content-Type"))
	assert.Equal(t, "https://example.com/pickup", finalURL)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, finalURL := (&documentResponse{}).result("https://example.com/req", "https://example.com/loc")
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://example.com/loc", finalURL)

	_, _, finalURL = (&documentResponse{}).result("https://example.com/req", "")
	assert.Equal(t, "https://example.com/req", finalURL)
}

func TestFetchWaitsForSlot(t *testing.T) {
	t.Parallel()

	f := &Fetcher{slots: make(chan struct{}, 1)}
	f.slots <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, monitor.FetchRequest{URL: "https://example.com/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, monitor.ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

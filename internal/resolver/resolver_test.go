package resolver

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const label = "Abholliste/Lista za preuzimanje - Kneza Milosa 75"

type stubFetcher struct {
	body  string
	err   error
	calls int
	last  monitor.FetchRequest
}

func (s *stubFetcher) Fetch(_ context.Context, req monitor.FetchRequest) (monitor.FetchResponse, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return monitor.FetchResponse{}, s.err
	}
	return monitor.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(s.body)}, nil
}

func newResolver(t *testing.T, primary, fallback monitor.Fetcher) *Resolver {
	t.Helper()
	r, err := New(Config{Label: label}, primary, fallback, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestResolveRootRelativeHref(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a title="Something else" href="/other.pdf">x</a>
<a title="` + label + `" href="/docs/list.pdf#page=2">list</a>
</body></html>`
	r := newResolver(t, &stubFetcher{body: page}, nil)

	res, err := r.Resolve(context.Background(), "https://belgrad.diplo.de/rs-sr/service/2339474-2339474?openAccordionId=x")
	require.NoError(t, err)
	require.Equal(t, "https://belgrad.diplo.de/docs/list.pdf", res.DocumentURL)
	require.Equal(t, "/docs/list.pdf#page=2", res.Href)
	require.False(t, res.Headless)
}

func TestResolveFirstMatchWins(t *testing.T) {
	t.Parallel()

	page := `<div><a title="` + label + `" href="first.pdf"></a><a title="` + label + `" href="second.pdf"></a></div>`
	r := newResolver(t, &stubFetcher{body: page}, nil)

	res, err := r.Resolve(context.Background(), "https://example.com/service/page")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/service/first.pdf", res.DocumentURL)
}

func TestResolveRequiresExactLabel(t *testing.T) {
	t.Parallel()

	page := `<a title="` + label + ` (old)" href="/old.pdf"></a><a title=" ` + label + `" href="/padded.pdf"></a>`
	r := newResolver(t, &stubFetcher{body: page}, nil)

	_, err := r.Resolve(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestResolveMissingHref(t *testing.T) {
	t.Parallel()

	r := newResolver(t, &stubFetcher{body: `<span title="` + label + `">no link</span>`}, nil)
	_, err := r.Resolve(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestResolveFetchErrorWithoutFallback(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{err: &monitor.FetchError{URL: "https://example.com/", StatusCode: 503}}
	r := newResolver(t, primary, nil)

	_, err := r.Resolve(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, monitor.ErrFetch)
	var fe *monitor.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, 503, fe.StatusCode)
}

func TestResolveFallsBackToHeadless(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{err: &monitor.FetchError{URL: "https://example.com/", StatusCode: 403}}
	fallback := &stubFetcher{body: `<a title="` + label + `" href="https://cdn.example.com/list.pdf"></a>`}
	r := newResolver(t, primary, fallback)

	res, err := r.Resolve(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.True(t, res.Headless)
	require.Equal(t, "https://cdn.example.com/list.pdf", res.DocumentURL)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, fallback.calls)
}

func TestResolveFallbackFailureKeepsFetchKind(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{err: &monitor.FetchError{URL: "https://example.com/", StatusCode: 403}}
	fallback := &stubFetcher{err: errors.New("chrome not installed")}
	r := newResolver(t, primary, fallback)

	_, err := r.Resolve(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, monitor.ErrFetch)
	require.Contains(t, err.Error(), "chrome not installed")
}

func TestResolvePassesConfiguredHeaders(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{body: `<a title="X" href="/a.pdf"></a>`}
	r, err := New(Config{Label: "X", Headers: map[string][]string{"Referer": {"https://example.com/"}}}, primary, nil, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", primary.last.Headers.Get("Referer"))
}

func TestResolveRejectsRelativePageURL(t *testing.T) {
	t.Parallel()

	r := newResolver(t, &stubFetcher{}, nil)
	_, err := r.Resolve(context.Background(), "/service")
	require.ErrorIs(t, err, monitor.ErrInvalidInput)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://origin.example/a/b/page?x=1")
	require.NoError(t, err)

	cases := []struct {
		href string
		want string
	}{
		{"https://other.example/doc.pdf", "https://other.example/doc.pdf"},
		{"/docs/list.pdf", "https://origin.example/docs/list.pdf"},
		{"list.pdf", "https://origin.example/a/b/list.pdf"},
		{"../up.pdf", "https://origin.example/a/up.pdf"},
		{"//cdn.example/x.pdf", "https://cdn.example/x.pdf"},
		{"list.pdf#frag", "https://origin.example/a/b/list.pdf"},
	}
	for _, tc := range cases {
		got, err := Normalize(base, tc.href)
		require.NoError(t, err, tc.href)
		require.Equal(t, tc.want, got, tc.href)
	}

	_, err = Normalize(base, "mailto:someone@example.com")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Label: "x"}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &stubFetcher{}, nil, nil)
	require.Error(t, err)
}

type stubPromoter struct{ promote bool }

func (p stubPromoter) ShouldPromote(monitor.FetchResponse) bool { return p.promote }

func TestResolvePromotesScriptShellToHeadless(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{body: `<div id="__next"></div>`}
	fallback := &stubFetcher{body: `<a title="` + label + `" href="/rendered.pdf"></a>`}
	r, err := New(Config{Label: label, Promoter: stubPromoter{promote: true}}, primary, fallback, zap.NewNop())
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	require.True(t, res.Headless)
	require.Equal(t, "https://example.com/rendered.pdf", res.DocumentURL)
	require.Equal(t, 1, fallback.calls)
}

func TestResolveDoesNotPromoteStaticPage(t *testing.T) {
	t.Parallel()

	primary := &stubFetcher{body: `<p>nothing here</p>`}
	fallback := &stubFetcher{body: `<a title="` + label + `" href="/rendered.pdf"></a>`}
	r, err := New(Config{Label: label, Promoter: stubPromoter{promote: false}}, primary, fallback, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "https://example.com/page")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.Zero(t, fallback.calls)
}

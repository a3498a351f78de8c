package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/storage/memory"
)

const (
	pageURL = "https://consulate.example/service"
	docURL  = "https://consulate.example/list.pdf"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type stubResolver struct {
	url   string
	err   error
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, _ string) (monitor.Resolution, error) {
	r.calls++
	if r.err != nil {
		return monitor.Resolution{}, r.err
	}
	return monitor.Resolution{DocumentURL: r.url, Href: r.url}, nil
}

type stubMatcher struct {
	result  monitor.MatchResult
	err     error
	calls   int
	lastURL string
	target  string
	hook    func()
}

func (m *stubMatcher) Check(_ context.Context, documentURL, target string) (monitor.MatchResult, error) {
	m.calls++
	m.lastURL = documentURL
	m.target = target
	if m.hook != nil {
		m.hook()
	}
	if m.err != nil {
		return monitor.MatchResult{}, m.err
	}
	res := m.result
	res.DocumentURL = documentURL
	return res, nil
}

type stubNotifier struct {
	events []monitor.Event
	err    error
}

func (n *stubNotifier) Notify(_ context.Context, event monitor.Event) (monitor.NotifyResult, error) {
	n.events = append(n.events, event)
	if n.err != nil {
		return monitor.NotifyResult{}, n.err
	}
	return monitor.NotifyResult{MessageID: "<msg@test>", Recipient: "me@example.com"}, nil
}

type harness struct {
	orch     *Orchestrator
	store    *memory.Store
	lease    *memory.Lease
	archive  *memory.BlobStore
	resolver *stubResolver
	matcher  *stubMatcher
	notifier *stubNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
	ids := &seqIDs{}
	h := &harness{
		store:    memory.NewStore(clock, ids),
		lease:    memory.NewLease(clock),
		archive:  memory.NewBlobStore(),
		resolver: &stubResolver{url: docURL},
		matcher:  &stubMatcher{},
		notifier: &stubNotifier{},
		clock:    clock,
	}
	cfg := Config{
		Target:        "590698",
		PageURL:       pageURL,
		ScrapeAllowed: true,
		Hours:         []int{8, 12, 16},
		Location:      time.UTC,
		ArchivePrefix: "documents",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := New(cfg, Deps{
		Store:    h.store,
		Lease:    h.lease,
		Resolver: h.resolver,
		Matcher:  h.matcher,
		Notifier: h.notifier,
		Archive:  h.archive,
		Clock:    clock,
		IDs:      ids,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func TestRunFoundNotifiesAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.matcher.result = monitor.MatchResult{
		Found:        true,
		MatchCount:   2,
		Contexts:     []string{"a 590698 b"},
		DocumentHash: "abc123",
		Body:         []byte("%PDF-1.4"),
	}

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.False(t, out.Skipped)
	require.NotNil(t, out.Result)
	require.Equal(t, "id-2", out.Result.ID)
	require.True(t, out.Result.Success)
	require.True(t, out.Result.Found)
	require.True(t, out.Result.EmailSent)
	require.Equal(t, 2, out.Result.MatchCount)
	require.Equal(t, "memory://documents/2025/03/10/abc123.pdf", out.Result.ArchiveURI)

	require.Len(t, h.notifier.events, 1)
	require.Equal(t, monitor.EventFound, h.notifier.events[0].Kind)
	require.Equal(t, docURL, h.notifier.events[0].DocumentURL)

	require.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), *out.NextCheck)
	require.Equal(t, 150, out.MinutesUntilNext)

	status, err := h.store.GetStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsRunning)
	require.Equal(t, "590698", status.SearchNumber)
	require.Equal(t, docURL, *status.CachedDocumentURL)
	require.Equal(t, out.Result.ID, status.LastResult.ID)

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, contentType, ok := h.archive.Object("documents/2025/03/10/abc123.pdf")
	require.True(t, ok)
	require.Equal(t, "application/pdf", contentType)
}

func TestRunNotFoundDoesNotNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	out, err := h.orch.Run(context.Background(), monitor.SourceCron)
	require.NoError(t, err)
	require.True(t, out.Result.Success)
	require.False(t, out.Result.Found)
	require.False(t, out.Result.EmailSent)
	require.Empty(t, h.notifier.events)
	require.NotNil(t, out.Result.Contexts)
}

func TestRunUsesStoredTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.SetTarget(context.Background(), " 111222 ")
	require.NoError(t, err)

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.Equal(t, "111222", h.matcher.target)
	require.Equal(t, "111222", out.Result.SearchNumber)
}

func TestRunUsesCacheWhenScrapingDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.ScrapeAllowed = false })
	_, err := h.orch.SetCachedDocument(context.Background(), "https://cdn.example/cached.pdf")
	require.NoError(t, err)

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.Zero(t, h.resolver.calls)
	require.Equal(t, "https://cdn.example/cached.pdf", h.matcher.lastURL)
	require.Equal(t, "https://cdn.example/cached.pdf", out.Result.DocumentURL)
}

func TestRunResolvesWhenScrapingDisabledWithoutCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.ScrapeAllowed = false })
	_, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.Equal(t, 1, h.resolver.calls)

	url, cachedAt, err := h.orch.CachedDocument(context.Background())
	require.NoError(t, err)
	require.Equal(t, docURL, url)
	require.NotNil(t, cachedAt)
}

func TestRunFallsBackToCacheOnResolveFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.SetCachedDocument(context.Background(), "https://cdn.example/cached.pdf")
	require.NoError(t, err)
	h.resolver.err = monitor.Wrap(monitor.ErrFetch, "resolve", errors.New("503"))

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.True(t, out.Result.Success)
	require.Equal(t, "https://cdn.example/cached.pdf", out.Result.DocumentURL)
}

func TestRunResolveFailureWithoutCacheRecordsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.resolver.err = monitor.Errorf(monitor.ErrNotFound, "resolve", "link missing")

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.False(t, out.Result.Success)
	require.False(t, out.Result.Found)
	require.Contains(t, out.Result.ErrorText(), "link missing")
	require.Zero(t, h.matcher.calls)
	require.Empty(t, h.notifier.events)

	url, _, err := h.orch.CachedDocument(context.Background())
	require.NoError(t, err)
	require.Empty(t, url)

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestRunErrorNotificationWhenEnabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.NotifyOnError = true })
	h.matcher.err = monitor.Wrap(monitor.ErrParse, "extract", errors.New("bad xref"))

	out, err := h.orch.Run(context.Background(), monitor.SourceCron)
	require.NoError(t, err)
	require.False(t, out.Result.Success)
	require.False(t, out.Result.EmailSent)
	require.Len(t, h.notifier.events, 1)
	require.Equal(t, monitor.EventError, h.notifier.events[0].Kind)
	require.Contains(t, h.notifier.events[0].Error, "bad xref")
}

func TestRunNotificationFailureIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.matcher.result = monitor.MatchResult{Found: true, MatchCount: 1}
	h.notifier.err = monitor.Wrap(monitor.ErrDelivery, "notify", errors.New("smtp down"))

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.True(t, out.Result.Found)
	require.False(t, out.Result.EmailSent)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var inner error
	h.matcher.hook = func() {
		_, inner = h.orch.Run(context.Background(), monitor.SourceManual)
	}

	_, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.NoError(t, err)
	require.ErrorIs(t, inner, monitor.ErrRunInProgress)

	ok, err := h.lease.Acquire(context.Background(), LeaseName, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease must be released after the run")
}

func TestRunStoreFailureReturnsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.matcher.hook = func() { h.store.FailWith(errors.New("db down")) }

	out, err := h.orch.Run(context.Background(), monitor.SourceManual)
	require.ErrorIs(t, err, monitor.ErrStore)
	require.NotNil(t, out.Result)
	require.True(t, out.Result.Success)
	require.Empty(t, out.Result.ID)
}

func TestRunRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.Run(context.Background(), monitor.Source("webhook"))
	require.ErrorIs(t, err, monitor.ErrInvalidInput)
}

func TestRunIfDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	out, err := h.orch.RunIfDue(context.Background(), monitor.SourceScheduled)
	require.NoError(t, err)
	require.False(t, out.Skipped, "first poll runs")
	require.Equal(t, 1, h.matcher.calls)

	h.clock.Set(time.Date(2025, 3, 10, 11, 59, 0, 0, time.UTC))
	out, err = h.orch.RunIfDue(context.Background(), monitor.SourceScheduled)
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.Equal(t, ReasonNotDue, out.Reason)
	require.Equal(t, 1, out.MinutesUntilNext)
	require.Equal(t, 1, h.matcher.calls)

	h.clock.Set(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	out, err = h.orch.RunIfDue(context.Background(), monitor.SourceScheduled)
	require.NoError(t, err)
	require.False(t, out.Skipped)
	require.Equal(t, 2, h.matcher.calls)
	require.Equal(t, time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC), *out.NextCheck)
}

func TestRunIfDueSkipsWhileLeaseHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ok, err := h.lease.Acquire(context.Background(), LeaseName, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := h.orch.RunIfDue(context.Background(), monitor.SourceScheduled)
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.Equal(t, ReasonInProgress, out.Reason)
	require.Zero(t, h.matcher.calls)
}

func TestRunIfDueStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store.FailWith(errors.New("db down"))
	_, err := h.orch.RunIfDue(context.Background(), monitor.SourceScheduled)
	require.ErrorIs(t, err, monitor.ErrStore)
	require.Zero(t, h.matcher.calls)
}

func TestRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	contexts := make([]string, 15)
	for i := range contexts {
		contexts[i] = fmt.Sprintf("ctx %d", i)
	}
	out, err := h.orch.Record(context.Background(), monitor.CheckResult{
		Source:     monitor.SourceCron,
		Success:    true,
		Found:      true,
		MatchCount: 1,
		Contexts:   contexts,
	})
	require.NoError(t, err)
	require.Equal(t, "590698", out.Result.SearchNumber)
	require.Len(t, out.Result.Contexts, monitor.MaxContexts)
	require.NotEmpty(t, out.Result.ID)

	last, err := h.store.LastBySource(context.Background(), monitor.SourceCron)
	require.NoError(t, err)
	require.Equal(t, out.Result.ID, last.ID)

	_, err = h.orch.Record(context.Background(), monitor.CheckResult{Source: "bogus"})
	require.ErrorIs(t, err, monitor.ErrInvalidInput)
}

func TestRecordFailureIsNeverFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	msg := "timeout"
	out, err := h.orch.Record(context.Background(), monitor.CheckResult{Found: true, Error: &msg})
	require.NoError(t, err)
	require.False(t, out.Result.Found)
	require.Equal(t, monitor.SourceManual, out.Result.Source)
}

func TestRecordNormalizesOutcomeFlags(t *testing.T) {
	t.Parallel()

	boom := "boom"
	blank := "  "
	tests := []struct {
		name                      string
		in                        monitor.CheckResult
		success, found, emailSent bool
		matchCount                int
	}{
		{
			name:    "error wins over claimed success",
			in:      monitor.CheckResult{Success: true, Found: true, MatchCount: 0, EmailSent: true, Error: &boom},
			success: false, found: false, emailSent: false, matchCount: 0,
		},
		{
			name:    "matches imply found",
			in:      monitor.CheckResult{Found: false, MatchCount: 3, EmailSent: true},
			success: true, found: true, emailSent: true, matchCount: 3,
		},
		{
			name:    "no matches means not found and no mail",
			in:      monitor.CheckResult{Success: true, Found: true, EmailSent: true},
			success: true, found: false, emailSent: false, matchCount: 0,
		},
		{
			name:    "negative count is clamped",
			in:      monitor.CheckResult{Success: true, MatchCount: -2},
			success: true, found: false, emailSent: false, matchCount: 0,
		},
		{
			name:    "blank error is no error",
			in:      monitor.CheckResult{MatchCount: 1, Error: &blank},
			success: true, found: true, emailSent: false, matchCount: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			out, err := h.orch.Record(context.Background(), tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.success, out.Result.Success)
			require.Equal(t, tc.found, out.Result.Found)
			require.Equal(t, tc.emailSent, out.Result.EmailSent)
			require.Equal(t, tc.matchCount, out.Result.MatchCount)
			require.Equal(t, tc.success, out.Result.Error == nil)

			stored, err := h.store.GetRecent(context.Background(), 1)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			require.Equal(t, out.Result.Found, stored[0].Found)
			require.Equal(t, out.Result.EmailSent, stored[0].EmailSent)
			require.Equal(t, out.Result.Success, stored[0].Success)
		})
	}
}

func TestSetTargetValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.orch.SetTarget(context.Background(), "   ")
	require.ErrorIs(t, err, monitor.ErrInvalidInput)
}

func TestSetCachedDocumentValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, bad := range []string{"", "/relative.pdf", "ftp://example.com/a.pdf", "https://"} {
		_, err := h.orch.SetCachedDocument(context.Background(), bad)
		require.ErrorIs(t, err, monitor.ErrInvalidInput, bad)
	}
}

func TestStatusView(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	view := h.orch.StatusView(context.Background())
	require.False(t, view.Degraded)
	require.True(t, view.IsRunning)
	require.Equal(t, "590698", view.SearchNumber)
	require.NotNil(t, view.CheckHistory)
	require.Empty(t, view.CheckHistory)
	require.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), *view.NextCheck)

	for range 12 {
		_, err := h.orch.Run(context.Background(), monitor.SourceManual)
		require.NoError(t, err)
	}
	view = h.orch.StatusView(context.Background())
	require.Len(t, view.CheckHistory, 10)
	require.EqualValues(t, 12, view.TotalChecks)
	require.NotNil(t, view.LastResult)
	require.NotNil(t, view.LastCheck)
	require.Equal(t, docURL, *view.CachedDocumentURL)
}

func TestStatusViewDegraded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.store.FailWith(errors.New("db down"))
	view := h.orch.StatusView(context.Background())
	require.True(t, view.Degraded)
	require.True(t, view.IsRunning)
	require.Equal(t, "590698", view.SearchNumber)
	require.Empty(t, view.CheckHistory)
	require.NotNil(t, view.NextCheck)
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 2, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	require.Equal(t, "docs/2025/01/02/h.pdf", ArchivePath("/docs/", at, "h"))
	require.Equal(t, "2025/01/02/h.pdf", ArchivePath("", at, "h"))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Target: "1", PageURL: pageURL}, Deps{})
	require.Error(t, err)
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the first call is immediate, the second waits ~100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Hosts are limited independently.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_WaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}

func TestLimiter_UnlimitedWhenRateNotPositive(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

type stubFetcher struct {
	calls int
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, req monitor.FetchRequest) (monitor.FetchResponse, error) {
	s.calls++
	if s.err != nil {
		return monitor.FetchResponse{}, s.err
	}
	return monitor.FetchResponse{URL: req.URL, StatusCode: 200}, nil
}

func TestWrapDelegates(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{}
	require.Same(t, next, Wrap(next, nil))

	f := Wrap(next, New(Config{}))
	resp, err := f.Fetch(context.Background(), monitor.FetchRequest{URL: "https://example.com/doc.pdf"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, next.calls)

	cause := &monitor.FetchError{URL: "https://example.com", StatusCode: 503}
	failing := Wrap(&stubFetcher{err: cause}, New(Config{}))
	_, err = failing.Fetch(context.Background(), monitor.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, monitor.ErrFetch)
	require.True(t, errors.As(err, &cause))
}

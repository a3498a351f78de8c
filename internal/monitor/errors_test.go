package monitor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorMatchesKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("resolve: %w", &FetchError{URL: "https://example.com", StatusCode: 403, Err: cause})

	require.ErrorIs(t, err, ErrFetch)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrNotFound)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 403, fe.StatusCode)
	require.Contains(t, err.Error(), "status 403")
}

func TestWrapWithoutCause(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrNotFound, "resolve link", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "resolve link: not found", err.Error())
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"none":          nil,
		"fetch":         &FetchError{URL: "u"},
		"not_found":     Wrap(ErrNotFound, "op", nil),
		"parse":         Errorf(ErrParse, "extract", "bad magic %q", "GIF8"),
		"configuration": Wrap(ErrConfiguration, "notify", errors.New("missing recipient")),
		"delivery":      Wrap(ErrDelivery, "send", errors.New("550")),
		"store":         Wrap(ErrStore, "get status", errors.New("down")),
		"in_progress":   ErrRunInProgress,
		"unknown":       errors.New("boom"),
	}
	for want, err := range cases {
		require.Equal(t, want, KindOf(err), "error %v", err)
	}
}

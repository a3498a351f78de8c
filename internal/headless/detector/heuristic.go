// Package detector decides when a fetched source page is a script shell that
// only a headless browser can render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const defaultBodyThreshold = 2048

// Heuristic implements rule-based promotion to the headless fetcher.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("<noscript>"),
}

// ShouldPromote reports whether resp looks like a page whose links are only
// present after client-side rendering.
func (h *Heuristic) ShouldPromote(resp monitor.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// Unterminated tags count to the end of the body.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	covered := 0
	for pos := 0; pos < total; {
		start := strings.Index(lower[pos:], "<script")
		if start < 0 {
			break
		}
		start += pos
		end := total
		if rel := strings.Index(lower[start:], "</script>"); rel >= 0 {
			end = start + rel + len("</script>")
		}
		covered += end - start
		pos = end
	}
	if total == 0 {
		return 0
	}
	return covered * 100 / total
}

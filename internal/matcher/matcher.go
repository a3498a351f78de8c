// Package matcher downloads a document and searches its text for a target
// identifier.
package matcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const contextSeparator = " ... "

// Config holds matcher tuning.
type Config struct {
	// MaxContexts caps the snippets returned per check. Values outside
	// 1..monitor.MaxContexts are clamped.
	MaxContexts int
}

// Matcher implements monitor.Matcher.
type Matcher struct {
	cfg       Config
	fetcher   monitor.Fetcher
	extractor monitor.TextExtractor
	hasher    monitor.Hasher
	logger    *zap.Logger
}

var _ monitor.Matcher = (*Matcher)(nil)

// New wires a Matcher. hasher may be nil, in which case DocumentHash is left empty.
func New(cfg Config, fetcher monitor.Fetcher, extractor monitor.TextExtractor, hasher monitor.Hasher, logger *zap.Logger) (*Matcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("matcher: fetcher is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("matcher: extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.MaxContexts = clampContexts(cfg.MaxContexts)
	return &Matcher{cfg: cfg, fetcher: fetcher, extractor: extractor, hasher: hasher, logger: logger}, nil
}

// Check fetches documentURL, extracts its text and counts target occurrences.
func (m *Matcher) Check(ctx context.Context, documentURL, target string) (monitor.MatchResult, error) {
	const op = "matcher.Check"
	target = strings.TrimSpace(target)
	if target == "" {
		return monitor.MatchResult{}, monitor.Errorf(monitor.ErrInvalidInput, op, "search target is empty")
	}
	if strings.TrimSpace(documentURL) == "" {
		return monitor.MatchResult{}, monitor.Errorf(monitor.ErrInvalidInput, op, "document url is empty")
	}

	resp, err := m.fetcher.Fetch(ctx, monitor.FetchRequest{URL: documentURL})
	if err != nil {
		return monitor.MatchResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return monitor.MatchResult{}, &monitor.FetchError{URL: documentURL, StatusCode: resp.StatusCode}
	}

	doc, err := m.extractor.Extract(ctx, resp.Body)
	if err != nil {
		return monitor.MatchResult{}, err
	}

	result := Search(doc.Text, target, m.cfg.MaxContexts)
	result.DocumentURL = documentURL
	result.FileSize = len(resp.Body)
	result.PageCount = doc.PageCount
	result.Body = resp.Body
	if m.hasher != nil {
		hash, err := m.hasher.Hash(resp.Body)
		if err != nil {
			m.logger.Warn("document hash failed", zap.Error(err))
		}
		result.DocumentHash = hash
	}

	metrics.SetDocumentMatches(result.MatchCount)
	m.logger.Info("document searched",
		zap.String("url", documentURL),
		zap.Int("bytes", result.FileSize),
		zap.Int("pages", result.PageCount),
		zap.Int("matches", result.MatchCount),
	)
	return result, nil
}

// Search counts case-insensitive literal occurrences of target in text and
// collects up to maxContexts three-line snippets around matching lines.
func Search(text, target string, maxContexts int) monitor.MatchResult {
	maxContexts = clampContexts(maxContexts)
	result := monitor.MatchResult{Contexts: []string{}}
	if target == "" {
		return result
	}

	pattern := regexp.MustCompile("(?i)" + regexp.QuoteMeta(target))
	result.MatchCount = len(pattern.FindAllStringIndex(text, -1))
	result.Found = result.MatchCount > 0
	if !result.Found {
		return result
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if len(result.Contexts) >= maxContexts {
			break
		}
		if !pattern.MatchString(line) {
			continue
		}
		result.Contexts = append(result.Contexts, window(lines, i))
	}
	return result
}

func window(lines []string, i int) string {
	parts := make([]string, 0, 3)
	for j := i - 1; j <= i+1; j++ {
		if j < 0 || j >= len(lines) {
			continue
		}
		if s := strings.TrimSpace(lines[j]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, contextSeparator)
}

func clampContexts(n int) int {
	if n <= 0 || n > monitor.MaxContexts {
		return monitor.MaxContexts
	}
	return n
}

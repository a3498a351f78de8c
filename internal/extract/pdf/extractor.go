// Package pdf extracts plain text from PDF documents.
//
// Document structure is parsed with pdfcpu. Page content streams are then
// interpreted for their text-showing operators, honoring ToUnicode maps where
// fonts provide them, so the output keeps one line of text per rendered line.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const headerWindow = 1024

// Extractor implements monitor.TextExtractor.
type Extractor struct {
	logger *zap.Logger
}

// New constructs an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

var _ monitor.TextExtractor = (*Extractor)(nil)

// Extract returns the document text with pages joined by newlines.
func (e *Extractor) Extract(ctx context.Context, data []byte) (doc monitor.Document, err error) {
	const op = "pdf.Extract"
	if len(data) == 0 {
		return monitor.Document{}, monitor.Errorf(monitor.ErrParse, op, "empty document")
	}
	if !looksLikePDF(data) {
		return monitor.Document{}, monitor.Errorf(monitor.ErrParse, op, "missing %%PDF header")
	}
	if err := ctx.Err(); err != nil {
		return monitor.Document{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			doc = monitor.Document{}
			err = monitor.Errorf(monitor.ErrParse, op, "malformed document: %v", r)
		}
	}()

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return monitor.Document{}, monitor.Wrap(monitor.ErrParse, op, fmt.Errorf("read: %w", err))
	}

	pages := make([]string, 0, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return monitor.Document{}, err
		}
		text, err := extractPage(pdfCtx, pageNr)
		if err != nil {
			e.logger.Warn("page extraction failed", zap.Int("page", pageNr), zap.Error(err))
			continue
		}
		pages = append(pages, text)
	}

	doc = monitor.Document{
		Text:      strings.Join(pages, "\n"),
		PageCount: pdfCtx.PageCount,
	}
	e.logger.Debug("document extracted",
		zap.Int("pages", doc.PageCount),
		zap.Int("chars", len(doc.Text)),
	)
	return doc, nil
}

func extractPage(ctx *model.Context, pageNr int) (string, error) {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if len(content) == 0 {
		return "", nil
	}
	return pageText(content, pageFonts(ctx, pageNr)), nil
}

func looksLikePDF(data []byte) bool {
	window := data
	if len(window) > headerWindow {
		window = window[:headerWindow]
	}
	return bytes.Contains(window, []byte("%PDF-"))
}

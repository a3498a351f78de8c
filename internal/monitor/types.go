package monitor

import (
	"net/http"
	"time"
)

// MaxContexts bounds the number of context snippets kept for a match.
const MaxContexts = 10

// Source identifies which trigger produced a check.
type Source string

const (
	// SourceManual marks an on-demand check.
	SourceManual Source = "manual"
	// SourceScheduled marks a check from the time-gated polling endpoint.
	SourceScheduled Source = "scheduled"
	// SourceCron marks a check from a periodic scheduler.
	SourceCron Source = "cron"
)

// Valid reports whether s is one of the known trigger sources.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceScheduled, SourceCron:
		return true
	default:
		return false
	}
}

// CheckResult is one immutable entry in the check history.
type CheckResult struct {
	ID           string    `json:"id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	DocumentURL  string    `json:"documentUrl"`
	SearchNumber string    `json:"searchNumber"`
	Found        bool      `json:"found"`
	MatchCount   int       `json:"matchCount"`
	Error        *string   `json:"error,omitempty"`
	Success      bool      `json:"success"`
	EmailSent    bool      `json:"emailSent"`
	Contexts     []string  `json:"contexts"`
	Source       Source    `json:"source"`
	DocumentHash string    `json:"documentHash,omitempty"`
	ArchiveURI   string    `json:"archiveUri,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ErrorText returns the recorded error message or an empty string.
func (r CheckResult) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Status is the singleton automation record.
type Status struct {
	IsRunning         bool         `json:"isRunning"`
	SearchNumber      string       `json:"searchNumber"`
	CachedDocumentURL *string      `json:"cachedDocumentUrl,omitempty"`
	CachedAt          *time.Time   `json:"cachedAt,omitempty"`
	LastCheckAt       *time.Time   `json:"lastCheck,omitempty"`
	NextCheckAt       *time.Time   `json:"nextCheck,omitempty"`
	LastResult        *CheckResult `json:"lastResult,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// StatusPatch carries a partial Status update. Nil fields are left unchanged.
type StatusPatch struct {
	IsRunning         *bool
	SearchNumber      *string
	CachedDocumentURL *string
	CachedAt          *time.Time
	LastCheckAt       *time.Time
	NextCheckAt       *time.Time
	LastResult        *CheckResult
}

// Empty reports whether the patch sets no field.
func (p StatusPatch) Empty() bool {
	return p.IsRunning == nil && p.SearchNumber == nil && p.CachedDocumentURL == nil &&
		p.CachedAt == nil && p.LastCheckAt == nil && p.NextCheckAt == nil && p.LastResult == nil
}

// Apply merges the patch into s in place.
func (s *Status) Apply(p StatusPatch) {
	if p.IsRunning != nil {
		s.IsRunning = *p.IsRunning
	}
	if p.SearchNumber != nil {
		s.SearchNumber = *p.SearchNumber
	}
	if p.CachedDocumentURL != nil {
		v := *p.CachedDocumentURL
		s.CachedDocumentURL = &v
	}
	if p.CachedAt != nil {
		v := *p.CachedAt
		s.CachedAt = &v
	}
	if p.LastCheckAt != nil {
		v := *p.LastCheckAt
		s.LastCheckAt = &v
	}
	if p.NextCheckAt != nil {
		v := *p.NextCheckAt
		s.NextCheckAt = &v
	}
	if p.LastResult != nil {
		v := p.LastResult.Clone()
		s.LastResult = &v
	}
}

// Clone returns a deep copy of the result.
func (r CheckResult) Clone() CheckResult {
	cp := r
	if r.Error != nil {
		msg := *r.Error
		cp.Error = &msg
	}
	if r.Contexts != nil {
		cp.Contexts = append([]string(nil), r.Contexts...)
	}
	return cp
}

// Clone returns a deep copy of the status.
func (s Status) Clone() Status {
	cp := s
	cp.CachedDocumentURL = nil
	cp.CachedAt = nil
	cp.LastCheckAt = nil
	cp.NextCheckAt = nil
	cp.LastResult = nil
	cp.Apply(StatusPatch{
		CachedDocumentURL: s.CachedDocumentURL,
		CachedAt:          s.CachedAt,
		LastCheckAt:       s.LastCheckAt,
		NextCheckAt:       s.NextCheckAt,
		LastResult:        s.LastResult,
	})
	return cp
}

// MatchResult describes one document search. It is not persisted directly.
type MatchResult struct {
	Found        bool     `json:"found"`
	MatchCount   int      `json:"matchCount"`
	Contexts     []string `json:"contexts"`
	DocumentURL  string   `json:"pdfUrl"`
	FileSize     int      `json:"fileSize"`
	PageCount    int      `json:"totalPages"`
	DocumentHash string   `json:"documentHash,omitempty"`
	Body         []byte   `json:"-"`
}

// Resolution is the outcome of locating the document link on the source page.
type Resolution struct {
	DocumentURL string `json:"pdfUrl"`
	Href        string `json:"originalHref"`
	Headless    bool   `json:"headless,omitempty"`
}

// Document is extracted document text plus page metadata.
type Document struct {
	Text      string
	PageCount int
}

// FetchRequest describes a single outbound GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse captures what a fetcher retrieved.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// EventKind distinguishes notification payloads.
type EventKind string

const (
	// EventFound is sent when the identifier appears in the document.
	EventFound EventKind = "found"
	// EventError is sent when a check fails and error alerts are enabled.
	EventError EventKind = "error"
	// EventTest is sent by the test-email operation.
	EventTest EventKind = "test"
)

// Event is the payload handed to a Notifier.
type Event struct {
	Kind         EventKind `json:"kind"`
	SearchNumber string    `json:"searchNumber"`
	MatchCount   int       `json:"matchCount"`
	DocumentURL  string    `json:"documentUrl"`
	Contexts     []string  `json:"contexts,omitempty"`
	Error        string    `json:"error,omitempty"`
	Source       Source    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

// NotifyResult reports a delivered notification.
type NotifyResult struct {
	MessageID string `json:"messageId"`
	Recipient string `json:"recipient"`
}

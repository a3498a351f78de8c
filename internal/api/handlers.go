package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/pipeline"
)

const maxRequestBytes = 1 << 20

const (
	actionCheckNow    = "check-now"
	actionStoreResult = "store-result"
	actionSetTarget   = "set-target"
)

type automationRequest struct {
	Action       string               `json:"action"`
	Result       *monitor.CheckResult `json:"result,omitempty"`
	SearchNumber string               `json:"searchNumber,omitempty"`
}

type actionResponse struct {
	Success          bool                 `json:"success"`
	Message          string               `json:"message"`
	Result           *monitor.CheckResult `json:"result,omitempty"`
	Status           *monitor.Status      `json:"status,omitempty"`
	NextCheck        *time.Time           `json:"nextCheck,omitempty"`
	MinutesUntilNext *int                 `json:"minutesUntilNext,omitempty"`
	Error            string               `json:"error,omitempty"`
}

type resolveRequest struct {
	CustomURL string `json:"customUrl"`
}

type resolveResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PDFURL       string `json:"pdfUrl"`
	OriginalHref string `json:"originalHref,omitempty"`
	Headless     bool   `json:"headless,omitempty"`
}

type checkRequest struct {
	PDFURL       string `json:"pdfUrl"`
	SearchNumber string `json:"searchNumber"`
}

type checkResponse struct {
	Success      bool   `json:"success"`
	SearchNumber string `json:"searchNumber"`
	monitor.MatchResult
}

type documentURLRequest struct {
	PDFURL string `json:"pdfUrl"`
}

type documentURLResponse struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message,omitempty"`
	PDFURL   *string    `json:"pdfUrl"`
	CachedAt *time.Time `json:"cachedAt,omitempty"`
}

type notifyTestRequest struct {
	SearchNumber string `json:"searchNumber"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return monitor.Wrap(monitor.ErrInvalidInput, "api.decode", err)
	}
	return nil
}

func (s *Server) getAutomation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.StatusView(r.Context()))
}

func (s *Server) postAutomation(w http.ResponseWriter, r *http.Request) {
	var req automationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch req.Action {
	case actionCheckNow:
		out, err := s.deps.Pipeline.Run(r.Context(), monitor.SourceManual)
		s.writeOutcome(w, out, err, "Manual check completed")
	case actionStoreResult:
		if req.Result == nil {
			writeError(w, http.StatusBadRequest, "result is required")
			return
		}
		out, err := s.deps.Pipeline.Record(r.Context(), *req.Result)
		s.writeOutcome(w, out, err, "Result stored")
	case actionSetTarget:
		status, err := s.deps.Pipeline.SetTarget(r.Context(), req.SearchNumber)
		if err != nil {
			s.writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "Search number updated", Status: &status})
	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Use 'check-now', 'store-result', or 'set-target'")
	}
}

func (s *Server) scheduledCheck(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Pipeline.RunIfDue(r.Context(), monitor.SourceScheduled)
	s.writeOutcome(w, out, err, "Scheduled check completed")
}

func (s *Server) cronCheck(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Pipeline.RunIfDue(r.Context(), monitor.SourceCron)
	s.writeOutcome(w, out, err, "Cron check completed successfully")
}

// writeOutcome renders a run outcome. A store failure after the run still
// carries the unpersisted result.
func (s *Server) writeOutcome(w http.ResponseWriter, out pipeline.RunOutcome, err error, message string) {
	if err != nil {
		if out.Result == nil {
			s.writeActionError(w, err)
			return
		}
		s.logger.Error("run result not persisted", zap.Error(err))
		writeJSON(w, statusFor(err), actionResponse{Success: false, Message: message, Result: out.Result, Error: err.Error()})
		return
	}
	resp := actionResponse{Success: true, Message: message, Result: out.Result, NextCheck: out.NextCheck}
	if out.Skipped {
		switch out.Reason {
		case pipeline.ReasonNotDue:
			resp.Message = "Not yet time for check"
		case pipeline.ReasonInProgress:
			resp.Message = "Check already in progress"
		}
	}
	if out.NextCheck != nil {
		minutes := out.MinutesUntilNext
		resp.MinutesUntilNext = &minutes
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", monitor.KindOf(err)), zap.Error(err))
	}
	if errors.Is(err, monitor.ErrRunInProgress) {
		writeError(w, status, "Check already in progress")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) resolveDefault(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.cfg.PageURL, "Successfully extracted PDF URL from embassy page")
}

func (s *Server) resolveCustom(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.CustomURL) == "" {
		writeError(w, http.StatusBadRequest, "No URL provided")
		return
	}
	customURL := strings.TrimSpace(req.CustomURL)
	if !s.hostAllowed(customURL) {
		writeError(w, http.StatusForbidden, "URL host is not allowed")
		return
	}
	s.resolve(w, r, customURL, "Successfully extracted PDF URL")
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, pageURL, message string) {
	res, err := s.deps.Resolver.Resolve(r.Context(), pageURL)
	if err != nil {
		writeErrorDetails(w, statusFor(err), "Failed to scrape webpage", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Success:      true,
		Message:      message,
		PDFURL:       res.DocumentURL,
		OriginalHref: res.Href,
		Headless:     res.Headless,
	})
}

func (s *Server) checkDocument(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.PDFURL = strings.TrimSpace(req.PDFURL)
	req.SearchNumber = strings.TrimSpace(req.SearchNumber)
	switch {
	case req.PDFURL == "":
		writeError(w, http.StatusBadRequest, "No PDF URL provided")
		return
	case req.SearchNumber == "":
		writeError(w, http.StatusBadRequest, "No search number provided")
		return
	case !absoluteHTTP(req.PDFURL):
		writeError(w, http.StatusBadRequest, "Invalid PDF URL provided")
		return
	case !s.hostAllowed(req.PDFURL):
		writeError(w, http.StatusForbidden, "URL host is not allowed")
		return
	}

	match, err := s.deps.Matcher.Check(r.Context(), req.PDFURL, req.SearchNumber)
	if err != nil {
		writeErrorDetails(w, statusFor(err), "Failed to process PDF", err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Success: true, SearchNumber: req.SearchNumber, MatchResult: match})
}

func (s *Server) getDocumentURL(w http.ResponseWriter, r *http.Request) {
	documentURL, cachedAt, err := s.deps.Pipeline.CachedDocument(r.Context())
	if err != nil {
		writeErrorDetails(w, statusFor(err), "Failed to fetch PDF URL from database", err)
		return
	}
	resp := documentURLResponse{Success: true, CachedAt: cachedAt}
	if documentURL != "" {
		resp.PDFURL = &documentURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setDocumentURL(w http.ResponseWriter, r *http.Request) {
	var req documentURLRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.PDFURL) == "" {
		writeError(w, http.StatusBadRequest, "Please provide a valid PDF URL")
		return
	}
	status, err := s.deps.Pipeline.SetCachedDocument(r.Context(), req.PDFURL)
	if err != nil {
		if errors.Is(err, monitor.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "Invalid URL format")
			return
		}
		writeErrorDetails(w, statusFor(err), "Failed to update PDF URL in database", err)
		return
	}
	writeJSON(w, http.StatusOK, documentURLResponse{
		Success:  true,
		Message:  "PDF URL updated successfully",
		PDFURL:   status.CachedDocumentURL,
		CachedAt: status.CachedAt,
	})
}

func (s *Server) notifyInfo(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"configured": false, "recipient": ""}
	if s.deps.Mailer != nil {
		resp["configured"] = s.deps.Mailer.Configured()
		resp["recipient"] = s.deps.Mailer.Recipient()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) notifyTest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Mailer == nil || !s.deps.Mailer.Configured() {
		writeError(w, http.StatusInternalServerError, "Missing email credentials")
		return
	}
	var req notifyTestRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := strings.TrimSpace(req.SearchNumber)
	if target == "" {
		target = s.deps.Pipeline.StatusView(r.Context()).SearchNumber
	}

	res, err := s.deps.Mailer.SendTest(r.Context(), target)
	if err != nil {
		s.logger.Warn("test email failed", zap.Error(err))
		writeErrorDetails(w, http.StatusInternalServerError, "Email test failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Test email sent successfully",
		"messageId": res.MessageID,
		"recipient": res.Recipient,
	})
}

type notifyRequest struct {
	Type         string     `json:"type"`
	SearchNumber string     `json:"searchNumber"`
	PDFURL       string     `json:"pdfUrl"`
	MatchCount   int        `json:"matchCount"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Contexts     []string   `json:"contexts,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// sendNotification delivers a found or error notification for a result the
// caller obtained itself, typically from POST /api/check.
func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	req.SearchNumber = strings.TrimSpace(req.SearchNumber)
	if req.Type == "" || req.SearchNumber == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	kind := monitor.EventKind(req.Type)
	if kind != monitor.EventFound && kind != monitor.EventError {
		writeError(w, http.StatusBadRequest, "Invalid email type")
		return
	}
	if s.deps.Notifier == nil || (s.deps.Mailer != nil && !s.deps.Mailer.Configured()) {
		writeError(w, http.StatusInternalServerError, "Email service not configured")
		return
	}

	event := monitor.Event{
		Kind:         kind,
		SearchNumber: req.SearchNumber,
		MatchCount:   max(req.MatchCount, 0),
		DocumentURL:  req.PDFURL,
		Contexts:     req.Contexts,
		Error:        req.Error,
		Source:       monitor.SourceManual,
	}
	if len(event.Contexts) > monitor.MaxContexts {
		event.Contexts = event.Contexts[:monitor.MaxContexts]
	}
	if req.Timestamp != nil {
		event.Timestamp = *req.Timestamp
	}
	if kind == monitor.EventError && strings.TrimSpace(event.Error) == "" {
		event.Error = "Unknown error occurred"
	}

	res, err := s.deps.Notifier.Notify(r.Context(), event)
	if err != nil {
		s.logger.Warn("manual notification failed", zap.String("kind", req.Type), zap.Error(err))
		writeErrorDetails(w, http.StatusInternalServerError, "Failed to send email notification", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Email sent successfully to " + res.Recipient,
		"type":      req.Type,
		"messageId": res.MessageID,
	})
}

// hostAllowed reports whether raw points at a configured host or one of its
// subdomains. Unparseable URLs pass through so the resolver reports them.
func (s *Server) hostAllowed(raw string) bool {
	if len(s.cfg.AllowedHosts) == 0 {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range s.cfg.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

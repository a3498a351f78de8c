// Package pipeline runs the check: resolve the document link, search the
// document, notify, and persist the outcome.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
	"github.com/JakeFAU/pickup-monitor/internal/schedule"
)

// LeaseName is the lease every run holds.
const LeaseName = "check-run"

// Skip reasons reported by RunIfDue.
const (
	ReasonNotDue     = "not-due"
	ReasonInProgress = "in-progress"
)

const (
	defaultLeaseTTL     = 5 * time.Minute
	defaultRunTimeout   = 3 * time.Minute
	defaultHistoryLimit = 10
	persistTimeout      = 15 * time.Second
)

// Config carries the run settings.
type Config struct {
	Target        string
	PageURL       string
	ScrapeAllowed bool
	NotifyOnError bool
	Hours         []int
	Location      *time.Location
	LeaseTTL      time.Duration
	RunTimeout    time.Duration
	ArchivePrefix string
	HistoryLimit  int
}

// Deps are the collaborators of an Orchestrator. Notifier and Archive are
// optional.
type Deps struct {
	Store    monitor.Store
	Lease    monitor.Lease
	Resolver monitor.Resolver
	Matcher  monitor.Matcher
	Notifier monitor.Notifier
	Archive  monitor.BlobStore
	Clock    monitor.Clock
	IDs      monitor.IDGenerator
	Logger   *zap.Logger
}

// RunOutcome describes what a run request did.
type RunOutcome struct {
	Result           *monitor.CheckResult `json:"result,omitempty"`
	Skipped          bool                 `json:"skipped"`
	Reason           string               `json:"reason,omitempty"`
	NextCheck        *time.Time           `json:"nextCheck,omitempty"`
	MinutesUntilNext int                  `json:"minutesUntilNext"`
}

// StatusView is the dashboard projection of the monitor state.
type StatusView struct {
	IsRunning         bool                  `json:"isRunning"`
	SearchNumber      string                `json:"searchNumber"`
	LastCheck         *time.Time            `json:"lastCheck"`
	NextCheck         *time.Time            `json:"nextCheck"`
	LastResult        *monitor.CheckResult  `json:"lastResult"`
	CachedDocumentURL *string               `json:"cachedPdfUrl,omitempty"`
	CheckHistory      []monitor.CheckResult `json:"checkHistory"`
	TotalChecks       int64                 `json:"totalChecks"`
	Degraded          bool                  `json:"degraded,omitempty"`
}

// Orchestrator owns the check pipeline.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and fills config defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Lease == nil:
		return nil, errors.New("pipeline: lease is required")
	case deps.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case deps.Matcher == nil:
		return nil, errors.New("pipeline: matcher is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, errors.New("pipeline: target is required")
	}
	if cfg.PageURL == "" {
		return nil, errors.New("pipeline: page url is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Hours) == 0 {
		cfg.Hours = schedule.DefaultHours
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("pipeline")}, nil
}

// Run performs one check for source. It fails with ErrRunInProgress when
// another run holds the lease.
func (o *Orchestrator) Run(ctx context.Context, source monitor.Source) (RunOutcome, error) {
	if !source.Valid() {
		return RunOutcome{}, monitor.Errorf(monitor.ErrInvalidInput, "pipeline.Run", "unknown source %q", source)
	}
	holder, release, err := o.acquire(ctx)
	if err != nil {
		return RunOutcome{}, err
	}
	if holder == "" {
		metrics.ObserveCheck(string(source), "in_progress", 0)
		return RunOutcome{}, monitor.Wrap(monitor.ErrRunInProgress, "pipeline.Run", nil)
	}
	defer release()
	return o.execute(ctx, source)
}

// RunIfDue performs a check only when the status says one is due. The due
// check is repeated under the lease so overlapping triggers run at most once
// per slot.
func (o *Orchestrator) RunIfDue(ctx context.Context, source monitor.Source) (RunOutcome, error) {
	if !source.Valid() {
		return RunOutcome{}, monitor.Errorf(monitor.ErrInvalidInput, "pipeline.RunIfDue", "unknown source %q", source)
	}
	status, err := o.deps.Store.GetStatus(ctx)
	if err != nil {
		return RunOutcome{}, err
	}
	if outcome, due := o.dueCheck(status); !due {
		return outcome, nil
	}

	holder, release, err := o.acquire(ctx)
	if err != nil {
		return RunOutcome{}, err
	}
	if holder == "" {
		o.logger.Info("due check skipped, run in progress", zap.String("source", string(source)))
		return RunOutcome{Skipped: true, Reason: ReasonInProgress}, nil
	}
	defer release()

	status, err = o.deps.Store.GetStatus(ctx)
	if err != nil {
		return RunOutcome{}, err
	}
	if outcome, due := o.dueCheck(status); !due {
		return outcome, nil
	}
	return o.execute(ctx, source)
}

func (o *Orchestrator) dueCheck(status *monitor.Status) (RunOutcome, bool) {
	if status == nil || status.NextCheckAt == nil {
		return RunOutcome{}, true
	}
	now := o.deps.Clock.Now()
	if !now.Before(*status.NextCheckAt) {
		return RunOutcome{}, true
	}
	next := *status.NextCheckAt
	return RunOutcome{
		Skipped:          true,
		Reason:           ReasonNotDue,
		NextCheck:        &next,
		MinutesUntilNext: schedule.MinutesUntil(now, next),
	}, false
}

// acquire takes the run lease. An empty holder means the lease is busy.
func (o *Orchestrator) acquire(ctx context.Context) (string, func(), error) {
	holder, err := o.deps.IDs.NewID()
	if err != nil {
		holder = fmt.Sprintf("run-%d", o.deps.Clock.Now().UnixNano())
	}
	ok, err := o.deps.Lease.Acquire(ctx, LeaseName, holder, o.cfg.LeaseTTL)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := o.deps.Lease.Release(releaseCtx, LeaseName, holder); err != nil {
			o.logger.Warn("lease release failed", zap.Error(err))
		}
	}
	return holder, release, nil
}

// execute runs the pipeline body. The caller holds the lease.
func (o *Orchestrator) execute(parent context.Context, source monitor.Source) (RunOutcome, error) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.RunTimeout)
	defer cancel()

	start := o.deps.Clock.Now()
	logger := o.logger.With(zap.String("source", string(source)))

	status, err := o.deps.Store.GetStatus(ctx)
	if err != nil {
		logger.Warn("status read failed, continuing with defaults", zap.Error(err))
		status = nil
	}
	target := o.cfg.Target
	var cached string
	if status != nil {
		if s := strings.TrimSpace(status.SearchNumber); s != "" {
			target = s
		}
		if status.CachedDocumentURL != nil {
			cached = *status.CachedDocumentURL
		}
	}

	result := monitor.CheckResult{
		Timestamp:    start,
		SearchNumber: target,
		Source:       source,
		Contexts:     []string{},
	}
	var cachePatch monitor.StatusPatch

	documentURL, runErr := o.documentURL(ctx, cached, &cachePatch, logger)
	if runErr == nil {
		result.DocumentURL = documentURL
		var match monitor.MatchResult
		match, runErr = o.deps.Matcher.Check(ctx, documentURL, target)
		if runErr == nil {
			result.Success = true
			result.Found = match.Found
			result.MatchCount = match.MatchCount
			result.Contexts = append([]string{}, match.Contexts...)
			result.DocumentHash = match.DocumentHash
			result.ArchiveURI = o.archive(ctx, match, logger)
		}
	}

	if runErr != nil {
		msg := runErr.Error()
		result.Error = &msg
		result.Success = false
		result.Found = false
		result.MatchCount = 0
		logger.Warn("check failed", zap.String("kind", monitor.KindOf(runErr)), zap.Error(runErr))
	}

	switch {
	case result.Found:
		result.EmailSent = o.notify(ctx, monitor.Event{
			Kind:         monitor.EventFound,
			SearchNumber: target,
			MatchCount:   result.MatchCount,
			DocumentURL:  result.DocumentURL,
			Contexts:     result.Contexts,
			Source:       source,
			Timestamp:    start,
		}, logger)
	case runErr != nil && o.cfg.NotifyOnError:
		o.notify(ctx, monitor.Event{
			Kind:         monitor.EventError,
			SearchNumber: target,
			DocumentURL:  result.DocumentURL,
			Error:        result.ErrorText(),
			Source:       source,
			Timestamp:    start,
		}, logger)
	}

	result.DurationMs = o.deps.Clock.Now().Sub(start).Milliseconds()
	metrics.ObserveCheck(string(source), outcomeLabel(result), time.Duration(result.DurationMs)*time.Millisecond)

	return o.persist(ctx, result, target, cachePatch, logger)
}

// documentURL picks the cached link or resolves a fresh one. A fresh link is
// written into patch so persisting updates the cache.
func (o *Orchestrator) documentURL(ctx context.Context, cached string, patch *monitor.StatusPatch, logger *zap.Logger) (string, error) {
	if cached != "" && !o.cfg.ScrapeAllowed {
		metrics.ObserveResolution("cache", "hit")
		logger.Debug("using cached document url", zap.String("url", cached))
		return cached, nil
	}
	res, err := o.deps.Resolver.Resolve(ctx, o.cfg.PageURL)
	if err != nil {
		if cached != "" {
			metrics.ObserveResolution("cache", "fallback")
			logger.Warn("resolve failed, using cached document url", zap.String("url", cached), zap.Error(err))
			return cached, nil
		}
		return "", err
	}
	now := o.deps.Clock.Now()
	patch.CachedDocumentURL = &res.DocumentURL
	patch.CachedAt = &now
	return res.DocumentURL, nil
}

func (o *Orchestrator) archive(ctx context.Context, match monitor.MatchResult, logger *zap.Logger) string {
	if o.deps.Archive == nil || len(match.Body) == 0 || match.DocumentHash == "" {
		return ""
	}
	key := ArchivePath(o.cfg.ArchivePrefix, o.deps.Clock.Now(), match.DocumentHash)
	uri, err := o.deps.Archive.PutObject(ctx, key, "application/pdf", bytes.NewReader(match.Body))
	if err != nil {
		logger.Warn("document archive failed", zap.String("path", key), zap.Error(err))
		return ""
	}
	return uri
}

// ArchivePath builds "<prefix>/<yyyy>/<mm>/<dd>/<hash>.pdf" in UTC.
func ArchivePath(prefix string, at time.Time, hash string) string {
	at = at.UTC()
	return path.Join(strings.Trim(prefix, "/"), at.Format("2006"), at.Format("01"), at.Format("02"), hash+".pdf")
}

// notify reports whether the notifier delivered the event. Failures are
// logged and never escalate.
func (o *Orchestrator) notify(ctx context.Context, event monitor.Event, logger *zap.Logger) bool {
	if o.deps.Notifier == nil {
		return false
	}
	res, err := o.deps.Notifier.Notify(ctx, event)
	if err != nil {
		logger.Warn("notification failed",
			zap.String("kind", string(event.Kind)),
			zap.String("error_kind", monitor.KindOf(err)),
			zap.Error(err),
		)
		return false
	}
	logger.Info("notification delivered", zap.String("kind", string(event.Kind)), zap.String("message_id", res.MessageID))
	return true
}

// persist writes the result and the status update. It runs on a context
// detached from the run deadline so a slow run still gets recorded.
func (o *Orchestrator) persist(
	ctx context.Context,
	result monitor.CheckResult,
	target string,
	patch monitor.StatusPatch,
	logger *zap.Logger,
) (RunOutcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	now := o.deps.Clock.Now()
	next := schedule.NextSlot(now, o.cfg.Hours, o.cfg.Location)
	outcome := RunOutcome{
		Result:           &result,
		NextCheck:        &next,
		MinutesUntilNext: schedule.MinutesUntil(now, next),
	}

	stored, err := o.deps.Store.AddResult(ctx, result)
	if err != nil {
		logger.Error("persist result failed", zap.Error(err))
		return outcome, err
	}
	outcome.Result = &stored

	running := true
	patch.IsRunning = &running
	patch.SearchNumber = &target
	patch.LastCheckAt = &now
	patch.NextCheckAt = &next
	patch.LastResult = &stored
	if _, err := o.deps.Store.UpsertStatus(ctx, patch); err != nil {
		logger.Error("persist status failed", zap.Error(err))
		return outcome, err
	}

	if stored.Success {
		metrics.SetDocumentMatches(stored.MatchCount)
	}
	logger.Info("check recorded",
		zap.String("id", stored.ID),
		zap.Bool("found", stored.Found),
		zap.Int("matches", stored.MatchCount),
		zap.Bool("email_sent", stored.EmailSent),
		zap.Time("next_check", next),
	)
	return outcome, nil
}

func outcomeLabel(r monitor.CheckResult) string {
	switch {
	case !r.Success:
		return "error"
	case r.Found:
		return "found"
	default:
		return "not_found"
	}
}

// Record persists a result produced outside the pipeline.
func (o *Orchestrator) Record(ctx context.Context, result monitor.CheckResult) (RunOutcome, error) {
	const op = "pipeline.Record"
	if result.Source == "" {
		result.Source = monitor.SourceManual
	}
	if !result.Source.Valid() {
		return RunOutcome{}, monitor.Errorf(monitor.ErrInvalidInput, op, "unknown source %q", result.Source)
	}
	target := strings.TrimSpace(result.SearchNumber)
	if target == "" {
		target = o.cfg.Target
	}
	result.SearchNumber = target
	if result.Timestamp.IsZero() {
		result.Timestamp = o.deps.Clock.Now()
	}
	if result.Contexts == nil {
		result.Contexts = []string{}
	}
	if len(result.Contexts) > monitor.MaxContexts {
		result.Contexts = result.Contexts[:monitor.MaxContexts]
	}
	normalizeResult(&result)
	return o.persist(ctx, result, target, monitor.StatusPatch{}, o.logger.With(zap.String("source", string(result.Source))))
}

// normalizeResult derives the outcome flags from the recorded facts: a result
// succeeded iff it carries no error, it found the target iff it succeeded with
// at least one match, and mail can only have gone out for a find.
func normalizeResult(r *monitor.CheckResult) {
	if r.Error != nil && strings.TrimSpace(*r.Error) == "" {
		r.Error = nil
	}
	r.MatchCount = max(r.MatchCount, 0)
	r.Success = r.Error == nil
	r.Found = r.Success && r.MatchCount > 0
	r.EmailSent = r.EmailSent && r.Found
}

// SetTarget changes the monitored identifier.
func (o *Orchestrator) SetTarget(ctx context.Context, searchNumber string) (monitor.Status, error) {
	searchNumber = strings.TrimSpace(searchNumber)
	if searchNumber == "" {
		return monitor.Status{}, monitor.Errorf(monitor.ErrInvalidInput, "pipeline.SetTarget", "searchNumber is required")
	}
	status, err := o.deps.Store.UpsertStatus(ctx, monitor.StatusPatch{SearchNumber: &searchNumber})
	if err != nil {
		return monitor.Status{}, err
	}
	o.logger.Info("target updated", zap.String("search_number", searchNumber))
	return status, nil
}

// CachedDocument returns the cached document URL and when it was cached.
func (o *Orchestrator) CachedDocument(ctx context.Context) (string, *time.Time, error) {
	status, err := o.deps.Store.GetStatus(ctx)
	if err != nil {
		return "", nil, err
	}
	if status == nil || status.CachedDocumentURL == nil {
		return "", nil, nil
	}
	return *status.CachedDocumentURL, status.CachedAt, nil
}

// SetCachedDocument overrides the cached document URL.
func (o *Orchestrator) SetCachedDocument(ctx context.Context, rawURL string) (monitor.Status, error) {
	const op = "pipeline.SetCachedDocument"
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return monitor.Status{}, monitor.Errorf(monitor.ErrInvalidInput, op, "pdfUrl must be an absolute http(s) URL")
	}
	documentURL := u.String()
	now := o.deps.Clock.Now()
	status, err := o.deps.Store.UpsertStatus(ctx, monitor.StatusPatch{CachedDocumentURL: &documentURL, CachedAt: &now})
	if err != nil {
		return monitor.Status{}, err
	}
	o.logger.Info("cached document url set", zap.String("url", documentURL))
	return status, nil
}

// StatusView assembles the dashboard view. Store failures degrade to a
// fallback built from configuration.
func (o *Orchestrator) StatusView(ctx context.Context) StatusView {
	view, err := o.statusView(ctx)
	if err != nil {
		o.logger.Warn("status view degraded", zap.Error(err))
		return o.fallbackView(true)
	}
	return view
}

func (o *Orchestrator) statusView(ctx context.Context) (StatusView, error) {
	status, err := o.deps.Store.GetStatus(ctx)
	if err != nil {
		return StatusView{}, err
	}
	history, err := o.deps.Store.GetRecent(ctx, o.cfg.HistoryLimit)
	if err != nil {
		return StatusView{}, err
	}
	total, err := o.deps.Store.Count(ctx)
	if err != nil {
		return StatusView{}, err
	}

	view := o.fallbackView(false)
	if history != nil {
		view.CheckHistory = history
	}
	view.TotalChecks = total
	if status == nil {
		return view, nil
	}
	if s := strings.TrimSpace(status.SearchNumber); s != "" {
		view.SearchNumber = s
	}
	view.LastCheck = status.LastCheckAt
	if status.NextCheckAt != nil {
		view.NextCheck = status.NextCheckAt
	}
	view.LastResult = status.LastResult
	view.CachedDocumentURL = status.CachedDocumentURL
	return view, nil
}

func (o *Orchestrator) fallbackView(degraded bool) StatusView {
	next := schedule.NextSlot(o.deps.Clock.Now(), o.cfg.Hours, o.cfg.Location)
	return StatusView{
		IsRunning:    true,
		SearchNumber: o.cfg.Target,
		NextCheck:    &next,
		CheckHistory: []monitor.CheckResult{},
		Degraded:     degraded,
	}
}

// Target returns the configured default identifier.
func (o *Orchestrator) Target() string {
	return o.cfg.Target
}

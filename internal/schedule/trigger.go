package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultPollSpec polls every ten minutes; the due check decides whether a
// poll actually runs a check.
const DefaultPollSpec = "*/10 * * * *"

// Job is invoked on every tick.
type Job func(ctx context.Context) error

// Trigger runs a Job on a cron schedule. Ticks that arrive while the previous
// run is still going are skipped.
type Trigger struct {
	cron    *cron.Cron
	spec    string
	job     Job
	timeout time.Duration
	logger  *zap.Logger
}

// NewTrigger parses spec (standard five-field cron or a descriptor such as
// "@every 5m") and prepares a Trigger. Each run gets a context bounded by
// timeout when timeout is positive.
func NewTrigger(spec string, loc *time.Location, timeout time.Duration, job Job, logger *zap.Logger) (*Trigger, error) {
	if job == nil {
		return nil, fmt.Errorf("schedule: job is required")
	}
	if spec == "" {
		spec = DefaultPollSpec
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger}
	t := &Trigger{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		spec:    spec,
		job:     job,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := t.cron.AddFunc(spec, t.Fire); err != nil {
		return nil, fmt.Errorf("schedule: invalid poll spec %q: %w", spec, err)
	}
	return t, nil
}

// Start begins ticking in the background.
func (t *Trigger) Start() {
	t.cron.Start()
	t.logger.Info("poll trigger started", zap.String("spec", t.spec))
}

// Stop halts ticking and waits for an in-flight run or ctx, whichever ends first.
func (t *Trigger) Stop(ctx context.Context) {
	done := t.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		t.logger.Warn("poll trigger stop timed out")
	}
	t.logger.Info("poll trigger stopped")
}

// Fire runs the job once.
func (t *Trigger) Fire() {
	ctx := context.Background()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.job(ctx); err != nil {
		t.logger.Warn("scheduled poll failed", zap.Error(err))
	}
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

package reverie

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// AutoSummaryConfig is the runtime-adjustable trigger configuration.
type AutoSummaryConfig struct {
	// Threshold is the history length at which a background narrative
	// is generated
	Threshold int `json:"threshold"`

	// Cooldown is the minimum interval between background narratives
	// for one user
	Cooldown time.Duration `json:"cooldown"`
}

type autoSummaryJob struct {
	userID      string
	characterID string
}

// AutoSummarizer decides, after each history append, whether to
// generate a narrative in the background: when a user's history
// reaches the threshold and the per-user cooldown has elapsed, a job
// is queued for the worker goroutine started by Watch.
//
// The trigger is deliberately best-effort. The cooldown timestamp is
// recorded before the job runs, so concurrent appends can't queue
// duplicates, and a job dropped on a full queue is only a missed
// summary, not a correctness problem. Errors are logged, never
// propagated to the append path.
type AutoSummarizer struct {
	generator *ResponseGenerator
	logger    *slog.Logger
	jobs      chan autoSummaryJob

	mu      sync.Mutex
	config  AutoSummaryConfig
	lastRun map[string]time.Time

	// jobTimeout bounds a single background summarization
	jobTimeout time.Duration

	// now is swappable for tests
	now func() time.Time
}

func newAutoSummarizer(
	generator *ResponseGenerator,
	config *ChatConfig,
	logger *slog.Logger,
) *AutoSummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSummarizer{
		generator: generator,
		logger:    logger.With(loggerNameKey, "auto_summary"),
		jobs:      make(chan autoSummaryJob, DefaultAutoSummaryJobQueueSize),
		config: AutoSummaryConfig{
			Threshold: config.AutoSummaryThreshold,
			Cooldown:  config.AutoSummaryCooldown,
		},
		lastRun:    map[string]time.Time{},
		jobTimeout: DefaultAutoSummaryTimeout,
		now:        time.Now,
	}
}

// Configure updates the trigger configuration. Nil arguments leave
// the corresponding value unchanged, so Configure(nil, nil) reads the
// current configuration without mutating it.
func (a *AutoSummarizer) Configure(
	threshold *int,
	cooldown *time.Duration,
) AutoSummaryConfig {
	a.mu.Lock()
	defer a.mu.Unlock()

	if threshold != nil && *threshold > 0 {
		a.config.Threshold = *threshold
	}
	if cooldown != nil && *cooldown > 0 {
		a.config.Cooldown = *cooldown
	}
	return a.config
}

// Notify re-evaluates the trigger for a user after an append. Returns
// true when a summarization job was queued. Never blocks.
func (a *AutoSummarizer) Notify(
	userID string,
	characterID string,
	historyLen int,
) bool {
	a.mu.Lock()
	threshold := a.config.Threshold
	cooldown := a.config.Cooldown
	lastRun := a.lastRun[userID]
	now := a.now()

	if historyLen < threshold || now.Sub(lastRun) <= cooldown {
		a.mu.Unlock()
		return false
	}
	// record the timestamp before the job resolves, so overlapping
	// appends can't double-trigger
	a.lastRun[userID] = now
	a.mu.Unlock()

	select {
	case a.jobs <- autoSummaryJob{userID: userID, characterID: characterID}:
		return true
	default:
		a.logger.Warn(
			"summary job queue full, dropping trigger",
			"user_id", userID,
		)
		return false
	}
}

// Forget drops the per-user cooldown timestamp, as part of a history
// clear.
func (a *AutoSummarizer) Forget(userID string) {
	a.mu.Lock()
	delete(a.lastRun, userID)
	a.mu.Unlock()
}

// Watch runs queued summarization jobs until ctx is canceled.
func (a *AutoSummarizer) Watch(ctx context.Context) {
	a.logger.Info("auto-summary worker started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("auto-summary worker stopped")
			return
		case job := <-a.jobs:
			a.runJob(ctx, job)
		}
	}
}

func (a *AutoSummarizer) runJob(ctx context.Context, job autoSummaryJob) {
	jobCtx, cancel := context.WithTimeout(ctx, a.jobTimeout)
	defer cancel()

	narrative, err := a.generator.Summarize(
		jobCtx,
		job.userID,
		job.characterID,
		true,
	)
	switch {
	case err != nil:
		a.logger.Error(
			"error generating automatic narrative",
			"user_id", job.userID,
			tint.Err(err),
		)
	case narrative == "":
		a.logger.Debug(
			"not enough history to summarize",
			"user_id", job.userID,
		)
	default:
		a.logger.Info(
			"automatic narrative generated",
			"user_id", job.userID,
			"length", len(narrative),
		)
	}
}

// drain synchronously runs at most one queued job. Used by tests to
// make the fire-and-forget path deterministic.
func (a *AutoSummarizer) drain(ctx context.Context) bool {
	select {
	case job := <-a.jobs:
		a.runJob(ctx, job)
		return true
	default:
		return false
	}
}

// Package trust keeps submitter trust scores in line with how their reports
// fare. Updates run asynchronously and each triggering event applies once.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/report-verification/internal/config"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/worker"
)

// Recorder is notified after a report change commits.
type Recorder interface {
	// RecordOutcome adjusts the submitter for the report's current overall status.
	RecordOutcome(ctx context.Context, r *models.Report)
	// RecordVotes adjusts the submitter when the net vote tally crosses a threshold.
	RecordVotes(ctx context.Context, r *models.Report)
}

const defaultSubmitTimeout = 250 * time.Millisecond

type Updater struct {
	repo          repository.TrustRepository
	cfg           config.TrustConfig
	clock         clockwork.Clock
	metrics       *observability.Metrics
	pool          *worker.WorkerPool
	submitTimeout time.Duration
}

func NewUpdater(repo repository.TrustRepository, cfg config.TrustConfig, workers config.WorkerConfig, clock clockwork.Clock, metrics *observability.Metrics) *Updater {
	u := &Updater{
		repo:          repo,
		cfg:           cfg,
		clock:         clock,
		metrics:       metrics,
		submitTimeout: workers.SubmitTimeout,
	}
	if u.submitTimeout <= 0 {
		u.submitTimeout = defaultSubmitTimeout
	}
	u.pool = worker.NewWorkerPool("trust", workers.Count, workers.BufferSize, u.process)
	return u
}

func (u *Updater) Start(ctx context.Context) {
	u.pool.Start(ctx)
}

// Stop drains queued adjustments.
func (u *Updater) Stop() {
	u.pool.Stop()
	slog.Info("trust updater stopped")
}

func (u *Updater) bounds() repository.TrustBounds {
	return repository.TrustBounds{Min: u.cfg.Min, Max: u.cfg.Max, Initial: u.cfg.Initial}
}

func (u *Updater) RecordOutcome(ctx context.Context, r *models.Report) {
	var delta int
	switch r.Verification.OverallStatus {
	case models.StatusVerified:
		delta = u.cfg.VerifiedDelta
	case models.StatusNotMatched:
		delta = u.cfg.NotMatchedDelta
	case models.StatusRejected:
		delta = u.cfg.RejectedDelta
	default:
		return
	}

	u.submit(ctx, models.TrustEvent{
		UserID: r.SubmitterID,
		Key:    fmt.Sprintf("report:%s:%s", r.ID, r.Verification.OverallStatus),
		Delta:  delta,
		Reason: string(r.Verification.OverallStatus),
	})
}

func (u *Updater) RecordVotes(ctx context.Context, r *models.Report) {
	if u.cfg.VoteThreshold <= 0 {
		return
	}

	net := r.Votes.Net()
	switch {
	case net >= u.cfg.VoteThreshold:
		u.submit(ctx, models.TrustEvent{
			UserID: r.SubmitterID,
			Key:    fmt.Sprintf("report:%s:net-up-%d", r.ID, u.cfg.VoteThreshold),
			Delta:  u.cfg.VoteDelta,
			Reason: "community-upvoted",
		})
	case net <= -u.cfg.VoteThreshold:
		u.submit(ctx, models.TrustEvent{
			UserID: r.SubmitterID,
			Key:    fmt.Sprintf("report:%s:net-down-%d", r.ID, u.cfg.VoteThreshold),
			Delta:  -u.cfg.VoteDelta,
			Reason: "community-downvoted",
		})
	}
}

// submit queues e without tying it to the caller's cancellation, but gives
// up after submitTimeout so a backed up queue never stalls the request.
func (u *Updater) submit(ctx context.Context, e models.TrustEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.submitTimeout)
	defer cancel()

	if err := u.pool.Submit(ctx, e); err != nil {
		slog.Error("trust adjustment dropped", "user_id", e.UserID, "key", e.Key, "error", err)
	}
}

func (u *Updater) process(ctx context.Context, job worker.Job) error {
	e := job.(models.TrustEvent)

	score, applied, err := u.repo.ApplyTrustEvent(ctx, e, u.bounds(), u.clock.Now())
	if err != nil {
		return fmt.Errorf("error applying trust event %s: %w", e.Key, err)
	}
	if !applied {
		slog.Debug("trust event already applied", "user_id", e.UserID, "key", e.Key)
		return nil
	}

	if u.metrics != nil {
		u.metrics.TrustAdjustments.WithLabelValues(e.Reason).Inc()
	}
	slog.Info("trust score adjusted", "user_id", e.UserID, "key", e.Key, "delta", e.Delta, "score", score)
	return nil
}

// Score returns the user's current score, or the initial score if the user
// has no history.
func (u *Updater) Score(ctx context.Context, userID string) (*models.TrustScore, error) {
	return u.repo.GetTrustScore(ctx, userID, u.cfg.Initial)
}

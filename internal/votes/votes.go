// Package votes records community votes on reports.
package votes

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/trust"
	"github.com/mr1hm/report-verification/internal/verification"
)

type Ledger struct {
	store     repository.Store
	trust     trust.Recorder
	publisher events.Publisher
	clock     clockwork.Clock
	metrics   *observability.Metrics
}

func NewLedger(store repository.Store, tr trust.Recorder, publisher events.Publisher, clock clockwork.Clock, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		store:     store,
		trust:     tr,
		publisher: publisher,
		clock:     clock,
		metrics:   metrics,
	}
}

// CastVote records userID's vote and recombines the report's verification
// before returning. A user votes at most once per report; a second vote in
// either direction is a conflict and leaves the tally unchanged.
func (l *Ledger) CastVote(ctx context.Context, reportID, userID string, direction models.VoteDirection) (*models.Report, error) {
	if !direction.Valid() {
		return nil, apperr.Validation("direction must be %q or %q", models.VoteUp, models.VoteDown)
	}
	if userID == "" {
		return nil, apperr.Unauthorized("caller has no user id")
	}

	var (
		updated       *models.Report
		statusChanged bool
	)
	err := l.store.InTx(ctx, func(tx repository.Store) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.SubmitterID == userID {
			return apperr.Validation("submitters cannot vote on their own report")
		}

		now := l.clock.Now()
		if err := tx.AddVote(ctx, models.Vote{ReportID: reportID, UserID: userID, Direction: direction, CreatedAt: now}); err != nil {
			return err
		}

		before := r.Verification.OverallStatus
		r.Votes.Apply(userID, direction)
		verification.Recompute(r, now)
		r.UpdatedAt = now
		statusChanged = r.Verification.OverallStatus != before

		if err := tx.SaveReport(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		l.observe(direction, err)
		return nil, err
	}
	l.observe(direction, nil)

	slog.Info("vote recorded",
		"report_id", reportID,
		"user_id", userID,
		"direction", direction,
		"upvotes", updated.Votes.Upvotes,
		"downvotes", updated.Votes.Downvotes,
		"status", updated.Verification.OverallStatus,
	)

	l.trust.RecordVotes(ctx, updated)
	if statusChanged {
		l.trust.RecordOutcome(ctx, updated)
	}
	if err := l.publisher.Publish(ctx, events.NewEvent(events.TypeReportVoted, updated, l.clock.Now())); err != nil {
		slog.Warn("report event not delivered", "report_id", reportID, "error", err)
	}

	return updated, nil
}

func (l *Ledger) observe(direction models.VoteDirection, err error) {
	if l.metrics == nil {
		return
	}
	outcome := "accepted"
	switch {
	case errors.Is(err, apperr.ErrConflict):
		outcome = "conflict"
	case err != nil:
		outcome = "rejected"
	}
	l.metrics.Votes.WithLabelValues(string(direction), outcome).Inc()
}

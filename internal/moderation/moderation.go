// Package moderation implements moderator overrides, municipal responses and
// lifecycle transitions.
package moderation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
	"github.com/mr1hm/report-verification/internal/trust"
	"github.com/mr1hm/report-verification/internal/verification"
)

const maxReasonLength = 1000

type Service struct {
	store     repository.Store
	trust     trust.Recorder
	publisher events.Publisher
	clock     clockwork.Clock
	metrics   *observability.Metrics
}

func NewService(store repository.Store, tr trust.Recorder, publisher events.Publisher, clock clockwork.Clock, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		trust:     tr,
		publisher: publisher,
		clock:     clock,
		metrics:   metrics,
	}
}

// Moderate records a moderator decision. verify and reject set the overall
// status and lock the record against automated recomputation. reject also
// closes the report. needs_manual_review escalates once; repeating it only
// adds an audit entry.
func (s *Service) Moderate(ctx context.Context, caller models.Caller, reportID string, action models.ModerationActionType, reason string) (*models.Report, error) {
	if !caller.CanModerate() {
		return nil, apperr.Forbidden("moderator, admin or municipal role required")
	}
	if !action.Valid() {
		return nil, apperr.Validation("action must be one of verify, reject, needs_manual_review")
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, apperr.Validation("reason must be at most %d characters", maxReasonLength)
	}

	var (
		updated *models.Report
		changed bool
	)
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.AddAction(ctx, &models.ModerationAction{
			ID:          uuid.NewString(),
			ReportID:    reportID,
			ModeratorID: caller.UserID,
			Action:      action,
			Reason:      reason,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		changed = applyAction(r, action)
		updated = r
		if !changed {
			return nil
		}
		r.UpdatedAt = now
		return tx.SaveReport(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ModerationActions.WithLabelValues(string(action)).Inc()
	}
	slog.Info("moderation action recorded",
		"report_id", reportID,
		"moderator_id", caller.UserID,
		"action", action,
		"changed", changed,
	)

	if changed {
		s.trust.RecordOutcome(ctx, updated)
		s.publish(ctx, events.TypeReportModerated, updated)
	}
	return updated, nil
}

// applyAction mutates r for action and reports whether anything changed.
func applyAction(r *models.Report, action models.ModerationActionType) bool {
	v := &r.Verification
	switch action {
	case models.ActionVerify:
		changed := v.OverallStatus != models.StatusVerified || !v.Locked || v.Confidence != 1
		v.OverallStatus = models.StatusVerified
		v.Confidence = 1
		v.Locked = true
		return changed
	case models.ActionReject:
		changed := v.OverallStatus != models.StatusRejected || !v.Locked || v.Confidence != 0 || r.Lifecycle != models.LifecycleClosed
		v.OverallStatus = models.StatusRejected
		v.Confidence = 0
		v.Locked = true
		r.Lifecycle = models.LifecycleClosed
		return changed
	case models.ActionNeedsManualReview:
		if v.OverallStatus == models.StatusManualReview && v.Locked {
			return false
		}
		v.OverallStatus = models.StatusManualReview
		v.Locked = true
		return true
	}
	return false
}

// ClearOverride unlocks a moderated record and recombines it from its
// current channels and votes.
func (s *Service) ClearOverride(ctx context.Context, caller models.Caller, reportID, reason string) (*models.Report, error) {
	if !caller.HasAny(models.RoleAdmin) {
		return nil, apperr.Forbidden("admin role required")
	}

	var updated *models.Report
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !r.Verification.Locked {
			return apperr.Conflict("report %s has no moderator override", reportID)
		}

		now := s.clock.Now()
		if err := tx.AddAction(ctx, &models.ModerationAction{
			ID:          uuid.NewString(),
			ReportID:    reportID,
			ModeratorID: caller.UserID,
			Action:      models.ActionClearOverride,
			Reason:      strings.TrimSpace(reason),
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		r.Verification.Locked = false
		verification.Recompute(r, now)
		r.UpdatedAt = now
		updated = r
		return tx.SaveReport(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ModerationActions.WithLabelValues(string(models.ActionClearOverride)).Inc()
	}
	slog.Info("moderator override cleared", "report_id", reportID, "admin_id", caller.UserID, "status", updated.Verification.OverallStatus)

	s.trust.RecordOutcome(ctx, updated)
	s.publish(ctx, events.TypeReportModerated, updated)
	return updated, nil
}

type ResponseInput struct {
	Message          string
	ActionTaken      string
	EstimatedFixTime *time.Time
	Contact          string
}

// Respond attaches the municipality's response to a water issue. Only the
// first response is kept; the lifecycle moves to at least acknowledged.
func (s *Service) Respond(ctx context.Context, caller models.Caller, reportID string, in ResponseInput) (*models.Report, error) {
	if !caller.CanRespond() {
		return nil, apperr.Forbidden("municipal or admin role required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, apperr.Validation("message is required")
	}

	var updated *models.Report
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.Kind != models.ReportKindWaterIssue {
			return apperr.Validation("municipal responses apply to water issues only")
		}
		if r.MunicipalResponse != nil {
			return apperr.Conflict("report %s already has a municipal response", reportID)
		}

		now := s.clock.Now()
		r.MunicipalResponse = &models.MunicipalResponse{
			ResponderID:      caller.UserID,
			Message:          strings.TrimSpace(in.Message),
			ActionTaken:      strings.TrimSpace(in.ActionTaken),
			EstimatedFixTime: in.EstimatedFixTime,
			Contact:          strings.TrimSpace(in.Contact),
			RespondedAt:      now,
		}
		r.Lifecycle = r.Lifecycle.AtLeast(models.LifecycleAcknowledged)
		r.UpdatedAt = now
		updated = r
		return tx.SaveReport(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("municipal response recorded", "report_id", reportID, "responder_id", caller.UserID, "lifecycle", updated.Lifecycle)
	s.publish(ctx, events.TypeReportResponded, updated)
	return updated, nil
}

// AdvanceLifecycle moves a report forward along its kind's lifecycle.
func (s *Service) AdvanceLifecycle(ctx context.Context, caller models.Caller, reportID string, next models.LifecycleStatus) (*models.Report, error) {
	if !caller.CanModerate() {
		return nil, apperr.Forbidden("moderator, admin or municipal role required")
	}
	if !next.Valid() {
		return nil, apperr.Validation("unknown lifecycle status %q", next)
	}

	var updated *models.Report
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !next.ValidFor(r.Kind) {
			return apperr.Validation("status %q does not apply to %s reports", next, r.Kind)
		}
		if !r.Lifecycle.CanAdvanceTo(next) {
			return apperr.Conflict("cannot move report %s from %s to %s", reportID, r.Lifecycle, next)
		}

		r.Lifecycle = next
		r.UpdatedAt = s.clock.Now()
		updated = r
		return tx.SaveReport(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("lifecycle advanced", "report_id", reportID, "user_id", caller.UserID, "lifecycle", next)
	s.publish(ctx, events.TypeLifecycleAdvanced, updated)
	return updated, nil
}

// History returns the report's moderation audit trail, oldest first.
func (s *Service) History(ctx context.Context, caller models.Caller, reportID string) ([]models.ModerationAction, error) {
	if !caller.CanModerate() {
		return nil, apperr.Forbidden("moderator, admin or municipal role required")
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	actions, err := s.store.ListActions(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []models.ModerationAction{}
	}
	return actions, nil
}

func (s *Service) publish(ctx context.Context, t events.Type, r *models.Report) {
	if err := s.publisher.Publish(ctx, events.NewEvent(t, r, s.clock.Now())); err != nil {
		slog.Warn("report event not delivered", "report_id", r.ID, "type", t, "error", err)
	}
}

// Package events publishes report state changes to live subscribers and
// downstream consumers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
)

type Type string

const (
	TypeReportCreated     Type = "report.created"
	TypeReportEvaluated   Type = "report.evaluated"
	TypeReportVoted       Type = "report.voted"
	TypeReportModerated   Type = "report.moderated"
	TypeReportResponded   Type = "report.responded"
	TypeLifecycleAdvanced Type = "report.lifecycle_advanced"
	TypeReportDeleted     Type = "report.deleted"
)

// Event is a snapshot of a report right after a committed change.
type Event struct {
	Type          Type                      `json:"type"`
	ReportID      string                    `json:"report_id"`
	Kind          models.ReportKind         `json:"kind"`
	OverallStatus models.VerificationStatus `json:"overall_status"`
	Confidence    float64                   `json:"confidence"`
	Locked        bool                      `json:"locked"`
	Lifecycle     models.LifecycleStatus    `json:"lifecycle_status"`
	Upvotes       int                       `json:"upvotes"`
	Downvotes     int                       `json:"downvotes"`
	Version       int64                     `json:"version"`
	OccurredAt    time.Time                 `json:"occurred_at"`
}

func NewEvent(t Type, r *models.Report, at time.Time) Event {
	return Event{
		Type:          t,
		ReportID:      r.ID,
		Kind:          r.Kind,
		OverallStatus: r.Verification.OverallStatus,
		Confidence:    r.Verification.Confidence,
		Locked:        r.Verification.Locked,
		Lifecycle:     r.Lifecycle,
		Upvotes:       r.Votes.Upvotes,
		Downvotes:     r.Votes.Downvotes,
		Version:       r.Version,
		OccurredAt:    at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher. A failing publisher does not
// stop the others.
type Multi struct {
	publishers map[string]Publisher
	metrics    *observability.Metrics
}

func NewMulti(metrics *observability.Metrics) *Multi {
	return &Multi{
		publishers: make(map[string]Publisher),
		metrics:    metrics,
	}
}

// Add registers p under name, which labels its metrics and logs.
func (m *Multi) Add(name string, p Publisher) {
	m.publishers[name] = p
}

func (m *Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for name, p := range m.publishers {
		outcome := "ok"
		if err := p.Publish(ctx, e); err != nil {
			outcome = "error"
			slog.Warn("event publish failed", "sink", name, "report_id", e.ReportID, "type", e.Type, "error", err)
			errs = append(errs, err)
		}
		if m.metrics != nil {
			m.metrics.EventsPublished.WithLabelValues(name, outcome).Inc()
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

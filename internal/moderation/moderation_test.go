package moderation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mr1hm/report-verification/internal/apperr"
	"github.com/mr1hm/report-verification/internal/events"
	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
	"github.com/mr1hm/report-verification/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	moderator = models.Caller{UserID: "mod_1", Roles: []models.Role{models.RoleModerator}}
	municipal = models.Caller{UserID: "city_1", Roles: []models.Role{models.RoleMunicipal}}
	admin     = models.Caller{UserID: "admin_1", Roles: []models.Role{models.RoleAdmin}}
	citizen   = models.Caller{UserID: "citizen_1", Roles: []models.Role{models.RoleCitizen}}
)

type recordingTrust struct {
	mu       sync.Mutex
	outcomes []models.VerificationStatus
}

func (r *recordingTrust) RecordOutcome(_ context.Context, rep *models.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, rep.Verification.OverallStatus)
}

func (r *recordingTrust) RecordVotes(context.Context, *models.Report) {}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	svc   *Service
	db    *repository.SQLiteDB
	trust *recordingTrust
	pub   *recordingPublisher
	clock *clockwork.FakeClock
}

func setup(t *testing.T) *fixture {
	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	flood := models.NewReport("flood_1", models.ReportKindFlood, "submitter_1", models.Location{District: "Pune"}, "knee deep water", models.SeverityHigh, nil, now)
	require.NoError(t, db.CreateReport(ctx, flood))
	issue := models.NewReport("issue_1", models.ReportKindWaterIssue, "submitter_2", models.Location{District: "Pune"}, "burst main", models.SeverityMedium, nil, now)
	require.NoError(t, db.CreateReport(ctx, issue))

	f := &fixture{
		db:    db,
		trust: &recordingTrust{},
		pub:   &recordingPublisher{},
		clock: clockwork.NewFakeClockAt(now.Add(time.Hour)),
	}
	f.svc = NewService(db, f.trust, f.pub, f.clock, observability.NewMetricsForTesting())
	return f
}

func TestModerate_Verify(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, err := f.svc.Moderate(ctx, moderator, "flood_1", models.ActionVerify, "confirmed by field team")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, r.Verification.OverallStatus)
	assert.Equal(t, 1.0, r.Verification.Confidence)
	assert.True(t, r.Verification.Locked)

	got, err := f.db.GetReport(ctx, "flood_1")
	require.NoError(t, err)
	assert.True(t, got.Verification.Locked)
	assert.Equal(t, []models.VerificationStatus{models.StatusVerified}, f.trust.outcomes)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.TypeReportModerated, f.pub.events[0].Type)
}

func TestModerate_RejectClosesReport(t *testing.T) {
	f := setup(t)

	r, err := f.svc.Moderate(context.Background(), admin, "issue_1", models.ActionReject, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, r.Verification.OverallStatus)
	assert.Equal(t, 0.0, r.Verification.Confidence)
	assert.Equal(t, models.LifecycleClosed, r.Lifecycle)
	assert.True(t, r.Verification.Locked)
}

func TestModerate_ManualReviewIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Moderate(ctx, moderator, "flood_1", models.ActionNeedsManualReview, "conflicting photos")
	require.NoError(t, err)
	second, err := f.svc.Moderate(ctx, moderator, "flood_1", models.ActionNeedsManualReview, "still unclear")
	require.NoError(t, err)

	assert.Equal(t, models.StatusManualReview, second.Verification.OverallStatus)
	assert.True(t, second.Verification.Locked)
	assert.Equal(t, first.Version, second.Version, "second escalation must not rewrite the record")
	assert.Len(t, f.trust.outcomes, 1)
	assert.Len(t, f.pub.events, 1)

	history, err := f.svc.History(ctx, moderator, "flood_1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "every action is audited")
}

func TestModerate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Moderate(ctx, citizen, "flood_1", models.ActionVerify, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Moderate(ctx, moderator, "flood_1", "approve", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Moderate(ctx, moderator, "flood_1", models.ActionClearOverride, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Moderate(ctx, moderator, "missing", models.ActionVerify, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	actions, err := f.db.ListActions(ctx, "flood_1")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestClearOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, _ := f.db.GetReport(ctx, "flood_1")
	r.Verification.Weather.Status = models.ChannelVerified
	r.Verification.News.Status = models.ChannelVerified
	r.Verification.Social.Status = models.ChannelNotAvailable
	require.NoError(t, f.db.SaveReport(ctx, r))

	_, err := f.svc.Moderate(ctx, moderator, "flood_1", models.ActionReject, "looks staged")
	require.NoError(t, err)

	_, err = f.svc.ClearOverride(ctx, moderator, "flood_1", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.ClearOverride(ctx, admin, "flood_1", "reject was a mistake")
	require.NoError(t, err)
	assert.False(t, got.Verification.Locked)
	assert.Equal(t, models.StatusVerified, got.Verification.OverallStatus, "recombined from channels")
	assert.Equal(t, models.LifecycleClosed, got.Lifecycle, "lifecycle never moves backwards")

	_, err = f.svc.ClearOverride(ctx, admin, "flood_1", "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	history, err := f.svc.History(ctx, admin, "flood_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ActionReject, history[0].Action)
	assert.Equal(t, models.ActionClearOverride, history[1].Action)
}

func TestRespond_ScenarioE(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fix := time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)
	first, err := f.svc.Respond(ctx, municipal, "issue_1", ResponseInput{
		Message:          "crew dispatched",
		ActionTaken:      "valve closed",
		EstimatedFixTime: &fix,
	})
	require.NoError(t, err)
	require.NotNil(t, first.MunicipalResponse)
	assert.Equal(t, models.LifecycleAcknowledged, first.Lifecycle)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Respond(ctx, municipal, "issue_1", ResponseInput{Message: "second opinion"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.db.GetReport(ctx, "issue_1")
	require.NoError(t, err)
	require.NotNil(t, got.MunicipalResponse)
	assert.Equal(t, "crew dispatched", got.MunicipalResponse.Message)
	assert.Equal(t, "city_1", got.MunicipalResponse.ResponderID)
	assert.True(t, got.MunicipalResponse.RespondedAt.Equal(first.MunicipalResponse.RespondedAt))
}

func TestRespond_KeepsLaterLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AdvanceLifecycle(ctx, municipal, "issue_1", models.LifecycleInProgress)
	require.NoError(t, err)

	r, err := f.svc.Respond(ctx, municipal, "issue_1", ResponseInput{Message: "work under way"})
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleInProgress, r.Lifecycle)
}

func TestRespond_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Respond(ctx, moderator, "issue_1", ResponseInput{Message: "hi"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Respond(ctx, municipal, "issue_1", ResponseInput{Message: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Respond(ctx, municipal, "flood_1", ResponseInput{Message: "noted"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAdvanceLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, err := f.svc.AdvanceLifecycle(ctx, moderator, "flood_1", models.LifecycleUnderInvestigation)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleUnderInvestigation, r.Lifecycle)

	_, err = f.svc.AdvanceLifecycle(ctx, moderator, "flood_1", models.LifecycleReported)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.AdvanceLifecycle(ctx, moderator, "flood_1", models.LifecycleScheduled)
	assert.ErrorIs(t, err, apperr.ErrValidation, "scheduled is not a flood stage")

	_, err = f.svc.AdvanceLifecycle(ctx, moderator, "flood_1", "archived")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.AdvanceLifecycle(ctx, citizen, "flood_1", models.LifecycleResolved)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	r, err = f.svc.AdvanceLifecycle(ctx, municipal, "issue_1", models.LifecycleScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleScheduled, r.Lifecycle)
}

func TestHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	history, err := f.svc.History(ctx, moderator, "flood_1")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	_, err = f.svc.History(ctx, citizen, "flood_1")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.History(ctx, moderator, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

package repository

import (
	"context"
	"time"

	"github.com/mr1hm/report-verification/internal/models"
)

type Filter struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Kind      *models.ReportKind
	Status    *models.VerificationStatus
	Lifecycle *models.LifecycleStatus
}

type ReportRepository interface {
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	ListReports(ctx context.Context, opts Filter) ([]models.Report, error)
	// SaveReport persists the mutable fields of r if r.Version still matches
	// the stored version, then increments r.Version.
	SaveReport(ctx context.Context, r *models.Report) error
	DeleteReport(ctx context.Context, id string) error
	// ListPendingUnclaimed returns unlocked pending reports without a live
	// claim, oldest first.
	ListPendingUnclaimed(ctx context.Context, limit int, now time.Time) ([]models.Report, error)
	Statistics(ctx context.Context) (*models.Statistics, error)
}

type VoteRepository interface {
	// AddVote fails with a conflict if the user already voted on the report.
	AddVote(ctx context.Context, v models.Vote) error
	ListVotes(ctx context.Context, reportID string) ([]models.Vote, error)
}

type ModerationRepository interface {
	AddAction(ctx context.Context, a *models.ModerationAction) error
	ListActions(ctx context.Context, reportID string) ([]models.ModerationAction, error)
}

type TrustRepository interface {
	// ApplyTrustEvent applies e once per (UserID, Key) and clamps the result
	// to [min, max]. applied is false when the event was already recorded.
	ApplyTrustEvent(ctx context.Context, e models.TrustEvent, bounds TrustBounds, now time.Time) (score int, applied bool, err error)
	GetTrustScore(ctx context.Context, userID string, initial int) (*models.TrustScore, error)
}

type TrustBounds struct {
	Min     int
	Max     int
	Initial int
}

func (b TrustBounds) Clamp(score int) int {
	return max(b.Min, min(b.Max, score))
}

type ClaimRepository interface {
	// Claim marks a report as in evaluation by owner until now+ttl. It
	// returns false if another live claim exists.
	Claim(ctx context.Context, reportID, owner string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, reportID, owner string) error
}

// Store is the full persistence surface of the engine. InTx runs fn against
// a Store bound to a single transaction; nested calls reuse it.
type Store interface {
	ReportRepository
	VoteRepository
	ModerationRepository
	TrustRepository
	ClaimRepository
	InTx(ctx context.Context, fn func(tx Store) error) error
}

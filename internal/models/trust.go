package models

import "time"

type TrustScore struct {
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrustEvent is one idempotent trust adjustment. Key identifies the
// triggering event; applying the same key twice has no effect.
type TrustEvent struct {
	UserID string
	Key    string
	Delta  int
	Reason string
}

type Statistics struct {
	TotalReports int                        `json:"total_reports"`
	ByStatus     map[VerificationStatus]int `json:"by_status"`
	// AIVerified counts reports verified by the combiner, not by a moderator.
	AIVerified   int `json:"ai_verified"`
	ManualReview int `json:"manual_review"`
	Locked       int `json:"moderator_locked"`
}

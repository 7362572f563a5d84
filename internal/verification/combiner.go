package verification

import (
	"time"

	"github.com/mr1hm/report-verification/internal/models"
)

const (
	voteWeight = 0.15

	verifiedThreshold = 0.75
	partialThreshold  = 0.4
)

type Outcome struct {
	Status     models.VerificationStatus
	Confidence float64
}

// Combine folds channel verdicts and community votes into an overall status
// and a confidence in [0, 1]. Pending and not-available channels carry no
// evidence. The result is pending with zero confidence iff no channel has a
// verdict.
func Combine(channels []models.ChannelStatus, votes models.VoteTally) Outcome {
	var verified, notMatched int
	for _, s := range channels {
		switch s {
		case models.ChannelVerified:
			verified++
		case models.ChannelNotMatched:
			notMatched++
		}
	}

	usable := verified + notMatched
	if usable == 0 {
		return Outcome{Status: models.StatusPending, Confidence: 0}
	}

	raw := float64(verified) / float64(usable)
	voteAdj := float64(votes.Net()) / float64(max(1, votes.Total()))
	confidence := clamp(raw+voteWeight*voteAdj, 0, 1)

	// Channels that disagree nearly evenly go to a human whatever the votes say.
	if verified > 0 && notMatched > 0 && abs(verified-notMatched) <= 1 && usable >= 2 {
		return Outcome{Status: models.StatusManualReview, Confidence: confidence}
	}

	switch {
	case confidence >= verifiedThreshold:
		return Outcome{Status: models.StatusVerified, Confidence: confidence}
	case confidence >= partialThreshold:
		return Outcome{Status: models.StatusPartiallyVerified, Confidence: confidence}
	case notMatched >= 1:
		return Outcome{Status: models.StatusNotMatched, Confidence: confidence}
	default:
		return Outcome{Status: models.StatusPartiallyVerified, Confidence: confidence}
	}
}

// Recompute re-runs Combine over r's current channels and votes. It does
// nothing while a moderator override holds the record, and reports whether
// the overall status or confidence changed.
func Recompute(r *models.Report, now time.Time) bool {
	v := &r.Verification
	if v.Locked {
		return false
	}

	out := Combine(v.ChannelStatuses(), r.Votes)
	changed := out.Status != v.OverallStatus || out.Confidence != v.Confidence

	v.OverallStatus = out.Status
	v.Confidence = out.Confidence
	v.LastEvaluatedAt = &now
	return changed
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

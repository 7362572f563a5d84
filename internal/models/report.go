package models

import (
	"strings"
	"time"
)

type ReportKind string

const (
	ReportKindFlood      ReportKind = "flood"
	ReportKindWaterIssue ReportKind = "water-issue"
)

func (k ReportKind) Valid() bool {
	return k == ReportKindFlood || k == ReportKindWaterIssue
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Location struct {
	District  string  `json:"district"`
	State     string  `json:"state"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is the human readable locality used for keyword searches.
func (l Location) Place() string {
	parts := make([]string, 0, 2)
	if l.District != "" {
		parts = append(parts, l.District)
	}
	if l.State != "" {
		parts = append(parts, l.State)
	}
	return strings.Join(parts, ", ")
}

// HasCoordinates reports whether the location carries a map position.
// The zero point stands for none.
func (l Location) HasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

type MunicipalResponse struct {
	ResponderID      string     `json:"responder_id"`
	Message          string     `json:"message"`
	ActionTaken      string     `json:"action_taken,omitempty"`
	EstimatedFixTime *time.Time `json:"estimated_fix_time,omitempty"`
	Contact          string     `json:"contact,omitempty"`
	RespondedAt      time.Time  `json:"responded_at"`
}

// Report is a crowd-submitted flood report or water issue. Everything above
// Lifecycle is fixed at creation.
type Report struct {
	ID          string     `json:"id"`
	Kind        ReportKind `json:"kind"`
	SubmitterID string     `json:"submitter_id"`
	Location    Location   `json:"location"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Media       []string   `json:"media,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	Lifecycle         LifecycleStatus    `json:"lifecycle_status"`
	Verification      Verification       `json:"verification"`
	Votes             VoteTally          `json:"community_votes"`
	MunicipalResponse *MunicipalResponse `json:"municipality_response,omitempty"`

	// Version is bumped on every persisted mutation.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewReport returns a report in its initial state: lifecycle reported and a
// pending verification record with every channel pending.
func NewReport(id string, kind ReportKind, submitterID string, loc Location, description string, severity Severity, media []string, now time.Time) *Report {
	return &Report{
		ID:           id,
		Kind:         kind,
		SubmitterID:  submitterID,
		Location:     loc,
		Description:  description,
		Severity:     severity,
		Media:        media,
		CreatedAt:    now,
		Lifecycle:    LifecycleReported,
		Verification: NewVerification(),
		Votes:        VoteTally{Voters: []string{}},
		UpdatedAt:    now,
	}
}

package models

import "time"

type ModerationActionType string

const (
	ActionVerify            ModerationActionType = "verify"
	ActionReject            ModerationActionType = "reject"
	ActionNeedsManualReview ModerationActionType = "needs_manual_review"
	// ActionClearOverride unlocks a record so automation may run again.
	ActionClearOverride ModerationActionType = "clear_override"
)

func (a ModerationActionType) Valid() bool {
	switch a {
	case ActionVerify, ActionReject, ActionNeedsManualReview:
		return true
	}
	return false
}

// ModerationAction is an append-only audit entry.
type ModerationAction struct {
	ID          string               `json:"id"`
	ReportID    string               `json:"report_id"`
	ModeratorID string               `json:"moderator_id"`
	Action      ModerationActionType `json:"action"`
	Reason      string               `json:"reason"`
	CreatedAt   time.Time            `json:"created_at"`
}

type Role string

const (
	RoleCitizen   Role = "citizen"
	RoleMunicipal Role = "municipal"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// Caller is the identity supplied by the auth layer for a request.
type Caller struct {
	UserID string
	Roles  []Role
}

func (c Caller) HasAny(roles ...Role) bool {
	for _, have := range c.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (c Caller) CanModerate() bool {
	return c.HasAny(RoleModerator, RoleAdmin, RoleMunicipal)
}

func (c Caller) CanRespond() bool {
	return c.HasAny(RoleMunicipal, RoleAdmin)
}

func (r Role) Valid() bool {
	switch r {
	case RoleCitizen, RoleMunicipal, RoleAdmin, RoleModerator:
		return true
	}
	return false
}

package models

import "time"

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

func (d VoteDirection) Valid() bool {
	return d == VoteUp || d == VoteDown
}

type Vote struct {
	ReportID  string        `json:"report_id"`
	UserID    string        `json:"user_id"`
	Direction VoteDirection `json:"direction"`
	CreatedAt time.Time     `json:"created_at"`
}

// VoteTally keeps len(Voters) == Upvotes + Downvotes.
type VoteTally struct {
	Upvotes   int      `json:"upvotes"`
	Downvotes int      `json:"downvotes"`
	Voters    []string `json:"voters"`
}

func (t VoteTally) HasVoted(userID string) bool {
	for _, v := range t.Voters {
		if v == userID {
			return true
		}
	}
	return false
}

func (t VoteTally) Net() int {
	return t.Upvotes - t.Downvotes
}

func (t VoteTally) Total() int {
	return t.Upvotes + t.Downvotes
}

// Apply records a vote. Callers must check HasVoted first.
func (t *VoteTally) Apply(userID string, d VoteDirection) {
	switch d {
	case VoteUp:
		t.Upvotes++
	case VoteDown:
		t.Downvotes++
	default:
		return
	}
	t.Voters = append(t.Voters, userID)
}

package models

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelWeather Channel = "weather"
	ChannelNews    Channel = "news"
	ChannelSocial  Channel = "social"
)

// Channels lists every evidence channel in evaluation order.
var Channels = []Channel{ChannelWeather, ChannelNews, ChannelSocial}

type ChannelStatus string

const (
	ChannelNotAvailable ChannelStatus = "not-available"
	ChannelPending      ChannelStatus = "pending"
	ChannelVerified     ChannelStatus = "verified"
	ChannelNotMatched   ChannelStatus = "not-matched"
)

func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelNotAvailable, ChannelPending, ChannelVerified, ChannelNotMatched:
		return true
	}
	return false
}

type VerificationStatus string

const (
	StatusPending           VerificationStatus = "pending"
	StatusVerified          VerificationStatus = "verified"
	StatusPartiallyVerified VerificationStatus = "partially-verified"
	StatusNotMatched        VerificationStatus = "not-matched"
	StatusManualReview      VerificationStatus = "manual-review"
	// StatusRejected is only reachable through moderation.
	StatusRejected VerificationStatus = "rejected"
)

var VerificationStatuses = []VerificationStatus{
	StatusPending,
	StatusVerified,
	StatusPartiallyVerified,
	StatusNotMatched,
	StatusManualReview,
	StatusRejected,
}

func (s VerificationStatus) Valid() bool {
	for _, v := range VerificationStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type ChannelResult struct {
	Status   ChannelStatus   `json:"status"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	// Detail is a short human readable note, e.g. why a channel is not available.
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

type Verification struct {
	Weather         ChannelResult      `json:"weather"`
	News            ChannelResult      `json:"news"`
	Social          ChannelResult      `json:"social"`
	OverallStatus   VerificationStatus `json:"overall_status"`
	Confidence      float64            `json:"confidence"`
	LastEvaluatedAt *time.Time         `json:"last_evaluated_at,omitempty"`
	// Locked is set by moderator override; automated recomputation is
	// suppressed until it is cleared.
	Locked bool `json:"locked"`
}

func NewVerification() Verification {
	pending := ChannelResult{Status: ChannelPending}
	return Verification{
		Weather:       pending,
		News:          pending,
		Social:        pending,
		OverallStatus: StatusPending,
	}
}

func (v *Verification) Channel(c Channel) ChannelResult {
	switch c {
	case ChannelWeather:
		return v.Weather
	case ChannelNews:
		return v.News
	case ChannelSocial:
		return v.Social
	}
	return ChannelResult{Status: ChannelNotAvailable}
}

func (v *Verification) SetChannel(c Channel, r ChannelResult) {
	switch c {
	case ChannelWeather:
		v.Weather = r
	case ChannelNews:
		v.News = r
	case ChannelSocial:
		v.Social = r
	}
}

// ChannelStatuses returns the status of every channel in Channels order.
func (v *Verification) ChannelStatuses() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(Channels))
	for _, c := range Channels {
		out = append(out, v.Channel(c).Status)
	}
	return out
}

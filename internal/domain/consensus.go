package domain

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is a user's judgement on a flagged content segment.
type Verdict string

const (
	VerdictConfirm Verdict = "confirm"
	VerdictDismiss Verdict = "dismiss"
)

// ValidVerdict reports whether v names a known verdict.
func ValidVerdict(v string) bool {
	return Verdict(v) == VerdictConfirm || Verdict(v) == VerdictDismiss
}

// Vote is one user's verdict on a (segment, category) pair.
type Vote struct {
	UserID    uuid.UUID `json:"user_id"`
	SegmentID string    `json:"segment_id"`
	Category  string    `json:"category"`
	Verdict   Verdict   `json:"verdict"`
}

// ConsensusState is the durable Beta-distribution belief that a category
// is actually present in a content segment. Alpha and Beta are the shape
// parameters; the prior pseudo-counts keep both at 1 or above for the
// lifetime of the state.
type ConsensusState struct {
	SegmentID   string    `json:"segment_id"`
	Category    string    `json:"category"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	TotalVotes  int       `json:"total_votes"`
	LastUpdated time.Time `json:"last_updated"`
}

// Probability returns the Beta mean alpha/(alpha+beta).
func (s *ConsensusState) Probability() float64 {
	return s.Alpha / (s.Alpha + s.Beta)
}

// UserReliabilityProfile is the durable trust record for one voter.
// Score is an EMA of agreement with post-vote consensus, clamped so a
// user is never fully trusted nor permanently exiled.
type UserReliabilityProfile struct {
	UserID     uuid.UUID `json:"user_id"`
	Score      float64   `json:"score"`
	TotalVotes int       `json:"total_votes"`
	Agreements int       `json:"agreements"`
	LastActive time.Time `json:"last_active"`
}

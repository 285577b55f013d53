// Package domain defines the persistence models for participants, matches,
// chat messages, and call signals. These types are mapped with GORM and form
// the core data layer of the pairing backend.
package domain

import (
	"time"
)

// Participant status values.
const (
	StatusWaiting  = "waiting"
	StatusMatched  = "matched"
	StatusChatting = "chatting"
	StatusOffline  = "offline"
)

// AnswerVector holds one integer answer per questionnaire item.
type AnswerVector []int

// Participant is a registered user eligible for pairing.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Identity: unique username used by every other record as the reference.
//   - Answers: questionnaire answers, stored as JSON.
//   - Status: one of waiting, matched, chatting, offline.
//   - MatchID: set only while Status is matched.
//   - WaitingSince: when the participant last entered the pool; orders snapshots.
//   - LastSeen: stamped by heartbeats.
type Participant struct {
	ID           string       `json:"id"            gorm:"type:char(36);primaryKey"`
	Identity     string       `json:"identity"      gorm:"type:varchar(64);not null;uniqueIndex:ux_participant_identity"`
	Answers      AnswerVector `json:"answers"       gorm:"type:text;serializer:json"`
	Status       string       `json:"status"        gorm:"type:varchar(16);not null;default:'waiting';index:idx_participant_pool,priority:1"`
	MatchID      *string      `json:"match_id,omitempty" gorm:"type:char(36)"`
	WaitingSince time.Time    `json:"waiting_since" gorm:"index:idx_participant_pool,priority:2"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// IsMatched reports whether the participant currently points at a match.
func (p *Participant) IsMatched() bool {
	return p != nil && p.Status == StatusMatched && p.MatchID != nil && *p.MatchID != ""
}

// Match is an immutable pairing of two distinct participants.
// UserA is the participant whose submission produced the match.
type Match struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	UserA           string    `json:"user_a"           gorm:"type:varchar(64);not null;index"`
	UserB           string    `json:"user_b"           gorm:"type:varchar(64);not null;index"`
	Compatibility   int       `json:"compatibility"    gorm:"not null;check:compatibility BETWEEN 0 AND 100"`
	SharedInterests []string  `json:"shared_interests" gorm:"type:text;serializer:json"`
	CreatedAt       time.Time `json:"created_at"       gorm:"index"`
}

// TableName returns the database table name for Match.
func (Match) TableName() string { return "matches" }

// HasUser reports whether identity is one of the two members.
func (m *Match) HasUser(identity string) bool {
	return m.UserA == identity || m.UserB == identity
}

// Peer returns the other member of the match, or "" when identity is not a member.
func (m *Match) Peer(identity string) string {
	switch identity {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

package domain

import (
	"encoding/json"
	"time"
)

// Policy selects how a mailbox treats records once they are read.
type Policy string

const (
	// Retain keeps records forever; reading marks them read.
	Retain Policy = "retain"
	// Consume deletes records as they are read; unread records expire.
	Consume Policy = "consume"
)

// KindChat is the record kind carried under the Retain policy.
const KindChat = "chat"

// Signal kinds exchanged during call setup.
const (
	SignalInvite       = "invite"
	SignalAccept       = "accept"
	SignalReject       = "reject"
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalEnd          = "end"
)

var signalKinds = map[string]struct{}{
	SignalInvite: {}, SignalAccept: {}, SignalReject: {}, SignalOffer: {},
	SignalAnswer: {}, SignalICECandidate: {}, SignalEnd: {},
}

// IsSignalKind reports whether kind is one of the call-setup signal kinds.
func IsSignalKind(kind string) bool {
	_, ok := signalKinds[kind]
	return ok
}

// PolicyFor returns the mailbox policy that governs records of kind.
func PolicyFor(kind string) Policy {
	if kind == KindChat {
		return Retain
	}
	return Consume
}

// Record is the store-agnostic view of a mailbox entry handed out by the relay.
type Record struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChatMessage is a retained mailbox record between two participants.
// Messages are never deleted; the receiver's fetch flips Read.
type ChatMessage struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	SenderID   string    `json:"sender"      gorm:"type:varchar(64);not null;index:idx_chat_pair,priority:1"`
	ReceiverID string    `json:"receiver"    gorm:"type:varchar(64);not null;index:idx_chat_pair,priority:2;index:idx_chat_inbox,priority:1"`
	Content    string    `json:"content"     gorm:"type:text;not null"`
	Read       bool      `json:"read"        gorm:"not null;default:false;index:idx_chat_inbox,priority:2"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_chat_pair,priority:3"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// Record converts the message to its relay view.
func (m ChatMessage) Record() Record {
	payload, _ := json.Marshal(m.Content)
	return Record{
		ID:        m.ID,
		Sender:    m.SenderID,
		Receiver:  m.ReceiverID,
		Kind:      KindChat,
		Payload:   payload,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}

// Signal is a consumed mailbox record used to negotiate a call. Rows past
// ExpiresAt are never handed out and are purged by the store.
type Signal struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	SenderID   string    `json:"sender"      gorm:"type:varchar(64);not null"`
	ReceiverID string    `json:"receiver"    gorm:"type:varchar(64);not null;index:idx_signal_inbox,priority:1"`
	Kind       string    `json:"kind"        gorm:"type:varchar(16);not null"`
	Payload    string    `json:"payload"     gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_signal_inbox,priority:2"`
	ExpiresAt  time.Time `json:"expires_at"  gorm:"not null;index"`
}

// TableName returns the database table name for Signal.
func (Signal) TableName() string { return "signals" }

// Record converts the signal to its relay view.
func (s Signal) Record() Record {
	var payload json.RawMessage
	if s.Payload != "" {
		payload = json.RawMessage(s.Payload)
	}
	return Record{
		ID:        s.ID,
		Sender:    s.SenderID,
		Receiver:  s.ReceiverID,
		Kind:      s.Kind,
		Payload:   payload,
		CreatedAt: s.CreatedAt,
	}
}

// MailboxFilter narrows a mailbox count. Empty fields match everything.
type MailboxFilter struct {
	Policy     Policy
	Sender     string
	Receiver   string
	UnreadOnly bool // retain policy only
}

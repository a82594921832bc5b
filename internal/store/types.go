// Package store provides SQLite-backed persistence for conversations,
// messages, operator notifications, tags, and runtime settings.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation lifecycle statuses.
const (
	StatusNewVisitor = "new_visitor"
	StatusIdentified = "identified_affiliate"
	StatusNeedsHuman = "needs_human_intervention"
)

// Notification types. Sentiment-derived types carry the sentiment
// value itself (positive, negative, neutral); the constants below are
// the overriding classifications. A human intervention notification
// supersedes the derived type for the same analysis cycle.
const (
	NotifIncongruent       = "incongruent"
	NotifUrgent            = "urgent"
	NotifHumanIntervention = "human_intervention_required"
)

// Message sender roles.
const (
	SenderUser     = "user"
	SenderBot      = "bot"
	SenderOperator = "operator"
)

// Conversation is one chat thread, keyed by its transport chat ID.
type Conversation struct {
	ChatID        string    `json:"chat_id"`
	ContactName   string    `json:"contact_name,omitempty"`
	Status        string    `json:"status"`
	BotActive     bool      `json:"bot_active"`
	KnownIdentity string    `json:"known_identity,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Tags          []Tag     `json:"tags,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
}

// Message is a single turn in a conversation.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is an operator-facing alert produced by the analyzer
// or the escalation path.
type Notification struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	// ContactName is denormalized from the conversation at creation
	// time so the panel can render the alert without a join.
	ContactName string    `json:"contact_name"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tag is an operator-defined label attachable to conversations.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

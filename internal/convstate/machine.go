// Package convstate owns the per-conversation lifecycle: auto-reply
// gating, identity promotion, and escalation to a human operator.
package convstate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/store"
)

// Machine applies state transitions and announces them on the bus.
type Machine struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a state machine over the given store. bus may be nil.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, bus: bus, logger: logger}
}

// ShouldAutoReply reports whether the bot may answer chatID right now.
// Untracked chats default to active. A chat is silenced when its bot
// toggle is off or it has been escalated to a human.
func (m *Machine) ShouldAutoReply(chatID string) bool {
	conv, err := m.store.Conversation(chatID)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		m.logger.Error("auto-reply check failed", "chat_id", chatID, "error", err)
		return false
	}
	return conv.BotActive && conv.Status != store.StatusNeedsHuman
}

// MarkIdentified records a confirmed affiliate identity. Re-confirming
// the same identity is a no-op; a different identity overwrites the
// stored one.
func (m *Machine) MarkIdentified(chatID, identity string) error {
	conv, err := m.store.Conversation(chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if conv != nil && conv.Status == store.StatusIdentified && conv.KnownIdentity == identity {
		return nil
	}

	if err := m.store.SetIdentity(chatID, identity); err != nil {
		return fmt.Errorf("mark identified: %w", err)
	}

	m.logger.Info("affiliate identified", "chat_id", chatID)
	m.publishUpdate(chatID, store.StatusIdentified, true)
	return nil
}

// Escalate hands a conversation to a human: the bot is switched off
// and the status becomes needs_human_intervention. Returns true when
// the conversation transitioned, false when it was already escalated.
func (m *Machine) Escalate(chatID string) (bool, error) {
	changed, err := m.store.MarkNeedsHuman(chatID)
	if err != nil {
		return false, fmt.Errorf("escalate: %w", err)
	}
	if changed {
		m.logger.Warn("conversation escalated", "chat_id", chatID)
		m.publishUpdate(chatID, store.StatusNeedsHuman, false)
	}
	return changed, nil
}

// EnableBot turns automatic replies back on for a chat.
func (m *Machine) EnableBot(chatID string) error {
	if err := m.store.SetBotActive(chatID, true); err != nil {
		return err
	}
	conv, err := m.store.Conversation(chatID)
	if err != nil {
		return err
	}
	m.publishUpdate(chatID, conv.Status, true)
	return nil
}

// DisableBot silences automatic replies for a chat. Untracked chats
// get a row so the preference survives their first message.
func (m *Machine) DisableBot(chatID string) error {
	if err := m.store.SetBotActive(chatID, false); err != nil {
		return err
	}
	conv, err := m.store.Conversation(chatID)
	if err != nil {
		return err
	}
	m.publishUpdate(chatID, conv.Status, false)
	return nil
}

func (m *Machine) publishUpdate(chatID, status string, botActive bool) {
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindConversationUpdate,
		Data: map[string]any{
			"chat_id":    chatID,
			"status":     status,
			"bot_active": botActive,
		},
	})
}

package convstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil, nil), st
}

func TestShouldAutoReply_UntrackedDefaultsActive(t *testing.T) {
	m, _ := newTestMachine(t)

	if !m.ShouldAutoReply("fresh@s.whatsapp.net") {
		t.Error("untracked chat should default to auto-reply")
	}
}

func TestShouldAutoReply_BotDisabled(t *testing.T) {
	m, st := newTestMachine(t)

	if err := st.SetBotActive("c1", false); err != nil {
		t.Fatal(err)
	}
	if m.ShouldAutoReply("c1") {
		t.Error("disabled bot should not auto-reply")
	}
}

func TestShouldAutoReply_Escalated(t *testing.T) {
	m, _ := newTestMachine(t)

	if _, err := m.Escalate("c1"); err != nil {
		t.Fatal(err)
	}
	if m.ShouldAutoReply("c1") {
		t.Error("escalated chat should not auto-reply")
	}
}

func TestShouldAutoReply_ReenabledAfterEscalation(t *testing.T) {
	m, st := newTestMachine(t)

	if _, err := m.Escalate("c1"); err != nil {
		t.Fatal(err)
	}
	// Operator turns the bot back on but the status stays escalated:
	// the chat remains silenced until the status changes too.
	if err := m.EnableBot("c1"); err != nil {
		t.Fatal(err)
	}
	if m.ShouldAutoReply("c1") {
		t.Error("needs_human status should gate replies even with bot_active")
	}

	if err := st.SetStatus("c1", store.StatusIdentified); err != nil {
		t.Fatal(err)
	}
	if !m.ShouldAutoReply("c1") {
		t.Error("chat should auto-reply once status cleared and bot enabled")
	}
}

func TestMarkIdentified_Idempotent(t *testing.T) {
	m, st := newTestMachine(t)

	if err := m.MarkIdentified("c1", "0801-1990-00001"); err != nil {
		t.Fatalf("MarkIdentified: %v", err)
	}
	if err := m.MarkIdentified("c1", "0801-1990-00001"); err != nil {
		t.Fatalf("MarkIdentified (repeat): %v", err)
	}

	conv, err := st.Conversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != store.StatusIdentified {
		t.Errorf("status = %q, want identified", conv.Status)
	}
	if conv.KnownIdentity != "0801-1990-00001" {
		t.Errorf("identity = %q", conv.KnownIdentity)
	}
}

func TestMarkIdentified_LastWriterWins(t *testing.T) {
	m, st := newTestMachine(t)

	if err := m.MarkIdentified("c1", "0801-1990-00001"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkIdentified("c1", "0801-1990-00002"); err != nil {
		t.Fatal(err)
	}

	conv, err := st.Conversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.KnownIdentity != "0801-1990-00002" {
		t.Errorf("identity = %q, want the later confirmation", conv.KnownIdentity)
	}
}

func TestEscalate_OnceOnly(t *testing.T) {
	m, _ := newTestMachine(t)

	changed, err := m.Escalate("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first escalation should transition")
	}

	changed, err = m.Escalate("c1")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("repeat escalation should be a no-op")
	}
}

func TestEscalate_PublishesUpdate(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	m := New(st, bus, nil)
	if _, err := m.Escalate("c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindConversationUpdate {
			t.Errorf("kind = %q, want conversation_update", evt.Kind)
		}
		if evt.Data["status"] != store.StatusNeedsHuman {
			t.Errorf("status = %v", evt.Data["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestDisableBot_UntrackedChat(t *testing.T) {
	m, st := newTestMachine(t)

	if err := m.DisableBot("nuevo"); err != nil {
		t.Fatalf("DisableBot: %v", err)
	}

	conv, err := st.Conversation("nuevo")
	if err != nil {
		t.Fatalf("conversation row should exist: %v", err)
	}
	if conv.BotActive {
		t.Error("bot_active should be false")
	}
}

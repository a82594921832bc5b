// Package analyzer watches for conversations going quiet and runs a
// post-conversation classification pass: sentiment, urgency, and
// incongruity. Distressed identified affiliates are escalated to a
// human operator.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Henmir-HN/crm-henmir/internal/convstate"
	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/llm"
	"github.com/Henmir-HN/crm-henmir/internal/store"
)

const analysisInstruction = `Eres un analista de conversaciones de soporte. Recibirás la transcripción de un chat entre un usuario y el asistente de Henmir. Responde ÚNICAMENTE con un objeto JSON con esta forma exacta:
{"sentiment":"positive|negative|neutral","urgency":"high|medium|low","incongruity":true|false,"summary":"resumen de una frase en español"}
"incongruity" es true cuando las respuestas del asistente no corresponden a lo que el usuario pedía.`

// Analyzer debounces per-chat activity and classifies quiet
// conversations.
type Analyzer struct {
	store   *store.Store
	machine *convstate.Machine
	llm     llm.Client
	bus     *events.Bus
	logger  *slog.Logger

	model        string
	quiescence   time.Duration
	historyLimit int

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates an analyzer. bus may be nil.
func New(st *store.Store, machine *convstate.Machine, client llm.Client, bus *events.Bus,
	model string, quiescence time.Duration, historyLimit int, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if quiescence <= 0 {
		quiescence = 120 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Analyzer{
		store:        st,
		machine:      machine,
		llm:          client,
		bus:          bus,
		logger:       logger,
		model:        model,
		quiescence:   quiescence,
		historyLimit: historyLimit,
		timers:       make(map[string]*time.Timer),
	}
}

// Touch restarts the quiescence timer for a chat. Any pending timer
// for the same chat is cancelled and replaced, so a burst of activity
// produces at most one analysis firing per quiet period.
func (a *Analyzer) Touch(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if t, ok := a.timers[chatID]; ok {
		t.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(a.quiescence, func() {
		a.mu.Lock()
		// A Touch may have replaced this timer after it fired but
		// before the callback ran. The map entry then belongs to the
		// new timer; this firing is stale and must not analyze or
		// remove the replacement.
		if cur, ok := a.timers[chatID]; !ok || cur != tm {
			a.mu.Unlock()
			return
		}
		delete(a.timers, chatID)
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		a.analyze(chatID)
	})
	a.timers[chatID] = tm
}

// Stop cancels all pending timers. Further Touch calls are no-ops.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}

// analysisResult is the classification the model returns.
type analysisResult struct {
	Sentiment   string `json:"sentiment"`
	Urgency     string `json:"urgency"`
	Incongruity bool   `json:"incongruity"`
	Summary     string `json:"summary"`
}

// analyze runs one classification cycle for a chat. Every failure path
// is fail-soft: log and abandon the cycle, never crash, never notify
// on bad data.
func (a *Analyzer) analyze(chatID string) {
	msgs, err := a.store.RecentMessages(chatID, a.historyLimit)
	if err != nil {
		a.logger.Error("analysis history read failed", "chat_id", chatID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := a.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisInstruction},
			{Role: openai.ChatMessageRoleUser, Content: transcript(msgs)},
		},
	})
	if err != nil {
		a.logger.Error("analysis model call failed", "chat_id", chatID, "error", err)
		return
	}
	if len(resp.Choices) == 0 {
		a.logger.Warn("analysis returned no choices", "chat_id", chatID)
		return
	}

	raw, ok := extractJSON(resp.Choices[0].Message.Content)
	if !ok {
		a.logger.Warn("analysis output had no JSON object", "chat_id", chatID)
		return
	}

	var result analysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		a.logger.Warn("analysis output unparseable", "chat_id", chatID, "error", err)
		return
	}

	typ := deriveType(result)
	a.logger.Info("conversation analyzed", "chat_id", chatID, "type", typ)

	if a.shouldEscalate(chatID, typ) {
		changed, err := a.machine.Escalate(chatID)
		if err != nil {
			a.logger.Error("escalation failed", "chat_id", chatID, "error", err)
		} else if changed {
			// The escalation supersedes the derived type for this
			// cycle's notification.
			typ = store.NotifHumanIntervention
		}
	}

	summary := result.Summary
	if summary == "" {
		summary = "Conversación marcada para revisión."
	}

	n, err := a.store.AddNotification(chatID, typ, summary)
	if err != nil {
		a.logger.Error("notification insert failed", "chat_id", chatID, "error", err)
		return
	}

	a.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAnalyzer,
		Kind:      events.KindNotification,
		Data: map[string]any{
			"notification_id": n.ID,
			"chat_id":         n.ChatID,
			"contact_name":    n.ContactName,
			"type":            n.Type,
			"content":         n.Content,
		},
	})
}

// shouldEscalate applies the escalation policy: only bot-active,
// identified affiliates with a distress-class type are handed to a
// human. Unverified visitors never page anyone.
func (a *Analyzer) shouldEscalate(chatID, typ string) bool {
	conv, err := a.store.Conversation(chatID)
	if err != nil {
		return false
	}
	if !conv.BotActive || conv.Status != store.StatusIdentified {
		return false
	}
	return typ == "negative" || typ == store.NotifIncongruent || typ == store.NotifUrgent
}

// deriveType folds the classification into a single notification type.
// Priority: urgency over incongruity over sentiment.
func deriveType(r analysisResult) string {
	typ := r.Sentiment
	if typ == "" {
		typ = "neutral"
	}
	if r.Incongruity {
		typ = store.NotifIncongruent
	}
	if strings.EqualFold(r.Urgency, "high") {
		typ = store.NotifUrgent
	}
	return typ
}

// extractJSON tolerates non-JSON preamble and postamble around the
// model's object: everything between the first '{' and the last '}'.
func extractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func transcript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return b.String()
}

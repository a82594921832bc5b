// Package orchestrator runs one dialogue turn: gate, model call, tool
// dispatch with the broad-search fallback, and final persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Henmir-HN/crm-henmir/internal/convstate"
	"github.com/Henmir-HN/crm-henmir/internal/crmtools"
	"github.com/Henmir-HN/crm-henmir/internal/events"
	"github.com/Henmir-HN/crm-henmir/internal/llm"
	"github.com/Henmir-HN/crm-henmir/internal/store"
)

// Fixed reply fragments. The disclaimer prefix is mechanical so its
// presence can be relied on by the panel and by tests.
const (
	// ApologyReply is returned to the chat user when a turn fails
	// internally. Raw errors never reach the chat.
	ApologyReply = "Lo siento, estoy teniendo un problema técnico."
	// FallbackDisclaimer prefixes suggestions drawn from the full
	// catalogue when a specific search found nothing.
	FallbackDisclaimer = "No encontré vacantes que coincidan exactamente con tu búsqueda, pero estas son algunas opciones de nuestro catálogo actual:"
	// NoVacanciesReply is sent when the whole catalogue is empty.
	NoVacanciesReply = "Lo siento, por el momento no contamos con vacantes disponibles. Te invitamos a escribirnos de nuevo en unos días."
	// DefaultPersonality is used when the personality_prompt setting
	// is unset.
	DefaultPersonality = "Eres un asistente de Henmir."
)

// mediaDenyList gates out inbound placeholders for non-text content.
// Matched as lowercase substrings.
var mediaDenyList = []string{
	"<media:",
	"(file attached)",
	"(photo)",
	"(video)",
	"(audio)",
	"(voice note)",
	"(sticker)",
	"(document)",
	"multimedia omitido",
}

// Gateway is the tool dispatch surface the orchestrator needs.
// *crmtools.Gateway satisfies it.
type Gateway interface {
	Call(ctx context.Context, name string, args map[string]any) (*crmtools.Result, error)
	Specs() []openai.Tool
}

// Toucher restarts the inactivity debounce for a chat. The analyzer
// satisfies it.
type Toucher interface {
	Touch(chatID string)
}

// Orchestrator composes replies for inbound chat messages.
type Orchestrator struct {
	store        *store.Store
	machine      *convstate.Machine
	gateway      Gateway
	llm          llm.Client
	bus          *events.Bus
	analyzer     Toucher
	logger       *slog.Logger
	defaultModel string
	historyLimit int
}

// New creates an orchestrator. bus and analyzer may be nil.
func New(st *store.Store, machine *convstate.Machine, gw Gateway, client llm.Client,
	bus *events.Bus, analyzer Toucher, defaultModel string, historyLimit int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &Orchestrator{
		store:        st,
		machine:      machine,
		gateway:      gw,
		llm:          client,
		bus:          bus,
		analyzer:     analyzer,
		logger:       logger,
		defaultModel: defaultModel,
		historyLimit: historyLimit,
	}
}

// DefaultModel returns the model used when the model setting is unset.
func (o *Orchestrator) DefaultModel() string {
	return o.defaultModel
}

// Reply handles one inbound user message and returns the bot's reply.
// An empty reply with a nil error means the turn was suppressed
// (bot off, escalated chat, or media placeholder); nothing is
// persisted for suppressed turns.
func (o *Orchestrator) Reply(ctx context.Context, chatID, contactName, text string, ts time.Time) (string, error) {
	if isMediaPlaceholder(text) {
		o.logger.Debug("media placeholder gated", "chat_id", chatID)
		return "", nil
	}
	if !o.machine.ShouldAutoReply(chatID) {
		o.logger.Debug("auto-reply gated", "chat_id", chatID)
		return "", nil
	}

	settings, err := o.store.Settings()
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	model := settings["model"]
	if model == "" {
		model = o.defaultModel
	}

	msgs, err := o.buildContext(chatID, settings, text)
	if err != nil {
		return "", err
	}

	o.logger.Info("processing message", "chat_id", chatID, "len", len(text))
	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Tools:    o.gateway.Specs(),
	})
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}

	choice := resp.Choices[0].Message
	finalReply := choice.Content

	if len(choice.ToolCalls) > 0 {
		finalReply, err = o.resolveToolTurn(ctx, chatID, model, msgs, choice)
		if err != nil {
			return "", err
		}
	}

	// The chat may have been taken over while the model was working.
	// Re-check the gate before anything is persisted or sent.
	if !o.machine.ShouldAutoReply(chatID) {
		o.logger.Info("reply dropped, chat deactivated mid-turn", "chat_id", chatID)
		return "", nil
	}
	if strings.TrimSpace(finalReply) == "" {
		return "", nil
	}

	o.persistTurn(chatID, contactName, text, finalReply, ts)
	return finalReply, nil
}

// buildContext assembles system prompt plus recent history plus the
// new message.
func (o *Orchestrator) buildContext(chatID string, settings map[string]string, text string) ([]openai.ChatCompletionMessage, error) {
	conv, err := o.store.Conversation(chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	history, err := o.store.RecentMessages(chatID, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(settings["personality_prompt"], conv),
	})
	for _, m := range history {
		role := openai.ChatMessageRoleAssistant
		if m.Sender == store.SenderUser {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
	return msgs, nil
}

// resolveToolTurn dispatches the model's tool calls and runs the
// follow-up round. When a specific vacancy search comes back empty it
// applies the broad-catalogue fallback.
func (o *Orchestrator) resolveToolTurn(ctx context.Context, chatID, model string,
	msgs []openai.ChatCompletionMessage, assistant openai.ChatCompletionMessage) (string, error) {

	msgs = append(msgs, assistant)

	searchEmpty := false
	for _, tc := range assistant.ToolCalls {
		name := tc.Function.Name
		o.logger.Info("tool requested", "chat_id", chatID, "tool", name)

		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				o.logger.Warn("malformed tool arguments", "tool", name, "error", err)
			}
		}

		payload, empty, err := o.dispatch(ctx, chatID, name, args)
		if err != nil {
			return "", err
		}
		if name == crmtools.ToolSearchVacancies && empty {
			searchEmpty = true
		}

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    payload,
			ToolCallID: tc.ID,
		})
	}

	if searchEmpty {
		return o.fallbackReply(ctx, chatID, model, msgs)
	}

	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("follow-up model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("follow-up returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// dispatch runs one tool call. Unknown tools abort the turn; backend
// failures become an error payload the model can read. The payload of
// a successful call is forwarded untouched.
func (o *Orchestrator) dispatch(ctx context.Context, chatID, name string, args map[string]any) (payload string, empty bool, err error) {
	res, err := o.gateway.Call(ctx, name, args)
	if errors.Is(err, crmtools.ErrUnknownTool) {
		return "", false, err
	}
	if err != nil {
		o.logger.Error("tool call failed", "chat_id", chatID, "tool", name, "error", err)
		eb, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(eb), false, nil
	}

	if res.Identity != "" {
		if err := o.machine.MarkIdentified(chatID, res.Identity); err != nil {
			o.logger.Error("mark identified failed", "chat_id", chatID, "error", err)
		}
	}
	return res.Payload, res.Empty, nil
}

// fallbackReply implements the broad-search fallback: fetch the full
// catalogue, and either re-prompt the model for up to three close
// suggestions or short-circuit with the fixed no-vacancies apology.
func (o *Orchestrator) fallbackReply(ctx context.Context, chatID, model string,
	msgs []openai.ChatCompletionMessage) (string, error) {

	o.logger.Info("specific search empty, loading full catalogue", "chat_id", chatID)

	catalogue, err := o.gateway.Call(ctx, crmtools.ToolListAllVacancies, nil)
	if err != nil {
		o.logger.Error("catalogue lookup failed", "chat_id", chatID, "error", err)
		return NoVacanciesReply, nil
	}
	if catalogue.Empty {
		// No second model round: there is nothing to suggest.
		return NoVacanciesReply, nil
	}

	msgs = append(msgs, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleSystem,
		Content: "La búsqueda específica no arrojó resultados. Este es el catálogo completo de vacantes activas:\n" +
			catalogue.Payload +
			"\nSugiere un máximo de 3 vacantes del catálogo que más se acerquen a lo que pidió el usuario. " +
			"Presenta los datos exactamente como aparecen en el catálogo y no inventes vacantes. " +
			"No repitas ninguna disculpa inicial; entrega directamente las sugerencias.",
	})

	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("fallback model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("fallback returned no choices")
	}

	return FallbackDisclaimer + "\n\n" + strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// persistTurn writes the inbound and outbound messages, restarts the
// inactivity debounce, and announces both messages on the bus.
func (o *Orchestrator) persistTurn(chatID, contactName, inbound, outbound string, ts time.Time) {
	if err := o.store.EnsureConversation(chatID, contactName); err != nil {
		o.logger.Error("ensure conversation failed", "chat_id", chatID, "error", err)
	}

	in, err := o.store.AppendMessage(chatID, store.SenderUser, inbound, ts)
	if err != nil {
		o.logger.Error("persist inbound failed", "chat_id", chatID, "error", err)
	} else {
		o.publishMessage(in, contactName)
	}

	out, err := o.store.AppendMessage(chatID, store.SenderBot, outbound, time.Now().UTC())
	if err != nil {
		o.logger.Error("persist outbound failed", "chat_id", chatID, "error", err)
	} else {
		o.publishMessage(out, contactName)
	}

	if o.analyzer != nil {
		o.analyzer.Touch(chatID)
	}
}

func (o *Orchestrator) publishMessage(m *store.Message, contactName string) {
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindMessage,
		Data: map[string]any{
			"message_id":   m.ID,
			"chat_id":      m.ChatID,
			"sender":       m.Sender,
			"content":      m.Content,
			"contact_name": contactName,
		},
	})
}

// systemPrompt builds the master instruction. Identified affiliates
// get their verified identity injected so the model never re-asks for
// it; everyone else gets the new-visitor template.
func systemPrompt(personality string, conv *store.Conversation) string {
	if personality == "" {
		personality = DefaultPersonality
	}

	prompt := struct {
		CriticalRules struct {
			URLRendering string `json:"RENDERIZADO_URL"`
			DataFidelity string `json:"FIDELIDAD_DATOS"`
		} `json:"REGLAS_CRITICAS"`
		Mission     string `json:"MISION_Y_PERSONALIDAD"`
		Identity    string `json:"IDENTIDAD_CONFIRMADA,omitempty"`
		FormatRules string `json:"REGLAS_DE_FORMATO"`
	}{}

	prompt.CriticalRules.URLRendering = "Cualquier texto que empiece con http:// o https:// es una URL y NUNCA debe ser alterado o formateado como un enlace Markdown. Muestra siempre la URL completa."
	prompt.CriticalRules.DataFidelity = "Al mostrar datos de herramientas (como vacantes), debes presentar la información EXACTAMENTE como la recibes. NO inventes, resumas o alteres los datos."
	prompt.Mission = personality
	prompt.FormatRules = "Usa negritas (**) para resaltar y listas con viñetas (-, *) para enumerar elementos. Separa párrafos para facilitar la lectura."

	if conv != nil && conv.Status == store.StatusIdentified && conv.KnownIdentity != "" {
		prompt.Identity = "El usuario es un afiliado verificado con número de identidad " +
			conv.KnownIdentity + ". No vuelvas a pedirle su identidad."
	}

	b, _ := json.Marshal(prompt)
	return string(b)
}

func isMediaPlaceholder(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, marker := range mediaDenyList {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Henmir-HN/crm-henmir/internal/convstate"
	"github.com/Henmir-HN/crm-henmir/internal/crmtools"
	"github.com/Henmir-HN/crm-henmir/internal/orchestrator"
	"github.com/Henmir-HN/crm-henmir/internal/store"
)

// llmFunc adapts a closure to the llm.Client interface.
type llmFunc func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

func (f llmFunc) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return f(ctx, req)
}

type nopGateway struct{}

func (nopGateway) Call(ctx context.Context, name string, args map[string]any) (*crmtools.Result, error) {
	return nil, crmtools.ErrUnknownTool
}
func (nopGateway) Specs() []openai.Tool { return nil }

// fakeTransport records outbound sends.
type fakeTransport struct {
	ready  bool
	err    error
	chatID string
	text   string
}

func (t *fakeTransport) Ready() bool { return t.ready }
func (t *fakeTransport) Send(ctx context.Context, chatID, text string) error {
	t.chatID = chatID
	t.text = text
	return t.err
}

func newTestServer(t *testing.T, client llmFunc, transport Transport) (*Server, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	machine := convstate.New(st, nil, nil)
	orch := orchestrator.New(st, machine, nopGateway{}, client, nil, nil, "test-model", 20, nil)
	return NewServer("127.0.0.1", 0, st, machine, orch, transport, nil, nil, nil, nil), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestIntake_MissingFields(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/whatsauto_reply", map[string]string{"sender": "50499990000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestIntake_RepliesAndPersists(t *testing.T) {
	client := llmFunc(func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Hola, ¿en qué puedo ayudarte?"},
		}}}, nil
	})
	s, st := newTestServer(t, client, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/whatsauto_reply", map[string]string{
		"sender":      "+504 9999-0000",
		"message":     "hola",
		"sender_name": "Ana",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["reply"] != "Hola, ¿en qué puedo ayudarte?" {
		t.Fatalf("reply = %q", got["reply"])
	}

	msgs, err := st.Messages("50499990000@s.whatsapp.net")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestIntake_FailureReturnsApology(t *testing.T) {
	client := llmFunc(func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("model down")
	})
	s, _ := newTestServer(t, client, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/whatsauto_reply", map[string]string{
		"sender":  "50499990000",
		"message": "hola",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["reply"] != orchestrator.ApologyReply {
		t.Fatalf("reply = %q, want the apology", got["reply"])
	}
	if strings.Contains(got["reply"], "model down") {
		t.Fatal("raw error leaked into the reply")
	}
}

func TestSettings_DefaultsWhenUnset(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/crm/chatbot-settings", nil)
	got := decode[map[string]string](t, rec)
	if got["model"] != "test-model" {
		t.Errorf("model = %q, want the orchestrator default %q", got["model"], "test-model")
	}
	if got["personality_prompt"] != orchestrator.DefaultPersonality {
		t.Errorf("personality_prompt = %q, want the default", got["personality_prompt"])
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/chatbot-settings", map[string]string{
		"model":        "gpt-4o",
		"bot_identity": "Asistente de Henmir",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set code = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/crm/chatbot-settings", nil)
	got := decode[map[string]string](t, rec)
	if got["model"] != "gpt-4o" || got["bot_identity"] != "Asistente de Henmir" {
		t.Fatalf("settings = %v", got)
	}
}

func TestConversations_ListAndDetail(t *testing.T) {
	s, st := newTestServer(t, nil, nil)
	h := s.Handler()

	if err := st.EnsureConversation("1@s.whatsapp.net", "Ana"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendMessage("1@s.whatsapp.net", store.SenderUser, "hola", time.Time{}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/crm/chats", nil)
	convs := decode[[]store.Conversation](t, rec)
	if len(convs) != 1 || convs[0].ChatID != "1@s.whatsapp.net" {
		t.Fatalf("chats = %+v", convs)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/crm/conversations/1@s.whatsapp.net", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail code = %d", rec.Code)
	}
	detail := decode[struct {
		Conversation store.Conversation `json:"conversation"`
		Messages     []store.Message    `json:"messages"`
	}](t, rec)
	if len(detail.Messages) != 1 || detail.Messages[0].Content != "hola" {
		t.Fatalf("detail = %+v", detail)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/crm/conversations/ghost@s.whatsapp.net", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ghost code = %d, want 404", rec.Code)
	}
}

func TestBotToggle(t *testing.T) {
	s, st := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/chats/1@s.whatsapp.net/disable_bot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable code = %d", rec.Code)
	}
	conv, err := st.Conversation("1@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if conv.BotActive {
		t.Fatal("bot still active after disable")
	}

	rec = doJSON(t, h, http.MethodPost, "/api/crm/chats/1@s.whatsapp.net/enable_bot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable code = %d", rec.Code)
	}
	conv, _ = st.Conversation("1@s.whatsapp.net")
	if !conv.BotActive {
		t.Fatal("bot inactive after enable")
	}
}

func TestSendMessage_TransportDown(t *testing.T) {
	s, _ := newTestServer(t, nil, &fakeTransport{ready: false})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/send-message", map[string]string{
		"telefono": "50499990000",
		"mensaje":  "hola",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
}

func TestSendMessage_DeliversAndPersists(t *testing.T) {
	tr := &fakeTransport{ready: true}
	s, st := newTestServer(t, nil, tr)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/send-message", map[string]string{
		"telefono": "+504 9999-0000",
		"mensaje":  "Le escribe un asesor de Henmir.",
		"nombre":   "Ana",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if tr.chatID != "50499990000@s.whatsapp.net" {
		t.Fatalf("transport chatID = %q", tr.chatID)
	}

	msgs, err := st.Messages("50499990000@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Sender != store.SenderOperator {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestNotifications_MarkReadUnknown(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/notifications/ghost/read", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestTags_Lifecycle(t *testing.T) {
	s, st := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/crm/tags", map[string]string{"name": "urgente", "color": "#f00"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create code = %d", rec.Code)
	}
	tag := decode[store.Tag](t, rec)
	if tag.ID == "" || tag.Name != "urgente" {
		t.Fatalf("tag = %+v", tag)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/crm/chats/1@s.whatsapp.net/tags", map[string]string{"tag_id": tag.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("attach code = %d", rec.Code)
	}
	tags, err := st.TagsFor("1@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 {
		t.Fatalf("tags = %+v", tags)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/crm/chats/1@s.whatsapp.net/tags/"+tag.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detach code = %d", rec.Code)
	}
	tags, _ = st.TagsFor("1@s.whatsapp.net")
	if len(tags) != 0 {
		t.Fatalf("tags after detach = %+v", tags)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/crm/chats/1@s.whatsapp.net/tags", map[string]string{"tag_id": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ghost attach code = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil, &fakeTransport{ready: true})
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	got := decode[map[string]any](t, rec)
	if got["status"] != "ok" || got["transport_ready"] != true {
		t.Fatalf("health = %v", got)
	}
}

package wsbridge

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Henmir-HN/crm-henmir/internal/events"
)

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitForSubscriber(t *testing.T, bus *events.Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ReceivesBusEvents(t *testing.T) {
	bus := events.New()
	conn := dialTestServer(t, New(bus, nil, nil))
	waitForSubscriber(t, bus)

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindStatus,
		Data:      map[string]any{"status": "connected"},
	})

	f := readFrame(t, conn)
	if f.Type != events.KindStatus {
		t.Errorf("type = %q, want status", f.Type)
	}
	if f.Data["status"] != "connected" {
		t.Errorf("data = %v", f.Data)
	}
}

func TestSession_BroadcastToMultipleSessions(t *testing.T) {
	bus := events.New()
	s := New(bus, nil, nil)
	conn1 := dialTestServer(t, s)
	conn2 := dialTestServer(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sessions never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{Kind: events.KindSyncComplete, Timestamp: time.Now()})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		f := readFrame(t, conn)
		if f.Type != events.KindSyncComplete {
			t.Errorf("session %d: type = %q", i, f.Type)
		}
	}
}

func TestSession_SendCommand(t *testing.T) {
	bus := events.New()
	var gotPhone, gotMessage string
	send := func(ctx context.Context, phone, message, contactName string) error {
		gotPhone, gotMessage = phone, message
		return nil
	}

	conn := dialTestServer(t, New(bus, send, nil))
	waitForSubscriber(t, bus)

	cmd := `{"type":"send_single_message","task":{"telefono":"50499991234","mensaje":"hola","nombre":"Maria"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The result comes back as a log frame through the bus.
	f := readFrame(t, conn)
	if f.Type != events.KindLog {
		t.Errorf("type = %q, want log", f.Type)
	}
	if gotPhone != "50499991234" || gotMessage != "hola" {
		t.Errorf("send got (%q, %q)", gotPhone, gotMessage)
	}
}

func TestSession_SendFailureReported(t *testing.T) {
	bus := events.New()
	send := func(ctx context.Context, phone, message, contactName string) error {
		return errors.New("transporte desconectado")
	}

	conn := dialTestServer(t, New(bus, send, nil))
	waitForSubscriber(t, bus)

	cmd := `{"type":"send_single_message","task":{"telefono":"504","mensaje":"x"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, conn)
	msg, _ := f.Data["message"].(string)
	if !strings.Contains(msg, "falló") {
		t.Errorf("log message = %q, want failure report", msg)
	}
}

func TestToFrame_QRGetsPNG(t *testing.T) {
	f := toFrame(events.Event{
		Kind: events.KindQR,
		Data: map[string]any{"code": "2@abcdef"},
	})

	png, ok := f.Data["qr_png"].(string)
	if !ok {
		t.Fatal("no qr_png in frame data")
	}
	if !strings.HasPrefix(png, "data:image/png;base64,") {
		t.Errorf("qr_png prefix = %q", png[:30])
	}
	if f.Data["code"] != "2@abcdef" {
		t.Error("original code dropped from frame")
	}
}

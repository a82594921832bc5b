// Package wsbridge fans bus events out to operator panel WebSocket
// sessions and accepts the panel's manual send command.
package wsbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/Henmir-HN/crm-henmir/internal/events"
)

// SendFunc delivers an operator-composed message to a phone number.
type SendFunc func(ctx context.Context, phone, message, contactName string) error

// Server upgrades panel connections and streams events to them. Every
// connected session receives every event; disconnected sessions simply
// miss events and reconcile against the store on reconnect.
type Server struct {
	bus      *events.Bus
	send     SendFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates the WebSocket bridge. send may be nil, in which case the
// manual send command is rejected.
func New(bus *events.Bus, send SendFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:    bus,
		send:   send,
		logger: logger,
		upgrader: websocket.Upgrader{
			// The panel is served from the CRM origin, not ours.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// frame is the wire format sent to panel sessions.
type frame struct {
	Type string         `json:"type"`
	TS   time.Time      `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}

// command is an inbound panel message.
type command struct {
	Type string `json:"type"`
	Task struct {
		Telefono string `json:"telefono"`
		Mensaje  string `json:"mensaje"`
		Nombre   string `json:"nombre"`
	} `json:"task"`
}

// ServeHTTP handles one panel session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("operator session connected", "remote", r.RemoteAddr)

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Single writer: only this goroutine touches the connection's
	// write side. Command results go back through the bus as log
	// events rather than being written directly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			if err := conn.WriteJSON(toFrame(evt)); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleCommand(r.Context(), data)
	}

	s.bus.Unsubscribe(ch)
	<-done
	s.logger.Info("operator session closed", "remote", r.RemoteAddr)
}

func (s *Server) handleCommand(ctx context.Context, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Warn("malformed panel command", "error", err)
		return
	}

	switch cmd.Type {
	case "send_single_message":
		if s.send == nil {
			s.publishLog("envío manual no disponible")
			return
		}
		if cmd.Task.Telefono == "" || cmd.Task.Mensaje == "" {
			s.publishLog("envío manual rechazado: faltan telefono/mensaje")
			return
		}
		if err := s.send(ctx, cmd.Task.Telefono, cmd.Task.Mensaje, cmd.Task.Nombre); err != nil {
			s.logger.Error("manual send failed", "error", err)
			s.publishLog("envío manual falló: " + err.Error())
			return
		}
		s.publishLog("mensaje enviado a " + cmd.Task.Telefono)
	default:
		s.logger.Debug("unknown panel command", "type", cmd.Type)
	}
}

func (s *Server) publishLog(msg string) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAPI,
		Kind:      events.KindLog,
		Data:      map[string]any{"message": msg},
	})
}

// toFrame converts a bus event to the panel wire format. Pairing codes
// additionally get rendered as an embeddable PNG so the panel can show
// a scannable image directly.
func toFrame(evt events.Event) frame {
	f := frame{Type: evt.Kind, TS: evt.Timestamp, Data: evt.Data}

	if evt.Kind == events.KindQR {
		if code, ok := evt.Data["code"].(string); ok {
			if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
				data := make(map[string]any, len(evt.Data)+1)
				for k, v := range evt.Data {
					data[k] = v
				}
				data["qr_png"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
				f.Data = data
			}
		}
	}
	return f
}

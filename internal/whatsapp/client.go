// Package whatsapp is the WhatsApp transport: device session handling,
// QR pairing, inbound message archiving, and outbound sends.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waevents "go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/Henmir-HN/crm-henmir/internal/events"
)

// ErrNotConnected is returned by Send when the transport has no live
// WhatsApp session.
var ErrNotConnected = errors.New("whatsapp transport not connected")

// InboundFunc receives every archived inbound message. sender is a
// store sender role, ts the message's transport timestamp.
type InboundFunc func(chatID, contactName, sender, text string, ts time.Time)

// Client wraps a whatsmeow session.
type Client struct {
	wa        *whatsmeow.Client
	container *sqlstore.Container
	bus       *events.Bus
	logger    *slog.Logger

	onInbound InboundFunc

	mu        sync.RWMutex
	connected bool
}

// New opens the device session store at dbPath and prepares a client.
// It does not connect; call Connect.
func New(dbPath string, bus *events.Bus, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", newWALog(logger, "store"))
	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp store: %w", err)
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	c := &Client{
		wa:        whatsmeow.NewClient(device, newWALog(logger, "client")),
		container: container,
		bus:       bus,
		logger:    logger,
	}
	c.wa.AddEventHandler(c.handleEvent)
	return c, nil
}

// OnInbound registers the archiving callback. Must be called before
// Connect.
func (c *Client) OnInbound(fn InboundFunc) {
	c.onInbound = fn
}

// Connect establishes the WhatsApp session. An unpaired device goes
// through the QR pairing flow: pairing codes are published on the bus
// so operator consoles can render them.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return c.pair(ctx)
	}

	c.publishStatus("connecting")
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

func (c *Client) pair(ctx context.Context) error {
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}

	c.publishStatus("qr")
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				c.logger.Info("whatsapp pairing code issued")
				c.bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceWhatsApp,
					Kind:      events.KindQR,
					Data:      map[string]any{"code": item.Code},
				})
			case "success":
				c.logger.Info("whatsapp pairing accepted")
			case "timeout":
				c.logger.Warn("whatsapp pairing timed out")
				c.publishStatus("disconnected")
			}
		}
	}()
	return nil
}

// Disconnect tears down the session.
func (c *Client) Disconnect() {
	c.wa.Disconnect()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Ready reports whether the transport can send messages right now.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.wa.IsConnected()
}

// Send delivers text to a chat, converting markdown to WhatsApp
// formatting on the way out.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	if !c.Ready() {
		return ErrNotConnected
	}

	_, err := c.wa.SendMessage(ctx, ToJID(chatID), &waE2E.Message{
		Conversation: proto.String(FormatOutgoing(text)),
	})
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(evt any) {
	switch e := evt.(type) {
	case *waevents.Message:
		c.handleMessage(e)
	case *waevents.Connected:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("whatsapp connected")
		c.publishStatus("connected")
	case *waevents.OfflineSyncCompleted:
		c.logger.Info("whatsapp offline sync complete")
		c.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Kind:      events.KindSyncComplete,
		})
	case *waevents.Disconnected:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("whatsapp disconnected")
		c.publishStatus("disconnected")
	case *waevents.LoggedOut:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Error("whatsapp logged out, re-pairing required")
		c.publishStatus("logged_out")
	}
}

func (c *Client) handleMessage(evt *waevents.Message) {
	// Group chats are out of scope; only direct conversations are
	// archived.
	if evt.Info.IsGroup {
		return
	}

	text := messageText(evt)
	if text == "" {
		return
	}

	chatID := evt.Info.Chat.String()
	sender := "user"
	if evt.Info.IsFromMe {
		// Sent from the paired phone itself, outside the panel.
		sender = "operator"
	}

	if c.onInbound != nil {
		c.onInbound(chatID, evt.Info.PushName, sender, text, evt.Info.Timestamp)
	}
}

// messageText extracts the text of a message, or a media placeholder
// for non-text content.
func messageText(evt *waevents.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}

	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}

	switch {
	case msg.GetImageMessage() != nil:
		return "<media:image>"
	case msg.GetAudioMessage() != nil:
		return "<media:audio>"
	case msg.GetVideoMessage() != nil:
		return "<media:video>"
	case msg.GetDocumentMessage() != nil:
		return "<media:document>"
	case msg.GetStickerMessage() != nil:
		return "<media:sticker>"
	}
	return ""
}

func (c *Client) publishStatus(status string) {
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindStatus,
		Data:      map[string]any{"status": status},
	})
}

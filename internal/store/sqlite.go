package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Conversations, keyed by transport chat ID
	CREATE TABLE IF NOT EXISTS conversations (
		chat_id TEXT PRIMARY KEY,
		contact_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new_visitor',
		bot_active BOOLEAN NOT NULL DEFAULT TRUE,
		known_identity TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Messages
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES conversations(chat_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, timestamp);

	-- Operator notifications
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read, created_at);

	-- Tags
	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		color TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS conversation_tags (
		chat_id TEXT NOT NULL,
		tag_id TEXT NOT NULL,
		PRIMARY KEY (chat_id, tag_id),
		FOREIGN KEY (chat_id) REFERENCES conversations(chat_id) ON DELETE CASCADE,
		FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
	);

	-- Runtime settings (personality prompt, model override)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureConversation makes sure a conversation row exists for chatID.
// If contactName is non-empty it is written, overwriting any previous
// name for the chat.
func (s *Store) EnsureConversation(chatID, contactName string) error {
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO conversations (chat_id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, chatID, now, now)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	if contactName != "" {
		_, err = s.db.Exec(`
			UPDATE conversations SET contact_name = ? WHERE chat_id = ?
		`, contactName, chatID)
		if err != nil {
			return fmt.Errorf("update contact name: %w", err)
		}
	}

	return nil
}

// Conversation retrieves a single conversation by chat ID, tags included.
// Returns ErrNotFound when the chat is untracked.
func (s *Store) Conversation(chatID string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, contact_name, status, bot_active, known_identity, created_at, updated_at
		FROM conversations WHERE chat_id = ?
	`, chatID)

	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	conv.Tags, err = s.TagsFor(chatID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Conversations lists all conversations, most recently active first.
// Each entry carries its tags and a preview of the latest message.
func (s *Store) Conversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.chat_id, c.contact_name, c.status, c.bot_active, c.known_identity,
		       c.created_at, c.updated_at,
		       COALESCE((SELECT m.content FROM messages m
		                 WHERE m.chat_id = c.chat_id
		                 ORDER BY m.timestamp DESC LIMIT 1), '')
		FROM conversations c
		ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var identity sql.NullString
		if err := rows.Scan(&c.ChatID, &c.ContactName, &c.Status, &c.BotActive,
			&identity, &c.CreatedAt, &c.UpdatedAt, &c.LastMessage); err != nil {
			return nil, err
		}
		if identity.Valid {
			c.KnownIdentity = identity.String
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		tags, err := s.TagsFor(convs[i].ChatID)
		if err != nil {
			return nil, err
		}
		convs[i].Tags = tags
	}
	return convs, nil
}

// AppendMessage persists one turn and bumps the conversation's activity
// timestamp. The conversation row is created if it does not exist yet.
func (s *Store) AppendMessage(chatID, sender, content string, ts time.Time) (*Message, error) {
	if err := s.EnsureConversation(chatID, ""); err != nil {
		return nil, err
	}

	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msgID, _ := uuid.NewV7()

	msg := &Message{
		ID:        msgID.String(),
		ChatID:    chatID,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, sender, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.Sender, msg.Content, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE conversations SET updated_at = ? WHERE chat_id = ?
	`, time.Now().UTC(), chatID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	return msg, nil
}

// Messages retrieves the full history of a conversation in
// chronological order.
func (s *Store) Messages(chatID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, sender, content, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// RecentMessages retrieves the last limit messages of a conversation
// in chronological order.
func (s *Store) RecentMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, chat_id, sender, content, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetBotActive toggles automatic replies for a chat. The conversation
// row is created if the chat was untracked.
func (s *Store) SetBotActive(chatID string, active bool) error {
	if err := s.EnsureConversation(chatID, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conversations SET bot_active = ?, updated_at = ? WHERE chat_id = ?
	`, active, time.Now().UTC(), chatID)
	return err
}

// SetStatus updates a conversation's lifecycle status.
func (s *Store) SetStatus(chatID, status string) error {
	if err := s.EnsureConversation(chatID, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conversations SET status = ?, updated_at = ? WHERE chat_id = ?
	`, status, time.Now().UTC(), chatID)
	return err
}

// SetIdentity records the verified identity for a chat and promotes it
// to identified status. Later confirmations overwrite earlier ones.
func (s *Store) SetIdentity(chatID, identity string) error {
	if err := s.EnsureConversation(chatID, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conversations SET known_identity = ?, status = ?, updated_at = ?
		WHERE chat_id = ?
	`, identity, StatusIdentified, time.Now().UTC(), chatID)
	return err
}

// MarkNeedsHuman flips a conversation into the escalated state: status
// becomes needs_human_intervention and the bot is switched off. Returns
// true when the conversation transitioned, false when it was already
// escalated.
func (s *Store) MarkNeedsHuman(chatID string) (bool, error) {
	if err := s.EnsureConversation(chatID, ""); err != nil {
		return false, err
	}

	res, err := s.db.Exec(`
		UPDATE conversations SET status = ?, bot_active = FALSE, updated_at = ?
		WHERE chat_id = ? AND status != ?
	`, StatusNeedsHuman, time.Now().UTC(), chatID, StatusNeedsHuman)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddNotification records an operator alert for a chat. The contact
// name is copied from the conversation so the alert is self-contained.
func (s *Store) AddNotification(chatID, typ, content string) (*Notification, error) {
	var contactName string
	err := s.db.QueryRow(`SELECT contact_name FROM conversations WHERE chat_id = ?`, chatID).Scan(&contactName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification contact name: %w", err)
	}

	id, _ := uuid.NewV7()
	n := &Notification{
		ID:          id.String(),
		ChatID:      chatID,
		ContactName: contactName,
		Type:        typ,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO notifications (id, chat_id, contact_name, type, content, read, created_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?)
	`, n.ID, n.ChatID, n.ContactName, n.Type, n.Content, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// Notifications lists alerts, newest first. When unreadOnly is set,
// already-read alerts are filtered out.
func (s *Store) Notifications(unreadOnly bool) ([]Notification, error) {
	q := `
		SELECT id, chat_id, contact_name, type, content, read, created_at
		FROM notifications
	`
	if unreadOnly {
		q += ` WHERE read = FALSE`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.ChatID, &n.ContactName, &n.Type, &n.Content, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks one alert as read. Marking an
// already-read alert is a no-op; an unknown ID returns ErrNotFound.
func (s *Store) MarkNotificationRead(id string) error {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM notifications WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	_, err = s.db.Exec(`UPDATE notifications SET read = TRUE WHERE id = ?`, id)
	return err
}

// CreateTag creates a tag. Names are unique; creating a tag with an
// existing name returns the existing tag.
func (s *Store) CreateTag(name, color string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("tag name is empty")
	}

	id, _ := uuid.NewV7()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO tags (id, name, color) VALUES (?, ?, ?)
	`, id.String(), name, color)
	if err != nil {
		return nil, fmt.Errorf("insert tag: %w", err)
	}

	row := s.db.QueryRow(`SELECT id, name, color FROM tags WHERE name = ?`, name)
	var t Tag
	if err := row.Scan(&t.ID, &t.Name, &t.Color); err != nil {
		return nil, err
	}
	return &t, nil
}

// Tags lists all tags alphabetically.
func (s *Store) Tags() ([]Tag, error) {
	rows, err := s.db.Query(`SELECT id, name, color FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AttachTag links a tag to a conversation. Attaching an already
// attached tag is a no-op. Unknown tag IDs return ErrNotFound.
func (s *Store) AttachTag(chatID, tagID string) error {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM tags WHERE id = ?)`, tagID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("tag %s: %w", tagID, ErrNotFound)
	}

	if err := s.EnsureConversation(chatID, ""); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO conversation_tags (chat_id, tag_id) VALUES (?, ?)
	`, chatID, tagID)
	return err
}

// DetachTag removes a tag from a conversation. Detaching a tag that
// was never attached is a no-op.
func (s *Store) DetachTag(chatID, tagID string) error {
	_, err := s.db.Exec(`
		DELETE FROM conversation_tags WHERE chat_id = ? AND tag_id = ?
	`, chatID, tagID)
	return err
}

// TagsFor lists the tags attached to a conversation.
func (s *Store) TagsFor(chatID string) ([]Tag, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.color
		FROM tags t
		JOIN conversation_tags ct ON ct.tag_id = t.id
		WHERE ct.chat_id = ?
		ORDER BY t.name ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list conversation tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Setting retrieves one runtime setting. Returns ErrNotFound for
// unknown keys.
func (s *Store) Setting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting writes one runtime setting, overwriting any prior value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Settings returns all runtime settings as a map.
func (s *Store) Settings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var identity sql.NullString
	err := row.Scan(&c.ChatID, &c.ContactName, &c.Status, &c.BotActive,
		&identity, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if identity.Valid {
		c.KnownIdentity = identity.String
	}
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

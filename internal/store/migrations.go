package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// initialize creates the required tables.
func (s *Store) initialize() error {
	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT,
		image_base64 TEXT,
		image_media_type TEXT,
		tool_calls TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	for _, table := range []string{conversationsTable, messagesTable, metaTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// loadAll rehydrates the in-memory arena from SQLite, newest first.
func (s *Store) loadAll() error {
	rows, err := s.db.Query(
		`SELECT id, title, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable conversation row: %v", err)
			continue
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		s.convs[c.ID] = &c
		s.order = append(s.order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range s.order {
		if err := s.loadMessages(s.convs[id]); err != nil {
			return err
		}
	}

	var active string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'active_conversation'`).Scan(&active)
	if err == nil {
		if _, ok := s.convs[active]; ok {
			s.activeID = active
		}
	} else if err != sql.ErrNoRows {
		return err
	}
	return nil
}

func (s *Store) loadMessages(c *Conversation) error {
	rows, err := s.db.Query(
		`SELECT id, role, content, message_type, image_base64, image_media_type, tool_calls, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY position ASC`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var msgType, imageB64, imageMedia, toolCalls sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &msgType, &imageB64, &imageMedia, &toolCalls, &created); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable message row: %v", err)
			continue
		}
		m.Type = MessageType(msgType.String)
		m.ImageBase64 = imageB64.String
		m.ImageMediaType = imageMedia.String
		m.CreatedAt = time.UnixMilli(created)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				logging.StoreDebug("Dropping unreadable tool calls for message %s: %v", m.ID, err)
			}
		}
		c.Messages = append(c.Messages, m)
	}
	return rows.Err()
}

// persistence helpers - all called with s.mu held by the mutating op.
// Persistence failures are logged and swallowed: the in-memory arena is
// authoritative for the running session.

func (s *Store) persistConversation(c *Conversation) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO conversations (id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to persist conversation %s: %v", c.ID, err)
	}
}

func (s *Store) persistMessage(conversationID string, position int, m *Message) {
	if s.db == nil {
		return
	}
	var toolCalls string
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			logging.StoreDebug("Failed to marshal tool calls for %s: %v", m.ID, err)
		} else {
			toolCalls = string(data)
		}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages
		 (id, conversation_id, position, role, content, message_type, image_base64, image_media_type, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, conversationID, position, string(m.Role), m.Content, string(m.Type),
		m.ImageBase64, m.ImageMediaType, toolCalls, m.CreatedAt.UnixMilli())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to persist message %s: %v", m.ID, err)
	}
}

func (s *Store) persistActive(id string) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('active_conversation', ?)`, id)
	if err != nil {
		logging.StoreDebug("Failed to persist active conversation: %v", err)
	}
}

func (s *Store) deletePersisted(id string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete messages for %s: %v", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete conversation %s: %v", id, err)
	}
}

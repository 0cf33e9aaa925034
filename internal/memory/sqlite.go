package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yysun/agent-world-sub012/internal/world"
)

// SQLiteStore persists per-agent message history in SQLite. Writes are
// synchronous: the router reads history back immediately after appending, so
// an async indexer-style writer would break read-after-write consistency.
// A single connection serializes access instead.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	once sync.Once
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy workload; NORMAL is a fair durability
	// tradeoff for conversation history.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			agent_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			world_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reply_to TEXT,
			tool_calls_json TEXT,
			tool_call_id TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, chat_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, agentID, chatID string, msg world.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (agent_id, chat_id, seq, id, world_id, sender, role, content, reply_to, tool_calls_json, tool_call_id, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE agent_id = ? AND chat_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, chatID, agentID, chatID,
		msg.ID, msg.WorldID, msg.Sender, msg.Role, msg.Content,
		nullable(msg.ReplyToMessageID), toolCalls, nullable(msg.ToolCallID),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, agentID, chatID string) ([]world.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, sender, role, content, reply_to, tool_calls_json, tool_call_id, created_at
		FROM messages WHERE agent_id = ? AND chat_id = ? ORDER BY seq`,
		agentID, chatID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []world.Message
	for rows.Next() {
		var m world.Message
		var replyTo, toolCalls, toolCallID sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.WorldID, &m.Sender, &m.Role, &m.Content, &replyTo, &toolCalls, &toolCallID, &createdAt); err != nil {
			return nil, err
		}
		m.ChatID = chatID
		m.ReplyToMessageID = replyTo.String
		m.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for %s: %w", m.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

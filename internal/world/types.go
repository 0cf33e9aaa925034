package world

import (
	"time"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Canonical non-agent senders.
const (
	SenderHuman  = "human"
	SenderSystem = "system"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// Message is the unit of conversation. IDs are assigned once and never
// reused; messages are append-only after creation (edits are modeled as
// delete+recreate outside this core).
type Message struct {
	ID               string     `json:"id"`
	WorldID          string     `json:"world_id"`
	ChatID           string     `json:"chat_id,omitempty"` // empty: no active chat session
	Sender           string     `json:"sender"`
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReplyToMessageID string     `json:"reply_to_message_id,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"` // set when Role == tool
	CreatedAt        time.Time  `json:"created_at"`
}

// ApprovalRequest is ephemeral and in-memory only; its outcome becomes a
// role=tool message, never the request itself.
type ApprovalRequest struct {
	RequestID        string
	WorldID          string
	ChatID           string
	AgentID          string
	ToolCallID       string
	ToolName         string
	ToolArgs         string // JSON-encoded
	WorkingDirectory string
	Options          []string
	CreatedAt        time.Time
}

// Decision is a settled resolution of an ApprovalRequest.
type Decision struct {
	Decision string
	Reason   string
}

// QueueEntry is one admitted unit of work for a world.
type QueueEntry struct {
	Msg        Message
	EnqueuedAt time.Time
}

// AgentInfo describes an LLM-backed participant registered in a world.
type AgentInfo struct {
	ID           string
	Name         string
	SystemPrompt string
	Model        string
}

// WorldState holds the per-world mutable context. It is owned by the world's
// single queue worker; no other goroutine may touch it.
type WorldState struct {
	ID               string
	Name             string
	Agents           map[string]*AgentInfo
	AgentOrder       []string
	CurrentChatID    string
	WorkingDirectory string
	AutoMention      bool

	Turns        uint64
	LastActivity time.Time
}

func (w *WorldState) Agent(id string) *AgentInfo {
	if w == nil {
		return nil
	}
	return w.Agents[id]
}

// AgentByName matches a mention token against registered agent names and IDs.
func (w *WorldState) AgentByName(name string) *AgentInfo {
	if w == nil || name == "" {
		return nil
	}
	for _, id := range w.AgentOrder {
		a := w.Agents[id]
		if a == nil {
			continue
		}
		if equalFold(a.Name, name) || equalFold(a.ID, name) {
			return a
		}
	}
	return nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func messageEventPayload(m Message) protocol.EventPayload {
	p := protocol.EventPayload{
		"id":         m.ID,
		"world_id":   m.WorldID,
		"sender":     m.Sender,
		"role":       m.Role,
		"content":    m.Content,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ChatID != "" {
		p["chat_id"] = m.ChatID
	}
	if m.ReplyToMessageID != "" {
		p["reply_to_message_id"] = m.ReplyToMessageID
	}
	if m.ToolCallID != "" {
		p["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			calls = append(calls, map[string]any{"id": c.ID, "name": c.Name, "arguments": c.Arguments})
		}
		p["tool_calls"] = calls
	}
	return p
}

package world

import "context"

// Model output kinds.
const (
	OutputText      = "text"
	OutputToolCalls = "tool_calls"
)

// ModelOutput is the settled result of one model invocation.
type ModelOutput struct {
	Kind    string
	Content string
	Calls   []ToolCall
}

// StreamSink receives incremental assistant text while a model call is in
// flight. The settled ModelOutput, not the chunks, is what gets persisted.
type StreamSink func(chunk string)

// LanguageModel turns an agent's conversation into text or tool-call
// requests. Implementations live outside this core (provider adapters are a
// collaborator concern); retries, if any, belong to the implementation.
type LanguageModel interface {
	Generate(ctx context.Context, agentID string, history []Message, stream StreamSink) (ModelOutput, error)
}

// AgentMemory persists and replays per-agent conversation history, keyed by
// chat. Append-only in this core's usage.
type AgentMemory interface {
	Append(ctx context.Context, agentID, chatID string, msg Message) error
	History(ctx context.Context, agentID, chatID string) ([]Message, error)
}

// ToolInvocation names a tool call to run.
type ToolInvocation struct {
	CallID           string
	Name             string
	Arguments        string // JSON-encoded
	WorkingDirectory string
}

// ToolOutcome is the executor's verdict. The executor enforces its own
// sandboxing; the gate only decides whether it runs.
type ToolOutcome struct {
	OK     bool
	Result string
	Err    string
}

// ToolExecutor runs a named tool with arguments.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolInvocation) ToolOutcome
}

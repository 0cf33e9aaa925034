package world

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

// Test doubles for the runtime's ports.

type fakeMemory struct {
	mu      sync.Mutex
	streams map[[2]string][]Message
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{streams: map[[2]string][]Message{}}
}

func (m *fakeMemory) Append(_ context.Context, agentID, chatID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{agentID, chatID}
	m.streams[k] = append(m.streams[k], msg)
	return nil
}

func (m *fakeMemory) History(_ context.Context, agentID, chatID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.streams[[2]string{agentID, chatID}]
	out := make([]Message, len(src))
	copy(out, src)
	return out, nil
}

func (m *fakeMemory) count(agentID, chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[[2]string{agentID, chatID}])
}

// fakeModel dispatches each Generate call to fn with a 1-based call counter.
type fakeModel struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, agentID string, history []Message, sink StreamSink) (ModelOutput, error)
}

func (f *fakeModel) Generate(_ context.Context, agentID string, history []Message, sink StreamSink) (ModelOutput, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, agentID, history, sink)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textOutput(s string) (ModelOutput, error) {
	return ModelOutput{Kind: OutputText, Content: s}, nil
}

type countExecutor struct {
	mu      sync.Mutex
	calls   []ToolInvocation
	outcome ToolOutcome
}

func (e *countExecutor) Execute(_ context.Context, call ToolInvocation) ToolOutcome {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	return e.outcome
}

func (e *countExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// drainEvents empties a subscription's buffered events without blocking.
func drainEvents(sub *Subscription) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev, ok := <-sub.Out:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []protocol.Event, typ string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// awaitHITL waits for the next hitl-option-request on sub and returns its
// request id, passing through any earlier events.
func awaitHITL(t *testing.T, sub *Subscription) (string, []protocol.Event) {
	t.Helper()
	var seen []protocol.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Out:
			if !ok {
				t.Fatalf("subscription closed before approval request")
			}
			seen = append(seen, ev)
			if ev.Type == protocol.EventHITLOption {
				id, _ := ev.Payload["request_id"].(string)
				if id == "" {
					t.Fatalf("approval request event missing request_id: %v", ev.Payload)
				}
				return id, seen
			}
		case <-deadline:
			t.Fatalf("no approval request observed; saw %d events", len(seen))
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

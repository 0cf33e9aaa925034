package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yysun/agent-world-sub012/internal/protocol"
	"github.com/yysun/agent-world-sub012/internal/world"
)

type memStore struct {
	mu      sync.Mutex
	streams map[[2]string][]world.Message
}

func (m *memStore) Append(_ context.Context, agentID, chatID string, msg world.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]string{agentID, chatID}
	m.streams[k] = append(m.streams[k], msg)
	return nil
}

func (m *memStore) History(_ context.Context, agentID, chatID string) ([]world.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.streams[[2]string{agentID, chatID}]
	out := make([]world.Message, len(src))
	copy(out, src)
	return out, nil
}

// echoBack replies with the last user content; toolFirst issues one gated
// tool call before settling.
type echoBack struct{}

func (echoBack) Generate(_ context.Context, _ string, history []world.Message, _ world.StreamSink) (world.ModelOutput, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == world.RoleUser {
			return world.ModelOutput{Kind: world.OutputText, Content: "echo: " + history[i].Content}, nil
		}
	}
	return world.ModelOutput{Kind: world.OutputText, Content: "echo:"}, nil
}

type toolFirst struct {
	mu    sync.Mutex
	calls int
}

func (m *toolFirst) Generate(_ context.Context, _ string, _ []world.Message, _ world.StreamSink) (world.ModelOutput, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	if n == 1 {
		return world.ModelOutput{Kind: world.OutputToolCalls, Calls: []world.ToolCall{
			{ID: "tc1", Name: "clock", Arguments: "{}"},
		}}, nil
	}
	return world.ModelOutput{Kind: world.OutputText, Content: "the time is noon"}, nil
}

type fixedExecutor struct{ result string }

func (e fixedExecutor) Execute(context.Context, world.ToolInvocation) world.ToolOutcome {
	return world.ToolOutcome{OK: true, Result: e.result}
}

func startServer(t *testing.T, model world.LanguageModel) (*websocket.Conn, *world.Runtime) {
	t.Helper()
	mem := &memStore{streams: map[[2]string][]world.Message{}}
	rt := world.NewRuntime(nil, mem, model, fixedExecutor{result: "12:00"}, world.Options{
		Heartbeat:       time.Minute,
		ApprovalTimeout: time.Minute,
	})
	err := rt.AddWorld(&world.WorldState{
		ID:         "w1",
		Name:       "Test World",
		Agents:     map[string]*world.AgentInfo{"a1": {ID: "a1", Name: "Alice"}},
		AgentOrder: []string{"a1"},
	})
	if err != nil {
		t.Fatalf("add world: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", NewServer(rt, nil).Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, rt
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitForFrame reads frames until pred accepts one, returning its raw bytes.
func waitForFrame(t *testing.T, conn *websocket.Conn, pred func(typ string, raw []byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		base, err := protocol.DecodeBase(raw)
		if err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		if pred(base.Type, raw) {
			return raw
		}
	}
	t.Fatalf("expected frame never arrived")
	return nil
}

func handshake(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	writeFrame(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "test"})
	raw := waitForFrame(t, conn, func(typ string, _ []byte) bool { return typ == protocol.TypeWelcome })
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return welcome
}

func subscribe(t *testing.T, conn *websocket.Conn, worldID, chatID string, sinceSeq uint64) {
	t.Helper()
	writeFrame(t, conn, protocol.SubscribeMsg{
		Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version,
		WorldID: worldID, ChatID: chatID, SinceSeq: sinceSeq,
	})
	waitForFrame(t, conn, func(typ string, _ []byte) bool { return typ == protocol.TypeSubscribed })
}

func eventOfKind(t *testing.T, conn *websocket.Conn, kind string) protocol.Event {
	t.Helper()
	raw := waitForFrame(t, conn, func(typ string, raw []byte) bool {
		if typ != protocol.TypeEvent {
			return false
		}
		var m protocol.EventMsg
		return json.Unmarshal(raw, &m) == nil && m.Event.Type == kind
	})
	var m protocol.EventMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("event: %v", err)
	}
	return m.Event
}

func TestHandshakeAndChat(t *testing.T) {
	conn, _ := startServer(t, echoBack{})

	welcome := handshake(t, conn)
	if welcome.SessionID == "" || len(welcome.WorldManifest) != 1 || welcome.WorldManifest[0].WorldID != "w1" {
		t.Fatalf("welcome %+v", welcome)
	}

	subscribe(t, conn, "w1", "c1", 0)

	writeFrame(t, conn, protocol.ClientMessageMsg{
		Type: protocol.TypeMessage, ProtocolVersion: protocol.Version,
		ReqID: "q1", WorldID: "w1", ChatID: "c1", Content: "hello world",
	})

	// ACK and event delivery race on the wire; collect until both are seen.
	gotAck, gotReply := false, false
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !gotAck || !gotReply {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		base, _ := protocol.DecodeBase(raw)
		switch base.Type {
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(raw, &ack); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if !ack.Accepted || ack.AckFor != "q1" {
				t.Fatalf("ack %+v", ack)
			}
			gotAck = true
		case protocol.TypeEvent:
			var m protocol.EventMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("event: %v", err)
			}
			if content, _ := m.Event.Payload["content"].(string); content == "echo: hello world" {
				gotReply = true
			}
		}
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	conn, _ := startServer(t, echoBack{})
	writeFrame(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection close for bad protocol version")
	}
}

func TestDecisionFrameValidation(t *testing.T) {
	conn, _ := startServer(t, echoBack{})
	handshake(t, conn)

	// Schema violation: missing request_id.
	writeFrame(t, conn, map[string]any{"type": "DECISION", "decision": "deny"})
	raw := waitForFrame(t, conn, func(typ string, _ []byte) bool { return typ == protocol.TypeAck })
	var ack protocol.AckMsg
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ack.Accepted || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack %+v", ack)
	}

	// Well-formed but unknown request id.
	writeFrame(t, conn, protocol.DecisionMsg{
		Type: protocol.TypeDecision, ProtocolVersion: protocol.Version,
		ReqID: "q2", RequestID: "no-such-request", Decision: protocol.DecisionDeny,
	})
	raw = waitForFrame(t, conn, func(typ string, _ []byte) bool { return typ == protocol.TypeAck })
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ack.Accepted || ack.Code != protocol.ErrRequestNotFound {
		t.Fatalf("ack %+v", ack)
	}
}

func TestApprovalFlowOverWebsocket(t *testing.T) {
	conn, _ := startServer(t, &toolFirst{})
	handshake(t, conn)
	subscribe(t, conn, "w1", "c1", 0)

	writeFrame(t, conn, protocol.ClientMessageMsg{
		Type: protocol.TypeMessage, ProtocolVersion: protocol.Version,
		ReqID: "q1", WorldID: "w1", ChatID: "c1", Content: "what time is it",
	})

	prompt := eventOfKind(t, conn, protocol.EventHITLOption)
	reqID, _ := prompt.Payload["request_id"].(string)
	if reqID == "" {
		t.Fatalf("prompt without request_id: %v", prompt.Payload)
	}

	writeFrame(t, conn, protocol.DecisionMsg{
		Type: protocol.TypeDecision, ProtocolVersion: protocol.Version,
		ReqID: "q2", RequestID: reqID, Decision: protocol.DecisionApproveOnce,
	})

	result := eventOfKind(t, conn, protocol.EventToolResult)
	if s, _ := result.Payload["result_summary"].(string); s != "12:00" {
		t.Fatalf("tool result %v", result.Payload)
	}

	for {
		ev := eventOfKind(t, conn, protocol.EventMessage)
		if content, _ := ev.Payload["content"].(string); content == "the time is noon" {
			return
		}
	}
}

func TestEventBatchQuery(t *testing.T) {
	conn, rt := startServer(t, echoBack{})
	handshake(t, conn)
	subscribe(t, conn, "w1", "c1", 0)

	writeFrame(t, conn, protocol.ClientMessageMsg{
		Type: protocol.TypeMessage, ProtocolVersion: protocol.Version,
		ReqID: "q1", WorldID: "w1", ChatID: "c1", Content: "hello",
	})
	for {
		ev := eventOfKind(t, conn, protocol.EventMessage)
		if content, _ := ev.Payload["content"].(string); content == "echo: hello" {
			break
		}
	}

	writeFrame(t, conn, protocol.EventBatchReqMsg{
		Type: protocol.TypeEventBatchReq, ProtocolVersion: protocol.Version,
		ReqID: "q3", WorldID: "w1", ChatID: "c1", SinceSeq: 0, Limit: 100,
	})
	raw := waitForFrame(t, conn, func(typ string, _ []byte) bool { return typ == protocol.TypeEventBatch })
	var batch protocol.EventBatchMsg
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if batch.ReqID != "q3" || len(batch.Events) == 0 {
		t.Fatalf("batch %+v", batch)
	}
	for i, ev := range batch.Events {
		if ev.Seq != uint64(i)+1 {
			t.Fatalf("batch seq gap at %d: %d", i, ev.Seq)
		}
	}
	if _, seq := rt.EventsAfter("w1", "c1", 0, 1000); seq != batch.NextSeq {
		t.Fatalf("next_seq %d disagrees with runtime %d", batch.NextSeq, seq)
	}
}

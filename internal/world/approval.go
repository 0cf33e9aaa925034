package world

import (
	"context"
	"encoding/json"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

const (
	// TimeoutReason marks a request nobody resolved before its deadline.
	TimeoutReason = "timeout"

	defaultApprovalTimeout = 5 * time.Minute
	settledTombstoneTTL    = 10 * time.Minute
)

type pendingApproval struct {
	req   *ApprovalRequest
	done  chan Decision
	timer *time.Timer
}

// ApprovalGate intercepts tool-call requests and gates execution behind an
// explicit human decision. Session approvals are never cached: they are
// recomputed from the agent's message log on every check, which is what makes
// the answer identical across restarts, reloads and concurrent viewers.
type ApprovalGate struct {
	log     *log.Logger
	bc      *Broadcaster
	memory  AgentMemory
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
	settled map[string]time.Time
}

func NewApprovalGate(logger *log.Logger, bc *Broadcaster, memory AgentMemory, timeout time.Duration) *ApprovalGate {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	return &ApprovalGate{
		log:     logger,
		bc:      bc,
		memory:  memory,
		timeout: timeout,
		pending: map[string]*pendingApproval{},
		settled: map[string]time.Time{},
	}
}

// CheckApproval answers whether a tool call may run now. If a prior
// approve_session outcome in history matches the call, it is approved without
// prompting; otherwise a new ApprovalRequest is created and announced as a
// hitl-option-request event, and the caller must not execute the tool until
// the request resolves.
func (g *ApprovalGate) CheckApproval(worldID, chatID, agentID string, call ToolInvocation, history []Message) (bool, *ApprovalRequest) {
	if SessionApproved(history, call) {
		return true, nil
	}

	req := &ApprovalRequest{
		RequestID:        uuid.NewString(),
		WorldID:          worldID,
		ChatID:           chatID,
		AgentID:          agentID,
		ToolCallID:       call.CallID,
		ToolName:         call.Name,
		ToolArgs:         call.Arguments,
		WorkingDirectory: call.WorkingDirectory,
		Options:          append([]string(nil), protocol.DefaultApprovalOptions...),
		CreatedAt:        time.Now().UTC(),
	}
	p := &pendingApproval{
		req:  req,
		done: make(chan Decision, 1),
	}
	g.mu.Lock()
	g.pending[req.RequestID] = p
	p.timer = time.AfterFunc(g.timeout, func() { g.resolveTimeout(req.RequestID) })
	g.mu.Unlock()

	g.bc.Publish(worldID, chatID, protocol.EventHITLOption, protocol.EventPayload{
		"request_id":        req.RequestID,
		"agent_id":          agentID,
		"tool_call_id":      call.CallID,
		"tool_name":         call.Name,
		"tool_args":         call.Arguments,
		"working_directory": call.WorkingDirectory,
		"options":           req.Options,
	})
	return false, req
}

// SessionApproved scans history backward for the most recent tool outcome
// whose decision was approve_session and whose tool name, working directory
// and deep-equal arguments all match the candidate call.
func SessionApproved(history []Message, call ToolInvocation) bool {
	callArgs := decodeArgs(call.Arguments)
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != RoleTool {
			continue
		}
		p, ok := protocol.ParseToolResult(m.Content)
		if !ok || p.Decision != protocol.DecisionApproveSession {
			continue
		}
		if p.ToolName != call.Name || p.WorkingDirectory != call.WorkingDirectory {
			continue
		}
		if argsEqual(p.ToolArgs, callArgs) {
			return true
		}
	}
	return false
}

func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func argsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Await blocks until the request resolves or ctx is cancelled.
func (g *ApprovalGate) Await(ctx context.Context, requestID string) (Decision, error) {
	g.mu.Lock()
	p := g.pending[requestID]
	g.mu.Unlock()
	if p == nil {
		return Decision{}, codedErrorf(protocol.ErrRequestNotFound, "approval request %s not pending", requestID)
	}
	select {
	case d := <-p.done:
		return d, nil
	case <-ctx.Done():
		g.abandon(requestID)
		return Decision{}, ctx.Err()
	}
}

// Resolve settles a pending request with a client decision. It is idempotent
// per request id: duplicate submissions for an already settled request are
// logged and ignored. A decision addressed to a tool call the target agent
// never issued is rejected before any state changes.
func (g *ApprovalGate) Resolve(ctx context.Context, requestID, decision string) error {
	if !protocol.IsKnownDecision(decision) {
		return codedErrorf(protocol.ErrBadRequest, "unknown decision %q", decision)
	}

	g.mu.Lock()
	p := g.pending[requestID]
	if p == nil {
		_, wasSettled := g.settled[requestID]
		g.mu.Unlock()
		if wasSettled {
			if g.log != nil {
				g.log.Printf("duplicate resolution for %s ignored", requestID)
			}
			return nil
		}
		return codedErrorf(protocol.ErrRequestNotFound, "approval request %s not found", requestID)
	}
	req := p.req
	g.mu.Unlock()

	if err := g.verifyOwnership(ctx, req); err != nil {
		return err
	}

	return g.settle(requestID, Decision{Decision: decision})
}

// verifyOwnership confirms the request's tool_call_id was issued by the
// target agent itself. This is what prevents a decision aimed at one agent
// from leaking approval to another in multi-agent worlds.
func (g *ApprovalGate) verifyOwnership(ctx context.Context, req *ApprovalRequest) error {
	history, err := g.memory.History(ctx, req.AgentID, req.ChatID)
	if err != nil {
		return codedErrorf(protocol.ErrInternal, "history for %s: %v", req.AgentID, err)
	}
	for _, m := range history {
		for _, c := range m.ToolCalls {
			if c.ID == req.ToolCallID {
				return nil
			}
		}
	}
	if g.log != nil {
		g.log.Printf("ownership violation: tool_call_id %s not issued by agent %s", req.ToolCallID, req.AgentID)
	}
	return codedErrorf(protocol.ErrOwnership, "tool_call_id %s was not issued by agent %s", req.ToolCallID, req.AgentID)
}

func (g *ApprovalGate) resolveTimeout(requestID string) {
	if err := g.settle(requestID, Decision{Decision: protocol.DecisionDeny, Reason: TimeoutReason}); err == nil {
		if g.log != nil {
			g.log.Printf("approval request %s timed out; denied", requestID)
		}
	}
}

func (g *ApprovalGate) settle(requestID string, d Decision) error {
	g.mu.Lock()
	p := g.pending[requestID]
	if p == nil {
		g.mu.Unlock()
		return codedErrorf(protocol.ErrRequestNotFound, "approval request %s not found", requestID)
	}
	delete(g.pending, requestID)
	g.settled[requestID] = time.Now()
	g.pruneSettledLocked()
	g.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- d
	return nil
}

// abandon drops a pending request without ever delivering a decision, used
// when the waiting worker's context ends first.
func (g *ApprovalGate) abandon(requestID string) {
	g.mu.Lock()
	p := g.pending[requestID]
	delete(g.pending, requestID)
	if p != nil {
		g.settled[requestID] = time.Now()
	}
	g.mu.Unlock()
	if p != nil && p.timer != nil {
		p.timer.Stop()
	}
}

func (g *ApprovalGate) pruneSettledLocked() {
	if len(g.settled) < 1024 {
		return
	}
	cutoff := time.Now().Add(-settledTombstoneTTL)
	for id, at := range g.settled {
		if at.Before(cutoff) {
			delete(g.settled, id)
		}
	}
}

// Pending lists unresolved requests in no particular order.
func (g *ApprovalGate) Pending() []*ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

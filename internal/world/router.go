package world

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

const defaultMaxToolRounds = 8

// Router resolves addressing for inbound messages, persists them, drives the
// language model and turns its output into replies or gated tool calls. It
// contains no tool-execution logic of its own; that split is what keeps it a
// pure orchestrator.
type Router struct {
	log    *log.Logger
	bc     *Broadcaster
	gate   *ApprovalGate
	memory AgentMemory
	model  LanguageModel
	tools  ToolExecutor

	autoMention   AutoMentionPolicy
	maxToolRounds int

	// followUp re-admits an agent reply as new work through the queue
	// processor, so agent-to-agent routing stays single-flight.
	followUp func(worldID string, msg Message)
}

func NewRouter(logger *log.Logger, bc *Broadcaster, gate *ApprovalGate, memory AgentMemory, model LanguageModel, tools ToolExecutor, policy AutoMentionPolicy) *Router {
	if policy == nil {
		policy = DefaultAutoMention
	}
	return &Router{
		log:           logger,
		bc:            bc,
		gate:          gate,
		memory:        memory,
		model:         model,
		tools:         tools,
		autoMention:   policy,
		maxToolRounds: defaultMaxToolRounds,
	}
}

func (r *Router) SetFollowUp(fn func(worldID string, msg Message)) { r.followUp = fn }

// HandleInbound runs one full routing pass for an inbound message. It must
// only be called from the world's queue worker; it mutates WorldState freely
// on that basis.
func (r *Router) HandleInbound(ctx context.Context, w *WorldState, msg Message) error {
	if msg.ChatID == "" {
		if w.CurrentChatID == "" {
			w.CurrentChatID = uuid.NewString()
		}
		msg.ChatID = w.CurrentChatID
	} else {
		w.CurrentChatID = msg.ChatID
	}
	w.Turns++
	w.LastActivity = time.Now()

	fromHuman := msg.Sender == SenderHuman || msg.Sender == SenderSystem
	if fromHuman {
		// Agent replies are published at creation time; inbound human and
		// system messages are published here, exactly once.
		r.bc.Publish(w.ID, msg.ChatID, protocol.EventMessage, messageEventPayload(msg))
	}

	targets := ResolveTargets(w, msg)

	// Persist to every addressed agent before any model call, so memory is
	// consistent even when the model fails.
	for _, t := range targets {
		if err := r.memory.Append(ctx, t.AgentID, msg.ChatID, msg); err != nil {
			r.systemError(w, msg.ChatID, "persist for %s failed: %v", t.AgentID, err)
			return err
		}
	}

	for _, t := range targets {
		if t.MemoryOnly {
			continue
		}
		agent := w.Agent(t.AgentID)
		if agent == nil {
			continue
		}
		r.runAgentTurn(ctx, w, agent, msg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// runAgentTurn drives one agent through model rounds until the model settles
// on text or the tool-round budget runs out. A model failure ends this
// agent's turn with a stream-error event; other agents and worlds are
// untouched.
func (r *Router) runAgentTurn(ctx context.Context, w *WorldState, agent *AgentInfo, inbound Message) {
	chatID := inbound.ChatID
	for round := 0; round < r.maxToolRounds; round++ {
		history, err := r.memory.History(ctx, agent.ID, chatID)
		if err != nil {
			r.systemError(w, chatID, "history for %s failed: %v", agent.ID, err)
			return
		}

		msgID := uuid.NewString()
		r.bc.Publish(w.ID, chatID, protocol.EventStreamStart, protocol.EventPayload{
			"message_id": msgID,
			"sender":     agent.ID,
		})
		sink := func(chunk string) {
			r.bc.Publish(w.ID, chatID, protocol.EventStreamChunk, protocol.EventPayload{
				"message_id": msgID,
				"sender":     agent.ID,
				"content":    chunk,
			})
		}

		out, err := r.model.Generate(ctx, agent.ID, history, sink)
		if err != nil {
			r.bc.Publish(w.ID, chatID, protocol.EventStreamError, protocol.EventPayload{
				"message_id": msgID,
				"sender":     agent.ID,
				"error":      err.Error(),
			})
			if r.log != nil {
				r.log.Printf("model error for %s in %s: %v", agent.ID, w.ID, err)
			}
			return
		}

		if out.Kind == OutputToolCalls && len(out.Calls) > 0 {
			// The assistant message carrying tool_calls goes to memory first:
			// it is the ownership proof the approval gate checks against.
			callMsg := Message{
				ID:        msgID,
				WorldID:   w.ID,
				ChatID:    chatID,
				Sender:    agent.ID,
				Role:      RoleAssistant,
				Content:   out.Content,
				ToolCalls: out.Calls,
				CreatedAt: time.Now().UTC(),
			}
			if err := r.memory.Append(ctx, agent.ID, chatID, callMsg); err != nil {
				r.systemError(w, chatID, "persist tool calls for %s failed: %v", agent.ID, err)
				return
			}
			r.bc.Publish(w.ID, chatID, protocol.EventStreamEnd, protocol.EventPayload{
				"message_id":          msgID,
				"sender":              agent.ID,
				"accumulated_content": out.Content,
			})
			for _, call := range out.Calls {
				if err := r.runToolCall(ctx, w, agent, chatID, call); err != nil {
					return
				}
			}
			continue // re-invoke the model with tool results appended
		}

		content := out.Content
		if mention := r.autoMention(w, agent.ID, content, inbound); mention != "" {
			content = "@" + mention + " " + content
		}
		reply := Message{
			ID:               msgID,
			WorldID:          w.ID,
			ChatID:           chatID,
			Sender:           agent.ID,
			Role:             RoleAssistant,
			Content:          content,
			ReplyToMessageID: inbound.ID,
			CreatedAt:        time.Now().UTC(),
		}
		if err := r.memory.Append(ctx, agent.ID, chatID, reply); err != nil {
			r.systemError(w, chatID, "persist reply for %s failed: %v", agent.ID, err)
			return
		}
		r.bc.Publish(w.ID, chatID, protocol.EventStreamEnd, protocol.EventPayload{
			"message_id":          msgID,
			"sender":              agent.ID,
			"accumulated_content": content,
		})
		r.bc.Publish(w.ID, chatID, protocol.EventMessage, messageEventPayload(reply))
		if r.followUp != nil {
			r.followUp(w.ID, reply)
		}
		return
	}

	r.systemError(w, chatID, "agent %s exceeded %d tool rounds", agent.ID, r.maxToolRounds)
}

// runToolCall gates one tool call, executes it when allowed and records the
// outcome as a role=tool message. A non-nil return means the worker's context
// ended and the whole turn should stop.
func (r *Router) runToolCall(ctx context.Context, w *WorldState, agent *AgentInfo, chatID string, call ToolCall) error {
	inv := ToolInvocation{
		CallID:           call.ID,
		Name:             call.Name,
		Arguments:        call.Arguments,
		WorkingDirectory: w.WorkingDirectory,
	}

	history, err := r.memory.History(ctx, agent.ID, chatID)
	if err != nil {
		r.systemError(w, chatID, "history for %s failed: %v", agent.ID, err)
		return nil
	}

	preApproved, req := r.gate.CheckApproval(w.ID, chatID, agent.ID, inv, history)
	var decision Decision
	if preApproved {
		decision = Decision{Decision: protocol.DecisionApproveSession, Reason: "session"}
	} else {
		decision, err = r.gate.Await(ctx, req.RequestID)
		if err != nil {
			return err
		}
	}

	args := decodeArgs(call.Arguments)
	if decision.Decision == protocol.DecisionDeny {
		payload := protocol.ToolResultPayload{
			Decision:         protocol.DecisionDeny,
			Reason:           decision.Reason,
			ToolName:         call.Name,
			ToolArgs:         args,
			WorkingDirectory: inv.WorkingDirectory,
		}
		if err := r.appendToolOutcome(ctx, w, agent, chatID, call.ID, payload); err != nil {
			return nil
		}
		r.bc.Publish(w.ID, chatID, protocol.EventToolError, protocol.EventPayload{
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"error":        deniedReason(decision.Reason),
		})
		return nil
	}

	scope := protocol.ScopeOnce
	if decision.Decision == protocol.DecisionApproveSession {
		scope = protocol.ScopeSession
	}

	r.bc.Publish(w.ID, chatID, protocol.EventToolStart, protocol.EventPayload{
		"tool_name":    call.Name,
		"tool_call_id": call.ID,
	})
	start := time.Now()
	outcome := r.tools.Execute(ctx, inv)
	durMs := time.Since(start).Milliseconds()

	payload := protocol.ToolResultPayload{
		Decision:         decision.Decision,
		Scope:            scope,
		Reason:           decision.Reason,
		ToolName:         call.Name,
		ToolArgs:         args,
		WorkingDirectory: inv.WorkingDirectory,
	}
	if outcome.OK {
		payload.Result = outcome.Result
	} else {
		payload.Error = outcome.Err
	}
	if err := r.appendToolOutcome(ctx, w, agent, chatID, call.ID, payload); err != nil {
		return nil
	}

	if outcome.OK {
		r.bc.Publish(w.ID, chatID, protocol.EventToolResult, protocol.EventPayload{
			"tool_name":      call.Name,
			"tool_call_id":   call.ID,
			"duration_ms":    durMs,
			"result_summary": summarize(outcome.Result),
		})
	} else {
		r.bc.Publish(w.ID, chatID, protocol.EventToolError, protocol.EventPayload{
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"duration_ms":  durMs,
			"error":        outcome.Err,
		})
	}
	return nil
}

func (r *Router) appendToolOutcome(ctx context.Context, w *WorldState, agent *AgentInfo, chatID, toolCallID string, payload protocol.ToolResultPayload) error {
	msg := Message{
		ID:         uuid.NewString(),
		WorldID:    w.ID,
		ChatID:     chatID,
		Sender:     SenderSystem,
		Role:       RoleTool,
		Content:    payload.Encode(),
		ToolCallID: toolCallID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.memory.Append(ctx, agent.ID, chatID, msg); err != nil {
		r.systemError(w, chatID, "persist tool outcome for %s failed: %v", agent.ID, err)
		return err
	}
	return nil
}

func (r *Router) systemError(w *WorldState, chatID, format string, args ...any) {
	if r.log != nil {
		r.log.Printf("[%s] "+format, append([]any{w.ID}, args...)...)
	}
	r.bc.Publish(w.ID, chatID, protocol.EventSystem, protocol.EventPayload{
		"level":   "error",
		"message": fmt.Sprintf(format, args...),
	})
}

func deniedReason(reason string) string {
	if reason == "" {
		return "denied"
	}
	return "denied: " + reason
}

func summarize(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

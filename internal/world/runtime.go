package world

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

// Options configures a Runtime.
type Options struct {
	Heartbeat       time.Duration
	QueueDepth      int
	ApprovalTimeout time.Duration
	AutoMention     AutoMentionPolicy
	Archive         EventArchive
}

// Runtime wires the broadcaster, approval gate, router and queue processor
// together and exposes the narrow surface the transport needs.
type Runtime struct {
	log       *log.Logger
	bc        *Broadcaster
	gate      *ApprovalGate
	router    *Router
	processor *Processor

	manifest []protocol.WorldRef
}

func NewRuntime(logger *log.Logger, memory AgentMemory, model LanguageModel, tools ToolExecutor, opts Options) *Runtime {
	bc := NewBroadcaster(logger, opts.Archive)
	gate := NewApprovalGate(logger, bc, memory, opts.ApprovalTimeout)
	router := NewRouter(logger, bc, gate, memory, model, tools, opts.AutoMention)
	processor := NewProcessor(logger, router, bc, opts.Heartbeat, opts.QueueDepth)
	return &Runtime{
		log:       logger,
		bc:        bc,
		gate:      gate,
		router:    router,
		processor: processor,
	}
}

// AddWorld registers a world and records its static manifest entry.
func (rt *Runtime) AddWorld(state *WorldState) error {
	if err := rt.processor.RegisterWorld(state); err != nil {
		return err
	}
	ref := protocol.WorldRef{WorldID: state.ID, Name: state.Name}
	for _, id := range state.AgentOrder {
		if a := state.Agents[id]; a != nil {
			ref.Agents = append(ref.Agents, a.Name)
		}
	}
	rt.manifest = append(rt.manifest, ref)
	return nil
}

func (rt *Runtime) Manifest() []protocol.WorldRef {
	out := make([]protocol.WorldRef, len(rt.manifest))
	copy(out, rt.manifest)
	return out
}

// HandleHumanMessage admits an inbound human message and returns its assigned
// message id.
func (rt *Runtime) HandleHumanMessage(worldID, chatID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", codedErrorf(protocol.ErrBadRequest, "empty content")
	}
	msg := Message{
		ID:        uuid.NewString(),
		WorldID:   worldID,
		ChatID:    chatID,
		Sender:    SenderHuman,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := rt.processor.Enqueue(worldID, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SubmitDecision resolves a pending approval request.
func (rt *Runtime) SubmitDecision(ctx context.Context, requestID, decision string) error {
	return rt.gate.Resolve(ctx, requestID, decision)
}

func (rt *Runtime) Subscribe(worldID, chatID string, sinceSeq uint64) *Subscription {
	return rt.bc.Subscribe(worldID, chatID, sinceSeq)
}

func (rt *Runtime) Unsubscribe(id string) { rt.bc.Unsubscribe(id) }

func (rt *Runtime) EventsAfter(worldID, chatID string, sinceSeq uint64, limit int) ([]protocol.Event, uint64) {
	return rt.bc.EventsAfter(worldID, chatID, sinceSeq, limit)
}

// Close drains the processor; bounded by ctx.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.processor.Close(ctx)
}

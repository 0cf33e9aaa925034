package world

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

const (
	defaultQueueDepth  = 256
	defaultHeartbeat   = 5 * time.Second
	defaultUnitTimeout = 10 * time.Minute
)

type worldWorker struct {
	state *WorldState
	queue chan QueueEntry
	stop  chan struct{}
}

// Processor is the single entry point for all inbound work on a world. Each
// registered world owns exactly one worker goroutine draining a FIFO queue,
// which makes the at-most-one-in-flight guarantee structural rather than a
// locking convention.
type Processor struct {
	log         *log.Logger
	router      *Router
	bc          *Broadcaster
	heartbeat   time.Duration
	unitTimeout time.Duration
	queueDepth  int

	mu      sync.Mutex
	workers map[string]*worldWorker
	closed  bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewProcessor(logger *log.Logger, router *Router, bc *Broadcaster, heartbeat time.Duration, queueDepth int) *Processor {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	p := &Processor{
		log:         logger,
		router:      router,
		bc:          bc,
		heartbeat:   heartbeat,
		unitTimeout: defaultUnitTimeout,
		queueDepth:  queueDepth,
		workers:     map[string]*worldWorker{},
	}
	router.SetFollowUp(p.followUp)
	return p
}

// RegisterWorld creates the world's queue and starts its worker. Exactly one
// worker exists per world for the processor's lifetime.
func (p *Processor) RegisterWorld(state *WorldState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return codedErrorf(protocol.ErrWorldClosed, "processor is shut down")
	}
	if _, ok := p.workers[state.ID]; ok {
		return codedErrorf(protocol.ErrBadRequest, "world %s already registered", state.ID)
	}
	wk := &worldWorker{
		state: state,
		queue: make(chan QueueEntry, p.queueDepth),
		stop:  make(chan struct{}),
	}
	p.workers[state.ID] = wk
	p.wg.Add(1)
	go p.runWorker(wk)
	return nil
}

// Enqueue admits one unit of work for a world. It never blocks: a full queue
// is reported as busy, the caller decides whether to retry.
func (p *Processor) Enqueue(worldID string, msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return codedErrorf(protocol.ErrWorldClosed, "shutting down")
	}
	wk := p.workers[worldID]
	p.mu.Unlock()
	if wk == nil {
		return codedErrorf(protocol.ErrWorldNotFound, "world %s not found", worldID)
	}
	select {
	case wk.queue <- QueueEntry{Msg: msg, EnqueuedAt: time.Now()}:
		return nil
	default:
		return codedErrorf(protocol.ErrWorldBusy, "world %s queue full", worldID)
	}
}

// followUp re-admits router-produced agent replies. Drops are logged, not
// fatal: the reply is already persisted and published, only further fan-out
// is lost.
func (p *Processor) followUp(worldID string, msg Message) {
	if err := p.Enqueue(worldID, msg); err != nil {
		if p.log != nil {
			p.log.Printf("follow-up for %s dropped: %v", worldID, err)
		}
	}
}

func (p *Processor) runWorker(wk *worldWorker) {
	defer p.wg.Done()
	for {
		select {
		case <-wk.stop:
			return
		case entry := <-wk.queue:
			p.process(wk, entry)
		}
	}
}

// process runs one queue entry to completion. Panics and errors are contained
// here: they surface as system events and the worker moves on to the next
// entry.
func (p *Processor) process(wk *worldWorker, entry QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.unitTimeout)
	defer cancel()

	chatID := entry.Msg.ChatID
	if chatID == "" {
		chatID = wk.state.CurrentChatID
	}
	hbStop := make(chan struct{})
	go p.heartbeatLoop(wk.state.ID, chatID, hbStop)
	defer close(hbStop)

	defer func() {
		if rec := recover(); rec != nil {
			if p.log != nil {
				p.log.Printf("[%s] panic processing message %s: %v\n%s", wk.state.ID, entry.Msg.ID, rec, debug.Stack())
			}
			p.bc.Publish(wk.state.ID, chatID, protocol.EventSystem, protocol.EventPayload{
				"level":   "error",
				"message": "internal error while processing message",
				"code":    protocol.ErrInternal,
			})
		}
	}()

	if err := p.router.HandleInbound(ctx, wk.state, entry.Msg); err != nil && ctx.Err() == nil {
		if p.log != nil {
			p.log.Printf("[%s] process message %s: %v", wk.state.ID, entry.Msg.ID, err)
		}
	}
}

// heartbeatLoop keeps long model/tool calls visibly alive to clients while a
// unit is in flight.
func (p *Processor) heartbeatLoop(worldID, chatID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.bc.Publish(worldID, chatID, protocol.EventSystem, protocol.EventPayload{
				"level":   "activity",
				"message": "processing",
			})
		}
	}
}

// Close stops admission, lets the in-flight unit (if any) finish or hit its
// own timeout, then stops the workers. Safe to call more than once.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	workers := make([]*worldWorker, 0, len(p.workers))
	for _, wk := range p.workers {
		workers = append(workers, wk)
	}
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		for _, wk := range workers {
			close(wk.stop)
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package world

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/yysun/agent-world-sub012/internal/protocol"
)

const (
	defaultTopicBuffer = 4096
	subChannelSlack    = 256
)

// EventArchive is an optional durable sink for published events. Append must
// not block the publisher beyond its own admission buffer.
type EventArchive interface {
	Append(ev protocol.Event)
}

// Subscription is one client's attachment to a (world, chat) stream.
type Subscription struct {
	ID      string
	WorldID string
	ChatID  string

	// Out delivers events in publication order. It is closed on unsubscribe
	// or when the subscriber falls too far behind.
	Out chan protocol.Event
}

type topicKey struct {
	WorldID string
	ChatID  string
}

type topic struct {
	seq  uint64
	buf  []protocol.Event // replay window, trimmed to the broadcaster's cap
	subs map[string]*Subscription
}

// Broadcaster fans sequenced events out to any number of subscribers.
// The subscription table is the one structure touched both by world workers
// (publish) and transport callbacks (subscribe/unsubscribe), so it is the one
// place in the runtime that carries a lock.
type Broadcaster struct {
	mu      sync.RWMutex
	log     *log.Logger
	topics  map[topicKey]*topic
	byID    map[string]*Subscription
	archive EventArchive
	bufCap  int
}

func NewBroadcaster(logger *log.Logger, archive EventArchive) *Broadcaster {
	return &Broadcaster{
		log:     logger,
		topics:  map[topicKey]*topic{},
		byID:    map[string]*Subscription{},
		archive: archive,
		bufCap:  defaultTopicBuffer,
	}
}

func (b *Broadcaster) topicLocked(worldID, chatID string) *topic {
	k := topicKey{WorldID: worldID, ChatID: chatID}
	t := b.topics[k]
	if t == nil {
		t = &topic{subs: map[string]*Subscription{}}
		b.topics[k] = t
	}
	return t
}

// Publish assigns the next sequence number for (worldID, chatID) and delivers
// the event to every live subscriber. A subscriber whose channel is full is
// dropped rather than allowed to stall the rest; it can resubscribe with its
// last seen seq.
func (b *Broadcaster) Publish(worldID, chatID, eventType string, payload protocol.EventPayload) uint64 {
	b.mu.Lock()
	t := b.topicLocked(worldID, chatID)
	t.seq++
	ev := protocol.Event{
		Type:    eventType,
		WorldID: worldID,
		ChatID:  chatID,
		Seq:     t.seq,
		Payload: payload,
	}
	t.buf = append(t.buf, ev)
	if len(t.buf) > b.bufCap {
		t.buf = append([]protocol.Event(nil), t.buf[len(t.buf)-b.bufCap:]...)
	}

	var dropped []*Subscription
	for _, sub := range t.subs {
		select {
		case sub.Out <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(t.subs, sub.ID)
		delete(b.byID, sub.ID)
		close(sub.Out)
	}
	b.mu.Unlock()

	if b.archive != nil {
		b.archive.Append(ev)
	}
	for _, sub := range dropped {
		if b.log != nil {
			b.log.Printf("subscriber %s lagged on %s/%s; dropped", sub.ID, worldID, chatID)
		}
	}
	return ev.Seq
}

// Subscribe attaches to a stream. Buffered events with seq > fromSeq are
// replayed into the channel before any new publication is delivered, so a
// reconnecting client observes no gap and no reordering.
func (b *Broadcaster) Subscribe(worldID, chatID string, fromSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(worldID, chatID)
	var replay []protocol.Event
	for _, ev := range t.buf {
		if ev.Seq > fromSeq {
			replay = append(replay, ev)
		}
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		WorldID: worldID,
		ChatID:  chatID,
		Out:     make(chan protocol.Event, len(replay)+subChannelSlack),
	}
	for _, ev := range replay {
		sub.Out <- ev
	}
	t.subs[sub.ID] = sub
	b.byID[sub.ID] = sub
	return sub
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.byID[id]
	if sub == nil {
		return
	}
	delete(b.byID, id)
	k := topicKey{WorldID: sub.WorldID, ChatID: sub.ChatID}
	if t := b.topics[k]; t != nil {
		delete(t.subs, id)
	}
	close(sub.Out)
}

// EventsAfter pages buffered events for cursor-style batch queries.
func (b *Broadcaster) EventsAfter(worldID, chatID string, sinceSeq uint64, limit int) ([]protocol.Event, uint64) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.topics[topicKey{WorldID: worldID, ChatID: chatID}]
	if t == nil {
		return nil, sinceSeq
	}
	out := make([]protocol.Event, 0, limit)
	next := sinceSeq
	for _, ev := range t.buf {
		if ev.Seq <= sinceSeq {
			continue
		}
		out = append(out, ev)
		next = ev.Seq
		if len(out) >= limit {
			break
		}
	}
	return out, next
}

// Seq reports the last assigned sequence number for a stream.
func (b *Broadcaster) Seq(worldID, chatID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t := b.topics[topicKey{WorldID: worldID, ChatID: chatID}]; t != nil {
		return t.seq
	}
	return 0
}

// Package ws exposes the world runtime over a websocket: clients subscribe
// to event streams, send messages into worlds and submit approval decisions.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yysun/agent-world-sub012/internal/protocol"
	"github.com/yysun/agent-world-sub012/internal/world"
)

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	outQueueSize     = 256
)

type Server struct {
	rt  *world.Runtime
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(rt *world.Runtime, logger *log.Logger) *Server {
	return &Server{
		rt:  rt,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type clientConn struct {
	out    chan []byte
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*world.Subscription
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !s.handshake(conn) {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		c := &clientConn{
			out:    make(chan []byte, outQueueSize),
			cancel: cancel,
			subs:   map[string]*world.Subscription{},
		}

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleFrame(ctx, c, msg)
		}

		cancel()
		c.mu.Lock()
		for id := range c.subs {
			s.rt.Unsubscribe(id)
		}
		c.subs = nil
		c.mu.Unlock()
	}
}

func (s *Server) handshake(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		WorldManifest:   s.rt.Manifest(),
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}

func (s *Server) handleFrame(ctx context.Context, c *clientConn, raw []byte) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad frame")
		return
	}

	switch base.Type {
	case protocol.TypeSubscribe:
		var m protocol.SubscribeMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.WorldID == "" {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad SUBSCRIBE")
			return
		}
		sub := s.rt.Subscribe(m.WorldID, m.ChatID, m.SinceSeq)
		c.mu.Lock()
		if c.subs == nil {
			c.mu.Unlock()
			s.rt.Unsubscribe(sub.ID)
			return
		}
		c.subs[sub.ID] = sub
		c.mu.Unlock()
		s.send(ctx, c, protocol.SubscribedMsg{
			Type:            protocol.TypeSubscribed,
			ProtocolVersion: protocol.Version,
			SubscriptionID:  sub.ID,
			WorldID:         m.WorldID,
			ChatID:          m.ChatID,
		})
		go s.pump(ctx, c, sub)

	case protocol.TypeUnsubscribe:
		var m protocol.UnsubscribeMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.SubscriptionID == "" {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad UNSUBSCRIBE")
			return
		}
		c.mu.Lock()
		delete(c.subs, m.SubscriptionID)
		c.mu.Unlock()
		s.rt.Unsubscribe(m.SubscriptionID)

	case protocol.TypeMessage:
		var m protocol.ClientMessageMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.WorldID == "" {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad MESSAGE")
			return
		}
		if _, err := s.rt.HandleHumanMessage(m.WorldID, m.ChatID, m.Content); err != nil {
			s.ack(ctx, c, m.ReqID, false, errCode(err), err.Error())
			return
		}
		s.ack(ctx, c, m.ReqID, true, "", "")

	case protocol.TypeDecision:
		if err := protocol.ValidateDecision(raw); err != nil {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		var m protocol.DecisionMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad DECISION")
			return
		}
		if err := s.rt.SubmitDecision(ctx, m.RequestID, m.Decision); err != nil {
			s.ack(ctx, c, m.ReqID, false, errCode(err), err.Error())
			return
		}
		s.ack(ctx, c, m.ReqID, true, "", "")

	case protocol.TypeEventBatchReq:
		var m protocol.EventBatchReqMsg
		if err := json.Unmarshal(raw, &m); err != nil || m.WorldID == "" {
			s.ack(ctx, c, "", false, protocol.ErrProtoBadRequest, "bad EVENT_BATCH_REQ")
			return
		}
		events, next := s.rt.EventsAfter(m.WorldID, m.ChatID, m.SinceSeq, m.Limit)
		s.send(ctx, c, protocol.EventBatchMsg{
			Type:            protocol.TypeEventBatch,
			ProtocolVersion: protocol.Version,
			ReqID:           m.ReqID,
			Events:          events,
			NextSeq:         next,
		})

	default:
		// Unknown frames are ignored so old clients keep working.
	}
}

// pump forwards one subscription's events into the connection writer. It
// ends when the subscription is closed (unsubscribe, lag-drop) or the
// connection goes away.
func (s *Server) pump(ctx context.Context, c *clientConn, sub *world.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Out:
			if !ok {
				return
			}
			s.send(ctx, c, protocol.EventMsg{
				Type:            protocol.TypeEvent,
				ProtocolVersion: protocol.Version,
				Event:           ev,
			})
		}
	}
}

func (s *Server) send(ctx context.Context, c *clientConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) ack(ctx context.Context, c *clientConn, reqID string, accepted bool, code, message string) {
	if !protocol.IsKnownCode(code) {
		code = protocol.ErrInternal
	}
	s.send(ctx, c, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        accepted,
		Code:            code,
		Message:         message,
	})
}

func errCode(err error) string {
	if code := world.ErrCode(err); code != "" {
		return code
	}
	return protocol.ErrInternal
}

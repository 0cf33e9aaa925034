package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	WorldManifest   []WorldRef `json:"world_manifest"`
}

type WorldRef struct {
	WorldID       string   `json:"world_id"`
	Name          string   `json:"name,omitempty"`
	Agents        []string `json:"agents,omitempty"`
	CurrentChatID string   `json:"current_chat_id,omitempty"`
}

// SUBSCRIBE (client -> server): attach to a world/chat event stream.
// SinceSeq enables a resumable replay of already-buffered events.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	ChatID          string `json:"chat_id,omitempty"`
	SinceSeq        uint64 `json:"since_seq,omitempty"`
}

// SUBSCRIBED (server -> client)
type SubscribedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubscriptionID  string `json:"subscription_id"`
	WorldID         string `json:"world_id"`
	ChatID          string `json:"chat_id,omitempty"`
}

// UNSUBSCRIBE (client -> server)
type UnsubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubscriptionID  string `json:"subscription_id"`
}

// MESSAGE (client -> server): an inbound human message for a world.
type ClientMessageMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	WorldID         string `json:"world_id"`
	ChatID          string `json:"chat_id,omitempty"`
	Content         string `json:"content"`
}

// DECISION (client -> server): resolution of a pending approval request.
type DecisionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	RequestID       string `json:"request_id"`
	Decision        string `json:"decision"`
}

// EVENT (server -> client): a single sequenced event.
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           Event  `json:"event"`
}

// EVENT_BATCH_REQ (client -> server)
type EventBatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	WorldID         string `json:"world_id"`
	ChatID          string `json:"chat_id,omitempty"`
	SinceSeq        uint64 `json:"since_seq"`
	Limit           int    `json:"limit"`
}

// EVENT_BATCH (server -> client)
type EventBatchMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ReqID           string  `json:"req_id"`
	Events          []Event `json:"events"`
	NextSeq         uint64  `json:"next_seq"`
}

// ACK (server -> client): outcome of a client command.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for,omitempty"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

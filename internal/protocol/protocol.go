package protocol

import "encoding/json"

const Version = "1.0"

// Frame types exchanged with clients.
const (
	TypeHello         = "HELLO"
	TypeWelcome       = "WELCOME"
	TypeSubscribe     = "SUBSCRIBE"
	TypeSubscribed    = "SUBSCRIBED"
	TypeUnsubscribe   = "UNSUBSCRIBE"
	TypeMessage       = "MESSAGE"
	TypeDecision      = "DECISION"
	TypeEvent         = "EVENT"
	TypeEventBatchReq = "EVENT_BATCH_REQ"
	TypeEventBatch    = "EVENT_BATCH"
	TypeAck           = "ACK"
)

// BaseMessage lets us route unknown JSON frames by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Package wire defines the JSON frame format and event vocabulary of the
// kinship chat socket. One Envelope travels per websocket text frame.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the frame exchanged on the chat socket. Client requests
// carry a fresh Ref; the server answers with an "ack" or "error" envelope
// echoing the same Ref. Server pushes carry no Ref.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply envelopes.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Client-originated request events.
const (
	EventChannelList   = "channel:list"
	EventContactList   = "contact:list"
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
	EventMessagePage   = "message:page"
	EventMessageSend   = "message:send"
	EventHeartbeatPing = "heartbeat:ping"
)

// Events used in both directions: the client emits them as requests,
// the server pushes them to other members of the channel.
const (
	EventMessageUpdate    = "message:update"
	EventMessageDelete    = "message:delete"
	EventChatClear        = "chat:clear"
	EventReceiptDelivered = "receipt:delivered"
	EventReceiptRead      = "receipt:read"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
)

// Server-originated push events.
const (
	EventMessageNew         = "message:new"
	EventMessageUpdated     = "message:updated"
	EventMessageDeleted     = "message:deleted"
	EventMessageBulkDeleted = "message:bulk_deleted"
	EventChatCleared        = "chat:cleared"
	EventUserJoined         = "user:joined"
	EventUserLeft           = "user:left"
	EventHeartbeatStart     = "heartbeat:start"
)

// Decode parses a raw frame into an Envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// Encode marshals an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return frame, nil
}

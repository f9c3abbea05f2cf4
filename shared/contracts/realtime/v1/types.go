// Package v1 defines the tasklane Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello carries the bearer credential when it was not supplied at handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms an authenticated session (server -> client).
	TypeHelloAck = "hello:ack"

	// TypeMessageSend persists a message into a chat (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageNew pushes a persisted message to online chat members (server -> client).
	TypeMessageNew = "message:new"
	// TypeMessageRead marks a message read (client -> server) and notifies its sender (server -> client).
	TypeMessageRead = "message:read"

	// TypeTypingStart and TypeTypingStop are ephemeral typing indicators (both directions).
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypeOnlineCheck asks which of the given users are online (client -> server).
	TypeOnlineCheck = "online:check"

	// TypePresenceOnline and TypePresenceOffline announce presence transitions (server -> all).
	TypePresenceOnline  = "presence:online"
	TypePresenceOffline = "presence:offline"

	// TypeError is an unsolicited error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// Replies to a client request reuse the request type and set ReplyTo to the request ID.
// A reply carries either Payload or Error, never both.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageNew,
		TypeMessageRead,
		TypeTypingStart,
		TypeTypingStop,
		TypeOnlineCheck,
		TypePresenceOnline,
		TypePresenceOffline,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsClientRequest reports whether a client may send this type.
func IsClientRequest(typ string) bool {
	switch typ {
	case TypeHello, TypeMessageSend, TypeMessageRead, TypeTypingStart, TypeTypingStop, TypeOnlineCheck:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloPayload carries the access token as an initial frame.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms the authenticated principal.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageSendPayload requests sending a message into a chat.
type MessageSendPayload struct {
	ChatID         string   `json:"chat_id"`
	Content        string   `json:"content"`
	Kind           string   `json:"kind,omitempty"`
	AttachmentRef  string   `json:"attachment_ref,omitempty"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// MessagePayload is the wire shape of a persisted message.
// It is both the message:send reply and the message:new push.
type MessagePayload struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	AttachmentRefs []string  `json:"attachment_refs"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TypingPayload is sent by the client with ChatID; the server fills UserID on fan-out.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
}

// MessageReadRequest marks a message as read.
type MessageReadRequest struct {
	MessageID string `json:"message_id"`
}

// MessageReadPayload notifies the sender that UserID has read MessageID.
type MessageReadPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
}

// OnlineCheckPayload asks for the presence of UserIDs.
type OnlineCheckPayload struct {
	UserIDs []string `json:"user_ids"`
}

// OnlineCheckResult is the subset of requested users currently connected.
type OnlineCheckResult struct {
	OnlineUsers []string `json:"online_users"`
}

// PresencePayload announces a user presence transition.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// ErrorPayload is the in-band error body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package event

import (
	"encoding/json"

	"github.com/opscrm/chatsync/internal/model"
)

// Frame types on the wire.
const (
	FrameEvent  = "event"
	FrameInvoke = "invoke"
	FrameResult = "result"
)

// Server-pushed event names.
const (
	MessageNew         = "message.new"
	MessageEdited      = "message.edited"
	MessageDeleted     = "message.deleted"
	Typing             = "typing"
	Presence           = "presence"
	ParticipantAdded   = "participant.added"
	ChatStatusChanged  = "chat.status"
	ConnectionTerminal = "connection.failed" // emitted locally, never by the server
)

// Envelope is the JSON frame exchanged over a hub channel.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ParticipantPayload struct {
	ConversationID string            `json:"conversation_id"`
	Participant    model.Participant `json:"participant"`
}

type ChatStatusPayload struct {
	ConversationID string                   `json:"conversation_id"`
	Status         model.ConversationStatus `json:"status"`
}

// EditPayload carries a message edit; DeletePayload a soft delete.
type EditPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
}

type DeletePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

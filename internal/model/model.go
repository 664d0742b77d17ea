package model

import "time"

// ConnectionState is the lifecycle state of one hub channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindSupport ConversationKind = "support"
)

type ConversationStatus string

const (
	StatusOpen    ConversationStatus = "open"
	StatusPending ConversationStatus = "pending"
	StatusClosed  ConversationStatus = "closed"
)

type MessageKind string

const (
	MsgText   MessageKind = "text"
	MsgFile   MessageKind = "file"
	MsgSystem MessageKind = "system"
)

// DeliveryStatus applies to locally originated messages only.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySeen      DeliveryStatus = "seen"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

type Conversation struct {
	ID           string             `json:"id"`
	Kind         ConversationKind   `json:"kind"`
	Name         string             `json:"name"`
	Status       ConversationStatus `json:"status"`
	Participants []Participant      `json:"participants"`
	LastActivity time.Time          `json:"last_activity"`
	Unread       int                `json:"unread"`
}

type Message struct {
	// ID is assigned by the server. Empty while the message is an
	// optimistic local entry awaiting confirmation.
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Kind           MessageKind    `json:"kind"`
	CreatedAt      time.Time      `json:"created_at"`
	Edited         bool           `json:"edited"`
	Deleted        bool           `json:"deleted"`
	Status         DeliveryStatus `json:"status,omitempty"`
	// ClientMsgID is the correlation token for optimistic sends; the
	// server echoes it so the pending entry can be replaced in place.
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// Window is the open/minimized UI state of one conversation, shared
// across tabs of the same profile.
type Window struct {
	ConversationID string `json:"conversation_id"`
	Minimized      bool   `json:"minimized"`
	Position       int    `json:"position"`
}

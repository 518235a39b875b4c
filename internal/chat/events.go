package chat

import "time"

// Message kinds accepted from clients. KindSystem is reserved for
// server-generated notices.
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system"
)

// MessageEvent is an inbound message from an already-authenticated
// session. Sender identity comes from the session, never from
// client-supplied fields.
type MessageEvent struct {
	SenderID   int64
	SenderName string
	Room       string
	Recipient  int64
	Private    bool
	Body       string
	Kind       string
}

// TypingEvent is an ephemeral activity signal. It is never persisted
// and never acknowledged.
type TypingEvent struct {
	SenderID   int64
	SenderName string
	Room       string
	Recipient  int64
	Private    bool
	IsTyping   bool
}

// Delivery is the plaintext payload pushed to live connections.
type Delivery struct {
	Event     string    `json:"event"`
	MessageID int64     `json:"id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username"`
	Body      string    `json:"message,omitempty"`
	Target    string    `json:"target"`
	Kind      string    `json:"kind,omitempty"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// Delivery event names on the wire.
const (
	EventMessage = "message"
	EventPrivate = "private_message"
	EventTyping  = "typing"
	EventStatus  = "status"
	EventError   = "error"
)

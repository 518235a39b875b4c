package storage

import "time"

// User is the durable identity behind any number of live sessions.
// PasswordHash never leaves the process in API payloads.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// Room identity is immutable once created. Members and Unread are
// populated only by RoomsForUser, other queries leave them zero.
type Room struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   int64     `json:"created_by"`
	IsPublic    bool      `json:"is_public"`
	MaxMembers  int       `json:"max_members"`
	CreatedAt   time.Time `json:"created_at"`
	Members     []User    `json:"members,omitempty"`
	Unread      int64     `json:"unread_count"`
}

// Membership is one (user, room) row. LastRead is the read cursor:
// messages with a later timestamp count as unread.
type Membership struct {
	UserID   int64     `json:"user_id"`
	RoomID   int64     `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
	LastRead time.Time `json:"last_read"`
}

// Message is an append-only record. Content holds ciphertext at rest,
// decryption happens at the read boundary only. Username is a snapshot
// of the sender's name at send time, not a live join.
type Message struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"room_id,omitempty"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	Private     bool      `json:"is_private"`
	RecipientID int64     `json:"recipient_id,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
}

package chat

import (
	"context"
	"time"

	"github.com/hbkchat/chatserv/internal/storage"
)

// The router is parameterized by capability interfaces rather than a
// concrete backend, so the Postgres and in-memory stores plug into the
// same core.

// PresenceStore tracks online state and last-seen per user. State
// changes on unknown users are no-ops, not failures.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	ListActive(ctx context.Context) ([]storage.User, error)
}

// MembershipStore is the bidirectional user/room index with read
// cursors.
type MembershipStore interface {
	Join(ctx context.Context, userID, roomID int64) (created bool, err error)
	Leave(ctx context.Context, userID, roomID int64) error
	RoomsForUser(ctx context.Context, userID int64) ([]storage.Room, error)
	MembersForRoom(ctx context.Context, roomID int64) ([]storage.User, error)
	AdvanceReadCursor(ctx context.Context, userID, roomID int64, ts time.Time) error
	UnreadCount(ctx context.Context, userID, roomID int64) (int64, error)
}

// MessageStore is the durable append-only log. History queries are
// read-only and safe to run concurrently with writers.
type MessageStore interface {
	Append(ctx context.Context, m storage.Message) (storage.Message, error)
	RoomHistory(ctx context.Context, roomID int64, limit int, since *time.Time) ([]storage.Message, error)
	PrivateHistory(ctx context.Context, userA, userB int64, limit int) ([]storage.Message, error)
}

// RoomStore resolves and creates room identities.
type RoomStore interface {
	CreateRoom(ctx context.Context, room storage.Room, members []int64) (int64, error)
	RoomByName(ctx context.Context, name string) (storage.Room, error)
}

// UserStore resolves durable user identities.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error)
	UserByID(ctx context.Context, id int64) (storage.User, error)
	UserByEmail(ctx context.Context, email string) (storage.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]storage.User, error)
}

// Backend is the full capability set a deployment selects at
// composition time.
type Backend interface {
	UserStore
	RoomStore
	MembershipStore
	MessageStore
	PresenceStore
	Close()
}

// Cipher encrypts message bodies before storage and decrypts them at
// the read boundary. The router never hands ciphertext to a live
// connection.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Conn is one live client connection. Deliver must not block: a slow
// consumer degrades only its own delivery, never the sender's.
type Conn interface {
	Deliver(d Delivery) error
}

package chat

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/storage"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,100}$`)

// RoomNameValid reports whether name satisfies the room naming rule.
func RoomNameValid(name string) bool {
	return roomNamePattern.MatchString(name)
}

const defaultMaxMembers = 100

// Router is the fan-out engine. Every inbound message event moves
// through validate, authorize, persist, route, deliver. Persistence
// happens before delivery, never the reverse: clients never see a
// message that does not durably exist.
//
// The router is safe for concurrent use from any number of connection
// handlers; it holds no locks of its own, shared state lives in the
// registry and the backend.
type Router struct {
	logger   *zap.SugaredLogger
	users    UserStore
	rooms    RoomStore
	members  MembershipStore
	messages MessageStore
	presence PresenceStore
	registry *SessionRegistry
	cipher   Cipher
}

// NewRouter wires the routing core onto a backend selected at
// composition time.
func NewRouter(logger *zap.SugaredLogger, backend Backend, registry *SessionRegistry, cipher Cipher) *Router {
	return &Router{
		logger:   logger,
		users:    backend,
		rooms:    backend,
		members:  backend,
		messages: backend,
		presence: backend,
		registry: registry,
		cipher:   cipher,
	}
}

// Registry exposes the session registry for the transport layer.
func (r *Router) Registry() *SessionRegistry { return r.registry }

// Send runs one message event through the full pipeline and returns
// the stored record. Validation, authorization and storage failures
// are reported synchronously; delivery failures are not.
func (r *Router) Send(ctx context.Context, ev MessageEvent) (storage.Message, error) {
	if ev.Kind == "" {
		ev.Kind = KindText
	}

	// Received -> Authorized
	if err := r.validate(ev); err != nil {
		return storage.Message{}, err
	}

	var room storage.Room
	var key RouteKey
	if ev.Private {
		if _, err := r.users.UserByID(ctx, ev.Recipient); err != nil {
			return storage.Message{}, err
		}
		key = ConversationKey(ev.SenderID, ev.Recipient)
	} else {
		var err error
		room, err = r.authorizeRoom(ctx, ev)
		if err != nil {
			return storage.Message{}, err
		}
		key = RoomKey(room.Name)
	}

	// Authorized -> Persisted. The body is encrypted on the way in,
	// live delivery below uses the plaintext.
	ciphertext, err := r.cipher.Encrypt(ev.Body)
	if err != nil {
		return storage.Message{}, fmt.Errorf("encrypt message: %w", err)
	}

	stored, err := r.messages.Append(ctx, storage.Message{
		RoomID:      room.ID,
		UserID:      ev.SenderID,
		Username:    ev.SenderName,
		Content:     ciphertext,
		Kind:        ev.Kind,
		Private:     ev.Private,
		RecipientID: ev.Recipient,
	})
	if err != nil {
		return storage.Message{}, err
	}

	// Sending into a room counts as having read it up to this message.
	if !ev.Private {
		if err := r.members.AdvanceReadCursor(ctx, ev.SenderID, room.ID, stored.CreatedAt); err != nil {
			r.logger.Errorf("advancing read cursor for user %d in room %d: %v", ev.SenderID, room.ID, err)
		}
	}

	// Persisted -> Routed -> Delivered
	targets := r.registry.ConnectionsFor(key)
	if ev.Private {
		targets = mergeSessions(targets, r.registry.SessionsForUser(ev.Recipient))
	}

	event := EventMessage
	target := ev.Room
	if ev.Private {
		event = EventPrivate
		target = string(key)
	}

	r.dispatch(targets, Delivery{
		Event:     event,
		MessageID: stored.ID,
		UserID:    ev.SenderID,
		Username:  ev.SenderName,
		Body:      ev.Body,
		Target:    target,
		Kind:      ev.Kind,
		Timestamp: stored.CreatedAt,
	}, 0)

	return stored, nil
}

// Typing resolves the same delivery set as Send but skips
// authorization and persistence entirely. The sender's own sessions
// are excluded.
func (r *Router) Typing(ctx context.Context, ev TypingEvent) {
	var targets []*Session
	if ev.Private {
		key := ConversationKey(ev.SenderID, ev.Recipient)
		targets = mergeSessions(r.registry.ConnectionsFor(key), r.registry.SessionsForUser(ev.Recipient))
	} else {
		targets = r.registry.ConnectionsFor(RoomKey(ev.Room))
	}

	r.dispatch(targets, Delivery{
		Event:     EventTyping,
		UserID:    ev.SenderID,
		Username:  ev.SenderName,
		Target:    ev.Room,
		IsTyping:  ev.IsTyping,
		Timestamp: time.Now(),
	}, ev.SenderID)
}

// Attach subscribes the session to a room and announces it. The
// subscription itself is the only side effect, durable membership is
// created explicitly or by auto-join on send.
func (r *Router) Attach(ctx context.Context, s *Session, roomName string) error {
	if !roomNamePattern.MatchString(roomName) {
		return ErrBadRoomName
	}

	r.registry.Subscribe(s, RoomKey(roomName))
	r.announce(roomName, s.Username+" joined")
	return nil
}

// Detach drops the session's room subscription and announces it.
func (r *Router) Detach(ctx context.Context, s *Session, roomName string) {
	r.announce(roomName, s.Username+" left")
	r.registry.Unsubscribe(s, RoomKey(roomName))
}

// AttachPrivate subscribes the session to a two-party conversation.
func (r *Router) AttachPrivate(s *Session, peer int64) {
	r.registry.Subscribe(s, ConversationKey(s.UserID, peer))
}

// Activity bumps the user's last-seen timestamp.
func (r *Router) Activity(ctx context.Context, userID int64) {
	if err := r.presence.SetOnline(ctx, userID, true); err != nil {
		r.logger.Errorf("recording activity for user %d: %v", userID, err)
	}
}

func (r *Router) validate(ev MessageEvent) error {
	if ev.Body == "" {
		return storage.ErrEmptyContent
	}
	switch ev.Kind {
	case KindText, KindImage, KindFile:
	default:
		return ErrBadKind
	}
	if ev.Private {
		if ev.Recipient == 0 {
			return ErrNoTarget
		}
		return nil
	}
	if ev.Room == "" {
		return ErrNoTarget
	}
	if !roomNamePattern.MatchString(ev.Room) {
		return ErrBadRoomName
	}
	return nil
}

// authorizeRoom resolves the target room, creating it on first access
// and auto-joining the sender when the room is public. A non-member
// sending into a private room is rejected with no side effects.
func (r *Router) authorizeRoom(ctx context.Context, ev MessageEvent) (storage.Room, error) {
	room, err := r.rooms.RoomByName(ctx, ev.Room)
	if err == storage.ErrRoomNotExist {
		id, createErr := r.rooms.CreateRoom(ctx, storage.Room{
			Name:        ev.Room,
			Description: "Chat room " + ev.Room,
			CreatedBy:   ev.SenderID,
			IsPublic:    true,
			MaxMembers:  defaultMaxMembers,
		}, nil)
		if createErr == storage.ErrRoomExists {
			// lost the creation race, somebody else made it
			return r.authorizeExisting(ctx, ev)
		}
		if createErr != nil {
			return storage.Room{}, createErr
		}
		r.logger.Debugf("Auto-created room (%s) with id %d on first send", ev.Room, id)
		return r.rooms.RoomByName(ctx, ev.Room)
	}
	if err != nil {
		return storage.Room{}, err
	}
	return r.checkMembership(ctx, room, ev.SenderID)
}

func (r *Router) authorizeExisting(ctx context.Context, ev MessageEvent) (storage.Room, error) {
	room, err := r.rooms.RoomByName(ctx, ev.Room)
	if err != nil {
		return storage.Room{}, err
	}
	return r.checkMembership(ctx, room, ev.SenderID)
}

func (r *Router) checkMembership(ctx context.Context, room storage.Room, senderID int64) (storage.Room, error) {
	if !room.IsPublic {
		members, err := r.members.MembersForRoom(ctx, room.ID)
		if err != nil {
			return storage.Room{}, err
		}
		for _, m := range members {
			if m.ID == senderID {
				return room, nil
			}
		}
		return storage.Room{}, ErrNotAuthorized
	}

	// public room: membership is created on first send
	created, err := r.members.Join(ctx, senderID, room.ID)
	if err != nil {
		return storage.Room{}, err
	}
	if created {
		r.logger.Debugf("Auto-joined user %d to room %d on send", senderID, room.ID)
	}
	return room, nil
}

// announce pushes a system status notice to the room's subscribers.
func (r *Router) announce(roomName, text string) {
	r.dispatch(r.registry.ConnectionsFor(RoomKey(roomName)), Delivery{
		Event:     EventStatus,
		Username:  "System",
		Body:      text,
		Target:    roomName,
		Kind:      KindSystem,
		Timestamp: time.Now(),
	}, 0)
}

// dispatch pushes the payload to every target session independently.
// A failed or vanished connection is skipped, it never fails the send
// and never blocks the remaining recipients. excludeUser drops all
// sessions of that user (typing self-exclusion).
func (r *Router) dispatch(targets []*Session, d Delivery, excludeUser int64) {
	for _, s := range targets {
		if excludeUser != 0 && s.UserID == excludeUser {
			continue
		}
		if err := s.Conn().Deliver(d); err != nil {
			r.logger.Warnf("delivery to session %s failed: %v", s.ID, err)
		}
	}
}

// mergeSessions unions two snapshots, deduplicating by session id.
func mergeSessions(a, b []*Session) []*Session {
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s.ID] = struct{}{}
	}
	for _, s := range b {
		if _, ok := seen[s.ID]; !ok {
			a = append(a, s)
		}
	}
	return a
}

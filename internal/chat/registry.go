package chat

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Session is one live connection bound to a user identity together
// with the route keys it is subscribed to. A user may hold any number
// of concurrent sessions.
type Session struct {
	ID       string
	UserID   int64
	Username string
	conn     Conn
	keys     map[RouteKey]struct{}
}

// Conn exposes the session's connection for dispatch.
func (s *Session) Conn() Conn { return s.conn }

// SessionRegistry maps route keys to the set of live sessions
// subscribed to them. All maps share one RWMutex; dispatch works on
// snapshots so a disconnect during fan-out is a silent skip, not a
// fault.
type SessionRegistry struct {
	logger   *zap.SugaredLogger
	presence PresenceStore

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int64]map[string]*Session
	byKey    map[RouteKey]map[string]*Session
}

// NewSessionRegistry returns an empty registry. Presence flips online
// on a user's first session and offline on their last.
func NewSessionRegistry(logger *zap.SugaredLogger, presence PresenceStore) *SessionRegistry {
	return &SessionRegistry{
		logger:   logger,
		presence: presence,
		sessions: make(map[string]*Session),
		byUser:   make(map[int64]map[string]*Session),
		byKey:    make(map[RouteKey]map[string]*Session),
	}
}

// Register creates a live session for the connection.
func (r *SessionRegistry) Register(ctx context.Context, conn Conn, userID int64, username string) *Session {
	s := &Session{
		ID:       xid.New().String(),
		UserID:   userID,
		Username: username,
		conn:     conn,
		keys:     make(map[RouteKey]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][s.ID] = s
	first := len(r.byUser[userID]) == 1
	r.mu.Unlock()

	if first {
		if err := r.presence.SetOnline(ctx, userID, true); err != nil {
			r.logger.Errorf("setting user %d online: %v", userID, err)
		}
	}

	r.logger.Debugf("Registered session %s for user %d (%s)", s.ID, userID, username)

	return s
}

// Subscribe attaches the session to a route key.
func (r *SessionRegistry) Subscribe(s *Session, key RouteKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	s.keys[key] = struct{}{}
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[string]*Session)
	}
	r.byKey[key][s.ID] = s
}

// Unsubscribe detaches the session from a route key.
func (r *SessionRegistry) Unsubscribe(s *Session, key RouteKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(s.keys, key)
	if subscribers, ok := r.byKey[key]; ok {
		delete(subscribers, s.ID)
		if len(subscribers) == 0 {
			delete(r.byKey, key)
		}
	}
}

// ConnectionsFor returns a snapshot of the sessions currently
// subscribed to the key.
func (r *SessionRegistry) ConnectionsFor(key RouteKey) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscribers := r.byKey[key]
	out := make([]*Session, 0, len(subscribers))
	for _, s := range subscribers {
		out = append(out, s)
	}
	return out
}

// SessionsForUser returns a snapshot of every live session of the
// user, so a dispatch to "user X" reaches all devices.
func (r *SessionRegistry) SessionsForUser(userID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Deregister removes the session and all its subscriptions. The
// session is gone from the registry before presence is touched, so
// in-flight dispatches at worst skip it.
func (r *SessionRegistry) Deregister(ctx context.Context, s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	for key := range s.keys {
		if subscribers, ok := r.byKey[key]; ok {
			delete(subscribers, s.ID)
			if len(subscribers) == 0 {
				delete(r.byKey, key)
			}
		}
	}
	delete(r.byUser[s.UserID], s.ID)
	last := len(r.byUser[s.UserID]) == 0
	if last {
		delete(r.byUser, s.UserID)
	}
	r.mu.Unlock()

	if last {
		if err := r.presence.SetOnline(ctx, s.UserID, false); err != nil {
			r.logger.Errorf("setting user %d offline: %v", s.UserID, err)
		}
	}

	r.logger.Debugf("Deregistered session %s for user %d", s.ID, s.UserID)
}

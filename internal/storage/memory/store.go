// Package memory keeps the whole chat state in process memory behind
// the same capability set as the Postgres store. It backs tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/storage"
)

type membershipKey struct {
	userID, roomID int64
}

type pairKey struct {
	low, high int64
}

func newPairKey(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

// messageLog is the append-only log of one room or one private
// conversation. Each log carries its own lock so appends to unrelated
// rooms never contend.
type messageLog struct {
	mu       sync.RWMutex
	messages []storage.Message
}

// append stamps the message inside the log's own lock, so timestamps
// are non-decreasing in log order even under concurrent appends. The
// tail and countAfter scans rely on that to stop early.
func (l *messageLog) append(m storage.Message) storage.Message {
	l.mu.Lock()
	m.CreatedAt = time.Now()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
	return m
}

// tail returns up to limit messages most-recent-first, optionally
// bounded below by since.
func (l *messageLog) tail(limit int, since *time.Time) []storage.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]storage.Message, 0, limit)
	for i := len(l.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := l.messages[i]
		if since != nil && !m.CreatedAt.After(*since) {
			break
		}
		out = append(out, m)
	}
	return out
}

func (l *messageLog) countAfter(cursor time.Time) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var n int64
	for i := len(l.messages) - 1; i >= 0; i-- {
		if !l.messages[i].CreatedAt.After(cursor) {
			break
		}
		n++
	}
	return n
}

// Store is a lock-guarded in-memory system of record. Users, rooms and
// memberships sit behind one mutex; message logs are owned per room.
type Store struct {
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	users       map[int64]*storage.User
	usersByName map[string]int64
	rooms       map[int64]*storage.Room
	roomsByName map[string]int64
	memberships map[membershipKey]*storage.Membership
	nextUserID  int64
	nextRoomID  int64

	logMu       sync.RWMutex
	roomLogs    map[int64]*messageLog
	privateLogs map[pairKey]*messageLog
	nextMsgID   int64
}

// New returns an empty in-memory store.
func New(logger *zap.SugaredLogger) *Store {
	return &Store{
		logger:      logger,
		users:       make(map[int64]*storage.User),
		usersByName: make(map[string]int64),
		rooms:       make(map[int64]*storage.Room),
		roomsByName: make(map[string]int64),
		memberships: make(map[membershipKey]*storage.Membership),
		roomLogs:    make(map[int64]*messageLog),
		privateLogs: make(map[pairKey]*messageLog),
	}
}

// Close exists for symmetry with the Postgres store.
func (s *Store) Close() {}

func (s *Store) CreateUser(_ context.Context, username, email, passwordHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByName[username]; ok {
		return 0, storage.ErrUserExists
	}
	for _, u := range s.users {
		if u.Email == email {
			return 0, storage.ErrUserExists
		}
	}

	s.nextUserID++
	now := time.Now()
	u := &storage.User{
		ID:           s.nextUserID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		LastSeen:     now,
		CreatedAt:    now,
	}
	s.users[u.ID] = u
	s.usersByName[username] = u.ID

	s.logger.Debugf("Created user (%s) with id %d", username, u.ID)

	return u.ID, nil
}

func (s *Store) UserByID(_ context.Context, id int64) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	return *u, nil
}

func (s *Store) UserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return storage.User{}, storage.ErrUserNotExist
}

func (s *Store) SearchUsers(_ context.Context, query string, limit int) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	var users []storage.User
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.Username), query) {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *Store) SetOnline(_ context.Context, userID int64, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.IsOnline = online
	u.LastSeen = time.Now()
	return nil
}

func (s *Store) IsOnline(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	return u.IsOnline, nil
}

func (s *Store) ListActive(_ context.Context) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []storage.User
	for _, u := range s.users {
		if u.IsOnline {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) CreateRoom(_ context.Context, room storage.Room, members []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roomsByName[room.Name]; ok {
		return 0, storage.ErrRoomExists
	}

	// the whole seed list is validated before anything is inserted, so
	// a failed creation leaves no partial state behind
	seed := append([]int64{room.CreatedBy}, members...)
	for _, member := range seed {
		if _, ok := s.users[member]; !ok {
			return 0, storage.ErrRoomBadMembers
		}
	}

	s.nextRoomID++
	now := time.Now()
	room.ID = s.nextRoomID
	room.CreatedAt = now
	room.Members = nil
	s.rooms[room.ID] = &room
	s.roomsByName[room.Name] = room.ID

	for _, member := range seed {
		key := membershipKey{userID: member, roomID: room.ID}
		if _, ok := s.memberships[key]; ok {
			continue
		}
		s.memberships[key] = &storage.Membership{
			UserID:   member,
			RoomID:   room.ID,
			JoinedAt: now,
			LastRead: now,
		}
	}

	s.logger.Debugf("Created room (%s) with id %d", room.Name, room.ID)

	return room.ID, nil
}

func (s *Store) RoomByName(_ context.Context, name string) (storage.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.roomsByName[name]
	if !ok {
		return storage.Room{}, storage.ErrRoomNotExist
	}
	return *s.rooms[id], nil
}

func (s *Store) Join(_ context.Context, userID, roomID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return false, storage.ErrRoomBadMembers
	}
	if _, ok := s.rooms[roomID]; !ok {
		return false, storage.ErrRoomBadMembers
	}

	key := membershipKey{userID: userID, roomID: roomID}
	if _, ok := s.memberships[key]; ok {
		return false, nil
	}

	now := time.Now()
	s.memberships[key] = &storage.Membership{
		UserID:   userID,
		RoomID:   roomID,
		JoinedAt: now,
		LastRead: now,
	}
	return true, nil
}

func (s *Store) Leave(_ context.Context, userID, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.memberships, membershipKey{userID: userID, roomID: roomID})
	return nil
}

func (s *Store) RoomsForUser(_ context.Context, userID int64) ([]storage.Room, error) {
	s.mu.RLock()
	var rooms []storage.Room
	var cursors []time.Time
	for key, m := range s.memberships {
		if key.userID != userID {
			continue
		}
		room := *s.rooms[key.roomID]
		for memberKey := range s.memberships {
			if memberKey.roomID == key.roomID {
				room.Members = append(room.Members, *s.users[memberKey.userID])
			}
		}
		sort.Slice(room.Members, func(i, j int) bool { return room.Members[i].Username < room.Members[j].Username })
		rooms = append(rooms, room)
		cursors = append(cursors, m.LastRead)
	}
	s.mu.RUnlock()

	for i := range rooms {
		if log := s.roomLog(rooms[i].ID, false); log != nil {
			rooms[i].Unread = log.countAfter(cursors[i])
		}
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

func (s *Store) MembersForRoom(_ context.Context, roomID int64) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []storage.User
	for key := range s.memberships {
		if key.roomID == roomID {
			users = append(users, *s.users[key.userID])
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) AdvanceReadCursor(_ context.Context, userID, roomID int64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[membershipKey{userID: userID, roomID: roomID}]
	if !ok {
		return nil
	}
	if m.LastRead.Before(ts) {
		m.LastRead = ts
	}
	return nil
}

func (s *Store) UnreadCount(_ context.Context, userID, roomID int64) (int64, error) {
	s.mu.RLock()
	m, ok := s.memberships[membershipKey{userID: userID, roomID: roomID}]
	if !ok {
		s.mu.RUnlock()
		return 0, nil
	}
	cursor := m.LastRead
	s.mu.RUnlock()

	log := s.roomLog(roomID, false)
	if log == nil {
		return 0, nil
	}
	return log.countAfter(cursor), nil
}

// roomLog returns the log for a room, creating it when create is set.
func (s *Store) roomLog(roomID int64, create bool) *messageLog {
	s.logMu.RLock()
	log, ok := s.roomLogs[roomID]
	s.logMu.RUnlock()
	if ok || !create {
		return log
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if log, ok = s.roomLogs[roomID]; ok {
		return log
	}
	log = &messageLog{}
	s.roomLogs[roomID] = log
	return log
}

func (s *Store) privateLog(key pairKey, create bool) *messageLog {
	s.logMu.RLock()
	log, ok := s.privateLogs[key]
	s.logMu.RUnlock()
	if ok || !create {
		return log
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if log, ok = s.privateLogs[key]; ok {
		return log
	}
	log = &messageLog{}
	s.privateLogs[key] = log
	return log
}

func (s *Store) Append(_ context.Context, m storage.Message) (storage.Message, error) {
	if m.Content == "" {
		return storage.Message{}, storage.ErrEmptyContent
	}
	if !m.Private && m.RoomID == 0 {
		return storage.Message{}, storage.ErrRoomRequired
	}

	s.mu.RLock()
	_, authorKnown := s.users[m.UserID]
	_, roomKnown := s.rooms[m.RoomID]
	_, recipientKnown := s.users[m.RecipientID]
	s.mu.RUnlock()

	if !authorKnown {
		return storage.Message{}, storage.ErrMessageBadAuthor
	}
	if !m.Private && !roomKnown {
		return storage.Message{}, storage.ErrMessageBadRoom
	}
	if m.Private && !recipientKnown {
		return storage.Message{}, storage.ErrBadRecipient
	}

	var log *messageLog
	if m.Private {
		log = s.privateLog(newPairKey(m.UserID, m.RecipientID), true)
	} else {
		log = s.roomLog(m.RoomID, true)
	}

	s.logMu.Lock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	s.logMu.Unlock()

	return log.append(m), nil
}

func (s *Store) RoomHistory(_ context.Context, roomID int64, limit int, since *time.Time) ([]storage.Message, error) {
	log := s.roomLog(roomID, false)
	if log == nil {
		return nil, nil
	}
	return log.tail(limit, since), nil
}

func (s *Store) PrivateHistory(_ context.Context, userA, userB int64, limit int) ([]storage.Message, error) {
	log := s.privateLog(newPairKey(userA, userB), false)
	if log == nil {
		return nil, nil
	}
	return log.tail(limit, nil), nil
}

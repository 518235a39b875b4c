package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/storage/zapadapter"
)

// Store implements the durable side of the chat core on Postgres:
// users, rooms, memberships with read cursors and the append-only
// message log.
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// CreateUser creates user and returns its id.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	s.logger.Debugf("Creating user (%s)", username)

	var id int64
	sql := `insert into users (username, email, password_hash, is_online, last_seen, created_at)
			values ($1, $2, $3, false, $4, $4) returning id`
	err := s.db.QueryRow(ctx, sql, username, email, passwordHash, time.Now()).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return 0, ErrUserExists
			}
		}
		return 0, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// UserByID returns a single user row.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	sql := `select id, trim(username), email, password_hash, is_online, last_seen, created_at
			  from users where id = $1`
	err := s.db.QueryRow(ctx, sql, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	return u, nil
}

// UserByEmail returns a single user row, used by the login handler.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	sql := `select id, trim(username), email, password_hash, is_online, last_seen, created_at
			  from users where email = $1`
	err := s.db.QueryRow(ctx, sql, email).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	return u, nil
}

// SearchUsers performs a case-insensitive substring match on usernames.
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	s.logger.Debugf("Searching users matching (%s)", query)

	sql := `select id, trim(username), is_online, last_seen, created_at
			  from users
			 where username ilike '%' || $1 || '%'
			 order by username
			 limit $2`
	rows, err := s.db.Query(ctx, sql, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// SetOnline updates the online flag and the last-seen timestamp in one
// statement. Updating an unknown user is a no-op, not a failure.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	s.logger.Debugf("Setting user (id: %d) online=%t", userID, online)

	sql := "update users set is_online = $2, last_seen = $3 where id = $1"
	_, err := s.db.Exec(ctx, sql, userID, online, time.Now())
	return err
}

// IsOnline reports the stored online flag. Unknown user reads as offline.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	var online bool
	sql := "select is_online from users where id = $1"
	err := s.db.QueryRow(ctx, sql, userID).Scan(&online)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return online, nil
}

// ListActive returns all users currently online ordered by username.
func (s *Store) ListActive(ctx context.Context) ([]User, error) {
	sql := `select id, trim(username), is_online, last_seen, created_at
			  from users where is_online order by username`
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// CreateRoom performs two-step transaction to create room
// (1. insert room record; 2. bulk insert on "user_rooms" table) and returns its id.
// The creator is always part of the seeded member set.
func (s *Store) CreateRoom(ctx context.Context, room Room, members []int64) (int64, error) {
	s.logger.Debugf("Creating room (%s) with members (%v)", room.Name, members)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	now := time.Now()

	var id int64
	sql := `insert into rooms (name, description, created_by, is_public, max_members, created_at)
			values ($1, $2, $3, $4, $5, $6) returning id`
	err = tx.QueryRow(ctx, sql, room.Name, room.Description, room.CreatedBy, room.IsPublic, room.MaxMembers, now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return 0, ErrRoomExists
			case pgerrcode.ForeignKeyViolation:
				return 0, ErrRoomBadMembers
			default:
				return 0, err
			}
		}
		return 0, err
	}

	// preparing data for bulk insert, creator first
	rows := []memberRow{{roomID: id, userID: room.CreatedBy, joinedAt: now}}
	for _, member := range members {
		if member == room.CreatedBy {
			continue
		}
		rows = append(rows, memberRow{roomID: id, userID: member, joinedAt: now})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"user_rooms"},
		[]string{"user_id", "room_id", "joined_at", "last_read"}, copyFromMembers(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return 0, ErrRoomBadMembers
			default:
				return 0, err
			}
		}
		return 0, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Created room (%s) with id %d", room.Name, id)

	return id, nil
}

// RoomByName returns the room with the given unique name.
func (s *Store) RoomByName(ctx context.Context, name string) (Room, error) {
	var r Room
	sql := `select id, trim(name), description, created_by, is_public, max_members, created_at
			  from rooms where name = $1`
	err := s.db.QueryRow(ctx, sql, name).
		Scan(&r.ID, &r.Name, &r.Description, &r.CreatedBy, &r.IsPublic, &r.MaxMembers, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, ErrRoomNotExist
		}
		return Room{}, err
	}

	return r, nil
}

// Join creates a membership row and reports whether a new row was
// created. Joining twice is not an error.
func (s *Store) Join(ctx context.Context, userID, roomID int64) (bool, error) {
	s.logger.Debugf("User (id: %d) joining room (id: %d)", userID, roomID)

	now := time.Now()
	sql := `insert into user_rooms (user_id, room_id, joined_at, last_read)
			values ($1, $2, $3, $3)
			on conflict (user_id, room_id) do nothing`
	tag, err := s.db.Exec(ctx, sql, userID, roomID, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return false, ErrRoomBadMembers
			}
		}
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// Leave removes the membership row if present. Leaving twice is a no-op.
func (s *Store) Leave(ctx context.Context, userID, roomID int64) error {
	s.logger.Debugf("User (id: %d) leaving room (id: %d)", userID, roomID)

	sql := "delete from user_rooms where user_id = $1 and room_id = $2"
	_, err := s.db.Exec(ctx, sql, userID, roomID)
	return err
}

// RoomsForUser returns all rooms the user belongs to with their member
// lists and the user's unread count per room, ordered by creation time.
func (s *Store) RoomsForUser(ctx context.Context, userID int64) ([]Room, error) {
	s.logger.Debugf("Retrieving rooms for user (id: %d)", userID)

	type retrievedRoom struct {
		id          int64
		name        string
		description string
		createdBy   int64
		isPublic    bool
		maxMembers  int
		createdAt   time.Time
		members     pgtype.JSONBArray
		unread      int64
	}

	sql := ` -- rooms of one user with members and unread counters
			with joined_rooms as (
				select rooms.id,
					   rooms.name,
					   rooms.description,
					   rooms.created_by,
					   rooms.is_public,
					   rooms.max_members,
					   rooms.created_at,
					   user_rooms.last_read
				  from rooms
				  join user_rooms
					on user_rooms.room_id = rooms.id
				 where user_rooms.user_id = $1
			),

			members_per_room as (
				select
					room_id,
					array_agg(jsonb_build_object('id', users.id, 'username', trim(users.username), 'is_online', users.is_online)) as members
				from user_rooms
				join users
				  on user_rooms.user_id = users.id
			   group by room_id
			)

			select joined_rooms.id,
				   trim(joined_rooms.name),
				   joined_rooms.description,
				   joined_rooms.created_by,
				   joined_rooms.is_public,
				   joined_rooms.max_members,
				   joined_rooms.created_at,
				   members_per_room.members,
				   (select count(*) from messages
					 where messages.room_id = joined_rooms.id
					   and messages.created_at > joined_rooms.last_read) as unread
			  from joined_rooms
			  join members_per_room
				on joined_rooms.id = members_per_room.room_id
			 order by joined_rooms.created_at`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r retrievedRoom
		err = rows.Scan(&r.id, &r.name, &r.description, &r.createdBy, &r.isPublic,
			&r.maxMembers, &r.createdAt, &r.members, &r.unread)
		if err != nil {
			return nil, err
		}

		currentRoom := Room{
			ID:          r.id,
			Name:        r.name,
			Description: r.description,
			CreatedBy:   r.createdBy,
			IsPublic:    r.isPublic,
			MaxMembers:  r.maxMembers,
			CreatedAt:   r.createdAt,
			Members:     make([]User, len(r.members.Elements)),
			Unread:      r.unread,
		}

		membersJSON := make([]string, len(r.members.Elements))
		err = r.members.AssignTo(&membersJSON)
		if err != nil {
			return nil, err
		}

		for i, v := range membersJSON {
			err = json.Unmarshal([]byte(v), &currentRoom.Members[i])
			if err != nil {
				return nil, err
			}
		}

		rooms = append(rooms, currentRoom)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d rooms", len(rooms))

	return rooms, nil
}

// MembersForRoom returns all members of a room ordered by username.
func (s *Store) MembersForRoom(ctx context.Context, roomID int64) ([]User, error) {
	sql := `select users.id, trim(users.username), users.is_online, users.last_seen, users.created_at
			  from users
			  join user_rooms
				on user_rooms.user_id = users.id
			 where user_rooms.room_id = $1
			 order by users.username`
	rows, err := s.db.Query(ctx, sql, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// AdvanceReadCursor moves the membership's last-read cursor forward.
// The cursor never moves backwards.
func (s *Store) AdvanceReadCursor(ctx context.Context, userID, roomID int64, ts time.Time) error {
	sql := `update user_rooms set last_read = $3
			 where user_id = $1 and room_id = $2 and last_read < $3`
	_, err := s.db.Exec(ctx, sql, userID, roomID, ts)
	return err
}

// UnreadCount counts room messages newer than the user's read cursor.
// Absence of membership means nothing to report, not a fault.
func (s *Store) UnreadCount(ctx context.Context, userID, roomID int64) (int64, error) {
	var count int64
	sql := `select count(*)
			  from messages
			  join user_rooms
				on user_rooms.room_id = messages.room_id
			 where user_rooms.user_id = $1
			   and user_rooms.room_id = $2
			   and messages.created_at > user_rooms.last_read`
	err := s.db.QueryRow(ctx, sql, userID, roomID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return count, nil
}

// Append persists a message and returns the stored record with its
// resolved id and timestamp. Content is expected to be ciphertext.
func (s *Store) Append(ctx context.Context, m Message) (Message, error) {
	s.logger.Debugf("Appending message from user (id: %d)", m.UserID)

	if m.Content == "" {
		return Message{}, ErrEmptyContent
	}
	if !m.Private && m.RoomID == 0 {
		return Message{}, ErrRoomRequired
	}

	var roomID interface{}
	if m.RoomID != 0 {
		roomID = m.RoomID
	}
	var recipientID interface{}
	if m.RecipientID != 0 {
		recipientID = m.RecipientID
	}

	m.CreatedAt = time.Now()
	sql := `insert into messages (room_id, user_id, username, content, kind, is_private, recipient_id, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8) returning id`
	err := s.db.QueryRow(ctx, sql,
		roomID, m.UserID, m.Username, m.Content, m.Kind, m.Private, recipientID, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				switch pgErr.ConstraintName {
				case "messages_room_id_fkey":
					return Message{}, ErrMessageBadRoom
				case "messages_user_id_fkey":
					return Message{}, ErrMessageBadAuthor
				case "messages_recipient_id_fkey":
					return Message{}, ErrBadRecipient
				}
			}
		}
		return Message{}, err
	}

	return m, nil
}

// RoomHistory returns up to limit room messages most-recent-first,
// optionally bounded below by since. Read-only.
func (s *Store) RoomHistory(ctx context.Context, roomID int64, limit int, since *time.Time) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for room (id: %d)", roomID)

	sql := `select id, coalesce(room_id, 0), user_id, trim(username), content, kind, is_private, coalesce(recipient_id, 0), created_at
			  from messages
			 where room_id = $1
			   and not is_private
			   and ($2::timestamptz is null or created_at > $2)
			 order by created_at desc
			 limit $3`

	rows, err := s.db.Query(ctx, sql, roomID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// PrivateHistory returns the shared two-party conversation
// most-recent-first regardless of direction.
func (s *Store) PrivateHistory(ctx context.Context, userA, userB int64, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving private messages between users (%d, %d)", userA, userB)

	sql := `select id, coalesce(room_id, 0), user_id, trim(username), content, kind, is_private, coalesce(recipient_id, 0), created_at
			  from messages
			 where is_private
			   and ((user_id = $1 and recipient_id = $2) or (user_id = $2 and recipient_id = $1))
			 order by created_at desc
			 limit $3`

	rows, err := s.db.Query(ctx, sql, userA, userB, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Content,
			&m.Kind, &m.Private, &m.RecipientID, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

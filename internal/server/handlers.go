package server

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hbkchat/chatserv/internal/chat"
	"github.com/hbkchat/chatserv/internal/storage"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

const defaultHistoryLimit = 100

type parsers struct {
	registerPool   fastjson.ParserPool
	loginPool      fastjson.ParserPool
	createRoomPool fastjson.ParserPool
	membershipPool fastjson.ParserPool
	sendPool       fastjson.ParserPool
	roomsPool      fastjson.ParserPool
}

type handler struct {
	logger  *zap.SugaredLogger
	backend chat.Backend
	router  *chat.Router
	cipher  chat.Cipher
	parsers parsers
}

// registerUser handles HTTP requests on "/users/register" endpoint
func (h *handler) registerUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.registerPool.Get()
	defer h.parsers.registerPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	username := strings.Trim(string(v.GetStringBytes("username")), `"`)
	if !usernamePattern.MatchString(username) {
		http.Error(w, "Field \"username\" must match [a-zA-Z0-9_]{3,50}", http.StatusBadRequest)
		return
	}

	email := string(v.GetStringBytes("email"))
	if !emailPattern.MatchString(email) {
		http.Error(w, "Field \"email\" must be a valid email address", http.StatusBadRequest)
		return
	}

	password := string(v.GetStringBytes("password"))
	if len(password) < 6 {
		http.Error(w, "Field \"password\" must have at least 6 characters", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	id, err := h.backend.CreateUser(r.Context(), username, email, string(hash))
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			http.Error(w, "User already exists", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writePayload(w, http.StatusCreated, []byte(`{"id":`+strconv.FormatInt(id, 10)+`}`))
}

// login handles HTTP requests on "/users/login" endpoint
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.loginPool.Get()
	defer h.parsers.loginPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	email := string(v.GetStringBytes("email"))
	password := string(v.GetStringBytes("password"))
	if email == "" || password == "" {
		http.Error(w, "Fields \"email\" and \"password\" are required", http.StatusBadRequest)
		return
	}

	user, err := h.backend.UserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "Wrong email or password", http.StatusUnauthorized)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		http.Error(w, "Wrong email or password", http.StatusUnauthorized)
		return
	}

	if err := h.backend.SetOnline(r.Context(), user.ID, true); err != nil {
		h.logger.Errorf("setting user %d online: %v", user.ID, err)
	}

	h.writeJSON(w, http.StatusOK, user)
}

// createRoom handles HTTP requests on "/rooms/add" endpoint
func (h *handler) createRoom(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.createRoomPool.Get()
	defer h.parsers.createRoomPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name := string(v.GetStringBytes("name"))
	if !chat.RoomNameValid(name) {
		http.Error(w, "Field \"name\" must match [a-zA-Z0-9_]{3,100}", http.StatusBadRequest)
		return
	}

	creator, err := userIDField(v, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	isPublic := true
	if v.Exists("is_public") {
		isPublic = v.GetBool("is_public")
	}

	maxMembers := v.GetInt("max_members")
	if maxMembers <= 0 {
		maxMembers = 100
	}

	var members []int64
	for _, mv := range v.GetArray("members") {
		member, err := mv.Int64()
		if err != nil || member < 1 {
			http.Error(w, "Each item in \"members\" array must be a valid user id", http.StatusBadRequest)
			return
		}
		members = append(members, member)
	}

	id, err := h.backend.CreateRoom(r.Context(), storage.Room{
		Name:        name,
		Description: string(v.GetStringBytes("description")),
		CreatedBy:   creator,
		IsPublic:    isPublic,
		MaxMembers:  maxMembers,
	}, members)
	if err != nil {
		switch err {
		case storage.ErrRoomExists:
			http.Error(w, "Room already exists", http.StatusBadRequest)
			return
		case storage.ErrRoomBadMembers:
			http.Error(w, "Bad members list", http.StatusBadRequest)
			return
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	h.writePayload(w, http.StatusCreated, []byte(`{"id":`+strconv.FormatInt(id, 10)+`}`))
}

// roomsForUser handles HTTP requests on "/rooms/get" endpoint
func (h *handler) roomsForUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.roomsPool.Get()
	defer h.parsers.roomsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, err := userIDField(v, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rooms, err := h.backend.RoomsForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, rooms)
}

// joinRoom handles HTTP requests on "/rooms/join" endpoint
func (h *handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	userID, room, ok := h.membershipRequest(w, r)
	if !ok {
		return
	}

	created, err := h.backend.Join(r.Context(), userID, room.ID)
	if err != nil {
		if errors.Is(err, storage.ErrRoomBadMembers) {
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writePayload(w, http.StatusOK, []byte(`{"joined":`+strconv.FormatBool(created)+`}`))
}

// leaveRoom handles HTTP requests on "/rooms/leave" endpoint
func (h *handler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, room, ok := h.membershipRequest(w, r)
	if !ok {
		return
	}

	if err := h.backend.Leave(r.Context(), userID, room.ID); err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writePayload(w, http.StatusOK, []byte(`{"left":true}`))
}

// markRead handles HTTP requests on "/rooms/read" endpoint: the
// explicit read receipt advancing the caller's cursor to now.
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	userID, room, ok := h.membershipRequest(w, r)
	if !ok {
		return
	}

	if err := h.backend.AdvanceReadCursor(r.Context(), userID, room.ID, time.Now()); err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writePayload(w, http.StatusOK, []byte(`{"read":true}`))
}

// membershipRequest parses the {user, room} shape shared by the
// membership endpoints and resolves the room by name.
func (h *handler) membershipRequest(w http.ResponseWriter, r *http.Request) (int64, storage.Room, bool) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.membershipPool.Get()
	defer h.parsers.membershipPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, err := userIDField(v, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, storage.Room{}, false
	}

	name := string(v.GetStringBytes("room"))
	room, err := h.backend.RoomByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotExist) {
			http.Error(w, "Room does not exist", http.StatusBadRequest)
			return 0, storage.Room{}, false
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return 0, storage.Room{}, false
	}

	return userID, room, true
}

// sendMessage handles HTTP requests on "/messages/add" endpoint,
// running the event through the same router as the websocket path.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.sendPool.Get()
	defer h.parsers.sendPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	userID, err := userIDField(v, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sender, err := h.backend.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "User does not exist", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	ev := chat.MessageEvent{
		SenderID:   sender.ID,
		SenderName: sender.Username,
		Room:       string(v.GetStringBytes("room")),
		Recipient:  v.GetInt64("recipient"),
		Private:    v.GetBool("private"),
		Body:       string(v.GetStringBytes("message")),
		Kind:       string(v.GetStringBytes("kind")),
	}

	stored, err := h.router.Send(r.Context(), ev)
	if err != nil {
		h.rejectSend(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        stored.ID,
		"timestamp": stored.CreatedAt,
	})
}

// rejectSend maps router rejections onto HTTP statuses: validation and
// authorization are the caller's fault, anything else is a failed
// persist the caller should retry.
func (h *handler) rejectSend(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrEmptyContent):
		http.Error(w, "Message must have non-empty content", http.StatusBadRequest)
	case errors.Is(err, chat.ErrBadRoomName):
		http.Error(w, "Malformed room name", http.StatusBadRequest)
	case errors.Is(err, chat.ErrBadKind):
		http.Error(w, "Unsupported message kind", http.StatusBadRequest)
	case errors.Is(err, chat.ErrNoTarget):
		http.Error(w, "Message must have a target", http.StatusBadRequest)
	case errors.Is(err, storage.ErrUserNotExist), errors.Is(err, storage.ErrBadRecipient):
		http.Error(w, "Recipient does not exist", http.StatusBadRequest)
	case errors.Is(err, chat.ErrNotAuthorized):
		http.Error(w, "Not a member of the target room", http.StatusForbidden)
	default:
		h.logger.Error(err)
		http.Error(w, "Message was not stored, try again", http.StatusInternalServerError)
	}
}

// roomHistory handles HTTP requests on "/messages/get" endpoint.
// Messages come back most-recent-first, exactly as fetched.
func (h *handler) roomHistory(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	room, err := h.backend.RoomByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotExist) {
			http.Error(w, "Room does not exist", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	limit := queryLimit(r)

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "Parameter \"since\" must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = &ts
	}

	messages, err := h.backend.RoomHistory(r.Context(), room.ID, limit, since)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.respondHistory(w, messages)
}

// privateHistory handles HTTP requests on "/messages/private/get"
// endpoint. Either participant gets the same shared sequence.
func (h *handler) privateHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peerID, err := queryUserID(r, "peer")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	messages, err := h.backend.PrivateHistory(r.Context(), userID, peerID, queryLimit(r))
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.respondHistory(w, messages)
}

// respondHistory decrypts bodies at this boundary and writes the
// sequence out. A record that fails to open keeps its place in the
// sequence with a blank body; ciphertext never reaches a client.
func (h *handler) respondHistory(w http.ResponseWriter, messages []storage.Message) {
	for i := range messages {
		plaintext, err := h.cipher.Decrypt(messages[i].Content)
		if err != nil {
			h.logger.Errorf("decrypting message %d: %v", messages[i].ID, err)
			messages[i].Content = ""
			continue
		}
		messages[i].Content = plaintext
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// activeUsers handles HTTP requests on "/users/active" endpoint
func (h *handler) activeUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.backend.ListActive(r.Context())
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, users)
}

// searchUsers handles HTTP requests on "/users/search" endpoint
func (h *handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "Parameter \"q\" is required", http.StatusBadRequest)
		return
	}

	users, err := h.backend.SearchUsers(r.Context(), query, 20)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, users)
}

// roomMembers handles HTTP requests on "/rooms/members" endpoint
func (h *handler) roomMembers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	room, err := h.backend.RoomByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrRoomNotExist) {
			http.Error(w, "Room does not exist", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	members, err := h.backend.MembersForRoom(r.Context(), room.ID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, members)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.writePayload(w, status, payload)
}

func (h *handler) writePayload(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func userIDField(v *fastjson.Value, field string) (int64, error) {
	if !v.Exists(field) {
		return 0, errors.New("Missing Field \"" + field + "\"")
	}
	id, err := v.Get(field).Int64()
	if err != nil || id < 1 {
		return 0, errors.New("Field \"" + field + "\" must be a valid user id greater than zero")
	}
	return id, nil
}

func queryUserID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(r.URL.Query().Get(param), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("Parameter \"" + param + "\" must be a valid user id greater than zero")
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 || limit > defaultHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}

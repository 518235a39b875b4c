package server

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/chat"
	"github.com/hbkchat/chatserv/internal/crypt"
	"github.com/hbkchat/chatserv/internal/storage"
	"github.com/hbkchat/chatserv/internal/storage/memory"
	mytesting "github.com/hbkchat/chatserv/internal/testing"
)

func bootstrapHandler(t *testing.T) *handler {
	t.Helper()

	logger := zap.NewNop().Sugar()

	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypt.New(key)
	require.NoError(t, err)

	backend := memory.New(logger)
	registry := chat.NewSessionRegistry(logger, backend)

	return &handler{
		logger:  logger,
		backend: backend,
		router:  chat.NewRouter(logger, backend, registry, cipher),
		cipher:  cipher,
		parsers: parsers{},
	}
}

func (h *handler) seedUser(t *testing.T) storage.User {
	t.Helper()

	id, err := h.backend.CreateUser(context.Background(), mytesting.RandString(), mytesting.RandEmail(), "x")
	require.NoError(t, err)
	u, err := h.backend.UserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func post(t *testing.T, hf http.HandlerFunc, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req, err := http.NewRequest("POST", target, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	hf.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, hf http.HandlerFunc, target string, params url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req, err := http.NewRequest("GET", target+"?"+params.Encode(), nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	hf.ServeHTTP(rr, req)
	return rr
}

func payloadID(t *testing.T, rr *httptest.ResponseRecorder) int64 {
	t.Helper()

	body, err := ioutil.ReadAll(rr.Body)
	require.NoError(t, err)

	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	require.NoError(t, err)
	id, err := v.Get("id").Int64()
	require.NoError(t, err)
	return id
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePostJson(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBufferString(`{"username":"` + mytesting.RandString() + `"}`)
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJson_NotPost(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("GET", "/", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePostJson_MalformedContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePostJson_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePostJson_NoContentType(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(`{}`))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePostJson_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBufferString(`{"username":` + mytesting.RandString() + `"}`)
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePostJson(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestEnforceGet_NotGet(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforceGet(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRegisterUser(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.registerUser, "/users/register",
		`{"username":"`+mytesting.RandString()+`","email":"`+mytesting.RandEmail()+`","password":"hunter22"}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Greater(t, payloadID(t, rr), int64(0))
}

func TestRegisterUserBadUsername(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.registerUser, "/users/register",
		`{"username":"a b","email":"`+mytesting.RandEmail()+`","password":"hunter22"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"username\" must match [a-zA-Z0-9_]{3,50}\n", rr.Body.String())
}

func TestRegisterUserBadEmail(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.registerUser, "/users/register",
		`{"username":"`+mytesting.RandString()+`","email":"not-an-email","password":"hunter22"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"email\" must be a valid email address\n", rr.Body.String())
}

func TestRegisterUserShortPassword(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.registerUser, "/users/register",
		`{"username":"`+mytesting.RandString()+`","email":"`+mytesting.RandEmail()+`","password":"abc"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"password\" must have at least 6 characters\n", rr.Body.String())
}

func TestRegisterUserAlreadyExists(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	username := mytesting.RandString()
	payload := `{"username":"` + username + `","email":"` + mytesting.RandEmail() + `","password":"hunter22"}`
	rr := post(t, h.registerUser, "/users/register", payload)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = post(t, h.registerUser, "/users/register", payload)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "User already exists\n", rr.Body.String())
}

func TestLogin(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	email := mytesting.RandEmail()
	rr := post(t, h.registerUser, "/users/register",
		`{"username":"`+mytesting.RandString()+`","email":"`+email+`","password":"hunter22"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	id := payloadID(t, rr)

	rr = post(t, h.login, "/users/login", `{"email":"`+email+`","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, id, payloadID(t, rr))

	// a successful login marks the user online
	online, err := h.backend.IsOnline(context.Background(), id)
	require.NoError(t, err)
	require.True(t, online)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	email := mytesting.RandEmail()
	rr := post(t, h.registerUser, "/users/register",
		`{"username":"`+mytesting.RandString()+`","email":"`+email+`","password":"hunter22"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = post(t, h.login, "/users/login", `{"email":"`+email+`","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "Wrong email or password\n", rr.Body.String())
}

func TestLoginUnknownEmail(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.login, "/users/login", `{"email":"`+mytesting.RandEmail()+`","password":"hunter22"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "Wrong email or password\n", rr.Body.String())
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)
	member := h.seedUser(t)

	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"`+mytesting.RandString()+`","user":`+strconv.FormatInt(creator.ID, 10)+
			`,"members":[`+strconv.FormatInt(member.ID, 10)+`]}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	roomID := payloadID(t, rr)

	members, err := h.backend.MembersForRoom(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestCreateRoomBadName(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)

	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"has spaces","user":`+strconv.FormatInt(creator.ID, 10)+`}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"name\" must match [a-zA-Z0-9_]{3,100}\n", rr.Body.String())
}

func TestCreateRoomAlreadyExists(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)

	payload := `{"name":"` + mytesting.RandString() + `","user":` + strconv.FormatInt(creator.ID, 10) + `}`
	rr := post(t, h.createRoom, "/rooms/add", payload)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = post(t, h.createRoom, "/rooms/add", payload)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Room already exists\n", rr.Body.String())
}

func TestCreateRoomBadMembers(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)

	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"`+mytesting.RandString()+`","user":`+strconv.FormatInt(creator.ID, 10)+`,"members":[999999]}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Bad members list\n", rr.Body.String())
}

func TestJoinRoom(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)
	joiner := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"`+name+`","user":`+strconv.FormatInt(creator.ID, 10)+`}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	payload := `{"user":` + strconv.FormatInt(joiner.ID, 10) + `,"room":"` + name + `"}`
	rr = post(t, h.joinRoom, "/rooms/join", payload)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, `{"joined":true}`, rr.Body.String())

	rr = post(t, h.joinRoom, "/rooms/join", payload)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, `{"joined":false}`, rr.Body.String())
}

func TestJoinRoomNotExist(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	joiner := h.seedUser(t)

	rr := post(t, h.joinRoom, "/rooms/join",
		`{"user":`+strconv.FormatInt(joiner.ID, 10)+`,"room":"`+mytesting.RandString()+`"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Room does not exist\n", rr.Body.String())
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+mytesting.RandString()+`","message":"hello"}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Greater(t, payloadID(t, rr), int64(0))
}

func TestSendMessageEmptyContent(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+mytesting.RandString()+`","message":""}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Message must have non-empty content\n", rr.Body.String())
}

func TestSendMessageUnknownSender(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":999999,"room":"`+mytesting.RandString()+`","message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "User does not exist\n", rr.Body.String())
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"recipient":999999,"private":true,"message":"hello"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Recipient does not exist\n", rr.Body.String())
}

func TestSendMessagePrivateRoomForbidden(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)
	outsider := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"`+name+`","user":`+strconv.FormatInt(creator.ID, 10)+`,"is_public":false}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(outsider.ID, 10)+`,"room":"`+name+`","message":"hello"}`)

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "Not a member of the target room\n", rr.Body.String())
}

func TestRoomHistoryDecrypted(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"first"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"second"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = get(t, h.roomHistory, "/messages/get", url.Values{"room": {name}})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	messages, err := v.Array()
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// most-recent-first, bodies decrypted at the boundary
	require.Equal(t, "second", string(messages[0].GetStringBytes("content")))
	require.Equal(t, "first", string(messages[1].GetStringBytes("content")))
}

func TestRoomHistoryUnreadableRecordBlanked(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"readable"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	// a record sealed with a different key, written behind the router
	room, err := h.backend.RoomByName(context.Background(), name)
	require.NoError(t, err)
	_, err = h.backend.Append(context.Background(), storage.Message{
		RoomID:   room.ID,
		UserID:   sender.ID,
		Username: sender.Username,
		Content:  "not-a-sealed-box",
		Kind:     "text",
	})
	require.NoError(t, err)

	rr = get(t, h.roomHistory, "/messages/get", url.Values{"room": {name}})
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	messages, err := v.Array()
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// the unreadable record keeps its place with a blank body
	require.Equal(t, "", string(messages[0].GetStringBytes("content")))
	require.Equal(t, "readable", string(messages[1].GetStringBytes("content")))
}

func TestRoomHistoryRoomNotExist(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)

	rr := get(t, h.roomHistory, "/messages/get", url.Values{"room": {mytesting.RandString()}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Room does not exist\n", rr.Body.String())
}

func TestRoomHistoryBadSince(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"first"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = get(t, h.roomHistory, "/messages/get", url.Values{"room": {name}, "since": {"yesterday"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Parameter \"since\" must be an RFC3339 timestamp\n", rr.Body.String())
}

func TestPrivateHistorySymmetric(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	a := h.seedUser(t)
	b := h.seedUser(t)

	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(a.ID, 10)+`,"recipient":`+strconv.FormatInt(b.ID, 10)+`,"private":true,"message":"hi"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	forward := get(t, h.privateHistory, "/messages/private/get", url.Values{
		"user": {strconv.FormatInt(a.ID, 10)},
		"peer": {strconv.FormatInt(b.ID, 10)},
	})
	require.Equal(t, http.StatusOK, forward.Code)

	backward := get(t, h.privateHistory, "/messages/private/get", url.Values{
		"user": {strconv.FormatInt(b.ID, 10)},
		"peer": {strconv.FormatInt(a.ID, 10)},
	})
	require.Equal(t, http.StatusOK, backward.Code)

	require.Equal(t, forward.Body.String(), backward.Body.String())

	v, err := fastjson.ParseBytes(forward.Body.Bytes())
	require.NoError(t, err)
	messages, err := v.Array()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hi", string(messages[0].GetStringBytes("content")))
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)
	reader := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"hello"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	room, err := h.backend.RoomByName(context.Background(), name)
	require.NoError(t, err)
	_, err = h.backend.Join(context.Background(), reader.ID, room.ID)
	require.NoError(t, err)

	rr = post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"again"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	unread, err := h.backend.UnreadCount(context.Background(), reader.ID, room.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), unread)

	rr = post(t, h.markRead, "/rooms/read",
		`{"user":`+strconv.FormatInt(reader.ID, 10)+`,"room":"`+name+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, `{"read":true}`, rr.Body.String())

	unread, err = h.backend.UnreadCount(context.Background(), reader.ID, room.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), unread)
}

func TestActiveUsers(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	u := h.seedUser(t)
	h.seedUser(t)

	require.NoError(t, h.backend.SetOnline(context.Background(), u.ID, true))

	rr := get(t, h.activeUsers, "/users/active", url.Values{})
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	users, err := v.Array()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, u.Username, string(users[0].GetStringBytes("username")))
}

func TestSearchUsers(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	u := h.seedUser(t)
	h.seedUser(t)

	rr := get(t, h.searchUsers, "/users/search", url.Values{"q": {u.Username}})
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	users, err := v.Array()
	require.NoError(t, err)
	require.Len(t, users, 1)

	rr = get(t, h.searchUsers, "/users/search", url.Values{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Parameter \"q\" is required\n", rr.Body.String())
}

func TestRoomMembers(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	creator := h.seedUser(t)
	member := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.createRoom, "/rooms/add",
		`{"name":"`+name+`","user":`+strconv.FormatInt(creator.ID, 10)+
			`,"members":[`+strconv.FormatInt(member.ID, 10)+`]}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = get(t, h.roomMembers, "/rooms/members", url.Values{"room": {name}})
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	members, err := v.Array()
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestRoomsForUserCarriesUnread(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t)
	sender := h.seedUser(t)
	reader := h.seedUser(t)

	name := mytesting.RandString()
	rr := post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"one"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	room, err := h.backend.RoomByName(context.Background(), name)
	require.NoError(t, err)
	_, err = h.backend.Join(context.Background(), reader.ID, room.ID)
	require.NoError(t, err)

	rr = post(t, h.sendMessage, "/messages/add",
		`{"user":`+strconv.FormatInt(sender.ID, 10)+`,"room":"`+name+`","message":"two"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = post(t, h.roomsForUser, "/rooms/get", `{"user":`+strconv.FormatInt(reader.ID, 10)+`}`)
	require.Equal(t, http.StatusOK, rr.Code)

	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	rooms, err := v.Array()
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, name, string(rooms[0].GetStringBytes("name")))
	require.Equal(t, int64(1), rooms[0].GetInt64("unread_count"))
}

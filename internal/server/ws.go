package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/chat"
	"github.com/hbkchat/chatserv/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	// outbound frames buffered per connection; a consumer that falls
	// further behind loses frames, nobody else does
	sendBuffer = 32
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts one websocket connection to chat.Conn. Deliveries go
// through a buffered channel drained by the write pump, so the router
// never blocks on a slow socket.
type wsClient struct {
	logger  *zap.SugaredLogger
	conn    *websocket.Conn
	send    chan chat.Delivery
	session *chat.Session

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) Deliver(d chat.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- d:
		return nil
	default:
		return errSendBufferFull
	}
}

// shutdown closes the send channel exactly once. Deliver calls racing
// past this point fail with errConnClosed instead of panicking.
func (c *wsClient) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// serveWs handles HTTP requests on "/ws" endpoint: it authenticates
// the user id, upgrades the connection and runs the pumps.
func (h *handler) serveWs(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.backend.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "User does not exist", http.StatusUnauthorized)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade: %v", err)
		return
	}

	client := &wsClient{
		logger: h.logger,
		conn:   conn,
		send:   make(chan chat.Delivery, sendBuffer),
	}
	client.session = h.router.Registry().Register(r.Context(), client, user.ID, user.Username)

	go client.writePump()
	client.readPump(h.router)
}

// readPump reads inbound frames until the connection dies, then
// deregisters the session. Deregistration happens before the send
// channel is abandoned so in-flight dispatches see the session gone.
func (c *wsClient) readPump(router *chat.Router) {
	defer func() {
		router.Registry().Deregister(context.Background(), c.session)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var parserPool fastjson.ParserPool
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("session %s read: %v", c.session.ID, err)
			}
			return
		}

		parser := parserPool.Get()
		v, err := parser.ParseBytes(frame)
		if err != nil {
			c.reject("Malformed JSON")
			parserPool.Put(parser)
			continue
		}

		c.handleFrame(router, v)
		parserPool.Put(parser)
	}
}

// handleFrame dispatches one inbound event to the router.
func (c *wsClient) handleFrame(router *chat.Router, v *fastjson.Value) {
	ctx := context.Background()

	switch event := string(v.GetStringBytes("event")); event {
	case "message":
		_, err := router.Send(ctx, chat.MessageEvent{
			SenderID:   c.session.UserID,
			SenderName: c.session.Username,
			Room:       string(v.GetStringBytes("room")),
			Recipient:  v.GetInt64("recipient"),
			Private:    v.GetBool("private"),
			Body:       string(v.GetStringBytes("message")),
			Kind:       string(v.GetStringBytes("kind")),
		})
		if err != nil {
			c.reject(err.Error())
		}

	case "join":
		if peer := v.GetInt64("peer"); peer > 0 {
			router.AttachPrivate(c.session, peer)
			return
		}
		if err := router.Attach(ctx, c.session, string(v.GetStringBytes("room"))); err != nil {
			c.reject(err.Error())
		}

	case "leave":
		router.Detach(ctx, c.session, string(v.GetStringBytes("room")))

	case "typing":
		router.Typing(ctx, chat.TypingEvent{
			SenderID:   c.session.UserID,
			SenderName: c.session.Username,
			Room:       string(v.GetStringBytes("room")),
			Recipient:  v.GetInt64("recipient"),
			Private:    v.GetBool("private"),
			IsTyping:   v.GetBool("is_typing"),
		})

	case "user_activity":
		router.Activity(ctx, c.session.UserID)

	default:
		c.reject("Unknown event \"" + event + "\"")
	}
}

// reject reports a failure back to this connection only.
func (c *wsClient) reject(reason string) {
	_ = c.Deliver(chat.Delivery{
		Event:     chat.EventError,
		Username:  "System",
		Body:      reason,
		Timestamp: time.Now(),
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case d, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(d); err != nil {
				c.logger.Warnf("session %s write: %v", c.session.ID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/chat"
)

// Server defines fields used in HTTP and websocket processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	h             handler
	apiHandlers   map[string]http.Handler
	afterShutdown []func()
}

// NewServer wires the routing core behind the HTTP surface. The
// backend is whatever capability set was selected at composition time.
func NewServer(logger *zap.SugaredLogger, cfg EnvConfig, backend chat.Backend, router *chat.Router, cipher chat.Cipher, opts ...Option) (*Server, error) {
	srv := &Server{
		logger: logger,
		h: handler{
			logger:  logger,
			backend: backend,
			router:  router,
			cipher:  cipher,
			parsers: parsers{
				registerPool:   fastjson.ParserPool{},
				loginPool:      fastjson.ParserPool{},
				createRoomPool: fastjson.ParserPool{},
				membershipPool: fastjson.ParserPool{},
				sendPool:       fastjson.ParserPool{},
				roomsPool:      fastjson.ParserPool{},
			},
		},
	}

	srv.apiHandlers = map[string]http.Handler{
		"/users/register":       enforcePostJson(http.HandlerFunc(srv.h.registerUser)),
		"/users/login":          enforcePostJson(http.HandlerFunc(srv.h.login)),
		"/rooms/add":            enforcePostJson(http.HandlerFunc(srv.h.createRoom)),
		"/rooms/get":            enforcePostJson(http.HandlerFunc(srv.h.roomsForUser)),
		"/rooms/join":           enforcePostJson(http.HandlerFunc(srv.h.joinRoom)),
		"/rooms/leave":          enforcePostJson(http.HandlerFunc(srv.h.leaveRoom)),
		"/rooms/read":           enforcePostJson(http.HandlerFunc(srv.h.markRead)),
		"/messages/add":         enforcePostJson(http.HandlerFunc(srv.h.sendMessage)),
		"/messages/get":         enforceGet(http.HandlerFunc(srv.h.roomHistory)),
		"/messages/private/get": enforceGet(http.HandlerFunc(srv.h.privateHistory)),
		"/users/active":         enforceGet(http.HandlerFunc(srv.h.activeUsers)),
		"/users/search":         enforceGet(http.HandlerFunc(srv.h.searchUsers)),
		"/rooms/members":        enforceGet(http.HandlerFunc(srv.h.roomMembers)),
	}

	srv.httpServer = &http.Server{Addr: cfg.Addr()}

	for _, opt := range opts {
		opt.apply(srv)
	}

	mux := http.NewServeMux()
	for pattern, h := range srv.apiHandlers {
		mux.Handle(pattern, logRequests(h, logger.Desugar()))
	}
	mux.Handle("/ws", http.HandlerFunc(srv.h.serveWs))
	srv.httpServer.Handler = mux

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}

package server

import (
	"net/http"
	"strconv"
	"time"
)

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host          string `env:"HOST" envDefault:"0.0.0.0"`
	Port          uint16 `env:"PORT" envDefault:"9000"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	Backend       string `env:"CHAT_BACKEND" envDefault:"postgres"`
}

// Addr renders the listen address.
func (c EnvConfig) Addr() string {
	return c.Host + ":" + strconv.FormatUint(uint64(c.Port), 10)
}

type Option interface {
	apply(*Server)
}

type optionFunc func(s *Server)

func (f optionFunc) apply(s *Server) { f(s) }

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(s *Server) {
		s.httpServer.ReadTimeout = d
	})
}

// WriteTimeout sets write timeout for http.Server. It is left unset by
// default because the websocket endpoint holds its connection open.
func WriteTimeout(d time.Duration) Option {
	return optionFunc(func(s *Server) {
		s.httpServer.WriteTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(s *Server) {
		s.afterShutdown = append(s.afterShutdown, f)
	})
}

// TimeoutHandler wraps the JSON API handlers in http.TimeoutHandler
// with provided duration and message. The websocket endpoint is not
// wrapped.
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(s *Server) {
		for pattern, h := range s.apiHandlers {
			s.apiHandlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}

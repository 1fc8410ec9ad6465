// Package server exposes the public HTTP surface: the websocket endpoint,
// a health probe, and a read-only session snapshot.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/PsyLabsWeb3/Flip10/game"
	"github.com/PsyLabsWeb3/Flip10/logging"
)

const shutdownGrace = 10 * time.Second

// Server is the public HTTP listener.
type Server struct {
	logger logging.Logger
	addr   string
	store  *game.SessionStore
	ws     http.Handler

	httpServer *http.Server
}

// New builds the server; call Start to begin listening.
func New(logger logging.Logger, addr string, store *game.SessionStore, ws http.Handler) *Server {
	return &Server{
		logger: logging.ForComponent(logger, logging.ComponentHTTPServer),
		addr:   addr,
		store:  store,
		ws:     ws,
	}
}

// Start binds the listener and serves until ctx is done, then drains with a
// grace period.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/session", s.handleSession)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown did not drain cleanly")
		}
	}()

	s.logger.Info().Str(logging.FieldListenAddr, s.addr).Msg("http server listening")

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"ok": true,
		"ts": time.Now().UnixMilli(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.store.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

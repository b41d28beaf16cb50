package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aigoflow/arena/internal/backend"
)

type Server struct {
	httpAddr string
	handlers *backend.Handlers
	socket   *backend.SocketHandler
}

func NewServer(httpAddr string, handlers *backend.Handlers, socket *backend.SocketHandler) *Server {
	return &Server{
		httpAddr: httpAddr,
		handlers: handlers,
		socket:   socket,
	}
}

// Handler returns the routes of the development backend
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handlers.RegisterRoutes(mux)
	s.socket.RegisterRoutes(mux)
	return mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	slog.Info("HTTP server starting",
		"addr", s.httpAddr,
		"endpoints", []string{"/api/messages/stream/", "/api/sessions/", "/api/streams/", "/ws/chat/session/", "/healthz"})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

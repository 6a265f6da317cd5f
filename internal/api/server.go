package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/server"
	"github.com/teris-io/shortid"
)

type Server struct {
	log            hclog.Logger
	hub            *server.Hub
	repo           database.Repository
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
	newId          func() (string, error)
}

func NewServer(mux *http.ServeMux, logger hclog.Logger, hub *server.Hub, repo database.Repository, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		hub:            hub,
		repo:           repo,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		newId:          shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/calls", s.authMiddleware(s.createCall))
	mux.Handle("GET /api/calls/{id}", s.authMiddleware(s.getCall))
	mux.Handle("POST /api/calls/{id}/activate", s.authMiddleware(s.activateCall))
	mux.Handle("POST /api/calls/{id}/end", s.authMiddleware(s.endCall))
	mux.Handle("GET /api/presence", s.authMiddleware(s.getPresenceBatch))
	mux.Handle("GET /api/presence/{identity}", s.authMiddleware(s.getPresence))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:     cfg.ServerAddr,
		Handler:  h,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
)

// Server wraps the Handler with an http.Server for lifecycle management
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
	logger   *logger.Logger
}

// NewServer binds the listener and prepares the server. A port of 0 lets the
// OS pick one; Port reports it after construction.
func NewServer(cfg config.APIServerConfig, handler *Handler, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	// request contexts end on shutdown so open event streams return
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           handler.Routes(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)

	return &Server{
		listener: listener,
		port:     port,
		logger:   log.With("component", "api_server"),
		server:   srv,
	}, nil
}

// Start serves until the server is stopped. A graceful stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	err := s.server.Shutdown(ctx)
	// Shutdown only closes listeners Serve has taken over
	_ = s.listener.Close()
	return err
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listener address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chatCore/pkg/api"
	"chatCore/pkg/chat"
	"chatCore/pkg/metrics"
)

const shutdownGrace = 30 * time.Second

type Server struct {
	router  *chi.Mux
	addr    string
	session *chat.Session
	hub     *api.Hub
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewServer(router *chi.Mux, addr string, session *chat.Session, hub *api.Hub, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		router:  router,
		addr:    addr,
		session: session,
		hub:     hub,
		metrics: m,
		log:     log,
	}
}

// Run serves the local surface until ctx is cancelled or a termination
// signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	go s.hub.Run(ctx)
	go s.forwardUpdates(ctx)

	// run function that initializes the routes
	r := s.Routes()

	server := &http.Server{Addr: s.addr, Handler: r}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("serving chat surface", zap.String("addr", s.addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Shutdown signal with grace period of 30 seconds
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Error("graceful shutdown timed out, forcing exit")
		}
		return err
	}
	s.log.Info("chat surface stopped")
	return nil
}

// forwardUpdates relays session view changes to websocket subscribers.
func (s *Server) forwardUpdates(ctx context.Context) {
	updates := s.session.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-updates:
			s.hub.Publish(event)
		}
	}
}

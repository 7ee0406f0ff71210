// Package api exposes the protection engine over HTTP (JSON endpoints, an
// alert WebSocket and Prometheus metrics) and gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"bracketguard/internal/alert"
	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/engine"
	"bracketguard/internal/store"
)

// Engine is the part of the protection engine the API drives.
type Engine interface {
	Positions() []domain.Position
	VerifyAll(ctx context.Context) (domain.ReconciliationResult, error)
	SubmitIntent(intent domain.EntryIntent) error
	PartialExit(ctx context.Context, symbol string, fraction float64) (engine.PartialExitResult, error)
}

// AlertSource publishes protection alerts.
type AlertSource interface {
	Subscribe(bufSize int) (int, <-chan alert.Alert)
	Unsubscribe(id int)
	Degraded() []string
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg        config.Server
	brokerName string
	engine     Engine
	events     store.EventStore
	alerts     AlertSource
	hub        *Hub
	log        *slog.Logger
	now        func() time.Time
}

// NewServer creates a new Server. events may be nil, in which case the
// events endpoint reports that no audit store is configured.
func NewServer(cfg config.Server, brokerName string, eng Engine, events store.EventStore, alerts AlertSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	return &Server{
		cfg:        cfg,
		brokerName: brokerName,
		engine:     eng,
		events:     events,
		alerts:     alerts,
		hub:        NewHub(log),
		log:        log,
		now:        time.Now,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /api/intents", s.handleIntent)
	mux.HandleFunc("POST /api/positions/{symbol}/partial-exit", s.handlePartialExit)
	mux.HandleFunc("GET /api/alerts/ws", s.hub.HandleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. A zero gRPC port disables
// gRPC.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpAddr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if s.cfg.GRPCPort > 0 {
		addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.GRPCPort))
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		grpcLis = lis
		grpcSrv = grpc.NewServer()
		NewProtectionService(s.engine, s.alerts, s.log).RegisterGRPC(grpcSrv)
	}

	g, ctx := errgroup.WithContext(ctx)
	var alerts <-chan alert.Alert
	if s.alerts != nil {
		id, ch := s.alerts.Subscribe(256)
		defer s.alerts.Unsubscribe(id)
		alerts = ch
	}
	g.Go(func() error {
		s.hub.Run(ctx, alerts)
		return nil
	})
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if grpcSrv != nil {
			// Alert streams never finish on their own.
			stopped := make(chan struct{})
			go func() {
				grpcSrv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcSrv.Stop()
			}
		}
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

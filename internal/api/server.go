// Package api provides the REST, WebSocket and gRPC surfaces of the bot:
// account and order inspection, engine control, backtests and strategy
// assignments.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tradebot/internal/app"
	"tradebot/internal/config"
	"tradebot/internal/events"
	"tradebot/internal/scheduler"
	"tradebot/internal/store"
	"tradebot/internal/util"
)

// Deps are the collaborators the servers read from and act on.
type Deps struct {
	Operator  app.Operator
	Orders    store.OrderStore
	Trades    store.TradeStore
	Signals   store.SignalStore
	Bars      store.BarStore
	Backtests store.BacktestStore
	Equity    store.EquityStore
	Bus       *events.Bus

	// Scheduler is optional; without it the jobs endpoints return 404.
	Scheduler *scheduler.Scheduler

	Logger *slog.Logger
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg  config.Server
	deps Deps
	log  *slog.Logger
	hub  *Hub

	mu   sync.Mutex
	http *http.Server
	grpc *grpc.Server
}

// NewServer creates a new Server configured from the given Config.
func NewServer(cfg config.Server, d Deps) *Server {
	logger := util.Component(d.Logger, "api")
	return &Server{
		cfg:  cfg,
		deps: d,
		log:  logger,
		hub:  NewHub(d.Bus, logger),
	}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the REST and WebSocket routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	return corsMiddleware(mux)
}

// GRPCServer builds the gRPC server with the control service registered.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logInterceptor))
	RegisterControl(gs, s.deps.Operator)
	return gs
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. A zero GRPCPort disables
// gRPC.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.HTTPAddr(), err)
	}
	var grpcLn net.Listener
	if s.cfg.GRPCPort != 0 {
		grpcLn, err = net.Listen("tcp", s.cfg.GRPCAddr())
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.cfg.GRPCAddr(), err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the servers on existing listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var gs *grpc.Server
	if grpcLn != nil {
		gs = s.GRPCServer()
	}
	s.mu.Lock()
	s.http, s.grpc = hs, gs
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := hs.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if gs != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs, gs := s.http, s.grpc
	s.mu.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	if gs != nil {
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			gs.Stop()
		}
	}
	return err
}

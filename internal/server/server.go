package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tradedesk/authserver/internal/handlers"
	"github.com/tradedesk/authserver/internal/logging"
	"github.com/tradedesk/authserver/internal/reaper"
)

const limiterPruneInterval = 10 * time.Minute

// Server wraps the HTTP server, router and background workers.
type Server struct {
	app        *App
	httpServer *http.Server
	router     *chi.Mux
	limiter    *handlers.LoginLimiter
	reaper     *reaper.Reaper

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Server around an already wired App.
func New(app *App) *Server {
	cfg := app.Config
	limiter := handlers.NewLoginLimiter(cfg.Auth.LoginRatePerMin, cfg.Auth.LoginRateBurst)
	requireSession := handlers.RequireSession(app.Sessions, app.Metrics)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(app.Logger),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
		app.Metrics.Middleware,
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", app.Metrics.Handler())

	handlers.AuthRouter(router, handlers.NewAuthHandler(app.Sessions, app.Accounts, app.Metrics, app.Location), limiter)
	handlers.ProfileRouter(router, handlers.NewProfileHandler(app.Accounts, app.Location), requireSession)
	router.Route("/accounts", func(r chi.Router) {
		handlers.AccountRouter(r, handlers.NewAccountHandler(app.Accounts, app.Location), requireSession)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		app:     app,
		router:  router,
		limiter: limiter,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	if cfg.Sweeper.Interval > 0 {
		s.reaper = reaper.New(app.Sessions, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, app.Logger)
	}
	return s
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start launches background workers and runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.reaper != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reaper.Run(s.ctx)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pruneLimiter(s.ctx)
	}()
	s.mu.Unlock()

	s.app.Logger.Info("server.listening", "addr", s.httpServer.Addr, "store", s.app.Config.StoreDriver)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Prune(limiterPruneInterval)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown drains in-flight requests, stops background workers and closes
// the store and broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	s.wg.Wait()
	return errors.Join(err, s.app.Close())
}

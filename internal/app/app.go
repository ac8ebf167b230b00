// Package app assembles the relay from configuration and runs its HTTP
// server and background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/agentrelay/internal/agent"
	"github.com/ashureev/agentrelay/internal/api"
	"github.com/ashureev/agentrelay/internal/approval"
	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/errlog"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/feed"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/middleware"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/web"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired relay components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Sessions    *store.SessionStore
	History     *store.HistoryStore
	Errors      *errlog.Logger
	Agent       agent.Service
	Coordinator *exchange.Coordinator
	Workflow    *approval.Workflow
	Commands    *exchange.Commands
	Locks       *exchange.ScopeLocks
	Hub         *feed.Hub

	closers []func() error
}

// NewLogger returns a JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// NewAgent connects to the configured agent transport. The returned closer
// releases the transport.
func NewAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Service, func() error, error) {
	switch cfg.Agent.Transport {
	case config.TransportDocker:
		runner, err := agent.NewDockerRunner(cfg.Agent.Container, cfg.Agent.ClaudeBin, cfg.Agent.WorkDir, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			_ = runner.Close()
			return nil, nil, err
		}
		return runner, runner.Close, nil
	case config.TransportGRPC:
		client, err := agent.NewGRPCClient(agent.DefaultGRPCClientConfig(cfg.Agent.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { client.Close(); return nil }, nil
	default:
		return agent.NewCLIRunner(cfg.Agent.ClaudeBin, cfg.Agent.WorkDir, logger), func() error { return nil }, nil
	}
}

// New opens storage, connects the agent and wires every component.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	a.Sessions = store.NewSessionStore(cfg.Storage.SessionFile,
		store.WithMaxAge(cfg.Sessions.MaxAge),
		store.WithLogger(logger),
	)
	if err := a.Sessions.LoadWarning(); err != nil {
		logger.Warn("Session file unreadable, starting empty", "path", cfg.Storage.SessionFile, "error", err)
	}

	history, err := store.NewHistoryStore(cfg.Storage.HistoryDB, cfg.Sessions.HistoryCap)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.History = history
	a.closers = append(a.closers, history.Close)
	if err := history.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("history health check: %w", err)
	}

	errs, err := errlog.New(errlog.Config{Path: cfg.Storage.ErrorLog, QueueSize: cfg.Storage.QueueSize}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Errors = errs
	a.closers = append(a.closers, errs.Close)

	svc, closeAgent, err := NewAgent(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect agent: %w", err)
	}
	a.Agent = svc
	a.closers = append(a.closers, closeAgent)
	logger.Info("Agent transport ready", "transport", cfg.Agent.Transport)

	a.Coordinator = exchange.NewCoordinator(svc, a.Sessions, exchange.OptionsFromConfig(cfg.Exchange),
		exchange.WithLogger(logger),
		exchange.WithErrorLog(errs),
	)
	a.Workflow = approval.New(a.Coordinator, history,
		approval.WithDuplicateWindow(cfg.Sessions.DuplicateWindow),
		approval.WithLogger(logger),
		approval.WithErrorLog(errs),
	)
	a.Commands = exchange.NewCommands(a.Sessions, time.Now)
	a.Locks = exchange.NewScopeLocks()
	a.Hub = feed.NewHub(cfg.AllowedOrigins, cfg.IsDevelopment(), logger)
	return a, nil
}

// Router builds the HTTP routes.
func (a *App) Router() http.Handler {
	h := api.NewHandler(api.Deps{
		Coordinator: a.Coordinator,
		Workflow:    a.Workflow,
		Commands:    a.Commands,
		Sessions:    a.Sessions,
		History:     a.History,
		Locks:       a.Locks,
		Hub:         a.Hub,
		Config:      a.Config,
		Logger:      a.Logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(a.Config.AllowedOrigins))

	h.RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(a.Config.Auth.JWTSecret, a.Config.IsDevelopment()))
		h.RegisterRoutes(r)
	})

	// Operator console (SPA catch-all).
	r.Handle("/*", web.SPAHandler())
	return r
}

// Serve runs the HTTP server and the session sweeper until ctx is
// cancelled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:        ":" + a.Config.Port,
		Handler:     a.Router(),
		ReadTimeout: 30 * time.Second,
		// Exchanges and feed sockets are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-store.StartSweeper(gctx, a.Sessions, a.Config.Sessions.SweepInterval, a.Logger)
		return nil
	})
	g.Go(func() error {
		a.Logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Coordinator.Wait()
	return err
}

// Close releases storage, the error log and the agent transport in reverse
// order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error("Failed to close component", "error", err)
		}
	}
	a.closers = nil
}

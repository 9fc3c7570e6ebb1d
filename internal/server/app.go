package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradedesk/authserver/config"
	"github.com/tradedesk/authserver/internal/db"
	"github.com/tradedesk/authserver/internal/events"
	"github.com/tradedesk/authserver/internal/metrics"
	"github.com/tradedesk/authserver/internal/mq"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// App holds the wired services shared by the HTTP server and the CLI commands.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Accounts *services.AccountService
	Sessions *services.SessionService
	History  services.ClosedSessionLister
	Broker   mq.Backend
	Location *time.Location

	db *sql.DB
}

type repositories struct {
	accounts services.AccountRepository
	sessions interface {
		services.SessionStore
		services.ClosedSessionLister
	}
	devices services.DeviceLookup
	finder  services.AccountFinder
}

// NewApp opens the configured store and broker and wires the services.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Auth.DisplayTimezone)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, Location: loc, Metrics: metrics.New()}

	repos, err := app.openStore(ctx)
	if err != nil {
		return nil, err
	}

	broker, err := mq.Connect(ctx, cfg.MQ)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("connect mq: %w", err)
	}
	app.Broker = broker

	tokens, err := token.NewService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL,
		token.WithRefreshSecret(cfg.Auth.RefreshSecret()),
	)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	hasher := services.NewBcryptHasher(bcrypt.DefaultCost)
	verifier, err := services.NewCredentialVerifier(repos.finder, hasher)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	publisher := events.NewPublisher(broker, cfg.MQ.EventsChannel, app.Metrics, logger)
	observers := []services.SessionObserver{app.Metrics, publisher}

	app.Accounts = services.NewAccountService(repos.accounts, repos.sessions, hasher, logger, observers...)
	app.Sessions = services.NewSessionService(verifier, repos.devices, repos.sessions, tokens, cfg.Auth.IdleTimeout, logger,
		services.WithObservers(observers...),
	)
	app.History = repos.sessions
	return app, nil
}

func (a *App) openStore(ctx context.Context) (repositories, error) {
	switch a.Config.StoreDriver {
	case config.StoreDriverMemory:
		a.Logger.Warn("store.memory", "detail", "state is lost on restart")
		mem := store.NewMemoryStore()
		return repositories{accounts: mem, sessions: mem, devices: mem, finder: mem}, nil
	case config.StoreDriverPostgres:
		conn, err := db.Open(ctx, a.Config.Database)
		if err != nil {
			return repositories{}, err
		}
		a.db = conn
		accounts := store.NewAccountRepository(conn)
		return repositories{
			accounts: accounts,
			sessions: store.NewSessionRepository(conn),
			devices:  accounts,
			finder:   accounts,
		}, nil
	default:
		return repositories{}, fmt.Errorf("unknown store driver %q", a.Config.StoreDriver)
	}
}

// Close releases the broker and database connections.
func (a *App) Close() error {
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

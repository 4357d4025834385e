package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tasknest/internal/config"
	"tasknest/internal/db"
	"tasknest/internal/engine"
	"tasknest/internal/engine/auth"
	"tasknest/internal/enhance"
	"tasknest/internal/identity"
	"tasknest/internal/logging"
	"tasknest/internal/migrate"
	"tasknest/internal/repo"
)

// Context bundles the services one process shares between the HTTP server and the CLI.
type Context struct {
	Config       *config.Config
	Logger       *slog.Logger
	Store        repo.Store
	Engine       engine.Engine
	Orchestrator enhance.Orchestrator
	Monitor      enhance.Monitor
	Verifier     auth.Verifier
	// Identity is nil when no provider URL is configured.
	Identity *identity.Client
}

// Build opens storage for the configured driver, brings the schema up to date and wires the services.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrDefault(logger)
	store, err := OpenStore(ctx, workspace, cfg, logger)
	if err != nil {
		return nil, err
	}
	return Wire(cfg, store, ModelFor(cfg), logger), nil
}

// Wire assembles the services over an already opened store and model.
func Wire(cfg *config.Config, store repo.Store, model enhance.Model, logger *slog.Logger) *Context {
	logger = logging.OrDefault(logger)
	eng := engine.New(store, cfg.Storage.MaxDepth)
	c := &Context{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Engine: eng,
		Orchestrator: enhance.Orchestrator{
			Store:    store,
			Model:    model,
			Timeout:  cfg.AITimeout(),
			MaxDepth: eng.MaxDepth,
			Logger:   logger.With("component", "enhance"),
		},
		Monitor: enhance.Monitor{
			Store:    store,
			Interval: cfg.PollInterval(),
			Timeout:  cfg.StreamTimeout(),
			Logger:   logger.With("component", "stream"),
		},
		Verifier: auth.Verifier{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience},
	}
	if cfg.Identity.URL != "" {
		c.Identity = identity.New(cfg.Identity.URL, cfg.Identity.AnonKey, cfg.IdentityTimeout(), logger.With("component", "identity"))
	}
	return c
}

// OpenStore returns the SQLite workspace store or a Postgres store, schema applied.
func OpenStore(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := db.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store := repo.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return store, nil
	default:
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logging.OrDefault(logger).Info("applied migrations", "migrations", applied)
		}
		return repo.New(conn), nil
	}
}

// ModelFor picks the language model backend named by ai.provider.
func ModelFor(cfg *config.Config) enhance.Model {
	if cfg.AI.Provider != config.ProviderOpenAI {
		return enhance.NoopModel{}
	}
	return enhance.NewOpenAIModel(enhance.OpenAIConfig{
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		APIKey:  cfg.AI.APIKey,
	}, &http.Client{})
}

func (c *Context) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

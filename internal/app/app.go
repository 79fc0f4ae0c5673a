// Package app opens a workspace: configuration, database, storage and the
// engine wired to them. Both the CLI and the HTTP server start here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/engine/auth"
	"tramita/internal/migrate"
	"tramita/internal/notify"
	"tramita/internal/repo"
	"tramita/internal/storage"
)

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open loads tramita.yml (falling back to defaults), migrates the database and
// builds the engine.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, workspace, cfg, logger)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st, err := storage.FromConfig(cfg.Storage, workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Storage = st
	eng.Logger = logger
	eng.Notifier = notify.Multi{notify.Outbox{Store: eng.Repo}, notify.Log{Logger: logger}}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Dialect:   dialect,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Dispatcher builds the webhook dispatcher for the configured endpoints.
func (a *App) Dispatcher() *notify.Dispatcher {
	return notify.NewDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger)
}

// ActorInput registers or updates an actor with its roles and, optionally,
// its signing credential.
type ActorInput struct {
	ID     string
	Name   string
	Module string
	Roles  []domain.Role
	Secret string
}

// SaveActor upserts the actor, grants the roles and sets the credential in one
// transaction.
func (a *App) SaveActor(ctx context.Context, in ActorInput) (domain.Actor, error) {
	if in.ID == "" {
		return domain.Actor{}, errors.New("actor id is required")
	}
	if in.Module != "" && !a.Config.HasModule(in.Module) {
		return domain.Actor{}, fmt.Errorf("unknown module %q", in.Module)
	}
	for _, role := range in.Roles {
		if !role.Valid() {
			return domain.Actor{}, fmt.Errorf("unknown role %q", role)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	r := a.Engine.Repo
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if err := r.UpsertActor(ctx, tx, domain.Actor{ID: in.ID, Name: in.Name, Module: in.Module, CreatedAt: now}); err != nil {
		return domain.Actor{}, err
	}
	for _, role := range in.Roles {
		if err := r.GrantRole(ctx, tx, in.ID, role); err != nil {
			return domain.Actor{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	if in.Secret != "" {
		hash, err := auth.HashSecret(in.Secret)
		if err != nil {
			return domain.Actor{}, err
		}
		if err := r.SetCredential(ctx, in.ID, hash, now); err != nil {
			return domain.Actor{}, err
		}
	}
	return r.GetActor(ctx, in.ID)
}

// RequireActor fails with repo.ErrNotFound when the actor is not registered.
func (a *App) RequireActor(ctx context.Context, id string) (domain.Actor, error) {
	actor, err := a.Engine.Repo.GetActor(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return actor, fmt.Errorf("actor %s: %w", id, err)
	}
	return actor, err
}

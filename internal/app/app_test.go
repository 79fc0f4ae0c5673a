package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"tramita/internal/domain"
	"tramita/internal/repo"
)

func openTemp(t *testing.T) *App {
	t.Helper()
	a, err := Open(context.Background(), t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenWiresEngine(t *testing.T) {
	a := openTemp(t)
	if a.Engine.Storage == nil || a.Engine.Notifier == nil {
		t.Fatalf("engine not wired: %+v", a.Engine)
	}
	if !a.Config.HasModule("protocolo") {
		t.Fatalf("default modules missing")
	}
}

func TestSaveActor(t *testing.T) {
	a := openTemp(t)
	ctx := context.Background()
	actor, err := a.SaveActor(ctx, ActorInput{ID: "gil", Name: "Gil", Module: "gestao", Roles: []domain.Role{domain.RoleManager}, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(actor.Roles) != 1 || actor.Roles[0] != domain.RoleManager {
		t.Fatalf("roles = %v", actor.Roles)
	}
	ok, err := a.Engine.Identity.VerifyCredential(ctx, "gil", "s3cret")
	if err != nil || !ok {
		t.Fatalf("credential not stored: %v %v", ok, err)
	}
	if _, err := a.SaveActor(ctx, ActorInput{ID: "x", Module: "nowhere"}); err == nil {
		t.Fatalf("expected unknown module error")
	}
	if _, err := a.SaveActor(ctx, ActorInput{ID: "x", Roles: []domain.Role{"king"}}); err == nil {
		t.Fatalf("expected unknown role error")
	}
	if _, err := a.RequireActor(ctx, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

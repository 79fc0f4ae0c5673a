package auth

import (
	"context"
	"errors"
	"testing"

	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/migrate"
	"tramita/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, dialect)
}

func TestBcryptVerifyCredential(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	if err := r.UpsertActor(ctx, r.DB, domain.Actor{ID: "ana", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetCredential(ctx, "ana", hash, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	idp := Bcrypt{Repo: r}
	if ok, err := idp.VerifyCredential(ctx, "ana", "s3cret"); err != nil || !ok {
		t.Fatalf("expected valid credential, got %v %v", ok, err)
	}
	if ok, err := idp.VerifyCredential(ctx, "ana", "wrong"); err != nil || ok {
		t.Fatalf("expected rejected credential, got %v %v", ok, err)
	}
	if ok, err := idp.VerifyCredential(ctx, "nobody", "s3cret"); err != nil || ok {
		t.Fatalf("unknown actor must not verify, got %v %v", ok, err)
	}
}

func TestServiceRequire(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for _, a := range []string{"ana", "root"} {
		if err := r.UpsertActor(ctx, r.DB, domain.Actor{ID: a, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.GrantRole(ctx, r.DB, "ana", domain.RoleAnalyst); err != nil {
		t.Fatal(err)
	}
	if err := r.GrantRole(ctx, r.DB, "root", domain.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	svc := Service{Repo: r}
	if err := svc.Require(ctx, "ana", domain.RoleAnalyst); err != nil {
		t.Fatalf("analyst: %v", err)
	}
	var fe ForbiddenError
	if err := svc.Require(ctx, "ana", domain.RoleOrdenador); !errors.As(err, &fe) || fe.Role != "ordenador" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.Require(ctx, "root", domain.RoleOrdenador); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
	if err := svc.RequireAny(ctx, "ana", domain.RoleManager, domain.RoleAnalyst); err != nil {
		t.Fatalf("any: %v", err)
	}
	if err := r.RevokeRole(ctx, r.DB, "ana", domain.RoleAnalyst); err != nil {
		t.Fatal(err)
	}
	if err := svc.RequireAny(ctx, "ana", domain.RoleManager, domain.RoleAnalyst); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden after revoke, got %v", err)
	}
}

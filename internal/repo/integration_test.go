//go:build integration

package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/migrate"
	"tramita/internal/repo"
)

func newPostgresRepo(t *testing.T) repo.Repo {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("set TEST_INTEGRATION to run against a postgres container")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		postgres.WithDatabase("tramita_test"),
		postgres.WithUsername("tramita"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	conn, dialect, err := db.Open(db.Config{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, dialect)
}

func TestPostgresLifecycle(t *testing.T) {
	r := newPostgresRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, err := r.Create(ctx, domain.Request{
		ID: "r1", Type: domain.TypePerDiem, Status: domain.StatusDraft,
		OriginModule: "gestao", AssignedModule: "gestao", RequesterID: "rita", Justification: "Diárias",
		Items:     []domain.Item{{Code: "3.3.90.14", Value: decimal.RequireFromString("1200.00")}},
		CreatedAt: now.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339),
	}, repo.Change{Action: domain.ActionCreate}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req, _, err := r.Apply(ctx, repo.Command{RequestID: "r1", ExpectedVersion: 1, ActorID: "rita", At: now},
		func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
			nup, err := r.NextNUP(ctx, tx, now.Year())
			if err != nil {
				return repo.Change{}, err
			}
			req.NUP = nup
			req.Status = domain.StatusAwaitingManagerSignature
			return repo.Change{Action: domain.ActionSubmit}, nil
		})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if req.Version != 2 || req.NUP == "" {
		t.Fatalf("unexpected request %+v", req)
	}

	_, _, err = r.Apply(ctx, repo.Command{RequestID: "r1", ExpectedVersion: 1, ActorID: "rita", At: now}, touch)
	var conflict repo.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	fact := domain.SignatureFact{ID: "s1", RequestID: "r1", Slot: domain.SlotManager, SignerID: "gil", Timestamp: now.Format(time.RFC3339), Digest: "d"}
	for i, id := range []string{"s1", "s2"} {
		fact.ID = id
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		err = r.InsertSignature(ctx, tx, fact)
		if i == 0 {
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatal(err)
			}
			continue
		}
		_ = tx.Rollback()
		if !errors.Is(err, repo.ErrDuplicate) {
			t.Fatalf("expected duplicate, got %v", err)
		}
	}

	hist, err := r.ListHistory(ctx, "r1")
	if err != nil || len(hist) != 2 {
		t.Fatalf("history: %v %d", err, len(hist))
	}
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "tramita.db"
	workspaceDir  = ".tramita"
)

// Dialect selects placeholder style and migrations.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Config struct {
	Workspace string
	Driver    string
	DSN       string
}

func (c Config) Dialect() Dialect {
	if c.Driver == string(Postgres) || c.Driver == "pgx" {
		return Postgres
	}
	return SQLite
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database through the otelsql wrapper.
// SQLite runs with a single connection so writers serialize in-process.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	dialect := cfg.Dialect()
	switch dialect {
	case Postgres:
		if cfg.DSN == "" {
			return nil, dialect, fmt.Errorf("database.dsn is required for postgres")
		}
		conn, err := otelsql.Open("pgx", cfg.DSN,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
			otelsql.WithSQLCommenter(true),
		)
		if err != nil {
			return nil, dialect, fmt.Errorf("sql open: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxLifetime(30 * time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, dialect, fmt.Errorf("db ping: %w", err)
		}
		return conn, dialect, nil
	default:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, dialect, err
			}
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Workspace))
		}
		conn, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
		if err != nil {
			return nil, dialect, err
		}
		conn.SetMaxOpenConns(1)
		return conn, dialect, nil
	}
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Package migrate applies the embedded schema of each database dialect.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"tramita/internal/db"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationsFS embed.FS

// pgLockKey serializes concurrent starts against the same PostgreSQL database.
const pgLockKey = 7_413_020

type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	AppliedAt string
}

// Load returns the dialect's migrations ordered by version. File names start
// with the version number: 001_init.sql.
func Load(dialect db.Dialect) ([]Migration, error) {
	dir := path.Join("sql", string(dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %s: %w", dialect, err)
	}
	var out []Migration
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", e.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		data, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: e.Name(), UpSQL: string(data)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// Migrate applies every migration not yet recorded in schema_migrations. Each
// one commits separately together with its record.
func Migrate(conn *sql.DB, dialect db.Dialect) error {
	migrations, err := Load(dialect)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := Applied(conn)
	if err != nil {
		return err
	}
	done := make(map[int]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := apply(conn, dialect, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(conn *sql.DB, dialect db.Dialect, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if dialect == db.Postgres {
		if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, pgLockKey); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		// another instance may have applied it while we waited
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version=$1`, m.Version).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	if _, err := tx.Exec(m.UpSQL); err != nil {
		return fmt.Errorf("migration %s: %w", m.Name, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(dialect.Rebind(`INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`), m.Version, m.Name, now); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	return tx.Commit()
}

// Applied lists the recorded migrations in version order.
func Applied(conn *sql.DB) ([]Migration, error) {
	rows, err := conn.Query(`SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	var out []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

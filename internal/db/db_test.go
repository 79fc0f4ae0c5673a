package db

import "testing"

func TestRebind(t *testing.T) {
	q := `UPDATE requests SET status=?, version=version+1 WHERE id=? AND version=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE requests SET status=$1, version=version+1 WHERE id=$2 AND version=$3`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s, want %s", got, want)
	}
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if dialect != SQLite {
		t.Fatalf("dialect %s", dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/events"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	History events.Writer
	Cache   *SnapshotCache
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// ConflictError reports a stale optimistic version.
type ConflictError struct {
	RequestID string
	Expected  int64
	Actual    int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("request %s version conflict: expected %d, found %d", e.RequestID, e.Expected, e.Actual)
}

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{
		DB:      conn,
		Dialect: dialect,
		History: events.Writer{Dialect: dialect},
	}
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// Command identifies the request a mutation applies to.
type Command struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	At              time.Time
}

// Change describes the history entry a successful mutation produces.
type Change struct {
	Action      domain.Action
	Description string
	Metadata    events.Payload
}

// Mutation edits req in place. It must only touch the database through tx.
type Mutation func(ctx context.Context, tx *sql.Tx, req *domain.Request) (Change, error)

const requestColumns = `id,COALESCE(nup,''),type,status,origin_module,assigned_module,assigned_to_id,assigned_to_name,requester_id,justification,technical_opinion,total_value,items_json,signed_by_manager_id,signed_by_manager_at,signed_by_ordenador_id,signed_by_ordenador_at,version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (domain.Request, error) {
	var (
		req                           domain.Request
		typ, status, total, itemsJSON string
		assignedID, assignedName      sql.NullString
		mgrID, mgrAt, ordID, ordAt    sql.NullString
	)
	err := s.Scan(&req.ID, &req.NUP, &typ, &status, &req.OriginModule, &req.AssignedModule, &assignedID, &assignedName,
		&req.RequesterID, &req.Justification, &req.TechnicalOpinion, &total, &itemsJSON,
		&mgrID, &mgrAt, &ordID, &ordAt, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Type = domain.RequestType(typ)
	req.Status = domain.Status(status)
	req.AssignedToID = nullToPtr(assignedID)
	req.AssignedToName = nullToPtr(assignedName)
	req.SignedByManagerID = nullToPtr(mgrID)
	req.SignedByManagerAt = nullToPtr(mgrAt)
	req.SignedByOrdenadorID = nullToPtr(ordID)
	req.SignedByOrdenadorAt = nullToPtr(ordAt)
	if err := json.Unmarshal([]byte(itemsJSON), &req.Items); err != nil {
		return req, fmt.Errorf("decode items of %s: %w", req.ID, err)
	}
	if req.TotalValue, err = decimal.NewFromString(total); err != nil {
		return req, fmt.Errorf("decode total of %s: %w", req.ID, err)
	}
	return req, nil
}

func (r Repo) getRequest(ctx context.Context, q db.Querier, id string) (domain.Request, error) {
	return scanRequest(q.QueryRowContext(ctx, r.q(`SELECT `+requestColumns+` FROM requests WHERE id=?`), id))
}

// GetRequest returns the current snapshot. A cached copy is served only while
// its version still matches the stored one, since other processes may write
// to the same database.
func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	if r.Cache != nil {
		if req, ok := r.Cache.Get(id); ok {
			var version int64
			err := r.DB.QueryRowContext(ctx, r.q(`SELECT version FROM requests WHERE id=?`), id).Scan(&version)
			switch {
			case err == nil && version == req.Version:
				return req, nil
			case err == nil || errors.Is(err, sql.ErrNoRows):
				r.Cache.Evict(id)
			default:
				return domain.Request{}, err
			}
		}
	}
	req, err := r.getRequest(ctx, r.DB, id)
	if err != nil {
		return req, err
	}
	if r.Cache != nil {
		r.Cache.Set(req)
	}
	return req, nil
}

// GetRequestTx reads the snapshot inside a transaction, bypassing the cache.
func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return r.getRequest(ctx, tx, id)
}

// Create inserts a new request together with its CREATE history entry.
func (r Repo) Create(ctx context.Context, req domain.Request, change Change, at time.Time) (domain.Request, domain.HistoryEntry, error) {
	req.Recompute()
	req.Version = 1
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	defer tx.Rollback()

	items, err := json.Marshal(itemsOrEmpty(req.Items))
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO requests(id,nup,type,status,origin_module,assigned_module,assigned_to_id,assigned_to_name,requester_id,justification,technical_opinion,total_value,items_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		req.ID, nullable(req.NUP), string(req.Type), string(req.Status), req.OriginModule, req.AssignedModule,
		ptrToNull(req.AssignedToID), ptrToNull(req.AssignedToName), req.RequesterID, req.Justification, req.TechnicalOpinion,
		req.TotalValue.String(), string(items), req.Version, req.CreatedAt, req.UpdatedAt); err != nil {
		return req, domain.HistoryEntry{}, fmt.Errorf("insert request: %w", err)
	}
	entry, err := r.appendHistory(ctx, tx, req.ID, req.RequesterID, change, at)
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if r.Cache != nil {
		r.Cache.Set(req)
	}
	return req, entry, nil
}

// Apply runs mutate as one read-modify-write transaction guarded by the
// request version. A stale ExpectedVersion or a concurrent writer yields
// ConflictError and nothing is written.
func (r Repo) Apply(ctx context.Context, cmd Command, mutate Mutation) (domain.Request, domain.HistoryEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, domain.HistoryEntry{}, err
	}
	defer tx.Rollback()

	req, err := r.getRequest(ctx, tx, cmd.RequestID)
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if cmd.ExpectedVersion > 0 && cmd.ExpectedVersion != req.Version {
		return req, domain.HistoryEntry{}, ConflictError{RequestID: req.ID, Expected: cmd.ExpectedVersion, Actual: req.Version}
	}
	read := req.Version
	change, err := mutate(ctx, tx, &req)
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	req.Recompute()
	req.UpdatedAt = cmd.At.UTC().Format(time.RFC3339)
	if err := r.updateRequest(ctx, tx, req, read); err != nil {
		return req, domain.HistoryEntry{}, err
	}
	req.Version = read + 1
	entry, err := r.appendHistory(ctx, tx, req.ID, cmd.ActorID, change, cmd.At)
	if err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return req, domain.HistoryEntry{}, err
	}
	if r.Cache != nil {
		r.Cache.Set(req)
	}
	return req, entry, nil
}

func (r Repo) appendHistory(ctx context.Context, tx *sql.Tx, requestID, actorID string, change Change, at time.Time) (domain.HistoryEntry, error) {
	w := r.History
	w.Dialect = r.Dialect
	w.Now = func() time.Time { return at }
	return w.Append(ctx, tx, requestID, actorID, change.Action, change.Description, change.Metadata)
}

// Signature and NUP columns are write-once at the store level as well.
func (r Repo) updateRequest(ctx context.Context, tx *sql.Tx, req domain.Request, readVersion int64) error {
	items, err := json.Marshal(itemsOrEmpty(req.Items))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE requests SET
nup=COALESCE(nup,?),type=?,status=?,assigned_module=?,assigned_to_id=?,assigned_to_name=?,justification=?,technical_opinion=?,total_value=?,items_json=?,
signed_by_manager_id=COALESCE(signed_by_manager_id,?),signed_by_manager_at=COALESCE(signed_by_manager_at,?),
signed_by_ordenador_id=COALESCE(signed_by_ordenador_id,?),signed_by_ordenador_at=COALESCE(signed_by_ordenador_at,?),
updated_at=?,version=version+1
WHERE id=? AND version=?`),
		nullable(req.NUP), string(req.Type), string(req.Status), req.AssignedModule, ptrToNull(req.AssignedToID), ptrToNull(req.AssignedToName),
		req.Justification, req.TechnicalOpinion, req.TotalValue.String(), string(items),
		ptrToNull(req.SignedByManagerID), ptrToNull(req.SignedByManagerAt),
		ptrToNull(req.SignedByOrdenadorID), ptrToNull(req.SignedByOrdenadorAt),
		req.UpdatedAt, req.ID, readVersion)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		actual := readVersion
		_ = tx.QueryRowContext(ctx, r.q(`SELECT version FROM requests WHERE id=?`), req.ID).Scan(&actual)
		return ConflictError{RequestID: req.ID, Expected: readVersion, Actual: actual}
	}
	return nil
}

// NextNUP allocates the next protocol number of the year.
func (r Repo) NextNUP(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO nup_sequences(year,last) VALUES (?,1) ON CONFLICT(year) DO UPDATE SET last=nup_sequences.last+1`), year); err != nil {
		return "", fmt.Errorf("advance nup sequence: %w", err)
	}
	var last int64
	if err := tx.QueryRowContext(ctx, r.q(`SELECT last FROM nup_sequences WHERE year=?`), year).Scan(&last); err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d/%d", last, year), nil
}

type ListFilter struct {
	Status         domain.Status
	Type           domain.RequestType
	AssignedModule string
	RequesterID    string
	Limit          int
	Cursor         string
}

// ListRequests pages requests newest first. The cursor is "created_at|id".
func (r Repo) ListRequests(ctx context.Context, f ListFilter) ([]domain.Request, string, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, string(f.Type))
	}
	if f.AssignedModule != "" {
		where = append(where, "assigned_module=?")
		args = append(args, f.AssignedModule)
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.Cursor != "" {
		ts, id, err := parseCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, req)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) > limit {
		res = res[:limit]
		last := res[len(res)-1]
		next = last.CreatedAt + "|" + last.ID
	}
	return res, next, nil
}

func parseCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return parts[0], parts[1], nil
}

// ListHistory returns the audit trail of a request in append order.
func (r Repo) ListHistory(ctx context.Context, requestID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,request_id,actor_id,action,ts,description,metadata_json FROM history WHERE request_id=? ORDER BY seq`), requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h      domain.HistoryEntry
			action string
			meta   string
		)
		if err := rows.Scan(&h.ID, &h.RequestID, &h.ActorID, &action, &h.Timestamp, &h.Description, &meta); err != nil {
			return nil, err
		}
		h.Action = domain.Action(action)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode history metadata: %w", err)
			}
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func itemsOrEmpty(items []domain.Item) []domain.Item {
	if items == nil {
		return []domain.Item{}
	}
	return items
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ptrToNull(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

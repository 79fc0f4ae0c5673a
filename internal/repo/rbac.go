package repo

import (
	"context"
	"database/sql"

	"tramita/internal/db"
	"tramita/internal/domain"
)

// UpsertActor creates the actor or refreshes its name and module.
func (r Repo) UpsertActor(ctx context.Context, q db.Querier, a domain.Actor) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO actors(id,name,module,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=COALESCE(excluded.name, actors.name), module=COALESCE(excluded.module, actors.module)`),
		a.ID, nullable(a.Name), nullable(a.Module), a.CreatedAt)
	return err
}

func (r Repo) GrantRole(ctx context.Context, q db.Querier, actorID string, role domain.Role) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO actor_roles(actor_id, role) VALUES (?,?) ON CONFLICT DO NOTHING`), actorID, string(role))
	return err
}

func (r Repo) RevokeRole(ctx context.Context, q db.Querier, actorID string, role domain.Role) error {
	_, err := q.ExecContext(ctx, r.q(`DELETE FROM actor_roles WHERE actor_id=? AND role=?`), actorID, string(role))
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`), actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.Role(role))
	}
	return roles, rows.Err()
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var (
		a            domain.Actor
		name, module sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,name,module,created_at FROM actors WHERE id=?`), id).Scan(&a.ID, &name, &module, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Name, a.Module = name.String, module.String
	a.Roles, err = r.ActorRoles(ctx, id)
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,name,module,created_at FROM actors ORDER BY id`))
	if err != nil {
		return nil, err
	}
	var res []domain.Actor
	for rows.Next() {
		var (
			a            domain.Actor
			name, module sql.NullString
		)
		if err := rows.Scan(&a.ID, &name, &module, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		a.Name, a.Module = name.String, module.String
		res = append(res, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// roles are loaded after the cursor is closed; sqlite runs on one connection
	for i := range res {
		if res[i].Roles, err = r.ActorRoles(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) SetCredential(ctx context.Context, actorID, secretHash, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO credentials(actor_id,secret_hash,updated_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET secret_hash=excluded.secret_hash, updated_at=excluded.updated_at`), actorID, secretHash, now)
	return err
}

func (r Repo) CredentialHash(ctx context.Context, actorID string) (string, error) {
	var hash string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT secret_hash FROM credentials WHERE actor_id=?`), actorID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return hash, err
}

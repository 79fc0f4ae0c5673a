package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"tramita/internal/domain"
	"tramita/internal/repo"
)

// ForbiddenError indicates the actor lacks the role a command requires.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// IdentityProvider re-verifies an actor's credential before a signature.
type IdentityProvider interface {
	VerifyCredential(ctx context.Context, actorID, secret string) (bool, error)
}

// Bcrypt verifies secrets against the hashes in the credentials table.
type Bcrypt struct {
	Repo repo.Repo
}

func (b Bcrypt) VerifyCredential(ctx context.Context, actorID, secret string) (bool, error) {
	hash, err := b.Repo.CredentialHash(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HashSecret returns the bcrypt hash stored for a credential.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Service answers role questions from the actor tables.
type Service struct {
	Repo repo.Repo
}

func (s Service) Roles(ctx context.Context, actorID string) ([]domain.Role, error) {
	return s.Repo.ActorRoles(ctx, actorID)
}

func (s Service) HasRole(ctx context.Context, actorID string, role domain.Role) (bool, error) {
	roles, err := s.Roles(ctx, actorID)
	if err != nil {
		return false, err
	}
	return domain.HasRole(roles, role) || domain.HasRole(roles, domain.RoleAdmin), nil
}

// Require fails with ForbiddenError unless the actor holds role (or admin).
func (s Service) Require(ctx context.Context, actorID string, role domain.Role) error {
	ok, err := s.HasRole(ctx, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: string(role)}
	}
	return nil
}

// RequireAny fails unless the actor holds at least one of roles.
func (s Service) RequireAny(ctx context.Context, actorID string, roles ...domain.Role) error {
	have, err := s.Roles(ctx, actorID)
	if err != nil {
		return err
	}
	if domain.HasRole(have, domain.RoleAdmin) {
		return nil
	}
	for _, r := range roles {
		if domain.HasRole(have, r) {
			return nil
		}
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return ForbiddenError{Role: fmt.Sprint(names)}
}

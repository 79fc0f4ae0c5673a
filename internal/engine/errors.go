package engine

import (
	"errors"
	"fmt"

	"tramita/internal/domain"
	"tramita/internal/engine/auth"
	"tramita/internal/repo"
)

// InvalidTransitionError reports an edge missing from the transition table.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// PreconditionError reports a table edge whose precondition does not hold.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type BadCredentialError struct {
	ActorID string
}

func (e BadCredentialError) Error() string {
	return fmt.Sprintf("credential rejected for %s", e.ActorID)
}

// AlreadySignedError reports a signature slot that is already filled.
type AlreadySignedError struct {
	RequestID string
	Slot      string
}

func (e AlreadySignedError) Error() string {
	return fmt.Sprintf("request %s already signed in slot %s", e.RequestID, e.Slot)
}

type IdentityProviderUnavailableError struct {
	Err error
}

func (e IdentityProviderUnavailableError) Error() string {
	return fmt.Sprintf("identity provider unavailable: %v", e.Err)
}

func (e IdentityProviderUnavailableError) Unwrap() error { return e.Err }

type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e StorageUnavailableError) Error() string {
	return fmt.Sprintf("document storage %s failed: %v", e.Op, e.Err)
}

func (e StorageUnavailableError) Unwrap() error { return e.Err }

type DrafterUnavailableError struct {
	Kind string
	Err  error
}

func (e DrafterUnavailableError) Error() string {
	return fmt.Sprintf("drafting %s failed: %v", e.Kind, e.Err)
}

func (e DrafterUnavailableError) Unwrap() error { return e.Err }

var errEmptyDraft = errors.New("assistant returned empty text")

// Code maps an error to the stable code used by batch results, metrics and
// the HTTP envelope.
func Code(err error) string {
	var (
		invalid   InvalidTransitionError
		precond   PreconditionError
		invalidIn ValidationError
		badCred   BadCredentialError
		signed    AlreadySignedError
		conflict  repo.ConflictError
		forbidden auth.ForbiddenError
		idp       IdentityProviderUnavailableError
		store     StorageUnavailableError
		drafter   DrafterUnavailableError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &precond):
		return "precondition_failed"
	case errors.As(err, &invalidIn):
		return "bad_request"
	case errors.As(err, &badCred):
		return "bad_credential"
	case errors.As(err, &signed):
		return "already_signed"
	case errors.As(err, &conflict):
		return "version_conflict"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.As(err, &idp), errors.As(err, &store), errors.As(err, &drafter):
		return "unavailable"
	default:
		return "internal"
	}
}

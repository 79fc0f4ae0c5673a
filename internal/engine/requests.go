package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"tramita/internal/domain"
	"tramita/internal/events"
	"tramita/internal/repo"
)

type CreateInput struct {
	ID            string
	Type          domain.RequestType
	ActorID       string
	Module        string
	Justification string
	Items         []domain.Item
}

func validateItems(items []domain.Item) error {
	for i, it := range items {
		if strings.TrimSpace(it.Code) == "" {
			return ValidationError{Field: fmt.Sprintf("items[%d].code", i), Reason: "required"}
		}
		if it.Value.IsNegative() {
			return ValidationError{Field: fmt.Sprintf("items[%d].value", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// Create opens a draft request owned by the acting requester.
func (e Engine) Create(ctx context.Context, in CreateInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "create", attribute.String("request.type", string(in.Type)))
	defer end(&err)

	if in.ActorID == "" {
		return domain.Request{}, ValidationError{Field: "actor_id", Reason: "required"}
	}
	if !in.Type.Valid() {
		return domain.Request{}, ValidationError{Field: "type", Reason: fmt.Sprintf("unknown request type %q", in.Type)}
	}
	if err := validateItems(in.Items); err != nil {
		return domain.Request{}, err
	}
	if err := e.Auth.Require(ctx, in.ActorID, domain.RoleRequester); err != nil {
		return domain.Request{}, err
	}
	module := in.Module
	if module == "" {
		actor, err := e.Repo.GetActor(ctx, in.ActorID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Request{}, err
		}
		module = actor.Module
	}
	if module == "" {
		module = e.cfg().Intake.Module
	}
	if !e.cfg().HasModule(module) {
		return domain.Request{}, ValidationError{Field: "module", Reason: fmt.Sprintf("unknown module %q", module)}
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	stamp := e.stamp()
	req = domain.Request{
		ID:             id,
		Type:           in.Type,
		Status:         domain.StatusDraft,
		OriginModule:   module,
		AssignedModule: module,
		RequesterID:    in.ActorID,
		Justification:  in.Justification,
		Items:          in.Items,
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}
	req, entry, err := e.Repo.Create(ctx, req, repo.Change{
		Action:      domain.ActionCreate,
		Description: "Solicitação criada",
		Metadata:    events.Payload{"type": string(in.Type), "module": module, "items": len(in.Items)},
	}, now)
	if err != nil {
		return domain.Request{}, err
	}
	e.logCommand(ctx, entry, "", req.Status)
	return req, nil
}

type UpdateDraftInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Type            *domain.RequestType
	Justification   *string
	Items           []domain.Item // nil keeps the current items
}

// UpdateDraft edits a request that has not left Draft.
func (e Engine) UpdateDraft(ctx context.Context, in UpdateDraftInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "update_draft", attribute.String("request.id", in.RequestID))
	defer end(&err)

	if in.Type != nil && !in.Type.Valid() {
		return domain.Request{}, ValidationError{Field: "type", Reason: fmt.Sprintf("unknown request type %q", *in.Type)}
	}
	if err := validateItems(in.Items); err != nil {
		return domain.Request{}, err
	}
	roles, err := e.Auth.Roles(ctx, in.ActorID)
	if err != nil {
		return domain.Request{}, err
	}
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		if req.Status != domain.StatusDraft {
			return repo.Change{}, PreconditionError{Reason: "only drafts can be edited"}
		}
		if err := authorize(Edge{Role: domain.RoleRequester}, roles, in.ActorID, *req); err != nil {
			return repo.Change{}, err
		}
		var changed []string
		if in.Type != nil {
			req.Type = *in.Type
			changed = append(changed, "type")
		}
		if in.Justification != nil {
			req.Justification = *in.Justification
			changed = append(changed, "justification")
		}
		if in.Items != nil {
			req.Items = in.Items
			changed = append(changed, "items")
		}
		return repo.Change{
			Action:      domain.ActionUpdateDraft,
			Description: "Rascunho atualizado",
			Metadata:    events.Payload{"fields": changed},
		}, nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logCommand(ctx, entry, req.Status, req.Status)
	return req, nil
}

type AssignInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	AssigneeID      string
	AssigneeName    string
}

// Assign designates the individual handling the request inside its module.
// Status is untouched.
func (e Engine) Assign(ctx context.Context, in AssignInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "assign",
		attribute.String("request.id", in.RequestID),
		attribute.String("request.assignee", in.AssigneeID))
	defer end(&err)

	if strings.TrimSpace(in.AssigneeID) == "" {
		return domain.Request{}, ValidationError{Field: "assignee_id", Reason: "required"}
	}
	if err := e.Auth.RequireAny(ctx, in.ActorID, domain.RoleManager, domain.RoleAnalyst, domain.RoleOrdenador); err != nil {
		return domain.Request{}, err
	}
	name := in.AssigneeName
	if name == "" {
		actor, err := e.Repo.GetActor(ctx, in.AssigneeID)
		if err != nil {
			return domain.Request{}, notFoundAs(err, "assignee_id")
		}
		name = actor.Name
	}
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		if req.Status == domain.StatusArchived {
			return repo.Change{}, PreconditionError{Reason: "archived requests cannot be assigned"}
		}
		meta := events.Payload{"assignee_id": in.AssigneeID}
		if req.AssignedToID != nil {
			meta["previous_assignee_id"] = *req.AssignedToID
		}
		id := in.AssigneeID
		req.AssignedToID = &id
		if name != "" {
			n := name
			req.AssignedToName = &n
			meta["assignee_name"] = name
		} else {
			req.AssignedToName = nil
		}
		return repo.Change{
			Action:      domain.ActionAssign,
			Description: "Atribuído a " + firstNonEmpty(name, in.AssigneeID),
			Metadata:    meta,
		}, nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logCommand(ctx, entry, req.Status, req.Status)
	return req, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

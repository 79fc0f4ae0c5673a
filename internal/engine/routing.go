package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"tramita/internal/domain"
	"tramita/internal/events"
	"tramita/internal/repo"
)

type RouteInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	TargetModule    string
	Notes           string
}

// Route hands the request to another module. Status is untouched and every
// call is its own TRAMITAR entry, even when the module does not change.
func (e Engine) Route(ctx context.Context, in RouteInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "route",
		attribute.String("request.id", in.RequestID),
		attribute.String("request.target_module", in.TargetModule))
	defer end(&err)

	target := strings.TrimSpace(in.TargetModule)
	if target == "" {
		return domain.Request{}, ValidationError{Field: "target_module", Reason: "required"}
	}
	if !e.cfg().HasModule(target) {
		return domain.Request{}, ValidationError{Field: "target_module", Reason: fmt.Sprintf("unknown module %q", target)}
	}
	if err := e.Auth.RequireAny(ctx, in.ActorID, domain.RoleAnalyst, domain.RoleManager, domain.RoleOrdenador); err != nil {
		return domain.Request{}, err
	}
	var previous string
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		previous = req.AssignedModule
		req.AssignedModule = target
		meta := events.Payload{
			"scope":       "request",
			"from_module": previous,
			"to_module":   target,
		}
		if in.Notes != "" {
			meta["notes"] = in.Notes
		}
		return repo.Change{
			Action:      domain.ActionTramitar,
			Description: fmt.Sprintf("Tramitado de %s para %s", previous, target),
			Metadata:    meta,
		}, nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logCommand(ctx, entry, req.Status, req.Status)
	e.notify(ctx, req, "tramitar", target, in.ActorID, "Processo recebido por tramitação", map[string]any{
		"scope":       "request",
		"from_module": previous,
		"notes":       in.Notes,
	})
	return req, nil
}

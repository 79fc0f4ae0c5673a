package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tramita/internal/domain"
	"tramita/internal/engine/auth"
	"tramita/internal/events"
	"tramita/internal/repo"
)

type requirement int

const (
	needItems requirement = iota
	needOpinion
	needNotes
	needLaneA
	needLanes
)

// Edge is one row of the transition table.
type Edge struct {
	From      domain.Status `json:"from"`
	To        domain.Status `json:"to"`
	Role      domain.Role   `json:"role"`
	Action    domain.Action `json:"action"`
	Signature bool          `json:"signature"`
	requires  []requirement
}

func edge(from, to domain.Status, role domain.Role, action domain.Action, req ...requirement) Edge {
	return Edge{From: from, To: to, Role: role, Action: action, requires: req}
}

func signed(from, to domain.Status, role domain.Role, action domain.Action) Edge {
	return Edge{From: from, To: to, Role: role, Action: action, Signature: true}
}

var table = []Edge{
	edge(domain.StatusDraft, domain.StatusAwaitingManagerSignature, domain.RoleRequester, domain.ActionSubmit, needItems),
	signed(domain.StatusAwaitingManagerSignature, domain.StatusPending, domain.RoleManager, domain.ActionSignManager),
	edge(domain.StatusPending, domain.StatusInAnalysis, domain.RoleAnalyst, domain.ActionTransition),

	edge(domain.StatusPending, domain.StatusExecution, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusPending, domain.StatusAdjustment, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusPending, domain.StatusRejected, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusPending, domain.StatusLegalOpinion, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusInAnalysis, domain.StatusExecution, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusInAnalysis, domain.StatusAdjustment, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusInAnalysis, domain.StatusRejected, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusInAnalysis, domain.StatusLegalOpinion, domain.RoleAnalyst, domain.ActionDecide, needOpinion),
	edge(domain.StatusLegalOpinion, domain.StatusInAnalysis, domain.RoleAnalyst, domain.ActionTransition, needOpinion),
	edge(domain.StatusAdjustment, domain.StatusPending, domain.RoleRequester, domain.ActionTransition, needNotes),

	edge(domain.StatusExecution, domain.StatusAwaitingOrdenadorSignature, domain.RoleAnalyst, domain.ActionTransition, needLaneA),
	signed(domain.StatusAwaitingOrdenadorSignature, domain.StatusAuthorized, domain.RoleOrdenador, domain.ActionSignOrdenador),
	edge(domain.StatusAwaitingOrdenadorSignature, domain.StatusInAnalysis, domain.RoleOrdenador, domain.ActionReturn, needNotes),
	edge(domain.StatusAuthorized, domain.StatusPaid, domain.RoleAnalyst, domain.ActionTransition, needLanes),
	edge(domain.StatusPaid, domain.StatusAwaitingAccountabilityConfirmation, domain.RoleRequester, domain.ActionTransition),
	edge(domain.StatusAwaitingAccountabilityConfirmation, domain.StatusConcluded, domain.RoleAnalyst, domain.ActionTransition),
	edge(domain.StatusConcluded, domain.StatusArchived, domain.RoleAnalyst, domain.ActionTransition),
	edge(domain.StatusRejected, domain.StatusArchived, domain.RoleAnalyst, domain.ActionTransition),
}

func findEdge(from, to domain.Status) (Edge, bool) {
	for _, e := range table {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// Edges lists the transitions leaving a status.
func Edges(from domain.Status) []Edge {
	var out []Edge
	for _, e := range table {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

func (e Edge) needsDossier() bool {
	for _, r := range e.requires {
		if r == needLaneA || r == needLanes {
			return true
		}
	}
	return false
}

// authorize checks the actor against the edge role. The requester role
// means the request's own requester.
func authorize(e Edge, roles []domain.Role, actorID string, req domain.Request) error {
	if domain.HasRole(roles, domain.RoleAdmin) {
		return nil
	}
	if e.Role == domain.RoleRequester {
		if actorID == req.RequesterID {
			return nil
		}
		return auth.ForbiddenError{Role: string(domain.RoleRequester)}
	}
	if domain.HasRole(roles, e.Role) {
		return nil
	}
	return auth.ForbiddenError{Role: string(e.Role)}
}

func checkRequirements(e Edge, req domain.Request, docs []domain.DossierDocument, in TransitionInput) error {
	for _, r := range e.requires {
		switch r {
		case needItems:
			if len(req.Items) == 0 {
				return PreconditionError{Reason: "request has no items"}
			}
			if strings.TrimSpace(req.Justification) == "" {
				return PreconditionError{Reason: "justification is required"}
			}
		case needOpinion:
			if strings.TrimSpace(in.Opinion) == "" {
				return PreconditionError{Reason: "technical opinion is required"}
			}
		case needNotes:
			if strings.TrimSpace(in.Notes) == "" {
				return PreconditionError{Reason: "notes are required"}
			}
		case needLaneA:
			if !domain.LaneAComplete(docs) {
				return PreconditionError{Reason: "lane A documents must all be tramitados"}
			}
		case needLanes:
			if !domain.LaneAComplete(docs) || !domain.LaneBComplete(docs) {
				return PreconditionError{Reason: "lane A and lane B must be complete"}
			}
		}
	}
	return nil
}

type TransitionInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	To              domain.Status
	Opinion         string
	Notes           string

	// from pins the source status for commands bound to a single edge.
	from domain.Status
}

// Transition applies a non-signature edge of the table.
func (e Engine) Transition(ctx context.Context, in TransitionInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "transition",
		attribute.String("request.id", in.RequestID),
		attribute.String("request.to", string(in.To)))
	defer end(&err)
	return e.transition(ctx, in)
}

func (e Engine) transition(ctx context.Context, in TransitionInput) (domain.Request, error) {
	if !in.To.Valid() {
		return domain.Request{}, ValidationError{Field: "to", Reason: fmt.Sprintf("unknown status %q", in.To)}
	}
	roles, err := e.Auth.Roles(ctx, in.ActorID)
	if err != nil {
		return domain.Request{}, err
	}
	var from domain.Status
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		from = req.Status
		ed, ok := findEdge(req.Status, in.To)
		if !ok || (in.from != "" && in.from != req.Status) {
			return repo.Change{}, InvalidTransitionError{From: req.Status, To: in.To}
		}
		if ed.Signature {
			return repo.Change{}, PreconditionError{Reason: fmt.Sprintf("%s -> %s requires the %s signature", ed.From, ed.To, ed.Role)}
		}
		if err := authorize(ed, roles, in.ActorID, *req); err != nil {
			return repo.Change{}, err
		}
		var docs []domain.DossierDocument
		if ed.needsDossier() {
			var err error
			if docs, err = e.Repo.ListDocumentsTx(ctx, tx, req.ID); err != nil {
				return repo.Change{}, err
			}
		}
		if err := checkRequirements(ed, *req, docs, in); err != nil {
			return repo.Change{}, err
		}
		meta := events.Payload{"from": string(ed.From), "to": string(ed.To)}
		if in.Notes != "" {
			meta["notes"] = in.Notes
		}
		if in.Opinion != "" {
			req.TechnicalOpinion = in.Opinion
			meta["opinion"] = in.Opinion
		}
		if ed.Action == domain.ActionDecide {
			meta["decision"] = string(ed.To)
		}
		switch ed.Action {
		case domain.ActionSubmit:
			if req.NUP == "" {
				nup, err := e.Repo.NextNUP(ctx, tx, cmd.At.UTC().Year())
				if err != nil {
					return repo.Change{}, err
				}
				req.NUP = nup
			}
			meta["nup"] = req.NUP
		case domain.ActionReturn:
			if e.cfg().Dossier.ResetsLaneAOnReturn() {
				reset, err := e.resetLaneA(ctx, tx, req.ID, cmd.At)
				if err != nil {
					return repo.Change{}, err
				}
				if len(reset) > 0 {
					meta["lane_a_reset"] = reset
				}
			}
		}
		req.Status = ed.To
		return repo.Change{Action: ed.Action, Description: describe(ed, in), Metadata: meta}, nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.logCommand(ctx, entry, from, req.Status)
	switch {
	case entry.Action == domain.ActionReturn:
		e.notify(ctx, req, "returned", req.AssignedModule, in.ActorID, "Processo devolvido pelo ordenador", map[string]any{"notes": in.Notes})
	case req.Status == domain.StatusAwaitingManagerSignature:
		e.notify(ctx, req, "awaiting_signature", req.OriginModule, in.ActorID, "Solicitação aguardando assinatura do gestor", nil)
	case req.Status == domain.StatusAdjustment:
		e.notify(ctx, req, "adjustment_requested", req.OriginModule, in.ActorID, "Solicitação devolvida para ajustes", nil)
	}
	return req, nil
}

// resetLaneA moves tramitado Lane A documents back to their produced state.
func (e Engine) resetLaneA(ctx context.Context, tx *sql.Tx, requestID string, at time.Time) ([]string, error) {
	docs, err := e.Repo.ListDocumentsTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	var reset []string
	for _, slot := range domain.LaneASlots {
		d, ok := domain.SlotDocument(docs, slot.ID)
		if !ok || d.Status != domain.DocTramitado {
			continue
		}
		d.Status = producedStatus(d.Kind)
		d.TramitadoTo = ""
		d.UpdatedAt = at.UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateDocument(ctx, tx, d); err != nil {
			return nil, err
		}
		reset = append(reset, d.ID)
	}
	return reset, nil
}

func describe(ed Edge, in TransitionInput) string {
	switch ed.Action {
	case domain.ActionSubmit:
		return "Solicitação enviada para assinatura do gestor"
	case domain.ActionDecide:
		return fmt.Sprintf("Decisão técnica: %s", ed.To)
	case domain.ActionReturn:
		return "Devolvido pelo ordenador: " + in.Notes
	}
	return fmt.Sprintf("Status alterado de %s para %s", ed.From, ed.To)
}

// Submit sends a draft to the manager and assigns its NUP.
func (e Engine) Submit(ctx context.Context, requestID string, expectedVersion int64, actorID string) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "submit", attribute.String("request.id", requestID))
	defer end(&err)
	return e.transition(ctx, TransitionInput{RequestID: requestID, ExpectedVersion: expectedVersion, ActorID: actorID, To: domain.StatusAwaitingManagerSignature})
}

type DecideInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Decision        domain.Status
	Opinion         string
}

// Decide records the analyst's technical decision on a pending request.
func (e Engine) Decide(ctx context.Context, in DecideInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "decide",
		attribute.String("request.id", in.RequestID),
		attribute.String("request.decision", string(in.Decision)))
	defer end(&err)
	switch in.Decision {
	case domain.StatusExecution, domain.StatusAdjustment, domain.StatusRejected, domain.StatusLegalOpinion:
	default:
		return domain.Request{}, ValidationError{Field: "decision", Reason: fmt.Sprintf("%q is not a decision", in.Decision)}
	}
	return e.transition(ctx, TransitionInput{
		RequestID:       in.RequestID,
		ExpectedVersion: in.ExpectedVersion,
		ActorID:         in.ActorID,
		To:              in.Decision,
		Opinion:         in.Opinion,
	})
}

type ReturnInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Notes           string
}

// Return sends a request awaiting the ordenador back to analysis with a despacho.
func (e Engine) Return(ctx context.Context, in ReturnInput) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "return", attribute.String("request.id", in.RequestID))
	defer end(&err)
	return e.transition(ctx, TransitionInput{
		RequestID:       in.RequestID,
		ExpectedVersion: in.ExpectedVersion,
		ActorID:         in.ActorID,
		To:              domain.StatusInAnalysis,
		Notes:           in.Notes,
		from:            domain.StatusAwaitingOrdenadorSignature,
	})
}

// ConfirmReceipt is the requester acknowledging payment.
func (e Engine) ConfirmReceipt(ctx context.Context, requestID string, expectedVersion int64, actorID, notes string) (req domain.Request, err error) {
	ctx, end := e.begin(ctx, "confirm_receipt", attribute.String("request.id", requestID))
	defer end(&err)
	return e.transition(ctx, TransitionInput{
		RequestID:       requestID,
		ExpectedVersion: expectedVersion,
		ActorID:         actorID,
		To:              domain.StatusAwaitingAccountabilityConfirmation,
		Notes:           notes,
	})
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"tramita/internal/domain"
	"tramita/internal/engine/auth"
	"tramita/internal/events"
	"tramita/internal/geo"
	"tramita/internal/metrics"
	"tramita/internal/repo"
)

type SignInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Credential      string
	Notes           string
	// Location captured by the client. When nil the geolocation provider is asked.
	Location *domain.GeoPoint
}

type SignResult struct {
	Request   domain.Request       `json:"request"`
	Signature domain.SignatureFact `json:"signature"`
}

// Sign runs the signature ceremony: the credential is re-verified, the fact
// is attached to the slot of the actor's role and the gated transition is
// driven, all in one transaction. A rejected credential leaves no trace.
func (e Engine) Sign(ctx context.Context, in SignInput) (res SignResult, err error) {
	ctx, end := e.begin(ctx, "sign", attribute.String("request.id", in.RequestID))
	defer end(&err)
	start := time.Now()
	defer func() { metrics.SignatureSeconds.Observe(time.Since(start).Seconds()) }()

	if err := e.verifyCredential(ctx, in.ActorID, in.Credential); err != nil {
		return SignResult{}, err
	}
	roles, err := e.Auth.Roles(ctx, in.ActorID)
	if err != nil {
		return SignResult{}, err
	}
	loc := in.Location
	if loc == nil {
		loc = geo.Lookup(ctx, e.Geo, e.cfg().Signature.GeolocationTimeout)
	}
	return e.sign(ctx, in, roles, loc)
}

// Authenticate checks an actor's secret with the identity provider. It backs
// token issuance; ceremonies re-verify on their own.
func (e Engine) Authenticate(ctx context.Context, actorID, secret string) (err error) {
	ctx, end := e.begin(ctx, "authenticate", attribute.String("actor.id", actorID))
	defer end(&err)
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return BadCredentialError{ActorID: actorID}
		}
		return err
	}
	return e.verifyCredential(ctx, actorID, secret)
}

// verifyCredential asks the identity provider, bounded by the configured timeout.
func (e Engine) verifyCredential(ctx context.Context, actorID, secret string) error {
	if e.Identity == nil {
		return IdentityProviderUnavailableError{Err: errors.New("no identity provider configured")}
	}
	if strings.TrimSpace(secret) == "" {
		return BadCredentialError{ActorID: actorID}
	}
	timeout := e.cfg().Signature.IdentityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ok, err := e.Identity.VerifyCredential(ctx, actorID, secret)
		ch <- result{ok, err}
	}()
	select {
	case <-ctx.Done():
		return IdentityProviderUnavailableError{Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return IdentityProviderUnavailableError{Err: r.err}
		}
		if !r.ok {
			return BadCredentialError{ActorID: actorID}
		}
		return nil
	}
}

func hasRole(roles []domain.Role, role domain.Role) bool {
	return domain.HasRole(roles, role) || domain.HasRole(roles, domain.RoleAdmin)
}

// signingSlot picks the slot for the actor's role. An actor holding both
// signing roles signs the slot the current status is waiting for.
func signingSlot(roles []domain.Role, status domain.Status) (string, error) {
	manager, ordenador := hasRole(roles, domain.RoleManager), hasRole(roles, domain.RoleOrdenador)
	switch {
	case status == domain.StatusAwaitingManagerSignature && manager:
		return domain.SlotManager, nil
	case status == domain.StatusAwaitingOrdenadorSignature && ordenador:
		return domain.SlotOrdenador, nil
	case manager:
		return domain.SlotManager, nil
	case ordenador:
		return domain.SlotOrdenador, nil
	}
	return "", auth.ForbiddenError{Role: string(domain.RoleManager) + "|" + string(domain.RoleOrdenador)}
}

// sign is the transactional half of the ceremony, shared with batch signing.
func (e Engine) sign(ctx context.Context, in SignInput, roles []domain.Role, loc *domain.GeoPoint) (SignResult, error) {
	var (
		fact domain.SignatureFact
		from domain.Status
	)
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		from = req.Status
		slot, err := signingSlot(roles, req.Status)
		if err != nil {
			return repo.Change{}, err
		}
		target, signedBy := domain.StatusPending, req.SignedByManagerID
		if slot == domain.SlotOrdenador {
			target, signedBy = domain.StatusAuthorized, req.SignedByOrdenadorID
		}
		if signedBy != nil {
			return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
		}
		ed, ok := findEdge(req.Status, target)
		if !ok || !ed.Signature {
			return repo.Change{}, InvalidTransitionError{From: req.Status, To: target}
		}
		exists, err := e.Repo.SignatureExistsTx(ctx, tx, req.ID, slot)
		if err != nil {
			return repo.Change{}, err
		}
		if exists {
			return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
		}

		ts := cmd.At.UTC().Format(time.RFC3339)
		digest, err := domain.RequestDigest(*req, slot, in.ActorID, ts)
		if err != nil {
			return repo.Change{}, err
		}
		fact = domain.SignatureFact{
			ID:        uuid.NewString(),
			RequestID: req.ID,
			Slot:      slot,
			SignerID:  in.ActorID,
			Timestamp: ts,
			Location:  loc,
			Notes:     in.Notes,
			Digest:    digest,
		}
		if err := e.Repo.InsertSignature(ctx, tx, fact); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
			}
			return repo.Change{}, err
		}
		signer := in.ActorID
		if slot == domain.SlotManager {
			req.SignedByManagerID, req.SignedByManagerAt = &signer, &ts
		} else {
			req.SignedByOrdenadorID, req.SignedByOrdenadorAt = &signer, &ts
		}
		req.Status = ed.To
		meta := events.Payload{
			"from":         string(ed.From),
			"to":           string(ed.To),
			"slot":         slot,
			"signature_id": fact.ID,
			"digest":       digest,
		}
		if in.Notes != "" {
			meta["notes"] = in.Notes
		}
		if loc != nil {
			meta["location"] = map[string]float64{"latitude": loc.Latitude, "longitude": loc.Longitude}
		}
		desc := "Assinado pelo gestor"
		if slot == domain.SlotOrdenador {
			desc = "Autorizado pelo ordenador de despesas"
		}
		return repo.Change{Action: ed.Action, Description: desc, Metadata: meta}, nil
	})
	if err != nil {
		return SignResult{}, err
	}
	e.logCommand(ctx, entry, from, req.Status)
	switch req.Status {
	case domain.StatusPending:
		e.notify(ctx, req, "signed", e.cfg().Intake.Module, in.ActorID, "Nova solicitação protocolada", nil)
	case domain.StatusAuthorized:
		e.notify(ctx, req, "authorized", req.AssignedModule, in.ActorID, "Despesa autorizada pelo ordenador", nil)
	}
	return SignResult{Request: req, Signature: fact}, nil
}

type SignDocumentInput struct {
	RequestID       string
	DocumentID      string
	ExpectedVersion int64
	ActorID         string
	Credential      string
	Notes           string
	Location        *domain.GeoPoint
}

// SignDocument runs the ceremony for one dossier document. Lane A items are
// completed by tramitação and cannot be signed.
func (e Engine) SignDocument(ctx context.Context, in SignDocumentInput) (fact domain.SignatureFact, err error) {
	ctx, end := e.begin(ctx, "sign_document",
		attribute.String("request.id", in.RequestID),
		attribute.String("document.id", in.DocumentID))
	defer end(&err)
	start := time.Now()
	defer func() { metrics.SignatureSeconds.Observe(time.Since(start).Seconds()) }()

	if err := e.verifyCredential(ctx, in.ActorID, in.Credential); err != nil {
		return domain.SignatureFact{}, err
	}
	if err := e.Auth.RequireAny(ctx, in.ActorID, domain.RoleManager, domain.RoleOrdenador, domain.RoleAnalyst); err != nil {
		return domain.SignatureFact{}, err
	}
	loc := in.Location
	if loc == nil {
		loc = geo.Lookup(ctx, e.Geo, e.cfg().Signature.GeolocationTimeout)
	}
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		doc, err := e.Repo.GetDocumentTx(ctx, tx, req.ID, in.DocumentID)
		if err != nil {
			return repo.Change{}, err
		}
		if !doc.Active() {
			return repo.Change{}, PreconditionError{Reason: "document was deleted"}
		}
		slot := domain.DocumentSlot(doc.ID)
		if doc.Status == domain.DocSigned {
			return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
		}
		if s, ok := domain.LookupSlot(doc.Slot); ok && s.Lane == domain.LaneA {
			return repo.Change{}, PreconditionError{Reason: "lane A documents are completed by tramitação"}
		}
		if doc.Status == domain.DocPending {
			return repo.Change{}, PreconditionError{Reason: "document has no content yet"}
		}
		exists, err := e.Repo.SignatureExistsTx(ctx, tx, req.ID, slot)
		if err != nil {
			return repo.Change{}, err
		}
		if exists {
			return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
		}
		ts := cmd.At.UTC().Format(time.RFC3339)
		digest, err := domain.DocumentDigest(doc, in.ActorID, ts)
		if err != nil {
			return repo.Change{}, err
		}
		fact = domain.SignatureFact{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			DocumentID: doc.ID,
			Slot:       slot,
			SignerID:   in.ActorID,
			Timestamp:  ts,
			Location:   loc,
			Notes:      in.Notes,
			Digest:     digest,
		}
		if err := e.Repo.InsertSignature(ctx, tx, fact); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return repo.Change{}, AlreadySignedError{RequestID: req.ID, Slot: slot}
			}
			return repo.Change{}, err
		}
		doc.Status = domain.DocSigned
		doc.UpdatedAt = ts
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return repo.Change{}, err
		}
		return repo.Change{
			Action:      domain.ActionSignDoc,
			Description: "Documento assinado: " + doc.Title,
			Metadata: events.Payload{
				"document_id":  doc.ID,
				"signature_id": fact.ID,
				"digest":       digest,
			},
		}, nil
	})
	if err != nil {
		return domain.SignatureFact{}, err
	}
	e.logCommand(ctx, entry, req.Status, req.Status)
	return fact, nil
}

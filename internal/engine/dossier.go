package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"tramita/internal/domain"
	"tramita/internal/draft"
	"tramita/internal/engine/auth"
	"tramita/internal/events"
	"tramita/internal/repo"
	"tramita/internal/storage"
)

const supersededReason = "substituído por nova versão"

type DocumentResult struct {
	Request  domain.Request         `json:"request"`
	Document domain.DossierDocument `json:"document"`
}

// Dossier projects the fixed slots, stored documents and lane summary.
func (e Engine) Dossier(ctx context.Context, requestID string) (domain.Dossier, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Dossier{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, requestID)
	if err != nil {
		return domain.Dossier{}, err
	}
	return domain.BuildDossier(req, docs), nil
}

func producedStatus(kind domain.DocKind) domain.DocStatus {
	if kind == domain.KindGenerated {
		return domain.DocDrafted
	}
	return domain.DocAttached
}

// canProduce tells whether a document for slot may be added in status.
// Lane A is produced during Execution only; Lane B from Execution until the
// request is paid, after which the checklist is closed.
func canProduce(status domain.Status, slot string) error {
	s, ok := domain.LookupSlot(slot)
	switch {
	case !ok:
		if status == domain.StatusDraft || status == domain.StatusArchived {
			return PreconditionError{Reason: fmt.Sprintf("documents cannot be added while %s", status)}
		}
	case s.Lane == domain.LaneA:
		if status != domain.StatusExecution {
			return PreconditionError{Reason: fmt.Sprintf("lane A documents are produced during execution, request is %s", status)}
		}
	default:
		if !status.AtLeast(domain.StatusExecution) || status.AtLeast(domain.StatusPaid) {
			return PreconditionError{Reason: fmt.Sprintf("lane B documents are produced between execution and payment, request is %s", status)}
		}
	}
	return nil
}

// supersede retires the live document of a checklist slot before a new one
// takes its place. Finished items cannot be replaced.
func (e Engine) supersede(ctx context.Context, tx *sql.Tx, docs []domain.DossierDocument, slot, at string) (string, error) {
	if slot == "" {
		return "", nil
	}
	prev, ok := domain.SlotDocument(docs, slot)
	if !ok {
		return "", nil
	}
	if prev.Status == domain.DocTramitado || prev.Status == domain.DocSigned {
		return "", PreconditionError{Reason: fmt.Sprintf("%s is already %s", slot, prev.Status)}
	}
	prev.DeletedAt = &at
	prev.DeleteReason = supersededReason
	prev.UpdatedAt = at
	if err := e.Repo.UpdateDocument(ctx, tx, prev); err != nil {
		return "", err
	}
	return prev.ID, nil
}

// autoAdvance moves the request forward when a dossier command completed the
// lane its next transition waits for. Only applies when enabled in config.
func (e Engine) autoAdvance(ctx context.Context, tx *sql.Tx, req *domain.Request, roles []domain.Role) (domain.Status, error) {
	if !e.cfg().Dossier.AutoAdvance || !hasRole(roles, domain.RoleAnalyst) {
		return "", nil
	}
	if req.Status != domain.StatusExecution && req.Status != domain.StatusAuthorized {
		return "", nil
	}
	docs, err := e.Repo.ListDocumentsTx(ctx, tx, req.ID)
	if err != nil {
		return "", err
	}
	switch {
	case req.Status == domain.StatusExecution && domain.LaneAComplete(docs):
		req.Status = domain.StatusAwaitingOrdenadorSignature
	case req.Status == domain.StatusAuthorized && domain.LaneAComplete(docs) && domain.LaneBComplete(docs):
		req.Status = domain.StatusPaid
	default:
		return "", nil
	}
	return req.Status, nil
}

func (e Engine) analystRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	roles, err := e.Auth.Roles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !hasRole(roles, domain.RoleAnalyst) {
		return nil, auth.ForbiddenError{Role: string(domain.RoleAnalyst)}
	}
	return roles, nil
}

type GenerateInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Slot            string // checklist slot; empty for a custom document
	Kind            string // template kind of a custom document
	Title           string
	Notes           string
}

// Generate drafts a document with the text assistant and stores it as a Minuta.
func (e Engine) Generate(ctx context.Context, in GenerateInput) (res DocumentResult, err error) {
	ctx, end := e.begin(ctx, "generate_document",
		attribute.String("request.id", in.RequestID),
		attribute.String("document.slot", in.Slot))
	defer end(&err)

	kind, title := in.Kind, in.Title
	if in.Slot != "" {
		s, ok := domain.LookupSlot(in.Slot)
		if !ok || s.Kind != domain.KindGenerated {
			return DocumentResult{}, ValidationError{Field: "slot", Reason: fmt.Sprintf("%q is not a generated checklist item", in.Slot)}
		}
		kind = s.ID
		if title == "" {
			title = s.Title
		}
	}
	if strings.TrimSpace(kind) == "" {
		return DocumentResult{}, ValidationError{Field: "kind", Reason: "required for custom documents"}
	}
	if title == "" {
		title = kind
	}
	if _, err := e.analystRoles(ctx, in.ActorID); err != nil {
		return DocumentResult{}, err
	}
	snapshot, err := e.Repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		return DocumentResult{}, err
	}
	if err := canProduce(snapshot.Status, in.Slot); err != nil {
		return DocumentResult{}, err
	}
	if e.Drafter == nil {
		return DocumentResult{}, DrafterUnavailableError{Kind: kind, Err: errors.New("no drafting assistant configured")}
	}
	text, err := e.Drafter.Draft(ctx, kind, draft.Context{
		Institution: e.cfg().Institution.Name,
		City:        e.cfg().Institution.City,
		Request:     snapshot,
		Date:        e.now().Format("02/01/2006"),
		Notes:       in.Notes,
	})
	if err != nil {
		return DocumentResult{}, DrafterUnavailableError{Kind: kind, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return DocumentResult{}, DrafterUnavailableError{Kind: kind, Err: errEmptyDraft}
	}

	var (
		doc  domain.DossierDocument
		from domain.Status
	)
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		from = req.Status
		if err := canProduce(req.Status, in.Slot); err != nil {
			return repo.Change{}, err
		}
		docs, err := e.Repo.ListDocumentsTx(ctx, tx, req.ID)
		if err != nil {
			return repo.Change{}, err
		}
		at := cmd.At.UTC().Format(time.RFC3339)
		replaced, err := e.supersede(ctx, tx, docs, in.Slot, at)
		if err != nil {
			return repo.Change{}, err
		}
		doc = domain.DossierDocument{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Kind:        domain.KindGenerated,
			Slot:        in.Slot,
			Title:       title,
			Status:      domain.DocDrafted,
			ContentType: "text/plain; charset=utf-8",
			Size:        int64(len(text)),
			Content:     text,
			CreatorID:   in.ActorID,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return repo.Change{}, err
		}
		meta := events.Payload{"document_id": doc.ID, "kind": kind}
		if in.Slot != "" {
			meta["slot"] = in.Slot
		}
		if replaced != "" {
			meta["replaces"] = replaced
		}
		return repo.Change{Action: domain.ActionGenerateDoc, Description: "Minuta gerada: " + title, Metadata: meta}, nil
	})
	if err != nil {
		return DocumentResult{}, err
	}
	e.logCommand(ctx, entry, from, req.Status)
	return DocumentResult{Request: req, Document: doc}, nil
}

type UploadInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	Slot            string // checklist slot; empty for a custom document
	Title           string
	Filename        string
	ContentType     string
	Size            int64 // -1 when unknown
	Body            io.Reader
}

// Upload stores the blob first and records the document after. When the
// store write fails the blob is removed again.
func (e Engine) Upload(ctx context.Context, in UploadInput) (res DocumentResult, err error) {
	ctx, end := e.begin(ctx, "upload_document",
		attribute.String("request.id", in.RequestID),
		attribute.String("document.slot", in.Slot))
	defer end(&err)

	if in.Body == nil {
		return DocumentResult{}, ValidationError{Field: "body", Reason: "required"}
	}
	title := in.Title
	if in.Slot != "" {
		s, ok := domain.LookupSlot(in.Slot)
		if !ok || s.Kind != domain.KindUploaded {
			return DocumentResult{}, ValidationError{Field: "slot", Reason: fmt.Sprintf("%q is not an uploaded checklist item", in.Slot)}
		}
		if title == "" {
			title = s.Title
		}
	}
	if title == "" {
		title = in.Filename
	}
	if strings.TrimSpace(title) == "" {
		return DocumentResult{}, ValidationError{Field: "title", Reason: "required for custom documents"}
	}
	limit := e.cfg().Dossier.MaxUploadBytes
	if limit > 0 && in.Size > limit {
		return DocumentResult{}, ValidationError{Field: "size", Reason: fmt.Sprintf("exceeds %d bytes", limit)}
	}
	roles, err := e.analystRoles(ctx, in.ActorID)
	if err != nil {
		return DocumentResult{}, err
	}
	snapshot, err := e.Repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		return DocumentResult{}, err
	}
	if err := canProduce(snapshot.Status, in.Slot); err != nil {
		return DocumentResult{}, err
	}
	if e.Storage == nil {
		return DocumentResult{}, StorageUnavailableError{Op: "put", Err: errors.New("no document storage configured")}
	}

	docID := uuid.NewString()
	key := storage.DocumentKey(in.RequestID, docID, blobName(in.Filename))
	body := in.Body
	size := in.Size
	if size <= 0 {
		size = -1
	}
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	info, err := e.Storage.Put(ctx, key, body, storage.PutObjectOptions{Size: size, ContentType: in.ContentType})
	if err != nil {
		return DocumentResult{}, StorageUnavailableError{Op: "put", Err: err}
	}
	cleanup := func() {
		if derr := e.Storage.Delete(context.WithoutCancel(ctx), key); derr != nil {
			e.log().Error("orphaned document blob", "key", key, "error", derr)
		}
	}
	if limit > 0 && info.Size > limit {
		cleanup()
		return DocumentResult{}, ValidationError{Field: "size", Reason: fmt.Sprintf("exceeds %d bytes", limit)}
	}

	var (
		doc      domain.DossierDocument
		from     domain.Status
		advanced domain.Status
	)
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		from = req.Status
		if err := canProduce(req.Status, in.Slot); err != nil {
			return repo.Change{}, err
		}
		docs, err := e.Repo.ListDocumentsTx(ctx, tx, req.ID)
		if err != nil {
			return repo.Change{}, err
		}
		at := cmd.At.UTC().Format(time.RFC3339)
		replaced, err := e.supersede(ctx, tx, docs, in.Slot, at)
		if err != nil {
			return repo.Change{}, err
		}
		doc = domain.DossierDocument{
			ID:          docID,
			RequestID:   req.ID,
			Kind:        domain.KindUploaded,
			Slot:        in.Slot,
			Title:       title,
			Status:      domain.DocAttached,
			FileRef:     key,
			ContentType: in.ContentType,
			Size:        info.Size,
			CreatorID:   in.ActorID,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return repo.Change{}, err
		}
		meta := events.Payload{"document_id": doc.ID, "file_ref": key, "size": info.Size}
		if in.Slot != "" {
			meta["slot"] = in.Slot
		}
		if replaced != "" {
			meta["replaces"] = replaced
		}
		if advanced, err = e.autoAdvance(ctx, tx, req, roles); err != nil {
			return repo.Change{}, err
		}
		if advanced != "" {
			meta["advanced_to"] = string(advanced)
		}
		return repo.Change{Action: domain.ActionUploadDoc, Description: "Documento anexado: " + title, Metadata: meta}, nil
	})
	if err != nil {
		cleanup()
		return DocumentResult{}, err
	}
	e.logCommand(ctx, entry, from, req.Status)
	return DocumentResult{Request: req, Document: doc}, nil
}

type TramitarInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	DocumentID      string
	TargetModule    string
	Notes           string
}

// Tramitar sends a dossier document to the signing authority's module. For
// Lane A items this is what marks them satisfied.
func (e Engine) Tramitar(ctx context.Context, in TramitarInput) (res DocumentResult, err error) {
	ctx, end := e.begin(ctx, "tramitar_document",
		attribute.String("request.id", in.RequestID),
		attribute.String("document.id", in.DocumentID))
	defer end(&err)

	target := strings.TrimSpace(in.TargetModule)
	if !e.cfg().HasModule(target) {
		return DocumentResult{}, ValidationError{Field: "target_module", Reason: fmt.Sprintf("unknown module %q", target)}
	}
	roles, err := e.analystRoles(ctx, in.ActorID)
	if err != nil {
		return DocumentResult{}, err
	}
	var (
		doc      domain.DossierDocument
		from     domain.Status
		advanced domain.Status
	)
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		from = req.Status
		var err error
		if doc, err = e.Repo.GetDocumentTx(ctx, tx, req.ID, in.DocumentID); err != nil {
			return repo.Change{}, err
		}
		if !doc.Active() {
			return repo.Change{}, PreconditionError{Reason: "document was deleted"}
		}
		if s, ok := domain.LookupSlot(doc.Slot); ok && s.Lane == domain.LaneB {
			return repo.Change{}, PreconditionError{Reason: "lane B documents are not tramitados"}
		}
		if err := canProduce(req.Status, doc.Slot); err != nil {
			return repo.Change{}, err
		}
		switch doc.Status {
		case domain.DocDrafted, domain.DocAttached:
		default:
			return repo.Change{}, PreconditionError{Reason: fmt.Sprintf("document is %s", doc.Status)}
		}
		at := cmd.At.UTC().Format(time.RFC3339)
		doc.Status = domain.DocTramitado
		doc.TramitadoTo = target
		doc.UpdatedAt = at
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return repo.Change{}, err
		}
		meta := events.Payload{
			"scope":       "document",
			"document_id": doc.ID,
			"to_module":   target,
		}
		if doc.Slot != "" {
			meta["slot"] = doc.Slot
		}
		if in.Notes != "" {
			meta["notes"] = in.Notes
		}
		if advanced, err = e.autoAdvance(ctx, tx, req, roles); err != nil {
			return repo.Change{}, err
		}
		if advanced != "" {
			meta["advanced_to"] = string(advanced)
		}
		return repo.Change{
			Action:      domain.ActionTramitar,
			Description: fmt.Sprintf("%s tramitado para %s", doc.Title, target),
			Metadata:    meta,
		}, nil
	})
	if err != nil {
		return DocumentResult{}, err
	}
	e.logCommand(ctx, entry, from, req.Status)
	e.notify(ctx, req, "tramitar", target, in.ActorID, doc.Title+" recebido para assinatura", map[string]any{
		"scope":       "document",
		"document_id": doc.ID,
		"notes":       in.Notes,
	})
	return DocumentResult{Request: req, Document: doc}, nil
}

type DeleteDocumentInput struct {
	RequestID       string
	ExpectedVersion int64
	ActorID         string
	DocumentID      string
	Reason          string
}

// DeleteDocument soft-deletes a stored document. The blob is kept.
func (e Engine) DeleteDocument(ctx context.Context, in DeleteDocumentInput) (res DocumentResult, err error) {
	ctx, end := e.begin(ctx, "delete_document",
		attribute.String("request.id", in.RequestID),
		attribute.String("document.id", in.DocumentID))
	defer end(&err)

	if strings.TrimSpace(in.Reason) == "" {
		return DocumentResult{}, ValidationError{Field: "reason", Reason: "required"}
	}
	if _, err := e.analystRoles(ctx, in.ActorID); err != nil {
		return DocumentResult{}, err
	}
	var doc domain.DossierDocument
	cmd := repo.Command{RequestID: in.RequestID, ExpectedVersion: in.ExpectedVersion, ActorID: in.ActorID, At: e.now()}
	req, entry, err := e.Repo.Apply(ctx, cmd, func(ctx context.Context, tx *sql.Tx, req *domain.Request) (repo.Change, error) {
		var err error
		if doc, err = e.Repo.GetDocumentTx(ctx, tx, req.ID, in.DocumentID); err != nil {
			return repo.Change{}, err
		}
		if !doc.Active() {
			return repo.Change{}, PreconditionError{Reason: "document already deleted"}
		}
		if doc.Status == domain.DocSigned {
			return repo.Change{}, PreconditionError{Reason: "signed documents cannot be deleted"}
		}
		if s, ok := domain.LookupSlot(doc.Slot); ok {
			if s.Lane == domain.LaneA && doc.Status == domain.DocTramitado && domain.StageIndex(req.Status) > domain.StageIndex(domain.StatusExecution) {
				return repo.Change{}, PreconditionError{Reason: "tramitado lane A documents are locked after execution"}
			}
			if req.Status.AtLeast(domain.StatusPaid) {
				return repo.Change{}, PreconditionError{Reason: "checklist documents are locked once paid"}
			}
		}
		at := cmd.At.UTC().Format(time.RFC3339)
		doc.DeletedAt = &at
		doc.DeleteReason = in.Reason
		doc.UpdatedAt = at
		if err := e.Repo.UpdateDocument(ctx, tx, doc); err != nil {
			return repo.Change{}, err
		}
		meta := events.Payload{"document_id": doc.ID, "reason": in.Reason}
		if doc.Slot != "" {
			meta["slot"] = doc.Slot
		}
		return repo.Change{Action: domain.ActionDeleteDoc, Description: "Documento excluído: " + doc.Title, Metadata: meta}, nil
	})
	if err != nil {
		return DocumentResult{}, err
	}
	e.logCommand(ctx, entry, req.Status, req.Status)
	return DocumentResult{Request: req, Document: doc}, nil
}

func blobName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// OpenDocument returns the content of a stored document.
func (e Engine) OpenDocument(ctx context.Context, requestID, docID string) (io.ReadCloser, domain.DossierDocument, error) {
	doc, err := e.Repo.GetDocument(ctx, requestID, docID)
	if err != nil {
		return nil, doc, err
	}
	if doc.Kind == domain.KindGenerated || doc.FileRef == "" {
		return io.NopCloser(strings.NewReader(doc.Content)), doc, nil
	}
	if e.Storage == nil {
		return nil, doc, StorageUnavailableError{Op: "get", Err: errors.New("no document storage configured")}
	}
	rc, _, err := e.Storage.Get(ctx, doc.FileRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, doc, fmt.Errorf("blob %s: %w", doc.FileRef, repo.ErrNotFound)
	}
	if err != nil {
		return nil, doc, StorageUnavailableError{Op: "get", Err: err}
	}
	return rc, doc, nil
}

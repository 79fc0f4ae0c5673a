package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"tramita/internal/domain"
	"tramita/internal/engine"
)

type documentPath struct {
	ID    string `path:"id"`
	DocID string `path:"doc"`
}

type documentBody struct {
	Body engine.DocumentResult `json:"body"`
}

func (s *service) registerDossier(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dossier",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/dossier",
		Summary:     "Execution dossier with lane summary",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body domain.Dossier `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := s.engine.Dossier(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.Dossier `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-document",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/documents",
		Summary:       "Draft a document with the text assistant",
		DefaultStatus: http.StatusCreated,
		Errors:        append(commandErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body GenerateDocumentRequest `json:"body"`
	}) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Generate(ctx, engine.GenerateInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Slot:            input.Body.Slot,
			Kind:            input.Body.Kind,
			Title:           input.Body.Title,
			Notes:           input.Body.Notes,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &documentBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tramitar-document",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/documents/{doc}/tramitar",
		Summary:     "Send a document to the signing authority's module",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID    string                  `path:"id"`
		DocID string                  `path:"doc"`
		Body  TramitarDocumentRequest `json:"body"`
	}) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Tramitar(ctx, engine.TramitarInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			DocumentID:      input.DocID,
			TargetModule:    input.Body.TargetModule,
			Notes:           input.Body.Notes,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &documentBody{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-document",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/documents/{doc}/sign",
		Summary:     "Run the signature ceremony for one document",
		Errors:      append(commandErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID    string      `path:"id"`
		DocID string      `path:"doc"`
		Body  SignRequest `json:"body"`
	}) (*struct {
		Body domain.SignatureFact `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fact, err := s.engine.SignDocument(ctx, engine.SignDocumentInput{
			RequestID:       input.ID,
			DocumentID:      input.DocID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Credential:      input.Body.Credential,
			Notes:           input.Body.Notes,
			Location:        input.Body.Location.point(),
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body domain.SignatureFact `json:"body"`
		}{Body: fact}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-document",
		Method:      http.MethodDelete,
		Path:        "/requests/{id}/documents/{doc}",
		Summary:     "Soft-delete a stored document",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		documentPath
		Reason          string `query:"reason"`
		ExpectedVersion int64  `query:"expected_version" minimum:"0"`
	}) (*documentBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.DeleteDocument(ctx, engine.DeleteDocumentInput{
			RequestID:       input.ID,
			ExpectedVersion: input.ExpectedVersion,
			ActorID:         actorID,
			DocumentID:      input.DocID,
			Reason:          input.Reason,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &documentBody{Body: res}, nil
	})
}

// registerDocumentContent mounts the streaming routes that bypass huma's
// JSON body handling.
func (s *service) registerDocumentContent(r chi.Router, basePath string) {
	r.Post(path.Join(basePath, "requests/{id}/documents/upload"), s.uploadDocument)
	r.Get(path.Join(basePath, "requests/{id}/documents/{doc}/content"), s.downloadDocument)
}

func (s *service) uploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	q := r.URL.Query()
	var expected int64
	if v := q.Get("expected_version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid expected_version", nil))
			return
		}
		expected = n
	}
	body := io.Reader(r.Body)
	if s.engine.Config != nil && s.engine.Config.Dossier.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.engine.Config.Dossier.MaxUploadBytes)
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := s.engine.Upload(ctx, engine.UploadInput{
		RequestID:       chi.URLParam(r, "id"),
		ExpectedVersion: expected,
		ActorID:         actorID,
		Slot:            q.Get("slot"),
		Title:           q.Get("title"),
		Filename:        q.Get("filename"),
		ContentType:     contentType,
		Size:            r.ContentLength,
		Body:            body,
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "bad_request", fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), nil))
			return
		}
		respondStatusError(w, s.handleError(ctx, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(res)
}

func (s *service) downloadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, authErr := actorIDFromContext(ctx); authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	rc, doc, err := s.engine.OpenDocument(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "doc"))
	if err != nil {
		respondStatusError(w, s.handleError(ctx, err))
		return
	}
	defer rc.Close()
	ct := doc.ContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	if name := strings.TrimSpace(doc.Title); name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WarnContext(ctx, "document download interrupted", "document_id", doc.ID, "error", err)
	}
}

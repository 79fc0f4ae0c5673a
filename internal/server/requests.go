package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/repo"
)

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type requestPath struct {
	ID string `path:"id"`
}

type requestBody struct {
	Body domain.Request `json:"body"`
}

func (s *service) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-modules",
		Method:      http.MethodGet,
		Path:        "/modules",
		Summary:     "Module catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ModuleResponse `json:"body"`
	}, error) {
		cfg := s.engine.Config
		out := []ModuleResponse{}
		if cfg != nil {
			for _, id := range cfg.ModuleIDs() {
				m := cfg.Modules[id]
				out = append(out, ModuleResponse{ID: id, Description: m.Description, RoleGroup: m.RoleGroup})
			}
		}
		return &struct {
			Body []ModuleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors and their roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		actors, err := s.engine.Repo.ListActors(ctx)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if actors == nil {
			actors = []domain.Actor{}
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: actors}, nil
	})
}

func (s *service) registerAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Exchange an actor credential for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" || input.Body.Credential == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and credential are required", nil)
		}
		if err := s.engine.Authenticate(ctx, actorID, input.Body.Credential); err != nil {
			return nil, s.handleError(ctx, err)
		}
		now := time.Now().UTC()
		ttl := s.auth.TokenTTL
		if ttl <= 0 {
			ttl = 8 * time.Hour
		}
		token, err := IssueToken(s.auth.JWTSecret, actorID, ttl, now)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: now.Add(ttl).Format(time.RFC3339)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		resp := MeResponse{ActorID: p.ActorID, Source: p.Source, Roles: []domain.Role{}}
		if a, err := s.engine.Repo.GetActor(ctx, p.ActorID); err == nil {
			resp.Name = a.Name
			resp.Module = a.Module
			if a.Roles != nil {
				resp.Roles = a.Roles
			}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *service) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Open a draft request",
		DefaultStatus: http.StatusCreated,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := parseItems(input.Body.Items)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		req, err := s.engine.Create(ctx, engine.CreateInput{
			ID:            input.Body.ID,
			Type:          domain.RequestType(input.Body.Type),
			ActorID:       actorID,
			Module:        input.Body.Module,
			Justification: input.Body.Justification,
			Items:         items,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status"`
		Type           string `query:"type"`
		AssignedModule string `query:"module"`
		RequesterID    string `query:"requester"`
		Limit          int    `query:"limit" minimum:"0" maximum:"200"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body ListRequestsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		if input.Cursor != "" && !validCursor(input.Cursor) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, next, err := s.engine.List(ctx, repo.ListFilter{
			Status:         domain.Status(input.Status),
			Type:           domain.RequestType(input.Type),
			AssignedModule: input.AssignedModule,
			RequesterID:    input.RequesterID,
			Limit:          input.Limit,
			Cursor:         input.Cursor,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body ListRequestsResponse `json:"body"`
		}{Body: ListRequestsResponse{Items: nonNilRequests(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Request snapshot with dossier and history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body engine.Record `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rec, err := s.engine.Record(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-draft",
		Method:      http.MethodPatch,
		Path:        "/requests/{id}",
		Summary:     "Edit a draft request",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateDraftRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := parseItems(input.Body.Items)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		in := engine.UpdateDraftInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Justification:   input.Body.Justification,
			Items:           items,
		}
		if input.Body.Type != nil {
			t := domain.RequestType(*input.Body.Type)
			in.Type = &t
		}
		req, err := s.engine.UpdateDraft(ctx, in)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/history",
		Summary:     "Audit trail in append order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		hist, err := s.engine.History(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if hist == nil {
			hist = []domain.HistoryEntry{}
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: hist}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transitions",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/transitions",
		Summary:     "Edges leaving the current status",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Get(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		edges := engine.Edges(req.Status)
		if edges == nil {
			edges = []engine.Edge{}
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{Status: req.Status, Edges: edges}}, nil
	})
}

func (s *service) registerLifecycle(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/submit",
		Summary:     "Submit a draft for manager review",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VersionRequest `json:"body,omitempty" required:"false"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Submit(ctx, input.ID, input.Body.ExpectedVersion, actorID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/transition",
		Summary:     "Apply a non-signature edge",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		to := domain.Status(strings.TrimSpace(input.Body.To))
		if !to.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown target status", map[string]any{"to": input.Body.To})
		}
		req, err := s.engine.Transition(ctx, engine.TransitionInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			To:              to,
			Opinion:         input.Body.Opinion,
			Notes:           input.Body.Notes,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decide",
		Summary:     "Record the technical decision",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body DecideRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Decide(ctx, engine.DecideInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Decision:        domain.Status(input.Body.Decision),
			Opinion:         input.Body.Opinion,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "return-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/return",
		Summary:     "Send a request awaiting the ordenador back to analysis",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VersionRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Return(ctx, engine.ReturnInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			Notes:           input.Body.Notes,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-receipt",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/confirm-receipt",
		Summary:     "Requester confirms the goods or service were received",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body VersionRequest `json:"body,omitempty" required:"false"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.ConfirmReceipt(ctx, input.ID, input.Body.ExpectedVersion, actorID, input.Body.Notes)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign",
		Summary:     "Designate the person handling the request",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Assign(ctx, engine.AssignInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			AssigneeID:      input.Body.AssigneeID,
			AssigneeName:    input.Body.AssigneeName,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "route-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/route",
		Summary:     "Hand the request to another module",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body RouteRequest `json:"body"`
	}) (*requestBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := s.engine.Route(ctx, engine.RouteInput{
			RequestID:       input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
			TargetModule:    input.Body.TargetModule,
			Notes:           input.Body.Notes,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &requestBody{Body: req}, nil
	})
}

func (s *service) registerSignatures(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/sign",
		Summary:     "Run the signature ceremony for the actor's slot",
		Errors:      append(commandErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body SignRequest `json:"body"`
	}) (*struct {
		Body engine.SignResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Sign(ctx, engine.SignInput{
			RequestID:       input.ID,
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
			Body engine.SignResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-signatures",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/signatures",
		Summary:     "Signature facts of a request and its documents",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body []domain.SignatureFact `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		facts, err := s.engine.Signatures(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		if facts == nil {
			facts = []domain.SignatureFact{}
		}
		return &struct {
			Body []domain.SignatureFact `json:"body"`
		}{Body: facts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "batch-sign",
		Method:      http.MethodPost,
		Path:        "/batch/sign",
		Summary:     "Sign many requests with one credential check",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body BatchSignRequest `json:"body"`
	}) (*struct {
		Body engine.BatchResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.SignBatch(ctx, engine.BatchSignInput{
			RequestIDs: input.Body.RequestIDs,
			ActorID:    actorID,
			Credential: input.Body.Credential,
			Notes:      input.Body.Notes,
			Location:   input.Body.Location.point(),
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return &struct {
			Body engine.BatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func (s *service) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Outbox notifications after a cursor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
		RoleGroup string `query:"role_group"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := s.engine.Repo.NotificationsAfter(ctx, input.After, limit)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		out := []domain.Notification{}
		for _, n := range items {
			if input.RoleGroup == "" || n.RoleGroup == input.RoleGroup {
				out = append(out, n)
			}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: out}, nil
	})
}

func validCursor(cursor string) bool {
	ts, id, ok := strings.Cut(cursor, "|")
	return ok && ts != "" && id != ""
}

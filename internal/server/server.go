package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tramita/internal/engine"
	"tramita/internal/engine/auth"
	"tramita/internal/metrics"
	"tramita/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition draft -> paid"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {"error":{...}} envelope every failure is rendered with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// service carries what the operation handlers share.
type service struct {
	engine engine.Engine
	auth   AuthConfig
	logger *slog.Logger
}

// New returns an HTTP handler exposing the tramita API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "auth/token"):   true,
		path.Join(basePath, "openapi.json"): true,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(metricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, public))

	hcfg := huma.DefaultConfig("Tramita API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &service{engine: cfg.Engine, auth: cfg.Auth, logger: logger}
	registerHealth(group)
	s.registerCatalog(group)
	s.registerAuth(group)
	s.registerRequests(group)
	s.registerLifecycle(group)
	s.registerSignatures(group)
	s.registerDossier(group)
	s.registerDocumentContent(router, basePath)
	s.registerNotifications(group)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError renders an engine error. Internal failures are logged in full
// and answered with a generic message.
func (s *service) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch code := engine.Code(err); code {
	case "invalid_transition":
		var ie engine.InvalidTransitionError
		errors.As(err, &ie)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{"from": ie.From, "to": ie.To})
	case "precondition_failed":
		return newAPIError(http.StatusUnprocessableEntity, code, msg, nil)
	case "bad_request":
		var ve engine.ValidationError
		errors.As(err, &ve)
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, code, msg, details)
	case "bad_credential":
		return newAPIError(http.StatusUnauthorized, code, "credential rejected", nil)
	case "already_signed":
		var ae engine.AlreadySignedError
		errors.As(err, &ae)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{"slot": ae.Slot})
	case "version_conflict":
		var ce repo.ConflictError
		errors.As(err, &ce)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{"expected": ce.Expected, "actual": ce.Actual})
	case "forbidden":
		var fe auth.ForbiddenError
		errors.As(err, &fe)
		return newAPIError(http.StatusForbidden, code, msg, map[string]any{"role": fe.Role})
	case "not_found":
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case "unavailable":
		s.logger.WarnContext(ctx, "dependency unavailable", "error", err, "request_id", middleware.GetReqID(ctx))
		return newAPIError(http.StatusServiceUnavailable, code, "a dependency is unavailable, retry later", nil)
	default:
		s.logger.ErrorContext(ctx, "request failed", "error", err, "request_id", middleware.GetReqID(ctx))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// metricsMiddleware labels by route pattern so ids in paths do not explode
// the label space.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join(basePath, "openapi.json")
	spec := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		applyAuthSecurity(oas, basePath)
		data, _ := json.Marshal(oas)
		return data
	})
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec())
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, docsHTML(specPath))
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func docsHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="pt-BR">
  <head>
    <meta charset="utf-8"/>
    <title>Tramita API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

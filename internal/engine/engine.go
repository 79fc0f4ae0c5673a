package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/draft"
	"tramita/internal/engine/auth"
	"tramita/internal/geo"
	"tramita/internal/metrics"
	"tramita/internal/notify"
	"tramita/internal/repo"
	"tramita/internal/storage"
)

var tracer = otel.Tracer("tramita/internal/engine")

// Engine executes request lifecycle commands against the store. It is a
// value type; copies share the same database and collaborators.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Auth     auth.Service
	Identity auth.IdentityProvider
	Storage  storage.Storage
	Drafter  draft.Assistant
	Geo      geo.Provider
	Notifier notify.Sink
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires an engine with the built-in collaborators: bcrypt credentials,
// template drafting, the notification outbox and no geolocation. Storage is
// left nil; callers set it from config.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.New(conn, dialect)
	r.Cache = repo.NewSnapshotCache(cfg.Cache.Size, cfg.Cache.TTL)
	return Engine{
		DB:       conn,
		Repo:     r,
		Auth:     auth.Service{Repo: r},
		Identity: auth.Bcrypt{Repo: r},
		Drafter:  draft.MustTemplates(),
		Geo:      geo.None{},
		Notifier: notify.Outbox{Store: r},
		Config:   cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// begin opens the span of a command. The returned func records the outcome.
func (e Engine) begin(ctx context.Context, command string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "engine."+command, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		outcome := metrics.OK
		if err != nil {
			outcome = Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			e.logFailure(ctx, command, err)
		}
		metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
		span.End()
	}
}

func (e Engine) logFailure(ctx context.Context, command string, err error) {
	code := Code(err)
	level := slog.LevelInfo
	switch code {
	case "unavailable", "internal":
		level = slog.LevelError
	case "already_signed":
		level = slog.LevelWarn
	}
	e.log().LogAttrs(ctx, level, "command failed",
		slog.String("command", command),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
}

func (e Engine) logCommand(ctx context.Context, entry domain.HistoryEntry, from, to domain.Status) {
	e.log().LogAttrs(ctx, slog.LevelInfo, "command applied",
		slog.String("request_id", entry.RequestID),
		slog.String("actor_id", entry.ActorID),
		slog.String("action", string(entry.Action)),
		slog.String("from_status", string(from)),
		slog.String("to_status", string(to)),
	)
}

// notify hands a notification to the sink. Delivery problems never fail the
// command that already committed.
func (e Engine) notify(ctx context.Context, req domain.Request, kind, module, actorID, message string, meta map[string]any) {
	if e.Notifier == nil || module == "" {
		return
	}
	n := domain.Notification{
		RequestID:    req.ID,
		NUP:          req.NUP,
		Kind:         kind,
		TargetModule: module,
		RoleGroup:    e.cfg().RoleGroup(module),
		ActorID:      actorID,
		Message:      message,
		Metadata:     meta,
		CreatedAt:    e.stamp(),
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		e.log().Warn("notification not delivered", "request_id", req.ID, "module", module, "error", err)
	}
}

// Get returns the current snapshot of a request.
func (e Engine) Get(ctx context.Context, id string) (domain.Request, error) {
	return e.Repo.GetRequest(ctx, id)
}

// Record is the external shape of a request: snapshot, dossier and history.
type Record struct {
	domain.Request
	StageIndex int                   `json:"stage_index"`
	Stage      string                `json:"stage"`
	Dossier    []domain.DossierEntry `json:"dossier"`
	History    []domain.HistoryEntry `json:"history"`
}

func (e Engine) Record(ctx context.Context, id string) (Record, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return Record{}, err
	}
	docs, err := e.Repo.ListDocuments(ctx, id)
	if err != nil {
		return Record{}, err
	}
	hist, err := e.Repo.ListHistory(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Request:    req,
		StageIndex: req.StageIndex(),
		Dossier:    domain.BuildDossier(req, docs).Entries,
		History:    hist,
	}
	if rec.StageIndex >= 0 && rec.StageIndex < len(domain.Stages) {
		rec.Stage = domain.Stages[rec.StageIndex]
	}
	return rec, nil
}

func (e Engine) List(ctx context.Context, f repo.ListFilter) ([]domain.Request, string, error) {
	return e.Repo.ListRequests(ctx, f)
}

func (e Engine) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, id)
}

func (e Engine) Signatures(ctx context.Context, id string) ([]domain.SignatureFact, error) {
	if _, err := e.Repo.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListSignatures(ctx, id)
}

func notFoundAs(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ValidationError{Field: what, Reason: "unknown " + what}
	}
	return err
}

package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/migrate"
	"tramita/internal/repo"
	"tramita/internal/storage"
)

type passwords map[string]string

func (p passwords) VerifyCredential(ctx context.Context, actorID, secret string) (bool, error) {
	want, ok := p[actorID]
	return ok && want == secret, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var actors = []struct {
	id, module string
	role       domain.Role
}{
	{"rita", "gestao", domain.RoleRequester},
	{"gil", "gestao", domain.RoleManager},
	{"ana", "analise", domain.RoleAnalyst},
	{"otto", "ordenador", domain.RoleOrdenador},
}

// outbox collects notifications in memory.
type outbox struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (o *outbox) Notify(ctx context.Context, n domain.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, n)
	return nil
}

func (o *outbox) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.sent))
	for i, n := range o.sent {
		out[i] = n.Kind
	}
	return out
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Identity = passwords{"gil": "gil-pw", "otto": "otto-pw", "ana": "ana-pw"}
	st, err := storage.NewDir(dir + "/blobs")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	eng.Storage = st
	ctx := context.Background()
	for _, a := range actors {
		if err := eng.Repo.UpsertActor(ctx, eng.DB, domain.Actor{ID: a.id, Name: strings.ToUpper(a.id), Module: a.module, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
		if err := eng.Repo.GrantRole(ctx, eng.DB, a.id, a.role); err != nil {
			t.Fatalf("seed role: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (env testEnv) draft(t *testing.T) domain.Request {
	t.Helper()
	req, err := env.Engine.Create(env.Ctx, engine.CreateInput{
		Type:          domain.TypePerDiem,
		ActorID:       "rita",
		Justification: "Diárias para sessão plenária",
		Items: []domain.Item{
			{Code: "3.3.90.14", Description: "Diárias", Value: money("1000.00")},
			{Code: "3.3.90.33", Description: "Passagens", Value: money("200.00")},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return req
}

// pending creates a request and drives it through submission and the
// manager signature.
func (env testEnv) pending(t *testing.T) domain.Request {
	t.Helper()
	req := env.draft(t)
	if _, err := env.Engine.Submit(env.Ctx, req.ID, 0, "rita"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := env.Engine.Sign(env.Ctx, engine.SignInput{RequestID: req.ID, ActorID: "gil", Credential: "gil-pw"})
	if err != nil {
		t.Fatalf("manager sign: %v", err)
	}
	return res.Request
}

func (env testEnv) execution(t *testing.T) domain.Request {
	t.Helper()
	req := env.pending(t)
	req, err := env.Engine.Decide(env.Ctx, engine.DecideInput{RequestID: req.ID, ActorID: "ana", Decision: domain.StatusExecution, Opinion: "Despesa regular."})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return req
}

// laneA produces the three Lane A items and tramita the first n of them.
func (env testEnv) laneA(t *testing.T, requestID string, n int) []domain.DossierDocument {
	t.Helper()
	var docs []domain.DossierDocument
	for _, slot := range []string{"termo_instrucao", "declaracao_disponibilidade"} {
		res, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: requestID, ActorID: "ana", Slot: slot})
		if err != nil {
			t.Fatalf("generate %s: %v", slot, err)
		}
		docs = append(docs, res.Document)
	}
	docs = append(docs, env.upload(t, requestID, "nota_empenho"))
	for _, d := range docs[:n] {
		if _, err := env.Engine.Tramitar(env.Ctx, engine.TramitarInput{RequestID: requestID, ActorID: "ana", DocumentID: d.ID, TargetModule: "ordenador"}); err != nil {
			t.Fatalf("tramitar %s: %v", d.Slot, err)
		}
	}
	return docs
}

// paid drives a fresh request through both signatures and the complete
// dossier up to payment. It returns the ordem bancária upload with the request.
func (env testEnv) paid(t *testing.T) (domain.Request, domain.DossierDocument) {
	t.Helper()
	req := env.execution(t)
	env.laneA(t, req.ID, 3)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature}); err != nil {
		t.Fatalf("to ordenador: %v", err)
	}
	if _, err := env.Engine.Sign(env.Ctx, engine.SignInput{RequestID: req.ID, ActorID: "otto", Credential: "otto-pw"}); err != nil {
		t.Fatalf("ordenador sign: %v", err)
	}
	env.upload(t, req.ID, "nota_liquidacao")
	ob := env.upload(t, req.ID, "ordem_bancaria")
	req, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusPaid})
	if err != nil {
		t.Fatalf("to paid: %v", err)
	}
	return req, ob
}

func (env testEnv) upload(t *testing.T, requestID, slot string) domain.DossierDocument {
	t.Helper()
	body := "%PDF-1.7 " + slot
	res, err := env.Engine.Upload(env.Ctx, engine.UploadInput{
		RequestID:   requestID,
		ActorID:     "ana",
		Slot:        slot,
		Filename:    slot + ".pdf",
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("upload %s: %v", slot, err)
	}
	return res.Document
}

func actions(t *testing.T, env testEnv, requestID string) []domain.Action {
	t.Helper()
	hist, err := env.Engine.History(env.Ctx, requestID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := make([]domain.Action, len(hist))
	for i, h := range hist {
		out[i] = h.Action
	}
	return out
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	req := env.draft(t)
	if !req.TotalValue.Equal(money("1200.00")) {
		t.Fatalf("total = %s, want 1200.00", req.TotalValue)
	}
	req, err := env.Engine.Submit(env.Ctx, req.ID, req.Version, "rita")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != domain.StatusAwaitingManagerSignature || req.NUP != "000001/2024" {
		t.Fatalf("unexpected submit result: %s %q", req.Status, req.NUP)
	}
	signed, err := env.Engine.Sign(env.Ctx, engine.SignInput{RequestID: req.ID, ActorID: "gil", Credential: "gil-pw", Notes: "De acordo."})
	if err != nil {
		t.Fatalf("manager sign: %v", err)
	}
	req = signed.Request
	if req.Status != domain.StatusPending || req.SignedByManagerID == nil || *req.SignedByManagerID != "gil" {
		t.Fatalf("manager signature not applied: %+v", req)
	}
	if signed.Signature.Digest == "" || signed.Signature.Slot != domain.SlotManager {
		t.Fatalf("unexpected fact: %+v", signed.Signature)
	}
	req, err = env.Engine.Decide(env.Ctx, engine.DecideInput{RequestID: req.ID, ActorID: "ana", Decision: domain.StatusExecution, Opinion: "Regular."})
	if err != nil || req.Status != domain.StatusExecution {
		t.Fatalf("decide: %v %s", err, req.Status)
	}

	env.laneA(t, req.ID, 3)
	req, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	if err != nil {
		t.Fatalf("to ordenador: %v", err)
	}
	signed, err = env.Engine.Sign(env.Ctx, engine.SignInput{RequestID: req.ID, ActorID: "otto", Credential: "otto-pw"})
	if err != nil {
		t.Fatalf("ordenador sign: %v", err)
	}
	req = signed.Request
	if req.Status != domain.StatusAuthorized || req.SignedByOrdenadorID == nil {
		t.Fatalf("ordenador signature not applied: %+v", req)
	}

	// paying before lane B is complete fails
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusPaid}); err == nil {
		t.Fatalf("expected lane B to gate payment")
	}
	env.upload(t, req.ID, "nota_liquidacao")
	env.upload(t, req.ID, "ordem_bancaria")
	req, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusPaid})
	if err != nil {
		t.Fatalf("to paid: %v", err)
	}
	req, err = env.Engine.ConfirmReceipt(env.Ctx, req.ID, req.Version, "rita", "Recebido.")
	if err != nil || req.Status != domain.StatusAwaitingAccountabilityConfirmation {
		t.Fatalf("confirm receipt: %v %s", err, req.Status)
	}
	if !req.TotalValue.Equal(money("1200.00")) {
		t.Fatalf("total drifted to %s", req.TotalValue)
	}

	rec, err := env.Engine.Record(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.StageIndex != 8 || rec.Stage != "Prestação de Contas" {
		t.Fatalf("stage = %d %q", rec.StageIndex, rec.Stage)
	}
	fixed := map[string]bool{}
	for _, entry := range rec.Dossier {
		if entry.Kind == domain.EntryFixed {
			fixed[entry.Slot] = true
		}
	}
	for _, slot := range []string{"capa", "assinatura_gestor", "parecer_tecnico", "autorizacao_ordenador", "comprovante_pagamento"} {
		if !fixed[slot] {
			t.Fatalf("missing fixed slot %s in %+v", slot, rec.Dossier)
		}
	}
	if len(rec.History) != 16 {
		t.Fatalf("expected 16 history entries, got %d: %v", len(rec.History), actions(t, env, req.ID))
	}
	sigs, err := env.Engine.Signatures(env.Ctx, req.ID)
	if err != nil || len(sigs) != 2 {
		t.Fatalf("signatures: %v %d", err, len(sigs))
	}
}

func TestInvalidTransitionLeavesStatus(t *testing.T) {
	env := newTestEnv(t)
	req := env.draft(t)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusPaid})
	var it engine.InvalidTransitionError
	if !errors.As(err, &it) || it.From != domain.StatusDraft || it.To != domain.StatusPaid {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, req.ID)
	if err != nil || got.Status != domain.StatusDraft || got.Version != req.Version {
		t.Fatalf("request changed: %v %+v", err, got)
	}
	if n := len(actions(t, env, req.ID)); n != 1 {
		t.Fatalf("expected only CREATE in history, got %d", n)
	}
}

func TestOnlyTableEdgesAreAccepted(t *testing.T) {
	env := newTestEnv(t)
	for _, from := range domain.Statuses {
		allowed := map[domain.Status]bool{}
		for _, ed := range engine.Edges(from) {
			allowed[ed.To] = true
		}
		for _, to := range domain.Statuses {
			if allowed[to] {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				seeded, _, err := env.Engine.Repo.Create(env.Ctx, domain.Request{
					ID:             uuid.NewString(),
					Type:           domain.TypeOrdinarySupply,
					Status:         from,
					OriginModule:   "gestao",
					AssignedModule: "gestao",
					RequesterID:    "rita",
					Justification:  "Material de expediente",
					Items:          []domain.Item{{Code: "3.3.90.30", Value: money("10.00")}},
					CreatedAt:      "2024-01-01T00:00:00Z",
					UpdatedAt:      "2024-01-01T00:00:00Z",
				}, repo.Change{Action: domain.ActionCreate, Description: "seed"}, env.Engine.Now())
				if err != nil {
					t.Fatalf("seed: %v", err)
				}
				_, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: seeded.ID, ActorID: "ana", To: to, Notes: "n", Opinion: "o"})
				var it engine.InvalidTransitionError
				if !errors.As(err, &it) || it.From != from || it.To != to {
					t.Fatalf("expected invalid transition, got %v", err)
				}
				got, err := env.Engine.Get(env.Ctx, seeded.ID)
				if err != nil {
					t.Fatal(err)
				}
				if got.Status != from || got.Version != seeded.Version {
					t.Fatalf("request changed: %s v%d", got.Status, got.Version)
				}
			})
		}
	}
}

func TestSignatureEdgesRequireCeremony(t *testing.T) {
	env := newTestEnv(t)
	req := env.draft(t)
	if _, err := env.Engine.Submit(env.Ctx, req.ID, 0, "rita"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "gil", To: domain.StatusPending})
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestSubmitPreconditions(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.Create(env.Ctx, engine.CreateInput{Type: domain.TypeReimbursement, ActorID: "rita", Justification: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, req.ID, 0, "rita"); engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected empty items to block submit, got %v", err)
	}
	// only the requester may submit
	other := env.draft(t)
	if _, err := env.Engine.Submit(env.Ctx, other.ID, 0, "gil"); engine.Code(err) != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNUPIsSequentialPerYear(t *testing.T) {
	env := newTestEnv(t)
	var nups []string
	for i := 0; i < 3; i++ {
		req := env.draft(t)
		req, err := env.Engine.Submit(env.Ctx, req.ID, 0, "rita")
		if err != nil {
			t.Fatal(err)
		}
		nups = append(nups, req.NUP)
	}
	want := []string{"000001/2024", "000002/2024", "000003/2024"}
	for i := range want {
		if nups[i] != want[i] {
			t.Fatalf("nups = %v, want %v", nups, want)
		}
	}
}

func TestUpdateDraftRecomputesTotal(t *testing.T) {
	env := newTestEnv(t)
	req := env.draft(t)
	req, err := env.Engine.UpdateDraft(env.Ctx, engine.UpdateDraftInput{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		ActorID:         "rita",
		Items:           []domain.Item{{Code: "3.3.90.30", Description: "Material", Value: money("45.10")}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !req.TotalValue.Equal(money("45.10")) || req.Version != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	// stale version is rejected without a history entry
	_, err = env.Engine.UpdateDraft(env.Ctx, engine.UpdateDraftInput{RequestID: req.ID, ExpectedVersion: 1, ActorID: "rita", Items: []domain.Item{}})
	if engine.Code(err) != "version_conflict" {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := len(actions(t, env, req.ID)); n != 2 {
		t.Fatalf("expected 2 history entries, got %d", n)
	}
	// items are frozen once submitted
	if _, err := env.Engine.Submit(env.Ctx, req.ID, 0, "rita"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateDraft(env.Ctx, engine.UpdateDraftInput{RequestID: req.ID, ActorID: "rita", Items: []domain.Item{}})
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected frozen items, got %v", err)
	}
}

func TestAssignKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	req := env.pending(t)
	got, err := env.Engine.Assign(env.Ctx, engine.AssignInput{RequestID: req.ID, ActorID: "ana", AssigneeID: "ana"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != req.Status || got.AssignedToID == nil || *got.AssignedToID != "ana" || got.AssignedToName == nil || *got.AssignedToName != "ANA" {
		t.Fatalf("unexpected assignment %+v", got)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignInput{RequestID: req.ID, ActorID: "rita", AssigneeID: "ana"}); engine.Code(err) != "forbidden" {
		t.Fatalf("requester must not assign: %v", err)
	}
}

func TestGetSeesWritesFromAnotherEngine(t *testing.T) {
	env := newTestEnv(t)
	req := env.pending(t)
	cached, err := env.Engine.Get(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}

	other := engine.New(env.Engine.DB, env.Engine.Repo.Dialect, env.Engine.Config)
	other.Now = env.Engine.Now
	routed, err := other.Route(env.Ctx, engine.RouteInput{RequestID: req.ID, ActorID: "ana", TargetModule: "juridico"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	got, err := env.Engine.Get(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != routed.Version || got.Version == cached.Version || got.AssignedModule != "juridico" {
		t.Fatalf("stale snapshot served: %+v", got)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignInput{RequestID: req.ID, ExpectedVersion: got.Version, ActorID: "ana", AssigneeID: "ana"}); err != nil {
		t.Fatalf("assign with the version just read: %v", err)
	}
}

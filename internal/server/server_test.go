package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tramita/internal/config"
	"tramita/internal/db"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/migrate"
	"tramita/internal/storage"
)

type passwords map[string]string

func (p passwords) VerifyCredential(ctx context.Context, actorID, secret string) (bool, error) {
	want, ok := p[actorID]
	return ok && want == secret, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
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
	e := engine.New(conn, dialect, config.Default())
	e.Identity = passwords{"gil": "gil-pw", "ana": "ana-pw", "otto": "otto-pw"}
	st, err := storage.NewDir(dir + "/blobs")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	e.Storage = st
	ctx := context.Background()
	for _, a := range []struct {
		id, module string
		role       domain.Role
	}{
		{"rita", "gestao", domain.RoleRequester},
		{"gil", "gestao", domain.RoleManager},
		{"ana", "analise", domain.RoleAnalyst},
		{"otto", "ordenador", domain.RoleOrdenador},
	} {
		if err := e.Repo.UpsertActor(ctx, e.DB, domain.Actor{ID: a.id, Name: a.id, Module: a.module, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
		if err := e.Repo.GrantRole(ctx, e.DB, a.id, a.role); err != nil {
			t.Fatalf("seed role: %v", err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:        "test-secret",
			TokenTTL:         time.Hour,
			AllowActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, actor, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func (s *testServer) createRequest(t *testing.T) domain.Request {
	t.Helper()
	res, data := s.do(t, "rita", http.MethodPost, "/v1/requests", map[string]any{
		"type":          "per_diem",
		"justification": "Diárias para sessão plenária",
		"items": []map[string]any{
			{"code": "3.3.90.14", "description": "Diárias", "value": "1000.00"},
			{"code": "3.3.90.33", "description": "Passagens", "value": "200.00"},
		},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var req domain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func (s *testServer) toExecution(t *testing.T) domain.Request {
	t.Helper()
	req := s.createRequest(t)
	steps := []struct {
		actor, path string
		body        any
	}{
		{"rita", "/submit", map[string]any{}},
		{"gil", "/sign", map[string]any{"credential": "gil-pw"}},
		{"ana", "/decide", map[string]any{"decision": "execution", "opinion": "Despesa regular."}},
	}
	for _, st := range steps {
		res, data := s.do(t, st.actor, http.MethodPost, "/v1/requests/"+req.ID+st.path, st.body)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", st.path, res.StatusCode, string(data))
		}
	}
	got, err := s.Engine.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, "", http.MethodGet, "/v1/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, "", http.MethodGet, "/v1/requests", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	req := srv.toExecution(t)
	if req.Status != domain.StatusExecution {
		t.Fatalf("status %s", req.Status)
	}
	if req.NUP == "" {
		t.Fatalf("expected NUP assigned at submission")
	}

	res, data := srv.do(t, "rita", http.MethodGet, "/v1/requests/"+req.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var rec engine.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if !rec.TotalValue.Equal(decimal.RequireFromString("1200.00")) {
		t.Fatalf("total %s", rec.TotalValue)
	}
	if len(rec.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(rec.History))
	}

	res, data = srv.do(t, "rita", http.MethodGet, "/v1/requests/"+req.ID+"/signatures", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signatures status %d: %s", res.StatusCode, string(data))
	}
	var facts []domain.SignatureFact
	if err := json.Unmarshal(data, &facts); err != nil {
		t.Fatalf("unmarshal signatures: %v", err)
	}
	if len(facts) != 1 || facts[0].SignerID != "gil" {
		t.Fatalf("unexpected signatures %+v", facts)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv := newTestServer(t)
	req := srv.createRequest(t)

	res, data := srv.do(t, "ana", http.MethodPost, "/v1/requests/"+req.ID+"/transition", map[string]any{"to": "paid"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = srv.do(t, "rita", http.MethodGet, "/v1/requests/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	res, data = srv.do(t, "rita", http.MethodPatch, "/v1/requests/"+req.ID, map[string]any{"expected_version": 9, "justification": "x"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected version conflict, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "version_conflict" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = srv.do(t, "rita", http.MethodPost, "/v1/requests", map[string]any{
		"type":  "per_diem",
		"items": []map[string]any{{"code": "x", "value": "abc"}},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed value, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBadCredentialIsUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	req := srv.createRequest(t)
	if res, data := srv.do(t, "rita", http.MethodPost, "/v1/requests/"+req.ID+"/submit", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data := srv.do(t, "gil", http.MethodPost, "/v1/requests/"+req.ID+"/sign", map[string]any{"credential": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "bad_credential" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	got, err := srv.Engine.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusAwaitingManagerSignature || got.SignedByManagerID != nil {
		t.Fatalf("rejected credential changed the request: %+v", got)
	}
}

func TestTokenExchange(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, "", http.MethodPost, "/v1/auth/token", map[string]any{"actor_id": "gil", "credential": "gil-pw"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token status %d: %s", res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	res, data = srv.send(t, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "gil" || me.Source != "jwt" || !domain.HasRole(me.Roles, domain.RoleManager) {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = srv.do(t, "", http.MethodPost, "/v1/auth/token", map[string]any{"actor_id": "gil", "credential": "nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credential, got %d: %s", res.StatusCode, string(data))
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	if res, _ = srv.send(t, req); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestUploadAndDownloadDocument(t *testing.T) {
	srv := newTestServer(t)
	req := srv.toExecution(t)

	upload, _ := http.NewRequest(http.MethodPost,
		srv.URL+"/v1/requests/"+req.ID+"/documents/upload?slot=nota_empenho&filename=ne.pdf",
		strings.NewReader("%PDF-1.7 nota"))
	upload.Header.Set("Content-Type", "application/pdf")
	upload.Header.Set("X-Actor-Id", "ana")
	res, data := srv.send(t, upload)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var out engine.DocumentResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal upload: %v", err)
	}
	if out.Document.Slot != "nota_empenho" || out.Document.Status != domain.DocAttached {
		t.Fatalf("unexpected document %+v", out.Document)
	}

	res, data = srv.do(t, "rita", http.MethodGet, "/v1/requests/"+req.ID+"/documents/"+out.Document.ID+"/content", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download status %d: %s", res.StatusCode, string(data))
	}
	if string(data) != "%PDF-1.7 nota" {
		t.Fatalf("content %q", string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type %q", ct)
	}

	res, data = srv.do(t, "ana", http.MethodGet, "/v1/requests/"+req.ID+"/dossier", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dossier status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Dossier
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal dossier: %v", err)
	}
	if d.LaneAComplete {
		t.Fatalf("lane A cannot be complete with one attached item")
	}
}

func TestBatchSignOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createRequest(t)
	b := srv.createRequest(t)
	if res, data := srv.do(t, "rita", http.MethodPost, "/v1/requests/"+a.ID+"/submit", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data := srv.do(t, "gil", http.MethodPost, "/v1/batch/sign", map[string]any{
		"request_ids": []string{a.ID, b.ID},
		"credential":  "gil-pw",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var out engine.BatchResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if len(out.Succeeded) != 1 || out.Succeeded[0].Request.ID != a.ID {
		t.Fatalf("unexpected successes %+v", out.Succeeded)
	}
	if len(out.Failed) != 1 || out.Failed[0].RequestID != b.ID || out.Failed[0].Code != "invalid_transition" {
		t.Fatalf("unexpected failures %+v", out.Failed)
	}
}

func TestTransitionsListsEdges(t *testing.T) {
	srv := newTestServer(t)
	req := srv.createRequest(t)
	res, data := srv.do(t, "rita", http.MethodGet, "/v1/requests/"+req.ID+"/transitions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions status %d: %s", res.StatusCode, string(data))
	}
	var out TransitionsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	if out.Status != domain.StatusDraft || len(out.Edges) == 0 {
		t.Fatalf("unexpected transitions %+v", out)
	}
	for _, e := range out.Edges {
		if e.From != domain.StatusDraft {
			t.Fatalf("edge from %s listed for draft", e.From)
		}
	}
}

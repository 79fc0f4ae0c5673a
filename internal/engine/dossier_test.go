package engine_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tramita/internal/config"
	"tramita/internal/domain"
	"tramita/internal/engine"
	"tramita/internal/storage"
	storagemocks "tramita/internal/storage/mocks"
)

func TestLaneAGatesOrdenadorSignature(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	docs := env.laneA(t, req.ID, 2)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected lane A to block, got %v", err)
	}
	d, err := env.Engine.Dossier(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.LaneAComplete {
		t.Fatalf("lane A reported complete with 2 of 3 items")
	}

	if _, err := env.Engine.Tramitar(env.Ctx, engine.TramitarInput{RequestID: req.ID, ActorID: "ana", DocumentID: docs[2].ID, TargetModule: "ordenador"}); err != nil {
		t.Fatalf("tramitar: %v", err)
	}
	got, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	if err != nil || got.Status != domain.StatusAwaitingOrdenadorSignature {
		t.Fatalf("expected transition to succeed: %v", err)
	}
}

func TestLaneADocumentsOnlyDuringExecution(t *testing.T) {
	env := newTestEnv(t)
	req := env.pending(t)
	_, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Slot: "termo_instrucao"})
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("expected phase error, got %v", err)
	}
	_, err = env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "rita", Kind: "despacho", Title: "Despacho"})
	if engine.Code(err) != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	// custom documents are allowed in analysis
	res, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Kind: "despacho", Title: "Despacho inicial", Notes: "Encaminhe-se."})
	if err != nil {
		t.Fatalf("generate custom: %v", err)
	}
	if res.Document.Status != domain.DocDrafted || !strings.Contains(res.Document.Content, "Encaminhe-se.") {
		t.Fatalf("unexpected document %+v", res.Document)
	}
}

func TestGeneratedContentMentionsRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	res, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Slot: "termo_instrucao"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(res.Document.Content, req.NUP) || !strings.Contains(res.Document.Content, "R$ 1200.00") {
		t.Fatalf("content does not describe the request:\n%s", res.Document.Content)
	}
	rc, doc, err := env.Engine.OpenDocument(env.Ctx, req.ID, res.Document.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != doc.Content {
		t.Fatalf("served content differs from stored content")
	}
}

func TestRegeneratingSupersedesDraft(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	first, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Slot: "termo_instrucao"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Slot: "termo_instrucao"})
	if err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.Dossier(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	var live []string
	for _, e := range d.Entries {
		if e.Document != nil && e.Slot == "termo_instrucao" {
			live = append(live, e.Document.ID)
		}
	}
	if len(live) != 1 || live[0] != second.Document.ID || live[0] == first.Document.ID {
		t.Fatalf("expected only the second draft live, got %v", live)
	}
	if _, err := env.Engine.Tramitar(env.Ctx, engine.TramitarInput{RequestID: req.ID, ActorID: "ana", DocumentID: second.Document.ID, TargetModule: "ordenador"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Generate(env.Ctx, engine.GenerateInput{RequestID: req.ID, ActorID: "ana", Slot: "termo_instrucao"})
	if engine.Code(err) != "precondition_failed" {
		t.Fatalf("tramitado item must not be replaced: %v", err)
	}
}

func TestReturnResetsLaneA(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	env.laneA(t, req.ID, 3)
	req, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Return(env.Ctx, engine.ReturnInput{RequestID: req.ID, ActorID: "otto"}); engine.Code(err) != "precondition_failed" {
		t.Fatalf("return without notes must fail: %v", err)
	}
	req, err = env.Engine.Return(env.Ctx, engine.ReturnInput{RequestID: req.ID, ActorID: "otto", Notes: "Corrigir a declaração."})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if req.Status != domain.StatusInAnalysis {
		t.Fatalf("status = %s", req.Status)
	}
	d, err := env.Engine.Dossier(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.LaneAComplete {
		t.Fatalf("lane A should be reset")
	}
	for _, it := range d.LaneA {
		if it.Status == domain.DocTramitado {
			t.Fatalf("%s still tramitado", it.Slot)
		}
	}
	// the return is only valid from the ordenador's desk
	if _, err := env.Engine.Return(env.Ctx, engine.ReturnInput{RequestID: req.ID, ActorID: "otto", Notes: "de novo"}); engine.Code(err) != "invalid_transition" {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReturnKeepsLaneAWhenConfigured(t *testing.T) {
	keep := false
	env := newTestEnv(t, func(c *config.Config) { c.Dossier.ResetLaneAOnReturn = &keep })
	req := env.execution(t)
	env.laneA(t, req.ID, 3)
	req, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Return(env.Ctx, engine.ReturnInput{RequestID: req.ID, ActorID: "otto", Notes: "Rever."}); err != nil {
		t.Fatal(err)
	}
	d, _ := env.Engine.Dossier(env.Ctx, req.ID)
	if !d.LaneAComplete {
		t.Fatalf("lane A should be kept")
	}
}

func TestGenericReturnNotifiesLikeReturn(t *testing.T) {
	env := newTestEnv(t)
	sink := &outbox{}
	env.Engine.Notifier = sink
	req := env.execution(t)
	env.laneA(t, req.ID, 3)
	req, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "ana", To: domain.StatusAwaitingOrdenadorSignature})
	require.NoError(t, err)

	req, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RequestID: req.ID, ActorID: "otto", To: domain.StatusInAnalysis, Notes: "Rever valores."})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInAnalysis, req.Status)
	assert.Contains(t, sink.kinds(), "returned")

	d, err := env.Engine.Dossier(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, d.LaneAComplete)
}

func TestRouteAppendsOneEntry(t *testing.T) {
	env := newTestEnv(t)
	req := env.pending(t)
	before := actions(t, env, req.ID)
	got, err := env.Engine.Route(env.Ctx, engine.RouteInput{RequestID: req.ID, ActorID: "ana", TargetModule: "juridico", Notes: "Para parecer."})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.Status != req.Status || got.AssignedModule != "juridico" {
		t.Fatalf("unexpected request %+v", got)
	}
	after := actions(t, env, req.ID)
	if len(after) != len(before)+1 || after[len(after)-1] != domain.ActionTramitar {
		t.Fatalf("history = %v", after)
	}
	if _, err := env.Engine.Route(env.Ctx, engine.RouteInput{RequestID: req.ID, ActorID: "ana", TargetModule: "tesouraria"}); engine.Code(err) != "bad_request" {
		t.Fatalf("unknown module must be rejected: %v", err)
	}
}

func TestAutoAdvance(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dossier.AutoAdvance = true })
	req := env.execution(t)
	env.laneA(t, req.ID, 3)
	got, err := env.Engine.Get(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAwaitingOrdenadorSignature {
		t.Fatalf("expected auto advance, status = %s", got.Status)
	}
	if _, err := env.Engine.Sign(env.Ctx, engine.SignInput{RequestID: req.ID, ActorID: "otto", Credential: "otto-pw"}); err != nil {
		t.Fatal(err)
	}
	env.upload(t, req.ID, "nota_liquidacao")
	env.upload(t, req.ID, "ordem_bancaria")
	got, _ = env.Engine.Get(env.Ctx, req.ID)
	if got.Status != domain.StatusPaid {
		t.Fatalf("expected paid, status = %s", got.Status)
	}
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	doc := env.upload(t, req.ID, "nota_empenho")
	if _, err := env.Engine.DeleteDocument(env.Ctx, engine.DeleteDocumentInput{RequestID: req.ID, ActorID: "ana", DocumentID: doc.ID}); engine.Code(err) != "bad_request" {
		t.Fatalf("reason is required: %v", err)
	}
	res, err := env.Engine.DeleteDocument(env.Ctx, engine.DeleteDocumentInput{RequestID: req.ID, ActorID: "ana", DocumentID: doc.ID, Reason: "arquivo errado"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Document.DeletedAt == nil || res.Document.DeleteReason != "arquivo errado" {
		t.Fatalf("document not soft deleted: %+v", res.Document)
	}
	d, _ := env.Engine.Dossier(env.Ctx, req.ID)
	for _, e := range d.Entries {
		if e.Document != nil && e.Document.ID == doc.ID {
			t.Fatalf("deleted document still listed")
		}
	}
}

func TestPaidChecklistCannotBeReplaced(t *testing.T) {
	env := newTestEnv(t)
	req, ob := env.paid(t)

	_, err := env.Engine.DeleteDocument(env.Ctx, engine.DeleteDocumentInput{RequestID: req.ID, ActorID: "ana", DocumentID: ob.ID, Reason: "arquivo errado"})
	require.Equal(t, "precondition_failed", engine.Code(err))

	before := actions(t, env, req.ID)
	body := "%PDF-1.7 outra ordem"
	_, err = env.Engine.Upload(env.Ctx, engine.UploadInput{
		RequestID:   req.ID,
		ActorID:     "ana",
		Slot:        "ordem_bancaria",
		Filename:    "ob2.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	})
	var pre engine.PreconditionError
	require.ErrorAs(t, err, &pre)

	d, err := env.Engine.Dossier(env.Ctx, req.ID)
	require.NoError(t, err)
	var live string
	for _, it := range d.LaneB {
		if it.Slot == "ordem_bancaria" {
			live = it.DocumentID
		}
	}
	assert.Equal(t, ob.ID, live)
	assert.True(t, d.LaneBComplete)
	assert.Len(t, actions(t, env, req.ID), len(before))

	got, err := env.Engine.Get(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Version, got.Version)
}

func TestUploadRemovesBlobWhenRecordFails(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	st := new(storagemocks.MockStorage)
	st.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{Size: 4}, nil)
	st.On("Delete", mock.Anything, mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "requests/"+req.ID+"/")
	})).Return(nil)
	env.Engine.Storage = st

	_, err := env.Engine.Upload(env.Ctx, engine.UploadInput{
		RequestID:       req.ID,
		ExpectedVersion: 1,
		ActorID:         "ana",
		Slot:            "nota_empenho",
		Filename:        "ne.pdf",
		Size:            4,
		Body:            strings.NewReader("%PDF"),
	})
	require.Equal(t, "version_conflict", engine.Code(err))
	st.AssertExpectations(t)
}

func TestUploadStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	st := new(storagemocks.MockStorage)
	st.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{}, errors.New("bucket offline"))
	env.Engine.Storage = st

	before := actions(t, env, req.ID)
	_, err := env.Engine.Upload(env.Ctx, engine.UploadInput{RequestID: req.ID, ActorID: "ana", Slot: "nota_empenho", Filename: "ne.pdf", Size: 4, Body: strings.NewReader("%PDF")})
	var unavailable engine.StorageUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "unavailable", engine.Code(err))
	assert.Len(t, actions(t, env, req.ID), len(before))
	st.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestUploadedBlobRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	req := env.execution(t)
	doc := env.upload(t, req.ID, "nota_empenho")
	rc, got, err := env.Engine.OpenDocument(env.Ctx, req.ID, doc.ID)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 nota_empenho", string(body))
	assert.Equal(t, doc.FileRef, got.FileRef)
}

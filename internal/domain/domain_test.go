package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestStageIndexCoversEveryStatus(t *testing.T) {
	for _, s := range Statuses {
		idx := StageIndex(s)
		if idx < 0 || idx >= len(Stages) {
			t.Fatalf("status %s has stage %d outside [0,%d)", s, idx, len(Stages))
		}
	}
	if StageIndex("bogus") != -1 {
		t.Fatalf("unknown status should map to -1")
	}
	if StageIndex(StatusExecution) >= StageIndex(StatusAwaitingOrdenadorSignature) {
		t.Fatalf("execution must precede ordenador signature")
	}
}

func TestRecomputeTotal(t *testing.T) {
	r := Request{Items: []Item{
		{Code: "3.3.90.14", Value: decimal.RequireFromString("700.10")},
		{Code: "3.3.90.33", Value: decimal.RequireFromString("499.90")},
	}}
	r.TotalValue = decimal.RequireFromString("1")
	r.Recompute()
	if !r.TotalValue.Equal(decimal.RequireFromString("1200.00")) {
		t.Fatalf("total %s, want 1200.00", r.TotalValue)
	}
}

func doc(id, slot string, status DocStatus) DossierDocument {
	return DossierDocument{ID: id, Slot: slot, Status: status, Title: slot}
}

func TestLaneCompletion(t *testing.T) {
	docs := []DossierDocument{
		doc("1", "termo_instrucao", DocTramitado),
		doc("2", "declaracao_disponibilidade", DocTramitado),
		doc("3", "nota_empenho", DocAttached),
	}
	if LaneAComplete(docs) {
		t.Fatalf("lane A should be incomplete with nota_empenho only attached")
	}
	docs[2].Status = DocTramitado
	if !LaneAComplete(docs) {
		t.Fatalf("lane A should be complete")
	}
	if LaneBComplete(docs) {
		t.Fatalf("lane B should be incomplete")
	}
	docs = append(docs, doc("4", "nota_liquidacao", DocAttached), doc("5", "ordem_bancaria", DocAttached))
	if !LaneBComplete(docs) {
		t.Fatalf("lane B should be complete")
	}
}

func TestSlotDocumentIgnoresDeleted(t *testing.T) {
	deleted := "2026-01-01T00:00:00Z"
	docs := []DossierDocument{
		doc("1", "nota_empenho", DocAttached),
		doc("2", "nota_empenho", DocTramitado),
	}
	docs[1].DeletedAt = &deleted
	got, ok := SlotDocument(docs, "nota_empenho")
	if !ok || got.ID != "1" {
		t.Fatalf("expected live document 1, got %+v (ok=%v)", got, ok)
	}
}

func TestBuildDossierFixedEntries(t *testing.T) {
	mgr := "gestor-1"
	r := Request{ID: "r1", Status: StatusExecution, SignedByManagerID: &mgr, TechnicalOpinion: "de acordo"}
	d := BuildDossier(r, []DossierDocument{doc("1", "", DocDrafted)})
	var fixed, stored int
	for _, e := range d.Entries {
		switch e.Kind {
		case EntryFixed:
			fixed++
		case EntryStored:
			stored++
			if e.Document == nil {
				t.Fatalf("stored entry without document")
			}
		}
	}
	if fixed != 3 || stored != 1 {
		t.Fatalf("fixed=%d stored=%d, want 3 and 1", fixed, stored)
	}
	if len(d.LaneA) != 3 || len(d.LaneB) != 2 {
		t.Fatalf("unexpected lane sizes %d/%d", len(d.LaneA), len(d.LaneB))
	}
	if d.LaneA[0].Status != DocPending {
		t.Fatalf("empty slot should be pending")
	}
}

func TestRequestDigestStable(t *testing.T) {
	r := Request{ID: "r1", NUP: "000001/2026", Status: StatusAwaitingManagerSignature,
		Items: []Item{{Code: "x", Value: decimal.NewFromInt(10)}}}
	a, err := RequestDigest(r, SlotManager, "m1", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RequestDigest(r, SlotManager, "m1", "2026-01-01T00:00:00Z")
	if a != b || len(a) != 64 {
		t.Fatalf("digest not stable: %s vs %s", a, b)
	}
	r.Items[0].Value = decimal.NewFromInt(11)
	c, _ := RequestDigest(r, SlotManager, "m1", "2026-01-01T00:00:00Z")
	if c == a {
		t.Fatalf("digest should change with items")
	}
}

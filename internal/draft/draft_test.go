package draft

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tramita/internal/domain"
)

func sampleContext() Context {
	req := domain.Request{
		NUP:           "000001/2024",
		Type:          domain.TypePerDiem,
		Justification: "Diárias para sessão do júri",
		Items: []domain.Item{
			{Code: "3.3.90.14", Description: "Diárias", Value: decimal.RequireFromString("1200.00")},
		},
	}
	req.Recompute()
	return Context{Institution: "Tribunal", City: "São Paulo", Request: req, Date: "01/01/2024"}
}

func TestDraftBuiltinKinds(t *testing.T) {
	tm := MustTemplates()
	text, err := tm.Draft(context.Background(), "termo_instrucao", sampleContext())
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if !strings.Contains(text, "000001/2024") || !strings.Contains(text, "R$ 1200.00") {
		t.Fatalf("unexpected text:\n%s", text)
	}
	text, err = tm.Draft(context.Background(), "declaracao_disponibilidade", sampleContext())
	if err != nil || !strings.Contains(text, "3.3.90.14") {
		t.Fatalf("declaracao: %v\n%s", err, text)
	}
}

func TestDraftUnknownKindFallsBackToDespacho(t *testing.T) {
	data := sampleContext()
	data.Notes = "Ciente."
	text, err := MustTemplates().Draft(context.Background(), "oficio", data)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if !strings.HasPrefix(text, "DESPACHO") || !strings.Contains(text, "Ciente.") {
		t.Fatalf("unexpected text:\n%s", text)
	}
}

func TestExtraTemplates(t *testing.T) {
	tm, err := NewTemplates(map[string]string{"memorando": "MEMO {{.Request.NUP}}"})
	if err != nil {
		t.Fatal(err)
	}
	text, err := tm.Draft(context.Background(), "memorando", sampleContext())
	if err != nil || text != "MEMO 000001/2024" {
		t.Fatalf("got %q, %v", text, err)
	}
	if _, err := NewTemplates(map[string]string{"bad": "{{.Missing"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

// Package draft produces the text of generated dossier documents.
package draft

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"tramita/internal/domain"
)

// Context is what a template may reference.
type Context struct {
	Institution string
	City        string
	Request     domain.Request
	Date        string
	Notes       string
}

type Assistant interface {
	Draft(ctx context.Context, kind string, data Context) (string, error)
}

// Templates drafts documents from Go text templates keyed by kind.
type Templates struct {
	set *template.Template
}

var funcs = template.FuncMap{
	"money": func(v decimal.Decimal) string { return "R$ " + v.StringFixed(2) },
	"upper": strings.ToUpper,
}

// NewTemplates parses the built-in templates plus extra kinds.
func NewTemplates(extra map[string]string) (*Templates, error) {
	set := template.New("").Funcs(funcs).Option("missingkey=error")
	for kind, body := range builtin {
		if _, err := set.New(kind).Parse(body); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", kind, err)
		}
	}
	for kind, body := range extra {
		if _, err := set.New(kind).Parse(body); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", kind, err)
		}
	}
	return &Templates{set: set}, nil
}

// MustTemplates is NewTemplates without extras; the built-ins always parse.
func MustTemplates() *Templates {
	t, err := NewTemplates(nil)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Templates) Draft(ctx context.Context, kind string, data Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmpl := t.set.Lookup(kind)
	if tmpl == nil {
		tmpl = t.set.Lookup("despacho")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var builtin = map[string]string{
	"termo_instrucao": `TERMO DE INSTRUÇÃO
{{.Institution}}

Processo NUP {{.Request.NUP}}
Natureza: {{.Request.Type}}

Instrui-se o presente processo com a justificativa apresentada pelo requisitante:
{{.Request.Justification}}

Itens:
{{range .Request.Items}}- {{.Code}} {{.Description}}: {{money .Value}}
{{end}}
Valor total: {{money .Request.TotalValue}}
{{if .Notes}}
Observações: {{.Notes}}
{{end}}
{{.City}}, {{.Date}}.`,

	"declaracao_disponibilidade": `DECLARAÇÃO DE DISPONIBILIDADE ORÇAMENTÁRIA
{{.Institution}}

Declaro, para os fins do processo NUP {{.Request.NUP}}, que há dotação orçamentária
suficiente para a despesa no valor de {{money .Request.TotalValue}}, nas classificações:
{{range .Request.Items}}- {{.Code}}
{{end}}
{{.City}}, {{.Date}}.`,

	"despacho": `DESPACHO
Processo NUP {{.Request.NUP}}

{{if .Notes}}{{.Notes}}{{else}}Encaminhe-se para as providências cabíveis.{{end}}

{{.City}}, {{.Date}}.`,
}

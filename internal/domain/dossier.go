package domain

type Lane string

const (
	LaneA Lane = "A"
	LaneB Lane = "B"
)

type DocKind string

const (
	KindFixed     DocKind = "fixed"
	KindGenerated DocKind = "generated"
	KindUploaded  DocKind = "uploaded"
)

type DocStatus string

const (
	DocPending   DocStatus = "pending"
	DocDrafted   DocStatus = "drafted"
	DocAttached  DocStatus = "attached"
	DocTramitado DocStatus = "tramitado"
	DocSigned    DocStatus = "signed"
)

// LaneSlot is one checklist item of the execution dossier.
type LaneSlot struct {
	ID    string  `json:"id"`
	Lane  Lane    `json:"lane"`
	Title string  `json:"title"`
	Kind  DocKind `json:"kind"`
}

var LaneASlots = []LaneSlot{
	{ID: "termo_instrucao", Lane: LaneA, Title: "Termo de Instrução", Kind: KindGenerated},
	{ID: "declaracao_disponibilidade", Lane: LaneA, Title: "Declaração de Disponibilidade Orçamentária", Kind: KindGenerated},
	{ID: "nota_empenho", Lane: LaneA, Title: "Nota de Empenho", Kind: KindUploaded},
}

var LaneBSlots = []LaneSlot{
	{ID: "nota_liquidacao", Lane: LaneB, Title: "Nota de Liquidação", Kind: KindUploaded},
	{ID: "ordem_bancaria", Lane: LaneB, Title: "Ordem Bancária", Kind: KindUploaded},
}

func LookupSlot(id string) (LaneSlot, bool) {
	for _, s := range LaneASlots {
		if s.ID == id {
			return s, true
		}
	}
	for _, s := range LaneBSlots {
		if s.ID == id {
			return s, true
		}
	}
	return LaneSlot{}, false
}

type DossierDocument struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Kind         DocKind   `json:"kind"`
	Slot         string    `json:"slot,omitempty"`
	Title        string    `json:"title"`
	Status       DocStatus `json:"status"`
	FileRef      string    `json:"file_ref,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int64     `json:"size,omitempty"`
	Content      string    `json:"content,omitempty"`
	CreatorID    string    `json:"creator_id"`
	TramitadoTo  string    `json:"tramitado_to,omitempty"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
	DeletedAt    *string   `json:"deleted_at,omitempty"`
	DeleteReason string    `json:"delete_reason,omitempty"`
}

func (d DossierDocument) Active() bool { return d.DeletedAt == nil }

type EntryKind string

const (
	EntryFixed  EntryKind = "fixed"
	EntryStored EntryKind = "stored"
)

// DossierEntry is either a fixed slot computed from the request or a stored document.
type DossierEntry struct {
	Kind     EntryKind        `json:"kind"`
	Slot     string           `json:"slot,omitempty"`
	Title    string           `json:"title"`
	Document *DossierDocument `json:"document,omitempty"`
}

func Fixed(slot, title string) DossierEntry {
	return DossierEntry{Kind: EntryFixed, Slot: slot, Title: title}
}

func Stored(doc DossierDocument) DossierEntry {
	d := doc
	return DossierEntry{Kind: EntryStored, Slot: doc.Slot, Title: doc.Title, Document: &d}
}

type LaneItem struct {
	Slot       string    `json:"slot"`
	Title      string    `json:"title"`
	Lane       Lane      `json:"lane"`
	Source     DocKind   `json:"source"`
	Status     DocStatus `json:"status"`
	DocumentID string    `json:"document_id,omitempty"`
}

type Dossier struct {
	RequestID     string         `json:"request_id"`
	Entries       []DossierEntry `json:"entries"`
	LaneA         []LaneItem     `json:"lane_a"`
	LaneB         []LaneItem     `json:"lane_b"`
	LaneAComplete bool           `json:"lane_a_complete"`
	LaneBComplete bool           `json:"lane_b_complete"`
}

// SlotDocument returns the live document occupying a checklist slot.
// docs are expected in creation order; the latest active one wins.
func SlotDocument(docs []DossierDocument, slot string) (DossierDocument, bool) {
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].Slot == slot && docs[i].Active() {
			return docs[i], true
		}
	}
	return DossierDocument{}, false
}

func laneItems(slots []LaneSlot, docs []DossierDocument) []LaneItem {
	items := make([]LaneItem, 0, len(slots))
	for _, s := range slots {
		it := LaneItem{Slot: s.ID, Title: s.Title, Lane: s.Lane, Source: s.Kind, Status: DocPending}
		if d, ok := SlotDocument(docs, s.ID); ok {
			it.Status = d.Status
			it.DocumentID = d.ID
		}
		items = append(items, it)
	}
	return items
}

// LaneAComplete reports whether every Lane A item has been tramitado.
func LaneAComplete(docs []DossierDocument) bool {
	for _, it := range laneItems(LaneASlots, docs) {
		if it.Status != DocTramitado {
			return false
		}
	}
	return true
}

// LaneBComplete reports whether every Lane B item is attached.
func LaneBComplete(docs []DossierDocument) bool {
	for _, it := range laneItems(LaneBSlots, docs) {
		if it.Status != DocAttached && it.Status != DocSigned {
			return false
		}
	}
	return true
}

// FixedEntries are the documents every request carries once it reaches the
// corresponding point of its lifecycle.
func FixedEntries(r Request, docs []DossierDocument) []DossierEntry {
	var out []DossierEntry
	if r.Status != StatusDraft {
		out = append(out, Fixed("capa", "Capa do Processo"))
	}
	if r.SignedByManagerID != nil {
		out = append(out, Fixed("assinatura_gestor", "Atesto do Gestor"))
	}
	if r.TechnicalOpinion != "" {
		out = append(out, Fixed("parecer_tecnico", "Parecer Técnico"))
	}
	if r.SignedByOrdenadorID != nil {
		out = append(out, Fixed("autorizacao_ordenador", "Autorização do Ordenador"))
	}
	if r.Status.AtLeast(StatusPaid) && LaneBComplete(docs) {
		out = append(out, Fixed("comprovante_pagamento", "Comprovante de Pagamento"))
	}
	return out
}

// BuildDossier projects the fixed slots and the stored documents of a request.
func BuildDossier(r Request, docs []DossierDocument) Dossier {
	d := Dossier{
		RequestID:     r.ID,
		Entries:       FixedEntries(r, docs),
		LaneA:         laneItems(LaneASlots, docs),
		LaneB:         laneItems(LaneBSlots, docs),
		LaneAComplete: LaneAComplete(docs),
		LaneBComplete: LaneBComplete(docs),
	}
	for _, doc := range docs {
		if doc.Active() {
			d.Entries = append(d.Entries, Stored(doc))
		}
	}
	return d
}

package domain

import (
	"github.com/shopspring/decimal"
)

type RequestType string

const (
	TypeOrdinarySupply RequestType = "ordinary_supply"
	TypeExtraEmergency RequestType = "extra_emergency"
	TypeExtraJury      RequestType = "extra_jury"
	TypePerDiem        RequestType = "per_diem"
	TypeReimbursement  RequestType = "reimbursement"
)

func (t RequestType) Valid() bool {
	switch t {
	case TypeOrdinarySupply, TypeExtraEmergency, TypeExtraJury, TypePerDiem, TypeReimbursement:
		return true
	}
	return false
}

// Item is one budget line of a request.
type Item struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
}

type Request struct {
	ID                  string          `json:"id"`
	NUP                 string          `json:"nup,omitempty"`
	Type                RequestType     `json:"type"`
	Status              Status          `json:"status"`
	OriginModule        string          `json:"origin_module"`
	AssignedModule      string          `json:"assigned_module"`
	AssignedToID        *string         `json:"assigned_to_id,omitempty"`
	AssignedToName      *string         `json:"assigned_to_name,omitempty"`
	RequesterID         string          `json:"requester_id"`
	Justification       string          `json:"justification"`
	TechnicalOpinion    string          `json:"technical_opinion,omitempty"`
	TotalValue          decimal.Decimal `json:"total_value"`
	Items               []Item          `json:"items"`
	SignedByManagerID   *string         `json:"signed_by_manager_id,omitempty"`
	SignedByManagerAt   *string         `json:"signed_by_manager_at,omitempty"`
	SignedByOrdenadorID *string         `json:"signed_by_ordenador_id,omitempty"`
	SignedByOrdenadorAt *string         `json:"signed_by_ordenador_at,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           string          `json:"created_at"`
	UpdatedAt           string          `json:"updated_at"`
}

// Recompute derives TotalValue from the items. Every write path calls it.
func (r *Request) Recompute() {
	r.TotalValue = SumItems(r.Items)
}

// StageIndex is the progress position of the request, derived from its status.
func (r Request) StageIndex() int {
	return StageIndex(r.Status)
}

func SumItems(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Value)
	}
	return total
}

type HistoryEntry struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	ActorID     string         `json:"actor_id"`
	Action      Action         `json:"action"`
	Timestamp   string         `json:"timestamp"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type SignatureFact struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	DocumentID string    `json:"document_id,omitempty"`
	Slot       string    `json:"slot"`
	SignerID   string    `json:"signer_id"`
	Timestamp  string    `json:"timestamp"`
	Location   *GeoPoint `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Digest     string    `json:"digest"`
}

const (
	SlotManager   = "manager"
	SlotOrdenador = "ordenador"
)

// DocumentSlot is the signature slot of a dossier document.
func DocumentSlot(docID string) string {
	return "doc:" + docID
}

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Module    string `json:"module,omitempty"`
	Roles     []Role `json:"roles"`
	CreatedAt string `json:"created_at"`
}

// Notification is addressed to the role group of a module.
type Notification struct {
	ID           int64          `json:"id"`
	RequestID    string         `json:"request_id"`
	NUP          string         `json:"nup,omitempty"`
	Kind         string         `json:"kind"`
	TargetModule string         `json:"target_module"`
	RoleGroup    string         `json:"role_group,omitempty"`
	ActorID      string         `json:"actor_id"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

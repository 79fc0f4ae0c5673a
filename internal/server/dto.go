package server

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tramita/internal/domain"
	"tramita/internal/engine"
)

// Request payloads

// ItemRequest carries money as a decimal string so no precision is lost in transit.
type ItemRequest struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Value       string `json:"value" pattern:"^-?[0-9]+(\\.[0-9]+)?$" example:"1200.00"`
}

type CreateRequestRequest struct {
	ID            string        `json:"id,omitempty"`
	Type          string        `json:"type" enum:"ordinary_supply,extra_emergency,extra_jury,per_diem,reimbursement"`
	Module        string        `json:"module,omitempty"`
	Justification string        `json:"justification,omitempty"`
	Items         []ItemRequest `json:"items,omitempty"`
}

type UpdateDraftRequest struct {
	ExpectedVersion int64         `json:"expected_version,omitempty"`
	Type            *string       `json:"type,omitempty" enum:"ordinary_supply,extra_emergency,extra_jury,per_diem,reimbursement"`
	Justification   *string       `json:"justification,omitempty"`
	Items           []ItemRequest `json:"items,omitempty"`
}

type VersionRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type TransitionRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	To              string `json:"to"`
	Opinion         string `json:"opinion,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type DecideRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	Decision        string `json:"decision" enum:"execution,adjustment,rejected,legal_opinion"`
	Opinion         string `json:"opinion,omitempty"`
}

type AssignRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	AssigneeID      string `json:"assignee_id"`
	AssigneeName    string `json:"assignee_name,omitempty"`
}

type RouteRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	TargetModule    string `json:"target_module"`
	Notes           string `json:"notes,omitempty"`
}

type LocationRequest struct {
	Latitude  float64 `json:"latitude" minimum:"-90" maximum:"90"`
	Longitude float64 `json:"longitude" minimum:"-180" maximum:"180"`
}

func (l *LocationRequest) point() *domain.GeoPoint {
	if l == nil {
		return nil
	}
	return &domain.GeoPoint{Latitude: l.Latitude, Longitude: l.Longitude}
}

type SignRequest struct {
	ExpectedVersion int64            `json:"expected_version,omitempty"`
	Credential      string           `json:"credential"`
	Notes           string           `json:"notes,omitempty"`
	Location        *LocationRequest `json:"location,omitempty"`
}

type BatchSignRequest struct {
	RequestIDs []string         `json:"request_ids" minItems:"1"`
	Credential string           `json:"credential"`
	Notes      string           `json:"notes,omitempty"`
	Location   *LocationRequest `json:"location,omitempty"`
}

type GenerateDocumentRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	Slot            string `json:"slot,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Title           string `json:"title,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type TramitarDocumentRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	TargetModule    string `json:"target_module"`
	Notes           string `json:"notes,omitempty"`
}

type TokenRequest struct {
	ActorID    string `json:"actor_id"`
	Credential string `json:"credential"`
}

// Response payloads

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type ListRequestsResponse struct {
	Items      []domain.Request `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type ModuleResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	RoleGroup   string `json:"role_group"`
}

type MeResponse struct {
	ActorID string        `json:"actor_id"`
	Name    string        `json:"name,omitempty"`
	Module  string        `json:"module,omitempty"`
	Roles   []domain.Role `json:"roles"`
	Source  string        `json:"source"`
}

type TransitionsResponse struct {
	Status domain.Status `json:"status"`
	Edges  []engine.Edge `json:"edges"`
}

func parseItems(in []ItemRequest) ([]domain.Item, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]domain.Item, 0, len(in))
	for i, it := range in {
		v, err := decimal.NewFromString(it.Value)
		if err != nil {
			return nil, engine.ValidationError{Field: fmt.Sprintf("items[%d].value", i), Reason: "not a decimal number"}
		}
		out = append(out, domain.Item{Code: it.Code, Description: it.Description, Value: v})
	}
	return out, nil
}

func nonNilRequests(items []domain.Request) []domain.Request {
	if items == nil {
		return []domain.Request{}
	}
	return items
}

package server

import (
	"strconv"

	"intakeline/internal/domain"
	"intakeline/internal/repo"
)

// Request payloads

type CreateEntityRequest struct {
	ID     string              `json:"id,omitempty"`
	Fields domain.EntityRecord `json:"fields,omitempty"`
}

type SaveFormRequest struct {
	Fields  domain.EntityRecord `json:"fields"`
	Partial bool                `json:"partial,omitempty"`
}

// Response payloads

type EntityResponse struct {
	ID        string              `json:"id"`
	Fields    domain.EntityRecord `json:"fields"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

type FormResponse struct {
	EntityID  string              `json:"entity_id"`
	FormKind  string              `json:"form_kind"`
	Fields    domain.EntityRecord `json:"fields"`
	Partial   bool                `json:"partial"`
	Revision  int                 `json:"revision"`
	UpdatedAt string              `json:"updated_at"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	FormKind string         `json:"form_kind,omitempty"`
	Payload  map[string]any `json:"payload"`
}

func entityResponse(e repo.Entity) EntityResponse {
	return EntityResponse{ID: e.ID, Fields: e.Fields, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
}

func formResponse(f repo.Form) FormResponse {
	fields := f.Fields
	if fields == nil {
		fields = domain.EntityRecord{}
	}
	// Server-stamped bookkeeping travels in the echoed fields so thin
	// clients see their write land without parsing the envelope.
	out := fields.Clone()
	out["revision"] = strconv.Itoa(f.Revision)
	out["saved_at"] = f.UpdatedAt
	return FormResponse{
		EntityID:  f.EntityID,
		FormKind:  f.FormKind,
		Fields:    out,
		Partial:   f.Partial,
		Revision:  f.Revision,
		UpdatedAt: f.UpdatedAt,
	}
}

// Package server exposes the reference intake backend over HTTP. The client
// in internal/remote speaks this API in live mode.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"entity C-9999 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the intake API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Intakeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEntities(group, cfg)
	registerForms(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "conflict") || strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEntities(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		id := input.Body.ID
		if id == "" {
			id = "C-" + uuid.NewString()[:8]
		}
		now := repo.Timestamp(cfg.Now())
		e := repo.Entity{ID: id, Fields: input.Body.Fields, CreatedAt: now, UpdatedAt: now}
		if e.Fields == nil {
			e.Fields = domain.EntityRecord{}
		}
		if err := cfg.Repo.InsertEntity(ctx, e); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities",
		Summary:     "List entities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []EntityResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListEntities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EntityResponse, 0, len(items))
		for _, e := range items {
			res = append(res, entityResponse(e))
		}
		return &struct {
			Body []EntityResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		e, err := cfg.Repo.GetEntity(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})
}

func registerForms(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/forms/{form_kind}",
		Summary:     "Get stored form draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		FormKind string `path:"form_kind"`
	}) (*struct {
		Body FormResponse `json:"body"`
	}, error) {
		f, err := cfg.Repo.GetForm(ctx, input.EntityID, input.FormKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormResponse `json:"body"`
		}{Body: formResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-form",
		Method:      http.MethodPost,
		Path:        "/entities/{entity_id}/forms/{form_kind}",
		Summary:     "Save form draft",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string          `path:"entity_id"`
		FormKind string          `path:"form_kind"`
		Body     SaveFormRequest `json:"body"`
	}) (*struct {
		Body FormResponse `json:"body"`
	}, error) {
		if len(input.Body.Fields) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "fields are required", nil)
		}
		now := repo.Timestamp(cfg.Now())

		tx, err := cfg.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()

		// Unknown entities get a row on first save so a draft saved while
		// offline-created still lands somewhere. The insert rides the same
		// tx as the form upsert and the event.
		if _, err := cfg.Repo.GetEntity(ctx, input.EntityID); errors.Is(err, repo.ErrNotFound) {
			if err := cfg.Repo.InsertEntityTx(ctx, tx, repo.Entity{
				ID:        input.EntityID,
				Fields:    domain.EntityRecord{},
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return nil, handleError(err)
			}
		} else if err != nil {
			return nil, handleError(err)
		}

		f, err := cfg.Repo.UpsertForm(ctx, tx, input.EntityID, input.FormKind, input.Body.Fields, input.Body.Partial, now)
		if err != nil {
			return nil, handleError(err)
		}
		evtType := "form.saved"
		if input.Body.Partial {
			evtType = "form.autosaved"
		}
		if err := cfg.Events.Append(ctx, tx, evtType, input.EntityID, input.FormKind, events.EventPayload{
			"revision": f.Revision,
			"fields":   len(f.Fields),
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormResponse `json:"body"`
		}{Body: formResponse(f)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List save events",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListEvents(ctx, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, EventResponse{
				ID:       ev.ID,
				TS:       ev.TS,
				Type:     ev.Type,
				EntityID: ev.EntityID,
				FormKind: ev.FormKind,
				Payload:  ev.Payload,
			})
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

// Package remote defines the backend contract the sync engine talks to and
// its two implementations: a live HTTP client and a deterministic mock.
// Which one runs is decided once at construction, not per call.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"intakeline/internal/config"
	"intakeline/internal/domain"
)

// Sentinel errors classifying remote failures. NotFound is a valid terminal
// state, not a fault.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("backend unavailable")
	ErrConflict    = errors.New("save conflict")
)

// Backend is the collaborator contract for entity and form persistence.
type Backend interface {
	// FetchEntity returns the full record for an entity, or ErrNotFound.
	FetchEntity(ctx context.Context, id string) (domain.EntityRecord, error)
	// FetchForm returns a prior form draft for the entity, or ErrNotFound
	// when no draft was ever saved.
	FetchForm(ctx context.Context, id, formKind string) (domain.EntityRecord, error)
	// SaveForm persists the fields and returns the canonical saved record.
	// Partial saves bypass server-side completeness checks.
	SaveForm(ctx context.Context, id, formKind string, fields map[string]string, partial bool) (domain.EntityRecord, error)
}

// APIError wraps non-2xx responses from the live backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Classify maps a remote error onto the failure taxonomy. Timeouts and
// transport errors are indistinguishable from an unavailable network.
func Classify(err error) domain.FailureReason {
	switch {
	case err == nil:
		return domain.ReasonNone
	case errors.Is(err, ErrNotFound):
		return domain.ReasonNotFound
	case errors.Is(err, ErrConflict):
		return domain.ReasonConflictOnSave
	default:
		return domain.ReasonNetworkUnavailable
	}
}

// classifyTransport converts transport-level failures into sentinels so the
// rest of the stack only sees the taxonomy.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Body)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrConflict, apiErr.Body)
		}
		return err
	}
	// Timeouts, refused connections, DNS failures: all read as an
	// unreachable backend to callers.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Select builds the backend for the configured mode. In live mode with
// fallback allowed, a one-time degradation to canned data wraps the client.
func Select(cfg *config.Config) Backend {
	if cfg.Mode == config.ModeMock {
		return NewMock()
	}
	client := NewClient(cfg.BaseURL)
	client.Timeout = cfg.RemoteTimeout.D()
	if cfg.AllowFallback {
		return NewFallback(client)
	}
	return client
}

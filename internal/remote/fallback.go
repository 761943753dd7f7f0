package remote

import (
	"context"
	"errors"
	"sync"

	"intakeline/internal/domain"
)

// Fallback wraps a live backend and degrades to canned data after the first
// genuine network failure. The switch is one-way for the rest of the
// session; UsingFallback lets callers disclose the degraded mode. NotFound
// responses pass through untouched since they are valid answers.
type Fallback struct {
	live Backend

	mu     sync.Mutex
	mock   *Mock
	active bool
}

// NewFallback wraps a live backend.
func NewFallback(live Backend) *Fallback {
	return &Fallback{live: live}
}

// UsingFallback reports whether the one-time switch has tripped.
func (f *Fallback) UsingFallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fallback) backend() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return f.mock
	}
	return f.live
}

func (f *Fallback) trip() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		f.active = true
		f.mock = NewMock()
	}
	return f.mock
}

// FetchEntity implements Backend.
func (f *Fallback) FetchEntity(ctx context.Context, id string) (domain.EntityRecord, error) {
	rec, err := f.backend().FetchEntity(ctx, id)
	if errors.Is(err, ErrUnavailable) {
		m := f.trip()
		rec, err = m.FetchEntity(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Unknown to the canned set as well; synthesize a shell so
			// the form still renders.
			return Synthesize(id), nil
		}
	}
	return rec, err
}

// FetchForm implements Backend.
func (f *Fallback) FetchForm(ctx context.Context, id, formKind string) (domain.EntityRecord, error) {
	rec, err := f.backend().FetchForm(ctx, id, formKind)
	if errors.Is(err, ErrUnavailable) {
		return f.trip().FetchForm(ctx, id, formKind)
	}
	return rec, err
}

// SaveForm implements Backend.
func (f *Fallback) SaveForm(ctx context.Context, id, formKind string, fields map[string]string, partial bool) (domain.EntityRecord, error) {
	rec, err := f.backend().SaveForm(ctx, id, formKind, fields, partial)
	if errors.Is(err, ErrUnavailable) {
		return f.trip().SaveForm(ctx, id, formKind, fields, partial)
	}
	return rec, err
}

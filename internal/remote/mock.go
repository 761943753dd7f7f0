package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intakeline/internal/domain"
)

// Mock serves deterministic canned data with a small artificial latency so
// the whole stack can run without a backend. Saves mutate the canned store
// in memory, so a save-then-load round trip behaves like the live backend.
type Mock struct {
	Latency time.Duration

	mu       sync.Mutex
	entities map[string]domain.EntityRecord
	forms    map[string]domain.EntityRecord
	saves    int
}

// NewMock returns a mock pre-seeded with demo entities.
func NewMock() *Mock {
	m := &Mock{
		Latency:  20 * time.Millisecond,
		entities: map[string]domain.EntityRecord{},
		forms:    map[string]domain.EntityRecord{},
	}
	for id, rec := range CannedEntities() {
		m.entities[id] = rec.Clone()
	}
	return m
}

// CannedEntities is the demo dataset shared by the mock backend and the
// seed command.
func CannedEntities() map[string]domain.EntityRecord {
	return map[string]domain.EntityRecord{
		"C-1001": {
			"first_name": "Maria",
			"last_name":  "Alvarez",
			"dob":        "1987-04-12",
			"phone":      "555-0142",
		},
		"C-1002": {
			"first_name": "Devon",
			"last_name":  "Price",
			"dob":        "1992-11-03",
			"phone":      "555-0178",
		},
		"C-1003": {
			"first_name": "Ruth",
			"last_name":  "Okafor",
			"dob":        "1975-06-29",
			"phone":      "555-0111",
		},
	}
}

// Synthesize fabricates a placeholder record for an unknown id; used by the
// fallback path so a network outage degrades to an editable shell instead of
// a blank screen.
func Synthesize(id string) domain.EntityRecord {
	return domain.EntityRecord{
		"first_name": "Unknown",
		"last_name":  fmt.Sprintf("(%s)", id),
	}
}

// FetchEntity implements Backend.
func (m *Mock) FetchEntity(ctx context.Context, id string) (domain.EntityRecord, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// FetchForm implements Backend.
func (m *Mock) FetchForm(ctx context.Context, id, formKind string) (domain.EntityRecord, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.forms[id+"/"+formKind]
	if !ok {
		return nil, fmt.Errorf("%w: no draft for %s/%s", ErrNotFound, id, formKind)
	}
	return rec.Clone(), nil
}

// SaveForm implements Backend. The echoed record carries server-stamped
// bookkeeping fields like the live backend does.
func (m *Mock) SaveForm(ctx context.Context, id, formKind string, fields map[string]string, partial bool) (domain.EntityRecord, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	rec := domain.EntityRecord{}
	for k, v := range fields {
		rec[k] = v
	}
	rec["revision"] = fmt.Sprintf("%d", m.saves)
	rec["saved_at"] = time.Now().UTC().Format(time.RFC3339)
	m.forms[id+"/"+formKind] = rec
	if _, ok := m.entities[id]; !ok {
		m.entities[id] = Synthesize(id)
	}
	return rec.Clone(), nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

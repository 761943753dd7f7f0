// Package draft holds the per (entity, form) working copies a user edits.
// Drafts are the optimistic view of a form; the confirmed view lives in the
// cache as an EntityRecord and the two are never merged into one structure.
package draft

import (
	"sync"
	"time"

	"intakeline/internal/domain"
)

type key struct {
	entityID string
	formKind string
}

// Store is a process-wide draft registry partitioned by entity id.
// Only the sync engine writes to it; everything else reads.
type Store struct {
	Now func() time.Time

	mu     sync.Mutex
	drafts map[key]*domain.Draft
}

// NewStore returns an empty draft store.
func NewStore() *Store {
	return &Store{Now: time.Now, drafts: map[key]*domain.Draft{}}
}

// Load seeds the draft from a record, but only if the draft is clean or does
// not exist yet. A fetch completing while the user is typing must never
// clobber unsaved input; in that case the dirty draft is returned unchanged.
func (s *Store) Load(entityID, formKind string, seed domain.EntityRecord) domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[key{entityID, formKind}]
	if ok && d.Dirty {
		return cloneDraft(*d)
	}
	fields := make(map[string]string, len(seed))
	for k, v := range seed {
		fields[k] = v
	}
	nd := &domain.Draft{
		EntityID: entityID,
		FormKind: formKind,
		Fields:   fields,
		Visited:  map[string]bool{},
	}
	if ok {
		nd.Visited = d.Visited
	}
	s.drafts[key{entityID, formKind}] = nd
	return cloneDraft(*nd)
}

// Update applies a shallow patch, marks the draft dirty, and returns the new
// draft synchronously so validation and autosave scheduling can react.
// A draft is created empty on first access.
func (s *Store) Update(entityID, formKind string, patch map[string]string) domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ensureLocked(entityID, formKind)
	for k, v := range patch {
		d.Fields[k] = v
	}
	d.Dirty = true
	d.Mutations++
	return cloneDraft(*d)
}

// Visit records that the user reviewed a named sub-section.
func (s *Store) Visit(entityID, formKind, section string) domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ensureLocked(entityID, formKind)
	if !d.Visited[section] {
		d.Visited[section] = true
		d.Dirty = true
		d.Mutations++
	}
	return cloneDraft(*d)
}

// Put installs a draft wholesale, replacing whatever is stored for its pair.
// Used to rehydrate from persisted session state; normal edits go through
// Load and Update.
func (s *Store) Put(d domain.Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nd := cloneDraft(d)
	s.drafts[key{d.EntityID, d.FormKind}] = &nd
}

// Read returns the current draft, creating an empty one on first access.
func (s *Store) Read(entityID, formKind string) domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDraft(*s.ensureLocked(entityID, formKind))
}

// Exists reports whether a draft has been created for the pair.
func (s *Store) Exists(entityID, formKind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.drafts[key{entityID, formKind}]
	return ok
}

// MarkClean clears the dirty flag and stamps the sync time. Called by the
// sync engine after a confirmed successful save, never speculatively.
func (s *Store) MarkClean(entityID, formKind string) domain.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.ensureLocked(entityID, formKind)
	d.Dirty = false
	d.Mutations = 0
	now := s.now()
	d.LastSyncedAt = &now
	return cloneDraft(*d)
}

// Reset discards the draft for one (entity, form) pair.
func (s *Store) Reset(entityID, formKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, key{entityID, formKind})
}

// ResetEntity discards every draft belonging to an entity; used when the
// active entity switches.
func (s *Store) ResetEntity(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.drafts {
		if k.entityID == entityID {
			delete(s.drafts, k)
		}
	}
}

func (s *Store) ensureLocked(entityID, formKind string) *domain.Draft {
	d, ok := s.drafts[key{entityID, formKind}]
	if !ok {
		d = &domain.Draft{
			EntityID: entityID,
			FormKind: formKind,
			Fields:   map[string]string{},
			Visited:  map[string]bool{},
		}
		s.drafts[key{entityID, formKind}] = d
	}
	return d
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cloneDraft(d domain.Draft) domain.Draft {
	fields := make(map[string]string, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	visited := make(map[string]bool, len(d.Visited))
	for k, v := range d.Visited {
		visited[k] = v
	}
	d.Fields = fields
	d.Visited = visited
	return d
}

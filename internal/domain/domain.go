package domain

import "time"

// EntityRef identifies the subject entity a form edits. Equality is by ID;
// RecordKnown reports whether a full record has been resolved for it yet.
type EntityRef struct {
	ID          string `json:"id"`
	RecordKnown bool   `json:"record_known"`
}

// EntityRecord is the authoritative last-known-good snapshot of an entity's
// fields. It is replaced wholesale on each successful fetch or save, never
// merged partially.
type EntityRecord map[string]string

// Clone returns an independent copy of the record.
func (r EntityRecord) Clone() EntityRecord {
	if r == nil {
		return nil
	}
	out := make(EntityRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Draft is the locally mutated working copy of one form for one entity.
// It is the optimistic view; EntityRecord is the confirmed view.
type Draft struct {
	EntityID     string            `json:"entity_id"`
	FormKind     string            `json:"form_kind"`
	Fields       map[string]string `json:"fields"`
	Visited      map[string]bool   `json:"visited,omitempty"`
	Dirty        bool              `json:"dirty"`
	Mutations    int               `json:"mutations"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
}

// Field returns the named field or "".
func (d Draft) Field(name string) string {
	if d.Fields == nil {
		return ""
	}
	return d.Fields[name]
}

// VisitedCount returns how many of the given sections the user has visited.
func (d Draft) VisitedCount(sections []string) int {
	n := 0
	for _, s := range sections {
		if d.Visited[s] {
			n++
		}
	}
	return n
}

// CacheEntry is one cached entity record. An entry is valid only while no
// save has occurred since CachedAt and the configured TTL has not elapsed.
type CacheEntry struct {
	EntityID string       `json:"entity_id"`
	Record   EntityRecord `json:"record"`
	CachedAt time.Time    `json:"cached_at"`
	Valid    bool         `json:"valid"`
}

// SyncStatus is the per (entity, form) synchronization state. It drives UI
// affordances but is also authoritative for concurrency control.
type SyncStatus string

const (
	StatusIdle       SyncStatus = "idle"
	StatusLoading    SyncStatus = "loading"
	StatusLoaded     SyncStatus = "loaded"
	StatusSaving     SyncStatus = "saving"
	StatusSaved      SyncStatus = "saved"
	StatusAutoSaving SyncStatus = "autosaving"
	StatusError      SyncStatus = "error"
)

// FailureReason classifies why a sync operation failed.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonNotFound           FailureReason = "not_found"
	ReasonNetworkUnavailable FailureReason = "network_unavailable"
	ReasonConflictOnSave     FailureReason = "conflict_on_save"
	ReasonValidationBlocked  FailureReason = "validation_blocked"
)

// SyncState is the observable state of one (entity, form) pair.
type SyncState struct {
	EntityID      string        `json:"entity_id"`
	FormKind      string        `json:"form_kind"`
	Status        SyncStatus    `json:"status"`
	Reason        FailureReason `json:"reason,omitempty"`
	UsingFallback bool          `json:"using_fallback,omitempty"`
}

// Package engine orchestrates the draft lifecycle for every (entity, form)
// pair: load through the cache, seed the draft, persist edits back to the
// backend, and keep the observable sync status honest while doing it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"intakeline/internal/cache"
	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/draft"
	"intakeline/internal/readiness"
	"intakeline/internal/remote"
	"intakeline/internal/session"
)

// ErrSuperseded marks a remote result that arrived after the active entity
// switched away; the result is discarded, never applied.
var ErrSuperseded = errors.New("operation superseded by entity switch")

// ValidationBlockedError is returned when a submit is attempted while the
// readiness gate is closed. It lists every unmet condition.
type ValidationBlockedError struct {
	Missing []string
}

func (e *ValidationBlockedError) Error() string {
	return "submission blocked: " + strings.Join(e.Missing, "; ")
}

type formKey struct {
	entityID string
	formKind string
}

type formState struct {
	status      domain.SyncStatus
	reason      domain.FailureReason
	fallback    bool
	saving      bool
	savePending bool
	autosave    *scheduler
}

// fallbackReporter is implemented by the remote fallback wrapper.
type fallbackReporter interface {
	UsingFallback() bool
}

// Engine is the sync engine. It is the only writer to the draft store and
// the session cache; all other components read.
type Engine struct {
	Drafts  *draft.Store
	Cache   *cache.Cache
	Session *session.Store
	Backend remote.Backend
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time

	mu     sync.Mutex
	states map[formKey]*formState
	gens   map[string]uint64
	entity string
}

// New wires an engine over the shared stores and the selected backend.
func New(drafts *draft.Store, c *cache.Cache, s *session.Store, b remote.Backend, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Drafts:  drafts,
		Cache:   c,
		Session: s,
		Backend: b,
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
		states:  map[formKey]*formState{},
		gens:    map[string]uint64{},
	}
}

// State returns the observable sync state for one (entity, form) pair.
func (e *Engine) State(entityID, formKind string) domain.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(entityID, formKind)
	return domain.SyncState{
		EntityID:      entityID,
		FormKind:      formKind,
		Status:        st.status,
		Reason:        st.reason,
		UsingFallback: st.fallback,
	}
}

// Readiness evaluates the current draft against the form's rule set.
func (e *Engine) Readiness(entityID, formKind string) readiness.Report {
	rules := readiness.ForForm(e.Config.Form(formKind))
	return rules.Evaluate(e.Drafts.Read(entityID, formKind))
}

// Load brings the form's draft up to date. A valid cache entry populates the
// draft without a network call; otherwise the entity record and any prior
// form draft are fetched and the draft is seeded (without clobbering dirty
// edits). A load that fails with the fallback path closed leaves the draft
// untouched and the status in Error.
func (e *Engine) Load(ctx context.Context, ref domain.EntityRef, formKind string) (domain.Draft, error) {
	if ref.ID == "" {
		return domain.Draft{}, fmt.Errorf("load: entity id required")
	}
	e.mu.Lock()
	st := e.stateLocked(ref.ID, formKind)
	gen := e.gens[ref.ID]
	if entry := e.Cache.Get(ref.ID); entry != nil {
		st.status = domain.StatusLoaded
		st.reason = domain.ReasonNone
		e.mu.Unlock()
		d := e.Drafts.Load(ref.ID, formKind, entry.Record)
		e.persistDraft(d)
		return d, nil
	}
	st.status = domain.StatusLoading
	e.mu.Unlock()

	seed, reason, err := e.fetchSeed(ctx, ref.ID, formKind)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gens[ref.ID] != gen {
		return domain.Draft{}, ErrSuperseded
	}
	if err != nil {
		st.status = domain.StatusError
		st.reason = reason
		return domain.Draft{}, err
	}
	st.status = domain.StatusLoaded
	st.reason = reason
	st.fallback = e.usingFallback()
	e.Cache.Put(ref.ID, seed)
	if perr := e.Session.SetRecord(ref.ID, seed); perr != nil {
		e.Logger.Warn("persist loaded record", "entity_id", ref.ID, "error", perr)
	}
	d := e.Drafts.Load(ref.ID, formKind, seed)
	e.persistDraft(d)
	return d, nil
}

// fetchSeed fetches the entity record and overlays any previously saved form
// draft on top of it. A missing entity or form is a valid answer, not a
// failure; the seed is just emptier.
func (e *Engine) fetchSeed(ctx context.Context, entityID, formKind string) (domain.EntityRecord, domain.FailureReason, error) {
	rctx, cancel := context.WithTimeout(ctx, e.Config.RemoteTimeout.D())
	defer cancel()

	seed := domain.EntityRecord{}
	reason := domain.ReasonNone
	rec, err := e.Backend.FetchEntity(rctx, entityID)
	switch {
	case err == nil:
		seed = rec.Clone()
	case errors.Is(err, remote.ErrNotFound):
		reason = domain.ReasonNotFound
	default:
		return nil, remote.Classify(err), err
	}

	form, err := e.Backend.FetchForm(rctx, entityID, formKind)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return nil, remote.Classify(err), err
	}
	for k, v := range form {
		seed[k] = v
	}
	return seed, reason, nil
}

// Update applies a user edit to the draft, recomputes nothing itself (the
// evaluator is pure; call Readiness when needed) and schedules autosave.
func (e *Engine) Update(entityID, formKind string, patch map[string]string) domain.Draft {
	d := e.Drafts.Update(entityID, formKind, patch)
	e.afterMutation(entityID, formKind, d)
	return d
}

// Visit records a reviewed sub-section and schedules autosave like any
// other mutation.
func (e *Engine) Visit(entityID, formKind, section string) domain.Draft {
	d := e.Drafts.Visit(entityID, formKind, section)
	e.afterMutation(entityID, formKind, d)
	return d
}

func (e *Engine) afterMutation(entityID, formKind string, d domain.Draft) {
	e.persistDraft(d)
	e.mu.Lock()
	st := e.stateLocked(entityID, formKind)
	if st.status == domain.StatusIdle || st.status == domain.StatusSaved {
		st.status = domain.StatusLoaded
	}
	if st.autosave == nil && e.Config.Autosave.Interval > 0 {
		st.autosave = newScheduler(e.Config.Autosave.Interval.D(), func() {
			e.Autosave(context.Background(), entityID, formKind)
		})
	}
	sched := st.autosave
	everyN := e.Config.Autosave.EveryN
	e.mu.Unlock()

	if sched != nil {
		sched.Touch()
	}
	if everyN > 0 && d.Mutations > 0 && d.Mutations%everyN == 0 {
		go e.Autosave(context.Background(), entityID, formKind)
	}
}

// Save submits the draft as a final version. The readiness gate must be
// open. Exactly one save is in flight per pair; a save requested while one
// runs is coalesced into a single follow-up using the latest draft.
func (e *Engine) Save(ctx context.Context, entityID, formKind string) (domain.Draft, error) {
	rep := e.Readiness(entityID, formKind)
	if !rep.Submittable {
		e.mu.Lock()
		st := e.stateLocked(entityID, formKind)
		st.reason = domain.ReasonValidationBlocked
		e.mu.Unlock()
		return e.Drafts.Read(entityID, formKind), &ValidationBlockedError{Missing: rep.Missing}
	}

	e.mu.Lock()
	st := e.stateLocked(entityID, formKind)
	if st.saving {
		st.savePending = true
		d := e.Drafts.Read(entityID, formKind)
		e.mu.Unlock()
		return d, nil
	}
	st.saving = true
	st.status = domain.StatusSaving
	st.reason = domain.ReasonNone
	gen := e.gens[entityID]
	e.mu.Unlock()

	return e.saveLoop(ctx, entityID, formKind, gen, false)
}

// Autosave performs a best-effort partial save of whatever fields are set,
// bypassing the submit gate. Failure is surfaced through the state, never
// through draft dirtiness: the draft stays dirty until a full save lands,
// so nothing is lost when autosave fails silently in the background.
func (e *Engine) Autosave(ctx context.Context, entityID, formKind string) {
	d := e.Drafts.Read(entityID, formKind)
	if !d.Dirty {
		return
	}
	e.mu.Lock()
	st := e.stateLocked(entityID, formKind)
	if st.saving {
		// A real save is already running; it will carry the edits.
		e.mu.Unlock()
		return
	}
	st.saving = true
	st.status = domain.StatusAutoSaving
	gen := e.gens[entityID]
	e.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, e.Config.RemoteTimeout.D())
	_, err := e.Backend.SaveForm(rctx, entityID, formKind, d.Fields, true)
	cancel()

	e.mu.Lock()
	st.saving = false
	if e.gens[entityID] != gen {
		st.savePending = false
		e.mu.Unlock()
		return
	}
	if err != nil {
		st.status = domain.StatusLoaded
		st.reason = remote.Classify(err)
		e.Logger.Warn("autosave failed", "entity_id", entityID, "form_kind", formKind, "error", err)
	} else {
		st.status = domain.StatusLoaded
		st.reason = domain.ReasonNone
		st.fallback = e.usingFallback()
	}
	if !st.savePending {
		e.mu.Unlock()
		return
	}
	// A submit queued behind this autosave; run the full save now.
	st.savePending = false
	st.saving = true
	st.status = domain.StatusSaving
	st.reason = domain.ReasonNone
	e.mu.Unlock()
	if _, serr := e.saveLoop(ctx, entityID, formKind, gen, false); serr != nil {
		e.Logger.Warn("queued save failed", "entity_id", entityID, "form_kind", formKind, "error", serr)
	}
}

func (e *Engine) saveLoop(ctx context.Context, entityID, formKind string, gen uint64, partial bool) (domain.Draft, error) {
	for {
		d := e.Drafts.Read(entityID, formKind)
		rctx, cancel := context.WithTimeout(ctx, e.Config.RemoteTimeout.D())
		canonical, err := e.Backend.SaveForm(rctx, entityID, formKind, d.Fields, partial)
		cancel()

		e.mu.Lock()
		st := e.stateLocked(entityID, formKind)
		if e.gens[entityID] != gen {
			st.saving = false
			st.savePending = false
			e.mu.Unlock()
			return domain.Draft{}, ErrSuperseded
		}
		if err != nil {
			st.saving = false
			st.savePending = false
			st.status = domain.StatusError
			st.reason = remote.Classify(err)
			e.mu.Unlock()
			return e.Drafts.Read(entityID, formKind), err
		}

		// The server's echo is authoritative: invalidate then repopulate
		// the cache with the canonical record and persist it.
		e.Cache.Invalidate(entityID)
		e.Cache.Put(entityID, canonical)
		if perr := e.Session.SetRecord(entityID, canonical); perr != nil {
			e.Logger.Warn("persist canonical record", "entity_id", entityID, "error", perr)
		}
		e.persistDraft(e.Drafts.MarkClean(entityID, formKind))
		st.status = domain.StatusSaved
		st.reason = domain.ReasonNone
		st.fallback = e.usingFallback()

		if st.savePending {
			// Coalesced follow-up: rerun once with the latest draft.
			st.savePending = false
			e.mu.Unlock()
			continue
		}
		st.saving = false
		e.mu.Unlock()
		return e.Drafts.Read(entityID, formKind), nil
	}
}

// Discard throws away the draft for one pair and resets its sync state.
func (e *Engine) Discard(entityID, formKind string) {
	e.mu.Lock()
	st := e.stateLocked(entityID, formKind)
	if st.autosave != nil {
		st.autosave.Stop()
	}
	delete(e.states, formKey{entityID, formKind})
	e.mu.Unlock()
	e.Drafts.Reset(entityID, formKind)
	if err := e.Session.DeleteDraft(entityID, formKind); err != nil {
		e.Logger.Warn("drop persisted draft", "entity_id", entityID, "form_kind", formKind, "error", err)
	}
}

// AdoptEntity marks id as the already-active entity without any cleanup.
// Called at process start when the ambient entity comes from session state,
// so a later SwitchEntity knows what it is switching away from.
func (e *Engine) AdoptEntity(id string) {
	e.mu.Lock()
	e.entity = id
	e.mu.Unlock()
}

// SwitchEntity makes a different entity active. Interest in any in-flight
// load or save for the previous entity is cancelled: late results are
// discarded rather than applied to an abandoned draft. The previous
// entity's drafts and cache entry are dropped.
func (e *Engine) SwitchEntity(entityID string) {
	e.mu.Lock()
	prev := e.entity
	e.entity = entityID
	if prev == "" || prev == entityID {
		e.mu.Unlock()
		if err := e.Session.SetCurrentEntity(entityID); err != nil {
			e.Logger.Warn("persist ambient entity", "entity_id", entityID, "error", err)
		}
		return
	}
	e.gens[prev]++
	for k, st := range e.states {
		if k.entityID == prev {
			if st.autosave != nil {
				st.autosave.Stop()
			}
			delete(e.states, k)
		}
	}
	e.mu.Unlock()

	e.Drafts.ResetEntity(prev)
	e.Cache.Invalidate(prev)
	if err := e.Session.DeleteEntityDrafts(prev); err != nil {
		e.Logger.Warn("drop persisted drafts", "entity_id", prev, "error", err)
	}
	if err := e.Session.SetCurrentEntity(entityID); err != nil {
		e.Logger.Warn("persist ambient entity", "entity_id", entityID, "error", err)
	}
	e.Logger.Info("active entity switched", "from", prev, "to", entityID)
}

// Close stops all autosave timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		if st.autosave != nil {
			st.autosave.Stop()
		}
	}
}

// persistDraft writes the draft through to the session store so a one-shot
// process picks up where the last one left off.
func (e *Engine) persistDraft(d domain.Draft) {
	if err := e.Session.SetDraft(d); err != nil {
		e.Logger.Warn("persist draft", "entity_id", d.EntityID, "form_kind", d.FormKind, "error", err)
	}
}

func (e *Engine) stateLocked(entityID, formKind string) *formState {
	k := formKey{entityID, formKind}
	st, ok := e.states[k]
	if !ok {
		st = &formState{status: domain.StatusIdle}
		e.states[k] = st
	}
	return st
}

func (e *Engine) usingFallback() bool {
	if fr, ok := e.Backend.(fallbackReporter); ok {
		return fr.UsingFallback()
	}
	return false
}

// Package resolve determines the active entity from competing identity
// sources: an explicit reference wins, then the ambient session entity,
// otherwise resolution is pending and nothing may be loaded.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"intakeline/internal/cache"
	"intakeline/internal/domain"
	"intakeline/internal/remote"
	"intakeline/internal/session"
)

// ErrPending means no identity source produced an id.
var ErrPending = errors.New("entity resolution pending")

// Resolver resolves entity identity and, when only an id is known, fetches
// the record and publishes it to the cache and ambient session state so
// later resolutions short-circuit.
type Resolver struct {
	Cache   *cache.Cache
	Session *session.Store
	Backend remote.Backend
	Logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*fetch
}

type fetch struct {
	done chan struct{}
	rec  domain.EntityRecord
	err  error
}

// New builds a resolver over the shared cache, session store and backend.
func New(c *cache.Cache, s *session.Store, b remote.Backend, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Cache:    c,
		Session:  s,
		Backend:  b,
		Logger:   logger,
		inflight: map[string]*fetch{},
	}
}

// Resolve picks the active entity id. The explicit id wins unconditionally;
// the ambient id is the fallback; with neither it returns ErrPending.
//
// When the chosen id has no record in cache or session state the record is
// fetched remotely (deduplicated across concurrent calls) and published on
// success. A failed fetch still resolves: the ref comes back with
// RecordKnown=false so callers can show a loading state instead of an error.
func (r *Resolver) Resolve(ctx context.Context, explicitID, ambientID string) (domain.EntityRef, error) {
	id := explicitID
	if id == "" {
		id = ambientID
	}
	if id == "" {
		return domain.EntityRef{}, ErrPending
	}

	if r.Cache.IsValid(id) {
		r.publishAmbient(id)
		return domain.EntityRef{ID: id, RecordKnown: true}, nil
	}
	if rec, err := r.Session.Record(id); err == nil && rec != nil {
		r.Cache.Put(id, rec)
		r.publishAmbient(id)
		return domain.EntityRef{ID: id, RecordKnown: true}, nil
	}

	rec, err := r.fetchOnce(ctx, id)
	if err != nil {
		r.Logger.Warn("entity fetch failed; resolving without record",
			"entity_id", id, "error", err)
		return domain.EntityRef{ID: id, RecordKnown: false}, nil
	}
	r.Cache.Put(id, rec)
	if err := r.Session.SetRecord(id, rec); err != nil {
		r.Logger.Warn("persist resolved record", "entity_id", id, "error", err)
	}
	r.publishAmbient(id)
	return domain.EntityRef{ID: id, RecordKnown: true}, nil
}

// fetchOnce deduplicates concurrent fetches for the same id into a single
// backend call; later callers wait on the first result.
func (r *Resolver) fetchOnce(ctx context.Context, id string) (domain.EntityRecord, error) {
	r.mu.Lock()
	f, running := r.inflight[id]
	if !running {
		f = &fetch{done: make(chan struct{})}
		r.inflight[id] = f
	}
	r.mu.Unlock()

	if running {
		select {
		case <-f.done:
			return f.rec, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.rec, f.err = r.Backend.FetchEntity(ctx, id)
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
	close(f.done)
	return f.rec, f.err
}

func (r *Resolver) publishAmbient(id string) {
	if err := r.Session.SetCurrentEntity(id); err != nil {
		r.Logger.Warn("persist ambient entity", "entity_id", id, "error", err)
	}
}

// Package app wires the shared stores, backend and engine for one process.
package app

import (
	"fmt"
	"log/slog"

	"intakeline/internal/cache"
	"intakeline/internal/config"
	"intakeline/internal/draft"
	"intakeline/internal/engine"
	"intakeline/internal/remote"
	"intakeline/internal/resolve"
	"intakeline/internal/session"
)

// Env bundles everything a command needs. Open builds the full stack from
// the session directory; close it when done so the session store flushes.
type Env struct {
	Config   *config.Config
	Session  *session.Store
	Cache    *cache.Cache
	Drafts   *draft.Store
	Backend  remote.Backend
	Engine   *engine.Engine
	Resolver *resolve.Resolver
	Logger   *slog.Logger
}

// Open loads configuration from dir (defaults apply when the file is
// missing), opens the session store, selects the backend per the configured
// mode and wires the engine and resolver on top.
func Open(dir string, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(config.Path(dir))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := session.Open(session.Config{Dir: dir})
	if err != nil {
		return nil, err
	}
	c := cache.New(cfg.CacheTTL.D(), store)
	drafts := draft.NewStore()
	backend := remote.Select(cfg)
	return &Env{
		Config:   cfg,
		Session:  store,
		Cache:    c,
		Drafts:   drafts,
		Backend:  backend,
		Engine:   engine.New(drafts, c, store, backend, cfg, logger),
		Resolver: resolve.New(c, store, backend, logger),
		Logger:   logger,
	}, nil
}

// Rehydrate restores the persisted draft for one pair into the in-memory
// draft store. One-shot commands call this before touching the engine.
func (env *Env) Rehydrate(entityID, formKind string) error {
	d, err := env.Session.Draft(entityID, formKind)
	if err != nil {
		return err
	}
	if d != nil {
		env.Drafts.Put(*d)
	}
	return nil
}

// Close stops autosave timers and closes the session store.
func (env *Env) Close() error {
	env.Engine.Close()
	return env.Session.Close()
}

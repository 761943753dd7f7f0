// Package session is the durable per-session key-value store. It persists
// the ambient "current entity" and last-known records across reloads of the
// process, scoped to one session directory. No cross-session sharing.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"intakeline/internal/domain"
)

const (
	currentEntityKey = "session/current_entity"
	recordPrefix     = "record/"
	cachePrefix      = "cache/"
	draftPrefix      = "draft/"
)

// Config for opening a session store.
type Config struct {
	// Dir is the session directory. A badger database is created under
	// Dir/.intakeline/session. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory; used by tests.
	InMemory bool
}

// Store wraps a badger database with JSON codecs for session state.
type Store struct {
	db *badger.DB
}

// Open opens the session store, creating the directory if needed.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := cfg.Dir
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, ".intakeline", "session")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get unmarshals the value at key into out. Returns false when absent.
func (s *Store) Get(key string, out any) (bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode session value %s: %w", key, err)
	}
	return true, nil
}

// Set stores the JSON encoding of v at key.
func (s *Store) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session value %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// CurrentEntity returns the ambient current entity id, or "".
func (s *Store) CurrentEntity() (string, error) {
	var id string
	if _, err := s.Get(currentEntityKey, &id); err != nil {
		return "", err
	}
	return id, nil
}

// SetCurrentEntity records the ambient current entity id.
func (s *Store) SetCurrentEntity(id string) error {
	return s.Set(currentEntityKey, id)
}

// Record returns the last-known record for an entity, or nil.
func (s *Store) Record(entityID string) (domain.EntityRecord, error) {
	var rec domain.EntityRecord
	ok, err := s.Get(recordPrefix+entityID, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return rec, nil
}

// SetRecord persists the last-known record for an entity.
func (s *Store) SetRecord(entityID string, rec domain.EntityRecord) error {
	return s.Set(recordPrefix+entityID, rec)
}

// CacheEntry returns the persisted cache entry for an entity, or nil.
func (s *Store) CacheEntry(entityID string) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	ok, err := s.Get(cachePrefix+entityID, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// SetCacheEntry persists a cache entry write-through.
func (s *Store) SetCacheEntry(e domain.CacheEntry) error {
	return s.Set(cachePrefix+e.EntityID, e)
}

// DeleteCacheEntry drops the persisted cache entry for an entity.
func (s *Store) DeleteCacheEntry(entityID string) error {
	return s.Delete(cachePrefix + entityID)
}

// Draft returns the persisted draft for a pair, or nil. One-shot processes
// like the CLI rehydrate the in-memory draft store from here.
func (s *Store) Draft(entityID, formKind string) (*domain.Draft, error) {
	var d domain.Draft
	ok, err := s.Get(draftPrefix+entityID+"/"+formKind, &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// SetDraft persists a draft.
func (s *Store) SetDraft(d domain.Draft) error {
	return s.Set(draftPrefix+d.EntityID+"/"+d.FormKind, d)
}

// DeleteDraft drops the persisted draft for a pair.
func (s *Store) DeleteDraft(entityID, formKind string) error {
	return s.Delete(draftPrefix + entityID + "/" + formKind)
}

// DeleteEntityDrafts drops every persisted draft belonging to an entity.
func (s *Store) DeleteEntityDrafts(entityID string) error {
	prefix := []byte(draftPrefix + entityID + "/")
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear wipes all session state.
func (s *Store) Clear() error {
	return s.db.DropAll()
}

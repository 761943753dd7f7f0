// Package repo is the SQLite persistence layer for the reference backend.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Entity is a stored entity row.
type Entity struct {
	ID        string
	Fields    domain.EntityRecord
	CreatedAt string
	UpdatedAt string
}

// Form is a stored form draft row. Revision increments on every save so
// clients can see their write land.
type Form struct {
	EntityID  string
	FormKind  string
	Fields    domain.EntityRecord
	Partial   bool
	Revision  int
	UpdatedAt string
}

func marshalFields(fields domain.EntityRecord) (string, error) {
	if fields == nil {
		fields = domain.EntityRecord{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(data string) (domain.EntityRecord, error) {
	fields := domain.EntityRecord{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}

func (r Repo) InsertEntity(ctx context.Context, e Entity) error {
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO entities(id,fields_json,created_at,updated_at) VALUES (?,?,?,?)`,
		e.ID, fields, e.CreatedAt, e.UpdatedAt)
	return err
}

// InsertEntityTx is InsertEntity inside an existing transaction, for writes
// that must commit or roll back together with other rows.
func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e Entity) error {
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(id,fields_json,created_at,updated_at) VALUES (?,?,?,?)`,
		e.ID, fields, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEntity(ctx context.Context, id string) (Entity, error) {
	var e Entity
	var fields string
	err := r.DB.QueryRowContext(ctx, `SELECT id,fields_json,created_at,updated_at FROM entities WHERE id=?`, id).
		Scan(&e.ID, &fields, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Fields, err = unmarshalFields(fields)
	return e, err
}

func (r Repo) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,fields_json,created_at,updated_at FROM entities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entity
	for rows.Next() {
		var e Entity
		var fields string
		if err := rows.Scan(&e.ID, &fields, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if e.Fields, err = unmarshalFields(fields); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEntityFields(ctx context.Context, id string, fields domain.EntityRecord, updatedAt string) error {
	data, err := marshalFields(fields)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE entities SET fields_json=?, updated_at=? WHERE id=?`, data, updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetForm(ctx context.Context, entityID, formKind string) (Form, error) {
	var f Form
	var fields string
	err := r.DB.QueryRowContext(ctx, `SELECT entity_id,form_kind,fields_json,partial,revision,updated_at FROM forms WHERE entity_id=? AND form_kind=?`, entityID, formKind).
		Scan(&f.EntityID, &f.FormKind, &fields, &f.Partial, &f.Revision, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Fields, err = unmarshalFields(fields)
	return f, err
}

// UpsertForm writes the form draft inside tx and returns the stored row with
// its new revision. A partial save merges into the existing fields; a full
// save replaces them.
func (r Repo) UpsertForm(ctx context.Context, tx *sql.Tx, entityID, formKind string, fields domain.EntityRecord, partial bool, updatedAt string) (Form, error) {
	existing := Form{EntityID: entityID, FormKind: formKind, Fields: domain.EntityRecord{}}
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT fields_json,revision FROM forms WHERE entity_id=? AND form_kind=?`, entityID, formKind).
		Scan(&prev, &existing.Revision)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return Form{}, err
	default:
		if existing.Fields, err = unmarshalFields(prev); err != nil {
			return Form{}, err
		}
	}

	next := domain.EntityRecord{}
	if partial {
		for k, v := range existing.Fields {
			next[k] = v
		}
	}
	for k, v := range fields {
		next[k] = v
	}
	data, err := marshalFields(next)
	if err != nil {
		return Form{}, err
	}
	rev := existing.Revision + 1
	_, err = tx.ExecContext(ctx, `INSERT INTO forms(entity_id,form_kind,fields_json,partial,revision,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(entity_id,form_kind) DO UPDATE SET fields_json=excluded.fields_json, partial=excluded.partial, revision=excluded.revision, updated_at=excluded.updated_at`,
		entityID, formKind, data, partial, rev, updatedAt)
	if err != nil {
		return Form{}, err
	}
	return Form{EntityID: entityID, FormKind: formKind, Fields: next, Partial: partial, Revision: rev, UpdatedAt: updatedAt}, nil
}

// Event is one row of the save journal.
type Event struct {
	ID       int64
	TS       string
	Type     string
	EntityID string
	FormKind string
	Payload  map[string]any
}

func (r Repo) ListEvents(ctx context.Context, entityID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(entity_id,''),COALESCE(form_kind,''),payload_json FROM events`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityID, &ev.FormKind, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Timestamp formats t the way every row in this schema stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/mspsync/db"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/util"
)

// EntityState is either Active or SoftDeleted. Queries that must skip
// deleted entities switch on it instead of checking a nullable timestamp.
type EntityState interface {
	entityState()
}

// Active marks an entity that was observed by a recent sync
type Active struct{}

// SoftDeleted marks an entity a completed sync no longer observed
type SoftDeleted struct {
	At time.Time
}

func (Active) entityState()      {}
func (SoftDeleted) entityState() {}

// Entity is the reconciled mirror of one external record
type Entity struct {
	ID             string
	TenantID       string
	IntegrationID  string
	DataSourceID   string
	EntityType     string
	ExternalID     string
	DataHash       string
	NormalizedData json.RawMessage
	RawData        json.RawMessage
	// SyncID is the sync run that most recently observed this record
	SyncID     string
	LastSeenAt time.Time
	State      EntityState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsDeleted reports whether the entity is soft-deleted
func (e *Entity) IsDeleted() bool {
	_, deleted := e.State.(SoftDeleted)
	return deleted
}

// EntityKey identifies an entity by its upstream coordinates
type EntityKey struct {
	TenantID     string
	DataSourceID string
	EntityType   string
	ExternalID   string
}

// EntityStore persists entities
type EntityStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewEntityStore creates an entity store
func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db, now: nowUTC}
}

const entityColumns = `id, tenant_id, integration_id, data_source_id, entity_type, external_id, data_hash,
	normalized_data, raw_data, sync_id, last_seen_at, deleted_at, created_at, updated_at`

// FindByExternalID looks an entity up by upstream coordinates, soft-deleted ones included
func (s *EntityStore) FindByExternalID(ctx context.Context, key EntityKey) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE data_source_id = ? AND entity_type = ? AND external_id = ? AND tenant_id = ?`,
		key.DataSourceID, key.EntityType, key.ExternalID, key.TenantID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("entity %s/%s/%s", key.DataSourceID, key.EntityType, key.ExternalID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find entity %s/%s", key.EntityType, key.ExternalID)
	}
	return e, nil
}

// Get loads an entity by id
func (s *EntityStore) Get(ctx context.Context, id string) (*Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("entity %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get entity %s", id)
	}
	return e, nil
}

// GetByIDs loads the entities with the given ids; unknown ids are skipped
func (s *EntityStore) GetByIDs(ctx context.Context, ids []string) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.list(ctx, `SELECT `+entityColumns+` FROM entities WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
}

// Insert creates a new active entity. A concurrent insert of the same
// upstream record surfaces as errors.ErrConflict.
func (s *EntityStore) Insert(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.now()
	if e.LastSeenAt.IsZero() {
		e.LastSeenAt = now
	}
	e.State = Active{}
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		e.ID, e.TenantID, e.IntegrationID, e.DataSourceID, e.EntityType, e.ExternalID, e.DataHash,
		jsonOrEmpty(e.NormalizedData), jsonOrEmpty(e.RawData), e.SyncID,
		util.FormatTime(e.LastSeenAt), util.FormatTime(now), util.FormatTime(now))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "entity %s/%s/%s already exists", e.DataSourceID, e.EntityType, e.ExternalID)
		}
		return errors.Wrapf(err, "failed to insert entity %s/%s", e.EntityType, e.ExternalID)
	}
	return nil
}

// Touch marks an entity as observed by syncID without rewriting its data.
// A soft-deleted entity is restored.
func (s *EntityStore) Touch(ctx context.Context, id, syncID string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET sync_id = ?, last_seen_at = ?, deleted_at = NULL, updated_at = ? WHERE id = ?`,
		syncID, util.FormatTime(seenAt), util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to touch entity %s", id)
	}
	return requireRow(res, "entity %s", id)
}

// UpdateData rewrites the entity payload and hash and marks it observed by syncID.
// A soft-deleted entity is restored.
func (s *EntityStore) UpdateData(ctx context.Context, id, hash string, normalized, raw json.RawMessage, syncID string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities
		 SET data_hash = ?, normalized_data = ?, raw_data = ?, sync_id = ?, last_seen_at = ?, deleted_at = NULL, updated_at = ?
		 WHERE id = ?`,
		hash, jsonOrEmpty(normalized), jsonOrEmpty(raw), syncID, util.FormatTime(seenAt), util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update entity %s", id)
	}
	return requireRow(res, "entity %s", id)
}

// ListLive returns the non-deleted entities of one type for a data source
func (s *EntityStore) ListLive(ctx context.Context, dataSourceID, entityType string) ([]*Entity, error) {
	return s.list(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE data_source_id = ? AND entity_type = ? AND deleted_at IS NULL ORDER BY id`,
		dataSourceID, entityType)
}

// SoftDelete marks an active entity deleted. Returns false when it was already deleted.
func (s *EntityStore) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		util.FormatTime(at), util.FormatTime(s.now()), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to soft-delete entity %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to soft-delete entity %s", id)
	}
	return n > 0, nil
}

func (s *EntityStore) list(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query entities")
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan entity")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate entities")
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var normalized, raw, lastSeenAt, createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&e.ID, &e.TenantID, &e.IntegrationID, &e.DataSourceID, &e.EntityType, &e.ExternalID,
		&e.DataHash, &normalized, &raw, &e.SyncID, &lastSeenAt, &deletedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.NormalizedData = json.RawMessage(normalized)
	e.RawData = json.RawMessage(raw)
	var tp util.TimeParser
	e.LastSeenAt = tp.Time(lastSeenAt)
	e.CreatedAt = tp.Time(createdAt)
	e.UpdatedAt = tp.Time(updatedAt)
	if at := tp.Ptr(deletedAt); at != nil {
		e.State = SoftDeleted{At: *at}
	} else {
		e.State = Active{}
	}
	if tp.Err != nil {
		return nil, errors.Wrapf(tp.Err, "entity %s", e.ID)
	}
	return &e, nil
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}

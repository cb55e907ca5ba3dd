package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/util"
)

// Relationship is a typed edge between two entities (e.g. group membership)
type Relationship struct {
	ID        string
	TenantID  string
	ParentID  string
	ChildID   string
	Type      string
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RelationshipStore persists relationships
type RelationshipStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRelationshipStore creates a relationship store
func NewRelationshipStore(db *sql.DB) *RelationshipStore {
	return &RelationshipStore{db: db, now: nowUTC}
}

// Upsert creates the edge keyed by (tenant, parent, child, type) or refreshes its metadata
func (s *RelationshipStore) Upsert(ctx context.Context, r *Relationship) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := util.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_relationships (id, tenant_id, parent_id, child_id, relationship_type, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, parent_id, child_id, relationship_type)
		 DO UPDATE SET metadata = excluded.metadata, updated_at = excluded.updated_at`,
		r.ID, r.TenantID, r.ParentID, r.ChildID, r.Type, jsonOrEmpty(r.Metadata), now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert relationship %s %s->%s", r.Type, r.ParentID, r.ChildID)
	}
	return nil
}

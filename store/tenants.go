package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/util"
)

// Tenant is one MSP customer
type Tenant struct {
	ID   string
	Name string
	// ConcurrentJobLimit caps running jobs; 0 means the scheduler default
	ConcurrentJobLimit int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TenantStore persists tenants
type TenantStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTenantStore creates a tenant store
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db, now: nowUTC}
}

// Create inserts a tenant
func (s *TenantStore) Create(ctx context.Context, t *Tenant) error {
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, concurrent_job_limit, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.ConcurrentJobLimit, util.FormatTime(now), util.FormatTime(now))
	if err != nil {
		return errors.Wrapf(err, "failed to create tenant %s", t.ID)
	}
	return nil
}

// Get loads a tenant by id
func (s *TenantStore) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, concurrent_job_limit, created_at, updated_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.ConcurrentJobLimit, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("tenant %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get tenant %s", id)
	}
	var tp util.TimeParser
	t.CreatedAt = tp.Time(createdAt)
	t.UpdatedAt = tp.Time(updatedAt)
	if tp.Err != nil {
		return nil, errors.Wrapf(tp.Err, "tenant %s", id)
	}
	return &t, nil
}

// ConcurrentJobLimit returns the tenant's configured limit, 0 when unset or
// when the tenant record is missing.
func (s *TenantStore) ConcurrentJobLimit(ctx context.Context, tenantID string) (int, error) {
	var limit int
	err := s.db.QueryRowContext(ctx,
		`SELECT concurrent_job_limit FROM tenants WHERE id = ?`, tenantID,
	).Scan(&limit)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load concurrent job limit for tenant %s", tenantID)
	}
	return limit, nil
}

// SetConcurrentJobLimit updates the tenant's limit
func (s *TenantStore) SetConcurrentJobLimit(ctx context.Context, tenantID string, limit int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET concurrent_job_limit = ?, updated_at = ? WHERE id = ?`,
		limit, util.FormatTime(s.now()), tenantID)
	if err != nil {
		return errors.Wrapf(err, "failed to update tenant %s", tenantID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("tenant %s", tenantID)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/util"
)

// DataSourceStatus is the lifecycle state of a data source
type DataSourceStatus string

const (
	DataSourceActive   DataSourceStatus = "active"
	DataSourceInactive DataSourceStatus = "inactive"
	DataSourceError    DataSourceStatus = "error"
)

// DataSource is one tenant's connection to one integration
type DataSource struct {
	ID            string
	TenantID      string
	IntegrationID string
	Status        DataSourceStatus
	// Config holds connector credentials and settings; opaque here
	Config json.RawMessage
	// Metadata maps a job action to the last completion time of that action
	Metadata  map[string]string
	IsPrimary bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// LastSyncAt returns when action last completed for this data source
func (ds *DataSource) LastSyncAt(action string) (time.Time, bool) {
	v, ok := ds.Metadata[action]
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := util.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DataSourceStore persists data sources
type DataSourceStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDataSourceStore creates a data source store
func NewDataSourceStore(db *sql.DB) *DataSourceStore {
	return &DataSourceStore{db: db, now: nowUTC}
}

const dataSourceColumns = `id, tenant_id, integration_id, status, config, metadata, is_primary, created_at, updated_at, deleted_at`

// Create inserts a data source
func (s *DataSourceStore) Create(ctx context.Context, ds *DataSource) error {
	if ds.Status == "" {
		ds.Status = DataSourceActive
	}
	config := ds.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	metadata := ds.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "failed to encode data source metadata")
	}

	now := s.now()
	ds.CreatedAt, ds.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_sources (`+dataSourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.TenantID, ds.IntegrationID, string(ds.Status), string(config), string(metaJSON),
		ds.IsPrimary, util.FormatTime(now), util.FormatTime(now), util.NullTime(ds.DeletedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to create data source %s", ds.ID)
	}
	return nil
}

// Get loads a data source by id, including deleted ones
func (s *DataSourceStore) Get(ctx context.Context, id string) (*DataSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = ?`, id)
	ds, err := scanDataSource(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("data source %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data source %s", id)
	}
	return ds, nil
}

// ListActive returns every active, non-deleted data source
func (s *DataSourceStore) ListActive(ctx context.Context) ([]*DataSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources WHERE status = ? AND deleted_at IS NULL ORDER BY id`,
		string(DataSourceActive))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active data sources")
	}
	defer rows.Close()

	var out []*DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan data source")
		}
		out = append(out, ds)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate data sources")
}

// SetMetadata patches one metadata key and stamps updated_at in a single statement
func (s *DataSourceStore) SetMetadata(ctx context.Context, id, key, value string) error {
	path := `$."` + strings.ReplaceAll(key, `"`, ``) + `"`
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET metadata = json_set(metadata, ?, ?), updated_at = ? WHERE id = ?`,
		path, value, util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set metadata %s on data source %s", key, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("data source %s", id)
	}
	return nil
}

// SetStatus changes a data source's status
func (s *DataSourceStore) SetStatus(ctx context.Context, id string, status DataSourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), util.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set status on data source %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("data source %s", id)
	}
	return nil
}

func scanDataSource(row rowScanner) (*DataSource, error) {
	var ds DataSource
	var status, config, metadata, createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&ds.ID, &ds.TenantID, &ds.IntegrationID, &status, &config, &metadata,
		&ds.IsPrimary, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	ds.Status = DataSourceStatus(status)
	ds.Config = json.RawMessage(config)
	ds.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &ds.Metadata); err != nil {
			return nil, errors.Wrapf(err, "data source %s has malformed metadata", ds.ID)
		}
	}
	var tp util.TimeParser
	ds.CreatedAt = tp.Time(createdAt)
	ds.UpdatedAt = tp.Time(updatedAt)
	ds.DeletedAt = tp.Ptr(deletedAt)
	if tp.Err != nil {
		return nil, errors.Wrapf(tp.Err, "data source %s", ds.ID)
	}
	return &ds, nil
}

// FormatSyncTime renders a completion time as stored in data source metadata
func FormatSyncTime(t time.Time) string {
	return util.FormatTime(t)
}

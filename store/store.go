// Package store is the tenant-scoped document store: tenants, data sources,
// the reconciled entity mirror and entity relationships, all on SQLite.
//
// Every mutation is a single-row statement; callers must tolerate
// read-then-write races between concurrent stage handlers.
package store

import (
	"database/sql"
	"time"
)

// Store groups the per-table stores over one database
type Store struct {
	Tenants       *TenantStore
	DataSources   *DataSourceStore
	Entities      *EntityStore
	Relationships *RelationshipStore
}

// New creates all table stores over db
func New(db *sql.DB) *Store {
	return &Store{
		Tenants:       NewTenantStore(db),
		DataSources:   NewDataSourceStore(db),
		Entities:      NewEntityStore(db),
		Relationships: NewRelationshipStore(db),
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

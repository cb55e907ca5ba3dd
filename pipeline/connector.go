package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/teranos/mspsync/errors"
)

// FetchRequest asks a connector for one page of one entity type
type FetchRequest struct {
	TenantID     string
	DataSourceID string
	EntityType   string
	// Cursor is empty for the first page
	Cursor string
	// Config is the data source's connector configuration
	Config json.RawMessage
}

// Page is one page of upstream records
type Page struct {
	Data    []RawRecord
	Cursor  string
	HasMore bool
}

// Connector fetches pages from one external integration. Errors are
// returned, never panicked; the fetcher turns them into job failures.
type Connector interface {
	Fetch(ctx context.Context, req FetchRequest) (*Page, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context, req FetchRequest) (*Page, error)

// Fetch calls f
func (f ConnectorFunc) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	return f(ctx, req)
}

// ReplayConnector serves records captured to disk, one JSON array of
// RawRecord per entity type at <dir>/<entityType>.json, paginated by offset.
type ReplayConnector struct {
	dir      string
	pageSize int
}

// NewReplayConnector creates a connector reading from dir
func NewReplayConnector(dir string, pageSize int) *ReplayConnector {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ReplayConnector{dir: dir, pageSize: pageSize}
}

// Fetch returns the page starting at the offset encoded in req.Cursor
func (c *ReplayConnector) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.dir, req.EntityType+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("no replay data for %s at %s", req.EntityType, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var records []RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}

	offset := 0
	if req.Cursor != "" {
		if offset, err = strconv.Atoi(req.Cursor); err != nil || offset < 0 {
			return nil, errors.NewInvalidRequestError("invalid replay cursor %q", req.Cursor)
		}
	}
	if offset > len(records) {
		offset = len(records)
	}

	end := offset + c.pageSize
	if end > len(records) {
		end = len(records)
	}
	page := &Page{Data: records[offset:end]}
	if end < len(records) {
		page.HasMore = true
		page.Cursor = strconv.Itoa(end)
	}
	return page, nil
}

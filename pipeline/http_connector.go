package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/internal/httpclient"
)

// HTTPConnector fetches pages from a JSON page API:
//
//	GET <base>/<entityType>?cursor=<cursor>
//	{"data": [{"externalId": "...", "data": {...}}], "cursor": "...", "hasMore": true}
//
// A data source config of {"base_url": "...", "api_key": "..."} overrides
// the base URL and adds a bearer token.
type HTTPConnector struct {
	client  *httpclient.Client
	baseURL string
}

type httpSourceConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

type httpPage struct {
	Data    []RawRecord `json:"data"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"hasMore"`
}

// NewHTTPConnector creates a connector against baseURL
func NewHTTPConnector(client *httpclient.Client, baseURL string) *HTTPConnector {
	return &HTTPConnector{client: client, baseURL: baseURL}
}

// Fetch requests one page
func (c *HTTPConnector) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	var cfg httpSourceConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return nil, errors.Wrapf(err, "invalid connector config for data source %s", req.DataSourceID)
		}
	}
	base := c.baseURL
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if base == "" {
		return nil, errors.NewInvalidRequestError("no endpoint configured for data source %s", req.DataSourceID)
	}

	target := strings.TrimRight(base, "/") + "/" + url.PathEscape(req.EntityType)
	if req.Cursor != "" {
		target += "?" + url.Values{"cursor": {req.Cursor}}.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", target)
	}
	httpReq.Header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", target)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewNotFoundError("%s not served at %s", req.EntityType, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("GET %s: %s: %s", target, resp.Status, strings.TrimSpace(string(body)))
	}

	var page httpPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrapf(err, "failed to decode page from %s", target)
	}
	return &Page{Data: page.Data, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

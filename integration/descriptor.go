// Package integration holds the static per-integration descriptors the
// scheduler turns into recurring sync jobs.
package integration

import (
	"strings"
	"time"

	"github.com/teranos/mspsync/errors"
)

// TypeConfig describes how one entity type of an integration is synced
type TypeConfig struct {
	Type     string `toml:"type" yaml:"type"`
	IsGlobal bool   `toml:"is_global" yaml:"is_global"` // tenant-wide rather than per-site
	Priority int    `toml:"priority" yaml:"priority"`
	// RateMinutes is the minimum gap between completed syncs
	RateMinutes int `toml:"rate_minutes" yaml:"rate_minutes"`
	// MaxDispatchPerMinute caps dispatches of this type across tenants; 0 = unlimited
	MaxDispatchPerMinute int `toml:"max_dispatch_per_minute" yaml:"max_dispatch_per_minute"`
}

// Rate returns RateMinutes as a duration
func (tc TypeConfig) Rate() time.Duration {
	return time.Duration(tc.RateMinutes) * time.Minute
}

// Descriptor is one integration (PSA, RMM, identity platform, ...)
type Descriptor struct {
	ID             string       `toml:"id" yaml:"id"`
	Slug           string       `toml:"slug" yaml:"slug"`
	Name           string       `toml:"name" yaml:"name"`
	Endpoint       string       `toml:"endpoint" yaml:"endpoint"` // base URL of the page API, if it has one
	SupportedTypes []TypeConfig `toml:"supported_types" yaml:"supported_types"`
}

// Type looks up the configuration for an entity type
func (d *Descriptor) Type(entityType string) (TypeConfig, bool) {
	for _, tc := range d.SupportedTypes {
		if tc.Type == entityType {
			return tc, true
		}
	}
	return TypeConfig{}, false
}

// GlobalTypes returns the types synced once per data source
func (d *Descriptor) GlobalTypes() []TypeConfig {
	var out []TypeConfig
	for _, tc := range d.SupportedTypes {
		if tc.IsGlobal {
			out = append(out, tc)
		}
	}
	return out
}

// Validate checks identifiers are usable as topic tokens
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return errors.NewInvalidRequestError("integration id is required")
	}
	if err := validToken(d.Slug); err != nil {
		return errors.Wrapf(err, "integration %s slug", d.ID)
	}
	seen := make(map[string]bool, len(d.SupportedTypes))
	for _, tc := range d.SupportedTypes {
		if err := validToken(tc.Type); err != nil {
			return errors.Wrapf(err, "integration %s type", d.ID)
		}
		if seen[tc.Type] {
			return errors.NewInvalidRequestError("integration %s lists type %q twice", d.ID, tc.Type)
		}
		seen[tc.Type] = true
		if tc.RateMinutes <= 0 {
			return errors.NewInvalidRequestError("integration %s type %s: rate_minutes must be > 0, got %d", d.ID, tc.Type, tc.RateMinutes)
		}
		if tc.MaxDispatchPerMinute < 0 {
			return errors.NewInvalidRequestError("integration %s type %s: max_dispatch_per_minute must be >= 0", d.ID, tc.Type)
		}
	}
	return nil
}

func validToken(s string) error {
	if s == "" {
		return errors.NewInvalidRequestError("empty identifier")
	}
	if strings.ContainsAny(s, ".*> \t") {
		return errors.NewInvalidRequestError("%q may not contain '.', '*', '>' or whitespace", s)
	}
	return nil
}

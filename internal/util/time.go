package util

import (
	"database/sql"
	"time"

	"github.com/teranos/mspsync/errors"
)

// TimeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime, falling back to RFC3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NullTime converts an optional time into a nullable column value.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// TimeParser parses the timestamp columns of one row and keeps the first
// error, so a scanner can check once after reading every column.
type TimeParser struct {
	Err error
}

// Time parses a NOT NULL column.
func (p *TimeParser) Time(s string) time.Time {
	t, err := ParseTime(s)
	if err != nil && p.Err == nil {
		p.Err = errors.Wrapf(err, "malformed timestamp %q", s)
	}
	return t
}

// Ptr parses a nullable column into an optional time.
func (p *TimeParser) Ptr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := p.Time(ns.String)
	if p.Err != nil {
		return nil
	}
	return &t
}

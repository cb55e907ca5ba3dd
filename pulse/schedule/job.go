// Package schedule turns integration rate limits into a stream of due sync
// jobs and dispatches them onto the bus without exceeding tenant concurrency.
package schedule

import (
	"strings"
	"time"

	"github.com/teranos/mspsync/errors"
)

// JobStatus is the lifecycle state of a scheduled job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// ActionPrefix starts every sync job action
const ActionPrefix = "sync."

// BatchPayload carries pagination state into a continuation job
type BatchPayload struct {
	Cursor         string `json:"cursor,omitempty"`
	SyncID         string `json:"syncId,omitempty"`
	BatchNumber    int    `json:"batchNumber,omitempty"`
	TotalProcessed int    `json:"totalProcessed,omitempty"`
}

// Job is one unit of sync work. At most one pending job per
// (DataSourceID, Action) is expected; duplicates from races are benign.
type Job struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenantId"`
	IntegrationID string        `json:"integrationId"`
	DataSourceID  string        `json:"dataSourceId"`
	Action        string        `json:"action"`
	Priority      int           `json:"priority"`
	Status        JobStatus     `json:"status"`
	ScheduledAt   time.Time     `json:"scheduledAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	NextRetryAt   *time.Time    `json:"nextRetryAt,omitempty"`
	Attempts      int           `json:"attempts"`
	AttemptsMax   int           `json:"attemptsMax"`
	Error         string        `json:"error,omitempty"`
	Payload       *BatchPayload `json:"payload,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SyncAction builds the job action for an entity type
func SyncAction(entityType string) string {
	return ActionPrefix + entityType
}

// EntityTypeFromAction extracts the entity type from a sync.<entityType> action
func EntityTypeFromAction(action string) (string, error) {
	entityType, ok := strings.CutPrefix(action, ActionPrefix)
	if !ok || entityType == "" || strings.ContainsAny(entityType, ".*> ") {
		return "", errors.Wrapf(errors.ErrInvalidAction, "action %q does not match sync.<entityType>", action)
	}
	return entityType, nil
}

// IsContinuation reports whether the job resumes a paginated fetch
func (j *Job) IsContinuation() bool {
	return j.Payload != nil && j.Payload.Cursor != ""
}

// isDue reports whether a pending job may be dispatched at now
func (j *Job) isDue(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now) && j.Attempts < j.AttemptsMax
}

// isRetryable reports whether a failed job is past its backoff with attempts left
func (j *Job) isRetryable(now time.Time) bool {
	return j.Status == StatusFailed && j.NextRetryAt != nil && !j.NextRetryAt.After(now) && j.Attempts < j.AttemptsMax
}

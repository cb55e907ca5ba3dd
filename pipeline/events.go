// Package pipeline runs the fetch, process, link and analyze stages that turn
// one dispatched sync job into reconciled entities, relationships and findings.
//
// Stages communicate only over the bus:
//
//	<slug>.sync.<type> -> fetched.<type> -> processed.<type> -> linked.<type> -> analysis.<a>.<type>
//
// Every stage handler is an isolation unit: faults are logged with stage
// context and never propagate back into the bus.
package pipeline

import (
	"encoding/json"
	"time"
)

// Scope identifies whose data an event carries
type Scope struct {
	TenantID      string `json:"tenantId"`
	IntegrationID string `json:"integrationId"`
	DataSourceID  string `json:"dataSourceId"`
	EntityType    string `json:"entityType"`
}

// SyncMetadata threads one logical sync run through every stage and batch.
// Stages forward it unchanged.
type SyncMetadata struct {
	SyncID       string `json:"syncId"`
	BatchNumber  int    `json:"batchNumber"`
	IsFinalBatch bool   `json:"isFinalBatch"`
	Cursor       string `json:"cursor,omitempty"`
}

// RawRecord is one upstream record as returned by a connector
type RawRecord struct {
	ExternalID string          `json:"externalId"`
	Data       json.RawMessage `json:"data"`
	// Hash is optional; when empty the processor hashes the normalized data
	Hash string `json:"hash,omitempty"`
}

// FetchedEventPayload is a page of raw records, published on fetched.<type>
type FetchedEventPayload struct {
	Scope
	EventID      string       `json:"eventId"`
	JobID        string       `json:"jobId,omitempty"`
	Records      []RawRecord  `json:"records"`
	SyncMetadata SyncMetadata `json:"syncMetadata"`
}

// ProcessedEventPayload reports one reconciled batch, published on processed.<type>
type ProcessedEventPayload struct {
	Scope
	EventID string `json:"eventId"`
	// EntityIDs are every entity observed in the batch
	EntityIDs []string `json:"entityIds"`
	// ChangedEntityIDs are the created, updated or restored subset
	ChangedEntityIDs []string     `json:"changedEntityIds"`
	Created          int          `json:"entitiesCreated"`
	Updated          int          `json:"entitiesUpdated"`
	Touched          int          `json:"entitiesTouched"`
	Restored         int          `json:"entitiesRestored"`
	Failed           int          `json:"entitiesFailed"`
	SyncMetadata     SyncMetadata `json:"syncMetadata"`
}

// LinkedEventPayload announces entities whose relationships are resolved,
// published on linked.<type>
type LinkedEventPayload struct {
	Scope
	EventID              string       `json:"eventId"`
	ChangedEntityIDs     []string     `json:"changedEntityIds"`
	RelationshipsCreated int          `json:"relationshipsCreated"`
	SyncMetadata         SyncMetadata `json:"syncMetadata"`
}

// Severity grades a finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one analyzer result about one entity
type Finding struct {
	EntityID string         `json:"entityId"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AnalysisEvent carries an analyzer's findings, published on analysis.<name>.<type>
type AnalysisEvent struct {
	Scope
	EventID      string       `json:"eventId"`
	Analysis     string       `json:"analysis"`
	Findings     []Finding    `json:"findings"`
	SyncMetadata SyncMetadata `json:"syncMetadata"`
	GeneratedAt  time.Time    `json:"generatedAt"`
}

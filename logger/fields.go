package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across the sync engine.
const (
	// Identity
	FieldJobID        = "job_id"
	FieldTenantID     = "tenant_id"
	FieldDataSourceID = "data_source_id"
	FieldIntegration  = "integration"
	FieldSyncID       = "sync_id"
	FieldEventID      = "event_id"
	FieldEntityID     = "entity_id"

	// Components
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAnalysis  = "analysis"

	// Routing
	FieldTopic      = "topic"
	FieldPattern    = "pattern"
	FieldEntityType = "entity_type"
	FieldAction     = "action"

	// Scheduling
	FieldPriority    = "priority"
	FieldScheduledAt = "scheduled_at"
	FieldAttempts    = "attempts"
	FieldBatchNumber = "batch_number"
	FieldFinalBatch  = "final_batch"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldCreated   = "created"
	FieldUpdated   = "updated"
	FieldTouched   = "touched"
	FieldDeleted   = "deleted"

	// Status
	FieldStatus = "status"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	tenantIDKey  contextKey = "logger_tenant_id"
	syncIDKey    contextKey = "logger_sync_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTenantID adds a tenant ID to the context for logging
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithSyncID adds the sync run correlation id to the context for logging
func WithSyncID(ctx context.Context, syncID string) context.Context {
	return context.WithValue(ctx, syncIDKey, syncID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		fields = append(fields, FieldJobID, v)
	}
	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		fields = append(fields, FieldTenantID, v)
	}
	if v, ok := ctx.Value(syncIDKey).(string); ok && v != "" {
		fields = append(fields, FieldSyncID, v)
	}
	if v, ok := ctx.Value(componentKey).(string); ok && v != "" {
		fields = append(fields, FieldComponent, v)
	}

	return fields
}

// LoggerFromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection:
//
//	sched := schedule.NewScheduler(deps, cfg, logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

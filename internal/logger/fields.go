package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Tracing fields, propagated through ctx.
const (
	FieldRequestID  = "request_id"
	FieldComponent  = "component"
	FieldTenantID   = "tenant_id"
	FieldSource     = "source"
	FieldRunID      = "run_id"
	FieldSessionID  = "session_id"
	FieldEntityType = "entity_type"
)

// Metric fields, set per Entry.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldOffset     = "offset"
	FieldAttempt    = "attempt"
)

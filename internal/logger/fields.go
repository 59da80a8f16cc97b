package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, propagated through the context of one collector run.
const (
	// FieldRunID identifies one collector run (UUID)
	FieldRunID = "run_id"

	// FieldRequestID is the HTTP request ID of the status API (UUID)
	FieldRequestID = "request_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldPlantCode is the vendor plant code being processed
	FieldPlantCode = "plant_code"

	// FieldState is the collector state machine state
	FieldState = "state"
)

// Metric fields, used for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldAttempt    = "attempt"
	FieldStatus     = "status"
	FieldErrorKind  = "error_kind"
	FieldSize       = "size"
)

package log

// Canonical field name constants for structured logging.
const (
	FieldComponent     = "component"
	FieldEvent         = "event"
	FieldCorrelationID = "correlation_id"

	FieldConnectionID = "connection_id"
	FieldAdapterKind  = "adapter_kind"
	FieldEventID      = "event_id"
	FieldCaseID       = "case_id"
	FieldTaskID       = "task_id"
	FieldAction       = "action"
	FieldAttempt      = "attempt"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)

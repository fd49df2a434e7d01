package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID       = "job_id"
	FieldRunID       = "run_id"
	FieldFingerprint = "fingerprint"
	FieldTemplate    = "template"
	FieldQueue       = "queue"
	FieldVolume      = "volume"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath      = "path"
	FieldBaseURL   = "base_url"
	FieldFinalPath = "final_path"
)

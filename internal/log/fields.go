package log

// Canonical field name constants for structured logging, kept narrow to
// what the pacing engine actually emits.
const (
	FieldRequestID = "request_id"
	FieldEvent     = "event"
	FieldComponent = "component"

	FieldFrameID  = "frame_id"
	FieldStageID  = "stage_id"
	FieldQueueID  = "queue_id"
	FieldReflexID = "reflex_id"
)

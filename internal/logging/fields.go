package logging

// Shared attribute keys. Using constants keeps log queries stable across
// packages.
const (
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldErrorHint = "hint"
	FieldImpact    = "impact"
	FieldDevice    = "device"
	FieldJob       = "job_id"
	FieldState     = "state"
	FieldRemoteRef = "remote_ref"
)

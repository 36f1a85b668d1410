package emit

// Event describes one observable transition of a workflow or idempotent task.
type Event struct {
	// WorkflowID identifies the workflow that emitted this event.
	WorkflowID string

	// Position is the runner's step position when the event was emitted.
	// Zero for workflow-level events and for idempotent-call events.
	Position int

	// StepKey is the caller-supplied step key, or the task name for
	// idempotent-call events. Empty for workflow-level events.
	StepKey string

	// Msg is the event name, one of the Msg* constants.
	Msg string

	// Meta carries event-specific data. Common keys:
	//   - "duration_ms": step execution time
	//   - "error": error text
	//   - "fencing_token": the runner's fencing token
	//   - "wait_ms": time slept while another worker held the lease
	//   - "attempt": retry attempt number
	Meta map[string]interface{}
}

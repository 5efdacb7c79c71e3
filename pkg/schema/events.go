package schema

// Event type constants for the event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventRequestRegistered = "request_registered"
	EventRequestDispatched = "request_dispatched"
	EventDispatchFailed    = "dispatch_failed"
	EventResponseReceived  = "response_received"
	EventResponseRejected  = "response_rejected"
	EventDeadlineExpired   = "deadline_expired"
)

// ExecutionStatus represents the lifecycle state of a workflow execution in the host.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

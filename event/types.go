// Package event defines the canonical event envelope, lease and task
// records, and idempotency key derivation shared by every FlowCore
// component. It has no dependency on wal, statemachine, coordinator, lease,
// queue, or dispatcher, preventing cyclic imports between them.
package event

import "github.com/google/uuid"

// Type is a closed enumeration of the durable facts a workflow can emit.
type Type string

const (
	WorkflowCreated   Type = "workflow_created"
	StepScheduled     Type = "step_scheduled"
	StepStarted       Type = "step_started"
	StepCompleted     Type = "step_completed"
	StepFailed        Type = "step_failed"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"
	WorkflowCancelled Type = "workflow_cancelled"
)

// Terminal reports whether t ends a workflow's event stream.
func (t Type) Terminal() bool {
	switch t {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Event is the universal envelope for every durable state change. Event
// identity (ID) is unique across the log; Sequence is dense and strictly
// increasing within a Workflow. Timestamp is a logical clock reading,
// explicitly NOT wall-clock time, and MUST NOT be used for scheduling or
// lease expiry.
type Event struct {
	ID             string         `cbor:"1,keyasint"`
	Type           Type           `cbor:"2,keyasint"`
	SchemaVersion  int            `cbor:"3,keyasint"`
	WorkflowID     string         `cbor:"4,keyasint"`
	Sequence       uint64         `cbor:"5,keyasint"`
	CausationID    string         `cbor:"6,keyasint,omitempty"`
	CorrelationID  string         `cbor:"7,keyasint,omitempty"`
	Timestamp      int64          `cbor:"8,keyasint"`
	Payload        Payload        `cbor:"9,keyasint"`
	Metadata       map[string]string `cbor:"10,keyasint,omitempty"`
}

// Payload carries event-type-specific fields. Exactly one of the typed
// fields is populated, matching Type. Using a struct of optional fields
// (rather than an interface{}) keeps the cbor encoding self-describing and
// schema-stable across the tagged field numbers above.
type Payload struct {
	// workflow_created
	Name  string            `cbor:"1,keyasint,omitempty"`
	Input map[string]string `cbor:"2,keyasint,omitempty"`
	Steps []string          `cbor:"3,keyasint,omitempty"`

	// step_scheduled / step_started / step_completed / step_failed
	Step     string `cbor:"4,keyasint,omitempty"`
	Attempt  int    `cbor:"5,keyasint,omitempty"`
	LeaseID  string `cbor:"6,keyasint,omitempty"`
	WorkerID string `cbor:"7,keyasint,omitempty"`

	// step_completed
	Result     string `cbor:"8,keyasint,omitempty"`
	DurationMS int64  `cbor:"9,keyasint,omitempty"`

	// step_failed
	Error     string `cbor:"10,keyasint,omitempty"`
	Retryable bool   `cbor:"11,keyasint,omitempty"`

	// workflow_completed
	Output string `cbor:"12,keyasint,omitempty"`

	// workflow_failed
	Reason    string `cbor:"13,keyasint,omitempty"`
	FinalStep string `cbor:"14,keyasint,omitempty"`
}

// IdempotencyKeyMeta is the metadata key carrying the idempotency
// fingerprint on commit-class events (step_completed, step_failed).
const IdempotencyKeyMeta = "idempotency_key"

// NewID returns a globally unique identifier suitable for event_id,
// lease_id, and task_id.
func NewID() string {
	return uuid.NewString()
}

// Lease is a time-bounded permission for a worker to execute a specific
// (workflow, step, attempt).
type Lease struct {
	LeaseID      string
	WorkflowID   string
	Step         string
	Attempt      int
	ExpiresAt    int64 // deadline as Unix nanoseconds read from lease.Clock (wall-clock based)
	FencingToken uint64
}

// Task is a unit of work sitting in the scheduler's pull-queue.
type Task struct {
	TaskID     string
	WorkflowID string
	Step       string
	Attempt    int
	Priority   int
	EnqueuedAt int64 // logical time
}

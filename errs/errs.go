// Package errs defines the sentinel error kinds shared across FlowCore's
// durability and execution components. Each is a distinct, comparable value
// so callers can branch with errors.Is rather than string matching.
package errs

import "errors"

var (
	// ErrDiskFailure indicates a WAL write, rotate, or sync failed. The
	// caller MUST treat the append as not having happened.
	ErrDiskFailure = errors.New("disk failure")

	// ErrCorruption indicates a CRC mismatch was encountered during replay.
	// Earlier events in the segment remain valid.
	ErrCorruption = errors.New("wal corruption detected")

	// ErrDuplicate indicates an idempotency key collision at the coordinator.
	// The duplicate is discarded without touching the WAL.
	ErrDuplicate = errors.New("duplicate idempotency key")

	// ErrUnexpectedStep indicates a report referenced a step whose state
	// does not admit the requested transition.
	ErrUnexpectedStep = errors.New("unexpected step state")

	// ErrLeaseExpired indicates the lease's deadline has passed.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrFencingTokenStale indicates a newer lease has since been issued
	// for the same (workflow_id, step).
	ErrFencingTokenStale = errors.New("fencing token stale")

	// ErrLeaseUnknown indicates the lease id is not recognized.
	ErrLeaseUnknown = errors.New("lease unknown")

	// ErrNotFound indicates the workflow id has no coordinator and no
	// events on disk.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyCreated indicates create() was called on a workflow whose
	// state version is already greater than zero.
	ErrAlreadyCreated = errors.New("workflow already created")

	// ErrAlreadyTerminal indicates a lifecycle transition was requested
	// against a workflow already in a terminal state.
	ErrAlreadyTerminal = errors.New("workflow already terminal")

	// ErrNoRunnableStep indicates advance() found no pending step and the
	// workflow is not yet fully completed.
	ErrNoRunnableStep = errors.New("no runnable step")

	// ErrInvalidConfig indicates a Config failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrWALClosed is returned when appending to a closed WAL service.
	ErrWALClosed = errors.New("wal is closed")

	// ErrNoTask indicates request_task() found no ready task for a worker.
	ErrNoTask = errors.New("no task available")

	// ErrUnknownTask indicates a task id not tracked in the pending set.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownWorker indicates a worker id never registered or already
	// swept for silence.
	ErrUnknownWorker = errors.New("unknown worker")
)

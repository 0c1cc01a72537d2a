// Package statemachine folds a workflow's event history into its derived
// state. It is a pure, non-concurrent structure manipulated by a single
// owner — the same role the teacher's unexported store type plays inside
// store/store.go, just folding events instead of applying SET/EXPIRE
// commands directly to a map.
package statemachine

import "flowcore/event"

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepScheduled StepStatus = "scheduled"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// OverallStatus is the workflow's overall lifecycle state.
type OverallStatus string

const (
	Pending   OverallStatus = "pending"
	Running   OverallStatus = "running"
	Waiting   OverallStatus = "waiting"
	Completed OverallStatus = "completed"
	Failed    OverallStatus = "failed"
	Cancelled OverallStatus = "cancelled"
)

// Terminal reports whether o admits no further events.
func (o OverallStatus) Terminal() bool {
	switch o {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// StepState is the per-step derived state: status, and the scheduled
// attempt count so the coordinator can derive the next attempt number.
type StepState struct {
	Name            string
	Status          StepStatus
	ScheduledCount  int
	Error           string
}

// State is a workflow's complete derived state: the fold of every event
// applied to it so far. It is never stored directly — it is rebuilt by
// Hydrate (or kept current by Apply as each new event is appended).
type State struct {
	WorkflowID       string
	Name             string
	Input            map[string]string
	Steps            []StepState
	CurrentStepIndex int
	Overall          OverallStatus
	Output           string
	Error            string
	Version          uint64 // count of events applied

	// appliedKeys tracks every idempotency_key seen in metadata, so
	// IdempotencyKeyExists is O(1) instead of a linear scan per check.
	appliedKeys map[string]struct{}
}

// NewState returns an empty, pre-creation state for workflowID.
func NewState(workflowID string) *State {
	return &State{
		WorkflowID:  workflowID,
		Overall:     Pending,
		appliedKeys: make(map[string]struct{}),
	}
}

// stepIndex returns the index of the step named name, or -1.
func (s *State) stepIndex(name string) int {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// NextRunnableStep returns the first step still pending, if the overall
// state is non-terminal. It returns ("", false) if nothing is runnable —
// either every step has moved past pending, or the workflow is terminal.
func (s *State) NextRunnableStep() (string, bool) {
	if s.Overall.Terminal() {
		return "", false
	}
	for _, step := range s.Steps {
		if step.Status == StepPending {
			return step.Name, true
		}
	}
	return "", false
}

// AllStepsCompleted reports whether every step has reached StepCompleted.
func (s *State) AllStepsCompleted() bool {
	if len(s.Steps) == 0 {
		return false
	}
	for _, step := range s.Steps {
		if step.Status != StepCompleted {
			return false
		}
	}
	return true
}

// IdempotencyKeyExists reports whether any event applied to this state
// carried key in its metadata.
func (s *State) IdempotencyKeyExists(key string) bool {
	_, ok := s.appliedKeys[key]
	return ok
}

// Clone returns a deep-enough copy for safe external observation (Get
// State snapshots): slices and maps are copied so the caller cannot
// mutate the coordinator's live state.
func (s *State) Clone() *State {
	out := *s
	out.Input = cloneStringMap(s.Input)
	out.Steps = append([]StepState(nil), s.Steps...)
	out.appliedKeys = make(map[string]struct{}, len(s.appliedKeys))
	for k := range s.appliedKeys {
		out.appliedKeys[k] = struct{}{}
	}
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// recordKey marks an idempotency key, if the event's metadata carries
// one, as applied.
func (s *State) recordKey(e event.Event) {
	if s.appliedKeys == nil {
		s.appliedKeys = make(map[string]struct{})
	}
	if key, ok := e.Metadata[event.IdempotencyKeyMeta]; ok {
		s.appliedKeys[key] = struct{}{}
	}
}

// AppliedKeysSnapshot returns a copy of the idempotency keys seen so far.
// Exposed only for checkpoint serialization, which needs a stable,
// exported view of the unexported appliedKeys set.
func (s *State) AppliedKeysSnapshot() map[string]struct{} {
	out := make(map[string]struct{}, len(s.appliedKeys))
	for k := range s.appliedKeys {
		out[k] = struct{}{}
	}
	return out
}

// Restore reconstructs a State from its persisted field values, used only
// by the checkpoint loader to rebuild state without replaying the WAL.
// Never exposed as part of normal state transitions: the only legitimate
// ways to advance a State are NewState+Apply.
func Restore(workflowID, name string, input map[string]string, steps []StepState, currentStepIndex int, overall OverallStatus, output, errMsg string, version uint64, appliedKeys []string) *State {
	keys := make(map[string]struct{}, len(appliedKeys))
	for _, k := range appliedKeys {
		keys[k] = struct{}{}
	}
	return &State{
		WorkflowID:       workflowID,
		Name:             name,
		Input:            input,
		Steps:            steps,
		CurrentStepIndex: currentStepIndex,
		Overall:          overall,
		Output:           output,
		Error:            errMsg,
		Version:          version,
		appliedKeys:      keys,
	}
}

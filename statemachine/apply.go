package statemachine

import "flowcore/event"

// transitionFunc applies one event's effect to state in place. Purity
// requirement: no I/O, no randomness, no wall-clock reads — given the
// same event sequence the output must be byte-identical. This is the
// replay contract (Testable Property 3).
type transitionFunc func(s *State, e event.Event)

// transitions maps each event type to its effect, exactly mirroring the
// table in the specification. This mirrors the teacher's putFactories
// map of write strategies (store/write.go) — a closed table of pure
// functions keyed by a small enum, instead of a type switch.
var transitions = map[event.Type]transitionFunc{
	event.WorkflowCreated:   applyWorkflowCreated,
	event.StepScheduled:     applyStepScheduled,
	event.StepStarted:       applyStepStarted,
	event.StepCompleted:     applyStepCompleted,
	event.StepFailed:        applyStepFailed,
	event.WorkflowCompleted: applyWorkflowCompleted,
	event.WorkflowFailed:    applyWorkflowFailed,
	event.WorkflowCancelled: applyWorkflowCancelled,
}

// Apply folds one event into state, returning the same *State for
// convenient chaining. Unknown event types are a no-op aside from the
// version bump (and idempotency-key recording), so forward-compatible
// schema evolution (new event types added later) never panics an older
// reader — it simply does not interpret what it doesn't know about.
// Version counts such events like any other.
func Apply(s *State, e event.Event) *State {
	if fn, ok := transitions[e.Type]; ok {
		fn(s, e)
	}
	s.recordKey(e)
	s.Version++
	return s
}

// Hydrate rebuilds state by folding events, which MUST already be sorted
// by Sequence, left to right over a fresh State for workflowID.
func Hydrate(workflowID string, events []event.Event) *State {
	s := NewState(workflowID)
	for _, e := range events {
		Apply(s, e)
	}
	return s
}

// HydrateFromCheckpoint resumes a state fold from a previously persisted
// checkpoint: it folds only the events with Sequence >= base.Version onto
// base directly (base is mutated and returned), instead of replaying the
// workflow's full history from scratch. events need not be pre-filtered;
// anything already covered by the checkpoint is skipped.
func HydrateFromCheckpoint(base *State, events []event.Event) *State {
	for _, e := range events {
		if e.Sequence < base.Version {
			continue
		}
		Apply(base, e)
	}
	return base
}

func applyWorkflowCreated(s *State, e event.Event) {
	s.Name = e.Payload.Name
	s.Input = e.Payload.Input
	s.Steps = make([]StepState, len(e.Payload.Steps))
	for i, name := range e.Payload.Steps {
		s.Steps[i] = StepState{Name: name, Status: StepPending}
	}
	s.Overall = Pending
}

func applyStepScheduled(s *State, e event.Event) {
	idx := s.stepIndex(e.Payload.Step)
	if idx < 0 {
		return
	}
	s.Steps[idx].Status = StepScheduled
	s.Steps[idx].ScheduledCount++
	s.Overall = Running
}

func applyStepStarted(s *State, e event.Event) {
	idx := s.stepIndex(e.Payload.Step)
	if idx < 0 {
		return
	}
	s.Steps[idx].Status = StepRunning
}

func applyStepCompleted(s *State, e event.Event) {
	idx := s.stepIndex(e.Payload.Step)
	if idx < 0 {
		return
	}
	s.Steps[idx].Status = StepCompleted
	s.Steps[idx].Error = ""
	if idx >= s.CurrentStepIndex {
		s.CurrentStepIndex = idx + 1
	}

	if s.AllStepsCompleted() {
		s.Overall = Waiting
	} else {
		s.Overall = Running
	}
}

func applyStepFailed(s *State, e event.Event) {
	idx := s.stepIndex(e.Payload.Step)
	if idx < 0 {
		return
	}
	s.Steps[idx].Status = StepFailed
	s.Steps[idx].Error = e.Payload.Error

	if e.Payload.Retryable {
		s.Overall = Waiting
	} else {
		s.Overall = Failed
	}
}

func applyWorkflowCompleted(s *State, e event.Event) {
	s.Output = e.Payload.Output
	s.Overall = Completed
}

func applyWorkflowFailed(s *State, e event.Event) {
	s.Error = e.Payload.Reason
	s.Overall = Failed
}

func applyWorkflowCancelled(s *State, e event.Event) {
	s.Overall = Cancelled
}

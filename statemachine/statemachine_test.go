package statemachine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"flowcore/event"
)

func created(workflowID string, steps []string) event.Event {
	return event.Event{
		ID:         event.NewID(),
		Type:       event.WorkflowCreated,
		WorkflowID: workflowID,
		Sequence:   0,
		Payload:    event.Payload{Name: "flow_A", Input: map[string]string{"x": "1"}, Steps: steps},
	}
}

func TestApply_WorkflowCreated(t *testing.T) {
	e := created("wf1", []string{"s1", "s2"})
	s := Apply(NewState("wf1"), e)

	if s.Overall != Pending {
		t.Fatalf("overall = %v, want pending", s.Overall)
	}
	if len(s.Steps) != 2 || s.Steps[0].Status != StepPending || s.Steps[1].Status != StepPending {
		t.Fatalf("steps not initialized to pending: %+v", s.Steps)
	}
	if s.Version != 1 {
		t.Fatalf("version = %d, want 1", s.Version)
	}
}

func TestApply_HappyPathSingleStep(t *testing.T) {
	events := []event.Event{
		created("wf1", []string{"s1"}),
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 1, Payload: event.Payload{Step: "s1", Attempt: 1}},
		{Type: event.StepCompleted, WorkflowID: "wf1", Sequence: 2, Payload: event.Payload{Step: "s1", Result: `{"ok":true}`, DurationMS: 100}},
		{Type: event.WorkflowCompleted, WorkflowID: "wf1", Sequence: 3, Payload: event.Payload{Output: "completed_steps:[s1]"}},
	}

	s := Hydrate("wf1", events)

	if s.Overall != Completed {
		t.Fatalf("overall = %v, want completed", s.Overall)
	}
	if s.Version != 4 {
		t.Fatalf("version = %d, want 4", s.Version)
	}
	if s.Steps[0].Status != StepCompleted {
		t.Fatalf("step status = %v, want completed", s.Steps[0].Status)
	}
	if _, ok := s.NextRunnableStep(); ok {
		t.Fatalf("expected no runnable step on a completed workflow")
	}
}

func TestApply_StepFailedRetryableLeavesWaiting(t *testing.T) {
	events := []event.Event{
		created("wf1", []string{"s1"}),
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 1, Payload: event.Payload{Step: "s1", Attempt: 1}},
		{Type: event.StepFailed, WorkflowID: "wf1", Sequence: 2, Payload: event.Payload{Step: "s1", Error: "boom", Retryable: true}},
	}
	s := Hydrate("wf1", events)

	if s.Overall != Waiting {
		t.Fatalf("overall = %v, want waiting", s.Overall)
	}
	if s.Steps[0].Status != StepFailed {
		t.Fatalf("step status = %v, want failed", s.Steps[0].Status)
	}
}

func TestApply_StepFailedNonRetryableTerminates(t *testing.T) {
	events := []event.Event{
		created("wf1", []string{"s1"}),
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 1, Payload: event.Payload{Step: "s1", Attempt: 1}},
		{Type: event.StepFailed, WorkflowID: "wf1", Sequence: 2, Payload: event.Payload{Step: "s1", Error: "boom", Retryable: false}},
	}
	s := Hydrate("wf1", events)

	if s.Overall != Failed {
		t.Fatalf("overall = %v, want failed", s.Overall)
	}
	if !s.Overall.Terminal() {
		t.Fatalf("expected terminal overall state")
	}
}

func TestApply_WorkflowCancelledIsTerminal(t *testing.T) {
	events := []event.Event{
		created("wf1", []string{"s1"}),
		{Type: event.WorkflowCancelled, WorkflowID: "wf1", Sequence: 1},
	}
	s := Hydrate("wf1", events)
	if s.Overall != Cancelled || !s.Overall.Terminal() {
		t.Fatalf("overall = %v, want terminal cancelled", s.Overall)
	}
	if _, ok := s.NextRunnableStep(); ok {
		t.Fatalf("cancelled workflow must offer no runnable step")
	}
}

func TestIdempotencyKeyExists(t *testing.T) {
	key := event.IdempotencyKey("wf1", "s1", 1)
	events := []event.Event{
		created("wf1", []string{"s1"}),
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 1, Payload: event.Payload{Step: "s1", Attempt: 1}},
		{
			Type: event.StepCompleted, WorkflowID: "wf1", Sequence: 2,
			Payload:  event.Payload{Step: "s1"},
			Metadata: map[string]string{event.IdempotencyKeyMeta: key},
		},
	}
	s := Hydrate("wf1", events)

	if !s.IdempotencyKeyExists(key) {
		t.Fatalf("expected idempotency key to be recorded")
	}
	if s.IdempotencyKeyExists("nope") {
		t.Fatalf("unexpected idempotency key hit")
	}
}

// TestHydrate_ReplayEquivalence is Testable Property 7: folding events
// incrementally as they are appended must equal Hydrate applied after
// the fact, checked here over one complete two-step log.
func TestHydrate_ReplayEquivalence(t *testing.T) {
	events := []event.Event{
		created("wf1", []string{"s1", "s2"}),
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 1, Payload: event.Payload{Step: "s1", Attempt: 1}},
		{Type: event.StepCompleted, WorkflowID: "wf1", Sequence: 2, Payload: event.Payload{Step: "s1"}},
		{Type: event.StepScheduled, WorkflowID: "wf1", Sequence: 3, Payload: event.Payload{Step: "s2", Attempt: 1}},
		{Type: event.StepCompleted, WorkflowID: "wf1", Sequence: 4, Payload: event.Payload{Step: "s2"}},
		{Type: event.WorkflowCompleted, WorkflowID: "wf1", Sequence: 5},
	}

	incremental := NewState("wf1")
	for _, e := range events {
		Apply(incremental, e)
	}

	fromScratch := Hydrate("wf1", events)

	if diff := cmp.Diff(fromScratch, incremental, cmpopts.IgnoreUnexported(State{})); diff != "" {
		t.Fatalf("hydrate vs incremental apply mismatch (-hydrate +incremental):\n%s", diff)
	}

	// Calling Hydrate twice over the same input must be a pure function
	// of that input.
	again := Hydrate("wf1", events)
	if diff := cmp.Diff(fromScratch, again, cmpopts.IgnoreUnexported(State{})); diff != "" {
		t.Fatalf("hydrate is not deterministic:\n%s", diff)
	}
}

func TestDeepCloneIsIndependent(t *testing.T) {
	s := Hydrate("wf1", []event.Event{created("wf1", []string{"s1"})})
	clone := s.Clone()
	clone.Input["x"] = "mutated"
	clone.Steps[0].Status = StepCompleted

	if s.Input["x"] == "mutated" {
		t.Fatalf("clone mutation leaked into original input")
	}
	if s.Steps[0].Status == StepCompleted {
		t.Fatalf("clone mutation leaked into original steps")
	}
}

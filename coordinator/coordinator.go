// Package coordinator implements the per-workflow state owner: the only
// component permitted to request WAL appends for its workflow. Like the
// teacher's eventLoopStore (store/eventloop_store.go), exactly one
// goroutine owns the derived statemachine.State and every public method
// is a request/response round trip through that goroutine, so operations
// on one workflow are strictly serialized without a mutex.
package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"flowcore/errs"
	"flowcore/event"
	"flowcore/metrics"
	"flowcore/statemachine"
)

// WAL is the narrow slice of wal.Service the coordinator depends on. A
// named interface here — rather than importing *wal.Service directly —
// is the trait/interface boundary the design notes call for (spec.md §9:
// "a Committer interface the dispatcher calls"); the coordinator's half
// of that boundary is this WAL contract.
type WAL interface {
	Append(e event.Event) (int64, error)
	Replay(ctx context.Context, workflowID string) ([]event.Event, error)
}

type opKind int

const (
	opCreate opKind = iota
	opAdvance
	opStepCompleted
	opStepFailed
	opCancel
	opGetState
	opHydrate
	opHydrateFrom
	opStop
)

type request struct {
	op             opKind
	name           string
	input          map[string]string
	steps          []string
	step           string
	result         string
	durationMS     int64
	errMsg         string
	retryable      bool
	idempotencyKey string
	baseState      *statemachine.State
	reply          chan response
}

type response struct {
	state *statemachine.State
	err   error
}

// Coordinator owns one workflow's derived state and is the sole writer
// of events for it.
type Coordinator struct {
	workflowID string
	wal        WAL
	logger     *zap.SugaredLogger
	metrics    *metrics.Set

	reqChan chan request
	doneCh  chan struct{}
}

// New starts a Coordinator's owning goroutine for workflowID. It does not
// hydrate automatically — callers that are recovering from a restart
// must call Hydrate before any other operation.
func New(workflowID string, w WAL, logger *zap.SugaredLogger, m *metrics.Set) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Coordinator{
		workflowID: workflowID,
		wal:        w,
		logger:     logger,
		metrics:    m,
		reqChan:    make(chan request),
		doneCh:     make(chan struct{}),
	}
	go c.loop()
	return c
}

// WorkflowID returns the workflow id this coordinator owns.
func (c *Coordinator) WorkflowID() string { return c.workflowID }

func (c *Coordinator) loop() {
	state := statemachine.NewState(c.workflowID)

	for req := range c.reqChan {
		switch req.op {

		case opCreate:
			req.reply <- response{err: c.doCreate(state, req)}

		case opAdvance:
			req.reply <- response{err: c.doAdvance(state)}

		case opStepCompleted:
			req.reply <- response{err: c.doStepCompleted(state, req)}

		case opStepFailed:
			req.reply <- response{err: c.doStepFailed(state, req)}

		case opCancel:
			req.reply <- response{err: c.doCancel(state)}

		case opGetState:
			req.reply <- response{state: state.Clone()}

		case opHydrate:
			req.reply <- response{err: c.doHydrate(&state)}

		case opHydrateFrom:
			req.reply <- response{err: c.doHydrateFrom(&state, req.baseState)}

		case opStop:
			req.reply <- response{}
			close(c.doneCh)
			return
		}
	}
}

// doCreate rejects if state version > 0 (already created); otherwise
// builds a workflow_created event with sequence 0 and commits it.
func (c *Coordinator) doCreate(state *statemachine.State, req request) error {
	if state.Version > 0 {
		return errs.ErrAlreadyCreated
	}

	e := event.Event{
		ID:         event.NewID(),
		Type:       event.WorkflowCreated,
		WorkflowID: c.workflowID,
		Sequence:   0,
		Timestamp:  event.NextLogicalTime(),
		Payload:    event.Payload{Name: req.name, Input: req.input, Steps: req.steps},
	}
	return c.commit(state, e)
}

// doAdvance looks up the next runnable step. If one exists, it schedules
// it; otherwise, if every step has completed, it emits workflow_completed;
// otherwise it reports no_runnable_step.
func (c *Coordinator) doAdvance(state *statemachine.State) error {
	if step, ok := state.NextRunnableStep(); ok {
		idx := -1
		for i, s := range state.Steps {
			if s.Name == step {
				idx = i
				break
			}
		}
		attempt := 1
		if idx >= 0 {
			attempt = state.Steps[idx].ScheduledCount + 1
		}

		e := event.Event{
			ID:         event.NewID(),
			Type:       event.StepScheduled,
			WorkflowID: c.workflowID,
			Sequence:   state.Version,
			Timestamp:  event.NextLogicalTime(),
			Payload:    event.Payload{Step: step, Attempt: attempt},
		}
		return c.commit(state, e)
	}

	if state.AllStepsCompleted() {
		e := event.Event{
			ID:         event.NewID(),
			Type:       event.WorkflowCompleted,
			WorkflowID: c.workflowID,
			Sequence:   state.Version,
			Timestamp:  event.NextLogicalTime(),
			Payload:    event.Payload{Output: fmt.Sprintf("completed_steps:%v", stepNames(state))},
		}
		return c.commit(state, e)
	}

	return errs.ErrNoRunnableStep
}

func stepNames(state *statemachine.State) []string {
	names := make([]string, len(state.Steps))
	for i, s := range state.Steps {
		names[i] = s.Name
	}
	return names
}

// doStepCompleted is the commit gate: duplicate idempotency keys are
// discarded without touching the WAL; reports against a terminal workflow
// or a step that is not scheduled/running are rejected; otherwise
// step_completed is committed.
func (c *Coordinator) doStepCompleted(state *statemachine.State, req request) error {
	if req.idempotencyKey != "" && state.IdempotencyKeyExists(req.idempotencyKey) {
		c.metrics.IncCoordinatorDuplicate()
		return errs.ErrDuplicate
	}

	idx := stepIndex(state, req.step)
	if idx < 0 || state.Overall.Terminal() || !admitsCompletion(state.Steps[idx].Status) {
		return errs.ErrUnexpectedStep
	}

	e := event.Event{
		ID:         event.NewID(),
		Type:       event.StepCompleted,
		WorkflowID: c.workflowID,
		Sequence:   state.Version,
		Timestamp:  event.NextLogicalTime(),
		Payload:    event.Payload{Step: req.step, Result: req.result, DurationMS: req.durationMS},
		Metadata:   metaFor(req.idempotencyKey),
	}
	return c.commit(state, e)
}

// doStepFailed is analogous to doStepCompleted; retryable governs the
// terminal decision made downstream by the state machine's transition.
func (c *Coordinator) doStepFailed(state *statemachine.State, req request) error {
	if req.idempotencyKey != "" && state.IdempotencyKeyExists(req.idempotencyKey) {
		c.metrics.IncCoordinatorDuplicate()
		return errs.ErrDuplicate
	}

	idx := stepIndex(state, req.step)
	if idx < 0 || state.Overall.Terminal() || !admitsCompletion(state.Steps[idx].Status) {
		return errs.ErrUnexpectedStep
	}

	e := event.Event{
		ID:         event.NewID(),
		Type:       event.StepFailed,
		WorkflowID: c.workflowID,
		Sequence:   state.Version,
		Timestamp:  event.NextLogicalTime(),
		Payload:    event.Payload{Step: req.step, Error: req.errMsg, Retryable: req.retryable},
		Metadata:   metaFor(req.idempotencyKey),
	}
	return c.commit(state, e)
}

func (c *Coordinator) doCancel(state *statemachine.State) error {
	if state.Overall.Terminal() {
		return errs.ErrAlreadyTerminal
	}
	e := event.Event{
		ID:         event.NewID(),
		Type:       event.WorkflowCancelled,
		WorkflowID: c.workflowID,
		Sequence:   state.Version,
		Timestamp:  event.NextLogicalTime(),
	}
	return c.commit(state, e)
}

// doHydrate replays the WAL for this workflow and folds the events; it
// performs no writes.
func (c *Coordinator) doHydrate(state **statemachine.State) error {
	events, err := c.wal.Replay(context.Background(), c.workflowID)
	if err != nil {
		return fmt.Errorf("coordinator: replay: %w", err)
	}
	*state = statemachine.Hydrate(c.workflowID, events)
	return nil
}

// doHydrateFrom resumes from a checkpointed base state rather than
// replaying the workflow's full history: it replays the WAL but only
// folds events at or past the checkpoint's Version, closing the gap
// between the last persisted checkpoint and the current WAL tail. If
// base is nil it behaves exactly like doHydrate.
func (c *Coordinator) doHydrateFrom(state **statemachine.State, base *statemachine.State) error {
	if base == nil {
		return c.doHydrate(state)
	}
	events, err := c.wal.Replay(context.Background(), c.workflowID)
	if err != nil {
		return fmt.Errorf("coordinator: replay: %w", err)
	}
	*state = statemachine.HydrateFromCheckpoint(base, events)
	return nil
}

// commit is the ordering rule from spec.md §4.4: the coordinator MUST
// write to the WAL BEFORE updating any in-memory state. If the WAL
// returns failure, the state update is skipped entirely and the error is
// surfaced unchanged.
func (c *Coordinator) commit(state *statemachine.State, e event.Event) error {
	if _, err := c.wal.Append(e); err != nil {
		c.metrics.IncCoordinatorDiskFailure()
		c.logger.Errorw("coordinator commit failed", "workflow_id", c.workflowID, "event_type", e.Type, "error", err)
		return fmt.Errorf("coordinator: %w", errs.ErrDiskFailure)
	}
	statemachine.Apply(state, e)
	c.logger.Debugw("coordinator committed event", "workflow_id", c.workflowID, "event_type", e.Type, "sequence", e.Sequence)
	return nil
}

func stepIndex(state *statemachine.State, name string) int {
	for i, s := range state.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// admitsCompletion reports whether a step in status may legally receive
// a completion or failure report: it must have been scheduled or already
// started running.
func admitsCompletion(status statemachine.StepStatus) bool {
	return status == statemachine.StepScheduled || status == statemachine.StepRunning
}

func metaFor(idempotencyKey string) map[string]string {
	if idempotencyKey == "" {
		return nil
	}
	return map[string]string{event.IdempotencyKeyMeta: idempotencyKey}
}

// --- public request/response API ---

func (c *Coordinator) do(req request) error {
	req.reply = make(chan response, 1)
	select {
	case c.reqChan <- req:
		return (<-req.reply).err
	case <-c.doneCh:
		return errs.ErrNotFound
	}
}

// Create builds the workflow_created event, or returns ErrAlreadyCreated
// if this coordinator already holds a version > 0.
func (c *Coordinator) Create(name string, input map[string]string, steps []string) error {
	return c.do(request{op: opCreate, name: name, input: input, steps: steps})
}

// Advance schedules the next pending step, emits workflow_completed once
// every step is done, or returns ErrNoRunnableStep.
func (c *Coordinator) Advance() error {
	return c.do(request{op: opAdvance})
}

// StepCompleted reports a successful step execution. idempotencyKey may
// be empty, in which case no duplicate-detection is performed for this
// report.
func (c *Coordinator) StepCompleted(step, result string, durationMS int64, idempotencyKey string) error {
	return c.do(request{op: opStepCompleted, step: step, result: result, durationMS: durationMS, idempotencyKey: idempotencyKey})
}

// StepFailed reports a failed step execution.
func (c *Coordinator) StepFailed(step, errMsg string, retryable bool, idempotencyKey string) error {
	return c.do(request{op: opStepFailed, step: step, errMsg: errMsg, retryable: retryable, idempotencyKey: idempotencyKey})
}

// Cancel terminates the workflow, or returns ErrAlreadyTerminal.
func (c *Coordinator) Cancel() error {
	return c.do(request{op: opCancel})
}

// GetState returns a snapshot of the coordinator's current derived state.
func (c *Coordinator) GetState() (*statemachine.State, error) {
	req := request{op: opGetState, reply: make(chan response, 1)}
	select {
	case c.reqChan <- req:
		resp := <-req.reply
		return resp.state, resp.err
	case <-c.doneCh:
		return nil, errs.ErrNotFound
	}
}

// Hydrate replays the WAL and rebuilds this coordinator's in-memory
// state from scratch. Intended for use immediately after construction,
// on process restart.
func (c *Coordinator) Hydrate() error {
	return c.do(request{op: opHydrate})
}

// HydrateFrom resumes from a checkpointed base state instead of
// replaying the workflow's entire history: only WAL events at or past
// base's Version are folded on top of it. Intended for use immediately
// after construction, when a checkpoint load succeeded.
func (c *Coordinator) HydrateFrom(base *statemachine.State) error {
	return c.do(request{op: opHydrateFrom, baseState: base})
}

// Stop terminates the coordinator's owning goroutine. Safe to call more
// than once; further operations return ErrNotFound.
func (c *Coordinator) Stop() {
	req := request{op: opStop, reply: make(chan response, 1)}
	select {
	case c.reqChan <- req:
		<-req.reply
	case <-c.doneCh:
	}
}

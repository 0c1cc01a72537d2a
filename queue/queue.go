// Package queue implements the scheduler's FIFO pull-queue. It follows
// the teacher's event-loop-store idiom verbatim (store/eventloop_store.go):
// exactly one goroutine owns the underlying slices/maps and every
// operation is a request/response round trip through a channel, which
// eliminates locks and guarantees linearizable ordering of
// enqueue/pull/complete/requeue.
package queue

import (
	"sort"

	"go.uber.org/zap"

	"flowcore/errs"
	"flowcore/event"
)

type opKind int

const (
	opEnqueue opKind = iota
	opPull
	opComplete
	opRequeue
	opDepth
	opListPending
)

type request struct {
	op       opKind
	task     event.Task
	taskID   string
	reply    chan response
}

type response struct {
	task    event.Task
	tasks   []event.Task
	depth   int
	ok      bool
	err     error
}

// Queue is the single-owner FIFO task queue plus its pending-set.
type Queue struct {
	reqChan chan request
	logger  *zap.SugaredLogger
}

// New starts the queue's owning goroutine and returns a handle to it.
func New(logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	q := &Queue{
		reqChan: make(chan request),
		logger:  logger,
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	var ready []event.Task
	pending := make(map[string]event.Task)

	for req := range q.reqChan {
		switch req.op {

		case opEnqueue:
			ready = append(ready, req.task)
			req.reply <- response{task: req.task}

		case opPull:
			if len(ready) == 0 {
				req.reply <- response{err: errs.ErrNoTask}
				continue
			}
			t := ready[0]
			ready = ready[1:]
			pending[t.TaskID] = t
			req.reply <- response{task: t, ok: true}

		case opComplete:
			if _, ok := pending[req.taskID]; !ok {
				req.reply <- response{err: errs.ErrUnknownTask}
				continue
			}
			delete(pending, req.taskID)
			req.reply <- response{ok: true}

		case opRequeue:
			t, ok := pending[req.taskID]
			if !ok {
				req.reply <- response{err: errs.ErrUnknownTask}
				continue
			}
			delete(pending, req.taskID)
			t.Attempt++
			ready = append(ready, t)
			req.reply <- response{task: t, ok: true}

		case opDepth:
			req.reply <- response{depth: len(ready)}

		case opListPending:
			out := make([]event.Task, 0, len(pending))
			for _, t := range pending {
				out = append(out, t)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
			req.reply <- response{tasks: out}
		}
	}
}

// Enqueue appends a new task to the tail of the ready queue.
func (q *Queue) Enqueue(workflowID, step string, attempt, priority int, enqueuedAt int64) event.Task {
	t := event.Task{
		TaskID:     event.NewID(),
		WorkflowID: workflowID,
		Step:       step,
		Attempt:    attempt,
		Priority:   priority,
		EnqueuedAt: enqueuedAt,
	}
	reply := make(chan response, 1)
	q.reqChan <- request{op: opEnqueue, task: t, reply: reply}
	resp := <-reply
	return resp.task
}

// Pull removes the head of the ready queue and moves it into the pending
// set. It returns errs.ErrNoTask if nothing is ready.
func (q *Queue) Pull() (event.Task, error) {
	reply := make(chan response, 1)
	q.reqChan <- request{op: opPull, reply: reply}
	resp := <-reply
	return resp.task, resp.err
}

// Complete removes taskID from the pending set.
func (q *Queue) Complete(taskID string) error {
	reply := make(chan response, 1)
	q.reqChan <- request{op: opComplete, taskID: taskID, reply: reply}
	resp := <-reply
	return resp.err
}

// Requeue pops taskID from the pending set, increments its attempt, and
// pushes it back to the tail of the ready queue. Used when a lease
// acquisition fails after a successful pull, or when a worker goes
// silent while holding the task.
func (q *Queue) Requeue(taskID string) (event.Task, error) {
	reply := make(chan response, 1)
	q.reqChan <- request{op: opRequeue, taskID: taskID, reply: reply}
	resp := <-reply
	return resp.task, resp.err
}

// Depth returns the number of ready (not yet pulled) tasks.
func (q *Queue) Depth() int {
	reply := make(chan response, 1)
	q.reqChan <- request{op: opDepth, reply: reply}
	return (<-reply).depth
}

// ListPending returns a snapshot of tasks currently pulled but not yet
// resolved, sorted by task id for deterministic observability output.
func (q *Queue) ListPending() []event.Task {
	reply := make(chan response, 1)
	q.reqChan <- request{op: opListPending, reply: reply}
	return (<-reply).tasks
}

// Package worker implements the polling runtime each worker process
// embeds: pull a task, run the caller's step handler under a deadline,
// report the outcome. It mirrors the teacher's wal/worker.go idiom —
// one goroutine, everything serialized through a simple loop with no
// shared mutable state — generalized from "the sole writer of one WAL
// file" to "the sole executor of one worker identity's polling loop."
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"flowcore/errs"
	"flowcore/protocol"
)

// StepHandler executes one step's side effect. It must return promptly
// after ctx is cancelled; the runtime enforces the hard timeout by
// cancelling ctx and reporting the timeout without waiting for the
// handler, so a handler that ignores cancellation leaks its goroutine —
// callers are expected to respect ctx like any well-behaved blocking call.
type StepHandler func(ctx context.Context, workflowID, step string, attempt int, input map[string]string) (output string, err error)

// Dispatcher is the narrow slice of dispatcher.Dispatcher a worker needs.
type Dispatcher interface {
	RegisterWorker(workerID string)
	Heartbeat(workerID string) error
	RequestTask(workerID string) (protocol.TaskAssignment, error)
	ReportCompleted(workerID, leaseID string, fencingToken uint64, o protocol.Outcome) error
	ReportFailed(workerID, leaseID string, fencingToken uint64, o protocol.Outcome) error
}

// Runtime is one worker's polling loop.
type Runtime struct {
	workerID          string
	dispatcher        Dispatcher
	handler           StepHandler
	pollInterval      time.Duration
	stepTimeout       time.Duration
	heartbeatInterval time.Duration
	logger            *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Runtime for workerID. pollInterval governs the steady
// cadence when work is flowing; idle polls back off past it using an
// exponential policy, capped well under any caller-relevant staleness
// bound. heartbeatInterval should be half the dispatcher's configured
// worker_timeout, so a step still executing when the poll loop would
// otherwise go quiet keeps the dispatcher's silence sweep from evicting
// a worker that is merely busy.
func New(workerID string, d Dispatcher, handler StepHandler, pollInterval, stepTimeout, heartbeatInterval time.Duration, logger *zap.SugaredLogger) *Runtime {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runtime{
		workerID:          workerID,
		dispatcher:        d,
		handler:           handler,
		pollInterval:      pollInterval,
		stepTimeout:       stepTimeout,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		stopCh:            make(chan struct{}),
	}
}

// Start registers the worker and launches its polling goroutine.
func (r *Runtime) Start() {
	r.dispatcher.RegisterWorker(r.workerID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

// Stop signals the polling goroutine to exit and waits for it.
func (r *Runtime) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runtime) loop() {
	idleBackoff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.pollInterval),
		backoff.WithMaxInterval(30*r.pollInterval),
		backoff.WithMaxElapsedTime(0), // never give up polling
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
		}

		assignment, err := r.dispatcher.RequestTask(r.workerID)
		switch {
		case err == nil:
			idleBackoff.Reset()
			r.execute(assignment)
			timer.Reset(r.pollInterval)

		case errors.Is(err, errs.ErrNoTask):
			timer.Reset(idleBackoff.NextBackOff())

		default:
			r.logger.Warnw("request_task failed", "worker_id", r.workerID, "error", err)
			timer.Reset(idleBackoff.NextBackOff())
		}
	}
}

// execute runs the step handler under the lease's deadline (falling back
// to stepTimeout if the assignment carries none) and reports the
// outcome. A handler that returns after the deadline is still reported
// as a timeout — its result, if any, is discarded, matching the spec's
// "a worker is permitted to die at any time; its in-flight result is
// forfeit" rule applied to the slow-handler case too. For the duration
// of execution it also heartbeats on its own, independent of the poll
// loop, so a step slower than worker_timeout never reads as silence.
func (r *Runtime) execute(a protocol.TaskAssignment) {
	timeout := r.stepTimeout
	if a.Deadline > 0 {
		if untilDeadline := time.Duration(a.Deadline - time.Now().UnixNano()); untilDeadline < timeout || timeout <= 0 {
			timeout = untilDeadline
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	heartbeatStop := r.startHeartbeat()
	defer close(heartbeatStop)

	start := time.Now()
	type result struct {
		output string
		err    error
	}
	done := make(chan result, 1)

	go func() {
		output, err := r.handler(ctx, a.WorkflowID, a.Step, a.Attempt, a.Input)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		durationMS := time.Since(start).Milliseconds()
		if res.err != nil {
			r.reportFailed(a, res.err.Error(), true)
			return
		}
		r.reportCompleted(a, res.output, durationMS)

	case <-ctx.Done():
		r.reportFailed(a, "step execution timed out", true)
	}
}

// startHeartbeat launches a ticker that keeps the dispatcher's liveness
// table fresh while a step executes, and returns the channel that stops
// it. Closing the returned channel (rather than sending on it) lets the
// caller defer a plain close() regardless of whether the ticker ever
// fired.
func (r *Runtime) startHeartbeat() chan struct{} {
	stop := make(chan struct{})
	if r.heartbeatInterval <= 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.dispatcher.Heartbeat(r.workerID); err != nil {
					r.logger.Warnw("heartbeat failed during execution", "worker_id", r.workerID, "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func (r *Runtime) reportCompleted(a protocol.TaskAssignment, output string, durationMS int64) {
	o := protocol.Outcome{
		Kind:       protocol.OutcomeCompleted,
		TaskID:     a.TaskID,
		WorkflowID: a.WorkflowID,
		Step:       a.Step,
		LeaseID:    a.LeaseID,
		Result:     output,
		DurationMS: durationMS,
	}
	if err := r.dispatcher.ReportCompleted(r.workerID, a.LeaseID, a.FencingToken, o); err != nil {
		r.logger.Warnw("report_completed rejected", "worker_id", r.workerID, "task_id", a.TaskID, "error", err)
	}
}

func (r *Runtime) reportFailed(a protocol.TaskAssignment, errMsg string, retryable bool) {
	o := protocol.Outcome{
		Kind:       protocol.OutcomeFailed,
		TaskID:     a.TaskID,
		WorkflowID: a.WorkflowID,
		Step:       a.Step,
		LeaseID:    a.LeaseID,
		Error:      errMsg,
		Retryable:  retryable,
	}
	if err := r.dispatcher.ReportFailed(r.workerID, a.LeaseID, a.FencingToken, o); err != nil {
		r.logger.Warnw("report_failed rejected", "worker_id", r.workerID, "task_id", a.TaskID, "error", err)
	}
}

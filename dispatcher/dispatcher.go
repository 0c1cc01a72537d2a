// Package dispatcher bridges the task queue, lease manager, and workers.
// Its lifecycle and worker-registry idioms are grounded on the teacher's
// server package (server/server.go for Start/Stop plus a background
// sweep goroutine, server/connection.go for the timeout-as-resource-
// guardrail pattern) generalized from "accept TCP connections" to
// "admit polling workers."
package dispatcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"flowcore/coordinator"
	"flowcore/errs"
	"flowcore/event"
	"flowcore/lease"
	"flowcore/metrics"
	"flowcore/protocol"
	"flowcore/queue"
)

// WorkerStatus is a worker's admission state in the registry.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

type workerState struct {
	id            string
	status        WorkerStatus
	lastHeartbeat time.Time
	taskID        string
	leaseID       string
}

// Dispatcher tracks registered workers and routes task pulls, lease
// acquisition, and result reports between the queue, lease manager, and
// each workflow's coordinator.
type Dispatcher struct {
	mu      sync.Mutex
	workers map[string]*workerState

	queue    *queue.Queue
	leases   *lease.Manager
	registry *coordinator.Registry
	clock    lease.Clock

	leaseDuration time.Duration
	workerTimeout time.Duration

	logger  *zap.SugaredLogger
	metrics *metrics.Set

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Dispatcher. leaseDuration is used for every lease it
// acquires on a worker's behalf; workerTimeout governs the silence sweep.
func New(q *queue.Queue, leases *lease.Manager, registry *coordinator.Registry, clock lease.Clock, leaseDuration, workerTimeout time.Duration, logger *zap.SugaredLogger, m *metrics.Set) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = lease.RealClock()
	}
	return &Dispatcher{
		workers:       make(map[string]*workerState),
		queue:         q,
		leases:        leases,
		registry:      registry,
		clock:         clock,
		leaseDuration: leaseDuration,
		workerTimeout: workerTimeout,
		logger:        logger,
		metrics:       m,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background worker-silence sweep. Grounded on
// walStore.startSnapshotSupervisor's ticker-plus-done-channel shape.
func (d *Dispatcher) Start(sweepInterval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.SweepSilentWorkers()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// ScheduleStep enqueues a scheduled step as a runnable task. Thin wrapper
// over queue.Enqueue, called by the orchestration loop immediately after
// a coordinator successfully commits step_scheduled.
func (d *Dispatcher) ScheduleStep(workflowID, step string, attempt int) event.Task {
	return d.queue.Enqueue(workflowID, step, attempt, 0, event.NextLogicalTime())
}

// RegisterWorker admits workerID into the registry with status idle.
func (d *Dispatcher) RegisterWorker(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[workerID] = &workerState{id: workerID, status: WorkerIdle, lastHeartbeat: d.clock.Now()}
}

// Heartbeat refreshes workerID's liveness timestamp.
func (d *Dispatcher) Heartbeat(workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return errs.ErrUnknownWorker
	}
	w.lastHeartbeat = d.clock.Now()
	return nil
}

// RequestTask heartbeats workerID, pulls a task from the queue, and
// acquires a fresh lease for it. If lease acquisition ever fails, the
// task is requeued rather than handed out half-assigned; with the
// in-process lease.Manager that acquisition path cannot itself fail, but
// the requeue-on-failure branch is kept to match the dispatcher contract
// for any future lease backend that can.
func (d *Dispatcher) RequestTask(workerID string) (protocol.TaskAssignment, error) {
	d.mu.Lock()
	w, ok := d.workers[workerID]
	if !ok {
		d.mu.Unlock()
		return protocol.TaskAssignment{}, errs.ErrUnknownWorker
	}
	w.lastHeartbeat = d.clock.Now()
	d.mu.Unlock()

	task, err := d.queue.Pull()
	if err != nil {
		return protocol.TaskAssignment{}, err
	}

	l := d.leases.Acquire(task.WorkflowID, task.Step, task.Attempt, d.leaseDuration)
	if l.LeaseID == "" {
		d.queue.Requeue(task.TaskID)
		return protocol.TaskAssignment{}, errs.ErrDiskFailure
	}

	assignment := protocol.TaskAssignment{
		TaskID:       task.TaskID,
		WorkflowID:   task.WorkflowID,
		Step:         task.Step,
		Attempt:      task.Attempt,
		LeaseID:      l.LeaseID,
		FencingToken: l.FencingToken,
		Deadline:     l.ExpiresAt,
	}
	if c, ok := d.registry.Get(task.WorkflowID); ok {
		if state, err := c.GetState(); err == nil {
			assignment.Input = state.Input
		}
	}

	d.mu.Lock()
	w.status = WorkerBusy
	w.taskID = task.TaskID
	w.leaseID = l.LeaseID
	d.mu.Unlock()

	return assignment, nil
}

// ReportCompleted validates the lease backing a worker's claim and, only
// if that validation succeeds, forwards the result to the owning
// coordinator. The dispatcher never forwards a result whose lease
// validation failed.
func (d *Dispatcher) ReportCompleted(workerID, leaseID string, fencingToken uint64, o protocol.Outcome) error {
	if err := d.leases.ValidateForCommit(leaseID, fencingToken); err != nil {
		return err
	}
	d.leases.Release(leaseID)
	d.finishWorker(workerID)
	_ = d.queue.Complete(o.TaskID)

	c, ok := d.registry.Get(o.WorkflowID)
	if !ok {
		return errs.ErrNotFound
	}
	return c.StepCompleted(o.Step, o.Result, o.DurationMS, "")
}

// ReportFailed is ReportCompleted's counterpart for a failed execution.
func (d *Dispatcher) ReportFailed(workerID, leaseID string, fencingToken uint64, o protocol.Outcome) error {
	if err := d.leases.ValidateForCommit(leaseID, fencingToken); err != nil {
		return err
	}
	d.leases.Release(leaseID)
	d.finishWorker(workerID)
	_ = d.queue.Complete(o.TaskID)

	c, ok := d.registry.Get(o.WorkflowID)
	if !ok {
		return errs.ErrNotFound
	}
	return c.StepFailed(o.Step, o.Error, o.Retryable, "")
}

func (d *Dispatcher) finishWorker(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[workerID]; ok {
		w.status = WorkerIdle
		w.taskID = ""
		w.leaseID = ""
	}
}

// SweepSilentWorkers evicts any worker that has not heartbeat within
// workerTimeout. A worker that held a task when it went silent has that
// task returned to the queue's ready tail and its lease released, so a
// second worker can pull it and acquire a strictly higher fencing token.
// Evicting the registry entry also stops the silent worker from ever
// reporting again: ReportCompleted/ReportFailed validate the lease, and
// the fencing-token bump from the next Acquire makes any late report
// from the original worker fail ValidateForCommit.
func (d *Dispatcher) SweepSilentWorkers() int {
	now := d.clock.Now()
	type orphan struct {
		workerID, taskID, leaseID string
	}
	var evicted []orphan

	d.mu.Lock()
	for id, w := range d.workers {
		if now.Sub(w.lastHeartbeat) > d.workerTimeout {
			evicted = append(evicted, orphan{workerID: id, taskID: w.taskID, leaseID: w.leaseID})
			delete(d.workers, id)
		}
	}
	d.mu.Unlock()

	for _, o := range evicted {
		d.logger.Warnw("worker swept for silence", "worker_id", o.workerID, "worker_timeout", d.workerTimeout)
		if o.taskID == "" {
			continue
		}
		d.metrics.IncDispatcherOrphaned()
		if o.leaseID != "" {
			d.leases.Release(o.leaseID)
		}
		if _, err := d.queue.Requeue(o.taskID); err != nil {
			d.logger.Warnw("failed to requeue orphaned task", "worker_id", o.workerID, "task_id", o.taskID, "error", err)
		}
	}
	return len(evicted)
}

// WorkerCount returns the number of currently registered workers.
func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

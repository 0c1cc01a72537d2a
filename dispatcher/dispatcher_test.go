package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcore/coordinator"
	"flowcore/errs"
	"flowcore/event"
	"flowcore/lease"
	"flowcore/protocol"
	"flowcore/queue"
)

// memWAL is an in-memory coordinator.WAL stand-in, shared across every
// test in this file the same way fakeWAL serves the coordinator package's
// own tests.
type memWAL struct {
	mu     sync.Mutex
	events []event.Event
}

func (w *memWAL) Append(e event.Event) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return int64(len(w.events)), nil
}

func (w *memWAL) Replay(_ context.Context, workflowID string) ([]event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []event.Event
	for _, e := range w.events {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, clock lease.Clock) (*Dispatcher, *coordinator.Registry) {
	t.Helper()
	w := &memWAL{}
	registry := coordinator.NewRegistry(4, w, nil, nil)
	leases := lease.New(clock, nil, nil)
	q := queue.New(nil)
	d := New(q, leases, registry, clock, time.Minute, time.Minute, nil, nil)
	return d, registry
}

// TestRequestTask_AssignsLeaseAndInput verifies that a scheduled step
// comes back from RequestTask carrying a fencing token and the workflow's
// original input.
func TestRequestTask_AssignsLeaseAndInput(t *testing.T) {
	d, registry := newTestDispatcher(t, newFakeClock())
	c := registry.GetOrCreate("wf1")
	defer c.Stop()
	require.NoError(t, c.Create("demo", map[string]string{"k": "v"}, []string{"s1"}))
	require.NoError(t, c.Advance())

	d.RegisterWorker("worker-1")
	d.ScheduleStep("wf1", "s1", 1)

	a, err := d.RequestTask("worker-1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", a.WorkflowID)
	assert.Equal(t, "s1", a.Step)
	assert.NotEmpty(t, a.LeaseID)
	assert.EqualValues(t, 1, a.FencingToken)
	assert.Equal(t, map[string]string{"k": "v"}, a.Input)
}

// TestRequestTask_UnknownWorkerRejected verifies a worker must register
// before it can pull work.
func TestRequestTask_UnknownWorkerRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakeClock())
	_, err := d.RequestTask("ghost")
	assert.ErrorIs(t, err, errs.ErrUnknownWorker)
}

// TestRequestTask_EmptyQueueReturnsNoTask verifies RequestTask surfaces
// ErrNoTask rather than blocking when nothing is ready.
func TestRequestTask_EmptyQueueReturnsNoTask(t *testing.T) {
	d, _ := newTestDispatcher(t, newFakeClock())
	d.RegisterWorker("worker-1")
	_, err := d.RequestTask("worker-1")
	assert.ErrorIs(t, err, errs.ErrNoTask)
}

// TestReportCompleted_ForwardsToCoordinator verifies a clean completion
// is forwarded to the coordinator, which marks the step completed, and
// leaves the worker registered.
func TestReportCompleted_ForwardsToCoordinator(t *testing.T) {
	d, registry := newTestDispatcher(t, newFakeClock())
	c := registry.GetOrCreate("wf2")
	defer c.Stop()
	require.NoError(t, c.Create("demo", nil, []string{"s1"}))
	require.NoError(t, c.Advance())

	d.RegisterWorker("worker-1")
	d.ScheduleStep("wf2", "s1", 1)
	a, err := d.RequestTask("worker-1")
	require.NoError(t, err)

	o := protocol.Outcome{Kind: protocol.OutcomeCompleted, TaskID: a.TaskID, WorkflowID: "wf2", Step: "s1", LeaseID: a.LeaseID, Result: "ok"}
	require.NoError(t, d.ReportCompleted("worker-1", a.LeaseID, a.FencingToken, o))

	state, err := c.GetState()
	require.NoError(t, err)
	assert.Equal(t, 1, d.WorkerCount())
	assert.Equal(t, "s1", state.Steps[0].Name)
	assert.Equal(t, "completed", string(state.Steps[0].Status))
}

// TestReportCompleted_ExpiredLeaseRejected reproduces spec.md
// Scenario B at the dispatcher boundary: a worker reporting against an
// expired lease must never reach the coordinator.
func TestReportCompleted_ExpiredLeaseRejected(t *testing.T) {
	clock := newFakeClock()
	d, registry := newTestDispatcher(t, clock)
	c := registry.GetOrCreate("wf3")
	defer c.Stop()
	require.NoError(t, c.Create("demo", nil, []string{"s1"}))
	require.NoError(t, c.Advance())

	d.RegisterWorker("worker-1")
	d.ScheduleStep("wf3", "s1", 1)
	a, err := d.RequestTask("worker-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute) // lease expires

	o := protocol.Outcome{Kind: protocol.OutcomeCompleted, TaskID: a.TaskID, WorkflowID: "wf3", Step: "s1", LeaseID: a.LeaseID, Result: "ok"}
	err = d.ReportCompleted("worker-1", a.LeaseID, a.FencingToken, o)
	require.Error(t, err)

	state, err := c.GetState()
	require.NoError(t, err)
	assert.NotEqual(t, "completed", string(state.Steps[0].Status), "stale report must not be forwarded")
}

// TestSweepSilentWorkers_EvictsOnly verifies the silence sweep evicts a
// worker past its timeout and leaves a fresh one alone.
func TestSweepSilentWorkers_EvictsOnly(t *testing.T) {
	clock := newFakeClock()
	d, _ := newTestDispatcher(t, clock)

	d.RegisterWorker("stale")
	clock.Advance(2 * time.Minute)
	d.RegisterWorker("fresh")

	evicted := d.SweepSilentWorkers()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, d.WorkerCount())
}

// TestSweepSilentWorkers_RequeuesOrphanedTask reproduces spec.md
// Scenario B end to end: worker-1 pulls the only task and goes silent
// holding it; the silence sweep must return the task to the queue so
// worker-2 can pull it and receive a strictly higher fencing token.
func TestSweepSilentWorkers_RequeuesOrphanedTask(t *testing.T) {
	clock := newFakeClock()
	d, registry := newTestDispatcher(t, clock)
	c := registry.GetOrCreate("wf-orphan")
	defer c.Stop()
	require.NoError(t, c.Create("demo", nil, []string{"s1"}))
	require.NoError(t, c.Advance())

	d.RegisterWorker("worker-1")
	d.ScheduleStep("wf-orphan", "s1", 1)

	a1, err := d.RequestTask("worker-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, a1.FencingToken)

	// worker-1 goes silent holding the task; nothing heartbeats it again.
	clock.Advance(2 * time.Minute)
	evicted := d.SweepSilentWorkers()
	assert.Equal(t, 1, evicted)

	d.RegisterWorker("worker-2")
	a2, err := d.RequestTask("worker-2")
	require.NoError(t, err, "the orphaned task must have been requeued for worker-2 to pull")
	assert.Equal(t, "s1", a2.Step)
	assert.Equal(t, a1.Attempt+1, a2.Attempt, "requeue increments the attempt")
	assert.Greater(t, a2.FencingToken, a1.FencingToken, "worker-2 must receive a strictly higher fencing token")

	// worker-1's stale report, arriving after eviction, must not land.
	o := protocol.Outcome{Kind: protocol.OutcomeCompleted, TaskID: a1.TaskID, WorkflowID: "wf-orphan", Step: "s1", LeaseID: a1.LeaseID, Result: "late"}
	err = d.ReportCompleted("worker-1", a1.LeaseID, a1.FencingToken, o)
	require.Error(t, err, "a report against the superseded fencing token must be rejected")
}

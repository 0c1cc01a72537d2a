// Command flowengine wires every FlowCore component into a single
// process and drives one demonstration workflow to completion. Real
// deployments would expose coordinator/dispatcher operations over
// whatever RPC transport fits (the worker protocol types in package
// protocol are already transport-agnostic); this binary's job is only to
// prove the wiring, the way the teacher's cmd/Hermes/main.go proves
// store+wal+server wiring with a single NewServer().Start() call.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flowcore/config"
	"flowcore/coordinator"
	"flowcore/dispatcher"
	"flowcore/errs"
	"flowcore/lease"
	"flowcore/metrics"
	"flowcore/queue"
	"flowcore/statemachine"
	"flowcore/wal"
	"flowcore/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowengine:", err)
		os.Exit(1)
	}
}

func run() error {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	dataDir := "./flowcore-data"
	if v := os.Getenv("FLOWCORE_DATA_DIR"); v != "" {
		dataDir = v
	}
	cfg := config.Default(dataDir)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	walSvc, err := wal.Open(cfg.DataDir, cfg.SegmentMaxBytes, cfg.FsyncOnWrite, logger, m)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer walSvc.Close()

	registry := coordinator.NewRegistry(16, walSvc, logger, m)
	checkpointer := coordinator.NewCheckpointer(filepath.Join(cfg.DataDir, "checkpoints"), registry, logger)

	clock := lease.RealClock()
	leases := lease.New(clock, logger, m)
	sweeper := lease.NewSweeper(leases, cfg.LeaseDuration)

	q := queue.New(logger)
	dsp := dispatcher.New(q, leases, registry, clock, cfg.LeaseDuration, cfg.WorkerTimeout, logger, m)
	dsp.Start(cfg.WorkerTimeout / 2)
	defer dsp.Stop()

	runtimes := []*worker.Runtime{
		worker.New("worker-1", dsp, demoHandler, cfg.WorkerPollInterval, cfg.StepExecutionTimeout, cfg.WorkerTimeout/2, logger),
		worker.New("worker-2", dsp, demoHandler, cfg.WorkerPollInterval, cfg.StepExecutionTimeout, cfg.WorkerTimeout/2, logger),
	}
	for _, r := range runtimes {
		r.Start()
		defer r.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sweeper.Run(gctx) })
	group.Go(func() error {
		checkpointer.Supervise(30*time.Second, gctx.Done())
		return nil
	})
	group.Go(func() error {
		return driveWorkflow(gctx, registry, dsp, logger)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// driveWorkflow creates one demonstration workflow and repeatedly calls
// Advance until the workflow reaches a terminal state, scheduling each
// newly-runnable step onto the dispatcher — the glue `schedule_step`
// wrapper describes abstractly, concretely implemented here rather than
// inside the coordinator, which stays ignorant of the dispatcher per the
// single-writer/no-shared-state rule in spec.md §5.
func driveWorkflow(ctx context.Context, registry *coordinator.Registry, dsp *dispatcher.Dispatcher, logger *zap.SugaredLogger) error {
	workflowID := "demo-workflow-1"
	c := registry.GetOrCreate(workflowID)

	steps := []string{"fetch", "transform", "store"}
	if err := c.Create("demo", map[string]string{"source": "example"}, steps); err != nil && !errors.Is(err, errs.ErrAlreadyCreated) {
		return fmt.Errorf("create workflow: %w", err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	scheduled := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := c.Advance(); err != nil && !errors.Is(err, errs.ErrNoRunnableStep) {
			logger.Warnw("advance failed", "workflow_id", workflowID, "error", err)
		}

		state, err := c.GetState()
		if err != nil {
			continue
		}
		scheduleNewlyRunnable(dsp, state, scheduled)

		if state.Overall.Terminal() {
			logger.Infow("demo workflow reached terminal state", "workflow_id", workflowID, "overall", state.Overall)
			return nil
		}
	}
}

// scheduleNewlyRunnable pushes every step currently in scheduled status
// onto the dispatcher's queue exactly once per (step, scheduled_count)
// pair, tracked in scheduled. A real deployment would instead subscribe
// to the WAL for step_scheduled events rather than polling derived
// state, avoiding the same double-schedule risk this map exists to
// close.
func scheduleNewlyRunnable(dsp *dispatcher.Dispatcher, state *statemachine.State, scheduled map[string]int) {
	for _, step := range state.Steps {
		if step.Status != statemachine.StepScheduled {
			continue
		}
		if scheduled[step.Name] == step.ScheduledCount {
			continue
		}
		scheduled[step.Name] = step.ScheduledCount
		dsp.ScheduleStep(state.WorkflowID, step.Name, step.ScheduledCount)
	}
}

func demoHandler(ctx context.Context, workflowID, step string, attempt int, input map[string]string) (string, error) {
	select {
	case <-time.After(time.Duration(50+rand.Intn(100)) * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("%s:%s:ok", workflowID, step), nil
}

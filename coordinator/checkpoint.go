package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"flowcore/statemachine"
)

// checkpointDTO is a minimal, stable persistence boundary for a workflow's
// derived state — the same design the teacher's snapshot.Item plays for
// store.Entry: it intentionally does not reference statemachine.State's
// unexported fields directly, so the on-disk format does not break the
// moment State's internals change shape.
type checkpointDTO struct {
	WorkflowID       string               `cbor:"1,keyasint"`
	Name             string               `cbor:"2,keyasint"`
	Input            map[string]string    `cbor:"3,keyasint"`
	Steps            []statemachine.StepState `cbor:"4,keyasint"`
	CurrentStepIndex int                  `cbor:"5,keyasint"`
	Overall          statemachine.OverallStatus `cbor:"6,keyasint"`
	Output           string               `cbor:"7,keyasint"`
	Error            string               `cbor:"8,keyasint"`
	Version          uint64               `cbor:"9,keyasint"`
	AppliedKeys      []string             `cbor:"10,keyasint"`
	WALOffset        int64                `cbor:"11,keyasint"`
}

// Checkpointer periodically persists a point-in-time snapshot of every
// resident coordinator's derived state, purely as a replay-time
// optimization: checkpoints are never the source of truth, and a missing
// or corrupt checkpoint always falls back to a full WAL replay from
// sequence zero. Grounded on the teacher's walStore.Compact /
// startSnapshotSupervisor (store/compaction.go): same stop-the-world
// per-workflow snapshot, same write-temp-fsync-rename promotion, same
// best-effort failure policy.
type Checkpointer struct {
	dir      string
	registry *Registry
	logger   *zap.SugaredLogger
}

// NewCheckpointer returns a Checkpointer that writes into dir, one file
// per workflow_id.
func NewCheckpointer(dir string, registry *Registry, logger *zap.SugaredLogger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Checkpointer{dir: dir, registry: registry, logger: logger}
}

func (ck *Checkpointer) pathFor(workflowID string) string {
	return filepath.Join(ck.dir, workflowID+".checkpoint")
}

// CheckpointOne writes a durable checkpoint for workflowID's currently
// resident coordinator. It is a no-op, not an error, if the workflow is
// not resident.
func (ck *Checkpointer) CheckpointOne(workflowID string) error {
	c, ok := ck.registry.Get(workflowID)
	if !ok {
		return nil
	}
	state, err := c.GetState()
	if err != nil {
		return fmt.Errorf("checkpoint: get state: %w", err)
	}
	return ck.write(state)
}

// CheckpointAll sweeps every resident coordinator. Failures are logged
// and skipped rather than aborting the sweep — a missed checkpoint only
// costs a longer replay on next restart, never correctness.
func (ck *Checkpointer) CheckpointAll() {
	for _, id := range ck.registry.All() {
		if err := ck.CheckpointOne(id); err != nil {
			ck.logger.Warnw("checkpoint failed", "workflow_id", id, "error", err)
		}
	}
}

func (ck *Checkpointer) write(state *statemachine.State) error {
	if err := os.MkdirAll(ck.dir, 0o755); err != nil {
		return err
	}

	dto := toDTO(state)
	data, err := cbor.Marshal(dto)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	tmp, err := os.CreateTemp(ck.dir, "checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, ck.pathFor(state.WorkflowID))
}

// Load reads the checkpoint for workflowID, if one exists. It returns
// (nil, false, nil) when no checkpoint file is present — callers fall
// back to a full replay in that case, never treating it as an error.
func (ck *Checkpointer) Load(workflowID string) (*statemachine.State, bool, error) {
	data, err := os.ReadFile(ck.pathFor(workflowID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var dto checkpointDTO
	if err := cbor.Unmarshal(data, &dto); err != nil {
		// A corrupt checkpoint is never fatal: the WAL remains the
		// source of truth, so the caller simply replays from zero.
		ck.logger.Warnw("checkpoint corrupt, falling back to full replay", "workflow_id", workflowID, "error", err)
		return nil, false, nil
	}
	return fromDTO(dto), true, nil
}

// Supervise runs CheckpointAll on interval until stopCh is closed.
// Grounded on startSnapshotSupervisor's ticker loop.
func (ck *Checkpointer) Supervise(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ck.CheckpointAll()
		case <-stopCh:
			return
		}
	}
}

func toDTO(s *statemachine.State) checkpointDTO {
	keys := make([]string, 0)
	for k := range s.AppliedKeysSnapshot() {
		keys = append(keys, k)
	}
	return checkpointDTO{
		WorkflowID:       s.WorkflowID,
		Name:             s.Name,
		Input:            s.Input,
		Steps:            s.Steps,
		CurrentStepIndex: s.CurrentStepIndex,
		Overall:          s.Overall,
		Output:           s.Output,
		Error:            s.Error,
		Version:          s.Version,
	AppliedKeys: keys,
	}
}

func fromDTO(dto checkpointDTO) *statemachine.State {
	return statemachine.Restore(
		dto.WorkflowID,
		dto.Name,
		dto.Input,
		dto.Steps,
		dto.CurrentStepIndex,
		dto.Overall,
		dto.Output,
		dto.Error,
		dto.Version,
		dto.AppliedKeys,
	)
}

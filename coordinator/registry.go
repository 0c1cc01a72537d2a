package coordinator

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"flowcore/metrics"
)

// Registry is a sharded map from workflow_id to its live *Coordinator.
// It follows the teacher's shardedStore partitioning (store/sharded_store.go)
// verbatim: each shard owns its own mutex so coordinators for unrelated
// workflows never contend on the same lock, while Get/GetOrCreate on one
// workflow_id is always routed to the same shard.
type Registry struct {
	numShards int
	shards    []registryShard

	wal    WAL
	logger *zap.SugaredLogger
	metric *metrics.Set
}

type registryShard struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

// NewRegistry returns a Registry partitioned across numShards shards.
// Every coordinator it creates is wired to w for WAL access.
func NewRegistry(numShards int, w WAL, logger *zap.SugaredLogger, m *metrics.Set) *Registry {
	if numShards < 1 {
		numShards = 1
	}
	shards := make([]registryShard, numShards)
	for i := range shards {
		shards[i] = registryShard{coordinators: make(map[string]*Coordinator)}
	}
	return &Registry{numShards: numShards, shards: shards, wal: w, logger: logger, metric: m}
}

func (r *Registry) shardFor(workflowID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	idx := int(h.Sum32() % uint32(r.numShards))
	return &r.shards[idx]
}

// Get returns the coordinator for workflowID if it is already resident in
// memory, without touching the WAL.
func (r *Registry) Get(workflowID string) (*Coordinator, bool) {
	shard := r.shardFor(workflowID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	c, ok := shard.coordinators[workflowID]
	return c, ok
}

// GetOrCreate returns the resident coordinator for workflowID, constructing
// and registering a fresh one under the shard lock if none exists yet —
// a compare-and-insert so two concurrent callers racing to create the same
// workflow never end up with two competing owning goroutines.
func (r *Registry) GetOrCreate(workflowID string) *Coordinator {
	shard := r.shardFor(workflowID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if c, ok := shard.coordinators[workflowID]; ok {
		return c
	}
	c := New(workflowID, r.wal, r.logger, r.metric)
	shard.coordinators[workflowID] = c
	return c
}

// Remove stops and evicts the coordinator for workflowID, if resident.
func (r *Registry) Remove(workflowID string) {
	shard := r.shardFor(workflowID)
	shard.mu.Lock()
	c, ok := shard.coordinators[workflowID]
	if ok {
		delete(shard.coordinators, workflowID)
	}
	shard.mu.Unlock()

	if ok {
		c.Stop()
	}
}

// Rehydrate constructs (or reuses) the coordinator for workflowID and
// replays its WAL history into it, for recovering a workflow after a
// restart. RehydrateWithCheckpoint falls back to it; the dispatcher does
// not call it and only reaches coordinators already resident (Get).
func (r *Registry) Rehydrate(workflowID string) (*Coordinator, error) {
	c := r.GetOrCreate(workflowID)
	if err := c.Hydrate(); err != nil {
		return nil, err
	}
	return c, nil
}

// RehydrateWithCheckpoint is Rehydrate's checkpoint-aware counterpart: it
// loads workflowID's checkpoint (if any) through ck and resumes the
// coordinator from there, folding only the WAL tail past the checkpoint's
// version instead of replaying the workflow's entire history. A missing
// or corrupt checkpoint is not an error — Load already degrades to
// (nil, false, nil) for both cases — it simply falls back to a full
// Rehydrate.
func (r *Registry) RehydrateWithCheckpoint(workflowID string, ck *Checkpointer) (*Coordinator, error) {
	base, ok, err := ck.Load(workflowID)
	if err != nil || !ok {
		return r.Rehydrate(workflowID)
	}
	c := r.GetOrCreate(workflowID)
	if err := c.HydrateFrom(base); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the total number of resident coordinators across all shards.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		total += len(r.shards[i].coordinators)
		r.shards[i].mu.Unlock()
	}
	return total
}

// All returns a snapshot of every resident workflow id. Used by the
// coordinator checkpoint sweep and by diagnostics.
func (r *Registry) All() []string {
	out := make([]string, 0, r.Len())
	for i := range r.shards {
		r.shards[i].mu.Lock()
		for id := range r.shards[i].coordinators {
			out = append(out, id)
		}
		r.shards[i].mu.Unlock()
	}
	return out
}

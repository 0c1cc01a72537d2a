// Package lease implements the lease manager: time-bounded worker
// permissions guarded by monotonically increasing fencing tokens. It
// follows the teacher's locked_store.go idiom — a single global mutex
// protecting all mutable state — rather than a channel event loop,
// because the operation set here is small and uniformly cheap (map
// lookups and increments), not the variable-cost domain logic that
// justifies the coordinator's own event loop.
package lease

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"flowcore/errs"
	"flowcore/event"
	"flowcore/metrics"
)

// stepKey identifies a (workflow_id, step) pair for fencing purposes.
type stepKey struct {
	WorkflowID string
	Step       string
}

// Clock abstracts the lease clock so tests can control deadlines without
// sleeping. Production code uses realClock (time.Now). Deadlines are
// stored as Now().UnixNano(), which drops time.Time's monotonic reading,
// so lease expiry follows the wall clock, including any adjustment to it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the production Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// Manager owns the active-lease table and the per-(workflow,step)
// fencing token counters. Nothing outside Manager ever mutates this
// state — the mutex enforces that, matching the single-writer-owner
// rule in spec.md §5.
type Manager struct {
	mu      sync.Mutex
	leases  map[string]*event.Lease // lease_id -> lease
	tokens  map[stepKey]uint64      // current highest token issued
	clock   Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Set
}

// New constructs an empty Manager.
func New(clock Clock, logger *zap.SugaredLogger, m *metrics.Set) *Manager {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		leases:  make(map[string]*event.Lease),
		tokens:  make(map[stepKey]uint64),
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
}

// Acquire atomically increments the (workflowID, step) fencing token and
// issues a lease carrying it. Token monotonicity holds across the
// Manager's entire lifetime: each call yields a strictly larger token
// than any prior Acquire for the same pair, regardless of releases or
// expirations in between.
func (m *Manager) Acquire(workflowID, step string, attempt int, duration time.Duration) *event.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey{WorkflowID: workflowID, Step: step}
	m.tokens[key]++
	token := m.tokens[key]

	l := &event.Lease{
		LeaseID:      event.NewID(),
		WorkflowID:   workflowID,
		Step:         step,
		Attempt:      attempt,
		ExpiresAt:    m.clock.Now().Add(duration).UnixNano(),
		FencingToken: token,
	}
	m.leases[l.LeaseID] = l
	m.metrics.IncLeaseIssued()
	m.logger.Debugw("lease acquired", "workflow_id", workflowID, "step", step, "attempt", attempt, "fencing_token", token, "lease_id", l.LeaseID)
	return l
}

// CheckResult is the outcome of Check.
type CheckResult int

const (
	Valid CheckResult = iota
	Expired
	Unknown
)

// Check reports a lease's current validity without consuming it.
func (m *Manager) Check(leaseID string) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return Unknown
	}
	if m.clock.Now().UnixNano() >= l.ExpiresAt {
		return Expired
	}
	return Valid
}

// ValidateForCommit returns nil only when: the lease exists, has not
// expired, its stored token equals token, AND the current highest token
// for (workflow, step) equals token. Any mismatch returns a distinct
// sentinel so the caller (the dispatcher) can discard the worker's
// result without forwarding it to the coordinator.
func (m *Manager) ValidateForCommit(leaseID string, token uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return errs.ErrLeaseUnknown
	}
	if m.clock.Now().UnixNano() >= l.ExpiresAt {
		m.metrics.IncLeaseExpired()
		return errs.ErrLeaseExpired
	}
	if l.FencingToken != token {
		m.metrics.IncFencingRejections()
		return errs.ErrFencingTokenStale
	}
	current := m.tokens[stepKey{WorkflowID: l.WorkflowID, Step: l.Step}]
	if current != token {
		m.metrics.IncFencingRejections()
		return errs.ErrFencingTokenStale
	}
	return nil
}

// Release removes a lease, typically after a successful commit.
func (m *Manager) Release(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, leaseID)
}

// Lookup returns a copy of the lease record, if it still exists.
func (m *Manager) Lookup(leaseID string) (event.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return event.Lease{}, false
	}
	return *l, true
}

// Sweep removes every lease whose deadline has passed and returns how
// many were removed. Intended to run periodically from a background
// goroutine (see lease/sweep.go); it never blocks on I/O.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixNano()
	removed := 0
	for id, l := range m.leases {
		if now >= l.ExpiresAt {
			delete(m.leases, id)
			m.metrics.IncLeaseExpired()
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debugw("lease sweep removed expired leases", "count", removed)
	}
	return removed
}

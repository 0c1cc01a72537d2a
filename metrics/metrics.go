// Package metrics defines the internal Prometheus collectors FlowCore
// components record against. FlowCore never exposes an HTTP /metrics
// endpoint itself — that belongs to the out-of-scope gateway shell — it
// only registers collectors against a *prometheus.Registry the caller
// owns and scrapes however it likes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every counter FlowCore's core records. A nil *Set is valid
// everywhere it is accepted; all methods on it are no-ops, so components
// can be constructed without metrics in tests without guarding every call
// site.
type Set struct {
	WALAppendsTotal            prometheus.Counter
	WALDiskFailuresTotal        prometheus.Counter
	WALCorruptionDetectedTotal  prometheus.Counter
	WALRotationsTotal           prometheus.Counter
	LeaseFencingRejectionsTotal prometheus.Counter
	LeaseExpiredTotal           prometheus.Counter
	LeaseIssuedTotal            prometheus.Counter
	CoordinatorDuplicateTotal   prometheus.Counter
	CoordinatorDiskFailureTotal prometheus.Counter
	DispatcherOrphanedTasksTotal prometheus.Counter
}

// New constructs a Set and registers every collector against reg. Passing
// a nil reg returns a Set that records into unregistered (but still
// functional) collectors — useful for tests that want counts without a
// live registry.
func New(reg *prometheus.Registry) *Set {
	s := &Set{
		WALAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_wal_appends_total",
			Help: "Total WAL entries successfully appended and synced.",
		}),
		WALDiskFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_wal_disk_failures_total",
			Help: "Total WAL append/rotate/sync failures.",
		}),
		WALCorruptionDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_wal_corruption_detected_total",
			Help: "Total CRC mismatches encountered during replay.",
		}),
		WALRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_wal_rotations_total",
			Help: "Total segment rotations performed.",
		}),
		LeaseFencingRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_lease_fencing_rejections_total",
			Help: "Total commit attempts rejected for a stale fencing token.",
		}),
		LeaseExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_lease_expired_total",
			Help: "Total leases removed by the expiry sweep or found expired at validation.",
		}),
		LeaseIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_lease_issued_total",
			Help: "Total leases acquired.",
		}),
		CoordinatorDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_coordinator_duplicate_total",
			Help: "Total step reports discarded as duplicate idempotency keys.",
		}),
		CoordinatorDiskFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_coordinator_disk_failure_total",
			Help: "Total coordinator operations that surfaced a WAL disk failure.",
		}),
		DispatcherOrphanedTasksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_dispatcher_orphaned_tasks_total",
			Help: "Total in-flight tasks orphaned by a worker silence sweep.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.WALAppendsTotal,
			s.WALDiskFailuresTotal,
			s.WALCorruptionDetectedTotal,
			s.WALRotationsTotal,
			s.LeaseFencingRejectionsTotal,
			s.LeaseExpiredTotal,
			s.LeaseIssuedTotal,
			s.CoordinatorDuplicateTotal,
			s.CoordinatorDiskFailureTotal,
			s.DispatcherOrphanedTasksTotal,
		)
	}

	return s
}

// IncWALAppends records a successful WAL append.
func (s *Set) IncWALAppends() { if s != nil { s.WALAppendsTotal.Inc() } }

// IncWALDiskFailures records a WAL append/rotate/sync failure.
func (s *Set) IncWALDiskFailures() { if s != nil { s.WALDiskFailuresTotal.Inc() } }

// IncWALCorruption records a CRC mismatch detected during replay.
func (s *Set) IncWALCorruption() { if s != nil { s.WALCorruptionDetectedTotal.Inc() } }

// IncWALRotations records a segment rotation.
func (s *Set) IncWALRotations() { if s != nil { s.WALRotationsTotal.Inc() } }

// IncFencingRejections records a commit rejected for a stale token.
func (s *Set) IncFencingRejections() { if s != nil { s.LeaseFencingRejectionsTotal.Inc() } }

// IncLeaseExpired records a lease removed for expiry.
func (s *Set) IncLeaseExpired() { if s != nil { s.LeaseExpiredTotal.Inc() } }

// IncLeaseIssued records a lease acquisition.
func (s *Set) IncLeaseIssued() { if s != nil { s.LeaseIssuedTotal.Inc() } }

// IncCoordinatorDuplicate records a duplicate idempotency key rejection.
func (s *Set) IncCoordinatorDuplicate() { if s != nil { s.CoordinatorDuplicateTotal.Inc() } }

// IncCoordinatorDiskFailure records a coordinator operation that surfaced
// a WAL disk failure.
func (s *Set) IncCoordinatorDiskFailure() { if s != nil { s.CoordinatorDiskFailureTotal.Inc() } }

// IncDispatcherOrphaned records a task orphaned by the worker sweep.
func (s *Set) IncDispatcherOrphaned() { if s != nil { s.DispatcherOrphanedTasksTotal.Inc() } }

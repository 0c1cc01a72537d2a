package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"flowcore/errs"
	"flowcore/event"
	"flowcore/metrics"
)

var segmentNameRE = regexp.MustCompile(`^segment_(\d{8})\.wal$`)

// Notification is delivered to subscribers after an event's sync
// succeeds. Delivery is best-effort: a subscriber that needs gap-free
// delivery must also call Replay, which returns a workflow's full history
// (it takes no starting offset).
type Notification struct {
	Event  event.Event
	Offset int64
}

// maxMissedNotifications is how many consecutive full channels a
// subscriber tolerates before it is considered dead and pruned.
const maxMissedNotifications = 3

type subscriber struct {
	ch     chan<- Notification
	missed int
}

// opKind identifies the request sent to the WAL's single-writer event
// loop. The loop is the exclusive owner of segment file handles and the
// subscriber list, exactly as the teacher's worker goroutine is the
// exclusive owner of its log file (wal/worker.go).
type opKind int

const (
	opAppend opKind = iota
	opSubscribe
	opClose
)

type request struct {
	op         opKind
	workflowID string
	evt        event.Event
	sub        chan<- Notification
	reply      chan response
}

type response struct {
	offset int64
	err    error
}

// Service is the single-writer owner of the active segment. It serializes
// all appends so that fsync ordering equals commit ordering, handles
// rotation, replay filtering by workflow, and best-effort subscriber
// fan-out.
type Service struct {
	dir          string
	maxSize      int64
	fsyncOnWrite bool
	logger       *zap.SugaredLogger
	metrics      *metrics.Set

	reqChan  chan request
	doneChan chan struct{}
	closeOnce sync.Once

	breaker *gobreaker.CircuitBreaker[int64]
}

// Open scans dir for existing segments, picks the highest id as active
// (else id 0), computes current_offset as the sum of all existing
// segment sizes, and opens the active segment in append mode.
// fsyncOnWrite controls whether every append blocks on fsync before
// acknowledging (config.Config.FsyncOnWrite); disabling it trades
// durability against a host crash for throughput.
func Open(dir string, maxSegmentBytes int64, fsyncOnWrite bool, logger *zap.SugaredLogger, m *metrics.Set) (*Service, error) {
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create data dir: %w", errors.Join(err, errs.ErrDiskFailure))
	}

	ids, err := existingSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	activeID := uint64(0)
	var baseOffset int64
	if len(ids) > 0 {
		activeID = ids[len(ids)-1]
		for _, id := range ids[:len(ids)-1] {
			info, err := os.Stat(filepath.Join(dir, segmentFileName(id)))
			if err != nil {
				return nil, fmt.Errorf("wal: stat segment %d: %w", id, errors.Join(err, errs.ErrDiskFailure))
			}
			baseOffset += info.Size()
		}
	}

	active, err := openSegment(dir, activeID)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		dir:          dir,
		maxSize:      maxSegmentBytes,
		fsyncOnWrite: fsyncOnWrite,
		logger:       logger,
		metrics:      m,
		reqChan:      make(chan request),
		doneChan:     make(chan struct{}),
		breaker: gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
			Name:        "wal-disk",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}

	go svc.run(active, baseOffset)
	return svc, nil
}

func existingSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read data dir: %w", errors.Join(err, errs.ErrDiskFailure))
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// run is the WAL event loop. Exactly one goroutine executes it. It
// mirrors the teacher's single-consumer run loop (wal/worker.go): ordered
// writes, fsync correctness, no concurrent file access.
func (s *Service) run(active *segment, baseOffset int64) {
	subs := make([]*subscriber, 0)

	for req := range s.reqChan {
		switch req.op {

		case opAppend:
			payload, err := event.Encode(req.evt)
			if err != nil {
				req.reply <- response{err: fmt.Errorf("wal: encode event: %w", err)}
				continue
			}

			if needsRotation(active.size, int64(len(payload)), s.maxSize) {
				if err := active.close(); err != nil {
					s.metrics.IncWALDiskFailures()
					req.reply <- response{err: err}
					continue
				}
				baseOffset += active.size
				next, err := openSegment(s.dir, active.id+1)
				if err != nil {
					s.metrics.IncWALDiskFailures()
					req.reply <- response{err: err}
					continue
				}
				s.logger.Infow("wal segment rotated", "previous_segment", active.id, "next_segment", next.id)
				active = next
				s.metrics.IncWALRotations()
			}

			offset, err := s.breaker.Execute(func() (int64, error) {
				return active.append(payload, req.evt.Timestamp, s.fsyncOnWrite)
			})
			if err != nil {
				s.metrics.IncWALDiskFailures()
				s.logger.Errorw("wal append failed", "workflow_id", req.evt.WorkflowID, "error", err)
				req.reply <- response{err: fmt.Errorf("wal: append: %w", errors.Join(err, errs.ErrDiskFailure))}
				continue
			}

			s.metrics.IncWALAppends()
			finalOffset := baseOffset + offset
			subs = s.notify(subs, Notification{Event: req.evt, Offset: finalOffset})
			req.reply <- response{offset: finalOffset}

		case opSubscribe:
			subs = append(subs, &subscriber{ch: req.sub})
			req.reply <- response{}

		case opClose:
			err := active.close()
			req.reply <- response{err: err}
			return
		}
	}
}

// notify delivers to every live subscriber without blocking the writer.
// A subscriber whose channel stays full across maxMissedNotifications
// consecutive notifications is pruned — "dead subscribers are monitored
// and silently removed" per the WAL service contract.
func (s *Service) notify(subs []*subscriber, n Notification) []*subscriber {
	live := subs[:0]
	for _, sub := range subs {
		select {
		case sub.ch <- n:
			sub.missed = 0
			live = append(live, sub)
		default:
			sub.missed++
			if sub.missed < maxMissedNotifications {
				live = append(live, sub)
			} else {
				s.logger.Warnw("pruning unresponsive wal subscriber")
			}
		}
	}
	return live
}

// Append serializes an event to its canonical form and appends it to the
// active segment, rotating first if necessary. It blocks until fsync
// completes. On error the caller MUST NOT apply the event to any
// in-memory state.
func (s *Service) Append(e event.Event) (int64, error) {
	reply := make(chan response, 1)
	select {
	case s.reqChan <- request{op: opAppend, evt: e, reply: reply}:
		resp := <-reply
		return resp.offset, resp.err
	case <-s.doneChan:
		return 0, errs.ErrWALClosed
	}
}

// Subscribe registers a subscriber to receive notifications for every
// event, after successful sync, in append order. Notifications are
// best-effort; subscribers needing gap-free delivery must also Replay the
// workflow's full history (neither Subscribe nor Replay takes an offset).
func (s *Service) Subscribe(ch chan<- Notification) error {
	reply := make(chan response, 1)
	select {
	case s.reqChan <- request{op: opSubscribe, sub: ch, reply: reply}:
		<-reply
		return nil
	case <-s.doneChan:
		return errs.ErrWALClosed
	}
}

// Replay scans every segment from 0 to current and returns, in sequence
// order, the decoded events belonging to workflowID. It may run
// concurrently with appends: it only reads closed segments plus the
// current bytes of the active segment already fsynced.
func (s *Service) Replay(ctx context.Context, workflowID string) ([]event.Event, error) {
	ids, err := existingSegmentIDs(s.dir)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		path := filepath.Join(s.dir, segmentFileName(id))
		corrupted, err := readSegmentFile(path, func(raw rawEntry) error {
			e, err := event.Decode(raw.Payload)
			if err != nil {
				return fmt.Errorf("wal: decode event in segment %d: %w", id, err)
			}
			if e.WorkflowID == workflowID {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if corrupted {
			s.metrics.IncWALCorruption()
			s.logger.Errorw("wal corruption detected during replay", "segment", id)
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// CurrentOffset returns the last stable cumulative byte offset.
func (s *Service) CurrentOffset() (int64, error) {
	ids, err := existingSegmentIDs(s.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		info, err := os.Stat(filepath.Join(s.dir, segmentFileName(id)))
		if err != nil {
			return 0, fmt.Errorf("wal: stat segment %d: %w", id, errors.Join(err, errs.ErrDiskFailure))
		}
		total += info.Size()
	}
	return total, nil
}

// Close flushes and shuts down the active segment. Idempotent.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.doneChan)
		reply := make(chan response, 1)
		select {
		case s.reqChan <- request{op: opClose, reply: reply}:
			resp := <-reply
			err = resp.err
		case <-time.After(5 * time.Second):
			err = fmt.Errorf("wal: worker stuck on close")
		}
	})
	return err
}

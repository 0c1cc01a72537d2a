package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"flowcore/errs"
	"flowcore/event"
)

// corruptSecondFrame flips a payload byte of the second frame in a
// segment file, leaving the first frame's header and payload untouched.
func corruptSecondFrame(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return err
	}
	firstPayloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
	secondFramePayloadOffset := headerSize + firstPayloadLen + headerSize

	_, err = f.WriteAt([]byte{'X'}, secondFramePayloadOffset)
	return err
}

func newTestEvent(workflowID string, seq uint64) event.Event {
	return event.Event{
		ID:            event.NewID(),
		Type:          event.StepCompleted,
		SchemaVersion: 1,
		WorkflowID:    workflowID,
		Sequence:      seq,
		Timestamp:     int64(seq),
		Payload: event.Payload{
			Step:       "step-a",
			Attempt:    1,
			Result:     "ok",
			DurationMS: 10,
		},
	}
}

func TestService_AppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	e1 := newTestEvent("wf-1", 1)
	e2 := newTestEvent("wf-1", 2)
	other := newTestEvent("wf-2", 1)

	if _, err := svc.Append(e1); err != nil {
		t.Fatalf("append e1: %v", err)
	}
	if _, err := svc.Append(other); err != nil {
		t.Fatalf("append other: %v", err)
	}
	off2, err := svc.Append(e2)
	if err != nil {
		t.Fatalf("append e2: %v", err)
	}
	if off2 <= 0 {
		t.Fatalf("expected increasing positive offset, got %d", off2)
	}

	got, err := svc.Replay(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for wf-1, got %d", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("expected sequence-ordered replay, got %+v", got)
	}
}

func TestService_ReplayEmptyDirReturnsNoEvents(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	got, err := svc.Replay(context.Background(), "wf-nonexistent")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

// TestService_RotatesAcrossMaxSegmentBytes is Testable Property 2: a
// small max segment size forces rotation, and replay reconstructs every
// event regardless of which segment file it landed in.
func TestService_RotatesAcrossMaxSegmentBytes(t *testing.T) {
	dir := t.TempDir()
	// Small enough that a single event's framed size exceeds it, forcing
	// every append, the first included, to rotate into a new segment.
	svc, err := Open(dir, headerSize+32, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	const n = 20
	for i := uint64(1); i <= n; i++ {
		if _, err := svc.Append(newTestEvent("wf-1", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ids, err := existingSegmentIDs(dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(ids) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(ids))
	}

	got, err := svc.Replay(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d events across segments, got %d", n, len(got))
	}
	for i, e := range got {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("events out of order at index %d: %+v", i, e)
		}
	}
}

// TestService_ReplaySurvivesRestart is Testable Property 1 and Scenario
// D: closing a Service and reopening it against the same directory must
// reconstruct identical state from disk, with no in-memory carryover.
func TestService_ReplaySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		if _, err := svc.Append(newTestEvent("wf-1", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Replay(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("replay after reopen: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events to survive restart, got %d", len(got))
	}

	// Appends after reopening must continue the offset from where the
	// prior process left off, not restart from zero.
	offsetBeforeRestartAppend, err := reopened.CurrentOffset()
	if err != nil {
		t.Fatalf("current offset: %v", err)
	}
	if offsetBeforeRestartAppend <= 0 {
		t.Fatalf("expected nonzero offset carried over from the closed segment, got %d", offsetBeforeRestartAppend)
	}
	if _, err := reopened.Append(newTestEvent("wf-1", 6)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	gotAfter, err := reopened.Replay(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("replay after append post-reopen: %v", err)
	}
	if len(gotAfter) != 6 {
		t.Fatalf("expected 6 events after appending post-reopen, got %d", len(gotAfter))
	}
}

// TestService_ReplayStopsAtTailCorruption is Scenario E: corruption in
// the on-disk tail must not be fatal; replay returns everything decoded
// up to that point.
func TestService_ReplayStopsAtTailCorruption(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := svc.Append(newTestEvent("wf-1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.Append(newTestEvent("wf-1", 2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ids, err := existingSegmentIDs(dir)
	if err != nil || len(ids) == 0 {
		t.Fatalf("expected at least one segment, ids=%v err=%v", ids, err)
	}
	lastID := ids[len(ids)-1]
	full := dir + "/" + segmentFileName(lastID)

	if err := corruptSecondFrame(full); err != nil {
		t.Fatalf("corrupt fixture: %v", err)
	}

	reopened, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.Replay(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("replay must tolerate tail corruption, got error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected replay to stop after the corrupted frame, got %d events", len(events))
	}
}

func TestService_AppendAfterCloseReturnsWALClosed(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := svc.Append(newTestEvent("wf-1", 1)); !errors.Is(err, errs.ErrWALClosed) {
		t.Fatalf("expected ErrWALClosed for append after close, got %v", err)
	}

	// Close must be idempotent.
	if err := svc.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

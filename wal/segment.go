// Package wal implements FlowCore's write-ahead log: the sole source of
// truth for every workflow state change. A segment is a single
// append-only, fixed-max-size file; Service owns a sequence of segments
// and mediates every append through a single-writer event loop (see
// service.go), the same "one goroutine owns the file" idiom the teacher
// codebase uses for its own WAL (wal/worker.go).
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"flowcore/errs"
)

// DefaultMaxSegmentBytes is the default fixed maximum size of a segment
// before rotation is triggered.
const DefaultMaxSegmentBytes = 64 * 1024 * 1024

// headerSize is the fixed 16-byte frame header: 4 bytes payload length,
// 4 bytes CRC32 (IEEE), 8 bytes logical timestamp, all big-endian.
const headerSize = 16

// segmentFileName returns the zero-padded, immutable-once-rotated file
// name for the given segment id.
func segmentFileName(id uint64) string {
	return fmt.Sprintf("segment_%08d.wal", id)
}

// segment is one file within the WAL. It is opened in append mode and,
// once rotated out as the active segment, is never written to again.
type segment struct {
	id   uint64
	path string
	file *os.File
	size int64
}

// openSegment opens or creates the segment with the given id inside dir,
// positioned for append.
func openSegment(dir string, id uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %d: %w", id, errors.Join(err, errs.ErrDiskFailure))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %d: %w", id, errors.Join(err, errs.ErrDiskFailure))
	}
	return &segment{id: id, path: path, file: f, size: info.Size()}, nil
}

// needsRotation reports whether appending an entry of incomingPayloadLen
// bytes would meet or exceed maxSize.
func needsRotation(currentSize, incomingPayloadLen int64, maxSize int64) bool {
	return currentSize+headerSize+incomingPayloadLen >= maxSize
}

// append writes the 16-byte framed header followed by payload, then
// fsyncs before returning unless sync is false. On any write or sync
// error the append MUST be treated by the caller as not having happened.
//
// Skipping the fsync trades durability for throughput: an acknowledged
// append can still be lost to a power failure or kernel panic before the
// page cache is flushed, though it survives a crash of the flowengine
// process itself (the data already left the process via write(2)). This
// is the same tradeoff the teacher's batched SyncPolicy makes (wal.go),
// generalized here to a plain on/off knob since FlowCore has no
// equivalent batching-interval concept in its lease/commit model.
func (s *segment) append(payload []byte, timestamp int64, sync bool) (offset int64, err error) {
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(header[8:16], uint64(timestamp))

	if _, err := s.file.Write(header[:]); err != nil {
		return 0, fmt.Errorf("wal: write header: %w", errors.Join(err, errs.ErrDiskFailure))
	}
	if _, err := s.file.Write(payload); err != nil {
		return 0, fmt.Errorf("wal: write payload: %w", errors.Join(err, errs.ErrDiskFailure))
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: fsync: %w", errors.Join(err, errs.ErrDiskFailure))
		}
	}

	s.size += headerSize + int64(len(payload))
	return s.size, nil
}

func (s *segment) close() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync on close: %w", errors.Join(err, errs.ErrDiskFailure))
	}
	return s.file.Close()
}

// rawEntry is one decoded frame: its payload bytes and logical timestamp.
type rawEntry struct {
	Payload   []byte
	Timestamp int64
}

// readSegmentFile streams entries from the segment file at path, calling
// apply for each. Streaming stops cleanly — without error — on a
// zero-byte tail or an incomplete trailing frame (partial write from a
// crash mid-append). A CRC mismatch drops that entry and everything after
// it for this segment; the caller is notified via corrupted=true so it
// can record the fact (metrics/logs) without treating it as fatal.
func readSegmentFile(path string, apply func(rawEntry) error) (corrupted bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("wal: open for replay: %w", errors.Join(err, errs.ErrDiskFailure))
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return false, nil
			}
			return false, fmt.Errorf("wal: read header: %w", errors.Join(err, errs.ErrDiskFailure))
		}

		payloadLen := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])
		timestamp := int64(binary.BigEndian.Uint64(header[8:16]))

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Partial trailing frame from a crash mid-append: the
				// durability contract says the last good entry survives.
				return false, nil
			}
			return false, fmt.Errorf("wal: read payload: %w", errors.Join(err, errs.ErrDiskFailure))
		}

		if crc32.ChecksumIEEE(payload) != wantCRC {
			return true, nil
		}

		if err := apply(rawEntry{Payload: payload, Timestamp: timestamp}); err != nil {
			return false, err
		}
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the per-queue write-ahead log. Every queue
// mutation (enqueue, dequeue, purge) is appended as a checksummed record
// before the in-memory index is touched, so a replay after restart
// reconstructs exactly the last acknowledged queue state.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Record type tags.
const (
	recordEnqueue uint8 = 1
	recordDequeue uint8 = 2
	recordPurge   uint8 = 3
)

// Record header layout:
// Magic(4) + CRC(4) + Type(1) + Flags(1) + Seq(8) + PayloadLen(4) = 22 bytes.
// The CRC covers everything after the CRC field, payload included.
const recordHeaderSize = 22

// Magic identifies a journal record. Records whose magic does not match
// terminate replay; everything before them is the durable state.
const Magic uint32 = 0x4E4A4C46 // "FLJN" little-endian

const crcFieldOffset = 4

var (
	// ErrClosed is returned for operations on a closed journal.
	ErrClosed = errors.New("journal closed")
	// ErrCorrupt is returned when replay meets a record that decodes but
	// contradicts the reconstructed state, e.g. a dequeue of a sequence
	// that is not at the head.
	ErrCorrupt = errors.New("journal corrupt")
)

// Entry is one live message reconstructed from or destined for the journal.
type Entry struct {
	Seq         uint64
	ID          string
	ContentType string
	EnqueuedAt  int64 // Unix millis
	Payload     []byte
}

// Journal is an append-only log file holding the mutation history of a
// single queue. Appends never fsync on their own; callers group the
// records of one logical mutation and call Sync once.
type Journal struct {
	path string
	file *os.File

	size    int64
	nextSeq uint64

	// dead counts records that no longer contribute live messages:
	// dequeue records, purge records, and the enqueues they consumed.
	dead int

	// enc holds the payload being encoded, rec the framed record.
	enc    *BufferWriter
	rec    *BufferWriter
	closed bool
}

// Open opens or creates the journal at path and replays it, returning the
// live entries in FIFO order. A torn or corrupt tail is dropped: the next
// append overwrites it, which matches the contract that only acknowledged
// (synced) mutations survive a crash.
func Open(path string) (*Journal, []Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j := &Journal{
		path:    path,
		file:    file,
		nextSeq: 1,
		enc:     NewBufferWriter(4 * 1024),
		rec:     NewBufferWriter(4 * 1024),
	}

	live, err := j.replay()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	return j, live, nil
}

// replay scans the file from the start, rebuilding the live entry list.
// It stops at the first record that fails validation and records the file
// size as the end of the last good record.
func (j *Journal) replay() ([]Entry, error) {
	live := make([]Entry, 0, 64)

	var pos int64
	header := make([]byte, recordHeaderSize)

	for {
		n, err := j.file.ReadAt(header, pos)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read journal: %w", err)
		}
		if n < recordHeaderSize {
			break
		}

		hr := NewBufferReader(header)
		magic, _ := hr.ReadUint32()
		if magic != Magic {
			break
		}
		crc, _ := hr.ReadUint32()
		typ, _ := hr.ReadUint8()
		hr.ReadUint8() // flags, reserved
		seq, _ := hr.ReadUint64()
		payloadLen, _ := hr.ReadUint32()

		total := recordHeaderSize + int(payloadLen)
		record := make([]byte, total)
		if m, err := j.file.ReadAt(record, pos); err != nil || m < total {
			break
		}
		if Checksum(record[crcFieldOffset+4:]) != crc {
			break
		}

		if typ != recordEnqueue && typ != recordDequeue && typ != recordPurge {
			// Unknown record type ends replay like a torn tail.
			break
		}

		payload := record[recordHeaderSize:]
		switch typ {
		case recordEnqueue:
			e, evicted, err := decodeEnqueue(seq, payload)
			if err != nil {
				return nil, fmt.Errorf("%w: bad enqueue record at %d", ErrCorrupt, pos)
			}
			if evicted > len(live) {
				return nil, fmt.Errorf("%w: enqueue at %d evicts %d of %d live", ErrCorrupt, pos, evicted, len(live))
			}
			live = live[evicted:]
			j.dead += evicted
			live = append(live, e)
		case recordDequeue:
			pr := NewBufferReader(payload)
			consumed, err := pr.ReadUvarint()
			if err != nil {
				return nil, fmt.Errorf("%w: bad dequeue record at %d", ErrCorrupt, pos)
			}
			if len(live) == 0 || live[0].Seq != consumed {
				return nil, fmt.Errorf("%w: dequeue of seq %d does not match head", ErrCorrupt, consumed)
			}
			live = live[1:]
			j.dead += 2
		case recordPurge:
			j.dead += len(live) + 1
			live = live[:0]
		}

		if seq >= j.nextSeq {
			j.nextSeq = seq + 1
		}
		pos += int64(total)
	}

	j.size = pos
	return live, nil
}

func decodeEnqueue(seq uint64, payload []byte) (Entry, int, error) {
	r := NewBufferReader(payload)

	evicted, err := r.ReadUvarint()
	if err != nil {
		return Entry{}, 0, err
	}
	id, err := r.ReadString()
	if err != nil {
		return Entry{}, 0, err
	}
	contentType, err := r.ReadString()
	if err != nil {
		return Entry{}, 0, err
	}
	enqueuedAt, err := r.ReadUvarint()
	if err != nil {
		return Entry{}, 0, err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return Entry{}, 0, err
	}

	e := Entry{
		Seq:         seq,
		ID:          id,
		ContentType: contentType,
		EnqueuedAt:  int64(enqueuedAt),
		Payload:     data,
	}
	return e, int(evicted), nil
}

// AppendEnqueue appends an enqueue record and returns the sequence number
// assigned to the message. evicted is the number of head messages this
// admission displaces under the drop-oldest policy; carrying it inside the
// enqueue record keeps the whole mutation atomic across a crash, since a
// record is either wholly valid or dropped by replay.
func (j *Journal) AppendEnqueue(e Entry, evicted int) (uint64, error) {
	if j.closed {
		return 0, ErrClosed
	}

	seq := j.nextSeq

	j.enc.Reset()
	j.enc.WriteUvarint(uint64(evicted))
	j.enc.WriteString(e.ID)
	j.enc.WriteString(e.ContentType)
	j.enc.WriteUvarint(uint64(e.EnqueuedAt))
	j.enc.WriteBytes(e.Payload)

	if err := j.appendRecord(recordEnqueue, seq, j.enc.Bytes()); err != nil {
		return 0, err
	}

	j.nextSeq = seq + 1
	j.dead += evicted
	return seq, nil
}

// AppendDequeue appends a dequeue record for the message with the given
// sequence number. The caller guarantees seq is the current queue head.
func (j *Journal) AppendDequeue(seq uint64) error {
	if j.closed {
		return ErrClosed
	}

	j.enc.Reset()
	j.enc.WriteUvarint(seq)

	if err := j.appendRecord(recordDequeue, j.nextSeq, j.enc.Bytes()); err != nil {
		return err
	}

	j.nextSeq++
	j.dead += 2
	return nil
}

// AppendPurge appends a purge record that invalidates all prior entries.
// liveCount is the number of messages being purged, used for compaction
// accounting.
func (j *Journal) AppendPurge(liveCount int) error {
	if j.closed {
		return ErrClosed
	}

	if err := j.appendRecord(recordPurge, j.nextSeq, nil); err != nil {
		return err
	}

	j.nextSeq++
	j.dead += liveCount + 1
	return nil
}

func (j *Journal) appendRecord(typ uint8, seq uint64, payload []byte) error {
	w := j.rec
	w.Reset()
	w.WriteUint32(Magic)
	w.WriteUint32(0) // CRC patched below
	w.WriteUint8(typ)
	w.WriteUint8(0) // flags, reserved
	w.WriteUint64(seq)
	w.WriteUint32(uint32(len(payload)))
	if len(payload) > 0 {
		w.WriteRawBytes(payload)
	}

	data := w.Bytes()
	w.SetUint32(crcFieldOffset, Checksum(data[crcFieldOffset+4:]))

	n, err := j.file.WriteAt(data, j.size)
	if err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	j.size += int64(n)
	return nil
}

// Sync flushes appended records to stable storage. A mutation is durable,
// and may be acknowledged, only after Sync returns.
func (j *Journal) Sync() error {
	if j.closed {
		return ErrClosed
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Rewrite compacts the journal to contain only the given live entries,
// preserving their sequence numbers. The rewrite goes to a temporary file
// that is synced and atomically renamed over the journal, so a crash at
// any point leaves either the old or the new file intact.
func (j *Journal) Rewrite(live []Entry) error {
	if j.closed {
		return ErrClosed
	}

	tmpPath := j.path + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create rewrite file: %w", err)
	}

	replacement := &Journal{
		path: j.path,
		file: tmp,
		enc:  NewBufferWriter(4 * 1024),
		rec:  NewBufferWriter(4 * 1024),
	}

	for _, e := range live {
		replacement.enc.Reset()
		replacement.enc.WriteUvarint(0)
		replacement.enc.WriteString(e.ID)
		replacement.enc.WriteString(e.ContentType)
		replacement.enc.WriteUvarint(uint64(e.EnqueuedAt))
		replacement.enc.WriteBytes(e.Payload)
		if err := replacement.appendRecord(recordEnqueue, e.Seq, replacement.enc.Bytes()); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync rewrite file: %w", err)
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	j.file.Close()
	j.file = tmp
	j.size = replacement.size
	j.dead = 0
	return nil
}

// Size returns the journal file size in bytes.
func (j *Journal) Size() int64 {
	return j.size
}

// DeadRecords returns the number of records made obsolete by dequeues and
// purges since the last rewrite. The queue uses it to decide when to
// compact.
func (j *Journal) DeadRecords() int {
	return j.dead
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// Delete closes the journal and removes its file from disk.
func (j *Journal) Delete() error {
	if err := j.Close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// EnqueueEntry builds an Entry for a new message at the current time.
func EnqueueEntry(id, contentType string, payload []byte) Entry {
	return Entry{
		ID:          id,
		ContentType: contentType,
		EnqueuedAt:  time.Now().UnixMilli(),
		Payload:     payload,
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// CRC32 table for the Castagnoli polynomial.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes a CRC32-C checksum.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// BufferWriter provides buffered writing with position tracking.
type BufferWriter struct {
	buf []byte
	pos int
}

// NewBufferWriter creates a new buffer writer with the given initial capacity.
func NewBufferWriter(capacity int) *BufferWriter {
	return &BufferWriter{buf: make([]byte, capacity)}
}

// Reset resets the buffer for reuse.
func (w *BufferWriter) Reset() {
	w.pos = 0
}

// Bytes returns the written bytes.
func (w *BufferWriter) Bytes() []byte {
	return w.buf[:w.pos]
}

// Len returns the number of bytes written.
func (w *BufferWriter) Len() int {
	return w.pos
}

// Grow ensures the buffer has room for at least n additional bytes.
func (w *BufferWriter) Grow(n int) {
	if w.pos+n > len(w.buf) {
		newBuf := make([]byte, 2*(w.pos+n))
		copy(newBuf, w.buf[:w.pos])
		w.buf = newBuf
	}
}

// WriteUint8 writes a single byte.
func (w *BufferWriter) WriteUint8(v uint8) {
	w.Grow(1)
	w.buf[w.pos] = v
	w.pos++
}

// WriteUint32 writes a uint32 in little-endian format.
func (w *BufferWriter) WriteUint32(v uint32) {
	w.Grow(4)
	binary.LittleEndian.PutUint32(w.buf[w.pos:], v)
	w.pos += 4
}

// WriteUint64 writes a uint64 in little-endian format.
func (w *BufferWriter) WriteUint64(v uint64) {
	w.Grow(8)
	binary.LittleEndian.PutUint64(w.buf[w.pos:], v)
	w.pos += 8
}

// WriteUvarint writes an unsigned varint.
func (w *BufferWriter) WriteUvarint(v uint64) {
	w.Grow(binary.MaxVarintLen64)
	n := binary.PutUvarint(w.buf[w.pos:], v)
	w.pos += n
}

// WriteBytes writes a length-prefixed byte slice.
func (w *BufferWriter) WriteBytes(data []byte) {
	w.WriteUvarint(uint64(len(data)))
	w.Grow(len(data))
	copy(w.buf[w.pos:], data)
	w.pos += len(data)
}

// WriteString writes a length-prefixed string.
func (w *BufferWriter) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.Grow(len(s))
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// WriteRawBytes writes raw bytes without a length prefix.
func (w *BufferWriter) WriteRawBytes(data []byte) {
	w.Grow(len(data))
	copy(w.buf[w.pos:], data)
	w.pos += len(data)
}

// SetUint32 overwrites a uint32 at an absolute position. Used to patch
// the checksum field after the record body has been written.
func (w *BufferWriter) SetUint32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[pos:], v)
}

// BufferReader provides buffered reading with position tracking.
type BufferReader struct {
	buf []byte
	pos int
}

// NewBufferReader creates a new buffer reader over data.
func NewBufferReader(data []byte) *BufferReader {
	return &BufferReader{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *BufferReader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadUint8 reads a single byte.
func (r *BufferReader) ReadUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadUint32 reads a uint32 in little-endian format.
func (r *BufferReader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 reads a uint64 in little-endian format.
func (r *BufferReader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadUvarint reads an unsigned varint.
func (r *BufferReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

// ReadBytes reads a length-prefixed byte slice.
func (r *BufferReader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < length {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, length)
	copy(data, r.buf[r.pos:r.pos+int(length)])
	r.pos += int(length)
	return data, nil
}

// ReadString reads a length-prefixed string.
func (r *BufferReader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

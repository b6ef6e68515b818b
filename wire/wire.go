// Package wire implements the typed binary value codec used by every vox
// protocol message. All multi-byte integers are little-endian and every
// variable-size field carries an explicit length prefix, so a payload is
// self-delimiting on both the stream and datagram transports.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// SanityByte is the fixed first byte of every frame on both transports.
// A mismatch is a fatal protocol violation for the offending connection.
const SanityByte byte = 0x2A

// MaxFieldLen bounds a single length-prefixed field (strings, byte slices).
const MaxFieldLen = math.MaxUint16

var (
	// ErrShortBuffer is returned when a read runs past the end of the payload.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrFieldTooLong is returned when a variable-size field exceeds MaxFieldLen.
	ErrFieldTooLong = errors.New("wire: field exceeds maximum length")
)

// Writer appends typed values to a byte buffer. The zero value is ready to
// use; Bytes returns the accumulated payload.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded payload. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset truncates the writer so the buffer can be reused.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

// Bool appends a boolean encoded as one byte (0 or 1).
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// Uint16 appends a little-endian uint16.
func (w *Writer) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// Uint32 appends a little-endian uint32.
func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint64 appends a little-endian uint64.
func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Int32 appends a little-endian int32.
func (w *Writer) Int32(v int32) {
	w.Uint32(uint32(v))
}

// String appends a uint16 length prefix followed by the raw bytes.
func (w *Writer) String(s string) error {
	if len(s) > MaxFieldLen {
		return ErrFieldTooLong
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// Bytes16 appends a uint16 length prefix followed by the slice contents.
func (w *Writer) Bytes16(b []byte) error {
	if len(b) > MaxFieldLen {
		return ErrFieldTooLong
	}
	w.Uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// Raw appends bytes without a length prefix. Callers own the framing.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Reader consumes typed values either from a byte slice (datagram payloads)
// or directly from an io.Reader (the reliable stream, whose frames carry no
// overall length). In slice mode, reads past the end return ErrShortBuffer
// and leave the reader position unchanged; in stream mode, transport errors
// are returned as-is.
type Reader struct {
	buf     []byte
	pos     int
	src     io.Reader
	scratch [8]byte
}

// NewReader creates a Reader over the given payload. The reader does not
// copy the slice.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// NewStreamReader creates a Reader that pulls bytes from src as values are
// decoded. Used by the reliable transport, where a payload self-delimits.
func NewStreamReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Remaining returns the number of unread bytes. Only meaningful in slice
// mode; a stream reader always reports zero.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// take returns the next n bytes, reading from the stream source if present.
func (r *Reader) take(n int) ([]byte, error) {
	if r.src != nil {
		b := r.scratch[:n]
		if _, err := io.ReadFull(r.src, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	if r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a one-byte boolean. Any nonzero value decodes as true.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// String reads a uint16 length prefix followed by that many bytes.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes16()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes16 reads a uint16 length prefix followed by that many bytes. In
// slice mode the returned slice aliases the reader's buffer; callers that
// retain it past the life of the frame must copy.
func (r *Reader) Bytes16() ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if r.src != nil {
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r.src, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	if r.Remaining() < int(n) {
		r.pos -= 2
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}
